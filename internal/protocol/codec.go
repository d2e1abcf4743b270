package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// UnknownTypeError is returned when a message carries a type the decoder
// does not know.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	if e.Type == "" {
		return "message has no type"
	}
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// ErrMalformed wraps JSON that is not an object or does not match the
// shape of its declared type.
var ErrMalformed = errors.New("malformed message")

type envelope struct {
	Type string `json:"type"`
}

// Encode marshals a message with its "type" discriminator as the first key.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	typ, _ := json.Marshal(m.Type())

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeInbound parses a message sent by the human.
func DecodeInbound(data []byte) (Inbound, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	var msg Inbound
	switch typ {
	case TypeUserText:
		msg, err = decodeAs[UserText](data)
	case TypeInterrupt:
		msg = Interrupt{}
	case TypeAnswer:
		msg, err = decodeAs[Answer](data)
	case TypePermissionResponse:
		msg, err = decodeAs[PermissionResponse](data)
	case TypeConfigChange:
		msg, err = decodeAs[ConfigChange](data)
	default:
		return nil, &UnknownTypeError{Type: typ}
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeOutbound parses a message sent to the human. Clients and tests use
// it; the server only encodes outbound messages.
func DecodeOutbound(data []byte) (Outbound, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	var msg Outbound
	switch typ {
	case TypeTextDelta:
		msg, err = decodeAs[TextDelta](data)
	case TypeToolStart:
		msg, err = decodeAs[ToolStart](data)
	case TypeToolEnd:
		msg, err = decodeAs[ToolEnd](data)
	case TypeThinking:
		msg, err = decodeAs[Thinking](data)
	case TypeSystem:
		msg, err = decodeAs[System](data)
	case TypeQuestion:
		msg, err = decodeAs[Question](data)
	case TypePermissionRequest:
		msg, err = decodeAs[PermissionRequest](data)
	case TypeResult:
		msg, err = decodeAs[Result](data)
	default:
		return nil, &UnknownTypeError{Type: typ}
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func peekType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", &UnknownTypeError{}
	}
	return env.Type, nil
}

func decodeAs[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}
