package testutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bennoloeffler/bassi-sub003/internal/protocol"
)

// WSClient is a browser stand-in attached to one session.
type WSClient struct {
	Conn *websocket.Conn
	Init protocol.System
}

// Attach dials /session/{id}/ws and reads the init message. On a refused
// handshake the HTTP status is returned in a *StatusError.
func (c *TestClient) Attach(sessionID string) (*WSClient, error) {
	url := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/session/" + sessionID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{StatusCode: resp.StatusCode}
		}
		return nil, err
	}

	ws := &WSClient{Conn: conn}
	m, err := ws.Next(5 * time.Second)
	if err != nil {
		conn.Close()
		return nil, err
	}
	init, ok := m.(protocol.System)
	if !ok || init.Subtype != protocol.SubtypeInit {
		conn.Close()
		return nil, fmt.Errorf("expected init, got %#v", m)
	}
	ws.Init = init
	return ws, nil
}

// Send encodes and writes one inbound message.
func (w *WSClient) Send(m protocol.Inbound) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return w.Conn.WriteMessage(websocket.TextMessage, data)
}

// Next reads one outbound message.
func (w *WSClient) Next(timeout time.Duration) (protocol.Outbound, error) {
	if err := w.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, data, err := w.Conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeOutbound(data)
}

// UntilResult collects messages up to and including the next result.
func (w *WSClient) UntilResult(timeout time.Duration) ([]protocol.Outbound, error) {
	var out []protocol.Outbound
	deadline := time.Now().Add(timeout)
	for {
		m, err := w.Next(time.Until(deadline))
		if err != nil {
			return out, err
		}
		out = append(out, m)
		if _, ok := m.(protocol.Result); ok {
			return out, nil
		}
	}
}

// Text concatenates the text deltas of msgs.
func Text(msgs []protocol.Outbound) string {
	var sb strings.Builder
	for _, m := range msgs {
		if d, ok := m.(protocol.TextDelta); ok {
			sb.WriteString(d.Text)
		}
	}
	return sb.String()
}

// Close sends a normal close frame and closes the connection.
func (w *WSClient) Close() error {
	_ = w.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return w.Conn.Close()
}

// CloseCode reads until the server closes and returns the close code.
func (w *WSClient) CloseCode(timeout time.Duration) int {
	_ = w.Conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := w.Conn.ReadMessage(); err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return ce.Code
			}
			return -1
		}
	}
}
