package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// WriteWait bounds a single frame write.
	WriteWait = 10 * time.Second
	// PongWait is how long the peer may stay silent before the connection
	// is considered dead.
	PongWait = 60 * time.Second
	// PingPeriod must be less than PongWait.
	PingPeriod = (PongWait * 9) / 10
	// MaxFrameSize bounds inbound frames.
	MaxFrameSize = 4 << 20
)

// Upgrader accepts websocket connections from any origin; the server is
// meant to listen on loopback.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket adapts a gorilla websocket connection to Channel.
type WebSocket struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// Upgrade upgrades an HTTP request to a websocket channel.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return NewWebSocket(conn), nil
}

// NewWebSocket wraps conn and starts its keepalive pings.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	ws := &WebSocket{conn: conn, done: make(chan struct{})}

	conn.SetReadLimit(MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	go ws.keepalive()
	return ws
}

func (ws *WebSocket) keepalive() {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with the frame writer.
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait)); err != nil {
				return
			}
		}
	}
}

// Read returns the next text or binary frame.
func (ws *WebSocket) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = ws.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := ws.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ws.mapErr(err)
	}
	// Any frame proves the peer is alive.
	_ = ws.conn.SetReadDeadline(time.Now().Add(PongWait))
	return data, nil
}

// Write sends frame as a text message.
func (ws *WebSocket) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	deadline := time.Now().Add(WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.conn.SetWriteDeadline(deadline)
	if err := ws.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return ws.mapErr(err)
	}
	return nil
}

// Close codes sent by the server.
const (
	CloseNormal        = websocket.CloseNormalClosure
	CloseTryAgainLater = websocket.CloseTryAgainLater
)

// Close sends a close frame and closes the connection.
func (ws *WebSocket) Close() error {
	return ws.CloseWithReason(CloseNormal, "session closed")
}

// CloseWithReason closes the connection with the given close code.
func (ws *WebSocket) CloseWithReason(code int, reason string) error {
	var err error
	ws.once.Do(func() {
		close(ws.done)
		_ = ws.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		err = ws.conn.Close()
	})
	return err
}

func (ws *WebSocket) mapErr(err error) error {
	select {
	case <-ws.done:
		return ErrClosed
	default:
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
