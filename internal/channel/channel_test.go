package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_RoundTrip(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()

	require.NoError(t, a.Write(ctx, []byte("hello")))
	got, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, b.Write(ctx, []byte("back")))
	got, err = a.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "back", string(got))
}

func TestPipe_WriteCopiesFrame(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()

	frame := []byte("abc")
	require.NoError(t, a.Write(ctx, frame))
	frame[0] = 'x'

	got, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestPipe_CloseDrainsThenFails(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()

	require.NoError(t, a.Write(ctx, []byte("last words")))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "close is idempotent")

	got, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(got))

	_, err = b.Read(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Write(ctx, []byte("x")), ErrClosed)

	select {
	case <-b.Done():
	default:
		t.Fatal("both ends observe the close")
	}
}

func TestPipe_ReadHonoursContext(t *testing.T) {
	_, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipe_CloseUnblocksReader(t *testing.T) {
	a, b := Pipe()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Read(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	a.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader was not released")
	}
}

// wsPair starts a server that upgrades one connection and returns the
// server-side channel and a raw client connection.
func wsPair(t *testing.T) (*WebSocket, *websocket.Conn) {
	t.Helper()
	serverCh := make(chan *WebSocket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := Upgrade(w, r)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverCh <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case ws := <-serverCh:
		t.Cleanup(func() { ws.Close() })
		return ws, client
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept the connection")
	}
	return nil, nil
}

func TestWebSocket_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ws, client := wsPair(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"interrupt"}`)))
	got, err := ws.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"interrupt"}`, string(got))

	require.NoError(t, ws.Write(ctx, []byte(`{"type":"text_delta","text":"hi"}`)))
	mt, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.JSONEq(t, `{"type":"text_delta","text":"hi"}`, string(data))
}

func TestWebSocket_PeerCloseIsErrClosed(t *testing.T) {
	ws, client := wsPair(t)

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	_, err := ws.Read(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebSocket_ReadCancelledByContext(t *testing.T) {
	ws, _ := wsPair(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := ws.Read(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("read was not cancelled")
	}
}

func TestWebSocket_LocalCloseIsErrClosed(t *testing.T) {
	ws, _ := wsPair(t)
	require.NoError(t, ws.Close())

	_, err := ws.Read(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, ws.Write(context.Background(), []byte("x")), ErrClosed)
}
