package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bennoloeffler/bassi-sub003/internal/event"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// mockResponseWriter counts flushes.
type mockResponseWriter struct {
	*httptest.ResponseRecorder
	flushed int
}

func (m *mockResponseWriter) Flush() {
	m.flushed++
}

func newMockResponseWriter() *mockResponseWriter {
	return &mockResponseWriter{
		ResponseRecorder: httptest.NewRecorder(),
	}
}

func TestNewSSEWriter_NoFlusher(t *testing.T) {
	w := &noFlushWriter{}
	_, err := newSSEWriter(w)
	if err == nil {
		t.Error("Expected error for writer without Flusher")
	}
}

type noFlushWriter struct{}

func (n *noFlushWriter) Header() http.Header       { return http.Header{} }
func (n *noFlushWriter) Write([]byte) (int, error) { return 0, nil }
func (n *noFlushWriter) WriteHeader(int)           {}

func TestSSEEventFormat(t *testing.T) {
	w := newMockResponseWriter()
	sse, err := newSSEWriter(w)
	if err != nil {
		t.Fatalf("newSSEWriter failed: %v", err)
	}

	if err := sse.writeEvent("message", StreamEvent{Type: event.SessionCreated, Properties: map[string]int{"id": 1}}); err != nil {
		t.Fatalf("writeEvent failed: %v", err)
	}

	lines := strings.Split(w.Body.String(), "\n")
	if len(lines) < 3 {
		t.Fatalf("Expected at least 3 lines, got %d", len(lines))
	}
	if lines[0] != "event: message" {
		t.Errorf("First line should be the event, got: %s", lines[0])
	}
	if lines[1] != `data: {"type":"session.created","properties":{"id":1}}` {
		t.Errorf("Unexpected data line: %s", lines[1])
	}
	if lines[2] != "" {
		t.Errorf("Third line should be empty, got: %s", lines[2])
	}
	if w.flushed == 0 {
		t.Error("Expected a flush")
	}
}

func TestSSEWriter_WriteHeartbeat(t *testing.T) {
	w := newMockResponseWriter()
	sse, _ := newSSEWriter(w)

	sse.writeHeartbeat()

	if !strings.Contains(w.Body.String(), ": heartbeat\n") {
		t.Errorf("Expected heartbeat comment, got: %s", w.Body.String())
	}
	if w.flushed == 0 {
		t.Error("Expected Flush to be called")
	}
}

// readStream collects SSE data payloads until want is seen or ctx ends.
func readStream(ctx context.Context, t *testing.T, url string, want event.EventType) []StreamEvent {
	t.Helper()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Errorf("Failed to connect: %v", err)
		return nil
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected Content-Type text/event-stream, got %s", ct)
	}

	var got []StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var e StreamEvent
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Errorf("Bad event payload %q: %v", line, err)
			continue
		}
		got = append(got, e)
		if e.Type == want {
			return got
		}
	}
	return got
}

func TestAllEvents_SessionFilter(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	srv := &Server{bus: bus}

	ts := httptest.NewServer(http.HandlerFunc(srv.allEvents))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan []StreamEvent, 1)
	go func() { done <- readStream(ctx, t, ts.URL+"?sessionID=S1", event.SessionDeleted) }()

	// Publish until the subscriber is connected; the filter drops S2.
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case got := <-done:
			if len(got) == 0 || got[0].Type != "server.connected" {
				t.Fatalf("Expected server.connected first, got %+v", got)
			}
			for _, e := range got[1:] {
				props, _ := e.Properties.(map[string]any)
				info, _ := props["info"].(map[string]any)
				if info["id"] != "S1" {
					t.Errorf("Event of another session leaked: %+v", e)
				}
			}
			return
		case <-ticker.C:
			bus.PublishSync(event.Event{Type: event.SessionUpdated, Data: event.SessionData{Info: types.SessionSummary{ID: "S2"}}})
			bus.PublishSync(event.Event{Type: event.SessionDeleted, Data: event.SessionData{Info: types.SessionSummary{ID: "S1"}}})
		case <-deadline:
			t.Fatal("No session.deleted event received")
		}
	}
}
