package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SSEEvent is one decoded data payload of the /event stream.
type SSEEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// SessionID returns properties.info.id, if present.
func (e SSEEvent) SessionID() string {
	var p struct {
		Info struct {
			ID string `json:"id"`
		} `json:"info"`
		SessionID string `json:"sessionID"`
	}
	_ = json.Unmarshal(e.Properties, &p)
	if p.Info.ID != "" {
		return p.Info.ID
	}
	return p.SessionID
}

// SSEClient provides SSE client utilities for testing
type SSEClient struct {
	BaseURL    string
	HTTPClient *http.Client

	mu       sync.Mutex
	events   []SSEEvent
	eventsCh chan SSEEvent
	cancel   context.CancelFunc
}

// NewSSEClient creates a new SSE test client
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		eventsCh:   make(chan SSEEvent, 100),
	}
}

// Connect opens the stream and waits for server.connected.
func (c *SSEClient) Connect(ctx context.Context, path string) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return fmt.Errorf("unexpected content type: %s", ct)
	}

	go c.readEvents(resp.Body)

	if _, err := c.WaitForEvent("server.connected", 5*time.Second); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (c *SSEClient) readEvents(body io.ReadCloser) {
	defer close(c.eventsCh)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		var evt SSEEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &evt); err != nil {
			continue
		}
		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
		select {
		case c.eventsCh <- evt:
		default:
		}
	}
}

// WaitForEvent returns the next event of the given type.
func (c *SSEClient) WaitForEvent(eventType string, timeout time.Duration) (*SSEEvent, error) {
	return c.WaitFor(func(e SSEEvent) bool { return e.Type == eventType }, timeout)
}

// WaitFor returns the next event matching fn.
func (c *SSEClient) WaitFor(fn func(SSEEvent) bool, timeout time.Duration) (*SSEEvent, error) {
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-c.eventsCh:
			if !ok {
				return nil, fmt.Errorf("stream closed")
			}
			if fn(evt) {
				return &evt, nil
			}
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event")
		}
	}
}

// GetAllEvents returns every event received so far.
func (c *SSEClient) GetAllEvents() []SSEEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SSEEvent(nil), c.events...)
}

// Close closes the SSE connection
func (c *SSEClient) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
