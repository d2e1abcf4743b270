package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bennoloeffler/bassi-sub003/internal/index"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// TestClient provides HTTP client utilities for testing
type TestClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewTestClient creates a new test HTTP client
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// RequestOption configures HTTP requests
type RequestOption func(*http.Request)

// WithHeader adds a header to the request
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// WithQuery adds query parameters
func WithQuery(params map[string]string) RequestOption {
	return func(r *http.Request) {
		q := r.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		r.URL.RawQuery = q.Encode()
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ErrorCode returns error.code of an error body, or "".
func (r *Response) ErrorCode() string {
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(r.Body, &body)
	return body.Error.Code
}

// StatusError is returned by the typed helpers on a non-2xx response.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d (%s)", e.StatusCode, e.Code)
}

// Get performs HTTP GET request
func (c *TestClient) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, "", opts...)
}

// Post performs HTTP POST request with JSON body
func (c *TestClient) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.doJSON(ctx, http.MethodPost, path, body, opts...)
}

// Patch performs HTTP PATCH request with JSON body
func (c *TestClient) Patch(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.doJSON(ctx, http.MethodPatch, path, body, opts...)
}

// Delete performs HTTP DELETE request
func (c *TestClient) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, "", opts...)
}

func (c *TestClient) doJSON(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, reader, "application/json", opts...)
}

// do performs the actual HTTP request
func (c *TestClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, opts ...RequestOption) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
	}, nil
}

func decodeInto[T any](resp *Response, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, &StatusError{StatusCode: resp.StatusCode, Code: resp.ErrorCode()}
	}
	var v T
	if err := resp.JSON(&v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", resp.String(), err)
	}
	return &v, nil
}

// CreateSession creates a session. Empty id and name are left to the server.
func (c *TestClient) CreateSession(ctx context.Context, id, displayName string) (*types.SessionSummary, error) {
	body := map[string]string{}
	if id != "" {
		body["id"] = id
	}
	if displayName != "" {
		body["displayName"] = displayName
	}
	return decodeInto[types.SessionSummary](c.Post(ctx, "/session", body))
}

// GetSession fetches one session summary.
func (c *TestClient) GetSession(ctx context.Context, id string) (*types.SessionSummary, error) {
	return decodeInto[types.SessionSummary](c.Get(ctx, "/session/"+url.PathEscape(id)))
}

// ListSessions queries the session index.
func (c *TestClient) ListSessions(ctx context.Context, query map[string]string) (*index.Page, error) {
	return decodeInto[index.Page](c.Get(ctx, "/session", WithQuery(query)))
}

// RenameSession sets the display name.
func (c *TestClient) RenameSession(ctx context.Context, id, name string) (*types.SessionSummary, error) {
	return decodeInto[types.SessionSummary](c.Patch(ctx, "/session/"+url.PathEscape(id), map[string]string{"displayName": name}))
}

// DeleteSession removes a session and its workspace.
func (c *TestClient) DeleteSession(ctx context.Context, id string) error {
	resp, err := c.Delete(ctx, "/session/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return &StatusError{StatusCode: resp.StatusCode, Code: resp.ErrorCode()}
	}
	return nil
}

// Upload stores content under name in the session workspace.
func (c *TestClient) Upload(ctx context.Context, id, name string, content []byte) (*types.WorkspaceFile, error) {
	path := "/session/" + url.PathEscape(id) + "/files?name=" + url.QueryEscape(name)
	return decodeInto[types.WorkspaceFile](c.do(ctx, http.MethodPost, path, bytes.NewReader(content), "application/octet-stream"))
}

// ListFiles lists the workspace of a session.
func (c *TestClient) ListFiles(ctx context.Context, id string) ([]types.WorkspaceFile, error) {
	out, err := decodeInto[struct {
		Files []types.WorkspaceFile `json:"files"`
	}](c.Get(ctx, "/session/"+url.PathEscape(id)+"/files"))
	if err != nil {
		return nil, err
	}
	return out.Files, nil
}

// ReadFile downloads a stored file by content hash.
func (c *TestClient) ReadFile(ctx context.Context, id, hash string) (*Response, error) {
	return c.Get(ctx, "/session/"+url.PathEscape(id)+"/files/"+hash)
}

// Stats returns the workspace counters of a session.
func (c *TestClient) Stats(ctx context.Context, id string) (*types.WorkspaceStats, error) {
	return decodeInto[types.WorkspaceStats](c.Get(ctx, "/session/"+url.PathEscape(id)+"/stats"))
}
