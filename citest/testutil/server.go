package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"github.com/bennoloeffler/bassi-sub003/internal/event"
	"github.com/bennoloeffler/bassi-sub003/internal/index"
	"github.com/bennoloeffler/bassi-sub003/internal/server"
	"github.com/bennoloeffler/bassi-sub003/internal/session"
	"github.com/bennoloeffler/bassi-sub003/internal/storage"
	"github.com/bennoloeffler/bassi-sub003/internal/workspace"
)

// TestServer is a complete bassi stack listening on a free local port.
type TestServer struct {
	Server     *server.Server
	Registry   *session.Registry
	Index      *index.Index
	Workspaces *workspace.Store
	Bus        *event.Bus
	BaseURL    string
	TempDir    string
	port       int
	owned      bool
	opts       testServerConfig
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	dataDir     string
	envFile     string
	maxFileSize int64
}

// WithDataDir reuses an existing data directory instead of a fresh temp dir.
func WithDataDir(dir string) TestServerOption {
	return func(c *testServerConfig) {
		c.dataDir = dir
	}
}

// WithEnvFile sets the .env file to load
func WithEnvFile(path string) TestServerOption {
	return func(c *testServerConfig) {
		c.envFile = path
	}
}

// WithMaxFileSize caps uploads.
func WithMaxFileSize(n int64) TestServerOption {
	return func(c *testServerConfig) {
		c.maxFileSize = n
	}
}

// StartTestServer wires workspace store, session index, registry and HTTP
// server the same way `bassi serve` does and waits until /health answers.
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := testServerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.envFile != "" {
		_ = godotenv.Load(cfg.envFile)
	} else {
		_ = godotenv.Load("../../.env")
	}

	tempDir, owned := cfg.dataDir, false
	if tempDir == "" {
		dir, err := os.MkdirTemp("", "bassi-test-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		tempDir, owned = dir, true
	}
	cleanup := func() {
		if owned {
			os.RemoveAll(tempDir)
		}
	}

	root := filepath.Join(tempDir, "workspaces")
	indexDir := filepath.Join(tempDir, "index")
	for _, dir := range []string{root, indexDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	port, err := findAvailablePort()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	bus := event.NewBus()
	var wsOpts []workspace.Option
	wsOpts = append(wsOpts, workspace.WithBus(bus))
	if cfg.maxFileSize > 0 {
		wsOpts = append(wsOpts, workspace.WithMaxFileSize(cfg.maxFileSize))
	}
	ws := workspace.New(afero.NewOsFs(), root, wsOpts...)

	idx := index.New(
		index.WithStorage(storage.New(indexDir)),
		index.WithDebounce(10*time.Millisecond),
	)
	if err := idx.Load(context.Background(), ws); err != nil {
		bus.Close()
		cleanup()
		return nil, fmt.Errorf("failed to load index: %w", err)
	}

	reg := session.NewRegistry(ws, idx,
		session.WithBus(bus),
		session.WithStopGrace(time.Second),
	)

	serverConfig := server.DefaultConfig()
	serverConfig.Port = port
	srv := server.New(serverConfig, reg, ws, bus)

	go func() {
		_ = srv.Start()
	}()

	ts := &TestServer{
		Server:     srv,
		Registry:   reg,
		Index:      idx,
		Workspaces: ws,
		Bus:        bus,
		BaseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		TempDir:    tempDir,
		port:       port,
		owned:      owned,
		opts:       cfg,
	}

	if err := waitForServer(ts.BaseURL, 10*time.Second); err != nil {
		ts.shutdown()
		cleanup()
		return nil, fmt.Errorf("server failed to start: %w", err)
	}
	return ts, nil
}

// shutdown stops the stack and flushes the index without touching the data.
func (ts *TestServer) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := ts.Server.Shutdown(ctx)
	ts.Registry.Close()
	err = errors.Join(err, ts.Index.Close())
	ts.Bus.Close()
	return err
}

// Restart stops the server and starts a new one on the same data directory.
// The returned server owns the data directory if the old one did.
func (ts *TestServer) Restart() (*TestServer, error) {
	if err := ts.shutdown(); err != nil {
		return nil, err
	}
	opts := ts.opts
	next, err := StartTestServer(
		WithDataDir(ts.TempDir),
		WithEnvFile(opts.envFile),
		WithMaxFileSize(opts.maxFileSize),
	)
	if err != nil {
		return nil, err
	}
	next.owned = ts.owned
	ts.owned = false
	return next, nil
}

// Stop shuts down the test server and cleans up
func (ts *TestServer) Stop() error {
	err := ts.shutdown()
	if ts.owned {
		os.RemoveAll(ts.TempDir)
	}
	return err
}

// Client returns a new test client for this server
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// SSEClient returns a new SSE client for this server
func (ts *TestServer) SSEClient() *SSEClient {
	return NewSSEClient(ts.BaseURL)
}

// findAvailablePort finds an available TCP port
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitForServer waits for the server to be ready
func waitForServer(baseURL string, timeout time.Duration) error {
	client := NewTestClient(baseURL)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/health")
		if err == nil && resp.IsSuccess() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
