package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bennoloeffler/bassi-sub003/internal/agent"
	"github.com/bennoloeffler/bassi-sub003/internal/config"
	"github.com/bennoloeffler/bassi-sub003/internal/event"
	"github.com/bennoloeffler/bassi-sub003/internal/index"
	"github.com/bennoloeffler/bassi-sub003/internal/logging"
	"github.com/bennoloeffler/bassi-sub003/internal/server"
	"github.com/bennoloeffler/bassi-sub003/internal/session"
	"github.com/bennoloeffler/bassi-sub003/internal/storage"
	"github.com/bennoloeffler/bassi-sub003/internal/workspace"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

var (
	servePort      int
	serveHostname  string
	serveWorkspace string
	serveMode      string
	serveAgent     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bassi server",
	Long: `Start the HTTP server that hosts bassi sessions.

Browsers attach to a session over /session/{id}/ws. Workspaces are kept
under the workspace root and the session index under the data directory,
so sessions survive restarts.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config, 8765)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (default from config, 127.0.0.1)")
	serveCmd.Flags().StringVar(&serveWorkspace, "workspace", "", "Root directory of session workspaces")
	serveCmd.Flags().StringVar(&serveMode, "permission-mode", "", "Permission mode of new sessions (default|acceptEdits|bypassPermissions)")
	serveCmd.Flags().StringVar(&serveAgent, "agent", agent.DefaultAgent, "Agent that runs session tasks")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHostname != "" {
		cfg.Server.Host = serveHostname
	}
	if serveWorkspace != "" {
		cfg.Workspace.Root = serveWorkspace
	}
	if serveMode != "" {
		cfg.Permissions.Mode = types.PermissionMode(serveMode)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	agents := agent.NewRegistry()
	if !agents.Exists(serveAgent) {
		return fmt.Errorf("unknown agent %q (available: %s)", serveAgent, strings.Join(agents.Names(), ", "))
	}

	if err := config.GetPaths().EnsurePaths(); err != nil {
		return err
	}
	for _, dir := range []string{cfg.Workspace.Root, cfg.Index.Path} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logging.Info().
		Str("version", Version).
		Str("agent", serveAgent).
		Str("workspace", cfg.Workspace.Root).
		Str("index", cfg.Index.Path).
		Msg("Starting bassi server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus()
	defer bus.Close()

	ws := workspace.New(afero.NewOsFs(), cfg.Workspace.Root,
		workspace.WithMaxFileSize(cfg.Workspace.MaxFileSize),
		workspace.WithBus(bus),
	)

	idx := index.New(
		index.WithStorage(storage.New(cfg.Index.Path)),
		index.WithDebounce(cfg.Index.Debounce.Std()),
	)
	if err := idx.Load(ctx, ws); err != nil {
		return fmt.Errorf("failed to load session index: %w", err)
	}
	defer func() {
		if err := idx.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to write session index")
		}
	}()

	if cfg.Index.Watch {
		w, err := index.NewWatcher(cfg.Workspace.Root, idx, ws)
		if err != nil {
			logging.Warn().Err(err).Msg("Workspace watcher disabled")
		} else {
			w.Start()
			defer w.Stop()
		}
	}

	reg := session.NewRegistry(ws, idx,
		session.WithBus(bus),
		session.WithAgents(agents, serveAgent),
		session.WithPermissionMode(cfg.Permissions.Mode),
		session.WithQuestionTimeout(cfg.Questions.Timeout.Std()),
	)
	defer reg.Close()

	srv := server.New(&server.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		EnableCORS:  cfg.Server.EnableCORS,
		ReadTimeout: cfg.Server.ReadTimeout.Std(),
	}, reg, ws, bus)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(cmd.OutOrStdout(), "bassi listening on http://%s\n", srv.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Server shutdown error")
	}
	logging.Info().Msg("Server stopped")
	return nil
}
