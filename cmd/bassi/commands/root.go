// Package commands provides the CLI commands for bassi.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bennoloeffler/bassi-sub003/internal/config"
	"github.com/bennoloeffler/bassi-sub003/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "bassi",
	Short: "bassi - a personal assistant server",
	Long: `bassi runs personal-assistant sessions behind a local HTTP server.

Each session owns a workspace of uploaded and generated files, a set of
permission grants and at most one attached browser. Run 'bassi serve' to
start the server and 'bassi sessions' to list stored sessions.`,
	Version:      Version,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print human-readable logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "C", "", "Directory to read bassi.{json,yaml} and .env from")

	rootCmd.SetVersionTemplate(fmt.Sprintf("bassi %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// Execute runs the root command.
func Execute() error {
	defer logging.Close()
	return rootCmd.Execute()
}

// loadConfig loads the configuration and initializes logging from it.
// Command line flags win over the configuration.
func loadConfig() (*config.Config, error) {
	dir := workDir
	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if printLogs {
		cfg.Log.Pretty = true
	}

	logging.Init(logging.Config{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Output:    os.Stderr,
		Pretty:    cfg.Log.Pretty,
		LogToFile: cfg.Log.File,
		LogDir:    config.GetPaths().LogPath(),
		KeepFiles: 10,
	})
	return cfg, nil
}
