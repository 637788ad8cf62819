package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/kpanic/internal/config"
	"firestige.xyz/kpanic/internal/log"
	"firestige.xyz/kpanic/internal/receiver"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the receiver in foreground",
	Long: `Run the kernel panic receiver in foreground.

The receiver will:
  1. Load configuration from the config file and KPANIC_* environment
  2. Initialize logging and metrics
  3. Bind the configured transport
  4. Reassemble, extract and report every incoming kernel log
  5. Handle signals for graceful shutdown (SIGTERM, SIGINT) and log reload (SIGHUP)

Examples:
  kpanic serve -c /etc/kpanic/config.yml
  KPANIC_LISTEN_MODE=stream kpanic serve -c ""`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(cmd.Context()); err != nil {
			exitWithError("receiver failed", err)
		}
	},
}

var pidFile string

func init() {
	serveCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (empty = none)")
}

// runner is the part of the receiver serve drives.
type runner interface {
	Run(ctx context.Context) error
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := log.Init(cfg.Log.LoggerConfig()); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	r, err := receiver.New(cfg, receiver.WithConfigPath(configFile), receiver.WithPIDFile(pidFile))
	if err != nil {
		return fmt.Errorf("failed to create receiver: %w", err)
	}
	return serve(ctx, r)
}

func serve(ctx context.Context, r runner) error {
	return r.Run(ctx)
}
