package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portal-relay/src/config"
	"portal-relay/src/logger"

	"github.com/spf13/cobra"
)

var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "relay",
	Short:         "Portal market data relay",
	Long:          `Relays the brokerage portal's market data socket and REST endpoints to browser clients.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), configPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (optional)")
}

// -----------------------------------------------------------------------------

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// -----------------------------------------------------------------------------

func run(ctx context.Context, path string) error {
	// 1. Load config
	conf, err := config.NewConfig(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// 2. Setup Logger
	logger.Init(conf.MConfig)
	appLogger := logger.NewLogger(conf, conf.Name)

	// 3. Setup Components
	components, err := setupApp(ctx, conf, appLogger)
	if err != nil {
		return err
	}

	// 4. Start Servers
	errs := startServers(components, conf, appLogger)

	// 5. Wait for a signal or a server failure
	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down...")
	case err = <-errs:
		appLogger.Error("Server failed: %v", err)
	}

	timeout := time.Duration(conf.Session.ShutdownTimeoutSeconds+5) * time.Second
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	components.shutdown(sctx, appLogger)

	appLogger.Info("Shutdown complete.")
	return err
}
