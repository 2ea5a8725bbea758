package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seawolf-auv/swhub/internal/logger"
	"github.com/seawolf-auv/swhub/pkg/config"
	"github.com/seawolf-auv/swhub/pkg/hub"
	"github.com/seawolf-auv/swhub/pkg/metrics"
	"github.com/seawolf-auv/swhub/pkg/vars"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the hub server",
	Long: `Start the hub server with the specified configuration.

Use --config to specify a configuration file; without it the hub looks for
$HOME/.swhubrc and then /etc/seawolf_hub.conf, falling back to built-in
defaults when neither exists.

Examples:
  # Start with discovered config
  swhub start

  # Start with an explicit config file
  swhub start --config /etc/seawolf_hub.conf

  # Override a setting from the environment
  SWHUB_LOG_LEVEL=DEBUG swhub start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return err
	}

	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return err
	}
	defer logger.Close()

	store, err := vars.Load(cfg.VarDefs, cfg.VarDB)
	if err != nil {
		logger.Critical("Unable to load variable definitions", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	if cfg.MetricsPort > 0 {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsPort); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := hub.New(cfg, store, m)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	logger.Normal("Hub is running", "version", Version)

	select {
	case sig := <-sigChan:
		signal.Stop(sigChan)
		logger.Normal("Shutdown signal received, initiating graceful shutdown", "signal", sig)
		cancel()
		if err := <-serverDone; err != nil {
			logger.Error("Hub shutdown error", "error", err)
			return err
		}
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Critical("Hub failed", "error", err)
			return err
		}
	}
	return nil
}
