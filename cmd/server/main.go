package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tyrowin/pester-relay/internal/config"
	"github.com/Tyrowin/pester-relay/internal/logger"
	"github.com/Tyrowin/pester-relay/internal/metrics"
	"github.com/Tyrowin/pester-relay/internal/server"
	"github.com/Tyrowin/pester-relay/internal/version"
)

// serveFlags override the matching environment settings when set.
type serveFlags struct {
	port     string
	tcpPort  string
	noTCP    bool
	logLevel string
	presence string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &serveFlags{}

	root := &cobra.Command{
		Use:           "pester-relay",
		Short:         "Presence and message relay",
		Long:          "pester-relay tracks which users are online and relays direct messages between them over WebSocket and TCP.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}
	bindServeFlags(root, flags)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}
	bindServeFlags(serveCmd, flags)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of pester-relay",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pester-relay version %s\n", version.Get())
		},
	}

	root.AddCommand(serveCmd, versionCmd)
	return root
}

func bindServeFlags(cmd *cobra.Command, flags *serveFlags) {
	f := cmd.Flags()
	f.StringVar(&flags.port, "port", "", "HTTP listen address (overrides SERVER_PORT)")
	f.StringVar(&flags.tcpPort, "tcp-port", "", "TCP listen address (overrides TCP_PORT)")
	f.BoolVar(&flags.noTCP, "no-tcp", false, "disable the TCP transport")
	f.StringVar(&flags.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	f.StringVar(&flags.presence, "presence", "", "presence mode: leave or retain (overrides PRESENCE_MODE)")
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(flags *serveFlags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.port != "" {
		cfg.Port = flags.port
	}
	if flags.tcpPort != "" {
		cfg.TCPPort = flags.tcpPort
	}
	if flags.noTCP {
		cfg.TCPEnabled = false
	}
	if flags.logLevel != "" {
		cfg.Logger.Level = flags.logLevel
	}
	if flags.presence != "" {
		cfg.PresenceMode = flags.presence
	}
	if err := config.Validate(*cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, flags *serveFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting pester-relay",
		zap.String("version", version.Get()),
		zap.String("http", cfg.Port),
		zap.Bool("tcp_enabled", cfg.TCPEnabled),
		zap.String("tcp", cfg.TCPPort),
		zap.String("presence", cfg.PresenceMode))

	srv := server.New(*cfg, log, metrics.New(cfg.MetricsNamespace))
	if err := srv.Start(); err != nil {
		_ = srv.Shutdown()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-srv.Errors():
		log.Error("listener failed", zap.Error(runErr))
	}

	if err := srv.Shutdown(); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	log.Info("server exited")
	return runErr
}
