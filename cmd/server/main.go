package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/infrastructure/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type flags struct {
	configFile string
	port       string
	host       string
	dev        bool
	logLevel   string
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:           "shelld",
		Short:         "Multi-session shell command execution server",
		Long:          `shelld runs shell commands in persistent sessions and streams their output over HTTP and WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(f)
		},
	}

	rootCmd.PersistentFlags().StringVar(&f.configFile, "config", "", "TOML or YAML config file (overrides SHELLD_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&f.dev, "dev", false, "Development logging (colored, debug level)")
	rootCmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(f)
		},
	}
	serveCmd.Flags().StringVar(&f.port, "port", "", "Server port")
	serveCmd.Flags().StringVar(&f.host, "host", "", "Listen address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newRunCommand(f))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "shelld", version)
		},
	})

	return rootCmd
}

// loadConfig layers command-line flags over environment and file settings.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f.configFile != "" {
		if err := cfg.ApplyFile(f.configFile); err != nil {
			return nil, err
		}
	}

	if f.port != "" {
		cfg.Server.Port = f.port
	}
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.dev {
		cfg.Logging.Development = true
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Development)
	defer logger.Sync()

	logger.Info("Starting shelld", zap.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(cfg, logger, version)
	return srv.Run(ctx)
}
