package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agentbridge/internal/config"
	"agentbridge/internal/logging"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string
	envPath    string
)

func main() {
	logger = logging.New(os.Stderr, "info", "text")

	root := &cobra.Command{
		Use:   "agentbridge",
		Short: "WhatsApp bridge for Vertex AI Agent Engine",
		Long: `agentbridge receives WhatsApp webhook deliveries, transcribes voice notes
with Cloud Speech-to-Text and relays each message to a reasoning engine
session, sending the engine's reply back to the sender.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default: environment only)")
	root.PersistentFlags().StringVar(&envPath, "env", ".env", "path to a .env file loaded before reading the environment")

	root.AddCommand(serveCmd())
	root.AddCommand(queryCmd())
	root.AddCommand(transcribeCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads .env, the optional YAML file and the environment, then
// rebuilds the global logger from the logging settings.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger = logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentbridge %s\n", version)
		},
	}
}
