// Package main is the persuasion survey binary: the participant-facing HTTP
// server, the standalone message generation worker and a flow simulator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/soaringjerry/persuasion/internal/config"
	"github.com/soaringjerry/persuasion/internal/llm"
	"github.com/soaringjerry/persuasion/internal/services"
)

const appName = "persuasion"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Persuasion survey server",
		Long: `Runs the behavioural persuasion survey: participants consent, report
their attributes, receive a generated message and answer the outcome
questions. One row per completed participant is written to the results table.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")

	load := func() (*config.Config, *slog.Logger) {
		cfg := config.Load()
		if logLevel != "" {
			cfg.LogLevel = config.ParseLevel(logLevel)
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
		slog.SetDefault(logger)
		return cfg, logger
	}

	cmd.AddCommand(serveCmd(load), workerCmd(load), simulateCmd(load), versionCmd())
	return cmd
}

type loader func() (*config.Config, *slog.Logger)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.Load()
			commit, built := cfg.Commit, cfg.BuildTime
			if commit == "" {
				commit = "dev"
			}
			if built == "" {
				built = "unknown"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s commit %s (build: %s)\n", appName, commit, built)
		},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func connectNATS(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// newGenerator builds the chat model and the message generator around it.
func newGenerator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services.MessageGenerator, error) {
	chat, err := llm.NewChatModel(ctx, llm.Options{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.OpenAIModel,
		Temperature: cfg.OpenAITemperature,
		MaxTokens:   cfg.OpenAIMaxTokens,
		Timeout:     cfg.OpenAITimeout,
	})
	if err != nil {
		return nil, err
	}
	return services.NewMessageGenerator(chat, nil, logger), nil
}
