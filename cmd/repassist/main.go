// Package main provides the repassist binary entry point.
// Repassist watches customer conversations for representative trigger
// phrases and runs the assistance workflow: query formulation, source
// fan-out, cited resolution generation, and evaluation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianlabs/repassist/config"
	// Register the LLM provider implementations.
	_ "github.com/meridianlabs/repassist/llm/providers"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "repassist"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath  string
		logLevel    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Representative assistance orchestrator",
		Long: `Repassist assists customer service representatives in real time.

When a representative says a trigger phrase ("let me check that for you"),
repassist formulates a search query from the conversation, fans out to the
configured sources in parallel, generates a cited resolution, and evaluates
it before surfacing it for rep review.

All progress streams over NATS; the request surface is NATS request/reply.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel, metricsAddr)
		},
	}
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "Prometheus metrics listen address (empty disables)")
	cmd.AddCommand(serveCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create a default user config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(logLevel)
			return config.NewLoader(logger).EnsureUserConfig()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serve(configPath, logLevel, metricsAddr string) error {
	printBanner()

	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()

	app := NewApp(cfg, logger)
	if err := app.Start(ctx, metricsAddr); err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Hot reload: trigger phrases apply live; deadlines and model routing
	// need a restart.
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, config.NewLoader(logger), app.ReloadConfig, logger)
		if err != nil {
			logger.Warn("Config watcher unavailable", slog.String("error", err.Error()))
		} else {
			if err := watcher.Start(signalCtx); err != nil {
				logger.Warn("Config watcher failed to start", slog.String("error", err.Error()))
			}
			defer watcher.Stop()
		}
	}

	logger.Info("Repassist ready", slog.String("version", Version))

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	app.Shutdown(30 * time.Second)
	return nil
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║            Repassist v" + Version + "                   ║")
	fmt.Println("║     Rep Assistance Orchestrator               ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
