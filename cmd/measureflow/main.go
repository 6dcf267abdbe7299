// Package main implements the MeasureFlow host: it loads a session
// configuration, registers the built-in adapter types and runs one routing
// session until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/adapterregistry"
	"github.com/c360/measureflow/config"
	"github.com/c360/measureflow/engine"
)

const (
	appName = "measureflow"
	version = "0.1.0"
)

type cliConfig struct {
	configPath      string
	logLevel        string
	logFormat       string
	validate        bool
	showVersion     bool
	shutdownTimeout time.Duration
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("measureflow failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cli := parseFlags()

	if cli.showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		return nil
	}

	logger := setupLogger(cli.logLevel, cli.logFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cli.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cli.validate {
		logger.Info("configuration is valid", "path", cli.configPath)
		return nil
	}

	registry := adapter.NewRegistry()
	if err := adapterregistry.Register(registry); err != nil {
		return fmt.Errorf("register adapters: %w", err)
	}

	manager := config.NewManager(cfg, logger)
	session, err := engine.NewSession(manager, registry,
		engine.WithLogger(logger),
		engine.WithStopTimeout(cli.shutdownTimeout),
	)
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}

	if err := session.Initialize(); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}

	ctx := context.Background()
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	logger.Info("measureflow running",
		"version", version,
		"config", cli.configPath,
		"inputs", session.Inputs().Len(),
		"actions", session.Actions().Len(),
		"outputs", session.Outputs().Len())

	waitForSignal(logger)

	closeCtx, cancel := context.WithTimeout(ctx, cli.shutdownTimeout)
	defer cancel()
	if err := session.Close(closeCtx); err != nil {
		return fmt.Errorf("close session: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func parseFlags() *cliConfig {
	cli := &cliConfig{}
	flag.StringVar(&cli.configPath, "config", "measureflow.yaml", "Path to the session configuration file")
	flag.StringVar(&cli.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cli.logFormat, "log-format", "text", "Log format (text, json)")
	flag.BoolVar(&cli.validate, "validate", false, "Validate the configuration and exit")
	flag.BoolVar(&cli.showVersion, "version", false, "Print version and exit")
	flag.DurationVar(&cli.shutdownTimeout, "shutdown-timeout", 10*time.Second, "Graceful shutdown budget")
	flag.Parse()
	return cli
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func waitForSignal(logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())
}
