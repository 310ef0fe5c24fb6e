// Package main is the entry point for the audio proxy server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audioproxy/config"
	"audioproxy/internal/app"
	"audioproxy/internal/logging"
	"audioproxy/internal/version"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	result, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := result.Config

	if _, err := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		slog.Error("failed to configure logging", "error", err)
		os.Exit(1)
	}

	slog.Info("starting audioproxy",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	ctx := context.Background()
	application, err := app.New(ctx, app.Config{
		AppConfig: result,
		Version:   version.Version,
	})
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}
	application.StartBackground(ctx)

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("application shutdown error", "error", err)
		}
	}()

	if err := application.Start(":" + cfg.Server.Port); err != nil {
		slog.Error("server failed", "error", err)
		_ = application.Shutdown(context.Background())
		os.Exit(1)
	}

	// Start returns as soon as the listener closes; wait for queued log entries to flush.
	<-done
}
