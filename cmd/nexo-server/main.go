package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexo-labs/nexo/internal/app"
	"github.com/nexo-labs/nexo/internal/config"
	"github.com/nexo-labs/nexo/internal/monitor"
	"github.com/nexo-labs/nexo/pkg/clog"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	store, err := app.NewStorage(context.Background(), config.StorageEnvFromEnv(env))
	if err != nil {
		slog.Error("failed to create storage", "error", err)
		os.Exit(1)
	}

	a, err := app.New(env, store)
	if err != nil {
		slog.Error("failed to build app", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	restored, err := a.Queue.Restore(ctx)
	if err != nil {
		slog.Error("failed to restore jobs", "error", err)
		os.Exit(1)
	}
	if restored > 0 {
		slog.Info("restored unfinished jobs", "count", restored)
	}
	if err := a.Worker.Init(ctx); err != nil {
		slog.Error("failed to start job worker", "error", err)
		os.Exit(1)
	}

	var watcher *monitor.PolicyWatcher
	if path := config.MonitorEnvFromEnv(env).PolicyFile; path != "" {
		watcher, err = monitor.WatchPolicy(ctx, path, a.Monitor)
		if err != nil {
			slog.Error("failed to watch monitor policy", "path", path, "error", err)
			os.Exit(1)
		}
	}

	a.Scheduler.Start(ctx)
	go a.Dispatcher.Start(ctx)

	srv := a.NewHTTPServer()
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	a.Scheduler.Stop()
	if err := a.Worker.Shutdown(shutdownCtx); err != nil {
		slog.Error("job worker shutdown error", "error", err)
	}
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			slog.Error("policy watcher close error", "error", err)
		}
	}
}
