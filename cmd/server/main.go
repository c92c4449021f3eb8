package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stridelens/server/pkg/bootstrap"
	"github.com/stridelens/server/pkg/infrastructure/sentry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.NewService(ctx)
	if err != nil {
		slog.Error("service init failed", "error", err)
		os.Exit(1)
	}

	srv := newServer(svc.Compositor, svc.Locations, svc.Strava, svc.Lookback)
	httpServer := &http.Server{
		Addr:              svc.Config.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("listening", "component", "api", "addr", svc.Config.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "component", "api", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down", "component", "api")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "component", "api", "error", err)
	}
	sentry.Flush(2 * time.Second)
}
