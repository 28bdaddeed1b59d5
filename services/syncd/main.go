package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roomsync/internal/config"
	"github.com/roomsync/internal/devserver"
	"github.com/roomsync/internal/logger"
)

func main() {
	logger.SetPrefix("syncd")
	logger.Info("starting sync dev server")
	cfg := config.Load()

	server := devserver.NewServer(devserver.Config{
		TokenSecret:        cfg.TokenSecret,
		TokenTTL:           cfg.TokenTTL,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MaxConnections:     cfg.MaxConnections,
	})

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("listen: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	logger.Info("stopped")
}
