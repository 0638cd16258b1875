// Package main provides the kbmapi HTTP server entry point.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/fleetops/kbmapi/internal/config"
	"github.com/fleetops/kbmapi/internal/db"
	"github.com/fleetops/kbmapi/internal/store"
	"github.com/fleetops/kbmapi/pkg/api"
	"github.com/fleetops/kbmapi/pkg/authn"
	"github.com/fleetops/kbmapi/pkg/pivtoken"
	"github.com/fleetops/kbmapi/pkg/recoveryconfig"
	"github.com/fleetops/kbmapi/pkg/recoverytoken"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.Parse()

	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	watcher, err := config.WatchFile(configPath, logger)
	if err != nil {
		glog.Fatalf("failed to load config: %v", err)
	}
	defer watcher.Close()
	cfg := watcher.Current()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	gormDB, err := db.Open(db.Config{Driver: db.Driver(cfg.DBDriver), DSN: cfg.DBDSN})
	if err != nil {
		glog.Fatalf("failed to connect to database: %v", err)
	}

	repo := store.NewRepo(gormDB)

	server := &api.Server{
		PIVTokens: &pivtoken.Service{
			Repo:                  repo,
			RecoveryTokenDuration: cfg.RecoveryTokenDuration,
		},
		RecoveryTokens: &recoverytoken.Service{Repo: repo},
		RecoveryConfigs: &recoveryconfig.Service{
			Repo:    repo,
			Machine: recoveryconfig.NewMachine(),
		},
		Authenticator: &authn.Authenticator{AdminPublicKeyLine: cfg.AdminPublicKey},
		ServerName:    cfg.ServerName,
		CORSOrigins:   cfg.CORSAllowOrigins,
		Logger:        logger,
		Live: func() (string, []string) {
			live := watcher.Current()
			return live.ServerName, live.CORSAllowOrigins
		},
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("kbmapi server ready", "listen", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("kbmapi server stopped")
}
