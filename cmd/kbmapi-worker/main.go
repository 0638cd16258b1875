// Package main provides the kbmapi background worker entry point: the
// transition orchestrator and the retention pruner run concurrently in
// one process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/golang/glog"

	"github.com/fleetops/kbmapi/internal/config"
	"github.com/fleetops/kbmapi/internal/db"
	"github.com/fleetops/kbmapi/internal/store"
	"github.com/fleetops/kbmapi/pkg/nodeagent/fake"
	"github.com/fleetops/kbmapi/pkg/orchestrator"
	"github.com/fleetops/kbmapi/pkg/pruner"
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

	cfg, err := config.FromFile(configPath)
	if err != nil {
		glog.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	dbCfg := db.Config{Driver: db.Driver(cfg.DBDriver), DSN: cfg.DBDSN}
	if err := db.Migrate(dbCfg); err != nil {
		glog.Fatalf("failed to migrate database: %v", err)
	}
	gormDB, err := db.Open(dbCfg)
	if err != nil {
		glog.Fatalf("failed to connect to database: %v", err)
	}

	repo := store.NewRepo(gormDB)

	// The node-agent executor is an opaque RPC seam (spec.md's
	// Glossary); no concrete transport is specified, so the in-memory
	// fake stands in as the wired implementation until a real
	// node-agent client lands in pkg/nodeagent.
	executor := fake.NewExecutor()

	orch := &orchestrator.Orchestrator{
		Repo:     repo,
		Executor: executor,
		Config: orchestrator.Config{
			PollInterval:       cfg.PollInterval,
			InstanceUUID:       cfg.InstanceUUID,
			DefaultConcurrency: cfg.DefaultConcurrency,
		},
		Logger: logger,
	}

	pr := &pruner.Pruner{
		Repo:            repo,
		PollInterval:    cfg.PollInterval,
		HistoryDuration: cfg.HistoryDuration,
		Logger:          logger,
	}

	logger.Info("kbmapi worker ready", "instanceUuid", cfg.InstanceUUID, "pollInterval", cfg.PollInterval.String())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		pr.Run(ctx)
	}()

	<-ctx.Done()
	wg.Wait()

	logger.Info("kbmapi worker stopped")
}
