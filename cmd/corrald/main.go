// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// corrald is the fleet backend. Without flags it runs as the
// supervisor: it spawns worker processes of itself and routes client
// connections to them by source address. With --worker it runs one
// worker: the WebSocket gateway and everything behind it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/corralhq/corral/coalesce"
	"github.com/corralhq/corral/dispatch"
	"github.com/corralhq/corral/fabric"
	"github.com/corralhq/corral/gateway"
	"github.com/corralhq/corral/lib/authgate"
	"github.com/corralhq/corral/lib/config"
	"github.com/corralhq/corral/lib/process"
	"github.com/corralhq/corral/lib/version"
	"github.com/corralhq/corral/presence"
	"github.com/corralhq/corral/session"
	"github.com/corralhq/corral/store"
	"github.com/corralhq/corral/supervisor"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("corrald", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to corral.yaml (overrides CORRAL_CONFIG)")
	worker := flagSet.Bool("worker", false, "run as a worker process")
	listen := flagSet.String("listen", "", "listen address (worker mode)")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		version.Print("corrald")
		return nil
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *worker {
		if *listen == "" {
			return fmt.Errorf("--worker requires --listen")
		}
		return runWorker(ctx, cfg, *listen, logger)
	}
	return runSupervisor(ctx, cfg, *configPath, logger)
}

func runSupervisor(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	var workerArgs []string
	if configPath != "" {
		// Workers started via CORRAL_CONFIG inherit the
		// environment; an explicit flag must be forwarded.
		workerArgs = []string{"--config", configPath}
	}

	sup, err := supervisor.New(supervisor.Config{
		WorkerArgs: workerArgs,
		Workers:    cfg.Server.Workers,
		BasePort:   cfg.Server.WorkerBasePort,
		ListenAddr: cfg.Server.Listen,
		HealthAddr: cfg.Server.Health,
		Logger:     logger.With("component", "supervisor"),
	})
	if err != nil {
		return err
	}
	return sup.Run(ctx)
}

func runWorker(ctx context.Context, cfg *config.Config, listen string, logger *slog.Logger) error {
	logger = logger.With("component", "worker", "listen", listen)

	// A listener failure must also stop the background loops.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	db, err := store.Open(store.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	gate, err := authgate.New(authgate.Config{
		DeviceSecret: cfg.Auth.DeviceSecret,
		AdminToken:   cfg.Auth.AdminToken,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	presenceTTL := config.Duration(cfg.Presence.TTL, presence.DefaultTTL*time.Second)

	var (
		presenceStore presence.Store
		markers       dispatch.Markers
		fab           fabric.Fabric
		distributed   *fabric.Distributed
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		presenceStore = presence.NewRedisStore(client, presenceTTL, logger)
		markers = dispatch.NewRedisMarkers(client, logger)
		distributed = fabric.NewDistributed(fabric.Config{
			Local:  fabric.NewLocal(),
			Bus:    fabric.NewRedisBus(client),
			Logger: logger,
		})
		fab = distributed
		logger.Info("cluster mode", "redis", cfg.Redis.Addr)
	} else {
		presenceStore = presence.NewMemoryStore(nil, presenceTTL)
		markers = dispatch.NewMemoryMarkers(nil)
		fab = fabric.NewLocal()
		logger.Info("single-node mode")
	}

	coalescer := coalesce.New(coalesce.Config{
		Sink:     db,
		Interval: config.Duration(cfg.Coalesce.FlushInterval, coalesce.DefaultInterval),
		Logger:   logger,
	})
	dispatcher := dispatch.New(dispatch.Config{
		Store:   db,
		Fabric:  fab,
		Markers: markers,
		Logger:  logger,
	})
	sessions := session.New(session.Config{
		Fabric:    fab,
		Presence:  presenceStore,
		Telemetry: coalescer,
		Logger:    logger,
	})
	server := gateway.New(gateway.Config{
		Auth:          gate,
		Sessions:      sessions,
		Dispatcher:    dispatcher,
		Coalescer:     coalescer,
		Records:       db,
		Fabric:        fab,
		PulseInterval: config.Duration(cfg.Server.PulseInterval, gateway.DefaultPulseInterval),
		Logger:        logger,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		coalescer.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Run(ctx)
	}()
	if distributed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			distributed.Run(ctx)
		}()
	}

	httpServer := &http.Server{Addr: listen, Handler: server.Handler()}
	httpDone := make(chan error, 1)
	go func() {
		httpDone <- httpServer.ListenAndServe()
	}()
	logger.Info("worker up")

	select {
	case err := <-httpDone:
		cancel()
		wg.Wait()
		return fmt.Errorf("worker listener: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	// The coalescer drains its buffers on the way out.
	wg.Wait()
	return nil
}
