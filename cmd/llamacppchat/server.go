// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AgustinJimenez/llamacppchat/internal/bridge"
	"github.com/AgustinJimenez/llamacppchat/internal/broadcast"
	"github.com/AgustinJimenez/llamacppchat/internal/config"
	"github.com/AgustinJimenez/llamacppchat/internal/downloads"
	"github.com/AgustinJimenez/llamacppchat/internal/httpapi"
	"github.com/AgustinJimenez/llamacppchat/internal/observability"
	"github.com/AgustinJimenez/llamacppchat/internal/supervisor"
	"github.com/AgustinJimenez/llamacppchat/pkg/logging"
)

const convDir = "assets/conversations"

// runServer spawns the worker via the Process Supervisor, starts the
// Worker Bridge and watchdog, opens the download tracker, initializes
// tracing/metrics, and serves the HTTP/WS frontend until an interrupt
// or terminate signal arrives.
func runServer(cmd *cobra.Command, args []string) {
	log := logging.Default()

	if bootstrapPath != "" {
		overrides, err := loadBootstrapOverrides(bootstrapPath)
		if err != nil {
			log.Error("server: failed to load bootstrap overrides", "error", err)
			os.Exit(1)
		}
		applyBootstrap(overrides)
	}

	cfg := config.Load()
	log.Info("server: config loaded", "model_history", len(cfg.ModelHistory))

	stopWatch := make(chan struct{})
	if err := config.Watch(stopWatch, log); err != nil {
		log.Warn("server: config hot-reload disabled", "error", err)
	}
	defer close(stopWatch)

	shutdownTracer, err := observability.InitTracer(log)
	if err != nil {
		log.Warn("server: tracing disabled", "error", err)
		shutdownTracer = func(context.Context) {}
	}
	defer shutdownTracer(context.Background())
	observability.InitMetrics()

	selfExe, err := os.Executable()
	if err != nil {
		log.Error("server: could not resolve own executable path", "error", err)
		os.Exit(1)
	}

	sup := supervisor.New(selfExe, dbPath)
	proc, err := sup.Spawn()
	if err != nil {
		log.Error("server: failed to spawn worker", "error", err)
		os.Exit(1)
	}

	b := bridge.New(proc.Stdin(), proc.Stdout(), log)
	b.Start()

	watchdogCtx, cancelWatchdog := context.WithCancel(context.Background())
	defer cancelWatchdog()
	go bridge.Watchdog(watchdogCtx, b, 15*time.Second, 5*time.Second, func(err error) {
		log.Warn("server: worker watchdog failure, restarting", "error", err)
		observability.DefaultMetrics.RecordRestart()
		if _, respawnErr := sup.Restart(); respawnErr != nil {
			log.Error("server: failed to respawn worker", "error", respawnErr)
			return
		}
		newProc, _ := sup.Spawn()
		if newProc != nil {
			b.Rebind(newProc.Stdin(), newProc.Stdout())
			b.Start()
		}
	})

	dlDB, err := downloads.OpenDB(downloads.Config{Path: dbPath, SyncWrites: true, NumVersionsToKeep: 1, GCInterval: 5 * time.Minute, GCDiscardRatio: 0.5})
	if err != nil {
		log.Error("server: failed to open download-tracker database", "error", err)
		os.Exit(1)
	}
	defer dlDB.Close()
	gcRunner, err := downloads.NewGCRunner(dlDB, 5*time.Minute, 0.5, func(err error) {
		log.Warn("server: download-tracker GC failed", "error", err)
	})
	if err == nil {
		gcRunner.Start()
		defer gcRunner.Stop()
	}

	hub := broadcast.NewHub()
	srv := httpapi.NewServer(b, hub, sup, convDir, modelRoot, log)
	router := httpapi.NewRouter(srv)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", serverHost, serverPort),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server: listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down")
	case err := <-errCh:
		log.Error("server: listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = sup.Kill()
}
