// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of metricvault.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command metricvault wires the registry, cardinality guard, ingest
// pipeline, query planner and archival engine into a single process.
// The HTTP transport sits outside this engine's boundary and is
// provided by whatever frontend embeds it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/gops/agent"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metricvault/metricvault/internal/archival"
	"github.com/metricvault/metricvault/internal/cardinality"
	"github.com/metricvault/metricvault/internal/clock"
	"github.com/metricvault/metricvault/internal/config"
	"github.com/metricvault/metricvault/internal/ingest"
	"github.com/metricvault/metricvault/internal/query"
	"github.com/metricvault/metricvault/internal/registry"
	"github.com/metricvault/metricvault/internal/storage"
	"github.com/metricvault/metricvault/internal/telemetry"
)

func main() {
	var (
		flagConfigFile string
		flagGops       bool
		flagLogLevel   string
	)
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the default options by those specified in `config.json`")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.StringVar(&flagLogLevel, "loglevel", "info", "One of: debug, info, warn, error")
	flag.Parse()

	cclog.Init(flagLogLevel, flagLogLevel == "debug")

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		cclog.Warnf(".env: %s", err.Error())
	}

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			cclog.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := config.Init(flagConfigFile); err != nil {
		cclog.Abortf("config: %s\n", err.Error())
	}

	if err := run(config.Keys); err != nil {
		cclog.Abortf("metricvault: %s\n", err.Error())
	}
}

func run(cfg config.Config) error {
	db, err := storage.Connect(cfg.Storage.DBDSN)
	if err != nil {
		return fmt.Errorf("connect hot store: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	objects, err := storage.NewS3ObjectStore(ctx, storage.S3Config{
		Endpoint:     cfg.Storage.S3Endpoint,
		AccessKey:    cfg.Storage.S3AccessKey,
		SecretKey:    cfg.Storage.S3SecretKey,
		Region:       cfg.Storage.S3Region,
		UsePathStyle: cfg.Storage.S3Endpoint != "",
	})
	if err != nil {
		return fmt.Errorf("connect object store: %w", err)
	}

	metricStore := storage.NewSQLMetricStore(db)
	gateway := storage.NewSQLGateway(db)
	archiveStore := storage.NewSQLArchiveStore(db)

	reg := registry.New(metricStore, clock.Default)
	if err := reg.Preload(ctx); err != nil {
		return fmt.Errorf("preload registry: %w", err)
	}

	metrics := telemetry.New(prometheus.DefaultRegisterer)

	guard := cardinality.New(cfg.Cardinality, gateway, clock.Default)
	pipeline := ingest.New(cfg.Ingestion, reg, guard, gateway, clock.Default, metrics)

	archivalCfg := cfg.Archival
	if cfg.Storage.S3Bucket != "" {
		archivalCfg.Bucket = cfg.Storage.S3Bucket
	}
	archiveEngine := archival.New(archivalCfg, gateway, objects, archiveStore, clock.Default, metrics)

	queryCfg := cfg.Query
	queryCfg.HotRetentionDays = cfg.HotTier.RetentionDays
	planner := query.NewPlanner(reg, gateway, clock.Default, metrics, queryCfg, archiveEngine.QueryArchive)
	_ = planner // consumed by whatever transport embeds this engine; kept alive here for wiring parity

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("new scheduler: %w", err)
	}
	if err := archiveEngine.Schedule(ctx, scheduler); err != nil {
		return fmt.Errorf("schedule archival: %w", err)
	}
	scheduler.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pipeline.Run(ctx)
	}()

	var natsSource *ingest.NATSSource
	if cfg.NATS.Enabled {
		natsSource = ingest.NewNATSSource(ingest.NATSSourceConfig{
			Address:       cfg.NATS.Address,
			Subject:       cfg.NATS.Subject,
			Username:      cfg.NATS.Username,
			Password:      cfg.NATS.Password,
			CredsFilePath: cfg.NATS.CredsFilePath,
		}, pipeline)
		if err := natsSource.Start(ctx); err != nil {
			return fmt.Errorf("start nats source: %w", err)
		}
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				cclog.Errorf("metrics server: %s", err.Error())
			}
		}()
		cclog.Infof("metrics listening on %s", cfg.MetricsAddr)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	cclog.Info("shutting down")

	cancel()
	if natsSource != nil {
		natsSource.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := pipeline.Flush(shutdownCtx); err != nil {
		cclog.Errorf("final flush: %s", err.Error())
	}
	if err := scheduler.Shutdown(); err != nil {
		cclog.Errorf("scheduler shutdown: %s", err.Error())
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			cclog.Errorf("metrics server shutdown: %s", err.Error())
		}
	}

	wg.Wait()
	return nil
}
