// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/novatechflow/seglog/internal/config"
	"github.com/novatechflow/seglog/pkg/broker"
	"github.com/novatechflow/seglog/pkg/control"
	"github.com/novatechflow/seglog/pkg/metadata"
	"github.com/novatechflow/seglog/pkg/storage"
)

const startupTimeout = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(os.Getenv("SEGLOG_CONFIG"))
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("broker exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	s3Client, err := buildS3Client(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := runStartupChecks(ctx, store, s3Client, logger); err != nil {
		return err
	}

	brokerCfg := cfg.Broker()
	brokerCfg.Logger = logger
	b, err := broker.New(store, s3Client, brokerCfg)
	if err != nil {
		return err
	}
	if err := b.Open(ctx); err != nil {
		return err
	}
	b.Start(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			logger.Error("broker close failed", "error", err)
		}
	}()

	startMetricsServer(ctx, cfg.MetricsAddr, b, logger)
	srv := &control.Server{
		Addr:    cfg.ControlAddr,
		Handler: control.NewService(b, logger),
		Logger:  logger,
	}
	logger.Info("control plane listening", "addr", cfg.ControlAddr, "metrics_addr", cfg.MetricsAddr)
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("control server: %w", err)
	}
	srv.Wait()
	return nil
}

func buildStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (metadata.Store, func(), error) {
	etcdCfg := cfg.MetadataStore()
	if etcdCfg == nil {
		logger.Info("using in-memory metadata store")
		return metadata.NewInMemoryStore(), func() {}, nil
	}
	store, err := metadata.NewEtcdStore(ctx, *etcdCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init etcd store: %w", err)
	}
	logger.Info("using etcd-backed metadata store", "endpoints", etcdCfg.Endpoints)
	return store, func() { _ = store.Close() }, nil
}

func buildS3Client(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.S3Client, error) {
	if cfg.S3.Memory {
		logger.Info("using in-memory S3 client")
		return storage.NewMemoryS3Client(), nil
	}
	writeCfg, readCfg := cfg.ObjectStore()
	client, err := storage.NewS3Client(ctx, writeCfg)
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure S3 bucket %s: %w", writeCfg.Bucket, err)
	}
	logger.Info("using AWS-compatible S3 client", "bucket", writeCfg.Bucket, "region", writeCfg.Region, "endpoint", writeCfg.Endpoint, "force_path_style", writeCfg.ForcePathStyle, "kms_configured", writeCfg.KMSKeyARN != "")
	if readCfg == nil {
		return client, nil
	}
	readClient, err := storage.NewS3Client(ctx, *readCfg)
	if err != nil {
		logger.Error("failed to create read S3 client; using write client", "error", err, "bucket", readCfg.Bucket, "endpoint", readCfg.Endpoint)
		return client, nil
	}
	logger.Info("using S3 read replica", "bucket", readCfg.Bucket, "region", readCfg.Region, "endpoint", readCfg.Endpoint)
	return newDualS3Client(client, readClient), nil
}

func runStartupChecks(parent context.Context, store metadata.Store, s3Client storage.S3Client, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(parent, startupTimeout)
	defer cancel()

	logger.Info("running startup checks", "timeout", startupTimeout)
	if _, err := store.Topics(ctx); err != nil {
		return fmt.Errorf("metadata readiness check failed: %w", err)
	}
	if err := verifyS3(ctx, s3Client, logger); err != nil {
		return err
	}
	logger.Info("startup checks passed")
	return nil
}

func verifyS3(ctx context.Context, s3Client storage.S3Client, logger *slog.Logger) error {
	probeKey := fmt.Sprintf("__health/startup_probe_%d", time.Now().UnixNano())
	backoff := 500 * time.Millisecond
	for {
		err := s3Client.UploadSegment(ctx, probeKey, []byte("seglog-startup-probe"))
		if err == nil {
			if err := s3Client.DeleteObjects(ctx, []string{probeKey}); err != nil {
				logger.Warn("failed to delete startup probe", "key", probeKey, "error", err)
			}
			return nil
		}
		logger.Warn("startup S3 probe failed, retrying", "error", err, "key", probeKey)
		select {
		case <-ctx.Done():
			return fmt.Errorf("s3 readiness check failed: %w", err)
		case <-time.After(backoff):
		}
	}
}

func newMetricsMux(b *broker.Broker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(b.Metrics().Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok state=%s\n", b.Health().State)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		state := b.Health().State
		if state == broker.S3StateUnavailable {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "not ready state=%s\n", state)
			return
		}
		fmt.Fprintf(w, "ready state=%s\n", state)
	})
	return mux
}

func startMetricsServer(ctx context.Context, addr string, b *broker.Broker, logger *slog.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMetricsMux(b),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
}

func newLogger(level string) *slog.Logger {
	lvl, _ := config.ParseLevel(level)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: true,
	})
	return slog.New(handler).With("component", "broker")
}
