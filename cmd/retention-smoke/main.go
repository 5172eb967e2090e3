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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/novatechflow/seglog/internal/config"
	"github.com/novatechflow/seglog/pkg/client"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level, err := config.ParseLevel(os.Getenv("SEGLOG_LOG_LEVEL"))
	if err != nil {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("component", "retention-smoke")

	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	opts := defaultOptions()
	var backend, brokers string
	cmd := &cobra.Command{
		Use:   "retention-smoke",
		Short: "Check that time-based retention never replays deleted records",
		Long: "Creates a topic with a short retention, produces numbered records, waits past the\n" +
			"retention window and streams from offset 0. Exits non-zero when the full history\n" +
			"is replayed even though segments rolled over.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.backend = client.Backend(backend)
			if brokers != "" {
				opts.brokers = strings.Split(brokers, ",")
			}
			s := &smoke{
				opts:   opts,
				out:    cmd.OutOrStdout(),
				logger: logger,
				sleep:  sleepContext,
			}
			s.connect = s.dial
			_, err := s.run(cmd.Context())
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&backend, "backend", string(client.BackendLocal), "platform backend: local, remote or kafka")
	flags.StringVar(&opts.addr, "addr", "localhost:9094", "control plane address for the remote backend")
	flags.StringVar(&brokers, "brokers", "localhost:9092", "comma separated seed brokers for the kafka backend")
	flags.StringVar(&opts.topic, "topic", "", "topic name (default: random UUID)")
	flags.IntVar(&opts.records, "records", opts.records, "number of records to produce")
	flags.DurationVar(&opts.retention, "retention", opts.retention, "topic retention")
	flags.IntVar(&opts.segmentBytes, "segment-bytes", opts.segmentBytes, "segment size in bytes")
	flags.DurationVar(&opts.wait, "wait", opts.wait, "time to wait after flush before consuming")
	flags.DurationVar(&opts.idle, "idle", opts.idle, "stop consuming after this long without records")
	flags.Int32Var(&opts.partitions, "partitions", opts.partitions, "topic partitions")
	flags.Int16Var(&opts.replicas, "replicas", opts.replicas, "topic replication factor")
	return cmd
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *smoke) dial(ctx context.Context) (client.Platform, error) {
	p, err := client.Connect(ctx, client.Config{
		Backend: s.opts.backend,
		Addr:    s.opts.addr,
		Brokers: s.opts.brokers,
		Logger:  s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s backend: %w", s.opts.backend, err)
	}
	return p, nil
}
