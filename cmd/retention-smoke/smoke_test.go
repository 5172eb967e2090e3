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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/novatechflow/seglog/pkg/broker"
	"github.com/novatechflow/seglog/pkg/client"
	"github.com/novatechflow/seglog/pkg/metadata"
	"github.com/novatechflow/seglog/pkg/storage"
)

// newLocalSmoke runs the smoke flow against an in-process broker whose clock
// jumps forward instead of sleeping.
func newLocalSmoke(t *testing.T, mutate func(*options)) (*smoke, *bytes.Buffer) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b, err := broker.New(metadata.NewInMemoryStore(), storage.NewMemoryS3Client(), broker.Config{Clock: clock})
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	opts := defaultOptions()
	opts.topic = "smoke"
	if mutate != nil {
		mutate(&opts)
	}
	out := &bytes.Buffer{}
	return &smoke{
		opts: opts,
		connect: func(ctx context.Context) (client.Platform, error) {
			return client.Connect(ctx, client.Config{Backend: client.BackendLocal, Broker: b})
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			clock.Advance(d)
			b.RunCleanup(ctx)
			return nil
		},
		out:    out,
		logger: slog.New(slog.DiscardHandler),
	}, out
}

func TestSmokeReportsOutOfRange(t *testing.T) {
	s, out := newLocalSmoke(t, nil)
	sum, err := s.run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Outcome != outcomeOutOfRange || sum.Received != 0 || !sum.Rolled {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if !strings.Contains(out.String(), "outcome=out_of_range") {
		t.Fatalf("unexpected report %q", out.String())
	}
}

func TestSmokeFailsOnFullReplayAfterRollover(t *testing.T) {
	s, _ := newLocalSmoke(t, func(o *options) { o.retention = time.Hour })
	sum, err := s.run(context.Background())
	if !errors.Is(err, errFullReplay) {
		t.Fatalf("expected errFullReplay, got %v", err)
	}
	if sum.Outcome != outcomeFullReplay || sum.Received != 10000 || sum.LastOffset != 9999 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestSmokeAcceptsReplayWithoutRollover(t *testing.T) {
	s, _ := newLocalSmoke(t, func(o *options) { o.records = 10 })
	sum, err := s.run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Outcome != outcomeFullReplay || sum.Rolled {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestSmokeRolloverIsPerPartition(t *testing.T) {
	// Two batches of 1000 records land on separate partitions; together they
	// exceed one segment but neither partition does.
	s, _ := newLocalSmoke(t, func(o *options) {
		o.records = 2000
		o.partitions = 2
		o.segmentBytes = 50000
		o.retention = time.Hour
		o.idle = 50 * time.Millisecond
	})
	sum, err := s.run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Outcome != outcomeFullReplay || sum.Received != 2000 || sum.Rolled {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestClassify(t *testing.T) {
	oor := &storage.OffsetOutOfRangeError{Requested: 3, Earliest: 9, Latest: 12}
	cases := []struct {
		name string
		sum  summary
		err  error
		want outcome
	}{
		{"gap", summary{Produced: 10, Received: 2}, &storage.GapError{From: 2, To: 6}, outcomeGap},
		{"out of range", summary{Produced: 10}, oor, outcomeOutOfRange},
		{"out of range mid stream", summary{Produced: 10, Received: 3}, oor, outcomeGap},
		{"empty", summary{Produced: 10}, nil, outcomeEmpty},
		{"partial", summary{Produced: 10, Received: 4, FirstOffset: 6}, nil, outcomePartial},
		{"full", summary{Produced: 10, Received: 10, FirstOffset: 0}, nil, outcomeFullReplay},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := classify(tc.sum, tc.err)
			if err != nil || got != tc.want {
				t.Fatalf("expected %s, got %s err=%v", tc.want, got, err)
			}
		})
	}
	if _, err := classify(summary{}, errors.New("boom")); err == nil {
		t.Fatalf("expected unexpected errors to propagate")
	}
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand(slog.New(slog.DiscardHandler))
	if err := cmd.ParseFlags([]string{"--records=5", "--retention=2s", "--backend=remote", "--segment-bytes=128"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if v, _ := cmd.Flags().GetInt("records"); v != 5 {
		t.Fatalf("expected records 5, got %d", v)
	}
	if v, _ := cmd.Flags().GetDuration("retention"); v != 2*time.Second {
		t.Fatalf("expected retention 2s, got %v", v)
	}
	if v, _ := cmd.Flags().GetString("backend"); v != "remote" {
		t.Fatalf("expected remote backend, got %q", v)
	}
}
