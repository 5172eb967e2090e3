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

// Package client connects to a segmented log platform: an in-process broker,
// a remote broker over the control plane, or a Kafka-compatible cluster.
package client

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/novatechflow/seglog/pkg/broker"
	"github.com/novatechflow/seglog/pkg/metadata"
	"github.com/novatechflow/seglog/pkg/storage"
)

// Backend names a platform implementation.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendRemote Backend = "remote"
	BackendKafka  Backend = "kafka"
)

// ErrClosed is returned by producers and platforms after Close.
var ErrClosed = errors.New("client closed")

// Admin manages topics.
type Admin interface {
	// CreateTopic fails with metadata.ErrTopicExists or metadata.ErrInvalidPolicy.
	CreateTopic(ctx context.Context, spec metadata.TopicSpec) error
}

// Producer sends records to one topic.
type Producer interface {
	// Send queues one record; the future resolves with its offset.
	Send(ctx context.Context, key, value []byte) *Future
	// SendAll queues every record in order and stops at the first failure.
	SendAll(ctx context.Context, records iter.Seq2[[]byte, []byte]) error
	// Flush returns once every queued record is durable.
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Consumer reads one partition.
type Consumer interface {
	// Stream yields records from start in offset order and tails the
	// partition. The first error ends the sequence.
	Stream(ctx context.Context, start storage.Offset) iter.Seq2[storage.Record, error]
}

// Platform is a connected session.
type Platform interface {
	Admin() Admin
	Producer(topic string) (Producer, error)
	Consumer(topic string, partition int32) (Consumer, error)
	Close(ctx context.Context) error
}

// Config selects and configures a backend.
type Config struct {
	Backend Backend
	// Broker serves the local backend. When nil, Connect builds an in-memory one.
	Broker *broker.Broker
	// Addr is the control plane address for the remote backend.
	Addr string
	// DialOptions replace the plaintext default of the remote backend.
	DialOptions []grpc.DialOption
	// Brokers are seed addresses for the kafka backend.
	Brokers []string
	// BatchRecords bounds the records buffered per produce call (default: 1000).
	BatchRecords int
	// FetchWait bounds how long one remote fetch waits at the tail (default: 1s).
	FetchWait time.Duration
	Logger    *slog.Logger
}

// Connect opens a platform session.
func Connect(ctx context.Context, cfg Config) (Platform, error) {
	if cfg.BatchRecords <= 0 {
		cfg.BatchRecords = 1000
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	switch Backend(strings.ToLower(string(cfg.Backend))) {
	case BackendLocal, "":
		return newLocal(cfg)
	case BackendRemote:
		return newRemote(cfg)
	case BackendKafka:
		return newKafka(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// Future is the pending result of Send.
type Future struct {
	done   chan struct{}
	offset int64
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.resolve(-1, err)
	return f
}

func (f *Future) resolve(offset int64, err error) {
	f.offset, f.err = offset, err
	close(f.done)
}

// Done is closed once the record was accepted or rejected.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (int64, error) {
	select {
	case <-f.done:
		return f.offset, f.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
