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

package client

import (
	"context"
	"iter"

	"github.com/novatechflow/seglog/pkg/broker"
	"github.com/novatechflow/seglog/pkg/metadata"
	"github.com/novatechflow/seglog/pkg/storage"
)

// local runs against an in-process broker.
type local struct {
	broker *broker.Broker
	owned  bool
	batch  int
}

func newLocal(cfg Config) (*local, error) {
	if cfg.Broker != nil {
		return &local{broker: cfg.Broker, batch: cfg.BatchRecords}, nil
	}
	b, err := broker.New(metadata.NewInMemoryStore(), storage.NewMemoryS3Client(), broker.Config{Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}
	b.Start(context.Background())
	return &local{broker: b, owned: true, batch: cfg.BatchRecords}, nil
}

func (l *local) Admin() Admin {
	return l
}

func (l *local) CreateTopic(ctx context.Context, spec metadata.TopicSpec) error {
	_, err := l.broker.CreateTopic(ctx, spec)
	return err
}

func (l *local) Producer(topic string) (Producer, error) {
	if _, err := l.broker.Partition(context.Background(), topic, 0); err != nil {
		return nil, err
	}
	return newBatchProducer(&localSink{broker: l.broker, topic: topic}, l.batch), nil
}

func (l *local) Consumer(topic string, partition int32) (Consumer, error) {
	if _, err := l.broker.Partition(context.Background(), topic, partition); err != nil {
		return nil, err
	}
	return &localConsumer{broker: l.broker, topic: topic, partition: partition}, nil
}

// Close shuts the broker down only when Connect created it.
func (l *local) Close(ctx context.Context) error {
	if !l.owned {
		return nil
	}
	return l.broker.Close(ctx)
}

type localSink struct {
	broker *broker.Broker
	topic  string
}

func (s *localSink) produce(ctx context.Context, records []storage.Record) (storage.AppendResult, error) {
	res, err := s.broker.Produce(ctx, s.topic, broker.AnyPartition, records)
	return res.AppendResult, err
}

func (s *localSink) flush(ctx context.Context) error {
	return s.broker.Flush(ctx, s.topic)
}

type localConsumer struct {
	broker    *broker.Broker
	topic     string
	partition int32
}

func (c *localConsumer) Stream(ctx context.Context, start storage.Offset) iter.Seq2[storage.Record, error] {
	return c.broker.Stream(ctx, c.topic, c.partition, start)
}
