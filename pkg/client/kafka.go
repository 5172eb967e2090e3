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
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/novatechflow/seglog/pkg/metadata"
	"github.com/novatechflow/seglog/pkg/storage"
)

// kafka drives a Kafka-compatible cluster with franz-go.
type kafka struct {
	seeds  []string
	client *kgo.Client
	logger *slog.Logger
}

func newKafka(ctx context.Context, cfg Config) (*kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka backend requires seed brokers")
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.MaxBufferedRecords(max(cfg.BatchRecords, 1)*10),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("ping kafka %v: %w", cfg.Brokers, err)
	}
	return &kafka{seeds: cfg.Brokers, client: cl, logger: cfg.Logger.With("component", "kafka-client")}, nil
}

func (k *kafka) Admin() Admin {
	return k
}

// CreateTopic maps the retention policy onto topic configs: cleanup.policy=delete,
// retention.ms and segment.bytes.
func (k *kafka) CreateTopic(ctx context.Context, spec metadata.TopicSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	req := kmsg.NewPtrCreateTopicsRequest()
	req.TimeoutMillis = 30000
	req.Topics = append(req.Topics, createTopicRequest(spec))
	resp, err := req.RequestWith(ctx, k.client)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", spec.Name, err)
	}
	for _, t := range resp.Topics {
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
			return topicError(t.Topic, err)
		}
	}
	return nil
}

func createTopicRequest(spec metadata.TopicSpec) kmsg.CreateTopicsRequestTopic {
	topic := kmsg.NewCreateTopicsRequestTopic()
	topic.Topic = spec.Name
	topic.NumPartitions = spec.Partitions
	topic.ReplicationFactor = spec.Replicas
	for _, kv := range topicConfigs(spec) {
		cfg := kmsg.NewCreateTopicsRequestTopicConfig()
		cfg.Name = kv[0]
		cfg.Value = kmsg.StringPtr(kv[1])
		topic.Configs = append(topic.Configs, cfg)
	}
	return topic
}

func topicConfigs(spec metadata.TopicSpec) [][2]string {
	cfgs := map[string]string{
		"cleanup.policy": "delete",
		"retention.ms":   strconv.FormatInt(spec.Retention.Milliseconds(), 10),
		"segment.bytes":  strconv.Itoa(spec.SegmentBytes),
	}
	if spec.MaxPartitionBytes > 0 {
		cfgs["retention.bytes"] = strconv.FormatInt(spec.MaxPartitionBytes, 10)
	}
	out := make([][2]string, 0, len(cfgs))
	for name, value := range cfgs {
		out = append(out, [2]string{name, value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func topicError(topic string, err error) error {
	switch {
	case errors.Is(err, kerr.TopicAlreadyExists):
		return fmt.Errorf("%w: %s", metadata.ErrTopicExists, topic)
	case errors.Is(err, kerr.InvalidConfig), errors.Is(err, kerr.PolicyViolation):
		return fmt.Errorf("%w: %s: %w", metadata.ErrInvalidPolicy, topic, err)
	case errors.Is(err, kerr.InvalidTopicException), errors.Is(err, kerr.InvalidPartitions),
		errors.Is(err, kerr.InvalidReplicationFactor):
		return fmt.Errorf("%w: %s: %w", metadata.ErrInvalidTopic, topic, err)
	}
	return fmt.Errorf("create topic %s: %w", topic, err)
}

func (k *kafka) Producer(topic string) (Producer, error) {
	return &kafkaProducer{client: k.client, topic: topic}, nil
}

func (k *kafka) Consumer(topic string, partition int32) (Consumer, error) {
	return &kafkaConsumer{seeds: k.seeds, admin: k.client, topic: topic, partition: partition, logger: k.logger}, nil
}

func (k *kafka) Close(ctx context.Context) error {
	err := k.client.Flush(ctx)
	k.client.Close()
	return err
}

// kafkaProducer relies on the franz-go buffer; futures resolve from produce promises.
type kafkaProducer struct {
	client *kgo.Client
	topic  string

	mu       sync.Mutex
	firstErr error
}

func (p *kafkaProducer) Send(ctx context.Context, key, value []byte) *Future {
	f := newFuture()
	p.client.Produce(ctx, &kgo.Record{Topic: p.topic, Key: key, Value: value}, func(r *kgo.Record, err error) {
		if err != nil {
			err = fmt.Errorf("%w: %w", storage.ErrAppendFailure, err)
			p.mu.Lock()
			if p.firstErr == nil {
				p.firstErr = err
			}
			p.mu.Unlock()
			f.resolve(-1, err)
			return
		}
		f.resolve(r.Offset, nil)
	})
	return f
}

func (p *kafkaProducer) SendAll(ctx context.Context, records iter.Seq2[[]byte, []byte]) error {
	for key, value := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.Send(ctx, key, value)
		if err := p.takeErr(false); err != nil {
			return err
		}
	}
	return nil
}

// Flush waits for every buffered record and reports the first produce failure since the last flush.
func (p *kafkaProducer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return err
	}
	return p.takeErr(true)
}

func (p *kafkaProducer) Close(ctx context.Context) error {
	return p.Flush(ctx)
}

func (p *kafkaProducer) takeErr(reset bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.firstErr
	if reset {
		p.firstErr = nil
	}
	return err
}

// kafkaConsumer opens a dedicated client per stream that never resets
// offsets, so retention deletions surface as errors.
type kafkaConsumer struct {
	seeds     []string
	admin     *kgo.Client
	topic     string
	partition int32
	logger    *slog.Logger
}

func kafkaOffset(start storage.Offset) kgo.Offset {
	switch {
	case start.IsAbsolute():
		return kgo.NewOffset().At(start.Value())
	case start.FromTail():
		return kgo.NewOffset().AtEnd().Relative(-start.Value())
	default:
		return kgo.NewOffset().AtStart().Relative(start.Value())
	}
}

func (c *kafkaConsumer) Stream(ctx context.Context, start storage.Offset) iter.Seq2[storage.Record, error] {
	return func(yield func(storage.Record, error) bool) {
		cl, err := kgo.NewClient(
			kgo.SeedBrokers(c.seeds...),
			kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
				c.topic: {c.partition: kafkaOffset(start)},
			}),
			kgo.ConsumeResetOffset(kgo.NoResetOffset()),
		)
		if err != nil {
			yield(storage.Record{}, fmt.Errorf("kafka consumer: %w", err))
			return
		}
		defer cl.Close()

		next := int64(-1)
		if start.IsAbsolute() {
			next = start.Value()
		}
		streamed := false
		for {
			fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			fetches := cl.PollFetches(fetchCtx)
			cancel()
			if err := ctx.Err(); err != nil {
				yield(storage.Record{}, err)
				return
			}
			for _, fetchErr := range fetches.Errors() {
				err := fetchErr.Err
				if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					continue
				}
				if errors.Is(err, kerr.OffsetOutOfRange) {
					err = c.outOfRange(ctx, next, streamed)
				}
				yield(storage.Record{}, err)
				return
			}
			stop := false
			fetches.EachRecord(func(r *kgo.Record) {
				if stop {
					return
				}
				if !yield(storage.Record{Offset: r.Offset, Timestamp: r.Timestamp, Key: r.Key, Value: r.Value}, nil) {
					stop = true
					return
				}
				next = r.Offset + 1
				streamed = true
			})
			if stop {
				return
			}
		}
	}
}

// outOfRange turns an OFFSET_OUT_OF_RANGE fetch into the typed storage error.
func (c *kafkaConsumer) outOfRange(ctx context.Context, requested int64, streamed bool) error {
	earliest, latest, err := c.bounds(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s[%d]: %w", storage.ErrOffsetOutOfRange, c.topic, c.partition, err)
	}
	c.logger.Info("fetch out of range", "topic", c.topic, "partition", c.partition,
		"requested", requested, "earliest", earliest, "latest", latest)
	if streamed && requested < earliest {
		return &storage.GapError{From: requested, To: earliest}
	}
	return &storage.OffsetOutOfRangeError{Requested: requested, Earliest: earliest, Latest: latest}
}

func (c *kafkaConsumer) bounds(ctx context.Context) (int64, int64, error) {
	earliest, err := c.listOffset(ctx, -2)
	if err != nil {
		return 0, 0, err
	}
	latest, err := c.listOffset(ctx, -1)
	if err != nil {
		return 0, 0, err
	}
	return earliest, latest, nil
}

// listOffset queries the partition log start (-2) or end (-1).
func (c *kafkaConsumer) listOffset(ctx context.Context, timestamp int64) (int64, error) {
	req := kmsg.NewPtrListOffsetsRequest()
	req.ReplicaID = -1
	topic := kmsg.NewListOffsetsRequestTopic()
	topic.Topic = c.topic
	part := kmsg.NewListOffsetsRequestTopicPartition()
	part.Partition = c.partition
	part.Timestamp = timestamp
	topic.Partitions = append(topic.Partitions, part)
	req.Topics = append(req.Topics, topic)

	resp, err := req.RequestWith(ctx, c.admin)
	if err != nil {
		return 0, err
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if p.Partition != c.partition {
				continue
			}
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return 0, err
			}
			return p.Offset, nil
		}
	}
	return 0, fmt.Errorf("list offsets: %s[%d] missing from response", c.topic, c.partition)
}
