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
	"io"
	"iter"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/novatechflow/seglog/pkg/client"
	"github.com/novatechflow/seglog/pkg/metadata"
	"github.com/novatechflow/seglog/pkg/storage"
)

type outcome string

const (
	outcomeOutOfRange outcome = "out_of_range"
	outcomeGap        outcome = "gap"
	outcomePartial    outcome = "partial"
	outcomeEmpty      outcome = "empty"
	outcomeFullReplay outcome = "full_replay"
)

var errFullReplay = errors.New("retention did not remove any records")

type options struct {
	backend      client.Backend
	addr         string
	brokers      []string
	topic        string
	records      int
	retention    time.Duration
	segmentBytes int
	wait         time.Duration
	idle         time.Duration
	partitions   int32
	replicas     int16
}

func defaultOptions() options {
	return options{
		backend:      client.BackendLocal,
		records:      10000,
		retention:    10 * time.Second,
		segmentBytes: 10000,
		wait:         11 * time.Second,
		idle:         3 * time.Second,
		partitions:   1,
		replicas:     1,
	}
}

type summary struct {
	Topic       string
	Produced    int
	Received    int
	FirstOffset int64
	LastOffset  int64
	// Rolled reports whether any partition held more than one segment.
	Rolled  bool
	Outcome outcome
	Err     error
}

type smoke struct {
	opts    options
	connect func(context.Context) (client.Platform, error)
	sleep   func(context.Context, time.Duration) error
	out     io.Writer
	logger  *slog.Logger
}

func (s *smoke) run(ctx context.Context) (summary, error) {
	topic := s.opts.topic
	if topic == "" {
		topic = uuid.NewString()
	}
	sum := summary{Topic: topic, Produced: s.opts.records, FirstOffset: -1, LastOffset: -1}

	p, err := s.connect(ctx)
	if err != nil {
		return sum, err
	}
	defer p.Close(context.WithoutCancel(ctx))

	spec := metadata.TopicSpec{
		Name:         topic,
		Partitions:   s.opts.partitions,
		Replicas:     s.opts.replicas,
		Retention:    s.opts.retention,
		SegmentBytes: s.opts.segmentBytes,
	}
	if err := p.Admin().CreateTopic(ctx, spec); err != nil {
		return sum, fmt.Errorf("create topic: %w", err)
	}
	s.logger.Info("topic created", "topic", topic, "retention", s.opts.retention, "segment_bytes", s.opts.segmentBytes)

	producer, err := p.Producer(topic)
	if err != nil {
		return sum, err
	}
	produced := 0
	if err := producer.SendAll(ctx, numbered(s.opts.records, &produced)); err != nil {
		return sum, fmt.Errorf("produce: %w", err)
	}
	if err := producer.Flush(ctx); err != nil {
		return sum, fmt.Errorf("flush: %w", err)
	}
	s.logger.Info("records flushed", "records", s.opts.records, "bytes", produced, "wait", s.opts.wait)

	if err := s.sleep(ctx, s.opts.wait); err != nil {
		return sum, err
	}

	if err := s.consume(ctx, p, topic, &sum); err != nil {
		return sum, err
	}
	s.report(sum)
	if sum.Outcome == outcomeFullReplay && sum.Rolled {
		return sum, errFullReplay
	}
	return sum, nil
}

// numbered yields "0".."n-1" with null keys and adds their encoded size to bytes.
func numbered(n int, bytes *int) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		for i := 0; i < n; i++ {
			value := []byte(strconv.Itoa(i))
			*bytes += storage.EncodedSize(nil, value)
			if !yield(nil, value) {
				return
			}
		}
	}
}

func (s *smoke) consume(ctx context.Context, p client.Platform, topic string, sum *summary) error {
	var streamErr error
	for partition := int32(0); partition < s.opts.partitions; partition++ {
		consumer, err := p.Consumer(topic, partition)
		if err != nil {
			return err
		}
		rolled, err := s.consumePartition(ctx, consumer, partition, sum)
		sum.Rolled = sum.Rolled || rolled
		if err != nil && streamErr == nil {
			streamErr = err
		}
	}

	out, err := classify(*sum, streamErr)
	if err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	sum.Outcome = out
	sum.Err = streamErr
	return nil
}

// consumePartition reads one partition from offset 0 until it errors or goes
// idle. It reports whether the partition held more than one segment.
func (s *smoke) consumePartition(ctx context.Context, consumer client.Consumer, partition int32, sum *summary) (bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := time.AfterFunc(s.opts.idle, cancel)
	defer idle.Stop()

	start, _ := storage.Absolute(0)
	first := int64(-1)
	retained := 0
	var streamErr error
	for rec, err := range consumer.Stream(streamCtx, start) {
		if err != nil {
			streamErr = err
			break
		}
		idle.Reset(s.opts.idle)
		if first < 0 {
			first = rec.Offset
		}
		if sum.FirstOffset < 0 || rec.Offset < sum.FirstOffset {
			sum.FirstOffset = rec.Offset
		}
		sum.LastOffset = max(sum.LastOffset, rec.Offset)
		sum.Received++
		retained += storage.EncodedSize(rec.Key, rec.Value)
		s.logger.Debug("record", "partition", partition, "offset", rec.Offset, "value", string(rec.Value))
		if sum.Received >= sum.Produced || (s.opts.partitions == 1 && rec.Offset >= int64(sum.Produced-1)) {
			break
		}
	}
	if errors.Is(streamErr, context.Canceled) && ctx.Err() == nil {
		streamErr = nil
	}
	deleted := errors.Is(streamErr, storage.ErrOffsetOutOfRange) || errors.Is(streamErr, storage.ErrSegmentInvalidated)
	return deleted || first > 0 || retained > s.opts.segmentBytes, streamErr
}

func classify(sum summary, err error) (outcome, error) {
	var gap *storage.GapError
	switch {
	case errors.As(err, &gap):
		return outcomeGap, nil
	case errors.Is(err, storage.ErrOffsetOutOfRange):
		if sum.Received > 0 {
			return outcomeGap, nil
		}
		return outcomeOutOfRange, nil
	case err != nil:
		return "", err
	case sum.Received == 0:
		return outcomeEmpty, nil
	case sum.FirstOffset == 0 && sum.Received == sum.Produced:
		return outcomeFullReplay, nil
	}
	return outcomePartial, nil
}

func (s *smoke) report(sum summary) {
	fmt.Fprintf(s.out, "topic=%s outcome=%s produced=%d received=%d first_offset=%d last_offset=%d rolled=%t\n",
		sum.Topic, sum.Outcome, sum.Produced, sum.Received, sum.FirstOffset, sum.LastOffset, sum.Rolled)
	if sum.Err != nil {
		fmt.Fprintf(s.out, "error=%q\n", sum.Err)
	}
}
