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
	"time"

	"github.com/novatechflow/seglog/pkg/control"
	"github.com/novatechflow/seglog/pkg/metadata"
	"github.com/novatechflow/seglog/pkg/storage"
)

// remote talks to a broker through the control plane.
type remote struct {
	client    *control.Client
	batch     int
	fetchWait time.Duration
}

func newRemote(cfg Config) (*remote, error) {
	if cfg.Addr == "" {
		return nil, errors.New("remote backend requires an address")
	}
	c, err := control.Dial(cfg.Addr, cfg.DialOptions...)
	if err != nil {
		return nil, err
	}
	return &remote{client: c, batch: cfg.BatchRecords, fetchWait: cfg.FetchWait}, nil
}

func (r *remote) Admin() Admin {
	return r
}

func (r *remote) CreateTopic(ctx context.Context, spec metadata.TopicSpec) error {
	_, err := r.client.CreateTopic(ctx, spec)
	return err
}

func (r *remote) Producer(topic string) (Producer, error) {
	return newBatchProducer(&remoteSink{client: r.client, topic: topic}, r.batch), nil
}

func (r *remote) Consumer(topic string, partition int32) (Consumer, error) {
	return &remoteConsumer{client: r.client, topic: topic, partition: partition, wait: r.fetchWait, batch: r.batch}, nil
}

func (r *remote) Close(context.Context) error {
	return r.client.Close()
}

type remoteSink struct {
	client *control.Client
	topic  string
}

func (s *remoteSink) produce(ctx context.Context, records []storage.Record) (storage.AppendResult, error) {
	res, err := s.client.Produce(ctx, s.topic, -1, records)
	return storage.AppendResult{BaseOffset: res.BaseOffset, Count: res.Count}, err
}

func (s *remoteSink) flush(ctx context.Context) error {
	return s.client.Flush(ctx, s.topic)
}

type remoteConsumer struct {
	client    *control.Client
	topic     string
	partition int32
	wait      time.Duration
	batch     int
}

// Stream polls the control plane. Once records were read, an out-of-range
// fetch means retention deleted the next offsets and surfaces as a gap.
func (c *remoteConsumer) Stream(ctx context.Context, start storage.Offset) iter.Seq2[storage.Record, error] {
	return func(yield func(storage.Record, error) bool) {
		offset, err := c.resolve(ctx, start)
		if err != nil {
			yield(storage.Record{}, err)
			return
		}
		streamed := false
		for {
			res, err := c.client.Fetch(ctx, c.topic, c.partition, offset, c.batch, c.wait)
			if err != nil {
				var oor *storage.OffsetOutOfRangeError
				if streamed && errors.As(err, &oor) && offset < oor.Earliest {
					err = &storage.GapError{From: offset, To: oor.Earliest}
				}
				yield(storage.Record{}, err)
				return
			}
			for _, rec := range res.Records {
				if !yield(rec, nil) {
					return
				}
				offset = rec.Offset + 1
				streamed = true
			}
			if err := ctx.Err(); err != nil {
				yield(storage.Record{}, err)
				return
			}
		}
	}
}

func (c *remoteConsumer) resolve(ctx context.Context, start storage.Offset) (int64, error) {
	st, err := c.client.Status(ctx, c.topic)
	if err != nil {
		return 0, err
	}
	for _, p := range st.Partitions {
		if p.Partition == c.partition {
			return start.Within(min(p.EarliestOffset, p.CommittedOffset), p.CommittedOffset)
		}
	}
	return 0, fmt.Errorf("%s[%d]: partition not reported by broker", c.topic, c.partition)
}
