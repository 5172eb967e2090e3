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
	"bytes"
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/novatechflow/seglog/pkg/storage"
)

// sink is the produce side of a backend.
type sink interface {
	produce(ctx context.Context, records []storage.Record) (storage.AppendResult, error)
	flush(ctx context.Context) error
}

// batchProducer buffers records and hands them to a sink in runs of equal
// keys, so every run is routed like its first record.
type batchProducer struct {
	sink sink
	max  int

	mu      sync.Mutex
	pending []storage.Record
	futures []*Future
	closed  bool
}

func newBatchProducer(s sink, max int) *batchProducer {
	return &batchProducer{sink: s, max: max}
}

func (p *batchProducer) Send(ctx context.Context, key, value []byte) *Future {
	f, _ := p.add(ctx, key, value)
	return f
}

func (p *batchProducer) SendAll(ctx context.Context, records iter.Seq2[[]byte, []byte]) error {
	for key, value := range records {
		if _, err := p.add(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (p *batchProducer) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.sendLocked(ctx); err != nil {
		return err
	}
	return p.sink.flush(ctx)
}

func (p *batchProducer) Close(ctx context.Context) error {
	err := p.Flush(ctx)
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return err
}

func (p *batchProducer) add(ctx context.Context, key, value []byte) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return failedFuture(ErrClosed), ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return failedFuture(err), err
	}
	f := newFuture()
	p.pending = append(p.pending, storage.Record{Key: key, Value: value})
	p.futures = append(p.futures, f)
	if len(p.pending) >= p.max {
		if err := p.sendLocked(ctx); err != nil {
			return f, err
		}
	}
	return f, nil
}

func (p *batchProducer) sendLocked(ctx context.Context) error {
	records, futures := p.pending, p.futures
	p.pending, p.futures = nil, nil

	var sendErr error
	for start := 0; start < len(records); {
		end := start + 1
		for end < len(records) && sameKey(records[start].Key, records[end].Key) {
			end++
		}
		if sendErr != nil {
			for _, f := range futures[start:end] {
				f.resolve(-1, sendErr)
			}
			start = end
			continue
		}
		res, err := p.sink.produce(ctx, records[start:end])
		accepted := res.Count
		base := res.BaseOffset
		if err != nil {
			var appendErr *storage.AppendError
			if errors.As(err, &appendErr) {
				accepted, base = appendErr.Accepted, appendErr.BaseOffset
			} else {
				accepted = 0
			}
			sendErr = err
		}
		for i, f := range futures[start:end] {
			if i < accepted {
				f.resolve(base+int64(i), nil)
			} else {
				f.resolve(-1, sendErr)
			}
		}
		start = end
	}
	return sendErr
}

func sameKey(a, b []byte) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return bytes.Equal(a, b)
}
