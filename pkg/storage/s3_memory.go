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

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryS3Client is an in-memory implementation of S3Client for development/testing.
type MemoryS3Client struct {
	mu          sync.Mutex
	data        map[string][]byte
	index       map[string][]byte
	bucketReady bool
	failure     error
}

// NewMemoryS3Client initializes the in-memory S3 client.
func NewMemoryS3Client() *MemoryS3Client {
	return &MemoryS3Client{
		data:  make(map[string][]byte),
		index: make(map[string][]byte),
	}
}

// SetFailure makes every subsequent operation return err until cleared with nil.
func (m *MemoryS3Client) SetFailure(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
}

func (m *MemoryS3Client) EnsureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	m.bucketReady = true
	return nil
}

func (m *MemoryS3Client) UploadSegment(ctx context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	m.data[key] = append([]byte(nil), body...)
	return nil
}

func (m *MemoryS3Client) UploadIndex(ctx context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	m.index[key] = append([]byte(nil), body...)
	return nil
}

func (m *MemoryS3Client) DownloadSegment(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}
	if data, ok := m.data[key]; ok {
		if rng == nil {
			return append([]byte(nil), data...), nil
		}
		start := rng.Start
		end := rng.End
		if start < 0 {
			start = 0
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		if start > end || start >= int64(len(data)) {
			return nil, fmt.Errorf("segment %s range %d-%d invalid", key, rng.Start, rng.End)
		}
		return append([]byte(nil), data[start:end+1]...), nil
	}
	return nil, fmt.Errorf("segment %s: %w", key, ErrObjectNotFound)
}

func (m *MemoryS3Client) DownloadIndex(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}
	if data, ok := m.index[key]; ok {
		return append([]byte(nil), data...), nil
	}
	return nil, fmt.Errorf("index %s: %w", key, ErrObjectNotFound)
}

func (m *MemoryS3Client) ListSegments(ctx context.Context, prefix string) ([]S3Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}
	out := make([]S3Object, 0)
	for key, data := range m.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, S3Object{
			Key:  key,
			Size: int64(len(data)),
		})
	}
	return out, nil
}

func (m *MemoryS3Client) DeleteObjects(ctx context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	for _, key := range keys {
		delete(m.data, key)
		delete(m.index, key)
	}
	return nil
}

// Keys returns every stored segment and index key under prefix, sorted.
func (m *MemoryS3Client) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data)+len(m.index))
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	for key := range m.index {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
