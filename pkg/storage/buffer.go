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
	"sync"
	"time"
)

// WriteBufferConfig controls automatic flush thresholds. Zero disables a threshold.
type WriteBufferConfig struct {
	MaxBytes      int
	MaxMessages   int
	FlushInterval time.Duration
}

// DefaultWriteBufferConfig flushes every 500ms or once 4MiB are buffered.
func DefaultWriteBufferConfig() WriteBufferConfig {
	return WriteBufferConfig{MaxBytes: 4 << 20, FlushInterval: 500 * time.Millisecond}
}

// WriteBuffer tracks records accepted since the last flush.
type WriteBuffer struct {
	cfg          WriteBufferConfig
	mu           sync.Mutex
	sizeBytes    int
	messageCount int
	lastFlush    time.Time
}

// NewWriteBuffer creates an empty buffer whose interval starts at now.
func NewWriteBuffer(cfg WriteBufferConfig, now time.Time) *WriteBuffer {
	return &WriteBuffer{
		cfg:       cfg,
		lastFlush: now,
	}
}

// Add accounts for one accepted record of the given encoded size.
func (b *WriteBuffer) Add(size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sizeBytes += size
	b.messageCount++
}

// ShouldFlush checks if size thresholds or time elapsed require a flush.
func (b *WriteBuffer) ShouldFlush(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messageCount == 0 {
		return false
	}
	if b.cfg.MaxBytes > 0 && b.sizeBytes >= b.cfg.MaxBytes {
		return true
	}
	if b.cfg.MaxMessages > 0 && b.messageCount >= b.cfg.MaxMessages {
		return true
	}
	if b.cfg.FlushInterval > 0 && now.Sub(b.lastFlush) >= b.cfg.FlushInterval {
		return true
	}
	return false
}

// Reset clears counters after a successful flush.
func (b *WriteBuffer) Reset(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sizeBytes = 0
	b.messageCount = 0
	b.lastFlush = now
}

// Pending returns the unflushed byte and record counts.
func (b *WriteBuffer) Pending() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sizeBytes, b.messageCount
}
