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
	"testing"
	"time"
)

func TestWriteBufferThresholds(t *testing.T) {
	cfg := WriteBufferConfig{
		MaxBytes:      100,
		MaxMessages:   5,
		FlushInterval: 50 * time.Millisecond,
	}
	start := time.Unix(1_700_000_000, 0)
	buf := NewWriteBuffer(cfg, start)

	if buf.ShouldFlush(start.Add(time.Hour)) {
		t.Fatalf("empty buffer should not flush")
	}

	buf.Add(40)
	buf.Add(40)
	if buf.ShouldFlush(start) {
		t.Fatalf("below thresholds")
	}

	buf.Add(40)
	if !buf.ShouldFlush(start) {
		t.Fatalf("expected flush by bytes")
	}
	if size, count := buf.Pending(); size != 120 || count != 3 {
		t.Fatalf("unexpected pending %d bytes / %d records", size, count)
	}

	buf.Reset(start)
	for i := 0; i < 5; i++ {
		buf.Add(1)
	}
	if !buf.ShouldFlush(start) {
		t.Fatalf("expected flush by message count")
	}

	buf.Reset(start)
	buf.Add(1)
	if buf.ShouldFlush(start.Add(10 * time.Millisecond)) {
		t.Fatalf("interval not yet elapsed")
	}
	if !buf.ShouldFlush(start.Add(cfg.FlushInterval)) {
		t.Fatalf("expected flush by time")
	}
}
