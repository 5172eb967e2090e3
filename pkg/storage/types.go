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
	"fmt"
	"path"
	"time"
)

// Record is a single log entry. Offset and Timestamp are assigned on append.
type Record struct {
	Offset    int64
	Timestamp time.Time
	Key       []byte
	Value     []byte
}

// RetentionPolicy is the per-topic segment retention configuration.
type RetentionPolicy struct {
	// Retention is the age after which a sealed segment may be deleted.
	Retention time.Duration
	// SegmentBytes is the rollover threshold for the active segment.
	SegmentBytes int
}

// Validate rejects policies the segment manager cannot honor.
func (p RetentionPolicy) Validate() error {
	if p.Retention <= 0 {
		return fmt.Errorf("%w: retention must be positive, got %s", ErrPolicyRejected, p.Retention)
	}
	if p.Retention%time.Second != 0 {
		return fmt.Errorf("%w: retention must be whole seconds, got %s", ErrPolicyRejected, p.Retention)
	}
	if p.SegmentBytes <= 0 {
		return fmt.Errorf("%w: segment size must be positive, got %d", ErrPolicyRejected, p.SegmentBytes)
	}
	if p.SegmentBytes < recordOverhead {
		return fmt.Errorf("%w: segment size %d smaller than one record frame (%d)", ErrPolicyRejected, p.SegmentBytes, recordOverhead)
	}
	return nil
}

// PartitionID names a partition log.
type PartitionID struct {
	Namespace string
	Topic     string
	Partition int32
}

func (id PartitionID) String() string {
	return fmt.Sprintf("%s/%s[%d]", id.Namespace, id.Topic, id.Partition)
}

func (id PartitionID) prefix() string {
	return path.Join(id.Namespace, id.Topic, fmt.Sprintf("%d", id.Partition)) + "/"
}

// SegmentWriterConfig controls serialization.
type SegmentWriterConfig struct {
	IndexIntervalMessages int32
}

// SegmentArtifact contains serialized segment + index bytes ready for upload.
type SegmentArtifact struct {
	BaseOffset   int64
	LastOffset   int64
	MessageCount int32
	CreatedAt    time.Time
	Sealed       bool
	SegmentBytes []byte
	IndexBytes   []byte
}

// IndexEntry mirrors a sparse index row. Position is relative to the start of
// the segment body.
type IndexEntry struct {
	Offset   int64
	Position int32
}

// SegmentInfo is the published state of one segment.
type SegmentInfo struct {
	BaseOffset   int64
	EndOffset    int64
	SizeBytes    int
	CreatedAt    time.Time
	MaxTimestamp time.Time
	Sealed       bool
	Offloaded    bool
}

// AppendResult holds the offset range [BaseOffset, BaseOffset+Count).
type AppendResult struct {
	BaseOffset int64
	Count      int
}

// LastOffset returns the offset of the final appended record, or BaseOffset-1
// when nothing was appended.
func (r AppendResult) LastOffset() int64 {
	return r.BaseOffset + int64(r.Count) - 1
}

// FlushResult summarizes one flush.
type FlushResult struct {
	Segments  int
	Bytes     int
	Committed int64
	Duration  time.Duration
}

// PartitionStats is a lock-free view of a partition log.
type PartitionStats struct {
	ID              PartitionID
	EarliestOffset  int64
	CommittedOffset int64
	TotalBytes      int64
	SnapshotVersion uint64
	Segments        []SegmentInfo
}
