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

package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/novatechflow/seglog/pkg/storage"
)

var (
	// ErrTopicExists signals that a topic with the same name is already registered.
	ErrTopicExists = errors.New("topic already exists")
	// ErrInvalidTopic indicates the topic name or partition layout is invalid.
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrInvalidPolicy wraps storage.ErrPolicyRejected for retention and storage settings.
	ErrInvalidPolicy = fmt.Errorf("invalid topic policy: %w", storage.ErrPolicyRejected)
	// ErrUnknownTopic indicates the requested topic is not registered.
	ErrUnknownTopic = errors.New("unknown topic")
)

// TopicSpec describes a topic creation request.
type TopicSpec struct {
	Name       string        `json:"name"`
	Partitions int32         `json:"partitions"`
	Replicas   int16         `json:"replicas"`
	Retention  time.Duration `json:"retention"`
	// SegmentBytes caps the bytes written into one segment before rollover.
	SegmentBytes int `json:"segment_bytes"`
	// MaxPartitionBytes bounds retained bytes per partition; zero means unbounded.
	MaxPartitionBytes int64     `json:"max_partition_bytes,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Policy returns the retention policy partitions of this topic run with.
func (s TopicSpec) Policy() storage.RetentionPolicy {
	return storage.RetentionPolicy{Retention: s.Retention, SegmentBytes: s.SegmentBytes}
}

// Validate checks the name, layout and policy. Replicas is recorded but not acted on.
func (s TopicSpec) Validate() error {
	if s.Name == "" || len(s.Name) > 249 {
		return fmt.Errorf("%w: name %q", ErrInvalidTopic, s.Name)
	}
	for _, r := range s.Name {
		if !validTopicRune(r) {
			return fmt.Errorf("%w: name %q contains %q", ErrInvalidTopic, s.Name, r)
		}
	}
	if s.Partitions <= 0 {
		return fmt.Errorf("%w: partitions must be positive, got %d", ErrInvalidTopic, s.Partitions)
	}
	if s.Replicas <= 0 {
		return fmt.Errorf("%w: replicas must be positive, got %d", ErrInvalidTopic, s.Replicas)
	}
	if s.MaxPartitionBytes < 0 {
		return fmt.Errorf("%w: max partition bytes %d", ErrInvalidPolicy, s.MaxPartitionBytes)
	}
	if err := s.Policy().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	return nil
}

func validTopicRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.':
		return true
	}
	return false
}

// Store exposes topic metadata and durable next offsets.
type Store interface {
	// CreateTopic registers a topic; it fails with ErrTopicExists or ErrInvalidPolicy.
	CreateTopic(ctx context.Context, spec TopicSpec) (TopicSpec, error)
	// Topic returns a single topic spec.
	Topic(ctx context.Context, name string) (TopicSpec, error)
	// Topics lists all topics ordered by name.
	Topics(ctx context.Context) ([]TopicSpec, error)
	// DeleteTopic removes the topic and its offsets.
	DeleteTopic(ctx context.Context, name string) error
	// NextOffset returns the offset that should be assigned to the next produced record.
	NextOffset(ctx context.Context, topic string, partition int32) (int64, error)
	// UpdateOffsets records the last persisted offset so future producers continue after it.
	UpdateOffsets(ctx context.Context, topic string, partition int32, lastOffset int64) error
}

// InMemoryStore is a thread-safe Store used by tests and single-process deployments.
type InMemoryStore struct {
	mu      sync.RWMutex
	topics  map[string]TopicSpec
	offsets map[string]int64
	now     func() time.Time
}

// NewInMemoryStore builds an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		topics:  make(map[string]TopicSpec),
		offsets: make(map[string]int64),
		now:     time.Now,
	}
}

// CreateTopic implements Store.
func (s *InMemoryStore) CreateTopic(ctx context.Context, spec TopicSpec) (TopicSpec, error) {
	if err := ctx.Err(); err != nil {
		return TopicSpec{}, err
	}
	if err := spec.Validate(); err != nil {
		return TopicSpec{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[spec.Name]; ok {
		return TopicSpec{}, fmt.Errorf("%w: %s", ErrTopicExists, spec.Name)
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = s.now().UTC()
	}
	s.topics[spec.Name] = spec
	return spec, nil
}

// Topic implements Store.
func (s *InMemoryStore) Topic(ctx context.Context, name string) (TopicSpec, error) {
	if err := ctx.Err(); err != nil {
		return TopicSpec{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.topics[name]
	if !ok {
		return TopicSpec{}, fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}
	return spec, nil
}

// Topics implements Store.
func (s *InMemoryStore) Topics(ctx context.Context) ([]TopicSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]TopicSpec, 0, len(s.topics))
	for _, spec := range s.topics {
		out = append(out, spec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteTopic implements Store.
func (s *InMemoryStore) DeleteTopic(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.topics[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}
	delete(s.topics, name)
	for p := int32(0); p < spec.Partitions; p++ {
		delete(s.offsets, partitionKey(name, p))
	}
	return nil
}

// NextOffset implements Store.
func (s *InMemoryStore) NextOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkPartition(topic, partition); err != nil {
		return 0, err
	}
	return s.offsets[partitionKey(topic, partition)], nil
}

// UpdateOffsets implements Store. Updates never move the next offset backwards.
func (s *InMemoryStore) UpdateOffsets(ctx context.Context, topic string, partition int32, lastOffset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPartition(topic, partition); err != nil {
		return err
	}
	key := partitionKey(topic, partition)
	if next := lastOffset + 1; next > s.offsets[key] {
		s.offsets[key] = next
	}
	return nil
}

func (s *InMemoryStore) checkPartition(topic string, partition int32) error {
	spec, ok := s.topics[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if partition < 0 || partition >= spec.Partitions {
		return fmt.Errorf("%w: %s has no partition %d", ErrUnknownTopic, topic, partition)
	}
	return nil
}

func partitionKey(topic string, partition int32) string {
	return fmt.Sprintf("%s/%d", topic, partition)
}
