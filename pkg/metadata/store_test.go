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
	"testing"
	"time"

	"github.com/novatechflow/seglog/pkg/storage"
)

func retentionTopic(name string) TopicSpec {
	return TopicSpec{
		Name:         name,
		Partitions:   1,
		Replicas:     1,
		Retention:    10 * time.Second,
		SegmentBytes: 10000,
	}
}

func TestTopicSpecValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TopicSpec)
		want   error
	}{
		{"empty name", func(s *TopicSpec) { s.Name = "" }, ErrInvalidTopic},
		{"slash in name", func(s *TopicSpec) { s.Name = "a/b" }, ErrInvalidTopic},
		{"no partitions", func(s *TopicSpec) { s.Partitions = 0 }, ErrInvalidTopic},
		{"no replicas", func(s *TopicSpec) { s.Replicas = 0 }, ErrInvalidTopic},
		{"zero retention", func(s *TopicSpec) { s.Retention = 0 }, ErrInvalidPolicy},
		{"fractional retention", func(s *TopicSpec) { s.Retention = 1500 * time.Millisecond }, ErrInvalidPolicy},
		{"tiny segments", func(s *TopicSpec) { s.SegmentBytes = 1 }, ErrInvalidPolicy},
		{"negative quota", func(s *TopicSpec) { s.MaxPartitionBytes = -1 }, ErrInvalidPolicy},
	}
	for _, tc := range cases {
		spec := retentionTopic("orders")
		tc.mutate(&spec)
		err := spec.Validate()
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if err := retentionTopic("orders.v1_x-y").Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
}

func TestInvalidPolicyIsPolicyRejected(t *testing.T) {
	spec := retentionTopic("orders")
	spec.Retention = 0
	if err := spec.Validate(); !errors.Is(err, storage.ErrPolicyRejected) {
		t.Fatalf("expected storage.ErrPolicyRejected, got %v", err)
	}
}

func TestInMemoryStoreCreateTopic(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	created, err := store.CreateTopic(ctx, retentionTopic("orders"))
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if created.CreatedAt.IsZero() {
		t.Fatalf("expected created timestamp")
	}
	if _, err := store.CreateTopic(ctx, retentionTopic("orders")); !errors.Is(err, ErrTopicExists) {
		t.Fatalf("expected ErrTopicExists, got %v", err)
	}

	got, err := store.Topic(ctx, "orders")
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}
	if got.Policy() != created.Policy() {
		t.Fatalf("policy mismatch: %+v vs %+v", got.Policy(), created.Policy())
	}
	if _, err := store.Topic(ctx, "missing"); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
}

func TestInMemoryStoreTopicsSorted(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	for _, name := range []string{"payments", "audit", "orders"} {
		if _, err := store.CreateTopic(ctx, retentionTopic(name)); err != nil {
			t.Fatalf("CreateTopic %s: %v", name, err)
		}
	}
	topics, err := store.Topics(ctx)
	if err != nil {
		t.Fatalf("Topics: %v", err)
	}
	if len(topics) != 3 || topics[0].Name != "audit" || topics[2].Name != "payments" {
		t.Fatalf("unexpected topics: %+v", topics)
	}
}

func TestInMemoryStoreOffsets(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	if _, err := store.CreateTopic(ctx, retentionTopic("orders")); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	next, err := store.NextOffset(ctx, "orders", 0)
	if err != nil || next != 0 {
		t.Fatalf("expected next offset 0, got %d err=%v", next, err)
	}
	if err := store.UpdateOffsets(ctx, "orders", 0, 41); err != nil {
		t.Fatalf("UpdateOffsets: %v", err)
	}
	if err := store.UpdateOffsets(ctx, "orders", 0, 10); err != nil {
		t.Fatalf("UpdateOffsets stale: %v", err)
	}
	next, err = store.NextOffset(ctx, "orders", 0)
	if err != nil || next != 42 {
		t.Fatalf("expected next offset 42, got %d err=%v", next, err)
	}
	if _, err := store.NextOffset(ctx, "orders", 1); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic for missing partition, got %v", err)
	}
}

func TestInMemoryStoreDeleteTopic(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	if _, err := store.CreateTopic(ctx, retentionTopic("orders")); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if err := store.UpdateOffsets(ctx, "orders", 0, 5); err != nil {
		t.Fatalf("UpdateOffsets: %v", err)
	}
	if err := store.DeleteTopic(ctx, "orders"); err != nil {
		t.Fatalf("DeleteTopic: %v", err)
	}
	if err := store.DeleteTopic(ctx, "orders"); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
	if _, err := store.CreateTopic(ctx, retentionTopic("orders")); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if next, _ := store.NextOffset(ctx, "orders", 0); next != 0 {
		t.Fatalf("expected offsets reset after delete, got %d", next)
	}
}

func TestInMemoryStoreContextCancel(t *testing.T) {
	store := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Topics(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}
