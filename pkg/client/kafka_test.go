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
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/novatechflow/seglog/pkg/metadata"
	"github.com/novatechflow/seglog/pkg/storage"
)

func TestTopicConfigs(t *testing.T) {
	spec := retentionSpec(10000)
	got := topicConfigs(spec)
	want := [][2]string{
		{"cleanup.policy", "delete"},
		{"retention.ms", "10000"},
		{"segment.bytes", "10000"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("config %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	spec.MaxPartitionBytes = 1 << 20
	got = topicConfigs(spec)
	if len(got) != 4 || got[1] != [2]string{"retention.bytes", "1048576"} {
		t.Fatalf("expected retention.bytes config, got %v", got)
	}
}

func TestCreateTopicRequest(t *testing.T) {
	spec := retentionSpec(10000)
	spec.Partitions = 3
	req := createTopicRequest(spec)
	if req.Topic != "retention-check" || req.NumPartitions != 3 || req.ReplicationFactor != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
	if len(req.Configs) != 3 || req.Configs[1].Name != "retention.ms" || *req.Configs[1].Value != "10000" {
		t.Fatalf("unexpected configs %+v", req.Configs)
	}
}

func TestTopicErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{kerr.TopicAlreadyExists, metadata.ErrTopicExists},
		{kerr.InvalidConfig, metadata.ErrInvalidPolicy},
		{kerr.PolicyViolation, storage.ErrPolicyRejected},
		{kerr.InvalidReplicationFactor, metadata.ErrInvalidTopic},
	}
	for _, tc := range cases {
		if err := topicError("orders", tc.err); !errors.Is(err, tc.want) {
			t.Fatalf("%v: expected %v, got %v", tc.err, tc.want, err)
		}
	}
	if err := topicError("orders", kerr.NotController); errors.Is(err, metadata.ErrTopicExists) || !errors.Is(err, kerr.NotController) {
		t.Fatalf("unexpected mapping %v", err)
	}
}

func TestKafkaOffsetAbsolute(t *testing.T) {
	start, _ := storage.Absolute(42)
	if got := kafkaOffset(start).EpochOffset().Offset; got != 42 {
		t.Fatalf("expected offset 42, got %d", got)
	}
}

// Runs against a real cluster when SEGLOG_KAFKA_BROKERS is set.
func TestKafkaBackendRoundTrip(t *testing.T) {
	seeds := os.Getenv("SEGLOG_KAFKA_BROKERS")
	if seeds == "" {
		t.Skip("set SEGLOG_KAFKA_BROKERS to run kafka backend test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	p, err := Connect(ctx, Config{Backend: BackendKafka, Brokers: strings.Split(seeds, ",")})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Close(ctx)

	spec := retentionSpec(1 << 20)
	spec.Name = "seglog-test-" + uuid.NewString()
	if err := p.Admin().CreateTopic(ctx, spec); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	producer, err := p.Producer(spec.Name)
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	if err := producer.SendAll(ctx, numbered(5)); err != nil {
		t.Fatalf("SendAll: %v", err)
	}
	if err := producer.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	consumer, err := p.Consumer(spec.Name, 0)
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}
	n := 0
	for rec, err := range consumer.Stream(ctx, storage.Beginning()) {
		if err != nil {
			t.Fatalf("Stream: %v", err)
		}
		if rec.Offset != int64(n) {
			t.Fatalf("expected offset %d, got %d", n, rec.Offset)
		}
		if n++; n == 5 {
			break
		}
	}
}
