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

package control

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/novatechflow/seglog/pkg/metadata"
	"github.com/novatechflow/seglog/pkg/storage"
)

// Client calls a remote control plane.
type Client struct {
	conn *grpc.ClientConn
}

// FetchResult is one batch of committed records plus the partition bounds.
type FetchResult struct {
	Records        []storage.Record
	EarliestOffset int64
	LatestOffset   int64
}

// ProduceResult reports where a remote batch landed.
type ProduceResult struct {
	Partition  int32
	BaseOffset int64
	Count      int
}

// Status is the remote broker state.
type Status struct {
	Partitions []PartitionStatus
	S3State    string
}

// Dial connects to target. Without options the connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial control plane %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := newPayload(fields)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

// CreateTopic registers a topic on the remote broker.
func (c *Client) CreateTopic(ctx context.Context, spec metadata.TopicSpec) (metadata.TopicSpec, error) {
	resp, err := c.call(ctx, "CreateTopic", encodeTopicSpec(spec))
	if err != nil {
		return metadata.TopicSpec{}, err
	}
	return decodeTopicSpec(resp), nil
}

// Produce appends records; partition -1 lets the broker route.
func (c *Client) Produce(ctx context.Context, topic string, partition int32, records []storage.Record) (ProduceResult, error) {
	resp, err := c.call(ctx, "Produce", map[string]any{
		"topic":     topic,
		"partition": int64(partition),
		"records":   encodeRecords(records),
	})
	if err != nil {
		return ProduceResult{Partition: partition}, err
	}
	return ProduceResult{
		Partition:  int32(intField(resp, "partition", 0)),
		BaseOffset: intField(resp, "base_offset", 0),
		Count:      int(intField(resp, "count", 0)),
	}, nil
}

// Flush waits until every accepted record of topic is durable.
func (c *Client) Flush(ctx context.Context, topic string) error {
	_, err := c.call(ctx, "Flush", map[string]any{"topic": topic})
	return err
}

// Fetch reads committed records starting at offset.
func (c *Client) Fetch(ctx context.Context, topic string, partition int32, offset int64, maxRecords int, maxWait time.Duration) (FetchResult, error) {
	resp, err := c.call(ctx, "Fetch", map[string]any{
		"topic":       topic,
		"partition":   int64(partition),
		"offset":      offset,
		"max_records": int64(maxRecords),
		"max_wait_ms": maxWait.Milliseconds(),
	})
	if err != nil {
		return FetchResult{}, err
	}
	records, err := decodeRecords(resp)
	if err != nil {
		return FetchResult{}, err
	}
	return FetchResult{
		Records:        records,
		EarliestOffset: intField(resp, "earliest_offset", 0),
		LatestOffset:   intField(resp, "latest_offset", 0),
	}, nil
}

// Status returns partition stats for topic, or all topics when empty.
func (c *Client) Status(ctx context.Context, topic string) (Status, error) {
	resp, err := c.call(ctx, "GetStatus", map[string]any{"topic": topic})
	if err != nil {
		return Status{}, err
	}
	return Status{Partitions: decodeStats(resp), S3State: stringField(resp, "s3_state")}, nil
}

// RunCleanup triggers one maintenance pass and returns the deleted segment count.
func (c *Client) RunCleanup(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, "RunCleanup", nil)
	if err != nil {
		return 0, err
	}
	return int(intField(resp, "deleted_segments", 0)), nil
}
