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
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/novatechflow/seglog/pkg/broker"
)

const serviceName = "seglog.control.v1.Control"

const (
	defaultFetchRecords = 500
	maxFetchWait        = 30 * time.Second
)

// ControlServer is the control plane surface. Every call exchanges
// structpb.Struct payloads.
type ControlServer interface {
	CreateTopic(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Produce(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Flush(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Fetch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunCleanup(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateTopic", ControlServer.CreateTopic),
		unaryMethod("Produce", ControlServer.Produce),
		unaryMethod("Flush", ControlServer.Flush),
		unaryMethod("Fetch", ControlServer.Fetch),
		unaryMethod("GetStatus", ControlServer.GetStatus),
		unaryMethod("RunCleanup", ControlServer.RunCleanup),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "seglog/control.proto",
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

func unaryMethod(name string, call func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Service implements ControlServer on top of a broker.
type Service struct {
	broker *broker.Broker
	logger *slog.Logger
}

// NewService wraps a broker.
func NewService(b *broker.Broker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{broker: b, logger: logger.With("component", "control")}
}

// CreateTopic registers a topic from {name, partitions, replicas, retention_seconds, segment_bytes}.
func (s *Service) CreateTopic(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	created, err := s.broker.CreateTopic(ctx, decodeTopicSpec(req))
	if err != nil {
		return nil, toStatus(err)
	}
	return newPayload(encodeTopicSpec(created))
}

// Produce appends {topic, partition, records}. A partial append still reports
// the accepted count in the error details.
func (s *Service) Produce(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	records, err := decodeRecords(req)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.broker.Produce(ctx, stringField(req, "topic"), int32(intField(req, "partition", int64(broker.AnyPartition))), records)
	if err != nil {
		return nil, toStatus(err)
	}
	return newPayload(map[string]any{
		"partition":   int64(res.Partition),
		"base_offset": res.BaseOffset,
		"count":       int64(res.Count),
	})
}

// Flush persists {topic}; an empty topic flushes everything.
func (s *Service) Flush(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.broker.Flush(ctx, stringField(req, "topic")); err != nil {
		return nil, toStatus(err)
	}
	return newPayload(nil)
}

// Fetch reads {topic, partition, offset, max_records, max_wait_ms}.
func (s *Service) Fetch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	topic := stringField(req, "topic")
	partition := int32(intField(req, "partition", 0))
	maxRecords := int(intField(req, "max_records", defaultFetchRecords))
	maxWait := min(time.Duration(intField(req, "max_wait_ms", 0))*time.Millisecond, maxFetchWait)

	records, err := s.broker.Read(ctx, topic, partition, intField(req, "offset", 0), maxRecords, maxWait)
	if err != nil {
		return nil, toStatus(err)
	}
	log, err := s.broker.Partition(ctx, topic, partition)
	if err != nil {
		return nil, toStatus(err)
	}
	return newPayload(map[string]any{
		"records":         encodeRecords(records),
		"earliest_offset": log.EarliestOffset(),
		"latest_offset":   log.LatestOffset(),
	})
}

// GetStatus reports partition stats for {topic} (all topics when empty) and object store health.
func (s *Service) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.broker.Status(ctx, stringField(req, "topic"))
	if err != nil {
		return nil, toStatus(err)
	}
	health := s.broker.Health()
	return newPayload(map[string]any{
		"partitions":   encodeStats(stats),
		"s3_state":     string(health.State),
		"s3_error_pct": health.ErrorRate * 100,
	})
}

// RunCleanup runs one maintenance pass.
func (s *Service) RunCleanup(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	deleted := s.broker.RunCleanup(ctx)
	s.logger.Info("cleanup requested", "deleted_segments", deleted)
	return newPayload(map[string]any{"deleted_segments": int64(deleted)})
}
