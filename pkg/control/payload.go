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
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/novatechflow/seglog/pkg/metadata"
	"github.com/novatechflow/seglog/pkg/storage"
)

// Payloads are structpb.Struct messages. Byte fields travel as base64 strings
// and a missing key is encoded as null so it stays distinct from an empty key.

func newPayload(fields map[string]any) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return msg, nil
}

func stringField(msg *structpb.Struct, name string) string {
	return msg.GetFields()[name].GetStringValue()
}

func intField(msg *structpb.Struct, name string, def int64) int64 {
	v, ok := msg.GetFields()[name]
	if !ok {
		return def
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return def
	}
	return int64(v.GetNumberValue())
}

func bytesField(v *structpb.Value) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	out, err := base64.StdEncoding.DecodeString(v.GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode bytes: %w", err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

func bytesValue(b []byte) any {
	if b == nil {
		return nil
	}
	return base64.StdEncoding.EncodeToString(b)
}

func encodeTopicSpec(spec metadata.TopicSpec) map[string]any {
	fields := map[string]any{
		"name":                spec.Name,
		"partitions":          int64(spec.Partitions),
		"replicas":            int64(spec.Replicas),
		"retention_seconds":   int64(spec.Retention / time.Second),
		"segment_bytes":       int64(spec.SegmentBytes),
		"max_partition_bytes": spec.MaxPartitionBytes,
	}
	if !spec.CreatedAt.IsZero() {
		fields["created_at"] = spec.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func decodeTopicSpec(msg *structpb.Struct) metadata.TopicSpec {
	spec := metadata.TopicSpec{
		Name:              stringField(msg, "name"),
		Partitions:        int32(intField(msg, "partitions", 1)),
		Replicas:          int16(intField(msg, "replicas", 1)),
		Retention:         time.Duration(intField(msg, "retention_seconds", 0)) * time.Second,
		SegmentBytes:      int(intField(msg, "segment_bytes", 0)),
		MaxPartitionBytes: intField(msg, "max_partition_bytes", 0),
	}
	if raw := stringField(msg, "created_at"); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			spec.CreatedAt = ts
		}
	}
	return spec
}

func encodeRecords(records []storage.Record) []any {
	out := make([]any, 0, len(records))
	for _, rec := range records {
		fields := map[string]any{
			"key":   bytesValue(rec.Key),
			"value": bytesValue(rec.Value),
		}
		if !rec.Timestamp.IsZero() {
			fields["offset"] = rec.Offset
			fields["timestamp_ms"] = rec.Timestamp.UnixMilli()
		}
		out = append(out, fields)
	}
	return out
}

func decodeRecords(msg *structpb.Struct) ([]storage.Record, error) {
	list := msg.GetFields()["records"].GetListValue().GetValues()
	out := make([]storage.Record, 0, len(list))
	for i, item := range list {
		fields := item.GetStructValue().GetFields()
		key, err := bytesField(fields["key"])
		if err != nil {
			return nil, fmt.Errorf("record %d key: %w", i, err)
		}
		value, err := bytesField(fields["value"])
		if err != nil {
			return nil, fmt.Errorf("record %d value: %w", i, err)
		}
		rec := storage.Record{Key: key, Value: value}
		if ts, ok := fields["timestamp_ms"]; ok {
			rec.Offset = int64(fields["offset"].GetNumberValue())
			rec.Timestamp = time.UnixMilli(int64(ts.GetNumberValue()))
		}
		out = append(out, rec)
	}
	return out, nil
}

func encodeStats(stats []storage.PartitionStats) []any {
	out := make([]any, 0, len(stats))
	for _, st := range stats {
		out = append(out, map[string]any{
			"topic":            st.ID.Topic,
			"partition":        int64(st.ID.Partition),
			"earliest_offset":  st.EarliestOffset,
			"committed_offset": st.CommittedOffset,
			"total_bytes":      st.TotalBytes,
			"segments":         int64(len(st.Segments)),
		})
	}
	return out
}

// PartitionStatus is the remote view of one partition.
type PartitionStatus struct {
	Topic           string
	Partition       int32
	EarliestOffset  int64
	CommittedOffset int64
	TotalBytes      int64
	Segments        int
}

func decodeStats(msg *structpb.Struct) []PartitionStatus {
	list := msg.GetFields()["partitions"].GetListValue().GetValues()
	out := make([]PartitionStatus, 0, len(list))
	for _, item := range list {
		st := item.GetStructValue()
		out = append(out, PartitionStatus{
			Topic:           stringField(st, "topic"),
			Partition:       int32(intField(st, "partition", 0)),
			EarliestOffset:  intField(st, "earliest_offset", 0),
			CommittedOffset: intField(st, "committed_offset", 0),
			TotalBytes:      intField(st, "total_bytes", 0),
			Segments:        int(intField(st, "segments", 0)),
		})
	}
	return out
}
