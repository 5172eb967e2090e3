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
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/novatechflow/seglog/pkg/broker"
	"github.com/novatechflow/seglog/pkg/metadata"
	"github.com/novatechflow/seglog/pkg/storage"
)

// Reasons carried in status details so clients can rebuild sentinel errors.
const (
	reasonTopicExists    = "topic_exists"
	reasonInvalidTopic   = "invalid_topic"
	reasonInvalidPolicy  = "invalid_policy"
	reasonUnknownTopic   = "unknown_topic"
	reasonUnknownPart    = "unknown_partition"
	reasonOutOfRange     = "offset_out_of_range"
	reasonGap            = "segment_invalidated"
	reasonStorageFull    = "storage_full"
	reasonRecordTooLarge = "record_too_large"
	reasonBackpressure   = "backpressure"
	reasonClosed         = "closed"
)

// toStatus maps broker errors onto gRPC status codes with a details struct.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, details := classify(err)
	st := status.New(code, err.Error())
	if details != nil {
		if msg, encErr := structpb.NewStruct(details); encErr == nil {
			if withDetails, detErr := st.WithDetails(msg); detErr == nil {
				st = withDetails
			}
		}
	}
	return st.Err()
}

func classify(err error) (codes.Code, map[string]any) {
	var (
		appendErr *storage.AppendError
		oor       *storage.OffsetOutOfRangeError
		gap       *storage.GapError
	)
	switch {
	case errors.As(err, &appendErr):
		code, reason := appendCode(appendErr.Err)
		return code, map[string]any{
			"reason":      reason,
			"accepted":    int64(appendErr.Accepted),
			"base_offset": appendErr.BaseOffset,
		}
	case errors.As(err, &oor):
		return codes.OutOfRange, map[string]any{
			"reason":    reasonOutOfRange,
			"requested": oor.Requested,
			"earliest":  oor.Earliest,
			"latest":    oor.Latest,
		}
	case errors.As(err, &gap):
		return codes.DataLoss, map[string]any{"reason": reasonGap, "from": gap.From, "to": gap.To}
	case errors.Is(err, metadata.ErrTopicExists):
		return codes.AlreadyExists, map[string]any{"reason": reasonTopicExists}
	case errors.Is(err, storage.ErrPolicyRejected):
		return codes.InvalidArgument, map[string]any{"reason": reasonInvalidPolicy}
	case errors.Is(err, metadata.ErrInvalidTopic):
		return codes.InvalidArgument, map[string]any{"reason": reasonInvalidTopic}
	case errors.Is(err, metadata.ErrUnknownTopic):
		return codes.NotFound, map[string]any{"reason": reasonUnknownTopic}
	case errors.Is(err, broker.ErrUnknownPartition):
		return codes.NotFound, map[string]any{"reason": reasonUnknownPart}
	case errors.Is(err, broker.ErrBrokerClosed), errors.Is(err, storage.ErrLogClosed):
		return codes.Unavailable, map[string]any{"reason": reasonClosed}
	case errors.Is(err, context.Canceled):
		return codes.Canceled, nil
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded, nil
	}
	return codes.Internal, nil
}

func appendCode(err error) (codes.Code, string) {
	switch {
	case errors.Is(err, broker.ErrBackpressure):
		return codes.Unavailable, reasonBackpressure
	case errors.Is(err, storage.ErrStorageFull):
		return codes.ResourceExhausted, reasonStorageFull
	case errors.Is(err, storage.ErrRecordTooLarge):
		return codes.InvalidArgument, reasonRecordTooLarge
	case errors.Is(err, storage.ErrLogClosed):
		return codes.Unavailable, reasonClosed
	case errors.Is(err, context.Canceled):
		return codes.Canceled, ""
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded, ""
	}
	return codes.Internal, ""
}

// fromStatus rebuilds typed errors from a gRPC status.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var details *structpb.Struct
	for _, d := range st.Details() {
		if msg, ok := d.(*structpb.Struct); ok {
			details = msg
			break
		}
	}
	reason := ""
	if details != nil {
		reason = stringField(details, "reason")
	}
	msg := st.Message()

	if details != nil {
		if _, ok := details.GetFields()["accepted"]; ok {
			return &storage.AppendError{
				Accepted:   int(intField(details, "accepted", 0)),
				BaseOffset: intField(details, "base_offset", 0),
				Err:        fmt.Errorf("%s: %w", msg, reasonError(reason, st.Code())),
			}
		}
	}
	switch st.Code() {
	case codes.Canceled, codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", msg, reasonError("", st.Code()))
	}
	switch reason {
	case reasonOutOfRange:
		return &storage.OffsetOutOfRangeError{
			Requested: intField(details, "requested", 0),
			Earliest:  intField(details, "earliest", 0),
			Latest:    intField(details, "latest", 0),
		}
	case reasonGap:
		return &storage.GapError{From: intField(details, "from", 0), To: intField(details, "to", 0)}
	case "":
		return err
	}
	return fmt.Errorf("%s: %w", msg, reasonError(reason, st.Code()))
}

func reasonError(reason string, code codes.Code) error {
	switch reason {
	case reasonTopicExists:
		return metadata.ErrTopicExists
	case reasonInvalidPolicy:
		return metadata.ErrInvalidPolicy
	case reasonInvalidTopic:
		return metadata.ErrInvalidTopic
	case reasonUnknownTopic:
		return metadata.ErrUnknownTopic
	case reasonUnknownPart:
		return broker.ErrUnknownPartition
	case reasonStorageFull:
		return storage.ErrStorageFull
	case reasonRecordTooLarge:
		return storage.ErrRecordTooLarge
	case reasonBackpressure:
		return broker.ErrBackpressure
	case reasonClosed:
		return storage.ErrLogClosed
	}
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return status.Error(code, reason)
}
