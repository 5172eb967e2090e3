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
	"errors"
	"fmt"
)

var (
	// ErrOffsetOutOfRange is returned when the requested offset is outside the retained log.
	ErrOffsetOutOfRange = errors.New("offset out of range")
	// ErrSegmentInvalidated is returned when cleanup removed a segment a cursor had not finished.
	ErrSegmentInvalidated = errors.New("segment invalidated")
	// ErrAppendFailure marks every error returned by the append path.
	ErrAppendFailure = errors.New("append failure")
	// ErrStorageFull indicates the partition reached its byte quota.
	ErrStorageFull = errors.New("storage quota exceeded")
	// ErrRecordTooLarge indicates a single record exceeds the configured maximum.
	ErrRecordTooLarge = errors.New("record too large")
	// ErrPolicyRejected indicates an invalid retention or storage configuration.
	ErrPolicyRejected = errors.New("retention policy rejected")
	// ErrLogClosed is returned by operations on a closed partition log.
	ErrLogClosed = errors.New("partition log closed")
	// ErrCursorClosed is returned by a cursor after Close.
	ErrCursorClosed = errors.New("cursor closed")
	// ErrCorruptSegment indicates segment bytes failed validation.
	ErrCorruptSegment = errors.New("corrupt segment")
)

// AppendError reports a partially applied batch. Records before Accepted keep
// their offsets and stay committed.
type AppendError struct {
	Accepted   int
	BaseOffset int64
	Err        error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append failed after %d accepted records: %v", e.Accepted, e.Err)
}

func (e *AppendError) Unwrap() []error {
	return []error{ErrAppendFailure, e.Err}
}

// OffsetOutOfRangeError carries the bounds the request was checked against.
type OffsetOutOfRangeError struct {
	Requested int64
	Earliest  int64
	Latest    int64
}

func (e *OffsetOutOfRangeError) Error() string {
	return fmt.Sprintf("offset %d out of range [%d, %d]", e.Requested, e.Earliest, e.Latest)
}

func (e *OffsetOutOfRangeError) Unwrap() error {
	return ErrOffsetOutOfRange
}

// GapError describes offsets [From, To) that were deleted before a cursor read them.
type GapError struct {
	From int64
	To   int64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("segment invalidated: offsets %d-%d were deleted before being read", e.From, e.To-1)
}

func (e *GapError) Unwrap() error {
	return ErrSegmentInvalidated
}

// Skipped returns how many offsets the gap covers.
func (e *GapError) Skipped() int64 {
	return e.To - e.From
}
