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
	"strconv"
	"strings"
)

type offsetKind int

const (
	offsetAbsolute offsetKind = iota
	offsetBeginning
	offsetEnd
	offsetFromBeginning
	offsetFromEnd
)

// Offset is a consumer start position: an absolute offset or a position
// relative to the retained bounds.
type Offset struct {
	kind  offsetKind
	value int64
}

// Absolute addresses one exact offset. It is never clamped on resolve.
func Absolute(offset int64) (Offset, error) {
	if offset < 0 {
		return Offset{}, fmt.Errorf("absolute offset must be non-negative, got %d", offset)
	}
	return Offset{kind: offsetAbsolute, value: offset}, nil
}

// Beginning resolves to the earliest retained offset.
func Beginning() Offset {
	return Offset{kind: offsetBeginning}
}

// End resolves to the committed end of the log, so only new records are read.
func End() Offset {
	return Offset{kind: offsetEnd}
}

// FromBeginning resolves to earliest+n, clamped to the committed end.
func FromBeginning(n int64) Offset {
	return Offset{kind: offsetFromBeginning, value: max(n, 0)}
}

// FromEnd resolves to end-n, clamped to the earliest offset.
func FromEnd(n int64) Offset {
	return Offset{kind: offsetFromEnd, value: max(n, 0)}
}

// IsAbsolute reports whether the offset names an exact position.
func (o Offset) IsAbsolute() bool {
	return o.kind == offsetAbsolute
}

// Value returns the absolute offset or the relative distance.
func (o Offset) Value() int64 {
	return o.value
}

// FromTail reports whether a relative offset counts back from the end.
func (o Offset) FromTail() bool {
	return o.kind == offsetEnd || o.kind == offsetFromEnd
}

// Within resolves o against the bounds [earliest, latest]. Absolute offsets
// outside them fail with *OffsetOutOfRangeError; relative ones clamp.
func (o Offset) Within(earliest, latest int64) (int64, error) {
	switch o.kind {
	case offsetBeginning:
		return earliest, nil
	case offsetEnd:
		return latest, nil
	case offsetFromBeginning:
		if o.value >= latest-earliest {
			return latest, nil
		}
		return earliest + o.value, nil
	case offsetFromEnd:
		if o.value >= latest-earliest {
			return earliest, nil
		}
		return latest - o.value, nil
	default:
		if o.value < earliest || o.value > latest {
			return 0, &OffsetOutOfRangeError{Requested: o.value, Earliest: earliest, Latest: latest}
		}
		return o.value, nil
	}
}

func (o Offset) String() string {
	switch o.kind {
	case offsetBeginning:
		return "beginning"
	case offsetEnd:
		return "end"
	case offsetFromBeginning:
		return fmt.Sprintf("beginning+%d", o.value)
	case offsetFromEnd:
		return fmt.Sprintf("end-%d", o.value)
	default:
		return fmt.Sprintf("%d", o.value)
	}
}

// ParseOffset accepts "earliest", "beginning", "latest", "end", "+N"
// (from beginning), "-N" (from end) and plain absolute offsets.
func ParseOffset(raw string) (Offset, error) {
	switch raw {
	case "earliest", "beginning":
		return Beginning(), nil
	case "latest", "end":
		return End(), nil
	}
	if raw == "" {
		return Offset{}, fmt.Errorf("parse offset: empty value")
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(raw, "+"), 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("parse offset %q: %w", raw, err)
	}
	switch raw[0] {
	case '+':
		return FromBeginning(n), nil
	case '-':
		return FromEnd(-n), nil
	}
	return Absolute(n)
}
