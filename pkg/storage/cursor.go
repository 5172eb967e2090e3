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
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// CursorState is the read-path state of a cursor.
type CursorState int

const (
	CursorResolving CursorState = iota
	CursorStreaming
	CursorTailing
	CursorInvalidated
	CursorClosed
)

func (s CursorState) String() string {
	switch s {
	case CursorResolving:
		return "resolving"
	case CursorStreaming:
		return "streaming"
	case CursorTailing:
		return "tailing"
	case CursorInvalidated:
		return "invalidated"
	case CursorClosed:
		return "closed"
	default:
		return fmt.Sprintf("CursorState(%d)", int(s))
	}
}

// Cursor reads a partition in offset order. A cursor is not safe for
// concurrent use; open one per consumer.
type Cursor struct {
	log        *PartitionLog
	state      CursorState
	offset     int64
	seg        *Segment
	pos        int
	positioned bool
	remote     []byte
	gap        *GapError
}

// NewCursor resolves start and returns a cursor positioned there.
func (l *PartitionLog) NewCursor(ctx context.Context, start Offset) (*Cursor, error) {
	offset, err := l.Resolve(ctx, start)
	if err != nil {
		return nil, err
	}
	c := &Cursor{log: l, offset: offset}
	if err := c.seek(); err != nil {
		return nil, err
	}
	return c, nil
}

// Stream returns a lazy sequence of records starting at start. It tails the
// log until ctx is done; every failure, including cancellation, is yielded
// once and ends the sequence.
func (l *PartitionLog) Stream(ctx context.Context, start Offset) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		cur, err := l.NewCursor(ctx, start)
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer cur.Close()
		for {
			rec, err := cur.Next(ctx)
			if err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Read returns up to maxRecords committed records starting at offset. When
// nothing is available it waits up to maxWait for the first record.
func (l *PartitionLog) Read(ctx context.Context, offset int64, maxRecords int, maxWait time.Duration) ([]Record, error) {
	start, err := Absolute(offset)
	if err != nil {
		return nil, err
	}
	cur, err := l.NewCursor(ctx, start)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	if maxRecords <= 0 {
		maxRecords = 1
	}

	out := make([]Record, 0, min(maxRecords, 1024))
	rec, ok, err := cur.TryNext(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		if maxWait <= 0 {
			return out, nil
		}
		waitCtx, cancel := context.WithTimeout(ctx, maxWait)
		rec, err = cur.Next(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return out, nil
			}
			return nil, err
		}
	}
	out = append(out, rec)
	for len(out) < maxRecords {
		rec, ok, err := cur.TryNext(ctx)
		if err != nil || !ok {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// State returns the current cursor state.
func (c *Cursor) State() CursorState {
	return c.state
}

// Position returns the offset of the next record the cursor will return.
func (c *Cursor) Position() int64 {
	return c.offset
}

// Next returns the next record, blocking at the tail until a flush publishes
// more records, ctx is done or the log closes. Once the segment under the
// cursor is deleted, Next keeps returning a *GapError until Skip is called.
func (c *Cursor) Next(ctx context.Context) (Record, error) {
	rec, _, err := c.next(ctx, true)
	return rec, err
}

// TryNext is Next without blocking; ok is false at the tail.
func (c *Cursor) TryNext(ctx context.Context) (Record, bool, error) {
	return c.next(ctx, false)
}

// Skip acknowledges a gap and moves the cursor to the earliest retained offset.
func (c *Cursor) Skip() (int64, error) {
	if c.state == CursorClosed {
		return 0, ErrCursorClosed
	}
	for {
		c.offset = max(c.offset, c.log.EarliestOffset())
		if err := c.seek(); err == nil {
			break
		}
	}
	c.gap = nil
	return c.offset, nil
}

// Close releases the cursor. It never affects the log.
func (c *Cursor) Close() {
	c.state = CursorClosed
	c.seg = nil
	c.remote = nil
}

func (c *Cursor) next(ctx context.Context, block bool) (Record, bool, error) {
	for {
		switch c.state {
		case CursorClosed:
			return Record{}, false, ErrCursorClosed
		case CursorInvalidated:
			return Record{}, false, c.gap
		}
		if err := ctx.Err(); err != nil {
			return Record{}, false, err
		}
		wake := c.log.notify.wait()

		if c.seg.Deleted() {
			if c.offset < c.seg.sealedEnd.Load() {
				c.invalidate()
				continue
			}
			if err := c.seek(); err != nil {
				c.invalidate()
				continue
			}
		}

		view := c.seg.view.Load()
		data, err := c.body(ctx, view)
		if err != nil {
			if c.seg.Deleted() {
				continue
			}
			return Record{}, false, err
		}
		if !c.positioned {
			if err := c.position(view, data); err != nil {
				return Record{}, false, err
			}
		}

		if c.pos < len(data) {
			rec, n, err := decodeRecord(data[c.pos:])
			if err != nil {
				return Record{}, false, err
			}
			if rec.Offset != c.offset {
				return Record{}, false, fmt.Errorf("%w: expected offset %d at position %d, found %d", ErrCorruptSegment, c.offset, c.pos, rec.Offset)
			}
			c.pos += n
			c.offset++
			c.state = CursorStreaming
			return rec, true, nil
		}

		if view.sealed {
			if next := c.log.set.Load().successor(c.seg); next != nil {
				c.seg = next
				c.pos = 0
				c.positioned = true
				c.remote = nil
				continue
			}
			if c.seg.Deleted() {
				continue
			}
		}

		if c.log.closed.Load() {
			return Record{}, false, ErrLogClosed
		}
		c.state = CursorTailing
		if !block {
			return Record{}, false, nil
		}
		if err := c.wait(ctx, wake); err != nil {
			return Record{}, false, err
		}
	}
}

// seek points the cursor at the segment holding c.offset in the current snapshot.
func (c *Cursor) seek() error {
	set := c.log.set.Load()
	i, ok := set.find(c.offset)
	if !ok {
		return &OffsetOutOfRangeError{Requested: c.offset, Earliest: set.earliest().baseOffset, Latest: c.log.LatestOffset()}
	}
	c.seg = set.segments[i]
	c.pos = 0
	c.positioned = c.offset == c.seg.baseOffset
	c.remote = nil
	c.state = CursorResolving
	return nil
}

func (c *Cursor) position(view *segmentView, data []byte) error {
	pos := 0
	if entry, ok := floorEntry(view.index, c.offset); ok && int(entry.Position) <= len(data) {
		pos = int(entry.Position)
	}
	for pos < len(data) {
		offset, n, err := peekRecord(data[pos:])
		if err != nil {
			return err
		}
		if offset >= c.offset {
			break
		}
		pos += n
	}
	c.pos = pos
	c.positioned = true
	return nil
}

func (c *Cursor) body(ctx context.Context, view *segmentView) ([]byte, error) {
	if !view.offloaded {
		return view.data, nil
	}
	if c.remote == nil {
		body, err := c.log.loadRemote(ctx, c.seg)
		if err != nil {
			return nil, err
		}
		c.remote = body
	}
	return c.remote, nil
}

func (c *Cursor) invalidate() {
	c.gap = &GapError{From: c.offset, To: max(c.log.EarliestOffset(), c.offset+1)}
	c.state = CursorInvalidated
	c.remote = nil
	c.log.logger.Warn("cursor invalidated by retention", "from", c.gap.From, "to", c.gap.To)
	if c.log.hooks.OnCursorInvalidated != nil {
		c.log.hooks.OnCursorInvalidated(c.gap)
	}
}

func (c *Cursor) wait(ctx context.Context, wake <-chan struct{}) error {
	var poll <-chan time.Time
	if d := c.log.cfg.TailPollInterval; d > 0 {
		timer := c.log.clock.NewTimer(d)
		defer timer.Stop()
		poll = timer.Chan()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-poll:
	}
	return nil
}
