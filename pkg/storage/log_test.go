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
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/novatechflow/seglog/pkg/cache"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// threeRecordSegments fits exactly three two-byte, keyless records per segment.
var threeRecordSegments = RetentionPolicy{Retention: 10 * time.Second, SegmentBytes: 3 * EncodedSize(nil, []byte("xx"))}

func newTestLog(t *testing.T, policy RetentionPolicy, mutate func(*PartitionLogConfig, *LogHooks)) (*PartitionLog, *clockwork.FakeClock, *MemoryS3Client) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	s3 := NewMemoryS3Client()
	cfg := PartitionLogConfig{
		Retention: policy,
		Segment:   SegmentWriterConfig{IndexIntervalMessages: 2},
		Clock:     clock,
	}
	var hooks LogHooks
	if mutate != nil {
		mutate(&cfg, &hooks)
	}
	log, err := NewPartitionLog(PartitionID{Namespace: "default", Topic: "orders", Partition: 0}, 0, s3, nil, cfg, hooks)
	if err != nil {
		t.Fatalf("NewPartitionLog: %v", err)
	}
	return log, clock, s3
}

func twoByteRecords(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{Value: []byte("xx")}
	}
	return out
}

func numberedRecords(from, to int) []Record {
	out := make([]Record, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, Record{Value: []byte(strconv.Itoa(i))})
	}
	return out
}

func mustAppend(t *testing.T, log *PartitionLog, records []Record) AppendResult {
	t.Helper()
	res, err := log.Append(context.Background(), records)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return res
}

func mustFlush(t *testing.T, log *PartitionLog) FlushResult {
	t.Helper()
	res, err := log.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return res
}

func readAll(t *testing.T, log *PartitionLog, start Offset) []Record {
	t.Helper()
	cur, err := log.NewCursor(context.Background(), start)
	if err != nil {
		t.Fatalf("NewCursor: %v", err)
	}
	defer cur.Close()
	var out []Record
	for {
		rec, ok, err := cur.TryNext(context.Background())
		if err != nil {
			t.Fatalf("TryNext: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, rec)
	}
}

func TestNewPartitionLogRejectsInvalidPolicy(t *testing.T) {
	cases := []RetentionPolicy{
		{Retention: 0, SegmentBytes: 1000},
		{Retention: 1500 * time.Millisecond, SegmentBytes: 1000},
		{Retention: time.Second, SegmentBytes: 0},
		{Retention: time.Second, SegmentBytes: recordOverhead - 1},
	}
	for _, policy := range cases {
		_, err := NewPartitionLog(PartitionID{Topic: "t"}, 0, NewMemoryS3Client(), nil, PartitionLogConfig{Retention: policy}, LogHooks{})
		if !errors.Is(err, ErrPolicyRejected) {
			t.Fatalf("policy %+v: expected ErrPolicyRejected, got %v", policy, err)
		}
	}
}

func TestPartitionLogOffsetsAreSequential(t *testing.T) {
	log, _, _ := newTestLog(t, threeRecordSegments, nil)
	next := int64(0)
	for _, n := range []int{1, 4, 7, 2} {
		res := mustAppend(t, log, twoByteRecords(n))
		if res.BaseOffset != next || res.Count != n || res.LastOffset() != next+int64(n)-1 {
			t.Fatalf("unexpected append result %+v, expected base %d", res, next)
		}
		next += int64(n)
	}
	mustFlush(t, log)

	records := readAll(t, log, Beginning())
	if len(records) != int(next) {
		t.Fatalf("expected %d records got %d", next, len(records))
	}
	for i, rec := range records {
		if rec.Offset != int64(i) {
			t.Fatalf("record %d has offset %d", i, rec.Offset)
		}
		if !rec.Timestamp.Equal(testEpoch) {
			t.Fatalf("record %d timestamp %v", i, rec.Timestamp)
		}
	}
}

func TestPartitionLogRollover(t *testing.T) {
	var rolled []SegmentInfo
	log, _, _ := newTestLog(t, threeRecordSegments, func(_ *PartitionLogConfig, hooks *LogHooks) {
		hooks.OnRollover = func(info SegmentInfo) { rolled = append(rolled, info) }
	})
	mustAppend(t, log, twoByteRecords(10))
	mustFlush(t, log)

	stats := log.Stats()
	if len(stats.Segments) != 4 {
		t.Fatalf("expected 4 segments got %d", len(stats.Segments))
	}
	for i, seg := range stats.Segments {
		if seg.BaseOffset != int64(3*i) {
			t.Fatalf("segment %d base offset %d", i, seg.BaseOffset)
		}
		if i+1 < len(stats.Segments) {
			if !seg.Sealed || seg.EndOffset != stats.Segments[i+1].BaseOffset {
				t.Fatalf("segment %d not sealed at successor base: %+v", i, seg)
			}
		}
	}
	if active := stats.Segments[3]; active.Sealed || active.EndOffset != 10 {
		t.Fatalf("unexpected active segment %+v", active)
	}
	if len(rolled) != 3 || rolled[2].EndOffset != 9 {
		t.Fatalf("unexpected rollover events %+v", rolled)
	}
}

func TestPartitionLogOversizedRecordFillsEmptySegment(t *testing.T) {
	log, _, _ := newTestLog(t, RetentionPolicy{Retention: time.Second, SegmentBytes: 40}, nil)
	mustAppend(t, log, []Record{{Value: make([]byte, 100)}, {Value: []byte("a")}})
	mustFlush(t, log)
	stats := log.Stats()
	if len(stats.Segments) != 2 {
		t.Fatalf("expected 2 segments got %d", len(stats.Segments))
	}
	if stats.Segments[0].EndOffset != 1 || stats.Segments[0].SizeBytes != EncodedSize(nil, make([]byte, 100)) {
		t.Fatalf("oversized record should own the first segment: %+v", stats.Segments[0])
	}
}

func TestPartitionLogTimeBasedRollover(t *testing.T) {
	log, clock, _ := newTestLog(t, RetentionPolicy{Retention: time.Minute, SegmentBytes: 1 << 20}, func(cfg *PartitionLogConfig, _ *LogHooks) {
		cfg.SegmentRollInterval = 5 * time.Second
	})
	mustAppend(t, log, twoByteRecords(2))
	clock.Advance(4 * time.Second)
	mustAppend(t, log, twoByteRecords(1))
	if n := len(log.Stats().Segments); n != 1 {
		t.Fatalf("expected no roll before the interval, got %d segments", n)
	}
	clock.Advance(time.Second)
	mustAppend(t, log, twoByteRecords(1))
	stats := log.Stats()
	if len(stats.Segments) != 2 || stats.Segments[1].BaseOffset != 3 {
		t.Fatalf("expected roll at offset 3: %+v", stats.Segments)
	}
}

func TestPartitionLogReadAfterFlush(t *testing.T) {
	log, _, _ := newTestLog(t, threeRecordSegments, nil)
	mustAppend(t, log, twoByteRecords(5))
	if got := log.LatestOffset(); got != 0 {
		t.Fatalf("unflushed records must not be committed, latest=%d", got)
	}
	if got := log.NextOffset(); got != 5 {
		t.Fatalf("next offset %d", got)
	}
	if records := readAll(t, log, Beginning()); len(records) != 0 {
		t.Fatalf("expected no visible records before flush, got %d", len(records))
	}
	res := mustFlush(t, log)
	if res.Committed != 5 || res.Segments != 2 {
		t.Fatalf("unexpected flush result %+v", res)
	}
	if records := readAll(t, log, Beginning()); len(records) != 5 {
		t.Fatalf("expected 5 visible records after flush, got %d", len(records))
	}
}

func TestPartitionLogAutomaticFlush(t *testing.T) {
	var flushes int
	log, clock, _ := newTestLog(t, threeRecordSegments, func(cfg *PartitionLogConfig, hooks *LogHooks) {
		cfg.Buffer = WriteBufferConfig{MaxMessages: 4, FlushInterval: time.Second}
		hooks.OnFlush = func(context.Context, FlushResult) { flushes++ }
	})
	mustAppend(t, log, twoByteRecords(4))
	if log.LatestOffset() != 4 || flushes != 1 {
		t.Fatalf("expected flush by message count: latest=%d flushes=%d", log.LatestOffset(), flushes)
	}
	mustAppend(t, log, twoByteRecords(1))
	if flushed, err := log.MaybeFlush(context.Background(), clock.Now()); err != nil || flushed {
		t.Fatalf("interval not elapsed: flushed=%v err=%v", flushed, err)
	}
	clock.Advance(time.Second)
	if flushed, err := log.MaybeFlush(context.Background(), clock.Now()); err != nil || !flushed {
		t.Fatalf("expected interval flush: flushed=%v err=%v", flushed, err)
	}
	if log.LatestOffset() != 5 {
		t.Fatalf("latest %d", log.LatestOffset())
	}
}

func TestPartitionLogPartialAppend(t *testing.T) {
	size := int64(EncodedSize(nil, []byte("xx")))
	log, _, _ := newTestLog(t, threeRecordSegments, func(cfg *PartitionLogConfig, _ *LogHooks) {
		cfg.MaxLogBytes = 5 * size
	})
	res, err := log.Append(context.Background(), twoByteRecords(8))
	var appendErr *AppendError
	if !errors.As(err, &appendErr) {
		t.Fatalf("expected AppendError, got %v", err)
	}
	if appendErr.Accepted != 5 || res.Count != 5 {
		t.Fatalf("expected 5 accepted records, got %d / %d", appendErr.Accepted, res.Count)
	}
	if !errors.Is(err, ErrStorageFull) || !errors.Is(err, ErrAppendFailure) {
		t.Fatalf("expected storage full append failure, got %v", err)
	}
	mustFlush(t, log)
	if records := readAll(t, log, Beginning()); len(records) != 5 || records[4].Offset != 4 {
		t.Fatalf("accepted records must stay committed, got %d", len(records))
	}
}

func TestPartitionLogRecordTooLarge(t *testing.T) {
	log, _, _ := newTestLog(t, threeRecordSegments, func(cfg *PartitionLogConfig, _ *LogHooks) {
		cfg.MaxRecordBytes = 64
	})
	_, err := log.Append(context.Background(), []Record{{Value: []byte("ok")}, {Value: make([]byte, 64)}})
	var appendErr *AppendError
	if !errors.As(err, &appendErr) || appendErr.Accepted != 1 || !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("expected record too large after 1 record, got %v", err)
	}
	if log.NextOffset() != 1 {
		t.Fatalf("rejected record must not consume an offset, next=%d", log.NextOffset())
	}
}

func TestPartitionLogAppendCancelled(t *testing.T) {
	log, _, _ := newTestLog(t, threeRecordSegments, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := log.Append(ctx, twoByteRecords(3))
	var appendErr *AppendError
	if !errors.As(err, &appendErr) || appendErr.Accepted != 0 || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled append, got %v", err)
	}
}

func TestPartitionLogFlushFailureKeepsRecordsInvisible(t *testing.T) {
	log, _, s3 := newTestLog(t, threeRecordSegments, nil)
	mustAppend(t, log, twoByteRecords(2))
	boom := errors.New("s3 down")
	s3.SetFailure(boom)
	if _, err := log.Flush(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected flush failure, got %v", err)
	}
	if log.LatestOffset() != 0 {
		t.Fatalf("failed flush must not commit, latest=%d", log.LatestOffset())
	}
	s3.SetFailure(nil)
	mustFlush(t, log)
	if log.LatestOffset() != 2 {
		t.Fatalf("expected commit after recovery, latest=%d", log.LatestOffset())
	}
	if keys := s3.Keys("default/orders/0/"); len(keys) != 2 {
		t.Fatalf("expected segment and index objects, got %v", keys)
	}
}

func TestPartitionLogCleanupDeletesStaleSealedSegments(t *testing.T) {
	var deleted []SegmentInfo
	log, clock, s3 := newTestLog(t, threeRecordSegments, func(_ *PartitionLogConfig, hooks *LogHooks) {
		hooks.OnSegmentDeleted = func(info SegmentInfo) { deleted = append(deleted, info) }
	})
	mustAppend(t, log, twoByteRecords(8))
	mustFlush(t, log)

	clock.Advance(9 * time.Second)
	if n, err := log.Cleanup(context.Background(), clock.Now()); err != nil || n != 0 {
		t.Fatalf("segments younger than retention must stay: n=%d err=%v", n, err)
	}
	clock.Advance(time.Second)
	n, err := log.Cleanup(context.Background(), clock.Now())
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 2 || len(deleted) != 2 || deleted[0].BaseOffset != 0 || deleted[1].BaseOffset != 3 {
		t.Fatalf("expected segments 0 and 3 deleted, n=%d events=%+v", n, deleted)
	}
	stats := log.Stats()
	if len(stats.Segments) != 1 || stats.EarliestOffset != 6 {
		t.Fatalf("only the active segment should remain: %+v", stats)
	}
	if stats.TotalBytes != int64(2*EncodedSize(nil, []byte("xx"))) {
		t.Fatalf("total bytes %d", stats.TotalBytes)
	}
	if keys := s3.Keys("default/orders/0/"); len(keys) != 2 {
		t.Fatalf("expected only the active segment objects, got %v", keys)
	}

	clock.Advance(time.Hour)
	if n, err := log.Cleanup(context.Background(), clock.Now()); err != nil || n != 0 {
		t.Fatalf("the active segment is never deleted: n=%d err=%v", n, err)
	}
}

func TestPartitionLogCleanupStopsAtFirstIneligible(t *testing.T) {
	log, clock, _ := newTestLog(t, threeRecordSegments, nil)
	mustAppend(t, log, twoByteRecords(3))
	clock.Advance(8 * time.Second)
	mustAppend(t, log, twoByteRecords(4)) // rolls at t+8s, then again for the 7th record
	mustFlush(t, log)

	clock.Advance(2 * time.Second)
	n, err := log.Cleanup(context.Background(), clock.Now())
	if err != nil || n != 1 {
		t.Fatalf("expected only the first segment deleted: n=%d err=%v", n, err)
	}
	if earliest := log.EarliestOffset(); earliest != 3 {
		t.Fatalf("earliest %d", earliest)
	}
}

func TestPartitionLogCleanupSkipsUnpersistedSegments(t *testing.T) {
	log, clock, _ := newTestLog(t, threeRecordSegments, nil)
	mustAppend(t, log, twoByteRecords(7))
	clock.Advance(time.Minute)
	if n, err := log.Cleanup(context.Background(), clock.Now()); err != nil || n != 0 {
		t.Fatalf("unflushed sealed segments must not be deleted: n=%d err=%v", n, err)
	}
}

func TestResolveOffsets(t *testing.T) {
	log, clock, _ := newTestLog(t, threeRecordSegments, nil)
	mustAppend(t, log, twoByteRecords(10))
	mustFlush(t, log)
	clock.Advance(10 * time.Second)
	if _, err := log.Cleanup(context.Background(), clock.Now()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	ctx := context.Background()
	earliest, latest := log.EarliestOffset(), log.LatestOffset()
	if earliest != 9 || latest != 10 {
		t.Fatalf("bounds [%d, %d]", earliest, latest)
	}

	below, _ := Absolute(0)
	_, err := log.Resolve(ctx, below)
	var rangeErr *OffsetOutOfRangeError
	if !errors.As(err, &rangeErr) || rangeErr.Earliest != 9 || rangeErr.Latest != 10 || !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("expected out of range for deleted offset, got %v", err)
	}
	above, _ := Absolute(11)
	if _, err := log.Resolve(ctx, above); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("expected out of range beyond latest, got %v", err)
	}

	cases := []struct {
		offset Offset
		want   int64
	}{
		{Beginning(), 9},
		{End(), 10},
		{FromBeginning(0), 9},
		{FromBeginning(1000), 10},
		{FromEnd(1), 9},
		{FromEnd(1000), 9},
	}
	for _, tc := range cases {
		got, err := log.Resolve(ctx, tc.offset)
		if err != nil || got != tc.want {
			t.Fatalf("resolve %s: got %d err %v, want %d", tc.offset, got, err, tc.want)
		}
	}
}

func TestResolveLatestIsIdempotent(t *testing.T) {
	log, _, _ := newTestLog(t, threeRecordSegments, nil)
	mustAppend(t, log, twoByteRecords(4))
	mustFlush(t, log)
	first, err := log.Resolve(context.Background(), End())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := log.Resolve(context.Background(), End())
	if err != nil || first != second {
		t.Fatalf("resolve latest changed: %d then %d (%v)", first, second, err)
	}
}

func TestPartitionLogRestoreFromS3(t *testing.T) {
	source, clock, s3 := newTestLog(t, threeRecordSegments, nil)
	mustAppend(t, source, numberedRecords(0, 8))
	mustFlush(t, source)

	restored, err := NewPartitionLog(source.ID(), 0, s3, nil, PartitionLogConfig{
		Retention: threeRecordSegments,
		Segment:   SegmentWriterConfig{IndexIntervalMessages: 2},
		Clock:     clock,
	}, LogHooks{})
	if err != nil {
		t.Fatalf("NewPartitionLog: %v", err)
	}
	last, err := restored.RestoreFromS3(context.Background())
	if err != nil {
		t.Fatalf("RestoreFromS3: %v", err)
	}
	if last != 7 || restored.LatestOffset() != 8 || restored.EarliestOffset() != 0 {
		t.Fatalf("unexpected restore: last=%d latest=%d earliest=%d", last, restored.LatestOffset(), restored.EarliestOffset())
	}
	start, _ := Absolute(4)
	records := readAll(t, restored, start)
	if len(records) != 4 || string(records[0].Value) != "4" || string(records[3].Value) != "7" {
		t.Fatalf("unexpected restored records %+v", records)
	}
	res := mustAppend(t, restored, numberedRecords(8, 9))
	if res.BaseOffset != 8 {
		t.Fatalf("append after restore got base %d", res.BaseOffset)
	}
	if _, err := restored.RestoreFromS3(context.Background()); err == nil {
		t.Fatalf("restore must refuse a log with records")
	}
}

func TestPartitionLogOffloadReadsThroughCache(t *testing.T) {
	segmentCache := cache.NewSegmentCache(1 << 20)
	clock := clockwork.NewFakeClockAt(testEpoch)
	s3 := NewMemoryS3Client()
	var ops []string
	log, err := NewPartitionLog(PartitionID{Topic: "orders"}, 0, s3, segmentCache, PartitionLogConfig{
		Retention:     threeRecordSegments,
		OffloadSealed: true,
		CacheEnabled:  true,
		Clock:         clock,
	}, LogHooks{OnS3Op: func(op string, _ time.Duration, _ error) { ops = append(ops, op) }})
	if err != nil {
		t.Fatalf("NewPartitionLog: %v", err)
	}
	mustAppend(t, log, numberedRecords(0, 7))
	mustFlush(t, log)
	stats := log.Stats()
	if !stats.Segments[0].Offloaded || stats.Segments[2].Offloaded {
		t.Fatalf("expected sealed segments offloaded only: %+v", stats.Segments)
	}
	records := readAll(t, log, Beginning())
	if len(records) != 7 || string(records[6].Value) != "6" {
		t.Fatalf("unexpected records %+v", records)
	}
	if hits := segmentCache.Stats().Hits; hits < 2 {
		t.Fatalf("expected cache hits for offloaded segments, got %d", hits)
	}
	for _, op := range ops {
		if op == "download_segment" {
			t.Fatalf("cached segments must not be downloaded")
		}
	}
}

func TestPartitionLogCleanupEvictsCache(t *testing.T) {
	segmentCache := cache.NewSegmentCache(1 << 20)
	clock := clockwork.NewFakeClockAt(testEpoch)
	log, err := NewPartitionLog(PartitionID{Topic: "orders"}, 0, NewMemoryS3Client(), segmentCache, PartitionLogConfig{
		Retention:    threeRecordSegments,
		CacheEnabled: true,
		Clock:        clock,
	}, LogHooks{})
	if err != nil {
		t.Fatalf("NewPartitionLog: %v", err)
	}
	mustAppend(t, log, twoByteRecords(4))
	mustFlush(t, log)
	if entries := segmentCache.Stats().Entries; entries != 1 {
		t.Fatalf("expected sealed segment cached, got %d", entries)
	}
	clock.Advance(10 * time.Second)
	if _, err := log.Cleanup(context.Background(), clock.Now()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if entries := segmentCache.Stats().Entries; entries != 0 {
		t.Fatalf("expected deleted segment evicted, got %d", entries)
	}
}

// afterDownloadS3 runs a hook once a segment body has been fetched.
type afterDownloadS3 struct {
	*MemoryS3Client
	afterDownload func()
}

func (s *afterDownloadS3) DownloadSegment(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	data, err := s.MemoryS3Client.DownloadSegment(ctx, key, rng)
	if s.afterDownload != nil {
		s.afterDownload()
	}
	return data, err
}

func TestPartitionLogDoesNotCacheSegmentDeletedDuringDownload(t *testing.T) {
	segmentCache := cache.NewSegmentCache(1 << 20)
	clock := clockwork.NewFakeClockAt(testEpoch)
	s3 := &afterDownloadS3{MemoryS3Client: NewMemoryS3Client()}
	log, err := NewPartitionLog(PartitionID{Topic: "orders"}, 0, s3, segmentCache, PartitionLogConfig{
		Retention:     threeRecordSegments,
		OffloadSealed: true,
		CacheEnabled:  true,
		Clock:         clock,
	}, LogHooks{})
	if err != nil {
		t.Fatalf("NewPartitionLog: %v", err)
	}
	mustAppend(t, log, twoByteRecords(4))
	mustFlush(t, log)
	first := log.set.Load().segments[0]
	segmentCache.DeleteSegment(log.id.String(), first.baseOffset)

	s3.afterDownload = func() {
		clock.Advance(10 * time.Second)
		if _, err := log.Cleanup(context.Background(), clock.Now()); err != nil {
			t.Errorf("Cleanup: %v", err)
		}
	}
	if _, err := log.loadRemote(context.Background(), first); err != nil {
		t.Fatalf("loadRemote: %v", err)
	}
	if !first.Deleted() {
		t.Fatalf("expected first segment deleted")
	}
	if _, ok := segmentCache.GetSegment(log.id.String(), first.baseOffset); ok {
		t.Fatalf("deleted segment must not stay cached")
	}
}

func TestRetentionScenarioNeverReplaysSilently(t *testing.T) {
	var rollovers int
	log, clock, _ := newTestLog(t, RetentionPolicy{Retention: 10 * time.Second, SegmentBytes: 10000}, func(_ *PartitionLogConfig, hooks *LogHooks) {
		hooks.OnRollover = func(SegmentInfo) { rollovers++ }
	})
	res := mustAppend(t, log, numberedRecords(0, 10000))
	if res.BaseOffset != 0 || res.LastOffset() != 9999 {
		t.Fatalf("unexpected offsets %+v", res)
	}
	mustFlush(t, log)
	if rollovers == 0 {
		t.Fatalf("expected rollovers for 10000 records")
	}

	clock.Advance(11 * time.Second)
	if _, err := log.Cleanup(context.Background(), clock.Now()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	start, _ := Absolute(0)
	var replayed int
	for _, err := range log.Stream(context.Background(), start) {
		if err != nil {
			if !errors.Is(err, ErrOffsetOutOfRange) {
				t.Fatalf("expected out of range, got %v", err)
			}
			break
		}
		replayed++
	}
	if replayed != 0 {
		t.Fatalf("expected no silent replay, got %d records", replayed)
	}
	if earliest := log.EarliestOffset(); earliest == 0 || earliest > 10000 {
		t.Fatalf("unexpected earliest %d", earliest)
	}
}

func TestPartitionLogClose(t *testing.T) {
	log, _, _ := newTestLog(t, threeRecordSegments, nil)
	mustAppend(t, log, twoByteRecords(2))
	if err := log.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if log.LatestOffset() != 2 {
		t.Fatalf("close must flush, latest=%d", log.LatestOffset())
	}
	_, err := log.Append(context.Background(), twoByteRecords(1))
	if !errors.Is(err, ErrLogClosed) || !errors.Is(err, ErrAppendFailure) {
		t.Fatalf("expected closed append failure, got %v", err)
	}
	if _, err := log.Resolve(context.Background(), Beginning()); !errors.Is(err, ErrLogClosed) {
		t.Fatalf("expected closed resolve, got %v", err)
	}
}
