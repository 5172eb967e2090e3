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
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/novatechflow/seglog/pkg/cache"
)

// PartitionLogConfig configures per-partition log behavior.
type PartitionLogConfig struct {
	Retention RetentionPolicy
	// SegmentRollInterval rolls a non-empty active segment once it is this old. Zero disables.
	SegmentRollInterval time.Duration
	Buffer              WriteBufferConfig
	Segment             SegmentWriterConfig
	// MaxLogBytes caps retained record bytes. Zero is unlimited.
	MaxLogBytes int64
	// MaxRecordBytes caps a single encoded record. Zero is unlimited.
	MaxRecordBytes int
	// OffloadSealed drops sealed segment bytes from memory once persisted.
	OffloadSealed bool
	CacheEnabled  bool
	// TailPollInterval bounds how long a tailing cursor sleeps without a wake. Zero waits for wakes only.
	TailPollInterval time.Duration
	Clock            clockwork.Clock
	Logger           *slog.Logger
}

// LogHooks receive partition events. Any hook may be nil.
type LogHooks struct {
	OnAppend            func(records, bytes int)
	OnFlush             func(context.Context, FlushResult)
	OnS3Op              func(op string, latency time.Duration, err error)
	OnRollover          func(sealed SegmentInfo)
	OnSegmentDeleted    func(SegmentInfo)
	OnCursorInvalidated func(*GapError)
}

// PartitionLog is the segment manager of one partition. Appends, flushes and
// cleanup serialize on writeMu; readers work from atomically published
// snapshots and never take it.
type PartitionLog struct {
	id     PartitionID
	s3     S3Client
	cache  *cache.SegmentCache
	cfg    PartitionLogConfig
	hooks  LogHooks
	clock  clockwork.Clock
	logger *slog.Logger

	writeMu    sync.Mutex
	buffer     *WriteBuffer
	nextOffset int64

	set        atomic.Pointer[segmentSet]
	committed  atomic.Int64
	totalBytes atomic.Int64
	closed     atomic.Bool
	notify     *notifier
}

// NewPartitionLog constructs an empty log whose first record gets startOffset.
func NewPartitionLog(id PartitionID, startOffset int64, s3Client S3Client, segmentCache *cache.SegmentCache, cfg PartitionLogConfig, hooks LogHooks) (*PartitionLog, error) {
	if err := cfg.Retention.Validate(); err != nil {
		return nil, err
	}
	if startOffset < 0 {
		return nil, fmt.Errorf("start offset must be non-negative, got %d", startOffset)
	}
	if id.Namespace == "" {
		id.Namespace = "default"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Clock.Now()
	l := &PartitionLog{
		id:         id,
		s3:         s3Client,
		cache:      segmentCache,
		cfg:        cfg,
		hooks:      hooks,
		clock:      cfg.Clock,
		logger:     logger.With("component", "partition-log", "partition", id.String()),
		buffer:     NewWriteBuffer(cfg.Buffer, now),
		nextOffset: startOffset,
		notify:     newNotifier(),
	}
	l.set.Store(&segmentSet{segments: []*Segment{newSegment(startOffset, now, cfg.Segment.IndexIntervalMessages)}})
	l.committed.Store(startOffset)
	return l, nil
}

// ID returns the partition identity.
func (l *PartitionLog) ID() PartitionID {
	return l.id
}

// Policy returns the retention policy the log enforces.
func (l *PartitionLog) Policy() RetentionPolicy {
	return l.cfg.Retention
}

// Append assigns sequential offsets to records and writes them to the active
// segment, rolling over first when a record would overflow it. On failure the
// records before AppendError.Accepted keep their offsets.
func (l *PartitionLog) Append(ctx context.Context, records []Record) (AppendResult, error) {
	l.writeMu.Lock()
	result := AppendResult{BaseOffset: l.nextOffset}
	if l.closed.Load() {
		l.writeMu.Unlock()
		return result, &AppendError{BaseOffset: result.BaseOffset, Err: ErrLogClosed}
	}

	var appendErr error
	appendedBytes := 0
	now := l.clock.Now()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			appendErr = err
			break
		}
		size := EncodedSize(rec.Key, rec.Value)
		if l.cfg.MaxRecordBytes > 0 && size > l.cfg.MaxRecordBytes {
			appendErr = fmt.Errorf("%w: %d bytes exceeds %d", ErrRecordTooLarge, size, l.cfg.MaxRecordBytes)
			break
		}
		if l.cfg.MaxLogBytes > 0 && l.totalBytes.Load()+int64(size) > l.cfg.MaxLogBytes {
			appendErr = fmt.Errorf("%w: %d of %d bytes used", ErrStorageFull, l.totalBytes.Load(), l.cfg.MaxLogBytes)
			break
		}
		l.maybeRollLocked(size, now)
		rec.Offset = l.nextOffset
		rec.Timestamp = now
		l.set.Load().active().append(rec)
		l.nextOffset++
		l.totalBytes.Add(int64(size))
		l.buffer.Add(size)
		result.Count++
		appendedBytes += size
	}

	var flushed *FlushResult
	if result.Count > 0 && l.buffer.ShouldFlush(now) {
		res, err := l.flushLocked(ctx)
		if err != nil {
			l.logger.Warn("automatic flush failed", "error", err)
		} else {
			flushed = &res
		}
	}
	l.writeMu.Unlock()

	if result.Count > 0 && l.hooks.OnAppend != nil {
		l.hooks.OnAppend(result.Count, appendedBytes)
	}
	if flushed != nil && l.hooks.OnFlush != nil {
		l.hooks.OnFlush(ctx, *flushed)
	}
	if appendErr != nil {
		return result, &AppendError{Accepted: result.Count, BaseOffset: result.BaseOffset, Err: appendErr}
	}
	return result, nil
}

func (l *PartitionLog) maybeRollLocked(size int, now time.Time) {
	active := l.set.Load().active()
	if active.count == 0 {
		return
	}
	bySize := active.sizeBytes+size > l.cfg.Retention.SegmentBytes
	byAge := l.cfg.SegmentRollInterval > 0 && now.Sub(active.createdAt) >= l.cfg.SegmentRollInterval
	if !bySize && !byAge {
		return
	}
	l.rollLocked(now)
}

// rollLocked seals the active segment at nextOffset and appends a fresh one
// starting at the same offset.
func (l *PartitionLog) rollLocked(now time.Time) {
	set := l.set.Load()
	sealed := set.active()
	sealed.seal()
	l.set.Store(set.withAppended(newSegment(l.nextOffset, now, l.cfg.Segment.IndexIntervalMessages)))
	l.logger.Debug("segment rolled", "base_offset", sealed.baseOffset, "end_offset", sealed.end, "bytes", sealed.sizeBytes)
	if l.hooks.OnRollover != nil {
		l.hooks.OnRollover(SegmentInfo{
			BaseOffset:   sealed.baseOffset,
			EndOffset:    sealed.end,
			SizeBytes:    sealed.sizeBytes,
			CreatedAt:    sealed.createdAt,
			MaxTimestamp: sealed.maxTimestamp,
			Sealed:       true,
		})
	}
}

// Flush persists every accepted record and makes it visible to readers.
func (l *PartitionLog) Flush(ctx context.Context) (FlushResult, error) {
	l.writeMu.Lock()
	res, err := l.flushLocked(ctx)
	l.writeMu.Unlock()
	if err != nil {
		return res, err
	}
	if res.Segments > 0 && l.hooks.OnFlush != nil {
		l.hooks.OnFlush(ctx, res)
	}
	return res, nil
}

// MaybeFlush flushes when the write buffer thresholds say so.
func (l *PartitionLog) MaybeFlush(ctx context.Context, now time.Time) (bool, error) {
	l.writeMu.Lock()
	if !l.buffer.ShouldFlush(now) {
		l.writeMu.Unlock()
		return false, nil
	}
	res, err := l.flushLocked(ctx)
	l.writeMu.Unlock()
	if err != nil {
		return false, err
	}
	if l.hooks.OnFlush != nil {
		l.hooks.OnFlush(ctx, res)
	}
	return true, nil
}

func (l *PartitionLog) flushLocked(ctx context.Context) (FlushResult, error) {
	start := l.clock.Now()
	res := FlushResult{Committed: l.committed.Load()}
	for _, seg := range l.set.Load().segments {
		if !seg.dirty() {
			continue
		}
		artifact, err := seg.artifact()
		if err != nil {
			return res, fmt.Errorf("build segment %d: %w", seg.baseOffset, err)
		}
		if err := l.upload(ctx, artifact); err != nil {
			return res, err
		}
		if seg.sealed && l.cache != nil && l.cfg.CacheEnabled {
			l.cache.SetSegment(l.id.String(), seg.baseOffset, seg.buf)
		}
		seg.publish()
		if seg.sealed && l.cfg.OffloadSealed {
			seg.offload()
		}
		l.committed.Store(seg.end)
		res.Segments++
		res.Bytes += len(artifact.SegmentBytes)
		res.Committed = seg.end
	}
	l.buffer.Reset(l.clock.Now())
	res.Duration = l.clock.Since(start)
	if res.Segments > 0 {
		l.notify.broadcast()
	}
	return res, nil
}

func (l *PartitionLog) upload(ctx context.Context, artifact *SegmentArtifact) error {
	segmentKey := l.segmentKey(artifact.BaseOffset)
	start := l.clock.Now()
	err := l.s3.UploadSegment(ctx, segmentKey, artifact.SegmentBytes)
	l.observeS3("upload_segment", start, err)
	if err != nil {
		return fmt.Errorf("upload segment %s: %w", segmentKey, err)
	}
	indexKey := l.indexKey(artifact.BaseOffset)
	start = l.clock.Now()
	err = l.s3.UploadIndex(ctx, indexKey, artifact.IndexBytes)
	l.observeS3("upload_index", start, err)
	if err != nil {
		return fmt.Errorf("upload index %s: %w", indexKey, err)
	}
	return nil
}

// Cleanup deletes sealed, persisted segments whose age is at least the
// retention window, oldest first. The active segment is never deleted and the
// pass stops at the first segment that is not eligible.
func (l *PartitionLog) Cleanup(ctx context.Context, now time.Time) (int, error) {
	l.writeMu.Lock()
	set := l.set.Load()
	n := 0
	for _, seg := range set.segments[:len(set.segments)-1] {
		view := seg.view.Load()
		if !view.sealed || now.Sub(seg.createdAt) < l.cfg.Retention.Retention {
			break
		}
		n++
	}
	if n == 0 {
		l.writeMu.Unlock()
		return 0, nil
	}
	doomed := set.segments[:n]
	next := set.withoutPrefix(n)
	for _, seg := range doomed {
		seg.deleted.Store(true)
		l.totalBytes.Add(-int64(seg.sizeBytes))
	}
	l.set.Store(next)
	l.writeMu.Unlock()
	l.notify.broadcast()

	keys := make([]string, 0, 2*n)
	for _, seg := range doomed {
		keys = append(keys, l.segmentKey(seg.baseOffset), l.indexKey(seg.baseOffset))
		if l.cache != nil {
			l.cache.DeleteSegment(l.id.String(), seg.baseOffset)
		}
		if l.hooks.OnSegmentDeleted != nil {
			l.hooks.OnSegmentDeleted(seg.Info())
		}
	}
	l.logger.Info("retention cleanup", "segments", n, "earliest_offset", next.earliest().baseOffset)

	start := l.clock.Now()
	err := l.s3.DeleteObjects(ctx, keys)
	l.observeS3("delete_objects", start, err)
	if err != nil {
		return n, fmt.Errorf("delete expired segments: %w", err)
	}
	return n, nil
}

// EarliestOffset returns the lowest retained offset.
func (l *PartitionLog) EarliestOffset() int64 {
	return l.set.Load().earliest().baseOffset
}

// LatestOffset returns the committed end: the offset the next visible record will get.
func (l *PartitionLog) LatestOffset() int64 {
	return l.committed.Load()
}

// NextOffset returns the offset the next appended record will get, flushed or not.
func (l *PartitionLog) NextOffset() int64 {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.nextOffset
}

// Resolve maps a requested position onto an absolute offset in
// [earliest, latest]. Absolute offsets outside that range fail with
// *OffsetOutOfRangeError; relative ones clamp.
func (l *PartitionLog) Resolve(ctx context.Context, req Offset) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if l.closed.Load() {
		return 0, ErrLogClosed
	}
	// Cleanup only drops committed segments, so an earliest taken from a set
	// that is still current after latest was read never exceeds latest.
	for {
		set := l.set.Load()
		latest := l.LatestOffset()
		if l.set.Load() == set {
			return req.Within(set.earliest().baseOffset, latest)
		}
	}
}

// Stats returns a lock-free view of the log.
func (l *PartitionLog) Stats() PartitionStats {
	set := l.set.Load()
	infos := make([]SegmentInfo, 0, len(set.segments))
	for _, seg := range set.segments {
		infos = append(infos, seg.Info())
	}
	return PartitionStats{
		ID:              l.id,
		EarliestOffset:  set.earliest().baseOffset,
		CommittedOffset: l.committed.Load(),
		TotalBytes:      l.totalBytes.Load(),
		SnapshotVersion: set.version,
		Segments:        infos,
	}
}

// Close flushes pending records and wakes every tailing cursor.
func (l *PartitionLog) Close(ctx context.Context) error {
	l.writeMu.Lock()
	if l.closed.Load() {
		l.writeMu.Unlock()
		return nil
	}
	_, err := l.flushLocked(ctx)
	l.closed.Store(true)
	l.writeMu.Unlock()
	l.notify.broadcast()
	return err
}

// RestoreFromS3 rebuilds the segment set from persisted objects. It only runs
// on a log that has not accepted records and returns the last restored offset,
// or -1 when nothing was found.
func (l *PartitionLog) RestoreFromS3(ctx context.Context) (int64, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if set := l.set.Load(); len(set.segments) != 1 || set.active().count != 0 {
		return -1, fmt.Errorf("restore %s: log already has records", l.id)
	}

	prefix := l.id.prefix()
	start := l.clock.Now()
	objects, err := l.s3.ListSegments(ctx, prefix)
	l.observeS3("list_segments", start, err)
	if err != nil {
		return -1, fmt.Errorf("list segments %s: %w", prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})

	segments := make([]*Segment, 0, len(objects)+1)
	var total int64
	for _, obj := range objects {
		base, ok := parseSegmentBaseOffset(obj.Key)
		if !ok || obj.Size < segmentHeaderLen+segmentFooterLen {
			continue
		}
		seg, err := l.restoreSegment(ctx, obj, base)
		if err != nil {
			return -1, err
		}
		if n := len(segments); n > 0 && segments[n-1].end != seg.baseOffset {
			return -1, fmt.Errorf("%w: segment %d does not follow end offset %d", ErrCorruptSegment, seg.baseOffset, segments[n-1].end)
		}
		segments = append(segments, seg)
		total += int64(seg.sizeBytes)
	}
	if len(segments) == 0 {
		return -1, nil
	}

	end := segments[len(segments)-1].end
	segments = append(segments, newSegment(end, l.clock.Now(), l.cfg.Segment.IndexIntervalMessages))
	l.set.Store(&segmentSet{version: l.set.Load().version + 1, segments: segments})
	l.nextOffset = end
	l.committed.Store(end)
	l.totalBytes.Store(total)
	l.logger.Info("restored partition", "segments", len(segments)-1, "earliest_offset", segments[0].baseOffset, "next_offset", end)
	return end - 1, nil
}

func (l *PartitionLog) restoreSegment(ctx context.Context, obj S3Object, base int64) (*Segment, error) {
	start := l.clock.Now()
	headerBytes, err := l.s3.DownloadSegment(ctx, obj.Key, &ByteRange{Start: 0, End: segmentHeaderLen - 1})
	l.observeS3("download_segment_header", start, err)
	if err != nil {
		return nil, fmt.Errorf("download header %s: %w", obj.Key, err)
	}
	header, err := parseSegmentHeader(headerBytes)
	if err != nil {
		return nil, fmt.Errorf("parse header %s: %w", obj.Key, err)
	}
	if header.baseOffset != base {
		return nil, fmt.Errorf("%w: %s header base offset %d", ErrCorruptSegment, obj.Key, header.baseOffset)
	}

	start = l.clock.Now()
	footerBytes, err := l.s3.DownloadSegment(ctx, obj.Key, &ByteRange{Start: obj.Size - segmentFooterLen, End: obj.Size - 1})
	l.observeS3("download_segment_footer", start, err)
	if err != nil {
		return nil, fmt.Errorf("download footer %s: %w", obj.Key, err)
	}
	_, lastOffset, err := parseSegmentFooter(footerBytes)
	if err != nil {
		return nil, fmt.Errorf("parse footer %s: %w", obj.Key, err)
	}

	indexKey := l.indexKey(base)
	start = l.clock.Now()
	indexBytes, err := l.s3.DownloadIndex(ctx, indexKey)
	l.observeS3("download_index", start, err)
	if err != nil {
		return nil, fmt.Errorf("download index %s: %w", indexKey, err)
	}
	entries, err := ParseIndex(indexBytes)
	if err != nil {
		return nil, fmt.Errorf("parse index %s: %w", indexKey, err)
	}
	size := int(obj.Size) - segmentHeaderLen - segmentFooterLen
	return restoredSegment(base, lastOffset+1, header.created, size, entries), nil
}

// loadRemote returns the record body of an offloaded segment from the cache
// or the object store.
func (l *PartitionLog) loadRemote(ctx context.Context, seg *Segment) ([]byte, error) {
	if l.cache != nil && l.cfg.CacheEnabled {
		if body, ok := l.cache.GetSegment(l.id.String(), seg.baseOffset); ok {
			return body, nil
		}
	}
	key := l.segmentKey(seg.baseOffset)
	start := l.clock.Now()
	data, err := l.s3.DownloadSegment(ctx, key, nil)
	l.observeS3("download_segment", start, err)
	if err != nil {
		return nil, fmt.Errorf("download segment %s: %w", key, err)
	}
	_, body, _, err := ParseSegment(data)
	if err != nil {
		return nil, fmt.Errorf("parse segment %s: %w", key, err)
	}
	if l.cache != nil && l.cfg.CacheEnabled && !seg.Deleted() {
		l.cache.SetSegment(l.id.String(), seg.baseOffset, body)
		// Cleanup may have evicted between the check and the insert.
		if seg.Deleted() {
			l.cache.DeleteSegment(l.id.String(), seg.baseOffset)
		}
	}
	return body, nil
}

func (l *PartitionLog) observeS3(op string, start time.Time, err error) {
	if l.hooks.OnS3Op != nil {
		l.hooks.OnS3Op(op, l.clock.Since(start), err)
	}
}

func (l *PartitionLog) segmentKey(baseOffset int64) string {
	return path.Join(l.id.prefix(), fmt.Sprintf("segment-%020d.kfs", baseOffset))
}

func (l *PartitionLog) indexKey(baseOffset int64) string {
	return path.Join(l.id.prefix(), fmt.Sprintf("segment-%020d.index", baseOffset))
}

func parseSegmentBaseOffset(key string) (int64, bool) {
	name := path.Base(key)
	if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".kfs") {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".kfs")
	if raw == "" {
		return 0, false
	}
	base, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return base, true
}
