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
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync/atomic"
	"time"
)

const (
	segmentMagic         = "KAFS"
	footerMagic          = "END!"
	segmentHeaderLen     = 32
	segmentFooterLen     = 16
	segmentFormatVersion = 2
	segmentFlagSealed    = 1
)

var (
	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

// segmentView is the published, immutable state of a segment. data and index
// are prefixes of the writer's append-only buffers.
type segmentView struct {
	data         []byte
	index        []IndexEntry
	end          int64
	size         int
	maxTimestamp time.Time
	sealed       bool
	offloaded    bool
}

// Segment is a contiguous run of records starting at baseOffset. Fields without
// atomics are owned by the partition writer.
type Segment struct {
	baseOffset int64
	createdAt  time.Time

	buf          []byte
	index        *IndexBuilder
	end          int64
	count        int32
	maxTimestamp time.Time
	sealed       bool
	flushed      int
	sizeBytes    int

	view      atomic.Pointer[segmentView]
	sealedEnd atomic.Int64
	deleted   atomic.Bool
}

func newSegment(baseOffset int64, created time.Time, indexInterval int32) *Segment {
	s := &Segment{
		baseOffset: baseOffset,
		createdAt:  created,
		index:      NewIndexBuilder(indexInterval),
		end:        baseOffset,
	}
	s.sealedEnd.Store(-1)
	s.view.Store(&segmentView{end: baseOffset})
	return s
}

// restoredSegment describes a sealed segment whose bytes live in the object store.
func restoredSegment(baseOffset, end int64, created time.Time, size int, index []IndexEntry) *Segment {
	s := &Segment{
		baseOffset: baseOffset,
		createdAt:  created,
		end:        end,
		sealed:     true,
		sizeBytes:  size,
	}
	s.sealedEnd.Store(end)
	s.view.Store(&segmentView{
		index:     index,
		end:       end,
		size:      size,
		sealed:    true,
		offloaded: true,
	})
	return s
}

// BaseOffset returns the first offset of the segment.
func (s *Segment) BaseOffset() int64 {
	return s.baseOffset
}

// CreatedAt returns the segment creation time.
func (s *Segment) CreatedAt() time.Time {
	return s.createdAt
}

// Deleted reports whether cleanup removed the segment.
func (s *Segment) Deleted() bool {
	return s.deleted.Load()
}

// Info returns the published state.
func (s *Segment) Info() SegmentInfo {
	v := s.view.Load()
	return SegmentInfo{
		BaseOffset:   s.baseOffset,
		EndOffset:    v.end,
		SizeBytes:    v.size,
		CreatedAt:    s.createdAt,
		MaxTimestamp: v.maxTimestamp,
		Sealed:       v.sealed,
		Offloaded:    v.offloaded,
	}
}

func (s *Segment) append(rec Record) {
	position := len(s.buf)
	s.buf = appendRecord(s.buf, rec)
	s.index.MaybeAdd(rec.Offset, int32(position))
	s.end = rec.Offset + 1
	s.count++
	s.sizeBytes = len(s.buf)
	if rec.Timestamp.After(s.maxTimestamp) {
		s.maxTimestamp = rec.Timestamp
	}
}

func (s *Segment) seal() {
	s.sealed = true
	s.sealedEnd.Store(s.end)
}

func (s *Segment) dirty() bool {
	if len(s.buf) > s.flushed {
		return true
	}
	return s.sealed && !s.view.Load().sealed
}

// publish exposes everything appended so far to readers.
func (s *Segment) publish() {
	n := len(s.buf)
	s.view.Store(&segmentView{
		data:         s.buf[:n:n],
		index:        s.index.Entries(),
		end:          s.end,
		size:         s.sizeBytes,
		maxTimestamp: s.maxTimestamp,
		sealed:       s.sealed,
	})
	s.flushed = n
}

// offload drops the in-memory body of a sealed, published segment.
func (s *Segment) offload() {
	v := s.view.Load()
	if !v.sealed || v.offloaded {
		return
	}
	next := *v
	next.data = nil
	next.offloaded = true
	s.view.Store(&next)
	s.buf = nil
}

func (s *Segment) artifact() (*SegmentArtifact, error) {
	indexBytes, err := s.index.BuildBytes()
	if err != nil {
		return nil, err
	}
	return BuildSegment(s.baseOffset, s.end-1, s.count, s.createdAt, s.sealed, s.buf, indexBytes), nil
}

// BuildSegment frames an encoded record body with the segment header and footer.
func BuildSegment(baseOffset, lastOffset int64, count int32, created time.Time, sealed bool, body []byte, indexBytes []byte) *SegmentArtifact {
	crc := crc32.Checksum(body, crcTable)
	var flags uint16
	if sealed {
		flags |= segmentFlagSealed
	}
	header := buildHeader(baseOffset, count, created, flags)
	footer := buildFooter(crc, lastOffset)

	segment := bytes.NewBuffer(make([]byte, 0, len(header)+len(body)+len(footer)))
	segment.Write(header)
	segment.Write(body)
	segment.Write(footer)

	return &SegmentArtifact{
		BaseOffset:   baseOffset,
		LastOffset:   lastOffset,
		MessageCount: count,
		CreatedAt:    created,
		Sealed:       sealed,
		SegmentBytes: segment.Bytes(),
		IndexBytes:   indexBytes,
	}
}

func buildHeader(baseOffset int64, messageCount int32, created time.Time, flags uint16) []byte {
	buf := make([]byte, 0, segmentHeaderLen)
	buf = append(buf, segmentMagic...)
	buf = binary.BigEndian.AppendUint16(buf, segmentFormatVersion)
	buf = binary.BigEndian.AppendUint16(buf, flags)
	buf = binary.BigEndian.AppendUint64(buf, uint64(baseOffset))
	buf = binary.BigEndian.AppendUint32(buf, uint32(messageCount))
	buf = binary.BigEndian.AppendUint64(buf, uint64(created.UnixMilli()))
	buf = binary.BigEndian.AppendUint32(buf, 0) // reserved
	return buf
}

func buildFooter(crc uint32, lastOffset int64) []byte {
	buf := make([]byte, 0, segmentFooterLen)
	buf = binary.BigEndian.AppendUint32(buf, crc)
	buf = binary.BigEndian.AppendUint64(buf, uint64(lastOffset))
	buf = append(buf, footerMagic...)
	return buf
}

type segmentHeader struct {
	baseOffset   int64
	messageCount int32
	created      time.Time
	flags        uint16
}

func parseSegmentHeader(data []byte) (segmentHeader, error) {
	if len(data) < segmentHeaderLen {
		return segmentHeader{}, fmt.Errorf("%w: header too small", ErrCorruptSegment)
	}
	if string(data[:4]) != segmentMagic {
		return segmentHeader{}, fmt.Errorf("%w: invalid segment magic", ErrCorruptSegment)
	}
	if version := binary.BigEndian.Uint16(data[4:6]); version != segmentFormatVersion {
		return segmentHeader{}, fmt.Errorf("%w: unsupported segment version %d", ErrCorruptSegment, version)
	}
	return segmentHeader{
		flags:        binary.BigEndian.Uint16(data[6:8]),
		baseOffset:   int64(binary.BigEndian.Uint64(data[8:16])),
		messageCount: int32(binary.BigEndian.Uint32(data[16:20])),
		created:      time.UnixMilli(int64(binary.BigEndian.Uint64(data[20:28]))),
	}, nil
}

func parseSegmentFooter(data []byte) (uint32, int64, error) {
	if len(data) < segmentFooterLen {
		return 0, 0, fmt.Errorf("%w: footer too small", ErrCorruptSegment)
	}
	footer := data[len(data)-segmentFooterLen:]
	if string(footer[12:16]) != footerMagic {
		return 0, 0, fmt.Errorf("%w: invalid footer magic", ErrCorruptSegment)
	}
	crc := binary.BigEndian.Uint32(footer[0:4])
	lastOffset := int64(binary.BigEndian.Uint64(footer[4:12]))
	return crc, lastOffset, nil
}

// ParseSegment validates a serialized segment and returns its record body.
func ParseSegment(data []byte) (segmentHeader, []byte, int64, error) {
	header, err := parseSegmentHeader(data)
	if err != nil {
		return segmentHeader{}, nil, 0, err
	}
	if len(data) < segmentHeaderLen+segmentFooterLen {
		return segmentHeader{}, nil, 0, fmt.Errorf("%w: segment too small", ErrCorruptSegment)
	}
	crc, lastOffset, err := parseSegmentFooter(data)
	if err != nil {
		return segmentHeader{}, nil, 0, err
	}
	body := data[segmentHeaderLen : len(data)-segmentFooterLen]
	if crc32.Checksum(body, crcTable) != crc {
		return segmentHeader{}, nil, 0, fmt.Errorf("%w: body checksum mismatch for base offset %d", ErrCorruptSegment, header.baseOffset)
	}
	return header, body, lastOffset, nil
}
