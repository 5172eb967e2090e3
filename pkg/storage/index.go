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
	"sort"
)

const (
	indexMagic   = "IDX\x00"
	indexVersion = 2
	indexRowLen  = 12
)

// IndexBuilder tracks offsets and body positions for sparse indexing. Entries
// are only ever appended, so a prefix handed to readers stays valid.
type IndexBuilder struct {
	interval  int32
	sinceLast int32
	entries   []IndexEntry
}

// NewIndexBuilder creates a builder that emits an entry every interval records.
func NewIndexBuilder(interval int32) *IndexBuilder {
	if interval <= 0 {
		interval = 1
	}
	return &IndexBuilder{interval: interval}
}

// MaybeAdd records an index entry when the interval has elapsed or no entry exists yet.
func (b *IndexBuilder) MaybeAdd(offset int64, position int32) {
	if len(b.entries) == 0 || b.sinceLast >= b.interval {
		b.entries = append(b.entries, IndexEntry{Offset: offset, Position: position})
		b.sinceLast = 0
	}
	b.sinceLast++
}

// Entries returns the recorded entries without copying. Callers must not modify them.
func (b *IndexBuilder) Entries() []IndexEntry {
	return b.entries[:len(b.entries):len(b.entries)]
}

// BuildBytes encodes the index header and entries.
func (b *IndexBuilder) BuildBytes() ([]byte, error) {
	return encodeIndex(b.interval, b.entries)
}

func encodeIndex(interval int32, entries []IndexEntry) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 16+len(entries)*indexRowLen))
	buf.WriteString(indexMagic)
	if err := binary.Write(buf, binary.BigEndian, uint16(indexVersion)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, int32(len(entries))); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, interval); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(0)); err != nil { // reserved
		return nil, err
	}
	for _, entry := range entries {
		if err := binary.Write(buf, binary.BigEndian, entry.Offset); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.BigEndian, entry.Position); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ParseIndex validates and returns entries from serialized bytes.
func ParseIndex(data []byte) ([]IndexEntry, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("index too small")
	}
	if string(data[:4]) != indexMagic {
		return nil, fmt.Errorf("invalid index magic")
	}
	if version := binary.BigEndian.Uint16(data[4:6]); version != indexVersion {
		return nil, fmt.Errorf("unsupported index version %d", version)
	}
	count := int(int32(binary.BigEndian.Uint32(data[6:10])))
	if count < 0 || 16+count*indexRowLen > len(data) {
		return nil, fmt.Errorf("index entry count %d exceeds payload", count)
	}
	entries := make([]IndexEntry, count)
	row := data[16:]
	for i := range entries {
		entries[i] = IndexEntry{
			Offset:   int64(binary.BigEndian.Uint64(row[0:8])),
			Position: int32(binary.BigEndian.Uint32(row[8:12])),
		}
		row = row[indexRowLen:]
	}
	return entries, nil
}

// floorEntry returns the last entry whose offset is <= offset.
func floorEntry(entries []IndexEntry, offset int64) (IndexEntry, bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Offset > offset
	})
	if i == 0 {
		return IndexEntry{}, false
	}
	return entries[i-1], true
}
