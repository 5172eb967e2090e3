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
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// Record frame layout (big endian):
//
//	length    uint32  bytes that follow
//	offset    int64
//	timestamp int64   unix millis
//	keyLen    int32   -1 for a null key
//	key       []byte
//	valueLen  int32
//	value     []byte
//	crc       uint32  castagnoli over offset..value
const (
	recordOverhead = 32
	// nullKeyLen is int32(-1) on the wire.
	nullKeyLen uint32 = 0xFFFFFFFF
)

// EncodedSize returns the on-segment size of a record with the given key and value.
func EncodedSize(key, value []byte) int {
	return recordOverhead + len(key) + len(value)
}

func appendRecord(dst []byte, rec Record) []byte {
	start := len(dst)
	dst = binary.BigEndian.AppendUint32(dst, uint32(EncodedSize(rec.Key, rec.Value)-4))
	dst = binary.BigEndian.AppendUint64(dst, uint64(rec.Offset))
	dst = binary.BigEndian.AppendUint64(dst, uint64(rec.Timestamp.UnixMilli()))
	if rec.Key == nil {
		dst = binary.BigEndian.AppendUint32(dst, nullKeyLen)
	} else {
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(rec.Key)))
		dst = append(dst, rec.Key...)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(rec.Value)))
	dst = append(dst, rec.Value...)
	crc := crc32.Checksum(dst[start+4:], crcTable)
	return binary.BigEndian.AppendUint32(dst, crc)
}

// peekRecord returns the offset and frame size of the record at the start of data.
func peekRecord(data []byte) (int64, int, error) {
	if len(data) < recordOverhead {
		return 0, 0, fmt.Errorf("%w: truncated record frame (%d bytes)", ErrCorruptSegment, len(data))
	}
	total := 4 + int(binary.BigEndian.Uint32(data[0:4]))
	if total < recordOverhead || total > len(data) {
		return 0, 0, fmt.Errorf("%w: record frame length %d out of bounds", ErrCorruptSegment, total)
	}
	return int64(binary.BigEndian.Uint64(data[4:12])), total, nil
}

// decodeRecord parses the record at the start of data. Key and value are copied
// so callers never alias segment memory.
func decodeRecord(data []byte) (Record, int, error) {
	offset, total, err := peekRecord(data)
	if err != nil {
		return Record{}, 0, err
	}
	body := data[4:total]
	payload := body[:len(body)-4]
	if want := binary.BigEndian.Uint32(body[len(body)-4:]); crc32.Checksum(payload, crcTable) != want {
		return Record{}, 0, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorruptSegment, offset)
	}
	ts := int64(binary.BigEndian.Uint64(payload[8:16]))
	pos := 16

	rawKeyLen := binary.BigEndian.Uint32(payload[pos : pos+4])
	keyLen := int(int32(rawKeyLen))
	pos += 4
	var key []byte
	switch {
	case rawKeyLen == nullKeyLen:
	case keyLen >= 0 && pos+keyLen+4 <= len(payload):
		key = append(make([]byte, 0, keyLen), payload[pos:pos+keyLen]...)
		pos += keyLen
	default:
		return Record{}, 0, fmt.Errorf("%w: key length %d at offset %d", ErrCorruptSegment, keyLen, offset)
	}

	valueLen := int(int32(binary.BigEndian.Uint32(payload[pos : pos+4])))
	pos += 4
	if valueLen < 0 || pos+valueLen != len(payload) {
		return Record{}, 0, fmt.Errorf("%w: value length %d at offset %d", ErrCorruptSegment, valueLen, offset)
	}
	value := append(make([]byte, 0, valueLen), payload[pos:]...)

	return Record{
		Offset:    offset,
		Timestamp: time.UnixMilli(ts),
		Key:       key,
		Value:     value,
	}, total, nil
}
