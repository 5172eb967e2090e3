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

package cache

import (
	"container/list"
	"sync"
)

// SegmentCache is a byte-bounded LRU of sealed segment bodies keyed by
// partition and base offset. Cached slices are never modified after insert.
type SegmentCache struct {
	mu       sync.Mutex
	capacity int
	size     int
	ll       *list.List
	items    map[segmentKey]*list.Element
	stats    Stats
}

type segmentKey struct {
	partition  string
	baseOffset int64
}

type cacheEntry struct {
	key  segmentKey
	data []byte
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	Bytes     int
}

// NewSegmentCache creates a cache with capacity in bytes.
func NewSegmentCache(capacityBytes int) *SegmentCache {
	if capacityBytes <= 0 {
		capacityBytes = 1
	}
	return &SegmentCache{
		capacity: capacityBytes,
		ll:       list.New(),
		items:    make(map[segmentKey]*list.Element),
	}
}

// GetSegment returns cached data if present.
func (c *SegmentCache) GetSegment(partition string, baseOffset int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[segmentKey{partition, baseOffset}]; ok {
		c.ll.MoveToFront(elem)
		c.stats.Hits++
		return elem.Value.(*cacheEntry).data, true
	}
	c.stats.Misses++
	return nil, false
}

// SetSegment adds or replaces a cache entry. data is copied.
func (c *SegmentCache) SetSegment(partition string, baseOffset int64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := segmentKey{partition, baseOffset}
	copyData := append([]byte(nil), data...)
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		c.size += len(copyData) - len(entry.data)
		entry.data = copyData
		c.ll.MoveToFront(elem)
		c.evictIfNeeded()
		return
	}
	elem := c.ll.PushFront(&cacheEntry{key: key, data: copyData})
	c.items[key] = elem
	c.size += len(copyData)
	c.evictIfNeeded()
}

// DeleteSegment drops an entry, reporting whether it was present.
func (c *SegmentCache) DeleteSegment(partition string, baseOffset int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[segmentKey{partition, baseOffset}]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// Stats returns a copy of the counters.
func (c *SegmentCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.Entries = c.ll.Len()
	out.Bytes = c.size
	return out
}

func (c *SegmentCache) evictIfNeeded() {
	for c.size > c.capacity && c.ll.Len() > 0 {
		c.removeElement(c.ll.Back())
		c.stats.Evictions++
	}
}

func (c *SegmentCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.ll.Remove(elem)
	c.size -= len(entry.data)
}
