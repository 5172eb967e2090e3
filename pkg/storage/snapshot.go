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

import "sort"

// segmentSet is an immutable, versioned list of segments ordered by base
// offset. Writers derive a new set and swap it in; readers never lock.
type segmentSet struct {
	version  uint64
	segments []*Segment
}

func (s *segmentSet) active() *Segment {
	if len(s.segments) == 0 {
		return nil
	}
	return s.segments[len(s.segments)-1]
}

func (s *segmentSet) earliest() *Segment {
	if len(s.segments) == 0 {
		return nil
	}
	return s.segments[0]
}

// find returns the position of the segment that would hold offset: the last
// segment whose base offset is <= offset.
func (s *segmentSet) find(offset int64) (int, bool) {
	i := sort.Search(len(s.segments), func(i int) bool {
		return s.segments[i].baseOffset > offset
	})
	if i == 0 {
		return 0, false
	}
	return i - 1, true
}

// successor returns the segment following seg in this set.
func (s *segmentSet) successor(seg *Segment) *Segment {
	i, ok := s.find(seg.baseOffset)
	if !ok || s.segments[i] != seg || i+1 >= len(s.segments) {
		return nil
	}
	return s.segments[i+1]
}

func (s *segmentSet) withAppended(seg *Segment) *segmentSet {
	next := make([]*Segment, len(s.segments), len(s.segments)+1)
	copy(next, s.segments)
	return &segmentSet{version: s.version + 1, segments: append(next, seg)}
}

func (s *segmentSet) withoutPrefix(n int) *segmentSet {
	next := make([]*Segment, len(s.segments)-n)
	copy(next, s.segments[n:])
	return &segmentSet{version: s.version + 1, segments: next}
}
