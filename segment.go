package dashcache

import (
	"bytes"
	"fmt"
)

type segmentStatus uint8

const (
	segmentUninitialized segmentStatus = iota
	segmentInUse
	segmentObsolete
)

func (s segmentStatus) String() string {
	switch s {
	case segmentUninitialized:
		return "uninitialized"
	case segmentInUse:
		return "in-use"
	case segmentObsolete:
		return "obsolete"
	}
	return fmt.Sprintf("segmentStatus(%d)", uint8(s))
}

// segment is the unit of directory splitting: regularSize home buckets
// addressed by digest, followed by stash buckets that absorb overflow.
type segment struct {
	status      segmentStatus
	regularSize int
	buckets     []*bucket
}

func newSegment(segmentSize, regularSize, slotSize, width int) *segment {
	buckets := make([]*bucket, segmentSize)
	for i := range buckets {
		buckets[i] = newBucket(slotSize, width)
	}
	return &segment{regularSize: regularSize, buckets: buckets}
}

// home maps a digest onto one of the regular buckets.
func (s *segment) home(digest uint64) int {
	return JumpHash(digest, s.regularSize)
}

// candidates calls fn for the home bucket, its right neighbour when that is
// still a regular bucket, then every stash bucket, stopping when fn returns
// true.
func (s *segment) candidates(digest uint64, fn func(b *bucket) bool) bool {
	idx := s.home(digest)
	if fn(s.buckets[idx]) {
		return true
	}
	if idx+1 < s.regularSize && fn(s.buckets[idx+1]) {
		return true
	}
	for _, b := range s.buckets[s.regularSize:] {
		if fn(b) {
			return true
		}
	}
	return false
}

func (s *segment) get(key []byte, digest uint64, fp uint8, now uint64) (found, expired *entry) {
	if s.status != segmentInUse {
		return nil, nil
	}
	s.candidates(digest, func(b *bucket) bool {
		found, expired = b.get(key, fp, now)
		return found != nil || expired != nil
	})
	return found, expired
}

// put updates key wherever it lives among the candidate buckets, and only
// when it lives nowhere inserts it into the first candidate with room.
func (s *segment) put(key []byte, record *Record, digest uint64, fp uint8, expireAt uint64) putResult {
	if s.status != segmentInUse {
		return putFailed
	}
	if s.candidates(digest, func(b *bucket) bool {
		return b.update(key, record, fp, expireAt)
	}) {
		return putUpdated
	}
	return s.insert(&entry{
		key:         bytes.Clone(key),
		record:      record,
		digest:      digest,
		fingerprint: fp,
		expireAt:    expireAt,
	})
}

// insert places an entry known to be absent from the segment.
func (s *segment) insert(e *entry) putResult {
	if s.status != segmentInUse {
		return putFailed
	}
	if s.candidates(e.digest, func(b *bucket) bool {
		return b.insert(e)
	}) {
		return putInserted
	}
	return putFailed
}

func (s *segment) remove(key []byte, digest uint64, fp uint8) bool {
	if s.status != segmentInUse {
		return false
	}
	return s.candidates(digest, func(b *bucket) bool {
		return b.remove(key, fp)
	})
}

// use activates the segment.
func (s *segment) use() {
	s.status = segmentInUse
}

// obsolete retires the segment and hands its buckets to the caller for
// draining.
func (s *segment) obsolete() []*bucket {
	s.status = segmentObsolete
	return s.buckets
}

func (s *segment) sweepExpired(now uint64, evicted []*entry) []*entry {
	if s.status != segmentInUse {
		return evicted
	}
	for _, b := range s.buckets {
		evicted = b.sweepExpired(now, evicted)
	}
	return evicted
}

func (s *segment) len() int {
	n := 0
	for _, b := range s.buckets {
		n += b.len()
	}
	return n
}

func (s *segment) each(fn func(e *entry)) {
	for _, b := range s.buckets {
		for _, e := range b.slots {
			if e != nil {
				fn(e)
			}
		}
	}
}
