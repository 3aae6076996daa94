package dashcache

import (
	"fmt"
	"log/slog"
)

// directory is an extendible hash index laid out as an implicit binary tree
// of segments. The segment at index i has its bit=0 child at 2i+1 and its
// bit=1 child at 2i+2; bits are consumed from the digest LSB first, one per
// level. Following a digest from the root always ends at exactly one in-use
// segment, the owner of every key with that digest prefix.
//
// A nil slot is an uninitialized segment. The slice grows on split and never
// shrinks.
type directory struct {
	segmentSize int
	regularSize int
	slotSize    int
	width       int
	maxDepth    int
	log         *slog.Logger
	// lost receives entries a failed split could not place anywhere.
	lost func(e *entry)

	segments []*segment
	inUse    int
	splits   int64
	depth    int
}

func newDirectory(segmentSize, regularSize, slotSize, width, maxDepth int, log *slog.Logger) *directory {
	d := &directory{
		segmentSize: segmentSize,
		regularSize: regularSize,
		slotSize:    slotSize,
		width:       width,
		maxDepth:    min(maxDepth, digestBits),
		log:         log,
	}
	d.reset()
	return d
}

func (d *directory) reset() {
	root := newSegment(d.segmentSize, d.regularSize, d.slotSize, d.width)
	root.use()
	d.segments = []*segment{root}
	d.inUse = 1
	d.depth = 0
}

// locate walks from the root to the in-use segment owning digest and returns
// its index together with the last bit consumed (-1 at the root).
func (d *directory) locate(digest uint64) (int, int, error) {
	idx, bit := 0, -1
	for bit < digestBits {
		var s *segment
		if idx < len(d.segments) {
			s = d.segments[idx]
		}
		switch {
		case s == nil || s.status == segmentUninitialized:
			d.log.Error("directory corrupted: uninitialized segment on lookup path",
				"segment", idx, "bit", bit, "digest", digest)
			return 0, 0, fmt.Errorf("%w: segment %d uninitialized at bit %d", ErrDirectoryCorrupted, idx, bit)
		case s.status == segmentInUse:
			return idx, bit, nil
		}
		bit++
		if bit >= digestBits {
			break
		}
		idx = child(idx, digest, bit)
	}
	return 0, 0, fmt.Errorf("%w: no in-use segment within %d bits", ErrDirectoryExhausted, digestBits)
}

func child(idx int, digest uint64, bit int) int {
	if bitSet(digest, bit) {
		return 2*idx + 2
	}
	return 2*idx + 1
}

func (d *directory) get(key []byte, digest uint64, fp uint8, now uint64) (found, expired *entry, err error) {
	idx, _, err := d.locate(digest)
	if err != nil {
		return nil, nil, err
	}
	found, expired = d.segments[idx].get(key, digest, fp, now)
	return found, expired, nil
}

func (d *directory) remove(key []byte, digest uint64, fp uint8) (bool, error) {
	idx, _, err := d.locate(digest)
	if err != nil {
		return false, err
	}
	return d.segments[idx].remove(key, digest, fp), nil
}

func (d *directory) put(key []byte, record *Record, digest uint64, fp uint8, expireAt uint64) (putResult, error) {
	return d.place(digest, func(s *segment) putResult {
		return s.put(key, record, digest, fp, expireAt)
	})
}

// place offers an operation to the owning segment, splitting it and retrying
// on the owning child for as long as the segment reports itself full.
func (d *directory) place(digest uint64, op func(s *segment) putResult) (putResult, error) {
	for {
		idx, bit, err := d.locate(digest)
		if err != nil {
			return putFailed, err
		}
		if r := op(d.segments[idx]); r != putFailed {
			return r, nil
		}
		next := bit + 1
		if next >= d.maxDepth {
			return putFailed, fmt.Errorf("%w: segment %d is full at depth %d", ErrDirectoryExhausted, idx, next)
		}
		if err := d.split(idx, next); err != nil {
			return putFailed, err
		}
	}
}

// split retires the segment at idx and redistributes its entries between
// its two children by digest bit.
func (d *directory) split(idx, bit int) error {
	old := d.segments[idx]
	buckets := old.obsolete()
	d.inUse--

	off, on := 2*idx+1, 2*idx+2
	d.grow(on + 1)
	offSegment := d.activate(off)
	onSegment := d.activate(on)
	d.splits++
	d.depth = max(d.depth, bit+1)

	var leftovers []*entry
	for _, b := range buckets {
		for _, e := range b.entries() {
			target := offSegment
			if bitSet(e.digest, bit) {
				target = onSegment
			}
			if target.insert(e) == putFailed {
				leftovers = append(leftovers, e)
			}
		}
		b.clear()
	}

	d.log.Debug("segment split", "segment", idx, "bit", bit,
		"off", offSegment.len(), "on", onSegment.len(), "leftovers", len(leftovers))

	// Reinsertion in bucket order puts every entry at or before its old
	// position, so a fresh child only overflows when it already held
	// entries. Leftovers go back through the directory, which may split that
	// child in turn; whatever still cannot be placed is handed to lost.
	for i, e := range leftovers {
		if _, err := d.place(e.digest, func(s *segment) putResult {
			return s.insert(e)
		}); err != nil {
			d.log.Error("entries lost during split", "segment", idx, "bit", bit,
				"lost", len(leftovers)-i, "error", err)
			if d.lost != nil {
				for _, dropped := range leftovers[i:] {
					d.lost(dropped)
				}
			}
			return err
		}
	}
	return nil
}

func (d *directory) grow(n int) {
	if n <= len(d.segments) {
		return
	}
	grown := make([]*segment, max(n, 2*len(d.segments)+1))
	copy(grown, d.segments)
	d.segments = grown
}

func (d *directory) activate(idx int) *segment {
	s := d.segments[idx]
	if s == nil {
		s = newSegment(d.segmentSize, d.regularSize, d.slotSize, d.width)
		d.segments[idx] = s
	}
	s.use()
	d.inUse++
	return s
}

func (d *directory) sweepExpired(now uint64) []*entry {
	var evicted []*entry
	for _, s := range d.segments {
		if s != nil {
			evicted = s.sweepExpired(now, evicted)
		}
	}
	return evicted
}

func (d *directory) each(fn func(e *entry)) {
	for _, s := range d.segments {
		if s != nil && s.status == segmentInUse {
			s.each(fn)
		}
	}
}
