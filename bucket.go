package dashcache

import (
	"bytes"
	"math/bits"
)

// entry is an index-resident record.
type entry struct {
	key         []byte
	record      *Record
	digest      uint64
	fingerprint uint8
	expireAt    uint64
}

// expired reports whether the entry is past its expiration at now. An
// expireAt of zero never expires.
func (e *entry) expired(now uint64) bool {
	return e.expireAt != 0 && now >= e.expireAt
}

type putResult uint8

const (
	putFailed putResult = iota
	putInserted
	putUpdated
)

// bucket is a fixed-capacity slot array with parallel per-slot metadata.
// For every slot i, occupied[i] == 1 exactly when slots[i] != nil, and then
// fingerprints[i] == slots[i].fingerprint.
type bucket struct {
	slots        []*entry
	fingerprints []byte
	occupied     []byte
	width        int
}

func newBucket(slotSize, width int) *bucket {
	return &bucket{
		slots:        make([]*entry, slotSize),
		fingerprints: make([]byte, slotSize),
		occupied:     make([]byte, slotSize),
		width:        width,
	}
}

// bound is the end of the batched range; lanes past it are probed scalar.
func (b *bucket) bound() int {
	if b.width == 0 {
		return 0
	}
	return len(b.slots) - len(b.slots)%b.width
}

func (b *bucket) candidates(off int, fp uint8) uint64 {
	return matchMask(b.fingerprints, off, b.width, fp) & matchMask(b.occupied, off, b.width, 1)
}

// find returns the slot holding key, or -1.
func (b *bucket) find(key []byte, fp uint8) int {
	end := b.bound()
	for off := 0; off < end; off += b.width {
		for m := b.candidates(off, fp); m != 0; m &= m - 1 {
			i := off + bits.TrailingZeros64(m)
			if bytes.Equal(b.slots[i].key, key) {
				return i
			}
		}
	}
	for i := end; i < len(b.slots); i++ {
		if b.occupied[i] == 1 && b.fingerprints[i] == fp && bytes.Equal(b.slots[i].key, key) {
			return i
		}
	}
	return -1
}

// firstFree returns the first unoccupied slot, or -1 when the bucket is full.
func (b *bucket) firstFree() int {
	end := b.bound()
	for off := 0; off < end; off += b.width {
		if m := matchMask(b.occupied, off, b.width, 0); m != 0 {
			return off + bits.TrailingZeros64(m)
		}
	}
	for i := end; i < len(b.slots); i++ {
		if b.occupied[i] == 0 {
			return i
		}
	}
	return -1
}

// update replaces the record of an existing key. It never inserts.
func (b *bucket) update(key []byte, record *Record, fp uint8, expireAt uint64) bool {
	i := b.find(key, fp)
	if i < 0 {
		return false
	}
	b.slots[i].record = record
	b.slots[i].expireAt = expireAt
	return true
}

// insert stores e in the first free slot. The caller guarantees e.key is not
// already present.
func (b *bucket) insert(e *entry) bool {
	i := b.firstFree()
	if i < 0 {
		return false
	}
	b.slots[i] = e
	b.fingerprints[i] = e.fingerprint
	b.occupied[i] = 1
	return true
}

// get returns the live entry for key. An expired match is removed and
// returned as the second value instead.
func (b *bucket) get(key []byte, fp uint8, now uint64) (found, expired *entry) {
	i := b.find(key, fp)
	if i < 0 {
		return nil, nil
	}
	e := b.slots[i]
	if e.expired(now) {
		b.clearSlot(i)
		return nil, e
	}
	return e, nil
}

func (b *bucket) remove(key []byte, fp uint8) bool {
	i := b.find(key, fp)
	if i < 0 {
		return false
	}
	b.clearSlot(i)
	return true
}

// sweepExpired evicts every expired entry and returns them.
func (b *bucket) sweepExpired(now uint64, evicted []*entry) []*entry {
	end := b.bound()
	for off := 0; off < end; off += b.width {
		for m := matchMask(b.occupied, off, b.width, 1); m != 0; m &= m - 1 {
			i := off + bits.TrailingZeros64(m)
			if b.slots[i].expired(now) {
				evicted = append(evicted, b.slots[i])
				b.clearSlot(i)
			}
		}
	}
	for i := end; i < len(b.slots); i++ {
		if b.occupied[i] == 1 && b.slots[i].expired(now) {
			evicted = append(evicted, b.slots[i])
			b.clearSlot(i)
		}
	}
	return evicted
}

func (b *bucket) clearSlot(i int) {
	b.slots[i] = nil
	b.fingerprints[i] = 0
	b.occupied[i] = 0
}

func (b *bucket) entries() []*entry {
	out := make([]*entry, 0, len(b.slots))
	for _, e := range b.slots {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (b *bucket) len() int {
	n := 0
	for _, o := range b.occupied {
		n += int(o)
	}
	return n
}

func (b *bucket) clear() {
	clear(b.slots)
	clear(b.fingerprints)
	clear(b.occupied)
}
