package dashcache

import (
	"fmt"
	"testing"
)

// homeDigests returns n digests that share fingerprint fp and land in home
// bucket home of a segment with regularSize buckets.
func homeDigests(n, regularSize, home int, fp uint8) []uint64 {
	var out []uint64
	for c := uint64(0); len(out) < n; c++ {
		d := uint64(fp)<<56 | c
		if JumpHash(d, regularSize) == home {
			out = append(out, d)
		}
	}
	return out
}

func newTestSegment(segmentSize, regularSize, slotSize int) *segment {
	s := newSegment(segmentSize, regularSize, slotSize, batchWidth(slotSize, nativeBatchWidth))
	s.use()
	return s
}

func TestSegment_OverflowOrder(t *testing.T) {
	s := newTestSegment(6, 4, 2)
	digests := homeDigests(9, 4, 1, 0xAB)

	for i, d := range digests[:8] {
		key := []byte(fmt.Sprintf("k%d", i))
		if got := s.put(key, &Record{}, d, 0xAB, 0); got != putInserted {
			t.Fatalf("Insert %d failed with %d", i, got)
		}
	}

	// Home, its neighbour, then both stash buckets; bucket 0 and 3 stay empty.
	for i, want := range []int{0, 2, 2, 0, 2, 2} {
		if got := s.buckets[i].len(); got != want {
			t.Errorf("Bucket %d holds %d entries, want %d", i, got, want)
		}
	}

	if got := s.put([]byte("k8"), &Record{}, digests[8], 0xAB, 0); got != putFailed {
		t.Errorf("Ninth key should not fit, got %d", got)
	}
}

func TestSegment_LastRegularBucketSkipsNeighbour(t *testing.T) {
	s := newTestSegment(6, 4, 2)
	digests := homeDigests(7, 4, 3, 0x05)

	for i, d := range digests[:6] {
		if got := s.put([]byte(fmt.Sprintf("k%d", i)), &Record{}, d, 0x05, 0); got != putInserted {
			t.Fatalf("Insert %d failed with %d", i, got)
		}
	}
	if got := s.put([]byte("k6"), &Record{}, digests[6], 0x05, 0); got != putFailed {
		t.Errorf("Stash is the only overflow for the last regular bucket, got %d", got)
	}
	if s.buckets[0].len() != 0 {
		t.Error("Overflow wrapped around to bucket 0")
	}
}

func TestSegment_UpdateInStashDoesNotDuplicate(t *testing.T) {
	s := newTestSegment(6, 4, 2)
	digests := homeDigests(4, 4, 1, 0x01)

	keys := make([][]byte, len(digests))
	for i, d := range digests {
		keys[i] = []byte(fmt.Sprintf("k%d", i))
		s.put(keys[i], &Record{}, d, 0x01, 0)
	}

	// Free a slot in the home bucket, then update a key living further out.
	home := s.home(digests[0])
	victim := s.buckets[home].slots[0]
	if !s.remove(victim.key, victim.digest, 0x01) {
		t.Fatalf("Remove of %q failed", victim.key)
	}

	var moved *entry
	for _, b := range s.buckets[home+1:] {
		for _, e := range b.slots {
			if e != nil {
				moved = e
			}
		}
	}
	if moved == nil {
		t.Fatal("Expected an entry outside the home bucket")
	}
	before := s.len()
	if got := s.put(moved.key, &Record{Version: 7}, moved.digest, 0x01, 0); got != putUpdated {
		t.Fatalf("Expected putUpdated, got %d", got)
	}
	if s.len() != before {
		t.Errorf("Update inserted a duplicate: len %d -> %d", before, s.len())
	}
}

func TestSegment_KeyIsCopied(t *testing.T) {
	s := newTestSegment(6, 4, 2)
	key := []byte("mutable")
	s.put(key, &Record{}, 1, 0, 0)
	key[0] = 'X'

	if found, _ := s.get([]byte("mutable"), 1, 0, 0); found == nil {
		t.Fatal("Mutating the caller's key slice changed the stored key")
	}
}

func TestSegment_InactiveRejectsOperations(t *testing.T) {
	s := newSegment(6, 4, 2, 0)
	if got := s.put([]byte("a"), &Record{}, 1, 0, 0); got != putFailed {
		t.Errorf("Uninitialized segment accepted a put: %d", got)
	}
	s.use()
	s.put([]byte("a"), &Record{}, 1, 0, 0)
	s.obsolete()
	if found, _ := s.get([]byte("a"), 1, 0, 0); found != nil {
		t.Error("Obsolete segment served a get")
	}
	if s.remove([]byte("a"), 1, 0) {
		t.Error("Obsolete segment served a remove")
	}
}
