package dashcache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestAllocator(t testing.TB, minBlockSize, maxBlockSize int) *Allocator {
	t.Helper()
	a, err := NewAllocator(minBlockSize, maxBlockSize)
	if err != nil {
		t.Fatalf("NewAllocator(%d, %d) failed: %v", minBlockSize, maxBlockSize, err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAllocator_CreatesArenasOnDemand(t *testing.T) {
	a := newTestAllocator(t, 64, 1024)

	if got := a.Stats().Arenas; got != 0 {
		t.Fatalf("Expected no arenas before the first allocation, got %d", got)
	}

	first := a.AllocateBlock(1000)
	second := a.AllocateBlock(1000)

	i1, ok1 := first.Arena()
	i2, ok2 := second.Arena()
	if !ok1 || !ok2 {
		t.Fatal("Blocks within max block size should belong to an arena")
	}
	if i1 != 0 || i2 != 1 {
		t.Errorf("Expected arenas 0 and 1, got %d and %d", i1, i2)
	}

	// Space freed in the first arena is reused before anything new is made.
	a.FreeBlock(first)
	third := a.AllocateBlock(512)
	if i3, _ := third.Arena(); i3 != 0 {
		t.Errorf("Expected first-fit reuse of arena 0, got arena %d", i3)
	}
	if got := a.Stats().Arenas; got != 2 {
		t.Errorf("Expected 2 arenas, got %d", got)
	}
}

func TestAllocator_OversizedBypass(t *testing.T) {
	a := newTestAllocator(t, 64, 1024)

	b := a.AllocateBlock(4096)
	if _, ok := b.Arena(); ok {
		t.Fatal("Oversized block should not belong to an arena")
	}
	if len(b.Bytes) != 4096 {
		t.Fatalf("Expected 4096 bytes, got %d", len(b.Bytes))
	}

	before := a.Stats()
	a.FreeBlock(b)
	if diff := cmp.Diff(before, a.Stats()); diff != "" {
		t.Errorf("Freeing an oversized block changed stats (-before +after):\n%s", diff)
	}
	if before.Oversized != 1 || before.OversizedBytes != 4096 || before.Arenas != 0 {
		t.Errorf("Unexpected stats after oversized allocation: %+v", before)
	}
}

func TestAllocator_CapacityAtLeastRequested(t *testing.T) {
	a := newTestAllocator(t, 64, 1024)

	for size := 0; size <= 2048; size += 37 {
		b := a.AllocateBlock(size)
		if len(b.Bytes) != size {
			t.Fatalf("AllocateBlock(%d) returned %d usable bytes", size, len(b.Bytes))
		}
		if cap(b.Bytes) < size {
			t.Fatalf("AllocateBlock(%d) returned capacity %d", size, cap(b.Bytes))
		}
	}
}

func TestAllocator_Stats(t *testing.T) {
	a := newTestAllocator(t, 64, 1024)

	b1 := a.AllocateBlock(100)
	b2 := a.AllocateBlock(10)

	got := a.Stats()
	want := AllocStats{
		Arenas:         1,
		ArenaBytes:     1024,
		ReservedBytes:  128 + 64,
		RequestedBytes: 110,
		Blocks:         2,
		Fragmentation:  float64(192-110) / 192,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}

	a.FreeBlock(b1)
	a.FreeBlock(b2)
	a.FreeBlock(b2)

	got = a.Stats()
	if got.Blocks != 0 || got.ReservedBytes != 0 || got.RequestedBytes != 0 {
		t.Errorf("Expected empty arenas after freeing, got %+v", got)
	}
}

func TestAllocator_BlocksAreIndependent(t *testing.T) {
	a := newTestAllocator(t, 64, 1024)

	var blocks []Block
	for i := 0; i < 40; i++ {
		b := a.AllocateBlock(64 + i*7)
		for j := range b.Bytes {
			b.Bytes[j] = byte(i)
		}
		blocks = append(blocks, b)
	}
	for i, b := range blocks {
		for j, v := range b.Bytes {
			if v != byte(i) {
				t.Fatalf("Block %d byte %d = %d, memory shared with another block", i, j, v)
			}
		}
	}
}
