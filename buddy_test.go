package dashcache

import (
	"errors"
	"math/rand"
	"sort"
	"testing"
)

func newTestArena(t testing.TB, minBlockSize, maxBlockSize int) *Arena {
	t.Helper()
	a, err := NewArena(minBlockSize, maxBlockSize)
	if err != nil {
		t.Fatalf("NewArena(%d, %d) failed: %v", minBlockSize, maxBlockSize, err)
	}
	t.Cleanup(func() { a.release() })
	return a
}

func TestArena_RoundsToPowerOfTwo(t *testing.T) {
	a := newTestArena(t, 64, 1024)

	first, ok := a.Allocate(100)
	if !ok {
		t.Fatal("Allocate(100) failed on an empty arena")
	}
	if len(first.Bytes) != 100 {
		t.Errorf("Expected a 100 byte view, got %d", len(first.Bytes))
	}
	if cap(first.Bytes) != 128 {
		t.Errorf("Expected a 128 byte reservation, got %d", cap(first.Bytes))
	}
	if a.Reserved() != 128 {
		t.Errorf("Expected 128 reserved bytes, got %d", a.Reserved())
	}

	second, ok := a.Allocate(100)
	if !ok {
		t.Fatal("Second Allocate(100) failed")
	}
	if overlaps(first.Offset(), 128, second.Offset(), 128) {
		t.Errorf("Blocks overlap: [%d,+128) and [%d,+128)", first.Offset(), second.Offset())
	}

	// Writes through one view must not show through the other.
	for i := range first.Bytes {
		first.Bytes[i] = 0xAA
	}
	for i, b := range second.Bytes {
		if b != 0 {
			t.Fatalf("Second block byte %d was clobbered: %#x", i, b)
		}
	}

	if _, ok := a.Allocate(900); ok {
		t.Fatal("Allocate(900) should fail while smaller blocks are live")
	}

	a.Free(first)
	a.Free(second)

	whole, ok := a.Allocate(900)
	if !ok {
		t.Fatal("Allocate(900) should succeed once buddies coalesce")
	}
	if whole.Offset() != 0 || cap(whole.Bytes) != 1024 {
		t.Errorf("Expected the whole region, got offset %d cap %d", whole.Offset(), cap(whole.Bytes))
	}
}

func TestArena_MinimumBlockSize(t *testing.T) {
	a := newTestArena(t, 64, 1024)

	for _, size := range []int{0, 1, 63, 64} {
		b, ok := a.Allocate(size)
		if !ok {
			t.Fatalf("Allocate(%d) failed", size)
		}
		if cap(b.Bytes) != 64 {
			t.Errorf("Allocate(%d): expected 64 byte class, got %d", size, cap(b.Bytes))
		}
		a.Free(b)
	}
}

func TestArena_RejectsOversized(t *testing.T) {
	a := newTestArena(t, 64, 1024)

	if _, ok := a.Allocate(1025); ok {
		t.Fatal("Allocate above max block size should fail")
	}
	if _, ok := a.Allocate(-1); ok {
		t.Fatal("Allocate with a negative size should fail")
	}
	if _, ok := a.Allocate(1024); !ok {
		t.Fatal("Allocate of exactly max block size should succeed")
	}
	if _, ok := a.Allocate(1); ok {
		t.Fatal("Arena should be full")
	}
}

func TestArena_FillAndDrain(t *testing.T) {
	a := newTestArena(t, 64, 1024)

	var blocks []Block
	for {
		b, ok := a.Allocate(64)
		if !ok {
			break
		}
		blocks = append(blocks, b)
	}
	if len(blocks) != 16 {
		t.Fatalf("Expected 16 minimum blocks, got %d", len(blocks))
	}
	if a.status[0] != blockAllocated {
		t.Errorf("Root should be allocated when every leaf is, got %s", a.status[0])
	}

	for _, b := range blocks {
		a.Free(b)
	}
	for i, s := range a.status {
		if s != blockFree {
			t.Fatalf("Node %d should be free after draining, got %s", i, s)
		}
	}
	if a.Reserved() != 0 || a.Blocks() != 0 {
		t.Errorf("Expected empty accounting, got reserved=%d blocks=%d", a.Reserved(), a.Blocks())
	}
}

func TestArena_DoubleFreeIsNoop(t *testing.T) {
	a := newTestArena(t, 64, 1024)

	b, _ := a.Allocate(64)
	keep, _ := a.Allocate(64)
	a.Free(b)
	a.Free(b)

	if a.Blocks() != 1 || a.Reserved() != 64 {
		t.Fatalf("Double free changed accounting: blocks=%d reserved=%d", a.Blocks(), a.Reserved())
	}
	checkArenaInvariants(t, a, []Block{keep})
}

func TestArena_PartialNodeNotHandedOut(t *testing.T) {
	a := newTestArena(t, 64, 1024)

	small, _ := a.Allocate(64)
	half, ok := a.Allocate(512)
	if !ok {
		t.Fatal("Allocate(512) should take the untouched half")
	}
	if overlaps(small.Offset(), 64, half.Offset(), 512) {
		t.Fatalf("512 block at %d overlaps 64 block at %d", half.Offset(), small.Offset())
	}
	if _, ok := a.Allocate(512); ok {
		t.Fatal("No second 512 block should be available")
	}
}

func TestArena_InvalidSizes(t *testing.T) {
	tests := []struct {
		name     string
		min, max int
	}{
		{"zero min", 0, 1024},
		{"non power of two min", 48, 1024},
		{"non power of two max", 64, 1000},
		{"min equals max", 64, 64},
		{"min above max", 1024, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewArena(tt.min, tt.max); !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("Expected ErrInvalidOptions, got %v", err)
			}
		})
	}
}

// TestArena_Conservation drives random allocate/free sequences and checks
// that allocated and free ranges always tile the region exactly.
func TestArena_Conservation(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	a := newTestArena(t, 16, 4096)

	var live []Block
	for step := 0; step < 5000; step++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			i := rnd.Intn(len(live))
			a.Free(live[i])
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		} else if b, ok := a.Allocate(rnd.Intn(600)); ok {
			live = append(live, b)
		}
		if step%250 == 0 {
			checkArenaInvariants(t, a, live)
		}
	}
	checkArenaInvariants(t, a, live)
}

func checkArenaInvariants(t *testing.T, a *Arena, live []Block) {
	t.Helper()

	// Internal statuses follow the buddy rule.
	for node := 0; 2*node+2 < len(a.status); node++ {
		left, right := a.status[2*node+1], a.status[2*node+2]
		s := a.status[node]
		if s == blockAllocated && left == blockFree && right == blockFree {
			continue // a block handed out at this node
		}
		if want := combine(left, right); s != want {
			t.Fatalf("Node %d is %s but children (%s, %s) imply %s", node, s, left, right, want)
		}
	}

	type span struct{ off, size int }
	var spans []span
	reserved := 0
	for _, b := range live {
		size := cap(b.Bytes)
		spans = append(spans, span{b.Offset(), size})
		reserved += size
	}
	if reserved != a.Reserved() {
		t.Fatalf("Live blocks reserve %d bytes, arena reports %d", reserved, a.Reserved())
	}

	// Free subtrees, collected top-down, must exactly fill the gaps.
	var walk func(node, off, size int)
	walk = func(node, off, size int) {
		switch a.status[node] {
		case blockFree:
			spans = append(spans, span{off, size})
		case blockPartial:
			walk(2*node+1, off, size/2)
			walk(2*node+2, off+size/2, size/2)
		case blockAllocated:
			if 2*node+1 < len(a.status) && a.status[2*node+1] != blockFree {
				walk(2*node+1, off, size/2)
				walk(2*node+2, off+size/2, size/2)
			}
		}
	}
	walk(0, 0, a.Capacity())

	sort.Slice(spans, func(i, j int) bool { return spans[i].off < spans[j].off })
	next := 0
	for _, s := range spans {
		if s.off != next {
			t.Fatalf("Gap or overlap at offset %d (expected %d)", s.off, next)
		}
		next = s.off + s.size
	}
	if next != a.Capacity() {
		t.Fatalf("Spans cover %d bytes, region is %d", next, a.Capacity())
	}
}

func overlaps(aOff, aSize, bOff, bSize int) bool {
	return aOff < bOff+bSize && bOff < aOff+aSize
}

func TestNextPowerOfTwo(t *testing.T) {
	tests := map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 100: 128, 128: 128, 129: 256, 1 << 20: 1 << 20}
	for in, want := range tests {
		if got := nextPowerOfTwo(in); got != want {
			t.Errorf("nextPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}

func BenchmarkArena_AllocateFree(b *testing.B) {
	a := newTestArena(b, 64, 1<<20)
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		blk, _ := a.Allocate(64 + i%900)
		a.Free(blk)
	}
}
