package dashcache

import (
	"fmt"
	"math/bits"
)

type blockStatus uint8

const (
	blockFree blockStatus = iota
	blockPartial
	blockAllocated
)

func (s blockStatus) String() string {
	switch s {
	case blockFree:
		return "free"
	case blockPartial:
		return "partial"
	case blockAllocated:
		return "allocated"
	}
	return fmt.Sprintf("blockStatus(%d)", uint8(s))
}

// Arena is a buddy allocator over one fixed-size region.
//
// The region is modelled as a complete binary tree of height
// log2(maxBlockSize/minBlockSize). Node 0 covers the whole region, and the
// children of node i are 2i+1 and 2i+2, each covering one half of their
// parent's bytes. Every node carries a status: free (whole subtree free),
// allocated (handed out, or both children allocated) or partial.
type Arena struct {
	minBlockSize int
	maxBlockSize int
	height       int
	region       []byte
	mapped       bool
	status       []blockStatus
	index        int32

	reserved int
	blocks   int
}

// NewArena creates a standalone arena. Both sizes must be powers of two and
// maxBlockSize a multiple of minBlockSize.
func NewArena(minBlockSize, maxBlockSize int) (*Arena, error) {
	if err := validateBlockSizes(minBlockSize, maxBlockSize); err != nil {
		return nil, err
	}
	return newArena(minBlockSize, maxBlockSize, noArena), nil
}

func newArena(minBlockSize, maxBlockSize int, index int32) *Arena {
	height := bits.Len(uint(maxBlockSize/minBlockSize)) - 1
	region, mapped := newRegion(maxBlockSize)
	return &Arena{
		minBlockSize: minBlockSize,
		maxBlockSize: maxBlockSize,
		height:       height,
		region:       region,
		mapped:       mapped,
		status:       make([]blockStatus, (1<<(height+1))-1),
		index:        index,
	}
}

func validateBlockSizes(minBlockSize, maxBlockSize int) error {
	if minBlockSize <= 0 || !isPowerOfTwo(minBlockSize) {
		return fmt.Errorf("%w: min block size %d is not a power of two", ErrInvalidOptions, minBlockSize)
	}
	if maxBlockSize <= 0 || !isPowerOfTwo(maxBlockSize) {
		return fmt.Errorf("%w: max block size %d is not a power of two", ErrInvalidOptions, maxBlockSize)
	}
	if minBlockSize >= maxBlockSize {
		return fmt.Errorf("%w: min block size %d must be smaller than max block size %d", ErrInvalidOptions, minBlockSize, maxBlockSize)
	}
	return nil
}

// Allocate reserves a block able to hold size bytes. It returns false when
// size exceeds the maximum block size or no subtree of the needed class is
// free; callers are expected to fall back to another arena.
func (a *Arena) Allocate(size int) (Block, bool) {
	if size < 0 || size > a.maxBlockSize {
		return Block{}, false
	}
	class := max(a.minBlockSize, nextPowerOfTwo(size))

	node, offset, ok := a.allocate(0, 0, a.maxBlockSize, class)
	if !ok {
		return Block{}, false
	}
	a.reserved += class
	a.blocks++

	return Block{
		Bytes:  a.region[offset : offset+size : offset+class],
		offset: offset,
		node:   int32(node),
		arena:  a.index,
	}, true
}

func (a *Arena) allocate(node, offset, nodeSize, class int) (int, int, bool) {
	if a.status[node] == blockAllocated {
		return 0, 0, false
	}
	if nodeSize == class {
		if a.status[node] == blockPartial {
			return 0, 0, false
		}
		a.status[node] = blockAllocated
		return node, offset, true
	}

	half := nodeSize >> 1
	left, right := 2*node+1, 2*node+2
	got, at, ok := a.allocate(left, offset, half, class)
	if !ok {
		got, at, ok = a.allocate(right, offset+half, half, class)
	}
	if !ok {
		return 0, 0, false
	}
	a.status[node] = combine(a.status[left], a.status[right])
	return got, at, true
}

// Free returns a block to the arena and coalesces buddies up to the root.
// Freeing a block whose node is not allocated is a no-op.
func (a *Arena) Free(b Block) {
	node := int(b.node)
	if node < 0 || node >= len(a.status) || a.status[node] != blockAllocated {
		return
	}
	a.status[node] = blockFree
	a.reserved -= a.nodeSize(node)
	a.blocks--

	for node > 0 {
		node = (node - 1) >> 1
		a.status[node] = combine(a.status[2*node+1], a.status[2*node+2])
	}
}

func combine(left, right blockStatus) blockStatus {
	switch {
	case left == blockFree && right == blockFree:
		return blockFree
	case left == blockAllocated && right == blockAllocated:
		return blockAllocated
	default:
		return blockPartial
	}
}

func (a *Arena) nodeSize(node int) int {
	depth := bits.Len(uint(node+1)) - 1
	return a.maxBlockSize >> depth
}

// Capacity returns the size of the arena region in bytes.
func (a *Arena) Capacity() int {
	return a.maxBlockSize
}

// Reserved returns the bytes currently reserved, counted in full
// power-of-two classes.
func (a *Arena) Reserved() int {
	return a.reserved
}

// Blocks returns the number of live blocks.
func (a *Arena) Blocks() int {
	return a.blocks
}

func (a *Arena) release() error {
	err := releaseRegion(a.region, a.mapped)
	a.region = nil
	return err
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// nextPowerOfTwo returns the next power of 2 greater than or equal to n
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
