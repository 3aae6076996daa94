package dashcache

import (
	"errors"
	"fmt"
)

// Allocator hands out blocks from a growing list of buddy arenas.
//
// Requests up to maxBlockSize are served first-fit from the arenas in
// creation order; when none has room a new arena is created. Larger requests
// bypass the arenas and get a plain heap buffer that FreeBlock ignores.
// Arenas are never destroyed, so the arena index stored in a Block stays
// valid for the allocator's lifetime.
//
// Allocator is not safe for concurrent use; each shard owns its own.
type Allocator struct {
	minBlockSize int
	maxBlockSize int
	arenas       []*Arena

	requested      int64
	oversized      int64
	oversizedBytes int64
}

// AllocStats describes the allocator's memory.
type AllocStats struct {
	// Arenas is the number of arenas created so far
	Arenas int64
	// ArenaBytes is the total size of all arena regions
	ArenaBytes int64
	// ReservedBytes is the bytes reserved in arenas, in power-of-two classes
	ReservedBytes int64
	// RequestedBytes is the bytes callers asked for across live arena blocks
	RequestedBytes int64
	// Blocks is the number of live arena blocks
	Blocks int64
	// Oversized is the number of requests that bypassed the arenas
	Oversized int64
	// OversizedBytes is the total size of those requests
	OversizedBytes int64
	// Fragmentation is the share of reserved bytes not requested (0.0-1.0)
	Fragmentation float64
}

// NewAllocator creates an allocator whose arenas span maxBlockSize bytes and
// hand out blocks no smaller than minBlockSize.
func NewAllocator(minBlockSize, maxBlockSize int) (*Allocator, error) {
	if err := validateBlockSizes(minBlockSize, maxBlockSize); err != nil {
		return nil, err
	}
	return &Allocator{
		minBlockSize: minBlockSize,
		maxBlockSize: maxBlockSize,
		arenas:       make([]*Arena, 0, 4),
	}, nil
}

// AllocateBlock returns a block of at least size bytes. It never fails.
func (a *Allocator) AllocateBlock(size int) Block {
	if size < 0 {
		size = 0
	}
	if size > a.maxBlockSize {
		a.oversized++
		a.oversizedBytes += int64(size)
		return Block{Bytes: make([]byte, size), arena: noArena}
	}

	for _, arena := range a.arenas {
		if b, ok := arena.Allocate(size); ok {
			a.requested += int64(size)
			return b
		}
	}

	arena := newArena(a.minBlockSize, a.maxBlockSize, int32(len(a.arenas)))
	a.arenas = append(a.arenas, arena)

	// A fresh arena always has room for a request up to maxBlockSize.
	b, _ := arena.Allocate(size)
	a.requested += int64(size)
	return b
}

// FreeBlock returns a block to its arena. Blocks allocated outside the arenas
// are left to the garbage collector.
func (a *Allocator) FreeBlock(b Block) {
	idx, ok := b.Arena()
	if !ok || idx >= len(a.arenas) {
		return
	}
	arena := a.arenas[idx]
	before := arena.Blocks()
	arena.Free(b)
	if arena.Blocks() < before {
		a.requested -= int64(len(b.Bytes))
	}
}

// Stats returns a snapshot of the allocator's memory accounting.
func (a *Allocator) Stats() AllocStats {
	stats := AllocStats{
		Arenas:         int64(len(a.arenas)),
		RequestedBytes: a.requested,
		Oversized:      a.oversized,
		OversizedBytes: a.oversizedBytes,
	}
	for _, arena := range a.arenas {
		stats.ArenaBytes += int64(arena.Capacity())
		stats.ReservedBytes += int64(arena.Reserved())
		stats.Blocks += int64(arena.Blocks())
	}
	if stats.ReservedBytes > 0 {
		wasted := stats.ReservedBytes - stats.RequestedBytes
		stats.Fragmentation = float64(wasted) / float64(stats.ReservedBytes)
	}
	return stats
}

// MaxBlockSize returns the largest request served from an arena.
func (a *Allocator) MaxBlockSize() int {
	return a.maxBlockSize
}

// Close releases every arena region. Blocks handed out earlier must not be
// used afterwards.
func (a *Allocator) Close() error {
	var errs []error
	for i, arena := range a.arenas {
		if err := arena.release(); err != nil {
			errs = append(errs, fmt.Errorf("release arena %d: %w", i, err))
		}
	}
	a.arenas = nil
	return errors.Join(errs...)
}
