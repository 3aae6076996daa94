package dashcache

import (
	"errors"
)

var (
	// ErrKeyNotFound is returned when a key is not found in the cache
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyExists is returned when a key is present but the operation needs
	// it absent, or when a CAS token does not match
	ErrKeyExists = errors.New("key exists")
	// ErrNonNumeric is returned when incrementing or decrementing a value that
	// is not an unsigned decimal number
	ErrNonNumeric = errors.New("incr/decr on non-numeric value")
	// ErrInsertFailed is returned when the index cannot place a new entry
	ErrInsertFailed = errors.New("insert failed")
	// ErrDirectoryExhausted is returned when every usable digest bit has been
	// consumed without finding room for a key
	ErrDirectoryExhausted = errors.New("directory exhausted")
	// ErrDirectoryCorrupted is returned when a lookup meets an uninitialized
	// segment, which means the split bookkeeping is broken
	ErrDirectoryCorrupted = errors.New("directory corrupted")
	// ErrInvalidOptions is returned when construction parameters are invalid
	ErrInvalidOptions = errors.New("invalid options")
	// ErrCacheClosed is returned when attempting to use a closed cache
	ErrCacheClosed = errors.New("cache is closed")
)

// Cache defines the interface of a single-owner cache shard
type Cache interface {
	// Get retrieves the item stored under key
	// Returns ErrKeyNotFound if the key doesn't exist or has expired
	Get(key []byte) (Item, error)

	// Set stores value and flags under key and returns the new version
	// A non-zero cas must match the current version
	Set(key, value, flags []byte, expireAt, cas uint64) (uint64, error)

	// Delete removes a key from the cache
	// Returns ErrKeyNotFound if the key doesn't exist
	Delete(key []byte, cas uint64) error

	// Has checks if a key exists in the cache
	Has(key []byte) bool

	// Stats returns cache statistics
	Stats() Stats

	// Scan iterates through all keys with the given prefix and calls the function for each key
	// The function should return true to stop iteration, false to continue
	Scan(prefix []byte, fn func(key []byte) bool) error

	// Close releases the cache's memory
	// After Close is called, any subsequent operations will return ErrCacheClosed
	Close() error
}

// Item is a read view of a stored record. Value and Flags alias arena memory
// and are only valid until the key is next mutated.
type Item struct {
	Value   []byte
	Flags   []byte
	Version uint64
}

// Stats provides information about cache performance and memory
type Stats struct {
	// Keys is the number of keys in the index
	Keys int64
	// Reads is the total number of lookups
	Reads int64
	// Hits is the number of lookups that found a live key
	Hits int64
	// Misses is the number of lookups that found nothing
	Misses int64
	// Writes is the total number of successful puts
	Writes int64
	// Deletes is the total number of explicit removals
	Deletes int64
	// Expired is the number of entries dropped on expiration
	Expired int64
	// Segments is the number of in-use segments
	Segments int64
	// DirectorySlots is the length of the directory's backing array
	DirectorySlots int64
	// DirectoryDepth is the deepest digest bit consumed by a split
	DirectoryDepth int64
	// Splits is the number of segment splits
	Splits int64
	// ProbeWidth is the bucket metadata batch width in bytes (0 = scalar)
	ProbeWidth int64

	// Alloc describes the block allocator backing values and extras
	Alloc AllocStats
}

// Add folds o into s. Depth and probe width take the maximum.
func (s *Stats) Add(o Stats) {
	s.Keys += o.Keys
	s.Reads += o.Reads
	s.Hits += o.Hits
	s.Misses += o.Misses
	s.Writes += o.Writes
	s.Deletes += o.Deletes
	s.Expired += o.Expired
	s.Segments += o.Segments
	s.DirectorySlots += o.DirectorySlots
	s.DirectoryDepth = max(s.DirectoryDepth, o.DirectoryDepth)
	s.Splits += o.Splits
	s.ProbeWidth = max(s.ProbeWidth, o.ProbeWidth)

	s.Alloc.Arenas += o.Alloc.Arenas
	s.Alloc.ArenaBytes += o.Alloc.ArenaBytes
	s.Alloc.ReservedBytes += o.Alloc.ReservedBytes
	s.Alloc.RequestedBytes += o.Alloc.RequestedBytes
	s.Alloc.Blocks += o.Alloc.Blocks
	s.Alloc.Oversized += o.Alloc.Oversized
	s.Alloc.OversizedBytes += o.Alloc.OversizedBytes
	s.Alloc.Fragmentation = 0
	if s.Alloc.ReservedBytes > 0 {
		wasted := s.Alloc.ReservedBytes - s.Alloc.RequestedBytes
		s.Alloc.Fragmentation = float64(wasted) / float64(s.Alloc.ReservedBytes)
	}
}
