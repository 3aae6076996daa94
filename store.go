package dashcache

import (
	"fmt"
	"log/slog"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
)

const (
	defaultSegmentSize = 60
	defaultRegularSize = 54
	defaultSlotSize    = 14
	defaultMaxDepth    = 24

	// MaxDirectoryDepth is the deepest directory a Store accepts.
	MaxDirectoryDepth = 32
)

// Options configures a Store. Zero values select the defaults.
type Options struct {
	// SegmentSize is the number of buckets per segment, stash included.
	// Default is 60
	SegmentSize int
	// RegularSize is the number of digest-addressed buckets per segment; the
	// remaining SegmentSize-RegularSize buckets are stash. Default is 54
	RegularSize int
	// SlotSize is the number of entries per bucket. Default is 14
	SlotSize int
	// MaxDepth caps the number of digest bits the directory may consume
	// before a put reports ErrDirectoryExhausted. The directory's backing
	// slice grows to 2^(depth+1) pointer slots along the deepest path, which
	// is 256 MiB at the default depth of 24 and 64 GiB at
	// MaxDirectoryDepth
	MaxDepth int
	// Hasher computes key digests. Default is Digest (xxhash64)
	Hasher Hasher
	// Clock returns the current time in milliseconds. Default is wall time
	Clock func() uint64
	// OnEvict is called for every entry the store drops by itself: expired
	// entries found by Get or SweepExpired, everything removed by Clear, and
	// entries a failed split could not place. Owners use it to release the
	// record's blocks.
	OnEvict func(key []byte, record *Record)
	// Logger receives internal errors such as directory corruption.
	// Default is slog.Default()
	Logger *slog.Logger
	// ScalarProbe disables batched metadata probing in buckets
	ScalarProbe bool
}

func (o Options) withDefaults() Options {
	if o.SegmentSize == 0 {
		o.SegmentSize = defaultSegmentSize
	}
	if o.RegularSize == 0 {
		o.RegularSize = min(defaultRegularSize, o.SegmentSize-1)
	}
	if o.SlotSize == 0 {
		o.SlotSize = defaultSlotSize
	}
	if o.MaxDepth == 0 {
		o.MaxDepth = defaultMaxDepth
	}
	if o.Hasher == nil {
		o.Hasher = Digest
	}
	if o.Clock == nil {
		o.Clock = WallClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) validate() error {
	if o.RegularSize <= 0 || o.RegularSize >= o.SegmentSize {
		return fmt.Errorf("%w: regular size %d must be in [1, segment size %d)", ErrInvalidOptions, o.RegularSize, o.SegmentSize)
	}
	if o.SlotSize <= 0 {
		return fmt.Errorf("%w: slot size %d must be positive", ErrInvalidOptions, o.SlotSize)
	}
	if o.MaxDepth < 1 || o.MaxDepth > MaxDirectoryDepth {
		return fmt.Errorf("%w: max depth %d must be in [1, %d]", ErrInvalidOptions, o.MaxDepth, MaxDirectoryDepth)
	}
	return nil
}

// WallClock returns the current unix time in milliseconds.
func WallClock() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Store is the storage engine: an extendible hash index from byte-string keys
// to records.
//
// Store performs no locking. Each instance must be owned by a single
// goroutine; concurrency comes from running one Store per shard.
type Store struct {
	dir     *directory
	hash    Hasher
	clock   func() uint64
	onEvict func(key []byte, record *Record)
	log     *slog.Logger
	width   int

	keys    int64
	reads   int64
	hits    int64
	misses  int64
	writes  int64
	deletes int64
	expired int64
}

// New creates an empty store.
func New(opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	width := batchWidth(opts.SlotSize, nativeBatchWidth)
	if opts.ScalarProbe {
		width = 0
	}

	s := &Store{
		dir:     newDirectory(opts.SegmentSize, opts.RegularSize, opts.SlotSize, width, opts.MaxDepth, opts.Logger),
		hash:    opts.Hasher,
		clock:   opts.Clock,
		onEvict: opts.OnEvict,
		log:     opts.Logger,
		width:   width,
	}
	s.dir.lost = s.drop
	return s, nil
}

// Put stores record under key, replacing any record already there. The key
// is copied; the record is stored by reference. expireAt is an absolute time
// in milliseconds, zero meaning never.
func (s *Store) Put(key []byte, record *Record, expireAt uint64) error {
	digest := s.hash(key)
	r, err := s.dir.put(key, record, digest, fingerprint(digest), expireAt)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInsertFailed, err)
	}
	s.writes++
	if r == putInserted {
		s.keys++
	}
	return nil
}

// Get returns the live record for key and counts the read. An expired record
// is removed as a side effect and reported as missing.
func (s *Store) Get(key []byte) (*Record, bool) {
	s.reads++
	record, ok := s.Peek(key)
	if !ok {
		s.misses++
		return nil, false
	}
	s.hits++
	return record, true
}

// Peek is Get without touching the read counters.
func (s *Store) Peek(key []byte) (*Record, bool) {
	digest := s.hash(key)
	found, expired, err := s.dir.get(key, digest, fingerprint(digest), s.clock())
	if expired != nil {
		s.evict(expired)
	}
	if err != nil || found == nil {
		return nil, false
	}
	return found.record, true
}

// ContainsKey reports whether key has a live record.
func (s *Store) ContainsKey(key []byte) bool {
	_, ok := s.Peek(key)
	return ok
}

// Remove deletes key. The caller keeps ownership of the removed record's
// blocks.
func (s *Store) Remove(key []byte) bool {
	digest := s.hash(key)
	removed, err := s.dir.remove(key, digest, fingerprint(digest))
	if err != nil || !removed {
		return false
	}
	s.keys--
	s.deletes++
	return true
}

// SweepExpired evicts every entry expired at now (milliseconds) and reports
// whether anything was removed.
func (s *Store) SweepExpired(now uint64) bool {
	evicted := s.dir.sweepExpired(now)
	for _, e := range evicted {
		s.evict(e)
	}
	return len(evicted) > 0
}

func (s *Store) evict(e *entry) {
	s.expired++
	s.drop(e)
}

// drop forgets an entry the index no longer holds and hands it to OnEvict.
func (s *Store) drop(e *entry) {
	s.keys--
	if s.onEvict != nil {
		s.onEvict(e.key, e.record)
	}
}

// Clear drops every entry, handing each to OnEvict, and shrinks the
// directory back to a single root segment.
func (s *Store) Clear() {
	if s.onEvict != nil {
		s.dir.each(func(e *entry) {
			s.onEvict(e.key, e.record)
		})
	}
	s.dir.reset()
	s.keys = 0
}

// Scan calls fn for every live key with the given prefix, in lexical order.
// fn returns true to stop. Records passed to fn must not be retained past a
// subsequent mutation of the store.
func (s *Store) Scan(prefix []byte, fn func(key []byte, record *Record) bool) {
	now := s.clock()
	txn := iradix.New().Txn()
	s.dir.each(func(e *entry) {
		if !e.expired(now) {
			txn.Insert(e.key, e.record)
		}
	})
	txn.Commit().Root().WalkPrefix(prefix, func(k []byte, v interface{}) bool {
		return fn(k, v.(*Record))
	})
}

// Len returns the number of entries, including expired entries not yet
// evicted.
func (s *Store) Len() int {
	return int(s.keys)
}

// Now returns the store clock's current time in milliseconds.
func (s *Store) Now() uint64 {
	return s.clock()
}

// Stats returns index statistics. Allocator fields are left zero.
func (s *Store) Stats() Stats {
	return Stats{
		Keys:           s.keys,
		Reads:          s.reads,
		Hits:           s.hits,
		Misses:         s.misses,
		Writes:         s.writes,
		Deletes:        s.deletes,
		Expired:        s.expired,
		Segments:       int64(s.dir.inUse),
		DirectorySlots: int64(len(s.dir.segments)),
		DirectoryDepth: int64(s.dir.depth),
		Splits:         s.dir.splits,
		ProbeWidth:     int64(s.width),
	}
}
