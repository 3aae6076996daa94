package dashcache

import (
	"strconv"
)

const (
	defaultMinBlockSize = 256
	defaultMaxBlockSize = 16 * 1024 * 1024
)

// ShardConfig configures a Shard.
type ShardConfig struct {
	// MinBlockSize is the smallest block handed out by an arena. Default is 256
	MinBlockSize int
	// MaxBlockSize is the size of each arena and the largest request served
	// from one. Larger values bypass the arenas. Default is 16MB
	MaxBlockSize int
	// Store configures the index. Its OnEvict hook, if set, runs after the
	// shard has released the evicted record's blocks.
	Store Options
}

// Shard is one Store together with the Allocator that owns its values, and
// implements memcached command semantics on top of them: CAS checks,
// version assignment, block ownership.
//
// A Shard is not safe for concurrent use. The server gives each shard to
// exactly one worker goroutine.
type Shard struct {
	store       *Store
	alloc       *Allocator
	lastVersion uint64
	closed      bool
}

var _ Cache = (*Shard)(nil)

// NewShard creates an empty shard.
func NewShard(cfg ShardConfig) (*Shard, error) {
	if cfg.MinBlockSize == 0 {
		cfg.MinBlockSize = defaultMinBlockSize
	}
	if cfg.MaxBlockSize == 0 {
		cfg.MaxBlockSize = max(defaultMaxBlockSize, cfg.MinBlockSize*2)
	}

	alloc, err := NewAllocator(cfg.MinBlockSize, cfg.MaxBlockSize)
	if err != nil {
		return nil, err
	}

	s := &Shard{alloc: alloc}
	opts := cfg.Store
	hook := opts.OnEvict
	opts.OnEvict = func(key []byte, record *Record) {
		s.release(record)
		if hook != nil {
			hook(key, record)
		}
	}

	store, err := New(opts)
	if err != nil {
		return nil, err
	}
	s.store = store
	return s, nil
}

// Store exposes the shard's index.
func (s *Shard) Store() *Store {
	return s.store
}

// Allocator exposes the shard's block allocator.
func (s *Shard) Allocator() *Allocator {
	return s.alloc
}

// Now returns the shard clock in milliseconds.
func (s *Shard) Now() uint64 {
	return s.store.Now()
}

func (s *Shard) release(record *Record) {
	if record == nil {
		return
	}
	if record.Value != nil {
		s.alloc.FreeBlock(*record.Value)
		record.Value = nil
	}
	if record.Extra != nil {
		s.alloc.FreeBlock(*record.Extra)
		record.Extra = nil
	}
}

func (s *Shard) copyBlock(data []byte) *Block {
	b := s.alloc.AllocateBlock(len(data))
	copy(b.Bytes, data)
	return &b
}

// nextVersion returns a CAS token that is timestamp-like and strictly
// increasing within the shard.
func (s *Shard) nextVersion() uint64 {
	v := s.store.Now()
	if v <= s.lastVersion {
		v = s.lastVersion + 1
	}
	s.lastVersion = v
	return v
}

// checkCAS validates a request CAS against the current record. A zero cas
// always passes.
func checkCAS(current *Record, cas uint64) error {
	if cas == 0 {
		return nil
	}
	if current == nil {
		return ErrKeyNotFound
	}
	if current.Version != cas {
		return ErrKeyExists
	}
	return nil
}

// Get retrieves the item stored under key.
func (s *Shard) Get(key []byte) (Item, error) {
	if s.closed {
		return Item{}, ErrCacheClosed
	}
	record, ok := s.store.Get(key)
	if !ok {
		return Item{}, ErrKeyNotFound
	}
	return Item{
		Value:   record.ValueBytes(),
		Flags:   record.ExtraBytes(),
		Version: record.Version,
	}, nil
}

// Has checks if a live key exists.
func (s *Shard) Has(key []byte) bool {
	if s.closed {
		return false
	}
	return s.store.ContainsKey(key)
}

type storeMode uint8

const (
	storeSet storeMode = iota
	storeAdd
	storeReplace
)

// Set stores value and flags under key whether or not it exists.
func (s *Shard) Set(key, value, flags []byte, expireAt, cas uint64) (uint64, error) {
	return s.write(storeSet, key, value, flags, expireAt, cas)
}

// Add stores value only if key is absent.
func (s *Shard) Add(key, value, flags []byte, expireAt uint64) (uint64, error) {
	return s.write(storeAdd, key, value, flags, expireAt, 0)
}

// Replace stores value only if key is present.
func (s *Shard) Replace(key, value, flags []byte, expireAt, cas uint64) (uint64, error) {
	return s.write(storeReplace, key, value, flags, expireAt, cas)
}

func (s *Shard) write(mode storeMode, key, value, flags []byte, expireAt, cas uint64) (uint64, error) {
	if s.closed {
		return 0, ErrCacheClosed
	}
	current, exists := s.store.Peek(key)
	switch {
	case mode == storeAdd && exists:
		return 0, ErrKeyExists
	case mode == storeReplace && !exists:
		return 0, ErrKeyNotFound
	}
	if err := checkCAS(current, cas); err != nil {
		return 0, err
	}

	record := &Record{
		Value:   s.copyBlock(value),
		Version: s.nextVersion(),
	}
	if flags != nil {
		record.Extra = s.copyBlock(flags)
	}
	if err := s.store.Put(key, record, expireAt); err != nil {
		s.release(record)
		return 0, err
	}
	if exists {
		s.release(current)
	}
	return record.Version, nil
}

// Append adds data after the current value of key.
func (s *Shard) Append(key, data []byte, cas uint64) (uint64, error) {
	return s.concat(key, data, cas, false)
}

// Prepend adds data before the current value of key.
func (s *Shard) Prepend(key, data []byte, cas uint64) (uint64, error) {
	return s.concat(key, data, cas, true)
}

func (s *Shard) concat(key, data []byte, cas uint64, front bool) (uint64, error) {
	if s.closed {
		return 0, ErrCacheClosed
	}
	record, ok := s.store.Peek(key)
	if !ok {
		return 0, ErrKeyNotFound
	}
	if err := checkCAS(record, cas); err != nil {
		return 0, err
	}

	old := record.ValueBytes()
	joined := s.alloc.AllocateBlock(len(old) + len(data))
	if front {
		copy(joined.Bytes[copy(joined.Bytes, data):], old)
	} else {
		copy(joined.Bytes[copy(joined.Bytes, old):], data)
	}

	if record.Value != nil {
		s.alloc.FreeBlock(*record.Value)
	}
	record.Value = &joined
	record.Version = s.nextVersion()
	return record.Version, nil
}

// Incr adds delta to the decimal counter under key, wrapping at 2^64. When
// the key is missing and create is set, the counter starts at initial.
// It returns the new counter value and version.
func (s *Shard) Incr(key []byte, delta, initial, expireAt uint64, create bool, cas uint64) (uint64, uint64, error) {
	return s.arith(key, delta, initial, expireAt, create, cas, true)
}

// Decr subtracts delta from the decimal counter under key, stopping at zero.
func (s *Shard) Decr(key []byte, delta, initial, expireAt uint64, create bool, cas uint64) (uint64, uint64, error) {
	return s.arith(key, delta, initial, expireAt, create, cas, false)
}

func (s *Shard) arith(key []byte, delta, initial, expireAt uint64, create bool, cas uint64, incr bool) (uint64, uint64, error) {
	if s.closed {
		return 0, 0, ErrCacheClosed
	}
	record, ok := s.store.Peek(key)
	if err := checkCAS(record, cas); err != nil {
		return 0, 0, err
	}

	if !ok {
		if !create {
			return 0, 0, ErrKeyNotFound
		}
		version, err := s.write(storeAdd, key, strconv.AppendUint(nil, initial, 10), make([]byte, 4), expireAt, 0)
		if err != nil {
			return 0, 0, err
		}
		return initial, version, nil
	}

	current, err := strconv.ParseUint(string(record.ValueBytes()), 10, 64)
	if err != nil {
		return 0, 0, ErrNonNumeric
	}
	next := current + delta
	if !incr {
		next = 0
		if delta < current {
			next = current - delta
		}
	}

	if record.Value != nil {
		s.alloc.FreeBlock(*record.Value)
	}
	record.Value = s.copyBlock(strconv.AppendUint(nil, next, 10))
	record.Version = s.nextVersion()
	return next, record.Version, nil
}

// Delete removes key and releases its blocks.
func (s *Shard) Delete(key []byte, cas uint64) error {
	if s.closed {
		return ErrCacheClosed
	}
	record, ok := s.store.Peek(key)
	if !ok {
		return ErrKeyNotFound
	}
	if err := checkCAS(record, cas); err != nil {
		return err
	}
	s.store.Remove(key)
	s.release(record)
	return nil
}

// Flush drops every key and releases its blocks.
func (s *Shard) Flush() {
	if s.closed {
		return
	}
	s.store.Clear()
}

// SweepExpired drops every entry expired at now (milliseconds), releasing
// its blocks, and reports whether anything was removed.
func (s *Shard) SweepExpired(now uint64) bool {
	if s.closed {
		return false
	}
	return s.store.SweepExpired(now)
}

// Scan iterates through all live keys with the given prefix in lexical order.
// The function should return true to stop iteration, false to continue.
func (s *Shard) Scan(prefix []byte, fn func(key []byte) bool) error {
	if s.closed {
		return ErrCacheClosed
	}
	s.store.Scan(prefix, func(key []byte, _ *Record) bool {
		return fn(key)
	})
	return nil
}

// Stats returns index and allocator statistics.
func (s *Shard) Stats() Stats {
	stats := s.store.Stats()
	stats.Alloc = s.alloc.Stats()
	return stats
}

// Close releases the shard's arenas.
func (s *Shard) Close() error {
	if s.closed {
		return ErrCacheClosed
	}
	s.closed = true
	return s.alloc.Close()
}
