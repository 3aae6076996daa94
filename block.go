package dashcache

// noArena marks a block that was allocated outside every arena.
const noArena = -1

// Block is a byte range handed out by an Arena or an Allocator.
//
// Bytes is sized to the original request; its capacity is the full
// power-of-two class reserved in the arena. A block is owned by exactly one
// record at a time and must be returned with Allocator.FreeBlock before the
// record drops it.
type Block struct {
	Bytes  []byte
	offset int
	node   int32
	arena  int32
}

// Offset returns the block's byte offset inside its arena region.
func (b Block) Offset() int {
	return b.offset
}

// Arena returns the index of the owning arena, or false for blocks allocated
// outside any arena.
func (b Block) Arena() (int, bool) {
	if b.arena == noArena {
		return 0, false
	}
	return int(b.arena), true
}

// Len returns the number of usable bytes.
func (b Block) Len() int {
	return len(b.Bytes)
}

// Record is the payload stored against a key.
//
// Version is an opaque CAS token; the index never compares it. Zero means no
// version has been assigned.
type Record struct {
	Value   *Block
	Extra   *Block
	Version uint64
}

// ValueBytes returns the value view or nil.
func (r *Record) ValueBytes() []byte {
	if r == nil || r.Value == nil {
		return nil
	}
	return r.Value.Bytes
}

// ExtraBytes returns the extras view or nil.
func (r *Record) ExtraBytes() []byte {
	if r == nil || r.Extra == nil {
		return nil
	}
	return r.Extra.Bytes
}
