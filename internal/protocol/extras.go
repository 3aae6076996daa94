package protocol

import (
	"encoding/binary"
)

const (
	// StoreExtrasLength is the extras size of SET, ADD and REPLACE: flags
	// then expiration.
	StoreExtrasLength = 8
	// CounterExtrasLength is the extras size of INCREMENT and DECREMENT:
	// delta, initial value, expiration.
	CounterExtrasLength = 20
	// FlushExtrasLength is the optional extras size of FLUSH.
	FlushExtrasLength = 4
	// FlagsLength is the size of the flags returned with GET.
	FlagsLength = 4

	// NoAutoCreate as a counter expiration makes INCREMENT and DECREMENT fail
	// on a missing key instead of creating it.
	NoAutoCreate uint32 = 0xffffffff

	// maxRelativeExpiration is the largest expiration read as seconds from
	// now; anything above is an absolute unix time.
	maxRelativeExpiration = 60 * 60 * 24 * 30
)

// StoreExtras are the extras of a storage command.
type StoreExtras struct {
	Flags      uint32
	Expiration uint32
}

// ParseStoreExtras decodes storage extras. b must be StoreExtrasLength long.
func ParseStoreExtras(b []byte) StoreExtras {
	return StoreExtras{
		Flags:      binary.BigEndian.Uint32(b[0:]),
		Expiration: binary.BigEndian.Uint32(b[4:]),
	}
}

func (e StoreExtras) Bytes() []byte {
	b := make([]byte, StoreExtrasLength)
	binary.BigEndian.PutUint32(b[0:], e.Flags)
	binary.BigEndian.PutUint32(b[4:], e.Expiration)
	return b
}

// FlagBytes returns the flags as stored and returned by GET.
func (e StoreExtras) FlagBytes() []byte {
	return binary.BigEndian.AppendUint32(nil, e.Flags)
}

// CounterExtras are the extras of INCREMENT and DECREMENT.
type CounterExtras struct {
	Delta      uint64
	Initial    uint64
	Expiration uint32
}

// ParseCounterExtras decodes counter extras. b must be CounterExtrasLength
// long.
func ParseCounterExtras(b []byte) CounterExtras {
	return CounterExtras{
		Delta:      binary.BigEndian.Uint64(b[0:]),
		Initial:    binary.BigEndian.Uint64(b[8:]),
		Expiration: binary.BigEndian.Uint32(b[16:]),
	}
}

func (e CounterExtras) Bytes() []byte {
	b := make([]byte, CounterExtrasLength)
	binary.BigEndian.PutUint64(b[0:], e.Delta)
	binary.BigEndian.PutUint64(b[8:], e.Initial)
	binary.BigEndian.PutUint32(b[16:], e.Expiration)
	return b
}

// AutoCreate reports whether a missing counter should be created.
func (e CounterExtras) AutoCreate() bool {
	return e.Expiration != NoAutoCreate
}

// ExpireAt converts a protocol expiration to an absolute time in
// milliseconds, given the current time in milliseconds. Zero never expires;
// up to 30 days is relative seconds; anything larger is absolute unix
// seconds.
func ExpireAt(expiration uint32, nowMs uint64) uint64 {
	switch {
	case expiration == 0:
		return 0
	case expiration <= maxRelativeExpiration:
		return nowMs + uint64(expiration)*1000
	}
	return uint64(expiration) * 1000
}

// ParseFlushExtras decodes the delay, in seconds, of a FLUSH request.
func ParseFlushExtras(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// ParseFlags decodes the 4 flag bytes of a GET response. Missing flags read
// as zero.
func ParseFlags(b []byte) uint32 {
	if len(b) < FlagsLength {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// CounterValue encodes the 8-byte body of an INCREMENT or DECREMENT response.
func CounterValue(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}
