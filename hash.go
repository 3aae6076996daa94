package dashcache

import (
	"github.com/cespare/xxhash/v2"
)

// digestBits is the width of a key digest and the hard ceiling on directory
// depth.
const digestBits = 64

// Hasher maps a key to its 64-bit digest. It must be stable for the lifetime
// of a Store.
type Hasher func(key []byte) uint64

// Digest is the default Hasher.
func Digest(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// fingerprint is the top byte of the digest.
func fingerprint(digest uint64) uint8 {
	return uint8(digest >> 56)
}

// bitSet reports whether bit i (LSB first) of the digest is set.
func bitSet(digest uint64, i int) bool {
	return (digest>>uint(i))&1 == 1
}

// JumpHash maps key uniformly onto [0, buckets) using Lamping and Veach's
// jump consistent hash.
func JumpHash(key uint64, buckets int) int {
	if buckets <= 1 {
		return 0
	}
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}
