package dashcache

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

const (
	lo7  = 0x7f7f7f7f7f7f7f7f
	ones = 0x0101010101010101
	// gather moves the high bit of each byte into the top byte, byte i
	// landing on bit 56+i.
	gather = 0x0102040810204080
)

// nativeBatchWidth is the widest metadata comparison the CPU does in one
// instruction. Batches are evaluated as 64-bit words either way; the width
// only decides how many lanes are folded into one candidate mask.
var nativeBatchWidth = detectBatchWidth()

func detectBatchWidth() int {
	switch {
	case cpu.X86.HasAVX512BW:
		return 64
	case cpu.X86.HasAVX2:
		return 32
	case cpu.X86.HasSSE2, cpu.ARM64.HasASIMD:
		return 16
	}
	return 8
}

// batchWidth picks the largest supported width that fits in slotSize, or 0
// when even one word does not fit and every lane is probed scalar.
func batchWidth(slotSize, native int) int {
	for w := native; w >= 8; w >>= 1 {
		if w <= slotSize {
			return w
		}
	}
	return 0
}

// zeroBytes sets the high bit of every zero byte in x and clears all other
// bits. No carries cross byte boundaries, so there are no false positives.
func zeroBytes(x uint64) uint64 {
	y := (x & lo7) + lo7
	return ^(y | x | lo7)
}

// laneMask packs the high bit of each byte of z into an 8-bit mask.
func laneMask(z uint64) uint64 {
	return ((z >> 7) * gather) >> 56
}

// matchMask returns a mask with bit i set when meta[off+i] == b, for the
// width bytes starting at off. width must be a multiple of 8 and at most 64.
func matchMask(meta []byte, off, width int, b byte) uint64 {
	pattern := ones * uint64(b)
	var mask uint64
	for w := 0; w < width; w += 8 {
		word := binary.LittleEndian.Uint64(meta[off+w:])
		mask |= laneMask(zeroBytes(word^pattern)) << uint(w)
	}
	return mask
}
