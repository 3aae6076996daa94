//go:build unix

package dashcache

import (
	"golang.org/x/sys/unix"
)

// newRegion maps an anonymous private region so arena memory stays outside
// the Go heap. It falls back to a heap slice when the mapping fails.
func newRegion(size int) (data []byte, mapped bool) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return make([]byte, size), false
	}
	return data, true
}

func releaseRegion(data []byte, mapped bool) error {
	if !mapped {
		return nil
	}
	return unix.Munmap(data)
}
