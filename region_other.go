//go:build !unix

package dashcache

func newRegion(size int) (data []byte, mapped bool) {
	return make([]byte, size), false
}

func releaseRegion(data []byte, mapped bool) error {
	return nil
}
