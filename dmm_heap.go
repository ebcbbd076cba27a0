//go:build !(darwin || linux)

package tidsp

// mmapAllocator falls back to the Go heap where anonymous mappings are
// unavailable. Such memory is not page aligned; no bridge exists there.
type mmapAllocator struct{}

func (mmapAllocator) alloc(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (mmapAllocator) free([]byte) error { return nil }
