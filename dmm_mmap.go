//go:build darwin || linux

package tidsp

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapAllocator hands out anonymous private mappings, which are page
// aligned and zero filled as the bridge requires for mapping.
type mmapAllocator struct{}

func (mmapAllocator) alloc(size int) ([]byte, error) {
	page := os.Getpagesize()
	rounded := (size + page - 1) &^ (page - 1)
	return unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func (mmapAllocator) free(mem []byte) error {
	return unix.Munmap(mem)
}
