package tidsp

import (
	"fmt"
	"sync/atomic"
)

// DMADirection is the data direction of a shared buffer.
type DMADirection int

const (
	DMABidirectional DMADirection = iota
	DMAToDevice
	DMAFromDevice
)

func (d DMADirection) String() string {
	switch d {
	case DMABidirectional:
		return "bidirectional"
	case DMAToDevice:
		return "to-device"
	case DMAFromDevice:
		return "from-device"
	default:
		return "unknown"
	}
}

// DMABuffer is a host memory region shared with the device.
type DMABuffer struct {
	ID   uint32       // identity round-tripped through mailbox user tags
	Data []byte       // host view, len(Data) == Size
	Size int          // allocated capacity in bytes
	Len  int          // in-use length, never above Size
	Map  uint32       // device-visible address, 0 while unmapped
	Dir  DMADirection // transfer direction
	Proc Processor

	backing []byte
}

// Mapped reports whether the buffer is currently visible to the device.
func (b *DMABuffer) Mapped() bool { return b != nil && b.Map != 0 }

// BufferManager allocates and synchronizes DMA buffers.
//
// Begin prepares n bytes for a device read (host -> device); End prepares
// n bytes for a host read (device -> host).
type BufferManager interface {
	Alloc(proc Processor, size int, dir DMADirection) (*DMABuffer, error)
	Calloc(proc Processor, size int, dir DMADirection) (*DMABuffer, error)
	Map(b *DMABuffer) error
	Unmap(b *DMABuffer) error
	Begin(b *DMABuffer, n int) error
	End(b *DMABuffer, n int) error
	Free(b *DMABuffer) error
}

var bufferIDs atomic.Uint32

func nextBufferID() uint32 {
	for {
		if id := bufferIDs.Add(1); id != 0 {
			return id
		}
	}
}

// hostAllocator provides page-aligned host memory.
type hostAllocator interface {
	alloc(size int) ([]byte, error)
	free(mem []byte) error
}

// dmmManager is the default BufferManager, backed by anonymous mappings on
// the host and a MemoryMapper for the device side.
type dmmManager struct {
	mapper MemoryMapper
	mem    hostAllocator
}

// NewBufferManager returns a BufferManager that allocates page-aligned host
// memory and maps it into the device address space through mapper.
func NewBufferManager(mapper MemoryMapper) BufferManager {
	return &dmmManager{mapper: mapper, mem: mmapAllocator{}}
}

func (m *dmmManager) Alloc(proc Processor, size int, dir DMADirection) (*DMABuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("tidsp: invalid dma buffer size %d", size)
	}
	mem, err := m.mem.alloc(size)
	if err != nil {
		return nil, fmt.Errorf("tidsp: dma alloc %d bytes: %w", size, err)
	}
	return &DMABuffer{
		ID:      nextBufferID(),
		Data:    mem[:size:size],
		Size:    size,
		Dir:     dir,
		Proc:    proc,
		backing: mem,
	}, nil
}

// Calloc is Alloc with the region explicitly zeroed.
func (m *dmmManager) Calloc(proc Processor, size int, dir DMADirection) (*DMABuffer, error) {
	b, err := m.Alloc(proc, size, dir)
	if err != nil {
		return nil, err
	}
	clear(b.Data)
	return b, nil
}

// Map maps the whole buffer and prepares it for a device read.
func (m *dmmManager) Map(b *DMABuffer) error {
	if b.Map != 0 {
		return nil
	}
	addr, err := m.mapper.Map(b.Proc, b.Data)
	if err != nil {
		return bridgeErr("map", err)
	}
	b.Map = addr
	return m.Begin(b, b.Size)
}

func (m *dmmManager) Unmap(b *DMABuffer) error {
	if b.Map == 0 {
		return nil
	}
	if err := m.End(b, b.Size); err != nil {
		return err
	}
	err := m.mapper.Unmap(b.Proc, b.Map)
	b.Map = 0
	return bridgeErr("unmap", err)
}

func (m *dmmManager) Begin(b *DMABuffer, n int) error {
	region := b.Data[:clampLen(n, b.Size)]
	if b.Dir == DMAFromDevice {
		return bridgeErr("invalidate", m.mapper.Invalidate(b.Proc, region))
	}
	return bridgeErr("flush", m.mapper.Flush(b.Proc, region))
}

func (m *dmmManager) End(b *DMABuffer, n int) error {
	if b.Dir == DMAToDevice {
		return nil
	}
	region := b.Data[:clampLen(n, b.Size)]
	return bridgeErr("invalidate", m.mapper.Invalidate(b.Proc, region))
}

// Free unmaps the buffer if needed and releases its host memory. A nil
// buffer is ignored.
func (m *dmmManager) Free(b *DMABuffer) error {
	if b == nil || b.backing == nil {
		return nil
	}
	err := m.Unmap(b)
	if ferr := m.mem.free(b.backing); err == nil {
		err = ferr
	}
	b.backing = nil
	b.Data = nil
	return err
}

func clampLen(n, size int) int {
	if n < 0 {
		return 0
	}
	if n > size {
		return size
	}
	return n
}
