//go:build linux || darwin

package allocator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapAllocator is an allocator backed by a single anonymous mmap region.
// Allocations are served by bumping a watermark through the region, aligned
// to Config.AlignmentSize, like ArenaAllocator, but the backing memory is kernel-mapped
// rather than Go-heap-owned: it survives independently of the Go garbage
// collector and can be sized far larger than a process would comfortably
// keep on the Go heap. Free is a no-op, same as ArenaAllocator; the whole
// region is released at once by Close.
type MmapAllocator struct {
	config *Config
	region []byte

	mu     sync.Mutex
	offset uintptr

	allocCount atomic.Uint64
}

// NewMmapAllocator maps size bytes of anonymous, private memory and
// returns an allocator bump-allocating out of it.
func NewMmapAllocator(size uintptr, config *Config) (*MmapAllocator, error) {
	if config == nil {
		config = DefaultConfig()
	}

	region, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("allocator: mmap %d bytes: %w", size, err)
	}

	return &MmapAllocator{config: config, region: region}, nil
}

func (m *MmapAllocator) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	aligned := alignUp(m.offset, m.config.AlignmentSize)
	if aligned+size > uintptr(len(m.region)) {
		return nil
	}

	m.offset = aligned + size
	m.allocCount.Add(1)

	return unsafe.Pointer(&m.region[aligned])
}

func (m *MmapAllocator) Calloc(count, size uintptr) unsafe.Pointer {
	total := count * size

	ptr := m.Alloc(total)
	if ptr == nil {
		return nil
	}

	clear(unsafe.Slice((*byte)(ptr), total))

	return ptr
}

// Free is a no-op: MmapAllocator never reclaims individual allocations,
// only the region as a whole via Close.
func (m *MmapAllocator) Free(unsafe.Pointer) {}

func (m *MmapAllocator) Realloc(ptr unsafe.Pointer, oldSize, newSize uintptr) unsafe.Pointer {
	if ptr == nil {
		return m.Alloc(newSize)
	}

	if newSize <= oldSize {
		return ptr
	}

	newPtr := m.Alloc(newSize)
	if newPtr == nil {
		return nil
	}

	copyMemory(newPtr, ptr, oldSize)

	return newPtr
}

func (m *MmapAllocator) Stats() AllocatorStats {
	m.mu.Lock()
	inUse := m.offset
	m.mu.Unlock()

	return AllocatorStats{
		TotalAllocated:  inUse,
		AllocationCount: m.allocCount.Load(),
		BytesInUse:      inUse,
	}
}

// Close unmaps the region. The allocator must not be used afterward.
func (m *MmapAllocator) Close() error {
	return unix.Munmap(m.region)
}
