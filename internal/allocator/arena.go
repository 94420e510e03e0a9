package allocator

import (
	"fmt"
	"sync"
	"unsafe"
)

// ArenaAllocator is a bump allocator over a single fixed-size buffer. It
// never frees individual allocations; the whole arena is reclaimed at once
// by Reset. It is a deliberately poor choice for a tracer's bookkeeping
// allocator (see memtrace's construction-time re-entrancy check) but a fine
// choice for the inner allocator when callers only ever grow, never shrink.
type ArenaAllocator struct {
	config    *Config
	buffer    []byte
	current   uintptr
	size      uintptr
	allocs    uint64
	totalUsed uintptr
	mu        sync.Mutex
}

// NewArenaAllocator creates an arena of the given size.
func NewArenaAllocator(size uintptr, config *Config) (*ArenaAllocator, error) {
	if size == 0 {
		return nil, fmt.Errorf("allocator: arena size must be greater than 0")
	}

	if config == nil {
		config = DefaultConfig()
	}

	return &ArenaAllocator{
		config: config,
		buffer: make([]byte, size),
		size:   size,
	}, nil
}

// Alloc implements Allocator.
func (aa *ArenaAllocator) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	aligned := alignUp(size, aa.config.AlignmentSize)

	aa.mu.Lock()
	defer aa.mu.Unlock()

	if aa.current+aligned > aa.size {
		return nil
	}

	ptr := unsafe.Pointer(&aa.buffer[aa.current])
	aa.current += aligned
	aa.allocs++
	aa.totalUsed += aligned

	return ptr
}

// Calloc implements Allocator. The arena buffer starts zeroed and bump
// allocation never reuses a byte range, so this is just Alloc.
func (aa *ArenaAllocator) Calloc(count, size uintptr) unsafe.Pointer {
	return aa.Alloc(count * size)
}

// Free is a no-op: the arena only reclaims space wholesale, via Reset.
func (aa *ArenaAllocator) Free(ptr unsafe.Pointer) {}

// Realloc always allocates fresh space for newSize bytes and copies the
// min(oldSize, newSize) leading bytes into it; it neither grows nor shrinks
// in place, and the old range stays consumed since Free is a no-op.
func (aa *ArenaAllocator) Realloc(ptr unsafe.Pointer, oldSize, newSize uintptr) unsafe.Pointer {
	if ptr == nil {
		return aa.Alloc(newSize)
	}

	if newSize == 0 {
		return nil
	}

	newPtr := aa.Alloc(newSize)
	if newPtr == nil {
		return nil
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}

	if copySize > 0 {
		copyMemory(newPtr, ptr, copySize)
	}

	return newPtr
}

// Stats implements Allocator.
func (aa *ArenaAllocator) Stats() AllocatorStats {
	aa.mu.Lock()
	defer aa.mu.Unlock()

	return AllocatorStats{
		TotalAllocated:  aa.totalUsed,
		AllocationCount: aa.allocs,
		BytesInUse:      aa.current,
	}
}

// Reset reclaims the entire arena at once.
func (aa *ArenaAllocator) Reset() {
	aa.mu.Lock()
	defer aa.mu.Unlock()

	aa.current = 0
	aa.allocs = 0
	aa.totalUsed = 0
}

// Available returns the amount of unused space in the arena.
func (aa *ArenaAllocator) Available() uintptr {
	aa.mu.Lock()
	defer aa.mu.Unlock()

	return aa.size - aa.current
}
