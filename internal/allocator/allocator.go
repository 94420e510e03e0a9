// Package allocator provides the allocator capability that memtrace wraps.
//
// It implements a minimal but functional set of allocators supporting
// system-backed allocation, arena-based bump allocation, and size-classed
// pool allocation, all conforming to a single Allocator interface so any of
// them can serve as either the "inner" allocator a tracer wraps or the
// "bookkeeping" allocator a tracer uses for its own metadata.
package allocator

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Allocator is the capability every memory-owning component in this module
// depends on: raw acquire, zero-filled acquire, release, and resize.
type Allocator interface {
	// Alloc returns size bytes of uninitialized memory, or nil if size is 0
	// or the allocation could not be satisfied.
	Alloc(size uintptr) unsafe.Pointer
	// Calloc returns count*size bytes of zero-filled memory.
	Calloc(count, size uintptr) unsafe.Pointer
	// Free releases memory previously returned by this same Allocator.
	Free(ptr unsafe.Pointer)
	// Realloc resizes the allocation at ptr (oldSize bytes) to newSize bytes,
	// preserving the min(oldSize, newSize) leading bytes. The returned
	// pointer may differ from ptr.
	Realloc(ptr unsafe.Pointer, oldSize, newSize uintptr) unsafe.Pointer
	// Stats reports cumulative allocation activity.
	Stats() AllocatorStats
}

// AllocatorStats reports cumulative counters for an Allocator.
type AllocatorStats struct {
	TotalAllocated  uintptr
	TotalFreed      uintptr
	AllocationCount uint64
	FreeCount       uint64
	BytesInUse      uintptr
}

// Config tunes allocator construction. Not every field applies to every
// allocator kind.
type Config struct {
	AlignmentSize uintptr
	ArenaSize     uintptr
	PoolSizes     []uintptr
}

// DefaultConfig returns the configuration used when a caller does not
// supply one.
func DefaultConfig() *Config {
	return &Config{
		AlignmentSize: 8,
		ArenaSize:     64 * 1024 * 1024,
		PoolSizes:     []uintptr{8, 16, 32, 64, 128, 256, 512, 1024},
	}
}

func alignUp(size, alignment uintptr) uintptr {
	if alignment == 0 {
		return size
	}

	return (size + alignment - 1) &^ (alignment - 1)
}

func copyMemory(dst, src unsafe.Pointer, size uintptr) {
	dstSlice := unsafe.Slice((*byte)(dst), size)
	srcSlice := unsafe.Slice((*byte)(src), size)
	copy(dstSlice, srcSlice)
}

// SystemAllocator is a thin wrapper around Go's own allocator. It is the
// default inner and bookkeeping allocator when a caller does not supply one.
//
// Go will not move or collect the backing array of a live slice, but it also
// will not keep a slice alive just because an unsafe.Pointer derived from it
// is held elsewhere; SystemAllocator keeps a reference to every outstanding
// slice in live so the garbage collector cannot reclaim memory that callers
// still address via the returned unsafe.Pointer.
type SystemAllocator struct {
	config *Config
	live   map[unsafe.Pointer][]byte
	mu     sync.Mutex

	totalAllocated atomic.Uintptr
	totalFreed     atomic.Uintptr
	allocCount     atomic.Uint64
	freeCount      atomic.Uint64
}

// NewSystemAllocator creates a system-backed allocator.
func NewSystemAllocator(config *Config) *SystemAllocator {
	if config == nil {
		config = DefaultConfig()
	}

	return &SystemAllocator{
		config: config,
		live:   make(map[unsafe.Pointer][]byte),
	}
}

// Alloc implements Allocator.
func (sa *SystemAllocator) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	aligned := alignUp(size, sa.config.AlignmentSize)

	buf := make([]byte, aligned)
	ptr := unsafe.Pointer(&buf[0])

	sa.mu.Lock()
	sa.live[ptr] = buf
	sa.mu.Unlock()

	sa.totalAllocated.Add(aligned)
	sa.allocCount.Add(1)

	return ptr
}

// Calloc implements Allocator. Go's make already zero-fills, so this is
// Alloc with the requested byte count pre-multiplied.
func (sa *SystemAllocator) Calloc(count, size uintptr) unsafe.Pointer {
	return sa.Alloc(count * size)
}

// Free implements Allocator.
func (sa *SystemAllocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	sa.mu.Lock()
	buf, ok := sa.live[ptr]
	if ok {
		delete(sa.live, ptr)
	}
	sa.mu.Unlock()

	if !ok {
		return
	}

	sa.totalFreed.Add(uintptr(len(buf)))
	sa.freeCount.Add(1)
	runtime.KeepAlive(buf)
}

// Realloc implements Allocator.
func (sa *SystemAllocator) Realloc(ptr unsafe.Pointer, oldSize, newSize uintptr) unsafe.Pointer {
	if ptr == nil {
		return sa.Alloc(newSize)
	}

	if newSize == 0 {
		sa.Free(ptr)

		return nil
	}

	newPtr := sa.Alloc(newSize)
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

	sa.Free(ptr)

	return newPtr
}

// Stats implements Allocator.
func (sa *SystemAllocator) Stats() AllocatorStats {
	totalAllocated := sa.totalAllocated.Load()
	totalFreed := sa.totalFreed.Load()

	return AllocatorStats{
		TotalAllocated:  totalAllocated,
		TotalFreed:      totalFreed,
		AllocationCount: sa.allocCount.Load(),
		FreeCount:       sa.freeCount.Load(),
		BytesInUse:      totalAllocated - totalFreed,
	}
}

// LiveCount returns the number of allocations SystemAllocator itself is
// still holding a reference to. Useful in tests asserting that Free was
// actually called rather than merely decremented somewhere else.
func (sa *SystemAllocator) LiveCount() int {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	return len(sa.live)
}

// String implements fmt.Stringer for diagnostic printing.
func (s AllocatorStats) String() string {
	return fmt.Sprintf("allocated=%d freed=%d inUse=%d allocs=%d frees=%d",
		s.TotalAllocated, s.TotalFreed, s.BytesInUse, s.AllocationCount, s.FreeCount)
}
