package allocator

import (
	"fmt"
	"sync"
	"unsafe"
)

// PoolAllocator is a size-classed free-list allocator: one Pool per
// configured size class, falling back to a SystemAllocator for sizes that
// exceed every class. Unlike a bump arena it supports real Free, which
// makes it a plausible stand-in inner allocator in tests that exercise
// release-then-reacquire cycles.
type PoolAllocator struct {
	config   *Config
	pools    map[uintptr]*sizePool
	fallback *SystemAllocator

	mu         sync.RWMutex
	ownerClass map[unsafe.Pointer]uintptr
}

// sizePool is the free list for a single size class.
type sizePool struct {
	size     uintptr
	mu       sync.Mutex
	chunks   [][]byte
	freeList []unsafe.Pointer
}

// NewPoolAllocator creates a pool allocator with one size class per entry
// in poolSizes.
func NewPoolAllocator(poolSizes []uintptr, config *Config) (*PoolAllocator, error) {
	if len(poolSizes) == 0 {
		return nil, fmt.Errorf("allocator: pool sizes cannot be empty")
	}

	if config == nil {
		config = DefaultConfig()
	}

	pools := make(map[uintptr]*sizePool, len(poolSizes))

	for _, size := range poolSizes {
		aligned := alignUp(size, config.AlignmentSize)
		pools[aligned] = &sizePool{size: aligned}
	}

	return &PoolAllocator{
		config:     config,
		pools:      pools,
		fallback:   NewSystemAllocator(config),
		ownerClass: make(map[unsafe.Pointer]uintptr),
	}, nil
}

func (pa *PoolAllocator) bestFit(size uintptr) uintptr {
	var best uintptr

	for class := range pa.pools {
		if class >= size && (best == 0 || class < best) {
			best = class
		}
	}

	return best
}

// Alloc implements Allocator.
func (pa *PoolAllocator) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	aligned := alignUp(size, pa.config.AlignmentSize)

	class := pa.bestFit(aligned)
	if class == 0 {
		return pa.fallback.Alloc(size)
	}

	ptr := pa.pools[class].alloc()
	if ptr == nil {
		return nil
	}

	pa.mu.Lock()
	pa.ownerClass[ptr] = class
	pa.mu.Unlock()

	return ptr
}

// Calloc implements Allocator.
func (pa *PoolAllocator) Calloc(count, size uintptr) unsafe.Pointer {
	total := count * size

	ptr := pa.Alloc(total)
	if ptr == nil {
		return nil
	}

	if class, ok := pa.classOf(ptr); ok {
		clear(unsafe.Slice((*byte)(ptr), class))
	} else {
		clear(unsafe.Slice((*byte)(ptr), total))
	}

	return ptr
}

func (pa *PoolAllocator) classOf(ptr unsafe.Pointer) (uintptr, bool) {
	pa.mu.RLock()
	defer pa.mu.RUnlock()

	class, ok := pa.ownerClass[ptr]

	return class, ok
}

// Free implements Allocator.
func (pa *PoolAllocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	pa.mu.Lock()
	class, ok := pa.ownerClass[ptr]
	if ok {
		delete(pa.ownerClass, ptr)
	}
	pa.mu.Unlock()

	if !ok {
		pa.fallback.Free(ptr)

		return
	}

	pa.pools[class].free(ptr)
}

// Realloc implements Allocator.
func (pa *PoolAllocator) Realloc(ptr unsafe.Pointer, oldSize, newSize uintptr) unsafe.Pointer {
	if ptr == nil {
		return pa.Alloc(newSize)
	}

	if newSize == 0 {
		pa.Free(ptr)

		return nil
	}

	oldClass, hadClass := pa.classOf(ptr)
	newClass := pa.bestFit(alignUp(newSize, pa.config.AlignmentSize))

	if hadClass && oldClass != 0 && oldClass == newClass {
		return ptr
	}

	newPtr := pa.Alloc(newSize)
	if newPtr == nil {
		return nil
	}

	copySize := oldSize
	if !hadClass {
		copySize = oldSize
	} else if oldClass < copySize {
		copySize = oldClass
	}

	if newSize < copySize {
		copySize = newSize
	}

	if copySize > 0 {
		copyMemory(newPtr, ptr, copySize)
	}

	pa.Free(ptr)

	return newPtr
}

// Stats implements Allocator.
func (pa *PoolAllocator) Stats() AllocatorStats {
	fallback := pa.fallback.Stats()

	var allocated, inUse uintptr

	var allocCount, freeCount uint64

	for _, p := range pa.pools {
		a, f, u := p.counts()
		allocated += a * p.size
		allocCount += a
		freeCount += f
		inUse += u * p.size
	}

	return AllocatorStats{
		TotalAllocated:  allocated + fallback.TotalAllocated,
		TotalFreed:      fallback.TotalFreed,
		AllocationCount: allocCount + fallback.AllocationCount,
		FreeCount:       freeCount + fallback.FreeCount,
		BytesInUse:      inUse + fallback.BytesInUse,
	}
}

func (p *sizePool) alloc() unsafe.Pointer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.freeList) == 0 {
		if err := p.growLocked(); err != nil {
			return nil
		}
	}

	ptr := p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]

	return ptr
}

func (p *sizePool) free(ptr unsafe.Pointer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.freeList = append(p.freeList, ptr)
}

func (p *sizePool) growLocked() error {
	const chunkBytes = 64 * 1024

	perChunk := chunkBytes / p.size
	if perChunk == 0 {
		perChunk = 1
	}

	chunk := make([]byte, perChunk*p.size)
	if len(chunk) == 0 {
		return fmt.Errorf("allocator: failed to grow pool of size %d", p.size)
	}

	p.chunks = append(p.chunks, chunk)

	for i := uintptr(0); i < perChunk; i++ {
		p.freeList = append(p.freeList, unsafe.Pointer(&chunk[i*p.size]))
	}

	return nil
}

// counts returns (objects ever handed out, objects returned, objects
// currently outstanding) for this pool. It is an approximation derived from
// chunk capacity and free-list length, sufficient for Stats reporting.
func (p *sizePool) counts() (allocated, freed, inUse uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var capacity uint64

	for _, c := range p.chunks {
		capacity += uint64(uintptr(len(c)) / p.size)
	}

	free := uint64(len(p.freeList))
	outstanding := capacity - free

	return capacity, free, outstanding
}
