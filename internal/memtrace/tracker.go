package memtrace

import (
	"hash/maphash"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/orizon-lang/memtrace/internal/allocator"
	"github.com/orizon-lang/memtrace/internal/memtrace/stackcap"
)

var (
	allocationRecordSize = unsafe.Sizeof(AllocationRecord{})
	frameSize            = unsafe.Sizeof(uintptr(0))
)

// tracker holds everything the facade needs to track and untrack live
// allocations: configuration, atomics, the mutex, and the allocation map
// and stack registry it guards.
type tracker struct {
	book allocator.Allocator

	level          Level
	framesPerStack int

	walker     stackcap.Walker
	symbolizer stackcap.Symbolizer
	logger     *log.Logger
	seed       maphash.Seed

	liveBytes atomic.Int64
	nextSeq   atomic.Uint64

	mu     sync.Mutex
	allocs *allocTable
	stacks *stackRegistry
}

func newTracker(book allocator.Allocator, level Level, framesPerStack int, walker stackcap.Walker, symbolizer stackcap.Symbolizer, logger *log.Logger) *tracker {
	if walker == nil {
		walker = stackcap.RuntimeWalker{}
	}

	if symbolizer == nil {
		symbolizer = stackcap.RuntimeSymbolizer{}
	}

	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	if level == LevelStacks && !stackCaptureAvailable(walker) {
		level = LevelBytes
	}

	tr := &tracker{
		book:           book,
		level:          level,
		framesPerStack: clampFramesPerStack(framesPerStack),
		walker:         walker,
		symbolizer:     symbolizer,
		logger:         logger,
		seed:           maphash.MakeSeed(),
		allocs:         newAllocTable(),
		stacks:         newStackRegistry(),
	}

	return tr
}

// stackCaptureAvailable probes the walker with a minimal request, mirroring
// the reference implementation's single-frame probe: a walker that cannot
// capture stacks at all on the running platform returns zero frames even
// for the smallest possible request.
func stackCaptureAvailable(w stackcap.Walker) bool {
	var probe [1]uintptr

	return w.Capture(0, probe[:]) > 0
}

// track records a new live allocation at addr, of size bytes. It is a
// no-op at LevelNone. A nil addr is not recorded; for a non-zero size it
// means the inner allocator failed, which panics.
func (tr *tracker) track(addr uintptr, size uintptr) {
	if tr.level == LevelNone {
		return
	}

	if addr == 0 {
		if size != 0 {
			panicInvariant("inner allocator returned nil", map[string]interface{}{"size": size})
		}

		return
	}

	tr.liveBytes.Add(int64(size))

	rec := tr.newRecord(size)

	if tr.level == LevelStacks {
		tr.captureStack(rec)
	}

	tr.mu.Lock()
	tr.allocs.insert(addr, rec)
	tr.mu.Unlock()
}

// untrack forgets addr if it is currently live. An address that was never
// tracked (for example because it was allocated before the tracer was
// installed) is silently ignored.
func (tr *tracker) untrack(addr uintptr) {
	if tr.level == LevelNone {
		return
	}

	tr.mu.Lock()
	rec, ok := tr.allocs.remove(addr)
	tr.mu.Unlock()

	if !ok {
		return
	}

	tr.liveBytes.Add(-int64(rec.Size))
	tr.releaseRecord(rec)
}

func (tr *tracker) newRecord(size uintptr) *AllocationRecord {
	handle := tr.book.Alloc(allocationRecordSize)
	if handle == nil {
		panicInvariant("bookkeeping allocator exhausted allocating a record", map[string]interface{}{"size": size})
	}

	return &AllocationRecord{
		Size:       size,
		Timestamp:  time.Now().Unix(),
		sequence:   tr.nextSeq.Add(1),
		bookHandle: handle,
	}
}

func (tr *tracker) releaseRecord(rec *AllocationRecord) {
	tr.book.Free(rec.bookHandle)
}

// captureStack captures a stack for rec, skipping the tracker's own frame
// and the facade entry point, and attributes rec to the resulting
// fingerprint. A capture that returns zero frames (stack walking failed for
// this call, even though it is generally supported) leaves rec's
// fingerprint at zero: the allocation is still tracked, just without a
// call site.
func (tr *tracker) captureStack(rec *AllocationRecord) {
	buf := make([]uintptr, skipPrefix+tr.framesPerStack)

	// Skip captureStack itself so the capture starts at track.
	depth := tr.walker.Capture(1, buf)
	if depth == 0 {
		return
	}

	captured := buf[:depth]
	fp := fingerprint(tr.seed, captured)
	rec.StackFingerprint = fp

	tr.mu.Lock()
	tr.stacks.findOrInsert(fp, func() *StackRecord {
		return tr.newStackRecord(captured)
	})
	tr.mu.Unlock()
}

func (tr *tracker) newStackRecord(captured []uintptr) *StackRecord {
	var kept []uintptr
	if len(captured) > skipPrefix {
		kept = append([]uintptr(nil), captured[skipPrefix:]...)
	}

	bookSize := uintptr(tr.framesPerStack) * frameSize

	handle := tr.book.Alloc(bookSize)
	if handle == nil {
		panicInvariant("bookkeeping allocator exhausted allocating a stack record", nil)
	}

	return &StackRecord{Frames: kept, bookHandle: handle}
}

func fingerprint(seed maphash.Seed, frames []uintptr) uint64 {
	if len(frames) == 0 {
		return 0
	}

	var h maphash.Hash

	h.SetSeed(seed)

	raw := unsafe.Slice((*byte)(unsafe.Pointer(&frames[0])), len(frames)*int(frameSize))
	_, _ = h.Write(raw)

	return h.Sum64()
}

func (tr *tracker) liveByteCount() uintptr {
	return uintptr(tr.liveBytes.Load())
}

func (tr *tracker) liveAllocationCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	return tr.allocs.len()
}

// teardown releases every record and stack the tracker is still holding
// back to the bookkeeping allocator.
func (tr *tracker) teardown() {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.allocs.forEach(func(_ uintptr, rec *AllocationRecord) {
		tr.book.Free(rec.bookHandle)
	})
	tr.allocs.clear()

	tr.stacks.forEach(func(_ uint64, rec *StackRecord) {
		tr.book.Free(rec.bookHandle)
	})
	tr.stacks.clear()
}
