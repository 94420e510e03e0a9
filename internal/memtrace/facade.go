package memtrace

import (
	"unsafe"

	"github.com/orizon-lang/memtrace/internal/allocator"
)

// Tracer is an allocator.Allocator that forwards every operation to an
// inner allocator while tracking live allocations for leak reporting. A
// *Tracer is itself a valid allocator.Allocator, so it can be substituted
// anywhere an inner allocator is expected, including as the inner allocator
// of a second Tracer (though the bookkeeping-allocator identity check in
// New still applies to whichever tracer is constructed last).
type Tracer struct {
	inner allocator.Allocator
	state *tracker
}

var _ allocator.Allocator = (*Tracer)(nil)

// Alloc implements allocator.Allocator: it acquires from the inner
// allocator, then tracks the result.
func (t *Tracer) Alloc(size uintptr) unsafe.Pointer {
	ptr := t.inner.Alloc(size)
	t.state.track(uintptr(ptr), size)

	return ptr
}

// Calloc implements allocator.Allocator: it acquires zero-filled memory
// from the inner allocator, then tracks the result under the total byte
// count.
func (t *Tracer) Calloc(count, size uintptr) unsafe.Pointer {
	ptr := t.inner.Calloc(count, size)
	t.state.track(uintptr(ptr), count*size)

	return ptr
}

// Free implements allocator.Allocator: it untracks ptr before releasing it,
// so a concurrent dump can never observe an address as both live and freed.
func (t *Tracer) Free(ptr unsafe.Pointer) {
	t.state.untrack(uintptr(ptr))
	t.inner.Free(ptr)
}

// Realloc implements allocator.Allocator. The inner reallocation may
// succeed in place (same address) or move; untrack/track always use the
// addresses actually involved rather than assuming which happened, so the
// net effect on tracked live bytes is exactly newSize-oldSize regardless.
func (t *Tracer) Realloc(ptr unsafe.Pointer, oldSize, newSize uintptr) unsafe.Pointer {
	newPtr := t.inner.Realloc(ptr, oldSize, newSize)

	t.state.untrack(uintptr(ptr))
	t.state.track(uintptr(newPtr), newSize)

	return newPtr
}

// Stats implements allocator.Allocator by passing through to the inner
// allocator: the tracer has no independent opinion about cumulative
// allocation activity, only about what is currently live (see LiveBytes,
// LiveCount).
func (t *Tracer) Stats() allocator.AllocatorStats {
	return t.inner.Stats()
}

// LiveBytes returns the number of bytes currently tracked as live. It is
// always zero at LevelNone.
func (t *Tracer) LiveBytes() uintptr {
	return t.state.liveByteCount()
}

// LiveCount returns the number of allocations currently tracked as live. It
// is always zero at LevelNone.
func (t *Tracer) LiveCount() int {
	return t.state.liveAllocationCount()
}

// Level reports the tracer's effective trace level, which may be lower
// than what was requested at construction if stack capture was found to be
// unavailable.
func (t *Tracer) Level() Level {
	return t.state.level
}
