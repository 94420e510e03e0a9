package memtrace

import (
	"testing"

	"github.com/orizon-lang/memtrace/internal/allocator"
)

// fakeWalker produces a fixed, deterministic stack for every capture so
// tests can assert on fingerprints and call-site attribution without
// depending on the real call stack shape.
type fakeWalker struct {
	frames []uintptr
}

func (w fakeWalker) Capture(skip int, buf []uintptr) int {
	n := copy(buf, w.frames)

	return n
}

type fakeSymbolizer struct{}

func (fakeSymbolizer) Symbolize(frames []uintptr) []string {
	lines := make([]string, len(frames))
	for i := range frames {
		lines[i] = "fake.Frame"
	}

	return lines
}

func newTestInner() *allocator.SystemAllocator {
	return allocator.NewSystemAllocator(allocator.DefaultConfig())
}

func TestNewRejectsNilInner(t *testing.T) {
	if _, err := New(nil, newTestInner(), LevelBytes, 0); err == nil {
		t.Fatal("expected error for nil inner allocator")
	}
}

func TestNewRejectsSameAllocator(t *testing.T) {
	shared := newTestInner()

	if _, err := New(shared, shared, LevelBytes, 0); err == nil {
		t.Fatal("expected error when bookkeeping allocator equals inner allocator")
	}
}

func TestNewDefaultsBookkeepingAllocator(t *testing.T) {
	tr, err := New(newTestInner(), nil, LevelBytes, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if tr.state.book == nil {
		t.Fatal("expected a default bookkeeping allocator to be installed")
	}
}

func TestLevelNonePassesThroughWithoutTracking(t *testing.T) {
	tr, err := New(newTestInner(), newTestInner(), LevelNone, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ptr := tr.Alloc(128)
	if ptr == nil {
		t.Fatal("allocation failed")
	}

	if got := tr.LiveBytes(); got != 0 {
		t.Fatalf("LiveBytes at LevelNone = %d, want 0", got)
	}

	if got := tr.LiveCount(); got != 0 {
		t.Fatalf("LiveCount at LevelNone = %d, want 0", got)
	}

	tr.Free(ptr)
}

func TestLevelBytesTracksLiveBytesAndCount(t *testing.T) {
	tr, err := New(newTestInner(), newTestInner(), LevelBytes, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a := tr.Alloc(64)
	b := tr.Alloc(192)

	if got := tr.LiveBytes(); got != 256 {
		t.Fatalf("LiveBytes = %d, want 256", got)
	}

	if got := tr.LiveCount(); got != 2 {
		t.Fatalf("LiveCount = %d, want 2", got)
	}

	tr.Free(a)

	if got := tr.LiveBytes(); got != 192 {
		t.Fatalf("LiveBytes after one free = %d, want 192", got)
	}

	if got := tr.LiveCount(); got != 1 {
		t.Fatalf("LiveCount after one free = %d, want 1", got)
	}

	tr.Free(b)

	if got := tr.LiveBytes(); got != 0 {
		t.Fatalf("LiveBytes after all freed = %d, want 0", got)
	}
}

func TestReallocAdjustsLiveBytes(t *testing.T) {
	tr, err := New(newTestInner(), newTestInner(), LevelBytes, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ptr := tr.Alloc(64)

	grown := tr.Realloc(ptr, 64, 256)
	if grown == nil {
		t.Fatal("realloc failed")
	}

	if got := tr.LiveBytes(); got != 256 {
		t.Fatalf("LiveBytes after growing realloc = %d, want 256", got)
	}

	if got := tr.LiveCount(); got != 1 {
		t.Fatalf("LiveCount after realloc = %d, want 1", got)
	}

	tr.Free(grown)

	if got := tr.LiveBytes(); got != 0 {
		t.Fatalf("LiveBytes after final free = %d, want 0", got)
	}
}

func TestCallocTracksTotalSize(t *testing.T) {
	tr, err := New(newTestInner(), newTestInner(), LevelBytes, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ptr := tr.Calloc(16, 32)

	if got := tr.LiveBytes(); got != 512 {
		t.Fatalf("LiveBytes after calloc = %d, want 512", got)
	}

	tr.Free(ptr)
}

func TestLevelStacksAttributesLeaksToCallSite(t *testing.T) {
	walker := fakeWalker{frames: []uintptr{1, 2, 3, 4}}

	tr, err := New(newTestInner(), newTestInner(), LevelStacks, 4,
		WithStackWalker(walker), WithSymbolizer(fakeSymbolizer{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if tr.Level() != LevelStacks {
		t.Fatalf("Level() = %v, want LevelStacks", tr.Level())
	}

	a := tr.Alloc(10)
	b := tr.Alloc(20)

	report := tr.state.buildReport()

	if len(report.ByBytesDescending) != 1 {
		t.Fatalf("expected a single distinct call site, got %d", len(report.ByBytesDescending))
	}

	site := report.ByBytesDescending[0]
	if site.Count != 2 {
		t.Fatalf("call site Count = %d, want 2", site.Count)
	}

	if site.Bytes != 30 {
		t.Fatalf("call site Bytes = %d, want 30", site.Bytes)
	}

	if site.SymbolizedTrace == "" {
		t.Fatal("expected a non-empty symbolized trace")
	}

	tr.Free(a)
	tr.Free(b)
}

func TestUntrackUnknownAddressIsIgnored(t *testing.T) {
	tr, err := New(newTestInner(), newTestInner(), LevelBytes, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tr.state.untrack(0xdeadbeef)

	if got := tr.LiveBytes(); got != 0 {
		t.Fatalf("LiveBytes after untracking unknown address = %d, want 0", got)
	}
}

func TestDestroyReleasesBookkeeping(t *testing.T) {
	book := newTestInner()

	tr, err := New(newTestInner(), book, LevelBytes, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tr.Alloc(64)
	tr.Alloc(128)

	before := book.LiveCount()
	if before == 0 {
		t.Fatal("expected bookkeeping allocator to have live allocations before Destroy")
	}

	inner := Destroy(tr)
	if inner == nil {
		t.Fatal("Destroy returned a nil inner allocator")
	}

	if after := book.LiveCount(); after != 0 {
		t.Fatalf("bookkeeping allocator LiveCount after Destroy = %d, want 0", after)
	}
}

func TestFramesPerStackClamping(t *testing.T) {
	tr, err := New(newTestInner(), newTestInner(), LevelStacks, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if tr.state.framesPerStack != defaultFramesPerStack {
		t.Fatalf("framesPerStack with 0 requested = %d, want default %d", tr.state.framesPerStack, defaultFramesPerStack)
	}

	tr2, err := New(newTestInner(), newTestInner(), LevelStacks, 9999)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if tr2.state.framesPerStack != maxFramesPerStack {
		t.Fatalf("framesPerStack with 9999 requested = %d, want clamp %d", tr2.state.framesPerStack, maxFramesPerStack)
	}
}
