package memtrace

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/orizon-lang/memtrace/internal/memtrace/stackcap"
)

const dumpBannerWidth = 80

// dumpBanner renders an eighty-character banner line. A bare banner is all
// '#'; a titled banner is "#  " followed by title, padded with spaces and
// closed by a single '#' at column dumpBannerWidth, mirroring the fixed-width
// bracketing lines the reference dumper prints around the report and each of
// its sections.
func dumpBanner(logger *log.Logger, title string) {
	if title == "" {
		logger.Print(strings.Repeat("#", dumpBannerWidth))

		return
	}

	line := "#  " + title
	if pad := dumpBannerWidth - 1 - len(line); pad > 0 {
		line += strings.Repeat(" ", pad)
	}

	line += "#"
	logger.Print(line)
}

// LeakEntry describes one still-live allocation, ordered by the sequence in
// which dump presents allocation-order reports: ascending timestamp, with
// insertion sequence as a tiebreak for allocations recorded in the same
// wall-clock second.
type LeakEntry struct {
	Address          uintptr
	Size             uintptr
	Timestamp        int64
	StackFingerprint uint64
	SymbolizedTrace  string

	// sequence is the AllocationRecord's insertion sequence, used only as
	// the allocation-order tiebreak.
	sequence uint64
}

// Report is a point-in-time snapshot of everything a dump presents. It is
// built once under the tracker's lock and then rendered without holding it.
// The lock is held for the whole build, including symbolizing each distinct
// stack, so concurrent allocation traffic waits until the build finishes.
type Report struct {
	Level     Level
	LiveBytes uintptr
	LiveCount int

	ByAllocationOrder []LeakEntry
	ByBytesDescending []StackStat
	ByCountDescending []StackStat
}

// buildReport snapshots the tracker's current state into a Report. At
// LevelNone and LevelBytes there are no per-call-site breakdowns, only the
// allocation-order listing (LevelNone's listing is always empty since
// nothing is tracked).
func (tr *tracker) buildReport() *Report {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	r := &Report{
		Level:     tr.level,
		LiveBytes: tr.liveByteCount(),
		LiveCount: tr.allocs.len(),
	}

	entries := make([]LeakEntry, 0, tr.allocs.len())
	stats := make(map[uint64]*StackStat)
	traces := make(map[uint64]string)

	tr.allocs.forEach(func(addr uintptr, rec *AllocationRecord) {
		entries = append(entries, LeakEntry{
			Address:          addr,
			Size:             rec.Size,
			Timestamp:        rec.Timestamp,
			StackFingerprint: rec.StackFingerprint,
			sequence:         rec.sequence,
		})

		if tr.level != LevelStacks {
			return
		}

		st, ok := stats[rec.StackFingerprint]
		if !ok {
			st = &StackStat{Fingerprint: rec.StackFingerprint}
			stats[rec.StackFingerprint] = st
		}

		st.Count++
		st.Bytes += rec.Size
	})

	if tr.level == LevelStacks {
		for fp := range stats {
			if sr, ok := tr.stacks.get(fp); ok {
				traces[fp] = symbolize(tr.symbolizer, sr.Frames)
			}
		}

		for fp, st := range stats {
			st.SymbolizedTrace = traces[fp]
		}

		for i := range entries {
			if entries[i].StackFingerprint != 0 {
				entries[i].SymbolizedTrace = traces[entries[i].StackFingerprint]
			}
		}
	}

	r.ByAllocationOrder = sortByAllocationOrder(entries)

	if tr.level == LevelStacks {
		r.ByBytesDescending = sortStatsByBytesDescending(stats)
		r.ByCountDescending = sortStatsByCountDescending(stats)
	}

	return r
}

func symbolize(s stackcap.Symbolizer, frames []uintptr) string {
	lines := s.Symbolize(frames)
	out := ""

	for i, line := range lines {
		if line == "" {
			break
		}

		if i > 0 {
			out += "\n"
		}

		out += "  " + line
	}

	return out
}

// Dump renders a full leak report to the tracer's logger (the default,
// log.New(os.Stderr, "", log.LstdFlags), unless overridden at construction
// with WithLogger): a summary line, the live allocations in the order they
// were made with their stack traces at LevelStacks, and — also at
// LevelStacks — the distinct call sites ranked both by total live bytes and
// by live allocation count. Dump is a no-op at LevelNone and whenever there
// are no live bytes; it never mutates tracer state.
func (t *Tracer) Dump() {
	if t.state.level == LevelNone || t.state.liveByteCount() == 0 {
		return
	}

	r := t.state.buildReport()

	if r.Level == LevelNone || r.LiveBytes == 0 {
		return
	}

	logger := t.state.logger

	dumpBanner(logger, "")
	dumpBanner(logger, "BEGIN MEMTRACE DUMP")
	dumpBanner(logger, "")

	logger.Printf("tracer: %d bytes still allocated in %d allocations", r.LiveBytes, r.LiveCount)

	dumpBanner(logger, "")
	dumpBanner(logger, "Leaks in order of allocation:")
	dumpBanner(logger, "")

	for _, e := range r.ByAllocationOrder {
		logger.Printf("ALLOC %d bytes", e.Size)

		if e.SymbolizedTrace != "" {
			logger.Printf("  stacktrace:\n%s", e.SymbolizedTrace)
		}
	}

	if r.Level == LevelStacks {
		dumpBanner(logger, "")
		dumpBanner(logger, "Stacks by bytes leaked:")
		dumpBanner(logger, "")

		for _, s := range r.ByBytesDescending {
			logger.Printf("%d bytes in %d allocations:\n%s", s.Bytes, s.Count, s.SymbolizedTrace)
		}

		dumpBanner(logger, "")
		dumpBanner(logger, "Stacks by number of leaks:")
		dumpBanner(logger, "")

		for _, s := range r.ByCountDescending {
			logger.Printf("%d allocations leaking %d bytes:\n%s", s.Count, s.Bytes, s.SymbolizedTrace)
		}
	}

	dumpBanner(logger, "")
	dumpBanner(logger, "END MEMTRACE DUMP")
	dumpBanner(logger, "")
}

// DumpJSON renders the same report Dump does as JSON, for callers that want
// to feed it to tooling rather than a log stream.
func (t *Tracer) DumpJSON() ([]byte, error) {
	r := t.state.buildReport()

	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("memtrace: encoding report: %w", err)
	}

	return b, nil
}

// --- ordering ---
//
// The reference implementation ranks these three lists with comparator
// functions that return a bool, which silently collapses into an
// inconsistent ordering whenever two entries compare equal in more than one
// dimension (a well-known trap: a boolean "less-than" can't express "equal"
// so sort algorithms that assume a strict weak ordering misbehave on ties).
// These orderings are built with container/heap instead, each with an
// explicit three-way tiebreak, so every comparison is unambiguous.

type allocationHeap []LeakEntry

func (h allocationHeap) Len() int { return len(h) }
func (h allocationHeap) Less(i, j int) bool {
	if h[i].Timestamp != h[j].Timestamp {
		return h[i].Timestamp < h[j].Timestamp
	}

	return h[i].sequence < h[j].sequence
}
func (h allocationHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *allocationHeap) Push(x interface{}) { *h = append(*h, x.(LeakEntry)) }
func (h *allocationHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

func sortByAllocationOrder(entries []LeakEntry) []LeakEntry {
	h := allocationHeap(append([]LeakEntry(nil), entries...))
	heap.Init(&h)

	out := make([]LeakEntry, 0, len(entries))
	for h.Len() > 0 {
		out = append(out, heap.Pop(&h).(LeakEntry))
	}

	return out
}

type statsByBytesHeap []StackStat

func (h statsByBytesHeap) Len() int { return len(h) }
func (h statsByBytesHeap) Less(i, j int) bool {
	if h[i].Bytes != h[j].Bytes {
		return h[i].Bytes > h[j].Bytes
	}

	return h[i].Fingerprint < h[j].Fingerprint
}
func (h statsByBytesHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *statsByBytesHeap) Push(x interface{}) { *h = append(*h, x.(StackStat)) }
func (h *statsByBytesHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

func sortStatsByBytesDescending(stats map[uint64]*StackStat) []StackStat {
	h := make(statsByBytesHeap, 0, len(stats))
	for _, st := range stats {
		h = append(h, *st)
	}

	heap.Init(&h)

	out := make([]StackStat, 0, len(stats))
	for h.Len() > 0 {
		out = append(out, heap.Pop(&h).(StackStat))
	}

	return out
}

type statsByCountHeap []StackStat

func (h statsByCountHeap) Len() int { return len(h) }
func (h statsByCountHeap) Less(i, j int) bool {
	if h[i].Count != h[j].Count {
		return h[i].Count > h[j].Count
	}

	return h[i].Fingerprint < h[j].Fingerprint
}
func (h statsByCountHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *statsByCountHeap) Push(x interface{}) { *h = append(*h, x.(StackStat)) }
func (h *statsByCountHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

func sortStatsByCountDescending(stats map[uint64]*StackStat) []StackStat {
	h := make(statsByCountHeap, 0, len(stats))
	for _, st := range stats {
		h = append(h, *st)
	}

	heap.Init(&h)

	out := make([]StackStat, 0, len(stats))
	for h.Len() > 0 {
		out = append(out, heap.Pop(&h).(StackStat))
	}

	return out
}
