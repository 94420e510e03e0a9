package memtrace

import (
	"fmt"
	"log"

	"github.com/orizon-lang/memtrace/internal/allocator"
	"github.com/orizon-lang/memtrace/internal/memtrace/stackcap"
)

// config collects the optional knobs New accepts beyond its required
// positional arguments, following the same functional-options style used
// elsewhere in this module for constructor configuration.
type config struct {
	walker     stackcap.Walker
	symbolizer stackcap.Symbolizer
	logger     *log.Logger
}

// Option configures optional Tracer behavior.
type Option func(*config)

// WithStackWalker overrides the stack-capture implementation. Tests that
// want to force a given capture depth, or simulate a platform where stack
// capture is unavailable, supply one here instead of relying on the
// runtime default.
func WithStackWalker(w stackcap.Walker) Option {
	return func(c *config) { c.walker = w }
}

// WithSymbolizer overrides the frame symbolization implementation.
func WithSymbolizer(s stackcap.Symbolizer) Option {
	return func(c *config) { c.symbolizer = s }
}

// WithLogger overrides the sink Dump writes to. The default, when no
// WithLogger option is given, is log.New(os.Stderr, "", log.LstdFlags).
func WithLogger(l *log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New constructs a Tracer wrapping inner. bookkeeping services all of the
// tracer's own metadata allocations; if nil, a plain system allocator is
// used. bookkeeping must not be the same allocator as inner — if it were,
// the tracer's own metadata would show up as leaks attributed to itself,
// and a bookkeeping allocator backed by the facade would recurse through
// track/untrack forever. New rejects that configuration rather than
// leaving it as an unenforced caller contract.
//
// level is clamped down to LevelBytes if stack capture is unavailable on
// the running platform (or, in tests, if the supplied WithStackWalker
// reports no support). framesPerStack of 0 requests the default of 8;
// values above 128 are clamped to 128.
func New(inner, bookkeeping allocator.Allocator, level Level, framesPerStack int, opts ...Option) (*Tracer, error) {
	if inner == nil {
		return nil, fmt.Errorf("memtrace: inner allocator must not be nil")
	}

	if bookkeeping == nil {
		bookkeeping = allocator.NewSystemAllocator(allocator.DefaultConfig())
	}

	if sameAllocator(inner, bookkeeping) {
		return nil, fmt.Errorf("memtrace: bookkeeping allocator must not be the traced allocator")
	}

	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	state := newTracker(bookkeeping, level, framesPerStack, cfg.walker, cfg.symbolizer, cfg.logger)

	return &Tracer{inner: inner, state: state}, nil
}

// Destroy tears down t, releasing every bookkeeping allocation it still
// holds, and returns the inner allocator so the caller can keep using it
// directly. Calling Destroy while other operations on t are in flight is
// undefined; quiescing traffic first is the caller's responsibility.
func Destroy(t *Tracer) allocator.Allocator {
	t.state.teardown()

	return t.inner
}

func sameAllocator(a, b allocator.Allocator) bool {
	return a == b
}
