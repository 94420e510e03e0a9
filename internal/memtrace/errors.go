package memtrace

import "github.com/orizon-lang/memtrace/internal/errors"

// panicInvariant reports corruption of the tracer's own bookkeeping. The
// tracer is diagnostic infrastructure: it prefers to abort loudly on its
// own corruption so bugs in the tracer are never silently masked, rather
// than attempt to recover into an inconsistent state.
func panicInvariant(message string, context map[string]interface{}) {
	panic(errors.TracerInvariant(message, context))
}
