package psa

import (
	"context"

	"golang.org/x/net/trace"
)

// addTrace attaches a lazily-formatted trace line to ctx's event.Trace, if
// one is present, adapted from the teacher's consumer.addTrace. The PSA
// uses this in its add/remove subscription and publication, serializer
// add/remove and wildcard paths (MatchEndpoint does not trace) so a
// long-lived wildcard resolution is debuggable without a log line for every
// publication it also happens to reconsider.
func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}
