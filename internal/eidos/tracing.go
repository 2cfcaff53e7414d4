package eidos

import (
	"context"
	"crypto/rand"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Step trace ids are W3C trace ids so the audit trail correlates with the
// host agent's own spans. The hook may hand in a bare 32-hex id, a full
// traceparent header, or nothing at all.

// resolveTraceID normalizes a bare hex id or traceparent header into a W3C
// trace id, mints a fresh one when the input is empty, and returns any other
// non-empty input unchanged.
func resolveTraceID(supplied string) string {
	if supplied == "" {
		return newTraceID()
	}
	if tid, err := trace.TraceIDFromHex(supplied); err == nil {
		return tid.String()
	}
	if extracted := traceIDFromTraceparent(supplied); extracted != "" {
		return extracted
	}
	// An opaque caller-defined id is kept verbatim; the trace_gap watcher
	// only cares that the pre/post records share one.
	return supplied
}

// traceIDFromTraceparent extracts the trace id from a W3C traceparent
// header value, returning empty when it does not parse.
func traceIDFromTraceparent(header string) string {
	carrier := propagation.MapCarrier{"traceparent": header}
	ctx := propagation.TraceContext{}.Extract(context.Background(), carrier)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func newTraceID() string {
	var tid trace.TraceID
	if _, err := rand.Read(tid[:]); err != nil {
		return ""
	}
	return tid.String()
}
