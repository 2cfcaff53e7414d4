package eidos

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveTraceIDMintsWhenEmpty(t *testing.T) {
	id := resolveTraceID("")
	assert.Len(t, id, 32)
	assert.NotEqual(t, resolveTraceID(""), id, "fresh ids must differ")
}

func TestResolveTraceIDKeepsValidHex(t *testing.T) {
	const hex = "4bf92f3577b34da6a3ce929d0e0e4736"
	assert.Equal(t, hex, resolveTraceID(hex))
}

func TestResolveTraceIDExtractsTraceparent(t *testing.T) {
	header := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", resolveTraceID(header))
}

func TestResolveTraceIDKeepsOpaqueCallerIDs(t *testing.T) {
	assert.Equal(t, "trace-1", resolveTraceID("trace-1"))
}
