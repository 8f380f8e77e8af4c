package groutine

import (
	"context"
	"runtime/pprof"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_NamesGoroutine(t *testing.T) {
	type result struct {
		name  string
		label string
	}
	done := make(chan result, 1)

	Go(context.Background(), "scheduler", func(ctx context.Context) {
		label, _ := pprof.Label(ctx, "goroutine_name")
		done <- result{name: GetName(ctx), label: label}
	})

	r := <-done
	assert.Equal(t, "scheduler", r.name, "context MUST carry the goroutine name")
	assert.Equal(t, "scheduler", r.label, "pprof label MUST carry the goroutine name")
}

func TestGetName_Unnamed(t *testing.T) {
	assert.Empty(t, GetName(context.Background()))
	//nolint:staticcheck // nil context is part of the contract
	assert.Empty(t, GetName(nil))
}
