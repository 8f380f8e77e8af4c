// Package groutine starts goroutines carrying a name, visible as a pprof label
// and retrievable from their context. The scheduler loop, queue runners and
// driver callback pumps all run through it so a goroutine dump tells them apart.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn on a new goroutine labeled with name.
// If parentCtx is nil, context.Background() is used.
//
//	groutine.Go(ctx, "scheduler", func(ctx context.Context) {
//	    // loop
//	})
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(goroutineNameKey).(string); ok {
		return v
	}
	return ""
}
