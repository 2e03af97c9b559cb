// Package groutine starts named goroutines. The engine runs several
// long-lived workers per device (write pump, connect attempts) plus global
// loops (scan supervisor, health monitor); pprof labels make them
// distinguishable in stack dumps and profiles.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go starts fn in a goroutine labeled with name.
//
//	groutine.Go(ctx, "write-pump/"+id, func(ctx context.Context) { ... })
//
// If parent is nil, context.Background() is used.
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parent, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, nameKey, name)
		fn(ctx)
	})
}

// Name retrieves the goroutine name stored by Go, or "" when absent.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(nameKey).(string); ok {
		return v
	}
	return ""
}
