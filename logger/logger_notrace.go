//go:build !debug_trace
// +build !debug_trace

package logger

import (
	"context"
)

// Tracef is just a shorthand for Logf(ctx, logger.LevelTrace, ...); it is
// compiled out unless the `debug_trace` build tag is set.
func Tracef(ctx context.Context, format string, args ...any) {}
