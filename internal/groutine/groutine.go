// Package groutine starts named goroutines and exposes goroutine identity.
package groutine

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go runs fn on a new goroutine labelled name for pprof. The name is also
// available to fn through GetName. A nil parent means context.Background().
//
//	groutine.Go(ctx, "task-BOND", func(ctx context.Context) {
//	    // blocking native call
//	})
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// GetName returns the name given to Go, or "" outside a named goroutine.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(nameKey).(string)
	return s
}

var goroutinePrefix = []byte("goroutine ")

// GetGID parses the id of the calling goroutine out of its stack header.
// Used to tell whether a caller already runs on a designated goroutine.
func GetGID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, goroutinePrefix)
	end := bytes.IndexByte(buf, ' ')
	if end < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(buf[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
