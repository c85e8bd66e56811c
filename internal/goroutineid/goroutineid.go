// Package goroutineid reads the current goroutine's ID from its stack header.
//
// It exists so that thread-confined components (the host thread, the engine
// loop) can tell whether a caller is already running on them, and run work
// inline instead of deadlocking on their own queue.
package goroutineid

import (
	"bytes"
	"runtime"
	"sync"
)

var stackBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64)
		return &b
	},
}

var goroutinePrefix = []byte("goroutine ")

// Get returns the ID of the calling goroutine, or 0 if it cannot be parsed.
func Get() int64 {
	bp := stackBufPool.Get().(*[]byte)
	defer stackBufPool.Put(bp)
	// The header is always the first line, so a short buffer suffices.
	n := runtime.Stack(*bp, false)
	return parse((*bp)[:n])
}

// Is reports whether the calling goroutine has the given ID. An id of 0
// never matches.
func Is(id int64) bool {
	return id > 0 && Get() == id
}

// parse extracts N from a "goroutine N [...]" header without allocating.
func parse(stack []byte) int64 {
	i := bytes.Index(stack, goroutinePrefix)
	if i < 0 {
		return 0
	}
	var id int64
	for _, b := range stack[i+len(goroutinePrefix):] {
		if b < '0' || b > '9' {
			break
		}
		id = id*10 + int64(b-'0')
	}
	return id
}
