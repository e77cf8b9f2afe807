package gofunc

import (
	"log"
	"runtime/debug"
)

// SafeGo runs fn on a new goroutine and logs any panic before re-raising it.
// The terminal UI owns stdout, so a bare panic would otherwise vanish with
// the screen; the logger keeps the stack trace on disk.
func SafeGo(logger *log.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}
