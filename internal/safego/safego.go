package safego

import (
	"log"
	"runtime/debug"
)

// Go runs fn on a new goroutine, logging any panic with its stack before
// re-panicking. The bridge runs headless with its log going to a file, so a
// bare panic on a background goroutine would otherwise vanish.
func Go(logger *log.Logger, fn func()) {
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
