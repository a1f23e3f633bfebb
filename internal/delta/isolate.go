package delta

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrCodecFault is returned when the codec panics while processing a stream.
var ErrCodecFault = errors.New("delta codec fault")

// Isolate runs fn on its own goroutine and converts a panic into
// ErrCodecFault, so a malformed stream fails one file instead of the process.
// Fatal runtime errors (out of memory, concurrent map writes) cannot be
// recovered and still terminate the process.
func Isolate(fn func() error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v\n%s", ErrCodecFault, r, debug.Stack())
			}
		}()
		done <- fn()
	}()
	return <-done
}
