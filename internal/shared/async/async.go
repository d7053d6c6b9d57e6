// Package async runs background goroutines with panic recovery so a
// misbehaving component cannot take the whole worker down.
package async

import "runtime/debug"

// ErrorLogger is the minimal logging surface needed for panic reports.
type ErrorLogger interface {
	Error(format string, args ...any)
}

// Go starts fn on a new goroutine and logs any panic under name.
func Go(logger ErrorLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is a deferred panic handler for goroutines started elsewhere.
func Recover(logger ErrorLogger, name string) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Error("goroutine panic [%s]: %v\n%s", name, r, debug.Stack())
		}
	}
}
