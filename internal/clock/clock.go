// Package clock abstracts time so TTLs, harmonization windows and deferred
// tasks can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the services depend on
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously during
	// Advance (fake) once d has elapsed
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer cancels a pending AfterFunc call
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the timer from firing. Returns false if it already fired
// or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the time package
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}
