// internal/live/clock.go
package live

import "time"

// Timer is a cancellable one-shot task.
type Timer interface {
	Stop() bool
}

// Clock schedules the manager's deferred work (reconnects, cleanup grace period).
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
