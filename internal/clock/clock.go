// Package clock abstracts the time operations the pipeline waits on so that retry and timeout
// behaviour can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by the pipeline.
type Clock interface {
	Now() time.Time
	// After behaves like time.After. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
