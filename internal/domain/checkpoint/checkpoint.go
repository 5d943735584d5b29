// Package checkpoint provides the per-job "last successful run" marker used
// as the default lastRun query variable for incremental queries.
package checkpoint

import (
	"sync/atomic"
	"time"
)

// Checkpoint holds a monotonically non-decreasing timestamp in whole seconds
// since the Unix epoch. It is safe for concurrent use: concurrent executor
// invocations race freely and the latest completion wins, but the value never
// moves backwards.
type Checkpoint struct {
	seconds atomic.Int64
}

// New returns a checkpoint initialized to the given time, normally process
// start.
func New(start time.Time) *Checkpoint {
	c := &Checkpoint{}
	c.seconds.Store(start.Unix())
	return c
}

// Seconds returns the current checkpoint value in seconds since the epoch.
func (c *Checkpoint) Seconds() int64 {
	return c.seconds.Load()
}

// Advance moves the checkpoint to t if and only if t is strictly later than
// the stored value. It reports whether the checkpoint moved, and is
// idempotent under sub-second repeated calls.
func (c *Checkpoint) Advance(t time.Time) bool {
	next := t.Unix()
	for {
		cur := c.seconds.Load()
		if next <= cur {
			return false
		}
		if c.seconds.CompareAndSwap(cur, next) {
			return true
		}
	}
}
