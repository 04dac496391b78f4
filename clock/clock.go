// Package clock provides the monotonic millisecond time source used by the
// timing wheel, the idle-state checker and the ack-retransmit scanner.
//
// Everything that schedules or measures idle/ack deadlines goes through here
// instead of calling time.Now() directly, so tests can swap in a fake clock
// without touching the scheduling logic itself.
package clock

import "time"

// Clock returns the current time. The default implementation wraps
// time.Now(); tests that need deterministic ticks provide their own.
type Clock interface {
	NowMillis() int64
}

// System is the production Clock backed by the runtime's monotonic clock.
type System struct{}

// start anchors System's readings: elapsed time since start is measured on
// the monotonic clock, so NowMillis never goes backwards when the wall clock
// is adjusted.
var start = time.Now()

func (System) NowMillis() int64 {
	return start.Add(time.Since(start)).UnixMilli()
}

// Default is the shared System clock instance; most callers just use this.
var Default Clock = System{}
