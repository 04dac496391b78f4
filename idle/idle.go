// Package idle implements per-connection reader/writer/all idle detection on
// top of a single shared timingwheel.Wheel, independent of how many
// connections the process holds open.
//
// This mirrors Netty's IdleStateHandler sliding-deadline pattern: each timer
// recomputes how much time is left before the real deadline and either
// reschedules itself for the remainder, or fires and reschedules for a full
// interval — so the gap between two fires never drifts past idleLimit.
package idle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wanjg/jupiter/clock"
	"github.com/wanjg/jupiter/timingwheel"
)

// EventKind identifies which idle event fired.
type EventKind int

const (
	FirstReaderIdle EventKind = iota
	ReaderIdle
	FirstWriterIdle
	WriterIdle
	FirstAllIdle
	AllIdle
)

type lifecycle int32

const (
	stateNone lifecycle = iota
	stateInitialized
	stateDestroyed
)

// Listener receives idle events. Implementations must not block; emission
// failures (a panic recovered inside emit) are reported via OnEmitError so
// the caller can surface them as connection-level exceptions
// (IdleEmissionFailure).
type Listener interface {
	OnIdle(kind EventKind)
	OnEmitError(err error)
}

// Checker tracks idle state for a single connection.
type Checker struct {
	wheel *timingwheel.Wheel
	clk   clock.Clock
	l     Listener

	readerIdle time.Duration
	writerIdle time.Duration
	allIdle    time.Duration

	lastReadTime  atomic.Int64
	lastWriteTime atomic.Int64

	readerFirst atomic.Bool
	writerFirst atomic.Bool
	allFirst    atomic.Bool

	mu       sync.Mutex
	state    lifecycle
	readerTO *timingwheel.Timeout
	writerTO *timingwheel.Timeout
	allTO    *timingwheel.Timeout

	active func() bool // reports whether the underlying connection is still open
}

// New builds a Checker. readerIdle/writerIdle/allIdle of 0 disables that
// variant. active reports whether the connection is still usable; closed
// connections cause fired tasks to return immediately without rescheduling.
func New(wheel *timingwheel.Wheel, clk clock.Clock, l Listener, readerIdle, writerIdle, allIdle time.Duration, active func() bool) *Checker {
	if clk == nil {
		clk = clock.Default
	}
	c := &Checker{
		wheel:      wheel,
		clk:        clk,
		l:          l,
		readerIdle: readerIdle,
		writerIdle: writerIdle,
		allIdle:    allIdle,
		active:     active,
	}
	c.readerFirst.Store(true)
	c.writerFirst.Store(true)
	c.allFirst.Store(true)
	return c
}

// Init starts the scheduled timeouts. Safe to call exactly once; subsequent
// calls are no-ops. Callers should invoke this on whichever of
// handler-attach / registration / active-event happens first while the
// connection is still active.
func (c *Checker) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateNone {
		return
	}
	c.state = stateInitialized

	now := c.clk.NowMillis()
	c.lastReadTime.Store(now)
	c.lastWriteTime.Store(now)

	if c.readerIdle > 0 {
		c.readerTO = c.wheel.NewTimeout(c.makeTask(readerVariant), c.readerIdle)
	}
	if c.writerIdle > 0 {
		c.writerTO = c.wheel.NewTimeout(c.makeTask(writerVariant), c.writerIdle)
	}
	if c.allIdle > 0 {
		c.allTO = c.wheel.NewTimeout(c.makeTask(allVariant), c.allIdle)
	}
}

// Destroy cancels all scheduled timeouts. Idempotent.
func (c *Checker) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateDestroyed {
		return
	}
	c.state = stateDestroyed
	if c.readerTO != nil {
		c.readerTO.Cancel()
	}
	if c.writerTO != nil {
		c.writerTO.Cancel()
	}
	if c.allTO != nil {
		c.allTO.Cancel()
	}
}

// OnRead must be called after every successful inbound read.
func (c *Checker) OnRead() {
	c.lastReadTime.Store(c.clk.NowMillis())
	c.readerFirst.Store(true)
	c.allFirst.Store(true)
}

// OnWriteComplete must be called after every successful outbound write
// completes (not merely when the write is issued).
func (c *Checker) OnWriteComplete() {
	c.lastWriteTime.Store(c.clk.NowMillis())
	c.writerFirst.Store(true)
	c.allFirst.Store(true)
}

type variant int

const (
	readerVariant variant = iota
	writerVariant
	allVariant
)

func (c *Checker) makeTask(v variant) timingwheel.Task {
	return func() { c.fire(v) }
}

func (c *Checker) fire(v variant) {
	c.mu.Lock()
	if c.state == stateDestroyed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var to *timingwheel.Timeout
	switch v {
	case readerVariant:
		to = c.readerTO
	case writerVariant:
		to = c.writerTO
	case allVariant:
		to = c.allTO
	}
	if to != nil && to.IsCancelled() {
		return
	}
	if c.active != nil && !c.active() {
		return
	}

	var idleLimit time.Duration
	var lastActivity int64
	var firstFlag *atomic.Bool
	var firstKind, repeatKind EventKind

	switch v {
	case readerVariant:
		idleLimit = c.readerIdle
		lastActivity = c.lastReadTime.Load()
		firstFlag = &c.readerFirst
		firstKind, repeatKind = FirstReaderIdle, ReaderIdle
	case writerVariant:
		idleLimit = c.writerIdle
		lastActivity = c.lastWriteTime.Load()
		firstFlag = &c.writerFirst
		firstKind, repeatKind = FirstWriterIdle, WriterIdle
	case allVariant:
		idleLimit = c.allIdle
		r, w := c.lastReadTime.Load(), c.lastWriteTime.Load()
		lastActivity = r
		if w > r {
			lastActivity = w
		}
		firstFlag = &c.allFirst
		firstKind, repeatKind = FirstAllIdle, AllIdle
	}

	now := c.clk.NowMillis()
	nextDelay := idleLimit - time.Duration(now-lastActivity)*time.Millisecond

	c.mu.Lock()
	reschedule := c.state != stateDestroyed
	c.mu.Unlock()
	if !reschedule {
		return
	}

	if nextDelay > 0 {
		c.reschedule(v, nextDelay)
		return
	}

	c.reschedule(v, idleLimit)

	kind := repeatKind
	if firstFlag.Swap(false) {
		kind = firstKind
	}
	c.emit(kind)
}

func (c *Checker) reschedule(v variant, delay time.Duration) {
	to := c.wheel.NewTimeout(c.makeTask(v), delay)
	c.mu.Lock()
	switch v {
	case readerVariant:
		c.readerTO = to
	case writerVariant:
		c.writerTO = to
	case allVariant:
		c.allTO = to
	}
	c.mu.Unlock()
}

func (c *Checker) emit(kind EventKind) {
	defer func() {
		if r := recover(); r != nil {
			c.l.OnEmitError(emitPanic{r})
		}
	}()
	c.l.OnIdle(kind)
}

// emitPanic adapts a recovered panic value into an error.
type emitPanic struct{ v any }

func (e emitPanic) Error() string {
	return "idle: listener panicked while emitting event"
}
