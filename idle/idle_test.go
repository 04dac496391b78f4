package idle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wanjg/jupiter/timingwheel"
)

type recordingListener struct {
	mu     sync.Mutex
	events []EventKind
	times  []time.Time
	errs   []error
}

func (l *recordingListener) OnIdle(kind EventKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, kind)
	l.times = append(l.times, time.Now())
}

func (l *recordingListener) OnEmitError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingListener) snapshot() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	copy(out, l.events)
	return out
}

func TestFirstReaderIdleFiresOnceThenRepeats(t *testing.T) {
	wheel := timingwheel.New(5*time.Millisecond, 64)
	defer wheel.Stop()

	l := &recordingListener{}
	active := true
	c := New(wheel, nil, l, 30*time.Millisecond, 0, 0, func() bool { return active })
	c.Init()
	defer c.Destroy()

	require.Eventually(t, func() bool {
		return len(l.snapshot()) >= 3
	}, time.Second, 5*time.Millisecond)

	events := l.snapshot()
	require.Equal(t, FirstReaderIdle, events[0])
	for _, e := range events[1:] {
		require.Equal(t, ReaderIdle, e)
	}
}

func TestOnReadResetsReaderIdleDeadline(t *testing.T) {
	wheel := timingwheel.New(5*time.Millisecond, 64)
	defer wheel.Stop()

	l := &recordingListener{}
	c := New(wheel, nil, l, 40*time.Millisecond, 0, 0, func() bool { return true })
	c.Init()
	defer c.Destroy()

	// Keep feeding reads for longer than the idle limit; no event should fire.
	deadline := time.Now().Add(120 * time.Millisecond)
	for time.Now().Before(deadline) {
		c.OnRead()
		time.Sleep(10 * time.Millisecond)
	}

	require.Empty(t, l.snapshot())
}

func TestKthIdleEventFiresAtOrAfterKTimesLimit(t *testing.T) {
	wheel := timingwheel.New(5*time.Millisecond, 64)
	defer wheel.Stop()

	l := &recordingListener{}
	limit := 30 * time.Millisecond
	c := New(wheel, nil, l, limit, 0, 0, func() bool { return true })
	start := time.Now()
	c.Init()
	defer c.Destroy()

	require.Eventually(t, func() bool {
		return len(l.snapshot()) >= 3
	}, time.Second, 5*time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, ts := range l.times[:3] {
		minElapsed := time.Duration(k+1) * limit
		require.GreaterOrEqual(t, ts.Sub(start)+5*time.Millisecond, minElapsed,
			"event %d fired too early", k)
	}
}

func TestDestroyStopsFurtherEvents(t *testing.T) {
	wheel := timingwheel.New(5*time.Millisecond, 64)
	defer wheel.Stop()

	l := &recordingListener{}
	c := New(wheel, nil, l, 15*time.Millisecond, 0, 0, func() bool { return true })
	c.Init()

	require.Eventually(t, func() bool {
		return len(l.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)

	c.Destroy()
	countAtDestroy := len(l.snapshot())
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, countAtDestroy, len(l.snapshot()))
}

func TestInactiveConnectionStopsFiringWithoutDestroy(t *testing.T) {
	wheel := timingwheel.New(5*time.Millisecond, 64)
	defer wheel.Stop()

	l := &recordingListener{}
	active := true
	c := New(wheel, nil, l, 15*time.Millisecond, 0, 0, func() bool { return active })
	c.Init()
	defer c.Destroy()

	require.Eventually(t, func() bool {
		return len(l.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)

	active = false
	countWhenDeactivated := len(l.snapshot())
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, countWhenDeactivated, len(l.snapshot()))
}

func TestListenerPanicReportedViaOnEmitError(t *testing.T) {
	wheel := timingwheel.New(5*time.Millisecond, 64)
	defer wheel.Stop()

	l := &panicOnceListener{recordingListener: recordingListener{}}
	c := New(wheel, nil, l, 15*time.Millisecond, 0, 0, func() bool { return true })
	c.Init()
	defer c.Destroy()

	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.errs) >= 1
	}, time.Second, 5*time.Millisecond)
}

type panicOnceListener struct {
	recordingListener
	fired bool
}

func (l *panicOnceListener) OnIdle(kind EventKind) {
	if !l.fired {
		l.fired = true
		panic("boom")
	}
	l.recordingListener.OnIdle(kind)
}
