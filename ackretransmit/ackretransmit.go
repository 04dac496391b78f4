// Package ackretransmit implements AckRetransmitter: the daemon that tracks
// unacknowledged pushes and retransmits or drops them.
//
// The registry delivers each version at least once to each subscriber as
// long as its connection stays active. On connection loss, in-flight
// versions are forgotten — the subscriber re-subscribes on reconnect and
// gets the then-current version.
package ackretransmit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wanjg/jupiter/clock"
	"github.com/wanjg/jupiter/message"
	"github.com/wanjg/jupiter/regcontext"
	"github.com/wanjg/jupiter/regdomain"
	"github.com/wanjg/jupiter/serializer"
	"github.com/wanjg/jupiter/wireconn"
)

// StaleAfter is how long an unacknowledged push waits before the scanner
// reconsiders it.
const StaleAfter = 10 * time.Second

// ScanInterval is how often the scanner sweeps messagesNonAck.
const ScanInterval = 300 * time.Millisecond

// Entry is a pending-ack record: a push awaiting its client's ACK, keyed by
// "{sequence}-{channel-short-id}".
type Entry struct {
	ID        string
	Service   regdomain.ServiceMeta
	Message   *message.Message
	Channel   wireconn.Channel
	Version   int64
	Timestamp int64 // ms, clock.Clock-sourced
}

func entryID(sequence uint64, channelID string) string {
	return itoa(sequence) + "-" + channelID
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Tracker owns the shared messagesNonAck map and the scanner goroutine.
// One Tracker is constructed by the top-level server and injected into
// RegistryServer — never referenced as a package global.
type Tracker struct {
	ctx    *regcontext.Context
	ser    serializer.Serializer
	clk    clock.Clock
	logger *zap.SugaredLogger

	pending sync.Map // id string -> *Entry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Tracker. Call Start to launch its scanner goroutine.
func New(ctx *regcontext.Context, ser serializer.Serializer, clk clock.Clock, logger *zap.SugaredLogger) *Tracker {
	if clk == nil {
		clk = clock.Default
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Tracker{
		ctx:    ctx,
		ser:    ser,
		clk:    clk,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Track inserts a pending-ack entry for a push, keyed by its sequence and
// the channel's short id. Must be called before the push is written, so a
// fast-arriving ACK can never race ahead of the bookkeeping.
func (t *Tracker) Track(svc regdomain.ServiceMeta, msg *message.Message, ch wireconn.Channel, version int64) {
	id := entryID(msg.Sequence, ch.ID())
	t.pending.Store(id, &Entry{
		ID:        id,
		Service:   svc,
		Message:   msg,
		Channel:   ch,
		Version:   version,
		Timestamp: t.clk.NowMillis(),
	})
}

// Ack removes the pending entry matching sequence+channel, if present.
func (t *Tracker) Ack(sequence uint64, channelID string) {
	t.pending.Delete(entryID(sequence, channelID))
}

// Start launches the scanner goroutine. Safe to call once.
func (t *Tracker) Start() {
	go t.scanLoop()
}

// Stop halts the scanner goroutine.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *Tracker) scanLoop() {
	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

// sweepOnce scans every pending entry older than StaleAfter. Exceptions
// from any single entry's processing are caught and logged so the scanner
// keeps running instead of dying on the first bad entry.
func (t *Tracker) sweepOnce() {
	now := t.clk.NowMillis()
	t.pending.Range(func(key, value any) bool {
		id := key.(string)
		entry := value.(*Entry)
		if time.Duration(now-entry.Timestamp)*time.Millisecond < StaleAfter {
			return true
		}
		t.processStale(id, entry)
		return true
	})
}

func (t *Tracker) processStale(id string, entry *Entry) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Errorw("ack retransmit: recovered from panic processing entry", "id", id, "panic", r)
		}
	}()

	// Atomically claim ownership: if it's already gone (acked or claimed
	// by a concurrent sweep), there's nothing to do.
	if _, loaded := t.pending.LoadAndDelete(id); !loaded {
		return
	}

	current := t.ctx.GetRegisterMeta(entry.Service)
	if current.Version() > entry.Version {
		t.logger.Debugw("ack retransmit: dropping stale entry, newer version exists",
			"id", id, "entryVersion", entry.Version, "currentVersion", current.Version())
		return
	}

	if !entry.Channel.IsActive() {
		t.logger.Debugw("ack retransmit: dropping entry, channel no longer active", "id", id)
		return
	}

	body, err := message.EncodeFrame(t.ser, entry.Message)
	if err != nil {
		t.logger.Errorw("ack retransmit: failed to re-encode message", "id", id, "error", err)
		return
	}
	if err := entry.Channel.WriteFrame(entry.Message.Sign, body); err != nil {
		t.logger.Warnw("ack retransmit: failed to resend", "id", id, "error", err)
		return
	}

	entry.Timestamp = t.clk.NowMillis()
	t.pending.Store(id, entry)
}
