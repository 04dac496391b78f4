// Package dispatcher implements BroadcastDispatcher: the illustrative
// consumer-side pattern of sending one request to every channel group's
// next() channel. It is not part of the registry core itself —
// it demonstrates how a real consumer would use channelgroup.Group to
// spread load across provider connections discovered some other way (e.g.
// via the etcd-backed registry.Registry in this module's registry package).
package dispatcher

import (
	"sync"

	"github.com/wanjg/jupiter/channelgroup"
	"github.com/wanjg/jupiter/protocol"
	"github.com/wanjg/jupiter/serializer"
)

// Directory resolves a broadcast target key (typically a service name) to
// the channel group of open connections serving it.
type Directory interface {
	Groups(key string) []*channelgroup.Group
}

// InvokeFuture tracks the send-side lifecycle of one broadcast leg. There
// is no aggregate future for the whole broadcast — callers address
// individual futures out-of-band.
type InvokeFuture struct {
	mu   sync.Mutex
	sent bool
	done chan struct{}
}

func newInvokeFuture() *InvokeFuture {
	return &InvokeFuture{done: make(chan struct{})}
}

// MarkSent transitions the future to "sent" exactly once.
func (f *InvokeFuture) MarkSent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent {
		return
	}
	f.sent = true
	close(f.done)
}

// Sent reports whether the write for this leg has completed successfully.
func (f *InvokeFuture) Sent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

// Done returns a channel closed when MarkSent runs.
func (f *InvokeFuture) Done() <-chan struct{} {
	return f.done
}

// BeforeHook runs after a leg's write succeeds but before the caller is
// told the leg is done — e.g. to record a pending-ack entry keyed by that
// specific channel.
type BeforeHook func(ch channelgroup.Channel)

// Dispatcher sends one request to the next() channel of every non-empty
// group a key resolves to.
type Dispatcher struct {
	dir Directory
	ser serializer.Serializer
}

func New(dir Directory, ser serializer.Serializer) *Dispatcher {
	return &Dispatcher{dir: dir, ser: ser}
}

// Broadcast serializes request once on the calling thread, then writes it
// to one channel per non-empty group resolved for key. sign selects the
// frame's payload kind. before runs after each successful write.
//
// Groups that are empty, or whose Next() raises
// channelgroup.ErrNoChannelAvailable, are skipped — a partial broadcast is
// not an error; the caller inspects the returned futures individually.
func (d *Dispatcher) Broadcast(key string, request any, sign protocol.Sign, before BeforeHook) ([]*InvokeFuture, error) {
	body, err := d.ser.Encode(request)
	if err != nil {
		return nil, err
	}

	groups := d.dir.Groups(key)
	futures := make([]*InvokeFuture, 0, len(groups))

	for _, g := range groups {
		if g.Size() == 0 {
			continue
		}
		ch, err := g.Next()
		if err != nil {
			continue
		}

		future := newInvokeFuture()
		writable, ok := ch.(interface {
			WriteFrame(sign protocol.Sign, body []byte) error
		})
		if !ok {
			continue
		}
		if err := writable.WriteFrame(sign, body); err != nil {
			continue
		}
		future.MarkSent()
		if before != nil {
			before(ch)
		}
		futures = append(futures, future)
	}
	return futures, nil
}
