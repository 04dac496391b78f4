// Package channelgroup implements the equivalence class of live connections
// to one provider address, and the round-robin selector a consumer uses to
// spread requests across them.
//
// A Group owns no connections; it only indexes references and deregisters
// itself from a connection when that connection closes.
package channelgroup

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Channel is the minimal shape channelgroup needs from a connection. The
// real transport (net.Conn-backed) lives in the transport package; this
// interface is the minimal seam channelgroup needs to stay decoupled from it.
type Channel interface {
	ID() string
	IsActive() bool
	// OnClose registers fn to run exactly once when the channel closes.
	OnClose(fn func())
}

// ErrNoChannelAvailable is raised when Next finds an empty group after the
// three backoff attempts described below.
var ErrNoChannelAvailable = errors.New("channelgroup: no channel available")

// Group is the ordered, copy-on-write set of channels open to one address.
type Group struct {
	address string
	weight  int

	mu       sync.Mutex // guards the snapshot swap only; readers never take it
	channels atomic.Pointer[[]Channel]
	index    atomic.Uint64
}

// New creates an empty group for address.
func New(address string) *Group {
	g := &Group{address: address}
	empty := make([]Channel, 0)
	g.channels.Store(&empty)
	return g
}

func (g *Group) Address() string { return g.address }

// Add appends ch if it is not already present, and registers a close
// listener that removes it when the channel closes. Returns false if ch
// was already a member.
func (g *Group) Add(ch Channel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := *g.channels.Load()
	for _, existing := range cur {
		if existing.ID() == ch.ID() {
			return false
		}
	}
	next := make([]Channel, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, ch)
	g.channels.Store(&next)

	ch.OnClose(func() { g.Remove(ch) })
	return true
}

// Remove drops ch from the group if present.
func (g *Group) Remove(ch Channel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := *g.channels.Load()
	idx := -1
	for i, existing := range cur {
		if existing.ID() == ch.ID() {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}
	next := make([]Channel, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	g.channels.Store(&next)
	return true
}

// Size returns the current member count.
func (g *Group) Size() int {
	return len(*g.channels.Load())
}

// Snapshot returns the current channel slice. Callers must not mutate it.
func (g *Group) Snapshot() []Channel {
	return *g.channels.Load()
}

// Next selects the next channel in round-robin order. If the group is
// momentarily empty it backs off for 200ms, 400ms, then 800ms within the
// same call, re-checking after each sleep, and raises ErrNoChannelAvailable
// if the group is still empty after the third backoff.
func (g *Group) Next() (Channel, error) {
	return g.next(1)
}

func (g *Group) next(attempt int) (Channel, error) {
	snap := g.Snapshot()

	switch len(snap) {
	case 0:
		if attempt > 3 {
			return nil, ErrNoChannelAvailable
		}
		time.Sleep(time.Duration(100<<uint(attempt)) * time.Millisecond)
		return g.next(attempt + 1)
	case 1:
		return snap[0], nil
	default:
		offset := g.index.Add(1) % uint64(len(snap))
		return snap[offset], nil
	}
}
