// Package regcontext implements RegistryContext: the versioned
// service -> (address -> provider) store and its address -> services
// inverse, with per-service locking.
//
// Invariant: for every (s, a, m) in registerMeta[s].Value, s is a member of
// serviceMeta[a], and vice versa. Maintained by performing both updates
// under the per-service monitor for s.
//
// Invariant: within one service s, registerMeta[s].Version is strictly
// increasing across all successful publish/unpublish operations on s.
package regcontext

import (
	"sync"

	"github.com/wanjg/jupiter/regdomain"
)

// ProviderMap is the versioned value registerMeta[s] holds: every known
// address currently publishing s, keyed by address.
type ProviderMap = map[regdomain.Address]regdomain.RegisterMeta

// Entry is the versioned container for one service's provider map.
type Entry = regdomain.ConfigWithVersion[ProviderMap]

// addressServices is the small mutex-guarded set backing one address's
// entry in the serviceMeta inverse map. It is guarded independently of the
// per-service monitor above, because a single address can host providers
// for many services, each mutated under its own service's monitor.
type addressServices struct {
	mu  sync.Mutex
	set map[regdomain.ServiceMeta]struct{}
}

func newAddressServices() *addressServices {
	return &addressServices{set: make(map[regdomain.ServiceMeta]struct{})}
}

func (a *addressServices) add(s regdomain.ServiceMeta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set[s] = struct{}{}
}

func (a *addressServices) remove(s regdomain.ServiceMeta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.set, s)
}

func (a *addressServices) snapshot() []regdomain.ServiceMeta {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]regdomain.ServiceMeta, 0, len(a.set))
	for s := range a.set {
		out = append(out, s)
	}
	return out
}

// Context is the thread-safe registry state machine.
type Context struct {
	topMu sync.Mutex // guards creation of top-level map entries only

	registerMeta map[regdomain.ServiceMeta]*Entry
	serviceMeta  map[regdomain.Address]*addressServices
	serviceLocks map[regdomain.ServiceMeta]*sync.Mutex
}

// New returns an empty Context.
func New() *Context {
	return &Context{
		registerMeta: make(map[regdomain.ServiceMeta]*Entry),
		serviceMeta:  make(map[regdomain.Address]*addressServices),
		serviceLocks: make(map[regdomain.ServiceMeta]*sync.Mutex),
	}
}

// GetRegisterMeta returns the versioned provider map for s, creating an
// empty one lazily on first access. Never removed once created.
func (c *Context) GetRegisterMeta(s regdomain.ServiceMeta) *Entry {
	c.topMu.Lock()
	defer c.topMu.Unlock()
	e, ok := c.registerMeta[s]
	if !ok {
		e = regdomain.NewConfigWithVersion(make(ProviderMap))
		c.registerMeta[s] = e
	}
	return e
}

// GetServiceMeta returns the set of services address a currently exposes,
// as a snapshot slice. Creating the backing set lazily on first access.
func (c *Context) GetServiceMeta(a regdomain.Address) []regdomain.ServiceMeta {
	return c.addressSet(a).snapshot()
}

func (c *Context) addressSet(a regdomain.Address) *addressServices {
	c.topMu.Lock()
	defer c.topMu.Unlock()
	s, ok := c.serviceMeta[a]
	if !ok {
		s = newAddressServices()
		c.serviceMeta[a] = s
	}
	return s
}

// serviceLock returns the per-service monitor for s, creating it on first
// access computeIfAbsent-style: lookup and creation both happen under topMu,
// so two callers can never create competing locks for the same service.
func (c *Context) serviceLock(s regdomain.ServiceMeta) *sync.Mutex {
	c.topMu.Lock()
	defer c.topMu.Unlock()
	l, ok := c.serviceLocks[s]
	if !ok {
		l = &sync.Mutex{}
		c.serviceLocks[s] = l
	}
	return l
}

// Publish adds (s, a, meta) if a is not already a provider of s. On success
// it bumps the version, links the inverse set, and returns the new
// version and the full provider snapshot. added is false (no version bump,
// no snapshot) if a was already present — publishing an existing address
// is a no-op.
func (c *Context) Publish(s regdomain.ServiceMeta, meta regdomain.RegisterMeta) (version int64, providers []regdomain.RegisterMeta, added bool) {
	lock := c.serviceLock(s)
	lock.Lock()
	defer lock.Unlock()

	entry := c.GetRegisterMeta(s)
	if _, exists := entry.Value[meta.Addr]; exists {
		return entry.Version(), nil, false
	}
	entry.Value[meta.Addr] = meta
	c.addressSet(meta.Addr).add(s)
	v := entry.NewVersion()
	return v, snapshotProviders(entry.Value), true
}

// UnPublish removes a's entry from s's provider map, if present.
// Symmetrical to Publish: bumps the version and returns the new
// (possibly empty) snapshot only when a was actually removed.
func (c *Context) UnPublish(s regdomain.ServiceMeta, addr regdomain.Address) (version int64, providers []regdomain.RegisterMeta, removed bool) {
	lock := c.serviceLock(s)
	lock.Lock()
	defer lock.Unlock()

	entry := c.GetRegisterMeta(s)
	if _, exists := entry.Value[addr]; !exists {
		return entry.Version(), nil, false
	}
	delete(entry.Value, addr)
	c.addressSet(addr).remove(s)
	v := entry.NewVersion()
	return v, snapshotProviders(entry.Value), true
}

// Snapshot returns the current version and provider list for s, taken
// under s's per-service monitor so the version and the provider slice it
// returns always describe the same write.
func (c *Context) Snapshot(s regdomain.ServiceMeta) (version int64, providers []regdomain.RegisterMeta) {
	entry := c.GetRegisterMeta(s)
	lock := c.serviceLock(s)
	lock.Lock()
	defer lock.Unlock()
	return entry.Version(), snapshotProviders(entry.Value)
}

func snapshotProviders(m ProviderMap) []regdomain.RegisterMeta {
	out := make([]regdomain.RegisterMeta, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
