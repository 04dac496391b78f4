// Package regdomain defines the registry's data model: the identity of a
// service, the identity of a provider address, and the versioned container
// that ties a service's provider set to a monotonically increasing version
// number.
package regdomain

import (
	"fmt"
	"sync/atomic"
)

// ServiceMeta identifies a service. Equality and hashing (map keying) depend
// only on these three fields; it is immutable after construction.
type ServiceMeta struct {
	Group   string
	Name    string
	Version string
}

func (s ServiceMeta) String() string {
	return fmt.Sprintf("%s/%s:%s", s.Group, s.Name, s.Version)
}

// Address is a provider's (host, port). Host may be empty at ingress — the
// server fills it in from the peer socket before storing (see
// registryserver.Server.backfillHost).
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// RegisterMeta is one provider's record for one service: its address, plus
// load-balancing metadata. Map keying for a service's provider set is the
// Address alone.
type RegisterMeta struct {
	Service   ServiceMeta
	Addr      Address
	Weight    int
	ConnCount int32
}

// ConfigWithVersion pairs a value with a monotonically increasing version
// counter. NewVersion atomically bumps and returns the new version; it is
// the only way the version changes, so every successful publish/unpublish
// of the owning service corresponds to exactly one NewVersion call.
type ConfigWithVersion[T any] struct {
	version atomic.Int64
	Value   T
}

// NewConfigWithVersion wraps an initial value at version 0.
func NewConfigWithVersion[T any](initial T) *ConfigWithVersion[T] {
	return &ConfigWithVersion[T]{Value: initial}
}

// Version returns the current version without mutating it.
func (c *ConfigWithVersion[T]) Version() int64 {
	return c.version.Load()
}

// NewVersion atomically increments and returns the new version.
func (c *ConfigWithVersion[T]) NewVersion() int64 {
	return c.version.Add(1)
}
