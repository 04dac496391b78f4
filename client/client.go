// Package client is the provider/consumer endpoint of the registry's wire
// protocol: one ClientTransport to the registry, used to publish/unpublish
// provider addresses and to subscribe to a service's live provider list.
//
// A subscribed Client keeps its own cache of each service's current
// providers, refreshed from the push stream, and picks among them with a
// loadbalance.Balancer the same way a consumer would pick among instances
// discovered through the etcd-backed registry.Registry.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/wanjg/jupiter/loadbalance"
	"github.com/wanjg/jupiter/message"
	"github.com/wanjg/jupiter/regdomain"
	"github.com/wanjg/jupiter/registry"
	"github.com/wanjg/jupiter/serializer"
	"github.com/wanjg/jupiter/transport"
)

// Client connects to one registry address and speaks publish / unpublish /
// subscribe over it.
type Client struct {
	t        *transport.ClientTransport
	balancer loadbalance.Balancer
	logger   *zap.SugaredLogger

	mu        sync.RWMutex
	providers map[regdomain.ServiceMeta][]regdomain.RegisterMeta
}

// Dial connects to the registry at addr and starts its background receive
// and heartbeat loops. balancer may be nil if the caller never calls Pick.
func Dial(addr string, ser serializer.Serializer, balancer loadbalance.Balancer, logger *zap.SugaredLogger) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Client{
		balancer:  balancer,
		logger:    logger,
		providers: make(map[regdomain.ServiceMeta][]regdomain.RegisterMeta),
	}
	c.t = transport.NewClientTransport(conn, ser, c.onPush, logger)
	return c, nil
}

func (c *Client) onPush(push message.PublishPush, version int64) {
	c.mu.Lock()
	c.providers[push.Service] = push.Providers
	c.mu.Unlock()
	c.logger.Debugw("client: received provider push", "service", push.Service.String(), "version", version, "count", len(push.Providers))
}

// Publish registers meta with the registry and waits for its ACK.
func (c *Client) Publish(ctx context.Context, meta regdomain.RegisterMeta) error {
	return c.t.Publish(ctx, meta)
}

// UnPublish deregisters meta and waits for the registry's ACK.
func (c *Client) UnPublish(ctx context.Context, meta regdomain.RegisterMeta) error {
	return c.t.UnPublish(ctx, meta)
}

// Subscribe registers interest in svc and waits for the registry's ACK.
// Providers() reflects svc only once the first asynchronous push lands.
func (c *Client) Subscribe(ctx context.Context, svc regdomain.ServiceMeta) error {
	return c.t.Subscribe(ctx, svc)
}

// Providers returns the last pushed provider snapshot for svc.
func (c *Client) Providers(svc regdomain.ServiceMeta) []regdomain.RegisterMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]regdomain.RegisterMeta, len(c.providers[svc]))
	copy(out, c.providers[svc])
	return out
}

// Pick selects one current provider of svc via the configured balancer.
func (c *Client) Pick(svc regdomain.ServiceMeta) (*registry.ServiceInstance, error) {
	if c.balancer == nil {
		return nil, fmt.Errorf("client: no balancer configured")
	}
	providers := c.Providers(svc)
	instances := make([]registry.ServiceInstance, len(providers))
	for i, p := range providers {
		instances[i] = registry.ServiceInstance{Addr: p.Addr.String(), Weight: p.Weight, Version: svc.Version}
	}
	return c.balancer.Pick(instances)
}

// Close shuts down the underlying connection.
func (c *Client) Close() error {
	return c.t.Channel().Close()
}
