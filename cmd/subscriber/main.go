// Command subscriber is an illustrative consumer: it discovers a service's
// providers via the etcd-backed registry, keeps a channelgroup.Group of
// live connections to them up to date, and broadcasts a request using
// dispatcher.Dispatcher. All of a service's provider connections share one
// group, so each broadcast reaches a single connection, chosen round-robin;
// it does not reach every discovered provider.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wanjg/jupiter/channelgroup"
	"github.com/wanjg/jupiter/dispatcher"
	"github.com/wanjg/jupiter/loadbalance"
	"github.com/wanjg/jupiter/protocol"
	"github.com/wanjg/jupiter/regdomain"
	"github.com/wanjg/jupiter/registry"
	"github.com/wanjg/jupiter/serializer"
	"github.com/wanjg/jupiter/transport"
)

func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetDefault("etcd_endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("service_group", "default")
	v.SetDefault("service_name", "arith")
	v.SetDefault("service_version", "1.0")
	v.SetDefault("poll_interval_seconds", 5)
	v.SetEnvPrefix("subscriber")
	v.AutomaticEnv()
	return v
}

// groupDirectory implements dispatcher.Directory over a set of
// channelgroup.Group instances kept current by watching one etcd-backed
// service, in the registry's own domain terms (regdomain.RegisterMeta)
// rather than the generic registry.ServiceInstance. It owns the
// dial/redial lifecycle for every discovered provider.
type groupDirectory struct {
	logger    *zap.SugaredLogger
	groups    map[string]*channelgroup.Group
	dialed    map[string]bool // address -> already has a live/dialing connection
	providers map[string][]regdomain.RegisterMeta
}

func newGroupDirectory(logger *zap.SugaredLogger) *groupDirectory {
	return &groupDirectory{
		logger:    logger,
		groups:    make(map[string]*channelgroup.Group),
		dialed:    make(map[string]bool),
		providers: make(map[string][]regdomain.RegisterMeta),
	}
}

func (d *groupDirectory) Groups(key string) []*channelgroup.Group {
	g, ok := d.groups[key]
	if !ok {
		return nil
	}
	return []*channelgroup.Group{g}
}

// Instances returns the most recently observed provider list for key as
// registry.ServiceInstance values, converted the same way
// client.Client.Pick bridges its own regdomain.RegisterMeta cache to a
// loadbalance.Balancer — for callers that pick one provider directly
// instead of broadcasting to every connection.
func (d *groupDirectory) Instances(key string) []registry.ServiceInstance {
	providers := d.providers[key]
	out := make([]registry.ServiceInstance, len(providers))
	for i, p := range providers {
		out[i] = registry.ServiceInstance{Addr: p.Addr.String(), Weight: p.Weight, Version: p.Service.Version}
	}
	return out
}

// sync reconciles the group for key against the current provider list:
// dial any new address, drop tracking for addresses no longer present.
func (d *groupDirectory) sync(key string, providers []regdomain.RegisterMeta) {
	g, ok := d.groups[key]
	if !ok {
		g = channelgroup.New(key)
		d.groups[key] = g
	}
	d.providers[key] = providers

	live := make(map[string]bool, len(providers))
	for _, p := range providers {
		addr := p.Addr.String()
		live[addr] = true
		if d.dialed[addr] {
			continue
		}
		d.dialed[addr] = true
		go d.dialAndAdd(g, addr)
	}
	for addr := range d.dialed {
		if !live[addr] {
			delete(d.dialed, addr)
		}
	}
}

func (d *groupDirectory) dialAndAdd(g *channelgroup.Group, addr string) {
	conn, err := transport.DialWithBackoff(context.Background(), "tcp", addr, 5, 200*time.Millisecond)
	if err != nil {
		d.logger.Warnw("subscriber: failed to dial provider", "addr", addr, "error", err)
		return
	}
	ch := transport.NewChannel(conn, d.logger)
	g.Add(ch)
	go func() {
		ch.ReadLoop(func(protocol.Frame) error { return nil })
		ch.Close()
	}()
}

// buildInstanceLoadBalancer picks by each provider's published weight
// (regdomain.RegisterMeta.Weight, carried through Discover/Watch as
// registry.ServiceInstance.Weight) rather than spreading load uniformly,
// so a provider that advertised more capacity gets proportionally more
// traffic.
func buildInstanceLoadBalancer() loadbalance.Balancer {
	return &loadbalance.WeightedRandomBalancer{}
}

func main() {
	v := loadConfig()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	endpoints := v.GetStringSlice("etcd_endpoints")
	reg, err := registry.NewEtcdRegistry(endpoints)
	if err != nil {
		sugar.Fatalw("subscriber: failed to connect to etcd", "endpoints", strings.Join(endpoints, ","), "error", err)
	}

	svc := regdomain.ServiceMeta{
		Group:   v.GetString("service_group"),
		Name:    v.GetString("service_name"),
		Version: v.GetString("service_version"),
	}
	serviceName := svc.String()
	dir := newGroupDirectory(sugar)

	initial, err := reg.DiscoverProviders(svc)
	if err != nil {
		sugar.Warnw("subscriber: initial discovery failed", "service", serviceName, "error", err)
	}
	dir.sync(serviceName, initial)

	updates := reg.WatchProviders(svc)
	go func() {
		for providers := range updates {
			sugar.Infow("subscriber: provider list updated", "service", serviceName, "count", len(providers))
			dir.sync(serviceName, providers)
		}
	}()

	balancer := buildInstanceLoadBalancer()
	disp := dispatcher.New(dir, serializer.Msgpack{})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(time.Duration(v.GetInt("poll_interval_seconds")) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			sugar.Infow("subscriber: shutting down")
			return
		case <-ticker.C:
			futures, err := disp.Broadcast(serviceName, pingRequest{}, protocol.Heartbeat, nil)
			if err != nil {
				sugar.Warnw("subscriber: broadcast failed", "error", err)
				continue
			}
			sugar.Infow("subscriber: broadcast sent", "legs", len(futures))

			if picked, err := balancer.Pick(dir.Instances(serviceName)); err == nil {
				sugar.Infow("subscriber: balancer picked instance", "addr", picked.Addr)
			}
		}
	}
}

type pingRequest struct{}
