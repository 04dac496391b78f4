package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wanjg/jupiter/ackretransmit"
	"github.com/wanjg/jupiter/regcontext"
	"github.com/wanjg/jupiter/regdomain"
	"github.com/wanjg/jupiter/registryserver"
	"github.com/wanjg/jupiter/serializer"
	"github.com/wanjg/jupiter/server"
	"github.com/wanjg/jupiter/timingwheel"
)

func startTestRegistry(t *testing.T, addr string) *regcontext.Context {
	t.Helper()
	ctx := regcontext.New()
	ser := serializer.JSON{}
	tracker := ackretransmit.New(ctx, ser, nil, nil)
	tracker.Start()
	t.Cleanup(tracker.Stop)

	regSrv := registryserver.New(ctx, tracker, ser, nil)
	wheel := timingwheel.New(10*time.Millisecond, 64)
	t.Cleanup(wheel.Stop)

	srv := server.New(regSrv, wheel, server.Config{}, nil)
	go srv.Serve(addr)
	t.Cleanup(func() { srv.Shutdown() })
	time.Sleep(50 * time.Millisecond)
	return ctx
}

func TestClientPublishSubscribe(t *testing.T) {
	startTestRegistry(t, ":18881")

	svc := regdomain.ServiceMeta{Group: "g", Name: "echo", Version: "1.0"}

	provider, err := Dial(":18881", serializer.JSON{}, nil, nil)
	require.NoError(t, err)
	defer provider.Close()

	meta := regdomain.RegisterMeta{Service: svc, Addr: regdomain.Address{Host: "127.0.0.1", Port: 9001}, Weight: 10}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, provider.Publish(ctx, meta))

	consumer, err := Dial(":18881", serializer.JSON{}, nil, nil)
	require.NoError(t, err)
	defer consumer.Close()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, consumer.Subscribe(ctx2, svc))

	require.Eventually(t, func() bool {
		return len(consumer.Providers(svc)) == 1
	}, time.Second, 10*time.Millisecond)

	got := consumer.Providers(svc)[0]
	require.Equal(t, meta.Addr, got.Addr)
}

func TestClientUnpublishRemovesProvider(t *testing.T) {
	startTestRegistry(t, ":18882")

	svc := regdomain.ServiceMeta{Group: "g", Name: "echo2", Version: "1.0"}
	meta := regdomain.RegisterMeta{Service: svc, Addr: regdomain.Address{Host: "127.0.0.1", Port: 9002}, Weight: 1}

	provider, err := Dial(":18882", serializer.JSON{}, nil, nil)
	require.NoError(t, err)
	defer provider.Close()

	consumer, err := Dial(":18882", serializer.JSON{}, nil, nil)
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, consumer.Subscribe(ctx, svc))
	require.NoError(t, provider.Publish(ctx, meta))

	require.Eventually(t, func() bool {
		return len(consumer.Providers(svc)) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, provider.UnPublish(ctx, meta))

	require.Eventually(t, func() bool {
		return len(consumer.Providers(svc)) == 0
	}, time.Second, 10*time.Millisecond)
}
