package test

import (
	"context"
	"testing"
	"time"

	"github.com/wanjg/jupiter/ackretransmit"
	"github.com/wanjg/jupiter/client"
	"github.com/wanjg/jupiter/regcontext"
	"github.com/wanjg/jupiter/regdomain"
	"github.com/wanjg/jupiter/registryserver"
	"github.com/wanjg/jupiter/serializer"
	"github.com/wanjg/jupiter/server"
	"github.com/wanjg/jupiter/timingwheel"
)

func setupBenchRegistry(b *testing.B, addr string) {
	b.Helper()
	ser := serializer.JSON{}
	ctx := regcontext.New()
	tracker := ackretransmit.New(ctx, ser, nil, nil)
	tracker.Start()
	b.Cleanup(tracker.Stop)

	regSrv := registryserver.New(ctx, tracker, ser, nil)
	wheel := timingwheel.New(10*time.Millisecond, 64)
	b.Cleanup(wheel.Stop)

	srv := server.New(regSrv, wheel, server.Config{}, nil)
	go srv.Serve(addr)
	b.Cleanup(func() { srv.Shutdown() })
	time.Sleep(50 * time.Millisecond)
}

// BenchmarkSerialPublish measures round-trip publish+ACK latency on a
// single connection, one at a time.
func BenchmarkSerialPublish(b *testing.B) {
	setupBenchRegistry(b, "127.0.0.1:29090")
	cli, err := client.Dial("127.0.0.1:29090", serializer.JSON{}, nil, nil)
	if err != nil {
		b.Fatal(err)
	}
	defer cli.Close()

	svc := regdomain.ServiceMeta{Group: "bench", Name: "serial", Version: "1.0"}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		meta := regdomain.RegisterMeta{
			Service: svc,
			Addr:    regdomain.Address{Host: "127.0.0.1", Port: 30000 + i%1000},
			Weight:  1,
		}
		if err := cli.Publish(ctx, meta); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkConcurrentPublish measures publish+ACK throughput across many
// goroutines sharing one multiplexed connection — the scenario the
// per-sequence pendingAck map in ClientTransport exists for.
func BenchmarkConcurrentPublish(b *testing.B) {
	setupBenchRegistry(b, "127.0.0.1:29091")
	cli, err := client.Dial("127.0.0.1:29091", serializer.JSON{}, nil, nil)
	if err != nil {
		b.Fatal(err)
	}
	defer cli.Close()

	svc := regdomain.ServiceMeta{Group: "bench", Name: "concurrent", Version: "1.0"}
	ctx := context.Background()

	b.ResetTimer()
	var i int
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			n := i
			i++
			meta := regdomain.RegisterMeta{
				Service: svc,
				Addr:    regdomain.Address{Host: "127.0.0.1", Port: 30000 + n%1000},
				Weight:  1,
			}
			if err := cli.Publish(ctx, meta); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkSerializerJSON measures encode+decode cost of the human-readable
// serializer on a representative push payload.
func BenchmarkSerializerJSON(b *testing.B) {
	benchmarkSerializer(b, serializer.JSON{})
}

// BenchmarkSerializerMsgpack measures the same round trip using the compact
// binary serializer, the production default for high-frequency push traffic.
func BenchmarkSerializerMsgpack(b *testing.B) {
	benchmarkSerializer(b, serializer.Msgpack{})
}

func benchmarkSerializer(b *testing.B, ser serializer.Serializer) {
	svc := regdomain.ServiceMeta{Group: "bench", Name: "serializer", Version: "1.0"}
	push := struct {
		Service   regdomain.ServiceMeta
		Providers []regdomain.RegisterMeta
	}{
		Service: svc,
		Providers: []regdomain.RegisterMeta{
			{Service: svc, Addr: regdomain.Address{Host: "127.0.0.1", Port: 8001}, Weight: 10},
			{Service: svc, Addr: regdomain.Address{Host: "127.0.0.1", Port: 8002}, Weight: 5},
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := ser.Encode(push)
		if err != nil {
			b.Fatal(err)
		}
		var out struct {
			Service   regdomain.ServiceMeta
			Providers []regdomain.RegisterMeta
		}
		if err := ser.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}
