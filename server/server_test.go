package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wanjg/jupiter/ackretransmit"
	"github.com/wanjg/jupiter/message"
	"github.com/wanjg/jupiter/protocol"
	"github.com/wanjg/jupiter/regcontext"
	"github.com/wanjg/jupiter/regdomain"
	"github.com/wanjg/jupiter/registryserver"
	"github.com/wanjg/jupiter/serializer"
	"github.com/wanjg/jupiter/timingwheel"
	"github.com/wanjg/jupiter/transport"
)

func newTestServer(t *testing.T, addr string) (*regcontext.Context, *Server) {
	t.Helper()
	ser := serializer.JSON{}
	ctx := regcontext.New()
	tracker := ackretransmit.New(ctx, ser, nil, nil)
	tracker.Start()
	t.Cleanup(tracker.Stop)

	regSrv := registryserver.New(ctx, tracker, ser, nil)
	wheel := timingwheel.New(10*time.Millisecond, 64)
	t.Cleanup(wheel.Stop)

	srv := New(regSrv, wheel, Config{}, nil)
	go srv.Serve(addr)
	t.Cleanup(func() { srv.Shutdown() })
	time.Sleep(50 * time.Millisecond)
	return ctx, srv
}

// dial connects and returns a raw transport.Channel plus an inbound frame
// channel fed by its read loop, for tests that want to inspect frames
// directly instead of going through the higher-level client package.
func dial(t *testing.T, addr string) (*transport.Channel, chan protocol.Frame) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	ch := transport.NewChannel(conn, nil)
	frames := make(chan protocol.Frame, 16)
	go ch.ReadLoop(func(f protocol.Frame) error {
		frames <- f
		return nil
	})
	return ch, frames
}

func waitForSign(t *testing.T, frames chan protocol.Frame, sign protocol.Sign) protocol.Frame {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case f := <-frames:
			if f.Header.Sign == sign {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for sign %s", sign)
		}
	}
}

func TestPublishThenSubscribeReceivesSnapshot(t *testing.T) {
	_, _ = newTestServer(t, ":19001")
	ser := serializer.JSON{}
	svc := regdomain.ServiceMeta{Group: "g", Name: "echo", Version: "1.0"}
	meta := regdomain.RegisterMeta{Service: svc, Addr: regdomain.Address{Host: "127.0.0.1", Port: 7001}, Weight: 1}

	provider, _ := dial(t, ":19001")
	defer provider.Close()

	publishMsg, err := message.NewPublishRequest(ser, 1, meta)
	require.NoError(t, err)
	body, err := message.EncodeFrame(ser, publishMsg)
	require.NoError(t, err)
	require.NoError(t, provider.WriteFrame(protocol.PublishService, body))

	consumer, consumerFrames := dial(t, ":19001")
	defer consumer.Close()

	subMsg, err := message.NewSubscribeRequest(ser, 1, svc)
	require.NoError(t, err)
	subBody, err := message.EncodeFrame(ser, subMsg)
	require.NoError(t, err)
	require.NoError(t, consumer.WriteFrame(protocol.SubscribeService, subBody))

	waitForSign(t, consumerFrames, protocol.Ack)
	pushFrame := waitForSign(t, consumerFrames, protocol.PublishService)

	_, _, decodeErr := message.Decode(ser, pushFrame)
	require.NoError(t, decodeErr)
}

func TestChannelCloseImplicitlyUnpublishes(t *testing.T) {
	regCtx, _ := newTestServer(t, ":19002")
	ser := serializer.JSON{}
	svc := regdomain.ServiceMeta{Group: "g", Name: "cache", Version: "1.0"}
	meta := regdomain.RegisterMeta{Service: svc, Addr: regdomain.Address{Host: "127.0.0.1", Port: 7002}, Weight: 1}

	provider, _ := dial(t, ":19002")

	publishMsg, err := message.NewPublishRequest(ser, 1, meta)
	require.NoError(t, err)
	body, err := message.EncodeFrame(ser, publishMsg)
	require.NoError(t, err)
	require.NoError(t, provider.WriteFrame(protocol.PublishService, body))

	require.Eventually(t, func() bool {
		_, providers := regCtx.Snapshot(svc)
		return len(providers) == 1
	}, time.Second, 10*time.Millisecond)

	provider.Close()

	require.Eventually(t, func() bool {
		_, providers := regCtx.Snapshot(svc)
		return len(providers) == 0
	}, time.Second, 10*time.Millisecond)
}

// TestIllegalSignClosesConnection exercises the ILLEGAL_SIGN path: a frame
// with a header sign the registry doesn't recognize must close the
// connection rather than leave it open for more traffic.
func TestIllegalSignClosesConnection(t *testing.T) {
	_, _ = newTestServer(t, ":19004")

	conn, err := net.Dial("tcp", ":19004")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.Encode(conn, protocol.Sign(200), nil))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	require.Error(t, err) // server closed its side after the illegal sign
}

// TestHeartbeatKeepsConnectionAlive exercises the reader-idle path: a
// client that keeps sending heartbeats never gets closed by the registry's
// idle checker.
func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	ser := serializer.JSON{}
	ctx := regcontext.New()
	tracker := ackretransmit.New(ctx, ser, nil, nil)
	tracker.Start()
	t.Cleanup(tracker.Stop)
	regSrv := registryserver.New(ctx, tracker, ser, nil)
	wheel := timingwheel.New(5*time.Millisecond, 32)
	t.Cleanup(wheel.Stop)
	srv := New(regSrv, wheel, Config{ReaderIdle: 50 * time.Millisecond}, nil)
	go srv.Serve(":19003")
	t.Cleanup(func() { srv.Shutdown() })
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", ":19003")
	require.NoError(t, err)
	defer conn.Close()
	ch := transport.NewChannel(conn, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, ch.WriteFrame(protocol.Heartbeat, nil))
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, ch.IsActive())
}
