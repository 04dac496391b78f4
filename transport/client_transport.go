package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wanjg/jupiter/message"
	"github.com/wanjg/jupiter/protocol"
	"github.com/wanjg/jupiter/regdomain"
	"github.com/wanjg/jupiter/serializer"
)

// PushHandler is invoked for every server-initiated PUBLISH_SERVICE push
// this transport's subscriptions receive.
type PushHandler func(push message.PublishPush, version int64)

// ClientTransport is the provider/consumer side of the wire protocol: it
// sends Publish/UnPublish/Subscribe requests and blocks until the matching
// ACK arrives, while asynchronously routing inbound pushes to onPush and
// sending periodic heartbeats to keep the registry's idle checker quiet.
type ClientTransport struct {
	channel *Channel
	ser     serializer.Serializer
	logger  *zap.SugaredLogger

	seq        atomic.Uint64
	pendingAck sync.Map // uint64 sequence -> chan struct{}

	onPush PushHandler
}

// NewClientTransport wraps conn and starts the background receive and
// heartbeat loops. onPush may be nil if the caller never subscribes.
func NewClientTransport(conn net.Conn, ser serializer.Serializer, onPush PushHandler, logger *zap.SugaredLogger) *ClientTransport {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	t := &ClientTransport{
		channel: NewChannel(conn, logger),
		ser:     ser,
		logger:  logger,
		onPush:  onPush,
	}
	go t.recvLoop()
	go t.heartbeatLoop(30 * time.Second)
	return t
}

// Channel returns the underlying wire channel.
func (t *ClientTransport) Channel() *Channel {
	return t.channel
}

func (t *ClientTransport) recvLoop() {
	if err := t.channel.ReadLoop(t.handleFrame); err != nil {
		t.logger.Debugw("transport: client recv loop ended", "channel", t.channel.ID(), "error", err)
	}
	t.channel.Close()
	t.failAllPending()
}

func (t *ClientTransport) failAllPending() {
	t.pendingAck.Range(func(key, value any) bool {
		close(value.(chan struct{}))
		t.pendingAck.Delete(key)
		return true
	})
}

func (t *ClientTransport) handleFrame(f protocol.Frame) error {
	msg, ack, err := message.Decode(t.ser, f)
	if err != nil {
		return err
	}
	if msg == nil && ack == nil {
		return nil // heartbeat
	}
	if ack != nil {
		if done, ok := t.pendingAck.LoadAndDelete(ack.Sequence); ok {
			close(done.(chan struct{}))
		}
		return nil
	}

	if msg.Sign != protocol.PublishService {
		return fmt.Errorf("transport: unexpected push sign %s", msg.Sign)
	}
	push, err := message.DecodePush(t.ser, msg)
	if err != nil {
		return fmt.Errorf("transport: decode push: %w", err)
	}
	if err := t.ackMessage(msg.Sequence); err != nil {
		return fmt.Errorf("transport: ack push: %w", err)
	}
	if t.onPush != nil {
		t.onPush(push, msg.Version)
	}
	return nil
}

func (t *ClientTransport) ackMessage(sequence uint64) error {
	body, err := message.EncodeAck(t.ser, sequence)
	if err != nil {
		return err
	}
	return t.channel.WriteFrame(protocol.Ack, body)
}

// sendAndAwaitAck writes msg and blocks until its sequence is ACKed or ctx
// is done, whichever comes first.
func (t *ClientTransport) sendAndAwaitAck(ctx context.Context, msg *message.Message) error {
	done := make(chan struct{})
	t.pendingAck.Store(msg.Sequence, done)
	defer t.pendingAck.Delete(msg.Sequence)

	body, err := message.EncodeFrame(t.ser, msg)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	if err := t.channel.WriteFrame(msg.Sign, body); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish registers meta and waits for the registry's ACK.
func (t *ClientTransport) Publish(ctx context.Context, meta regdomain.RegisterMeta) error {
	msg, err := message.NewPublishRequest(t.ser, t.seq.Add(1), meta)
	if err != nil {
		return err
	}
	return t.sendAndAwaitAck(ctx, msg)
}

// UnPublish deregisters meta and waits for the registry's ACK.
func (t *ClientTransport) UnPublish(ctx context.Context, meta regdomain.RegisterMeta) error {
	msg, err := message.NewUnPublishRequest(t.ser, t.seq.Add(1), meta)
	if err != nil {
		return err
	}
	return t.sendAndAwaitAck(ctx, msg)
}

// Subscribe registers interest in svc and waits for the registry's ACK. Any
// current providers arrive afterward as an asynchronous push.
func (t *ClientTransport) Subscribe(ctx context.Context, svc regdomain.ServiceMeta) error {
	msg, err := message.NewSubscribeRequest(t.ser, t.seq.Add(1), svc)
	if err != nil {
		return err
	}
	return t.sendAndAwaitAck(ctx, msg)
}

// heartbeatLoop keeps the registry's reader-idle timer from firing while
// this transport has nothing else to send.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if !t.channel.IsActive() {
			return
		}
		if err := t.channel.WriteFrame(protocol.Heartbeat, nil); err != nil {
			return
		}
	}
}
