// Package transport provides the concrete, net.Conn-backed implementation
// of wireconn.Channel, plus the client-side multiplexed transport used by
// providers and consumers to talk to the registry and a dial-with-backoff
// helper.
package transport

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wanjg/jupiter/idle"
	"github.com/wanjg/jupiter/protocol"
)

// Channel is one TCP connection to (or from) the registry, implementing
// wireconn.Channel. Writes are serialized by writeMu so concurrent
// goroutines never interleave frames on the wire; writes stay FIFO per channel.
type Channel struct {
	conn   net.Conn
	id     string
	logger *zap.SugaredLogger

	writeMu sync.Mutex
	active  atomic.Bool

	closeMu        sync.Mutex
	closeListeners []func()
	closed         bool

	idleChecker *idle.Checker // nil if idle detection isn't wired for this channel
}

// NewChannel wraps conn with a short id and marks it active. Callers
// attach an idle.Checker afterward via SetIdleChecker if idle detection is
// wanted, then call Init() on it once the channel is considered live.
func NewChannel(conn net.Conn, logger *zap.SugaredLogger) *Channel {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ch := &Channel{
		conn:   conn,
		id:     uuid.NewString()[:8],
		logger: logger,
	}
	ch.active.Store(true)
	return ch
}

func (c *Channel) ID() string          { return c.id }
func (c *Channel) IsActive() bool      { return c.active.Load() }
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SetIdleChecker attaches the idle checker this channel reports read/write
// activity to. Must be called before Init() is invoked on the checker.
func (c *Channel) SetIdleChecker(checker *idle.Checker) {
	c.idleChecker = checker
}

// OnClose registers fn to run exactly once when Close runs. If the channel
// is already closed, fn runs immediately.
func (c *Channel) OnClose(fn func()) {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		fn()
		return
	}
	c.closeListeners = append(c.closeListeners, fn)
	c.closeMu.Unlock()
}

// Close marks the channel inactive, closes the underlying connection, and
// fires every registered close listener exactly once.
func (c *Channel) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	listeners := c.closeListeners
	c.closeListeners = nil
	c.closeMu.Unlock()

	c.active.Store(false)
	if c.idleChecker != nil {
		c.idleChecker.Destroy()
	}
	err := c.conn.Close()
	for _, fn := range listeners {
		fn()
	}
	return err
}

// WriteFrame encodes sign+body as one frame and writes it atomically.
func (c *Channel) WriteFrame(sign protocol.Sign, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.Encode(c.conn, sign, body); err != nil {
		return err
	}
	if c.idleChecker != nil {
		c.idleChecker.OnWriteComplete()
	}
	return nil
}

// ReadLoop reads frames until the connection errors out or closes, feeding
// each chunk through a protocol.Decoder and invoking onFrame for every
// complete frame. onFrame's contract is the connection's fate: returning a
// non-nil error is treated as connection-fatal (illegal magic, illegal
// sign, body decode failure) and ends the loop immediately; callers that
// want to tolerate a frame (e.g. an unrecognized-but-harmless message) must
// swallow that case themselves and return nil. ReadLoop returns once the
// connection is no longer readable or onFrame rejects a frame; callers are
// responsible for calling Close() afterward.
func (c *Channel) ReadLoop(onFrame func(protocol.Frame) error) error {
	decoder := protocol.NewDecoder()
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if c.idleChecker != nil {
				c.idleChecker.OnRead()
			}
			frames, decodeErr := decoder.Feed(buf[:n])
			for _, f := range frames {
				if cbErr := onFrame(f); cbErr != nil {
					c.logger.Warnw("transport: frame handler rejected frame, closing connection", "channel", c.id, "error", cbErr)
					return cbErr
				}
			}
			if decodeErr != nil {
				return decodeErr
			}
		}
		if err != nil {
			return err
		}
	}
}
