// Package server runs the registry's TCP acceptor: one net.Listener, one
// goroutine per accepted connection, wiring each connection's frames into
// registryserver.Server and its idle detection into a shared timing wheel.
package server

import (
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wanjg/jupiter/idle"
	"github.com/wanjg/jupiter/protocol"
	"github.com/wanjg/jupiter/registryserver"
	"github.com/wanjg/jupiter/timingwheel"
	"github.com/wanjg/jupiter/transport"
)

// Config holds the acceptor's per-connection idle-detection tunables.
// Zero a duration to disable that kind of detection entirely.
type Config struct {
	ReaderIdle time.Duration
	WriterIdle time.Duration
	AllIdle    time.Duration
}

// Server is the registry's TCP acceptor.
type Server struct {
	regSrv *registryserver.Server
	wheel  *timingwheel.Wheel
	cfg    Config
	logger *zap.SugaredLogger

	listener net.Listener
	shutdown atomic.Bool
}

// New builds an acceptor around an already-constructed registryserver.Server
// and timingwheel.Wheel. Both are process-wide singletons the caller
// constructs once and passes in, rather than package globals.
func New(regSrv *registryserver.Server, wheel *timingwheel.Wheel, cfg Config, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{regSrv: regSrv, wheel: wheel, cfg: cfg, logger: logger}
}

// Serve listens on address and runs the accept loop until Shutdown is
// called or the listener errors. Each accepted connection gets its own
// transport.Channel, idle.Checker, and read-loop goroutine.
//
// Socket-option tuning (backlog depth, SO_REUSEADDR) is left at the Go
// runtime's defaults: net.Listen already sets SO_REUSEADDR on Unix, and
// reaching further (e.g. a custom listen backlog) needs a raw syscall
// dependency this module doesn't otherwise have a use for.
func (s *Server) Serve(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = listener

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	ch := transport.NewChannel(conn, s.logger)

	checker := idle.New(s.wheel, nil, idleListener{s: s, ch: ch}, s.cfg.ReaderIdle, s.cfg.WriterIdle, s.cfg.AllIdle, ch.IsActive)
	ch.SetIdleChecker(checker)
	checker.Init()

	defer func() {
		s.regSrv.ChannelInactive(ch)
		ch.Close()
	}()

	if err := ch.ReadLoop(func(f protocol.Frame) error {
		return s.regSrv.HandleFrame(f, ch)
	}); err != nil {
		s.logger.Debugw("server: connection read loop ended", "channel", ch.ID(), "remote", conn.RemoteAddr(), "error", err)
	}
}

// Shutdown stops accepting new connections. In-flight connections are left
// to drain on their own; the registry has no per-request state to wait on
// the way an RPC server's in-flight call count would.
func (s *Server) Shutdown() error {
	s.shutdown.Store(true)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// idleListener closes a channel whose reader/writer/all idle limit fires —
// the registry has no heartbeat-response handshake to attempt first, so any
// idle event is treated as a dead peer.
type idleListener struct {
	s  *Server
	ch *transport.Channel
}

func (l idleListener) OnIdle(kind idle.EventKind) {
	l.s.logger.Debugw("server: idle timeout, closing channel", "channel", l.ch.ID(), "kind", kind)
	l.ch.Close()
}

func (l idleListener) OnEmitError(err error) {
	l.s.logger.Warnw("server: idle listener panicked", "channel", l.ch.ID(), "error", err)
}
