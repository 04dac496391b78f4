// Package registryserver implements RegistryServer: the publish /
// unpublish / subscribe / acknowledge handlers that sit between the codec
// and RegistryContext.
//
// Every inbound PUBLISH/UNPUBLISH/SUBSCRIBE is ACKed with the inbound
// sequence before the server processes it, so the sender can release its
// own pending-ack bookkeeping without waiting for fan-out effects.
package registryserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wanjg/jupiter/ackretransmit"
	"github.com/wanjg/jupiter/channelgroup"
	"github.com/wanjg/jupiter/message"
	"github.com/wanjg/jupiter/middleware"
	"github.com/wanjg/jupiter/protocol"
	"github.com/wanjg/jupiter/regcontext"
	"github.com/wanjg/jupiter/regdomain"
	"github.com/wanjg/jupiter/serializer"
	"github.com/wanjg/jupiter/wireconn"
)

// attachments holds one channel's PUBLISH_KEY and SUBSCRIBE_KEY sets.
// Lifetime equals the channel's lifetime.
type attachments struct {
	mu        sync.Mutex
	publish   map[regdomain.Address]regdomain.RegisterMeta
	subscribe map[regdomain.ServiceMeta]struct{}
}

func newAttachments() *attachments {
	return &attachments{
		publish:   make(map[regdomain.Address]regdomain.RegisterMeta),
		subscribe: make(map[regdomain.ServiceMeta]struct{}),
	}
}

func (a *attachments) addPublish(m regdomain.RegisterMeta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publish[m.Addr] = m
}

func (a *attachments) removePublish(addr regdomain.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.publish, addr)
}

func (a *attachments) publishedSnapshot() []regdomain.RegisterMeta {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]regdomain.RegisterMeta, 0, len(a.publish))
	for _, m := range a.publish {
		out = append(out, m)
	}
	return out
}

func (a *attachments) addSubscribe(s regdomain.ServiceMeta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribe[s] = struct{}{}
}

// Server is the RegistryServer: stateless beyond its injected
// collaborators, so tests can build one against a fresh regcontext.Context
// per case.
type Server struct {
	ctx     *regcontext.Context
	tracker *ackretransmit.Tracker
	ser     serializer.Serializer
	logger  *zap.SugaredLogger
	handler middleware.HandlerFunc

	attachmentsByChannel sync.Map // channel ID -> *attachments
	subscribersByService sync.Map // regdomain.ServiceMeta -> *channelgroup.Group

	pushSeq atomic.Uint64
}

// Option configures optional middleware layered around message dispatch.
type Option func(*Server)

// WithMiddleware prepends/wraps the dispatch handler with additional
// middleware (rate limiting, logging, timeouts). Applied in the order
// given, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) {
		s.handler = middleware.Chain(mws...)(s.handler)
	}
}

// New builds a RegistryServer. tracker must already be constructed (it is
// a process-wide singleton owned by the top-level wiring, injected here
// rather than referenced as a package global.
func New(ctx *regcontext.Context, tracker *ackretransmit.Tracker, ser serializer.Serializer, logger *zap.SugaredLogger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{ctx: ctx, tracker: tracker, ser: ser, logger: logger}
	s.handler = s.dispatchCore
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) attachmentsFor(ch wireconn.Channel) *attachments {
	v, _ := s.attachmentsByChannel.LoadOrStore(ch.ID(), newAttachments())
	return v.(*attachments)
}

func (s *Server) subscribersFor(svc regdomain.ServiceMeta) *channelgroup.Group {
	v, _ := s.subscribersByService.LoadOrStore(svc, channelgroup.New(svc.String()))
	return v.(*channelgroup.Group)
}

// HandleFrame is the entry point the transport layer calls for each
// decoded inbound frame on ch. It ACKs immediately (for the three
// stateful signs) before handing off to the middleware-wrapped handler, so
// the ack is never gated on fan-out effects.
func (s *Server) HandleFrame(f protocol.Frame, ch wireconn.Channel) error {
	msg, ack, err := message.Decode(s.ser, f)
	if err != nil {
		return err
	}
	if msg == nil && ack == nil {
		return nil // heartbeat: log only, nothing to dispatch
	}
	if ack != nil {
		s.tracker.Ack(ack.Sequence, ch.ID())
		return nil
	}

	if err := s.sendAck(ch, msg.Sequence); err != nil {
		s.logger.Warnw("registryserver: failed to ack inbound message", "channel", ch.ID(), "error", err)
	}

	return s.handler(context.Background(), msg, ch)
}

func (s *Server) sendAck(ch wireconn.Channel, sequence uint64) error {
	body, err := message.EncodeAck(s.ser, sequence)
	if err != nil {
		return err
	}
	return ch.WriteFrame(protocol.Ack, body)
}

// dispatchCore is the innermost handler, wrapped by whatever middleware
// Option callers installed.
func (s *Server) dispatchCore(ctx context.Context, msg *message.Message, ch wireconn.Channel) error {
	switch msg.Sign {
	case protocol.PublishService:
		meta, err := message.DecodeRegisterMeta(s.ser, msg)
		if err != nil {
			return fmt.Errorf("registryserver: decode publish: %w", err)
		}
		meta, err = s.backfillHost(meta, ch)
		if err != nil {
			s.logger.Warnw("registryserver: dropping publish, missing host", "channel", ch.ID(), "error", err)
			return nil
		}
		return s.HandlePublish(meta, ch)

	case protocol.UnPublishService:
		meta, err := message.DecodeRegisterMeta(s.ser, msg)
		if err != nil {
			return fmt.Errorf("registryserver: decode unpublish: %w", err)
		}
		return s.HandleUnPublish(meta, ch)

	case protocol.SubscribeService:
		svc, err := message.DecodeServiceMeta(s.ser, msg)
		if err != nil {
			return fmt.Errorf("registryserver: decode subscribe: %w", err)
		}
		return s.HandleSubscribe(svc, ch)

	default:
		return fmt.Errorf("registryserver: unexpected sign in dispatch: %s", msg.Sign)
	}
}

// backfillHost substitutes the peer socket's IP when meta.Addr.Host is
// empty. If the peer address is not an IP socket, returns an error — the
// caller drops the publish.
func (s *Server) backfillHost(meta regdomain.RegisterMeta, ch wireconn.Channel) (regdomain.RegisterMeta, error) {
	if meta.Addr.Host != "" {
		return meta, nil
	}
	tcpAddr, ok := ch.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return meta, fmt.Errorf("registryserver: peer address %v is not an IP socket", ch.RemoteAddr())
	}
	meta.Addr.Host = tcpAddr.IP.String()
	return meta, nil
}

// HandlePublish attaches meta to ch's PUBLISH set and, if meta.Addr is new
// for its service, bumps the version and fans out to every subscriber of
// that service. Publishing an already-present address is a no-op.
func (s *Server) HandlePublish(meta regdomain.RegisterMeta, ch wireconn.Channel) error {
	s.attachmentsFor(ch).addPublish(meta)

	version, providers, added := s.ctx.Publish(meta.Service, meta)
	if !added {
		return nil
	}
	s.fanOut(meta.Service, version, providers)
	return nil
}

// HandleUnPublish removes meta.Addr from its service's provider map and, if
// it was present, bumps the version and fans out the new (possibly empty)
// list.
func (s *Server) HandleUnPublish(meta regdomain.RegisterMeta, ch wireconn.Channel) error {
	version, providers, removed := s.ctx.UnPublish(meta.Service, meta.Addr)
	if !removed {
		return nil
	}
	s.attachmentsFor(ch).removePublish(meta.Addr)
	s.fanOut(meta.Service, version, providers)
	return nil
}

// HandleSubscribe attaches svc to ch's SUBSCRIBE set, adds ch to the
// service's subscriber group, and — if the service already has providers —
// sends one tracked push at the current version. Subscribing does not
// bump the version.
func (s *Server) HandleSubscribe(svc regdomain.ServiceMeta, ch wireconn.Channel) error {
	s.attachmentsFor(ch).addSubscribe(svc)
	s.subscribersFor(svc).Add(ch)

	version, providers := s.ctx.Snapshot(svc)
	if len(providers) == 0 {
		return nil
	}
	return s.pushTo(ch, svc, version, providers)
}

// ChannelInactive must be called exactly once when ch's connection closes.
// Every RegisterMeta in ch's PUBLISH set is treated as implicitly
// unpublished; subscribers are removed automatically by the
// channelgroup.Group close-listener registered in HandleSubscribe.
func (s *Server) ChannelInactive(ch wireconn.Channel) {
	att := s.attachmentsFor(ch)
	for _, meta := range att.publishedSnapshot() {
		if err := s.HandleUnPublish(meta, ch); err != nil {
			s.logger.Warnw("registryserver: unpublish on channel close failed", "channel", ch.ID(), "error", err)
		}
	}
	s.attachmentsByChannel.Delete(ch.ID())
}

func (s *Server) fanOut(svc regdomain.ServiceMeta, version int64, providers []regdomain.RegisterMeta) {
	group := s.subscribersFor(svc)
	for _, member := range group.Snapshot() {
		ch, ok := member.(wireconn.Channel)
		if !ok {
			s.logger.Warnw("registryserver: subscriber channel missing wireconn.Channel methods", "channel", member.ID())
			continue
		}
		if err := s.pushTo(ch, svc, version, providers); err != nil {
			s.logger.Warnw("registryserver: fan-out push failed", "channel", ch.ID(), "error", err)
		}
	}
}

// pushTo builds and writes one tracked PUBLISH_SERVICE push to ch, and
// inserts the pending-ack entry before writing, so a fast ACK can never
// race ahead of the bookkeeping.
func (s *Server) pushTo(ch wireconn.Channel, svc regdomain.ServiceMeta, version int64, providers []regdomain.RegisterMeta) error {
	seq := s.pushSeq.Add(1)
	msg, err := message.NewPush(s.ser, seq, version, svc, providers)
	if err != nil {
		return fmt.Errorf("registryserver: encode push: %w", err)
	}

	s.tracker.Track(svc, msg, ch, version)

	body, err := message.EncodeFrame(s.ser, msg)
	if err != nil {
		return fmt.Errorf("registryserver: encode frame: %w", err)
	}
	return ch.WriteFrame(msg.Sign, body)
}
