// Package goamqp implements the engine boundary on top of
// github.com/Azure/go-amqp.
//
// go-amqp exposes blocking calls. Each one runs on its own goroutine and its
// outcome is posted back to the reactor, where endpoint state is updated and
// handlers are invoked.
package goamqp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/sirupsen/logrus"

	"github.com/israelio/eventlog-go-client/internal/engine"
)

const (
	defaultOperationTimeout = 60 * time.Second
	// go-amqp manages sender credit itself; the adapter advertises a fixed
	// window and restores one unit per completed send.
	senderWindow = 64
)

// Engine opens connections with go-amqp
type Engine struct {
	logger logrus.FieldLogger
}

var _ engine.Engine = (*Engine)(nil)

// New creates a go-amqp backed engine
func New(logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{logger: logger.WithField("component", "goamqp")}
}

// Open implements engine.Engine
func (e *Engine) Open(d engine.Dispatcher, cfg engine.ConnectionConfig, h engine.ConnectionHandler) (engine.Connection, error) {
	if cfg.Host == "" {
		return nil, errors.New("goamqp: host cannot be empty")
	}
	opTimeout := cfg.OperationTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOperationTimeout
	}
	c := &conn{
		endpoint:  endpoint{local: engine.StateActive},
		d:         d,
		h:         h,
		cfg:       cfg,
		opTimeout: opTimeout,
		logger:    e.logger.WithField("host", cfg.Host),
	}

	scheme := "amqp"
	if cfg.TLS != nil {
		scheme = "amqps"
	}
	addr := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
	opts := &amqp.ConnOptions{
		ContainerID: cfg.ContainerID,
		HostName:    cfg.Host,
		IdleTimeout: cfg.IdleTimeout,
		TLSConfig:   cfg.TLS,
		SASLType:    amqp.SASLTypeAnonymous(),
	}
	if cfg.Username != "" {
		opts.SASLType = amqp.SASLTypePlain(cfg.Username, cfg.Password)
	}

	c.post(func() { h.OnConnectionLocalOpen(c) })
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
		defer cancel()
		client, err := amqp.Dial(ctx, addr, opts)
		c.post(func() { c.dialed(client, err) })
	}()
	return c, nil
}

type endpoint struct {
	local      engine.EndpointState
	remote     engine.EndpointState
	remoteCond *amqp.Error
}

func (ep *endpoint) LocalState() engine.EndpointState { return ep.local }
func (ep *endpoint) RemoteState() engine.EndpointState { return ep.remote }
func (ep *endpoint) RemoteCondition() *amqp.Error { return ep.remoteCond }

type conn struct {
	endpoint
	d         engine.Dispatcher
	h         engine.ConnectionHandler
	cfg       engine.ConnectionConfig
	opTimeout time.Duration
	logger    logrus.FieldLogger

	client  *amqp.Conn
	failed  bool
	unbound bool
}

func (c *conn) post(task func()) {
	if err := c.d.Invoke(task); err != nil {
		c.logger.WithError(err).Debug("dropping engine event")
	}
}

func (c *conn) dialed(client *amqp.Conn, err error) {
	if err != nil {
		c.transportFailed(err)
		return
	}
	if c.local == engine.StateClosed {
		go client.Close()
		return
	}
	c.client = client
	c.h.OnConnectionBound(c)
	c.remote = engine.StateActive
	c.h.OnConnectionRemoteOpen(c)
}

// transportFailed runs on the reactor at most once per connection
func (c *conn) transportFailed(err error) {
	if c.failed || c.remote == engine.StateClosed && c.local == engine.StateClosed {
		return
	}
	c.failed = true
	c.remoteCond = conditionOf(err, amqp.ErrCondConnectionForced)
	c.h.OnTransportError(c, err)
	c.h.OnTransportClosed(c)
}

func (c *conn) ContainerID() string { return c.cfg.ContainerID }

// RemoteContainerID falls back to the host name, go-amqp does not surface
// the peer's container id.
func (c *conn) RemoteContainerID() string { return c.cfg.Host }

func (c *conn) Hostname() string { return c.cfg.Host }

func (c *conn) OpenSession(h engine.SessionHandler) engine.Session {
	s := &session{endpoint: endpoint{local: engine.StateActive}, conn: c, h: h}
	c.post(func() { h.OnSessionLocalOpen(s) })
	client := c.client
	if client == nil {
		c.post(func() {
			s.remoteClosed(&amqp.Error{Condition: amqp.ErrCondIllegalState, Description: "connection is not open"})
		})
		return s
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
		defer cancel()
		as, err := client.NewSession(ctx, nil)
		c.post(func() { s.attached(as, err) })
	}()
	return s
}

func (c *conn) Close() {
	if c.local == engine.StateClosed {
		return
	}
	c.local = engine.StateClosed
	c.post(func() { c.h.OnConnectionLocalClose(c) })
	client := c.client
	if client == nil {
		return
	}
	go func() {
		err := client.Close()
		c.post(func() {
			if c.remote == engine.StateClosed {
				return
			}
			c.remote = engine.StateClosed
			var connErr *amqp.ConnError
			if errors.As(err, &connErr) && connErr.RemoteErr != nil {
				c.remoteCond = connErr.RemoteErr
			}
			c.h.OnConnectionRemoteClose(c)
		})
	}()
}

func (c *conn) UnbindTransport() {
	if c.unbound {
		return
	}
	c.unbound = true
	if client := c.client; client != nil {
		go client.Close()
	}
	c.post(func() { c.h.OnConnectionUnbound(c) })
}

type session struct {
	endpoint
	conn   *conn
	h      engine.SessionHandler
	client *amqp.Session
}

func (s *session) Connection() engine.Connection { return s.conn }

func (s *session) attached(as *amqp.Session, err error) {
	if err != nil {
		s.conn.noteConnErr(err)
		s.remoteClosed(conditionOf(err, amqp.ErrCondInternalError))
		return
	}
	s.client = as
	if s.local == engine.StateClosed {
		s.closeClient()
		return
	}
	s.remote = engine.StateActive
	s.h.OnSessionRemoteOpen(s)
}

func (s *session) remoteClosed(cond *amqp.Error) {
	if s.remote == engine.StateClosed {
		return
	}
	s.remote = engine.StateClosed
	s.remoteCond = cond
	s.h.OnSessionRemoteClose(s)
}

func (s *session) closeClient() {
	client := s.client
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.conn.opTimeout)
		defer cancel()
		err := client.Close(ctx)
		s.conn.post(func() {
			var cond *amqp.Error
			var sessErr *amqp.SessionError
			if errors.As(err, &sessErr) {
				cond = sessErr.RemoteErr
			}
			s.remoteClosed(cond)
		})
	}()
}

func (s *session) Close() {
	if s.local == engine.StateClosed {
		return
	}
	s.local = engine.StateClosed
	s.conn.post(func() { s.h.OnSessionLocalClose(s) })
	if s.client != nil {
		s.closeClient()
	}
}

func (s *session) OpenSender(name, target string, h engine.LinkHandler) engine.Sender {
	snd := &sender{link: link{endpoint: endpoint{local: engine.StateActive}, session: s, name: name, address: target, h: h}}
	snd.self = snd
	s.conn.post(func() { h.OnLinkLocalOpen(snd) })
	client := s.client
	if client == nil {
		s.conn.post(func() { snd.detached(errSessionNotOpen) })
		return snd
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.conn.opTimeout)
		defer cancel()
		as, err := client.NewSender(ctx, target, &amqp.SenderOptions{Name: name})
		s.conn.post(func() { snd.attached(as, err) })
	}()
	return snd
}

func (s *session) OpenReceiver(name, source string, opts engine.ReceiverOptions, h engine.LinkHandler) engine.Receiver {
	rcv := &receiver{link: link{endpoint: endpoint{local: engine.StateActive}, session: s, name: name, address: source, h: h}}
	rcv.self = rcv
	s.conn.post(func() { h.OnLinkLocalOpen(rcv) })
	client := s.client
	if client == nil {
		s.conn.post(func() { rcv.detached(errSessionNotOpen) })
		return rcv
	}
	ro := &amqp.ReceiverOptions{
		Name:          name,
		Credit:        -1,
		TargetAddress: opts.TargetAddress,
		Properties:    opts.Properties,
	}
	if opts.Selector != "" {
		ro.Filters = []amqp.LinkFilter{amqp.NewSelectorFilter(opts.Selector)}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.conn.opTimeout)
		defer cancel()
		ar, err := client.NewReceiver(ctx, source, ro)
		s.conn.post(func() { rcv.attached(ar, err) })
	}()
	return rcv
}

var errSessionNotOpen = &amqp.Error{Condition: amqp.ErrCondIllegalState, Description: "session is not open"}

type link struct {
	endpoint
	session       *session
	name          string
	address       string
	remoteAddress string
	h             engine.LinkHandler
	self          engine.Link
	closeFn       func(ctx context.Context) error
}

func (l *link) Name() string { return l.name }
func (l *link) Address() string { return l.address }
func (l *link) RemoteAddress() string { return l.remoteAddress }
func (l *link) Session() engine.Session { return l.session }
func (l *link) Handler() engine.LinkHandler { return l.h }

// detached records a peer-initiated detach caused by err
func (l *link) detached(err error) {
	if l.remote == engine.StateClosed || l.local == engine.StateClosed {
		return
	}
	l.session.conn.noteConnErr(err)
	l.remote = engine.StateClosed
	l.remoteCond = conditionOf(err, amqp.ErrCondDetachForced)
	l.h.OnLinkRemoteDetach(l.self)
}

func (l *link) Close() {
	if l.local == engine.StateClosed {
		return
	}
	l.local = engine.StateClosed
	conn := l.session.conn
	conn.post(func() { l.h.OnLinkLocalClose(l.self) })
	closeFn := l.closeFn
	if closeFn == nil {
		conn.post(func() { l.remoteClosed(nil) })
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), conn.opTimeout)
		defer cancel()
		err := closeFn(ctx)
		conn.post(func() {
			var cond *amqp.Error
			var linkErr *amqp.LinkError
			if errors.As(err, &linkErr) {
				cond = linkErr.RemoteErr
			}
			l.remoteClosed(cond)
		})
	}()
}

func (l *link) remoteClosed(cond *amqp.Error) {
	if l.remote == engine.StateClosed {
		return
	}
	l.remote = engine.StateClosed
	l.remoteCond = cond
	l.h.OnLinkRemoteClose(l.self)
}

type sender struct {
	link
	client *amqp.Sender
	credit uint32
	seq    uint64
}

func (s *sender) attached(as *amqp.Sender, err error) {
	if err != nil {
		s.detached(err)
		return
	}
	s.client = as
	s.closeFn = as.Close
	if s.local == engine.StateClosed {
		go as.Close(context.Background())
		return
	}
	s.remote = engine.StateActive
	s.remoteAddress = s.address
	s.h.OnLinkRemoteOpen(s)
	s.credit = senderWindow
	s.h.OnLinkFlow(s)
}

func (s *sender) Credit() uint32 { return s.credit }

func (s *sender) Send(msg *amqp.Message) engine.Delivery {
	s.seq++
	d := &delivery{tag: fmt.Sprintf("%s:%d", s.name, s.seq), link: s, msg: msg}
	if s.credit > 0 {
		s.credit--
	}
	client := s.client
	conn := s.session.conn
	if client == nil {
		conn.post(func() {
			d.remoteSettled = true
			d.remoteErr = errSessionNotOpen
			s.h.OnDelivery(d)
		})
		return d
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), conn.opTimeout)
		defer cancel()
		err := client.Send(ctx, msg, nil)
		conn.post(func() {
			d.remoteSettled = true
			d.settled = true
			d.remoteErr = err
			s.h.OnDelivery(d)
			var linkErr *amqp.LinkError
			var connErr *amqp.ConnError
			if errors.As(err, &linkErr) || errors.As(err, &connErr) {
				s.detached(err)
				return
			}
			s.credit++
			s.h.OnLinkFlow(s)
		})
	}()
	return d
}

type receiver struct {
	link
	client  *amqp.Receiver
	credit  uint32
	seq     uint64
	pending uint32
}

func (r *receiver) attached(ar *amqp.Receiver, err error) {
	if err != nil {
		r.detached(err)
		return
	}
	r.client = ar
	ctx, cancel := context.WithCancel(context.Background())
	r.closeFn = func(ctx context.Context) error {
		cancel()
		return ar.Close(ctx)
	}
	if r.local == engine.StateClosed {
		go r.closeFn(context.Background())
		return
	}
	r.remote = engine.StateActive
	r.remoteAddress = r.address
	r.h.OnLinkRemoteOpen(r)
	if r.pending > 0 {
		r.issue(r.pending)
		r.pending = 0
	}
	go r.receiveLoop(ctx, ar)
}

func (r *receiver) receiveLoop(ctx context.Context, ar *amqp.Receiver) {
	conn := r.session.conn
	for {
		msg, err := ar.Receive(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			conn.post(func() { r.detached(err) })
			return
		}
		conn.post(func() {
			if r.local == engine.StateClosed {
				return
			}
			r.seq++
			if r.credit > 0 {
				r.credit--
			}
			r.h.OnDelivery(&delivery{tag: fmt.Sprintf("%s:%d", r.name, r.seq), link: r, msg: msg, rcv: r})
		})
	}
}

func (r *receiver) Flow(credit uint32) {
	if r.client == nil {
		r.pending += credit
		return
	}
	r.issue(credit)
}

func (r *receiver) issue(credit uint32) {
	if err := r.client.IssueCredit(credit); err != nil {
		r.session.conn.logger.WithError(err).WithField("link", r.name).Warn("issue credit failed")
		return
	}
	r.credit += credit
}

type delivery struct {
	tag           string
	link          engine.Link
	msg           *amqp.Message
	rcv           *receiver
	settled       bool
	remoteSettled bool
	remoteErr     error
}

func (d *delivery) Tag() string { return d.tag }
func (d *delivery) Link() engine.Link { return d.link }
func (d *delivery) Message() *amqp.Message { return d.msg }

// go-amqp only surfaces complete messages
func (d *delivery) Partial() bool { return false }

func (d *delivery) Settled() bool { return d.settled }
func (d *delivery) RemoteSettled() bool { return d.remoteSettled }
func (d *delivery) RemoteError() error { return d.remoteErr }

func (d *delivery) Settle() {
	if d.settled || d.rcv == nil || d.rcv.client == nil {
		d.settled = true
		return
	}
	d.settled = true
	client, msg, conn := d.rcv.client, d.msg, d.rcv.session.conn
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), conn.opTimeout)
		defer cancel()
		if err := client.AcceptMessage(ctx, msg); err != nil {
			conn.logger.WithError(err).WithField("delivery", d.tag).Debug("accept failed")
		}
	}()
}

// noteConnErr escalates a connection-level failure seen on a session or link
func (c *conn) noteConnErr(err error) {
	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		c.transportFailed(err)
	}
}

// conditionOf extracts the peer's error condition from a go-amqp error,
// synthesising one with fallback when the failure was local.
func conditionOf(err error, fallback amqp.ErrCond) *amqp.Error {
	var (
		amqpErr *amqp.Error
		linkErr *amqp.LinkError
		sessErr *amqp.SessionError
		connErr *amqp.ConnError
	)
	switch {
	case errors.As(err, &linkErr) && linkErr.RemoteErr != nil:
		return linkErr.RemoteErr
	case errors.As(err, &sessErr) && sessErr.RemoteErr != nil:
		return sessErr.RemoteErr
	case errors.As(err, &connErr) && connErr.RemoteErr != nil:
		return connErr.RemoteErr
	case errors.As(err, &amqpErr):
		return amqpErr
	}
	return &amqp.Error{Condition: fallback, Description: err.Error()}
}
