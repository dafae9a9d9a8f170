// Package enginetest provides an in-memory engine whose peer behaviour is
// scripted by tests.
package enginetest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/go-amqp"

	"github.com/israelio/eventlog-go-client/internal/engine"
)

// Responder produces the reply to a message sent on a link targeting
// ManagementAddress. A nil reply means the peer never answers.
type Responder func(req *amqp.Message) *amqp.Message

// ManagementAddress is the node the responder answers for
const ManagementAddress = "$management"

// Engine is a scriptable engine.Engine
type Engine struct {
	// ConnectError makes Open fail the transport with this condition
	ConnectError *amqp.Error
	// HoldSessions leaves new sessions waiting for Session.RemoteOpen
	HoldSessions bool
	// RefuseLink returns a condition for links the peer should refuse
	RefuseLink func(name, address string) *amqp.Error
	// Responder answers management requests
	Responder Responder
	// ResponseDelay delays every responder reply
	ResponseDelay time.Duration
	// SenderCredit is the credit granted to every sender, default 100
	SenderCredit uint32
	// RemoteContainerID is reported by opened connections
	RemoteContainerID string

	mu        sync.Mutex
	conns     []*Connection
	receivers []*Receiver

	sessionsOpened  atomic.Int32
	sendersOpened   atomic.Int32
	receiversOpened atomic.Int32
	messagesSent    atomic.Int32
}

var _ engine.Engine = (*Engine)(nil)

// Open implements engine.Engine
func (e *Engine) Open(d engine.Dispatcher, cfg engine.ConnectionConfig, h engine.ConnectionHandler) (engine.Connection, error) {
	c := &Connection{
		endpoint:    endpoint{local: engine.StateActive},
		engine:      e,
		d:           d,
		h:           h,
		containerID: cfg.ContainerID,
		hostname:    cfg.Host,
	}
	e.mu.Lock()
	e.conns = append(e.conns, c)
	e.mu.Unlock()

	c.post(func() { h.OnConnectionBound(c) })
	c.post(func() { h.OnConnectionLocalOpen(c) })
	if e.ConnectError != nil {
		cond := e.ConnectError
		c.post(func() {
			c.remoteCond = cond
			h.OnTransportError(c, cond)
			h.OnTransportClosed(c)
		})
		return c, nil
	}
	c.post(func() {
		c.remote = engine.StateActive
		c.remoteContainerID = e.RemoteContainerID
		h.OnConnectionRemoteOpen(c)
	})
	return c, nil
}

// Connections returns every connection opened so far
func (e *Engine) Connections() []*Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Connection(nil), e.conns...)
}

// SessionsOpened counts OpenSession calls
func (e *Engine) SessionsOpened() int { return int(e.sessionsOpened.Load()) }

// SendersOpened counts OpenSender calls
func (e *Engine) SendersOpened() int { return int(e.sendersOpened.Load()) }

// ReceiversOpened counts OpenReceiver calls
func (e *Engine) ReceiversOpened() int { return int(e.receiversOpened.Load()) }

// MessagesSent counts Send calls
func (e *Engine) MessagesSent() int { return int(e.messagesSent.Load()) }

// Receiver returns the most recently opened receiver whose source is address
func (e *Engine) Receiver(address string) *Receiver {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.receivers) - 1; i >= 0; i-- {
		if e.receivers[i].address == address {
			return e.receivers[i]
		}
	}
	return nil
}

func (e *Engine) replyReceiver(c *Connection, replyTo string) *Receiver {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.receivers) - 1; i >= 0; i-- {
		r := e.receivers[i]
		if r.session.conn == c && r.opts.TargetAddress == replyTo && r.local == engine.StateActive {
			return r
		}
	}
	return nil
}

type endpoint struct {
	local      engine.EndpointState
	remote     engine.EndpointState
	remoteCond *amqp.Error
}

func (ep *endpoint) LocalState() engine.EndpointState { return ep.local }
func (ep *endpoint) RemoteState() engine.EndpointState { return ep.remote }
func (ep *endpoint) RemoteCondition() *amqp.Error { return ep.remoteCond }

// Connection is an in-memory engine.Connection
type Connection struct {
	endpoint
	engine            *Engine
	d                 engine.Dispatcher
	h                 engine.ConnectionHandler
	containerID       string
	remoteContainerID string
	hostname          string
	unbound           bool
}

func (c *Connection) post(task func()) {
	_ = c.d.Invoke(task)
}

func (c *Connection) ContainerID() string { return c.containerID }
func (c *Connection) RemoteContainerID() string { return c.remoteContainerID }
func (c *Connection) Hostname() string { return c.hostname }

// Unbound reports whether the transport was released
func (c *Connection) Unbound() bool { return c.unbound }

func (c *Connection) OpenSession(h engine.SessionHandler) engine.Session {
	c.engine.sessionsOpened.Add(1)
	s := &Session{endpoint: endpoint{local: engine.StateActive}, conn: c, h: h}
	c.post(func() { h.OnSessionLocalOpen(s) })
	if !c.engine.HoldSessions {
		c.post(s.remoteOpen)
	}
	return s
}

func (c *Connection) Close() {
	if c.local == engine.StateClosed {
		return
	}
	c.local = engine.StateClosed
	c.post(func() { c.h.OnConnectionLocalClose(c) })
	if c.remote != engine.StateClosed {
		c.post(func() {
			c.remote = engine.StateClosed
			c.h.OnConnectionRemoteClose(c)
		})
	}
}

func (c *Connection) UnbindTransport() {
	if c.unbound {
		return
	}
	c.unbound = true
	c.post(func() { c.h.OnConnectionUnbound(c) })
}

// Drop simulates the transport dying without a close frame
func (c *Connection) Drop(cond *amqp.Error) {
	c.post(func() {
		c.remoteCond = cond
		c.h.OnTransportError(c, cond)
		c.h.OnTransportClosed(c)
	})
}

// RemoteClose simulates the peer closing the connection with cond
func (c *Connection) RemoteClose(cond *amqp.Error) {
	c.post(func() {
		c.remote = engine.StateClosed
		c.remoteCond = cond
		c.h.OnConnectionRemoteClose(c)
	})
}

// Session is an in-memory engine.Session
type Session struct {
	endpoint
	conn *Connection
	h    engine.SessionHandler
}

func (s *Session) Connection() engine.Connection { return s.conn }

func (s *Session) remoteOpen() {
	if s.remote != engine.StateUninitialized {
		return
	}
	s.remote = engine.StateActive
	s.h.OnSessionRemoteOpen(s)
}

// RemoteOpen completes a session held by Engine.HoldSessions
func (s *Session) RemoteOpen() {
	s.conn.post(s.remoteOpen)
}

func (s *Session) Close() {
	if s.local == engine.StateClosed {
		return
	}
	s.local = engine.StateClosed
	s.conn.post(func() { s.h.OnSessionLocalClose(s) })
	s.conn.post(func() {
		if s.remote == engine.StateClosed {
			return
		}
		s.remote = engine.StateClosed
		s.h.OnSessionRemoteClose(s)
	})
}

func (s *Session) OpenSender(name, target string, h engine.LinkHandler) engine.Sender {
	e := s.conn.engine
	e.sendersOpened.Add(1)
	snd := &Sender{link: newLink(s, name, target, h)}
	snd.self = snd
	s.conn.post(func() { h.OnLinkLocalOpen(snd) })
	s.conn.post(func() {
		if !snd.attach() {
			return
		}
		credit := e.SenderCredit
		if credit == 0 {
			credit = 100
		}
		snd.credit = credit
		h.OnLinkFlow(snd)
	})
	return snd
}

func (s *Session) OpenReceiver(name, source string, opts engine.ReceiverOptions, h engine.LinkHandler) engine.Receiver {
	e := s.conn.engine
	e.receiversOpened.Add(1)
	rcv := &Receiver{link: newLink(s, name, source, h), opts: opts}
	rcv.self = rcv
	e.mu.Lock()
	e.receivers = append(e.receivers, rcv)
	e.mu.Unlock()
	s.conn.post(func() { h.OnLinkLocalOpen(rcv) })
	s.conn.post(func() { rcv.attach() })
	return rcv
}

type link struct {
	endpoint
	session       *Session
	name          string
	address       string
	remoteAddress string
	h             engine.LinkHandler
	self          engine.Link
}

func newLink(s *Session, name, address string, h engine.LinkHandler) link {
	return link{endpoint: endpoint{local: engine.StateActive}, session: s, name: name, address: address, h: h}
}

func (l *link) Name() string { return l.name }
func (l *link) Address() string { return l.address }
func (l *link) RemoteAddress() string { return l.remoteAddress }
func (l *link) Session() engine.Session { return l.session }
func (l *link) Handler() engine.LinkHandler { return l.h }

// attach runs on the reactor and reports whether the peer accepted the link
func (l *link) attach() bool {
	if l.local == engine.StateClosed {
		return false
	}
	e := l.session.conn.engine
	if e.RefuseLink != nil {
		if cond := e.RefuseLink(l.name, l.address); cond != nil {
			l.remote = engine.StateActive
			l.h.OnLinkRemoteOpen(l.self)
			l.remote = engine.StateClosed
			l.remoteCond = cond
			l.h.OnLinkRemoteClose(l.self)
			return false
		}
	}
	l.remote = engine.StateActive
	l.remoteAddress = l.address
	l.h.OnLinkRemoteOpen(l.self)
	return true
}

func (l *link) Close() {
	if l.local == engine.StateClosed {
		return
	}
	l.local = engine.StateClosed
	post := l.session.conn.post
	post(func() { l.h.OnLinkLocalClose(l.self) })
	post(func() {
		if l.remote == engine.StateClosed {
			return
		}
		l.remote = engine.StateClosed
		l.h.OnLinkRemoteClose(l.self)
	})
}

// Detach simulates the peer detaching the link with cond
func (l *link) Detach(cond *amqp.Error) {
	l.session.conn.post(func() {
		if l.remote == engine.StateClosed {
			return
		}
		l.remote = engine.StateClosed
		l.remoteCond = cond
		l.h.OnLinkRemoteDetach(l.self)
	})
}

// Sender is an in-memory engine.Sender
type Sender struct {
	link
	credit uint32
	seq    int
}

func (s *Sender) Credit() uint32 { return s.credit }

func (s *Sender) Send(msg *amqp.Message) engine.Delivery {
	e := s.session.conn.engine
	e.messagesSent.Add(1)
	if s.credit > 0 {
		s.credit--
	}
	s.seq++
	d := &Delivery{DeliveryTag: fmt.Sprintf("%s-%d", s.name, s.seq), DeliveryLink: s, Msg: msg}
	conn := s.session.conn
	conn.post(func() {
		d.IsRemoteSettled = true
		s.h.OnDelivery(d)
		s.credit++
		s.h.OnLinkFlow(s)
	})
	if s.address != ManagementAddress || e.Responder == nil {
		return d
	}
	reply := e.Responder(msg)
	if reply == nil {
		return d
	}
	deliver := func() {
		if r := e.replyReceiver(conn, replyTo(msg)); r != nil {
			r.enqueue(reply)
		}
	}
	if e.ResponseDelay > 0 {
		_ = conn.d.InvokeAfter(e.ResponseDelay, deliver)
	} else {
		conn.post(deliver)
	}
	return d
}

func replyTo(msg *amqp.Message) string {
	if msg.Properties == nil || msg.Properties.ReplyTo == nil {
		return ""
	}
	return *msg.Properties.ReplyTo
}

// Receiver is an in-memory engine.Receiver
type Receiver struct {
	link
	opts    engine.ReceiverOptions
	credit  uint32
	pending []*amqp.Message
	seq     int
}

// Options returns the options the receiver was opened with
func (r *Receiver) Options() engine.ReceiverOptions { return r.opts }

func (r *Receiver) Flow(credit uint32) {
	r.credit += credit
	r.drain()
}

// Credit returns the credit currently granted to the peer
func (r *Receiver) Credit() uint32 { return r.credit }

// Deliver queues msg for delivery as credit allows
func (r *Receiver) Deliver(msgs ...*amqp.Message) {
	r.session.conn.post(func() {
		for _, m := range msgs {
			r.enqueue(m)
		}
	})
}

// DeliverRaw hands d to the link handler as is
func (r *Receiver) DeliverRaw(d *Delivery) {
	d.DeliveryLink = r
	r.session.conn.post(func() { r.h.OnDelivery(d) })
}

func (r *Receiver) enqueue(msg *amqp.Message) {
	r.pending = append(r.pending, msg)
	r.drain()
}

func (r *Receiver) drain() {
	for r.credit > 0 && len(r.pending) > 0 && r.local == engine.StateActive && r.remote == engine.StateActive {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.credit--
		r.seq++
		r.h.OnDelivery(&Delivery{DeliveryTag: fmt.Sprintf("%s-%d", r.name, r.seq), DeliveryLink: r, Msg: msg})
	}
}

// Delivery is an in-memory engine.Delivery
type Delivery struct {
	DeliveryTag     string
	DeliveryLink    engine.Link
	Msg             *amqp.Message
	IsPartial       bool
	IsSettled       bool
	IsRemoteSettled bool
	Err             error
}

func (d *Delivery) Tag() string { return d.DeliveryTag }
func (d *Delivery) Link() engine.Link { return d.DeliveryLink }
func (d *Delivery) Message() *amqp.Message { return d.Msg }
func (d *Delivery) Partial() bool { return d.IsPartial }
func (d *Delivery) Settled() bool { return d.IsSettled }
func (d *Delivery) RemoteSettled() bool { return d.IsRemoteSettled }
func (d *Delivery) RemoteError() error { return d.Err }
func (d *Delivery) Settle() { d.IsSettled = true }
