package eventlog

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/sirupsen/logrus"

	"github.com/israelio/eventlog-go-client/internal/engine"
)

const (
	// ManagementAddress is the node serving control-plane requests
	ManagementAddress = "$management"

	replyToSuffix        = "-client-reply-to"
	responseLinkCredit   = 100
	senderLinkNameSuffix = ":sender"
	recvLinkNameSuffix   = ":receiver"
)

// ResponseCallback receives the response to one request
type ResponseCallback func(resp *amqp.Message, err error)

// RequestResponseChannel pairs a send link and a receive link into one
// correlated channel. Requests carry a message id and a reply-to address;
// responses are matched by correlation id.
//
// Everything except State is reactor goroutine only.
type RequestResponseChannel struct {
	name    string
	address string
	replyTo string

	d       Dispatcher
	timeout time.Duration
	logger  logrus.FieldLogger
	metrics MetricsCollector

	session  engine.Session
	sendLink engine.Sender
	recvLink engine.Receiver

	state      atomic.Int32
	sendOpened bool
	recvOpened bool
	sendClosed bool
	recvClosed bool
	closeErr   error
	onOpen     func(error)
	onClose    func(error)
	onClosed   func()

	credit   uint32
	nextID   uint64
	pending  []*amqp.Message
	inflight map[string]ResponseCallback
}

var _ IOObject = (*RequestResponseChannel)(nil)

func newRequestResponseChannel(name, address string, session engine.Session, d Dispatcher, timeout time.Duration, logger logrus.FieldLogger, metrics MetricsCollector) *RequestResponseChannel {
	ch := &RequestResponseChannel{
		name:     name,
		address:  address,
		replyTo:  name + replyToSuffix,
		d:        d,
		timeout:  timeout,
		logger:   logger.WithField("channel", name),
		metrics:  metrics,
		session:  session,
		inflight: make(map[string]ResponseCallback),
	}
	ch.state.Store(int32(StateOpening))
	return ch
}

// State returns the channel state
func (ch *RequestResponseChannel) State() IOObjectState {
	return IOObjectState(ch.state.Load())
}

// Name returns the channel name
func (ch *RequestResponseChannel) Name() string {
	return ch.name
}

// ReplyTo returns the address responses are sent to
func (ch *RequestResponseChannel) ReplyTo() string {
	return ch.replyTo
}

// SendLink returns the request link
func (ch *RequestResponseChannel) SendLink() engine.Sender {
	return ch.sendLink
}

// ReceiveLink returns the response link
func (ch *RequestResponseChannel) ReceiveLink() engine.Receiver {
	return ch.recvLink
}

// open attaches both links and reports once both are ready or either failed
func (ch *RequestResponseChannel) open(onOpen func(error)) {
	stopTimer := func() {}
	ch.onOpen = func(err error) {
		stopTimer()
		onOpen(err)
	}
	ch.sendLink = ch.session.OpenSender(ch.name+senderLinkNameSuffix, ch.address,
		NewSendLinkHandler(&requestSender{ch}, ch.logger))
	ch.recvLink = ch.session.OpenReceiver(ch.name+recvLinkNameSuffix, ch.address,
		engine.ReceiverOptions{TargetAddress: ch.replyTo},
		NewReceiveLinkHandler(&responseReceiver{ch}, ch.logger))
	ch.recvLink.Flow(responseLinkCredit)

	timeout := ch.timeout
	cancel, err := ch.d.Schedule(timeout, func() {
		ch.failOpen(&TimeoutError{Op: "open channel " + ch.name, After: timeout})
	})
	if err != nil {
		ch.failOpen(err)
		return
	}
	stopTimer = cancel
}

// failOpen abandons an open that has not completed yet
func (ch *RequestResponseChannel) failOpen(err error) {
	if ch.State() != StateOpening {
		return
	}
	if ch.closeErr == nil {
		ch.closeErr = err
	}
	ch.state.Store(int32(StateClosing))
	ch.closeLinks()
	if cb := ch.onOpen; cb != nil {
		ch.onOpen = nil
		cb(err)
	}
}

func (ch *RequestResponseChannel) linkOpened(sender bool, err error) {
	if err != nil {
		ch.linkClosed(sender, err)
		return
	}
	if sender {
		ch.sendOpened = true
	} else {
		ch.recvOpened = true
	}
	if !ch.sendOpened || !ch.recvOpened || ch.State() != StateOpening {
		return
	}
	ch.state.Store(int32(StateOpened))
	ch.metrics.LinkOpened()
	ch.logger.Debug("request/response channel opened")
	if cb := ch.onOpen; cb != nil {
		ch.onOpen = nil
		cb(nil)
	}
	ch.sendPending()
}

func (ch *RequestResponseChannel) linkClosed(sender bool, err error) {
	if sender {
		ch.sendClosed = true
	} else {
		ch.recvClosed = true
	}
	if err != nil && ch.closeErr == nil {
		ch.closeErr = err
	}
	cause := errOr(ch.closeErr, ErrChannelClosed)

	if ch.State() != StateClosing && ch.State() != StateClosed {
		if err != nil {
			ch.metrics.LinkError(err)
			ch.logger.WithError(err).Warn("request/response channel failed")
		}
		ch.state.Store(int32(StateClosing))
		ch.closeLinks()
	}
	ch.failInflight(cause)
	if cb := ch.onOpen; cb != nil {
		ch.onOpen = nil
		cb(cause)
	}

	if ch.sendClosed && ch.recvClosed {
		ch.state.Store(int32(StateClosed))
		if ch.session.LocalState() != engine.StateClosed {
			ch.session.Close()
		}
		if hook := ch.onClosed; hook != nil {
			ch.onClosed = nil
			hook()
		}
		if cb := ch.onClose; cb != nil {
			ch.onClose = nil
			cb(ch.closeErr)
		}
	}
}

func (ch *RequestResponseChannel) closeLinks() {
	if ch.sendLink != nil && ch.sendLink.LocalState() != engine.StateClosed {
		ch.sendLink.Close()
	}
	if ch.recvLink != nil && ch.recvLink.LocalState() != engine.StateClosed {
		ch.recvLink.Close()
	}
}

func (ch *RequestResponseChannel) failInflight(err error) {
	pending := ch.inflight
	ch.inflight = make(map[string]ResponseCallback)
	ch.pending = nil
	for _, cb := range pending {
		cb(nil, err)
	}
}

// Request sends msg and routes the matching response to callback. The
// message id and reply-to of msg are overwritten.
func (ch *RequestResponseChannel) Request(msg *amqp.Message, callback ResponseCallback) {
	if ch.State() != StateOpened {
		callback(nil, fmt.Errorf("request on %s channel %s: %w", ch.State(), ch.name, ErrChannelClosed))
		return
	}
	ch.nextID++
	id := fmt.Sprintf("request%d", ch.nextID)
	if msg.Properties == nil {
		msg.Properties = &amqp.MessageProperties{}
	}
	replyTo := ch.replyTo
	msg.Properties.MessageID = id
	msg.Properties.ReplyTo = &replyTo
	ch.inflight[id] = callback
	ch.pending = append(ch.pending, msg)
	ch.sendPending()
}

// Abandon forgets the in-flight request carrying msg. A response that
// arrives for it later is dropped.
func (ch *RequestResponseChannel) Abandon(msg *amqp.Message) {
	if msg.Properties == nil {
		return
	}
	id, ok := msg.Properties.MessageID.(string)
	if !ok {
		return
	}
	delete(ch.inflight, id)
	for i, m := range ch.pending {
		if m == msg {
			ch.pending = append(ch.pending[:i], ch.pending[i+1:]...)
			break
		}
	}
}

func (ch *RequestResponseChannel) sendPending() {
	for ch.credit > 0 && len(ch.pending) > 0 && ch.State() == StateOpened {
		msg := ch.pending[0]
		ch.pending = ch.pending[1:]
		ch.credit--
		ch.sendLink.Send(msg)
	}
}

func (ch *RequestResponseChannel) takeInflight(id any) (ResponseCallback, bool) {
	key, ok := id.(string)
	if !ok {
		return nil, false
	}
	cb, ok := ch.inflight[key]
	if ok {
		delete(ch.inflight, key)
	}
	return cb, ok
}

// Close detaches both links. A close timeout is reported as a
// *TimeoutError while the detach continues in the background.
func (ch *RequestResponseChannel) Close(onClose func(error)) {
	switch ch.State() {
	case StateClosed:
		onClose(nil)
		return
	case StateClosing:
		if prev := ch.onClose; prev != nil {
			ch.onClose = func(err error) {
				prev(err)
				onClose(err)
			}
			return
		}
	}
	ch.state.Store(int32(StateClosing))
	ch.onClose = onClose
	ch.closeLinks()
	timeout := ch.timeout
	err := ch.d.InvokeAfter(timeout, func() {
		if cb := ch.onClose; cb != nil && ch.State() != StateClosed {
			ch.onClose = nil
			cb(&TimeoutError{Op: "close channel " + ch.name, After: timeout})
		}
	})
	if err != nil {
		ch.logger.WithError(err).Debug("cannot arm close timeout")
	}
}

// requestSender adapts the channel to AmqpSender
type requestSender struct {
	ch *RequestResponseChannel
}

func (s *requestSender) OnOpenComplete(err error) { s.ch.linkOpened(true, err) }
func (s *requestSender) OnClose(err error)        { s.ch.linkClosed(true, err) }

func (s *requestSender) OnFlow(credit uint32) {
	s.ch.credit = credit
	s.ch.sendPending()
}

func (s *requestSender) OnSendComplete(d engine.Delivery) {
	err := d.RemoteError()
	if err == nil {
		return
	}
	msg := d.Message()
	if msg == nil || msg.Properties == nil {
		return
	}
	if cb, ok := s.ch.takeInflight(msg.Properties.MessageID); ok {
		cb(nil, err)
	}
}

// responseReceiver adapts the channel to AmqpReceiver
type responseReceiver struct {
	ch *RequestResponseChannel
}

func (r *responseReceiver) OnOpenComplete(err error) { r.ch.linkOpened(false, err) }
func (r *responseReceiver) OnClose(err error)        { r.ch.linkClosed(false, err) }

func (r *responseReceiver) OnReceiveComplete(d engine.Delivery) {
	ch := r.ch
	msg := d.Message()
	d.Settle()
	ch.recvLink.Flow(1)

	if msg == nil || msg.Properties == nil {
		ch.logger.Debug("dropping response without properties")
		return
	}
	cb, ok := ch.takeInflight(msg.Properties.CorrelationID)
	if !ok {
		ch.metrics.ManagementResponseDropped()
		ch.logger.WithField("correlationId", msg.Properties.CorrelationID).Debug("dropping response with no pending request")
		return
	}
	cb(msg, nil)
}

// requestResponseOpener builds a RequestResponseChannel on a fresh session
type requestResponseOpener struct {
	provider SessionProvider
	conn     AmqpConnection
	name     string
	path     string
	address  string
	d        Dispatcher
	timeout  time.Duration
	logger   logrus.FieldLogger
	metrics  MetricsCollector
}

// Run is an OpenOperation for a FaultTolerantObject
func (o *requestResponseOpener) Run(onOpened func(*RequestResponseChannel, error)) {
	reported := false
	report := func(ch *RequestResponseChannel, err error) {
		if reported {
			return
		}
		reported = true
		onOpened(ch, err)
	}
	o.provider.GetSession(o.path, func(s engine.Session) {
		ch := newRequestResponseChannel(o.name, o.address, s, o.d, o.timeout, o.logger, o.metrics)
		release := func() {}
		ch.open(func(err error) {
			release()
			if err != nil {
				report(nil, err)
				return
			}
			o.conn.RegisterForConnectionError(ch.sendLink)
			o.conn.RegisterForConnectionError(ch.recvLink)
			ch.onClosed = func() {
				o.conn.DeregisterForConnectionError(ch.sendLink)
				o.conn.DeregisterForConnectionError(ch.recvLink)
			}
			report(ch, nil)
		})
		if ch.State() == StateOpening {
			release = trackOpen(o.provider, ch.failOpen)
		}
	}, func(err error) {
		report(nil, err)
	})
}

// requestResponseCloser tears a RequestResponseChannel down
type requestResponseCloser struct {
	conn AmqpConnection
}

// Run is a CloseOperation for a FaultTolerantObject
func (c *requestResponseCloser) Run(ch *RequestResponseChannel, onClosed func(error)) {
	if ch == nil || ch.sendLink == nil {
		onClosed(nil)
		return
	}
	ch.Close(func(err error) {
		c.conn.DeregisterForConnectionError(ch.sendLink)
		c.conn.DeregisterForConnectionError(ch.recvLink)
		onClosed(err)
	})
}
