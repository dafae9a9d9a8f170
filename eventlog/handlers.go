package eventlog

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/israelio/eventlog-go-client/internal/engine"
)

type connectionHandlerState int

const (
	connUninitialized connectionHandlerState = iota
	connOpen
	connClosed
)

// ConnectionHandler turns connection events into AmqpConnection calls
type ConnectionHandler struct {
	conn   AmqpConnection
	state  connectionHandlerState
	logger logrus.FieldLogger
}

var _ engine.ConnectionHandler = (*ConnectionHandler)(nil)

// NewConnectionHandler creates a handler reporting to conn
func NewConnectionHandler(conn AmqpConnection, logger logrus.FieldLogger) *ConnectionHandler {
	return &ConnectionHandler{conn: conn, logger: logger}
}

// OnConnectionBound logs the transport binding
func (h *ConnectionHandler) OnConnectionBound(c engine.Connection) {
	h.logger.WithField("host", c.Hostname()).Debug("transport bound")
}

// OnConnectionLocalOpen completes the open once the peer has opened too
func (h *ConnectionHandler) OnConnectionLocalOpen(c engine.Connection) {
	h.maybeOpened(c)
}

// OnConnectionRemoteOpen completes the open once the local end has opened too
func (h *ConnectionHandler) OnConnectionRemoteOpen(c engine.Connection) {
	h.logger.WithField("remoteContainer", c.RemoteContainerID()).Debug("connection opened by peer")
	h.maybeOpened(c)
}

func (h *ConnectionHandler) maybeOpened(c engine.Connection) {
	if h.state != connUninitialized {
		return
	}
	if c.LocalState() != engine.StateActive || c.RemoteState() != engine.StateActive {
		return
	}
	h.state = connOpen
	h.conn.OnOpenComplete(nil)
}

// OnConnectionLocalClose releases the transport once both ends are closed
func (h *ConnectionHandler) OnConnectionLocalClose(c engine.Connection) {
	if c.RemoteState() == engine.StateClosed {
		c.UnbindTransport()
	}
}

// OnConnectionRemoteClose closes the local end and reports the peer's condition
func (h *ConnectionHandler) OnConnectionRemoteClose(c engine.Connection) {
	cond := c.RemoteCondition()
	if c.LocalState() != engine.StateClosed {
		c.Close()
	} else {
		c.UnbindTransport()
	}
	if h.state == connClosed {
		return
	}
	h.state = connClosed
	h.logger.WithField("condition", cond).Debug("connection closed by peer")
	h.conn.OnConnectionError(ConditionToError(cond))
}

// OnTransportError aborts the connection after a transport failure
func (h *ConnectionHandler) OnTransportError(c engine.Connection, err error) {
	h.logger.WithError(err).Warn("transport error")
	h.abort(c)
}

// OnTransportClosed aborts the connection when the transport goes away
func (h *ConnectionHandler) OnTransportClosed(c engine.Connection) {
	h.abort(c)
}

// abort closes a connection whose peer went away without a close frame
func (h *ConnectionHandler) abort(c engine.Connection) {
	if h.state == connClosed {
		return
	}
	h.state = connClosed
	c.UnbindTransport()
	h.conn.OnConnectionError(errOr(ConditionToError(c.RemoteCondition()), ErrConnectionClosed))
}

// OnConnectionUnbound logs the transport release
func (h *ConnectionHandler) OnConnectionUnbound(c engine.Connection) {
	h.logger.Debug("transport unbound")
}

// SessionHandler reports the outcome of one session attach
type SessionHandler struct {
	path         string
	onRemoteOpen func(engine.Session)
	onError      func(error)
	session      engine.Session
	done         bool
	logger       logrus.FieldLogger
}

var _ engine.SessionHandler = (*SessionHandler)(nil)

// NewSessionHandler creates a session handler for entity path
func NewSessionHandler(path string, onRemoteOpen func(engine.Session), onError func(error), logger logrus.FieldLogger) *SessionHandler {
	return &SessionHandler{
		path:         path,
		onRemoteOpen: onRemoteOpen,
		onError:      onError,
		logger:       logger.WithField("entity", path),
	}
}

// OnSessionLocalOpen records the session being opened
func (h *SessionHandler) OnSessionLocalOpen(s engine.Session) {
	h.session = s
}

// OnSessionRemoteOpen reports the session as opened, once
func (h *SessionHandler) OnSessionRemoteOpen(s engine.Session) {
	if h.done {
		return
	}
	h.done = true
	h.onRemoteOpen(s)
}

// OnSessionLocalClose logs the local close
func (h *SessionHandler) OnSessionLocalClose(s engine.Session) {
	h.logger.Debug("session closed")
}

// OnSessionRemoteClose closes the local end and fails a pending open
func (h *SessionHandler) OnSessionRemoteClose(s engine.Session) {
	if s.LocalState() != engine.StateClosed {
		s.Close()
	}
	h.fail(errOr(ConditionToError(s.RemoteCondition()), ErrConnectionClosed))
}

// fail reports err unless the session already opened or failed
func (h *SessionHandler) fail(err error) {
	if h.done {
		return
	}
	h.done = true
	if h.session != nil && h.session.LocalState() != engine.StateClosed {
		h.session.Close()
	}
	h.onError(err)
}

// connectionErrorSink is implemented by link handlers that want connection
// failures routed to their entity.
type connectionErrorSink interface {
	OnConnectionError(l engine.Link, err error)
}

// BaseLinkHandler holds the close handling common to senders and receivers
type BaseLinkHandler struct {
	entity        AmqpLink
	closeNotified bool
	logger        logrus.FieldLogger
}

// NewBaseLinkHandler creates a handler notifying entity of link closure
func NewBaseLinkHandler(entity AmqpLink, logger logrus.FieldLogger) *BaseLinkHandler {
	return &BaseLinkHandler{entity: entity, logger: logger}
}

// OnLinkLocalOpen logs the attach
func (h *BaseLinkHandler) OnLinkLocalOpen(l engine.Link) {
	h.logger.WithField("link", l.Name()).Debug("link opening")
}

// OnLinkRemoteOpen is a no-op; readiness is signalled elsewhere
func (h *BaseLinkHandler) OnLinkRemoteOpen(l engine.Link) {}

// OnLinkLocalClose notifies the entity once the peer has closed too
func (h *BaseLinkHandler) OnLinkLocalClose(l engine.Link) {
	if l.RemoteState() == engine.StateClosed {
		h.processOnClose(l, ConditionToError(l.RemoteCondition()))
	}
}

// OnLinkRemoteClose closes the local end and notifies the entity
func (h *BaseLinkHandler) OnLinkRemoteClose(l engine.Link) {
	h.handleRemoteLinkClosed(l)
}

// OnLinkRemoteDetach is handled like OnLinkRemoteClose
func (h *BaseLinkHandler) OnLinkRemoteDetach(l engine.Link) {
	h.handleRemoteLinkClosed(l)
}

// OnLinkFlow is a no-op for links that ignore credit
func (h *BaseLinkHandler) OnLinkFlow(l engine.Link) {}

// OnDelivery is a no-op for links that receive nothing
func (h *BaseLinkHandler) OnDelivery(d engine.Delivery) {}

// OnConnectionError closes the link after its connection failed
func (h *BaseLinkHandler) OnConnectionError(l engine.Link, err error) {
	if l.LocalState() != engine.StateClosed {
		l.Close()
	}
	h.processOnClose(l, err)
}

func (h *BaseLinkHandler) handleRemoteLinkClosed(l engine.Link) {
	cond := l.RemoteCondition()
	if cond != nil {
		h.logger.WithField("link", l.Name()).WithField("condition", cond).Debug("link closed by peer")
	}
	if l.LocalState() != engine.StateClosed {
		l.Close()
	}
	h.processOnClose(l, ConditionToError(cond))
}

// processOnClose closes the parent session and notifies the entity once
func (h *BaseLinkHandler) processOnClose(l engine.Link, err error) {
	if h.closeNotified {
		return
	}
	h.closeNotified = true
	if s := l.Session(); s != nil && s.LocalState() != engine.StateClosed {
		s.Close()
	}
	h.entity.OnClose(err)
}

// SendLinkHandler drives an AmqpSender
type SendLinkHandler struct {
	*BaseLinkHandler
	sender    AmqpSender
	firstFlow bool
}

var _ engine.LinkHandler = (*SendLinkHandler)(nil)

// NewSendLinkHandler creates a handler for a send link owned by sender
func NewSendLinkHandler(sender AmqpSender, logger logrus.FieldLogger) *SendLinkHandler {
	return &SendLinkHandler{
		BaseLinkHandler: NewBaseLinkHandler(sender, logger),
		sender:          sender,
		firstFlow:       true,
	}
}

// OnLinkRemoteOpen logs a refused attach; the detach that follows closes the link
func (h *SendLinkHandler) OnLinkRemoteOpen(l engine.Link) {
	if l.RemoteAddress() == "" {
		// The peer refused the attach; a detach follows.
		h.logger.WithField("link", l.Name()).Debug("send link attach refused")
	}
}

// OnLinkFlow reports the sender opened on the first credit grant
func (h *SendLinkHandler) OnLinkFlow(l engine.Link) {
	if h.firstFlow {
		h.firstFlow = false
		h.sender.OnOpenComplete(nil)
	}
	if s, ok := l.(engine.Sender); ok {
		h.sender.OnFlow(s.Credit())
	}
}

// OnDelivery forwards settled deliveries to the sender
func (h *SendLinkHandler) OnDelivery(d engine.Delivery) {
	h.sender.OnSendComplete(d)
}

// ReceiveLinkHandler drives an AmqpReceiver
type ReceiveLinkHandler struct {
	*BaseLinkHandler
	receiver  AmqpReceiver
	readyOnce sync.Once
}

var _ engine.LinkHandler = (*ReceiveLinkHandler)(nil)

// NewReceiveLinkHandler creates a handler for a receive link owned by receiver
func NewReceiveLinkHandler(receiver AmqpReceiver, logger logrus.FieldLogger) *ReceiveLinkHandler {
	return &ReceiveLinkHandler{
		BaseLinkHandler: NewBaseLinkHandler(receiver, logger),
		receiver:        receiver,
	}
}

// OnLinkRemoteOpen reports the receiver opened, or logs a refused attach
func (h *ReceiveLinkHandler) OnLinkRemoteOpen(l engine.Link) {
	if l.RemoteAddress() == "" {
		h.logger.WithField("link", l.Name()).Debug("receive link attach refused")
		return
	}
	h.signalReady()
}

// OnDelivery forwards complete, unsettled deliveries. A delivery still in
// flight or already settled is a repeated event and is dropped.
func (h *ReceiveLinkHandler) OnDelivery(d engine.Delivery) {
	if d.Partial() || d.Settled() {
		h.logger.WithField("delivery", d.Tag()).Debug("skipping partial or settled delivery")
		return
	}
	h.signalReady()
	h.receiver.OnReceiveComplete(d)
}

func (h *ReceiveLinkHandler) signalReady() {
	h.readyOnce.Do(func() {
		h.receiver.OnOpenComplete(nil)
	})
}
