package eventlog

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/israelio/eventlog-go-client/internal/engine"
	"github.com/israelio/eventlog-go-client/internal/reactor"
	"github.com/israelio/eventlog-go-client/internal/util"
)

// ConnectionListener receives connection lifecycle events
type ConnectionListener interface {
	OnConnectionOpened(conn *Connection)
	OnConnectionClosed(conn *Connection, err error)
}

// Connection is an AMQP connection driven by its own reactor
type Connection struct {
	factory    *ConnectionFactory
	reactor    *reactor.Reactor
	dispatcher *reactor.Dispatcher
	handler    *ConnectionHandler

	// Reactor-owned
	engineConn  engine.Connection
	registered  map[engine.Link]struct{}
	pending     map[uint64]func(error)
	nextPending uint64

	// State
	state     atomic.Int32
	opened    *util.Future[struct{}]
	closed    *util.Future[struct{}]
	closeOnce sync.Once
	closeErr  error

	// Listeners
	listenerMux sync.RWMutex
	listeners   []ConnectionListener

	logger  logrus.FieldLogger
	metrics MetricsCollector
}

var (
	_ AmqpConnection  = (*Connection)(nil)
	_ SessionProvider = (*Connection)(nil)
	_ OpenTracker     = (*Connection)(nil)
)

// open asks the engine for a connection and waits for the peer to accept it
func (c *Connection) open(ctx context.Context) error {
	err := c.dispatcher.Invoke(func() {
		ec, err := c.factory.Engine.Open(c.dispatcher, c.factory.engineConfig(), c.handler)
		if err != nil {
			c.state.Store(int32(StateClosed))
			c.opened.Fail(err)
			c.closed.Fail(err)
			return
		}
		c.engineConn = ec
	})
	if err != nil {
		return err
	}
	_, err = c.opened.Wait(ctx)
	return err
}

// OnOpenComplete is called on the reactor once both ends opened
func (c *Connection) OnOpenComplete(err error) {
	if err != nil {
		c.opened.Fail(err)
		return
	}
	if !c.state.CompareAndSwap(int32(StateOpening), int32(StateOpened)) {
		return
	}
	c.logger.WithField("remoteContainer", c.engineConn.RemoteContainerID()).Info("connection opened")
	c.metrics.ConnectionOpened()
	c.opened.Resolve(struct{}{})
	c.notifyListeners(func(l ConnectionListener) {
		l.OnConnectionOpened(c)
	})
}

// OnConnectionError is called on the reactor when the connection ends.
// Every link registered for connection errors is closed with err, and every
// session or link attach still in flight fails with it.
func (c *Connection) OnConnectionError(err error) {
	prev := IOObjectState(c.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return
	}
	cause := errOr(err, ErrConnectionClosed)
	c.opened.Fail(cause)

	links := make([]engine.Link, 0, len(c.registered))
	for l := range c.registered {
		links = append(links, l)
	}
	clear(c.registered)
	for _, l := range links {
		if sink, ok := l.Handler().(connectionErrorSink); ok {
			sink.OnConnectionError(l, cause)
		}
	}
	c.failPending(cause)

	if err != nil && prev != StateClosing {
		c.metrics.ConnectionError(err)
		c.factory.ErrorHandler.HandleConnectionError(c, err)
	} else {
		c.logger.Info("connection closed")
	}
	c.metrics.ConnectionClosed()
	if prev == StateClosing {
		// A locally requested close counts as clean whatever the peer sent.
		err = nil
	}
	c.closed.Complete(struct{}{}, err)
	c.notifyListeners(func(l ConnectionListener) {
		l.OnConnectionClosed(c, err)
	})
}

// RegisterForConnectionError routes connection failures to link's handler.
// Reactor goroutine only.
func (c *Connection) RegisterForConnectionError(link engine.Link) {
	c.registered[link] = struct{}{}
}

// DeregisterForConnectionError undoes RegisterForConnectionError.
// Reactor goroutine only.
func (c *Connection) DeregisterForConnectionError(link engine.Link) {
	delete(c.registered, link)
}

// TrackOpen arranges for fail to be called with the close cause if the
// connection ends before release is called. A closed connection fails
// immediately. Reactor goroutine only.
func (c *Connection) TrackOpen(fail func(error)) (release func()) {
	if c.State() == StateClosed {
		fail(ErrConnectionClosed)
		return func() {}
	}
	c.nextPending++
	key := c.nextPending
	c.pending[key] = fail
	return func() { delete(c.pending, key) }
}

func (c *Connection) failPending(cause error) {
	keys := make([]uint64, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	pending := c.pending
	c.pending = make(map[uint64]func(error))
	for _, k := range keys {
		pending[k](cause)
	}
}

// GetSession starts a session for path. If the peer does not open it within
// the operation timeout, onError receives a *TimeoutError; if the connection
// ends first, it receives the close cause. Reactor goroutine only.
func (c *Connection) GetSession(path string, onRemoteOpen func(engine.Session), onError func(error)) engine.Session {
	if c.engineConn == nil || c.State() != StateOpened {
		onError(ErrConnectionClosed)
		return nil
	}
	var (
		release       = func() {}
		cancelTimeout = func() {}
	)
	finish := func() {
		release()
		cancelTimeout()
	}
	h := NewSessionHandler(path, func(s engine.Session) {
		finish()
		onRemoteOpen(s)
	}, func(err error) {
		finish()
		onError(err)
	}, c.logger)
	release = c.TrackOpen(h.fail)
	s := c.engineConn.OpenSession(h)
	h.session = s
	if h.done {
		return s
	}

	timeout := c.factory.OperationTimeout
	cancel, err := c.dispatcher.Schedule(timeout, func() {
		h.fail(&TimeoutError{Op: "open session", After: timeout})
	})
	if err != nil {
		h.fail(err)
		return s
	}
	cancelTimeout = cancel
	return s
}

// trackOpen arranges for fail to run if the connection behind p ends before
// release is called
func trackOpen(p SessionProvider, fail func(error)) (release func()) {
	if t, ok := p.(OpenTracker); ok {
		return t.TrackOpen(fail)
	}
	return func() {}
}

// RemoteContainerID is the peer's container id. Reactor goroutine only.
func (c *Connection) RemoteContainerID() string {
	if c.engineConn == nil {
		return ""
	}
	return c.engineConn.RemoteContainerID()
}

// ContainerID is the local container id
func (c *Connection) ContainerID() string {
	return c.factory.ContainerID
}

// Dispatcher returns the dispatcher of the connection's reactor
func (c *Connection) Dispatcher() *reactor.Dispatcher {
	return c.dispatcher
}

// Factory returns the factory the connection was created from
func (c *Connection) Factory() *ConnectionFactory {
	return c.factory
}

// State returns the connection state
func (c *Connection) State() IOObjectState {
	return IOObjectState(c.state.Load())
}

// IsClosed reports whether the connection is closed
func (c *Connection) IsClosed() bool {
	return c.State() == StateClosed
}

// Closed returns a future completed once the connection has ended
func (c *Connection) Closed() *util.Future[struct{}] {
	return c.closed
}

// Close closes the connection and stops its reactor
func (c *Connection) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close(ctx)
	})
	return c.closeErr
}

func (c *Connection) close(ctx context.Context) error {
	if c.state.CompareAndSwap(int32(StateOpened), int32(StateClosing)) ||
		c.state.CompareAndSwap(int32(StateOpening), int32(StateClosing)) {
		err := c.dispatcher.Invoke(func() {
			if c.engineConn == nil {
				c.OnConnectionError(nil)
				return
			}
			c.engineConn.Close()
		})
		if err == nil {
			if _, err := c.closed.Wait(ctx); err != nil && errors.Is(err, ctx.Err()) {
				c.logger.WithError(err).Warn("gave up waiting for connection close")
			}
		}
	}
	return c.shutdown(ctx)
}

// shutdown stops the reactor
func (c *Connection) shutdown(ctx context.Context) error {
	return c.reactor.Shutdown(ctx)
}

// AddConnectionListener adds a connection lifecycle listener
func (c *Connection) AddConnectionListener(listener ConnectionListener) {
	c.listenerMux.Lock()
	defer c.listenerMux.Unlock()
	c.listeners = append(c.listeners, listener)
}

// RemoveConnectionListener removes a connection listener
func (c *Connection) RemoveConnectionListener(listener ConnectionListener) {
	c.listenerMux.Lock()
	defer c.listenerMux.Unlock()

	for i, l := range c.listeners {
		if l == listener {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// notifyListeners calls a function for each listener
func (c *Connection) notifyListeners(fn func(ConnectionListener)) {
	c.listenerMux.RLock()
	defer c.listenerMux.RUnlock()

	for _, listener := range c.listeners {
		fn(listener)
	}
}
