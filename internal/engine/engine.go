// Package engine is the boundary between the client and an AMQP 1.0
// protocol engine.
//
// Every method on the types below must be called on the reactor goroutine,
// and every handler method is invoked on the reactor goroutine. Operations
// that need a round trip with the peer return immediately and report their
// outcome later through the handler attached to the endpoint.
package engine

import (
	"crypto/tls"
	"time"

	"github.com/Azure/go-amqp"
)

// EndpointState is the local or remote state of a connection, session or link
type EndpointState int

const (
	StateUninitialized EndpointState = iota
	StateActive
	StateClosed
)

// String returns a string representation of the endpoint state
func (s EndpointState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dispatcher posts engine events back onto the reactor goroutine
type Dispatcher interface {
	Invoke(task func()) error
	InvokeAfter(delay time.Duration, task func()) error
}

// Endpoint is the state shared by connections, sessions and links
type Endpoint interface {
	LocalState() EndpointState
	RemoteState() EndpointState
	// RemoteCondition is the error the peer attached when closing, if any
	RemoteCondition() *amqp.Error
}

// Engine opens connections
type Engine interface {
	Open(d Dispatcher, cfg ConnectionConfig, h ConnectionHandler) (Connection, error)
}

// ConnectionConfig carries what an engine needs to reach the peer
type ConnectionConfig struct {
	Host             string
	Port             int
	TLS              *tls.Config
	Username         string
	Password         string
	ContainerID      string
	IdleTimeout      time.Duration
	// DialTimeout bounds transport and protocol negotiation
	DialTimeout      time.Duration
	// OperationTimeout bounds session and link attach and detach
	OperationTimeout time.Duration
}

// Connection is an AMQP connection bound to a transport
type Connection interface {
	Endpoint
	ContainerID() string
	RemoteContainerID() string
	Hostname() string
	OpenSession(h SessionHandler) Session
	Close()
	// UnbindTransport releases the transport without waiting for the peer
	UnbindTransport()
}

// Session multiplexes links over a connection
type Session interface {
	Endpoint
	Connection() Connection
	OpenSender(name, target string, h LinkHandler) Sender
	OpenReceiver(name, source string, opts ReceiverOptions, h LinkHandler) Receiver
	Close()
}

// ReceiverOptions configures a receive link
type ReceiverOptions struct {
	// TargetAddress is the local terminus address, used as reply-to
	TargetAddress string
	// Selector is a filter expression sent as a selector filter
	Selector string
	// Properties are sent as link properties
	Properties map[string]any
}

// Link is one direction of message transfer on a session
type Link interface {
	Endpoint
	Name() string
	Address() string
	// RemoteAddress is the terminus address the peer attached with
	RemoteAddress() string
	Session() Session
	Handler() LinkHandler
	Close()
}

// Sender is an outgoing link
type Sender interface {
	Link
	Credit() uint32
	Send(msg *amqp.Message) Delivery
}

// Receiver is an incoming link
type Receiver interface {
	Link
	// Flow grants the peer additional credit
	Flow(credit uint32)
}

// Delivery is one message transfer
type Delivery interface {
	Tag() string
	Link() Link
	Message() *amqp.Message
	// Partial reports whether more frames of the message are still due
	Partial() bool
	Settled() bool
	// RemoteSettled reports whether the peer settled the transfer
	RemoteSettled() bool
	// RemoteError is the rejection reported by the peer, if any
	RemoteError() error
	// Settle accepts and settles the delivery locally
	Settle()
}

// ConnectionHandler receives connection events
type ConnectionHandler interface {
	OnConnectionBound(c Connection)
	OnConnectionLocalOpen(c Connection)
	OnConnectionRemoteOpen(c Connection)
	OnConnectionLocalClose(c Connection)
	OnConnectionRemoteClose(c Connection)
	OnTransportError(c Connection, err error)
	OnTransportClosed(c Connection)
	OnConnectionUnbound(c Connection)
}

// SessionHandler receives session events
type SessionHandler interface {
	OnSessionLocalOpen(s Session)
	OnSessionRemoteOpen(s Session)
	OnSessionLocalClose(s Session)
	OnSessionRemoteClose(s Session)
}

// LinkHandler receives link events
type LinkHandler interface {
	OnLinkLocalOpen(l Link)
	OnLinkRemoteOpen(l Link)
	OnLinkLocalClose(l Link)
	OnLinkRemoteClose(l Link)
	OnLinkRemoteDetach(l Link)
	OnLinkFlow(l Link)
	OnDelivery(d Delivery)
}
