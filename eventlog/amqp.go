package eventlog

import (
	"time"

	"github.com/israelio/eventlog-go-client/internal/engine"
)

// Dispatcher schedules work on the reactor goroutine.
// *reactor.Dispatcher is the production implementation.
type Dispatcher interface {
	Invoke(task func()) error
	InvokeAfter(delay time.Duration, task func()) error
	Schedule(delay time.Duration, task func()) (cancel func(), err error)
}

// AmqpConnection is the connection-level entity the connection handler
// reports to. err passed to OnConnectionError is nil when the peer closed
// the connection cleanly.
type AmqpConnection interface {
	OnOpenComplete(err error)
	OnConnectionError(err error)
	RegisterForConnectionError(link engine.Link)
	DeregisterForConnectionError(link engine.Link)
}

// AmqpLink is the logical entity owning one link. OnClose receives nil on a
// clean close.
type AmqpLink interface {
	OnOpenComplete(err error)
	OnClose(err error)
}

// AmqpSender owns a send link
type AmqpSender interface {
	AmqpLink
	OnFlow(credit uint32)
	OnSendComplete(d engine.Delivery)
}

// AmqpReceiver owns a receive link
type AmqpReceiver interface {
	AmqpLink
	OnReceiveComplete(d engine.Delivery)
}

// SessionProvider creates sessions on the reactor goroutine. Exactly one of
// onRemoteOpen and onError is eventually invoked.
type SessionProvider interface {
	GetSession(path string, onRemoteOpen func(engine.Session), onError func(error)) engine.Session
}

// OpenTracker is implemented by session providers that fail attaches still
// in flight when their connection ends. fail runs at most once, on the
// reactor goroutine; release stops tracking.
type OpenTracker interface {
	TrackOpen(fail func(error)) (release func())
}
