package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/eventlog-go-client/internal/engine"
	"github.com/israelio/eventlog-go-client/internal/engine/enginetest"
)

// recordingReceiver is an AmqpReceiver and AmqpSender that records every
// call; reactor goroutine only
type recordingReceiver struct {
	opens      []error
	closes     []error
	deliveries []string
	flows      []uint32
}

func (r *recordingReceiver) OnOpenComplete(err error)         { r.opens = append(r.opens, err) }
func (r *recordingReceiver) OnClose(err error)                { r.closes = append(r.closes, err) }
func (r *recordingReceiver) OnFlow(credit uint32)             { r.flows = append(r.flows, credit) }
func (r *recordingReceiver) OnSendComplete(d engine.Delivery) {}
func (r *recordingReceiver) OnReceiveComplete(d engine.Delivery) {
	r.deliveries = append(r.deliveries, d.Tag())
}

// openSession opens a session on conn and waits for the peer to accept it
func openSession(t *testing.T, conn *Connection) engine.Session {
	t.Helper()
	ready := make(chan engine.Session, 1)
	failed := make(chan error, 1)
	onReactor(t, conn.Dispatcher(), func() {
		conn.GetSession("telemetry", func(s engine.Session) { ready <- s }, func(err error) { failed <- err })
	})
	select {
	case s := <-ready:
		return s
	case err := <-failed:
		t.Fatalf("session failed: %v", err)
	case <-time.After(testTimeout):
		t.Fatal("session did not open")
	}
	return nil
}

// TestReceiveLinkHandlerSkipsDuplicates tests that settled and partial
// deliveries are not forwarded
func TestReceiveLinkHandlerSkipsDuplicates(t *testing.T) {
	eng := &enginetest.Engine{}
	factory, _ := newTestFactory(eng)
	conn := mustConnect(t, factory)
	s := openSession(t, conn)
	d := conn.Dispatcher()

	rec := &recordingReceiver{}
	var link engine.Receiver
	onReactor(t, d, func() {
		link = s.OpenReceiver("r", "telemetry/ConsumerGroups/$Default/Partitions/0", engine.ReceiverOptions{},
			NewReceiveLinkHandler(rec, factory.Logger))
	})
	raw := link.(*enginetest.Receiver)

	msg := &amqp.Message{Data: [][]byte{[]byte("x")}}
	raw.DeliverRaw(&enginetest.Delivery{DeliveryTag: "settled", Msg: msg, IsSettled: true})
	raw.DeliverRaw(&enginetest.Delivery{DeliveryTag: "partial", Msg: msg, IsPartial: true})
	raw.DeliverRaw(&enginetest.Delivery{DeliveryTag: "whole", Msg: msg})
	raw.DeliverRaw(&enginetest.Delivery{DeliveryTag: "settled-again", Msg: msg, IsSettled: true})

	onReactor(t, d, func() {
		assert.Equal(t, []string{"whole"}, rec.deliveries)
		assert.Equal(t, []error{nil}, rec.opens, "ready must be signalled once")
	})
}

// TestSendLinkHandlerFirstFlowOpens tests that the first flow completes the
// open and every flow reports credit
func TestSendLinkHandlerFirstFlowOpens(t *testing.T) {
	eng := &enginetest.Engine{SenderCredit: 7}
	factory, _ := newTestFactory(eng)
	conn := mustConnect(t, factory)
	s := openSession(t, conn)
	d := conn.Dispatcher()

	rec := &recordingReceiver{}
	var snd engine.Sender
	onReactor(t, d, func() {
		snd = s.OpenSender("s", "telemetry", NewSendLinkHandler(rec, factory.Logger))
	})
	onReactor(t, d, func() {
		snd.Send(&amqp.Message{Data: [][]byte{[]byte("a")}})
	})

	onReactor(t, d, func() {
		assert.Equal(t, []error{nil}, rec.opens)
		require.NotEmpty(t, rec.flows)
		assert.Equal(t, uint32(7), rec.flows[0])
		assert.Equal(t, uint32(7), rec.flows[len(rec.flows)-1])
	})
}

// TestLinkHandlerRefusedAttach tests that a refused attach closes the link
// with the peer's condition
func TestLinkHandlerRefusedAttach(t *testing.T) {
	eng := &enginetest.Engine{
		RefuseLink: func(name, address string) *amqp.Error {
			return &amqp.Error{Condition: amqp.ErrCondNotFound, Description: "no such partition"}
		},
	}
	factory, _ := newTestFactory(eng)
	conn := mustConnect(t, factory)
	s := openSession(t, conn)
	d := conn.Dispatcher()

	rec := &recordingReceiver{}
	onReactor(t, d, func() {
		s.OpenReceiver("r", "telemetry/ConsumerGroups/$Default/Partitions/99", engine.ReceiverOptions{},
			NewReceiveLinkHandler(rec, factory.Logger))
	})
	onReactor(t, d, func() {
		assert.Empty(t, rec.opens)
		require.Len(t, rec.closes, 1)
		assert.True(t, errdefs.IsNotFound(rec.closes[0]), "got %v", rec.closes[0])
		assert.Equal(t, engine.StateClosed, s.LocalState(), "session is closed with its link")
	})
}

// TestConnectionDropFansOut tests that a dropped transport closes the
// connection and every registered link
func TestConnectionDropFansOut(t *testing.T) {
	eng := &enginetest.Engine{}
	factory, metrics := newTestFactory(eng)
	conn := mustConnect(t, factory)
	s := openSession(t, conn)
	d := conn.Dispatcher()

	rec := &recordingReceiver{}
	onReactor(t, d, func() {
		l := s.OpenReceiver("r", "telemetry/ConsumerGroups/$Default/Partitions/0", engine.ReceiverOptions{},
			NewReceiveLinkHandler(rec, factory.Logger))
		conn.RegisterForConnectionError(l)
	})

	cond := &amqp.Error{Condition: amqp.ErrCondConnectionForced, Description: "maintenance"}
	eng.Connections()[0].Drop(cond)

	_, err := conn.Closed().Wait(testContext(t))
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err), "got %v", err)
	assert.True(t, IsTransient(err))
	assert.True(t, conn.IsClosed())

	onReactor(t, d, func() {
		require.Len(t, rec.closes, 1)
		assert.ErrorIs(t, rec.closes[0], err)
		assert.True(t, eng.Connections()[0].Unbound())
	})
	assert.Equal(t, int64(1), metrics.GetConnectionErrors())
	assert.Equal(t, int64(1), metrics.GetConnectionsClosed())
}

// TestConnectionLocalCloseIsClean tests that closing a connection reports no error
func TestConnectionLocalCloseIsClean(t *testing.T) {
	eng := &enginetest.Engine{RemoteContainerID: "peer-1"}
	factory, metrics := newTestFactory(eng)
	conn := mustConnect(t, factory)

	onReactor(t, conn.Dispatcher(), func() {
		assert.Equal(t, "peer-1", conn.RemoteContainerID())
	})
	require.NoError(t, conn.Close(testContext(t)))
	assert.True(t, conn.IsClosed())
	assert.NoError(t, conn.Closed().Err())
	assert.Equal(t, int64(1), metrics.GetConnectionsOpened())
	assert.Zero(t, metrics.GetConnectionErrors())

	// Idempotent.
	require.NoError(t, conn.Close(testContext(t)))
}

// TestConnectionOpenRefused tests that NewConnection reports a refused open
func TestConnectionOpenRefused(t *testing.T) {
	eng := &enginetest.Engine{
		ConnectError: &amqp.Error{Condition: amqp.ErrCondUnauthorizedAccess, Description: "bad token"},
	}
	factory, _ := newTestFactory(eng)

	_, err := factory.NewConnection(testContext(t))
	require.Error(t, err)
	assert.True(t, errdefs.IsPermissionDenied(err), "got %v", err)
	assert.False(t, IsTransient(err))
}

// TestSessionOpenTimeout tests that a session the peer never opens fails
// with a timeout
func TestSessionOpenTimeout(t *testing.T) {
	eng := &enginetest.Engine{HoldSessions: true}
	factory, _ := newTestFactory(eng, WithOperationTimeout(30*time.Millisecond))
	conn := mustConnect(t, factory)

	failed := make(chan error, 1)
	onReactor(t, conn.Dispatcher(), func() {
		conn.GetSession("telemetry", func(engine.Session) {
			t.Error("session must not open")
		}, func(err error) { failed <- err })
	})

	select {
	case err := <-failed:
		var timeoutErr *TimeoutError
		assert.ErrorAs(t, err, &timeoutErr)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, IsTransient(err))
	case <-time.After(testTimeout):
		t.Fatal("session open did not time out")
	}
}

// TestSessionOpenCancelsTimeout tests that an opened session disarms its
// open timeout
func TestSessionOpenCancelsTimeout(t *testing.T) {
	eng := &enginetest.Engine{}
	factory, _ := newTestFactory(eng, WithOperationTimeout(time.Hour))
	conn := mustConnect(t, factory)

	opened := make(chan struct{})
	onReactor(t, conn.Dispatcher(), func() {
		conn.GetSession("telemetry", func(engine.Session) { close(opened) }, func(err error) {
			t.Errorf("session failed: %v", err)
		})
	})
	select {
	case <-opened:
	case <-time.After(testTimeout):
		t.Fatal("session did not open")
	}
	require.Eventually(t, func() bool { return conn.Dispatcher().Pending() == 0 }, testTimeout, 5*time.Millisecond)
}

// TestSessionFailsOnConnectionClose tests that a session still waiting for
// the peer fails when the connection closes
func TestSessionFailsOnConnectionClose(t *testing.T) {
	eng := &enginetest.Engine{HoldSessions: true}
	factory, _ := newTestFactory(eng, WithOperationTimeout(time.Hour))
	conn := mustConnect(t, factory)

	failed := make(chan error, 1)
	onReactor(t, conn.Dispatcher(), func() {
		conn.GetSession("telemetry", func(engine.Session) {
			t.Error("session must not open")
		}, func(err error) { failed <- err })
	})
	require.NoError(t, conn.Close(testContext(t)))

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(testTimeout):
		t.Fatal("pending session was not failed")
	}
}

// TestConnectionTrackOpen tests that tracked attaches fail on close unless
// released first
func TestConnectionTrackOpen(t *testing.T) {
	eng := &enginetest.Engine{}
	factory, _ := newTestFactory(eng)
	conn := mustConnect(t, factory)

	failed := make(chan error, 2)
	onReactor(t, conn.Dispatcher(), func() {
		release := conn.TrackOpen(func(error) { t.Error("released attach was failed") })
		release()
		conn.TrackOpen(func(err error) { failed <- err })
	})
	require.NoError(t, conn.Close(testContext(t)))

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(testTimeout):
		t.Fatal("tracked attach was not failed")
	}

	// A closed connection fails new attaches at once.
	conn.TrackOpen(func(err error) { failed <- err })
	require.Len(t, failed, 1)
	assert.ErrorIs(t, <-failed, ErrConnectionClosed)
}

// TestConnectionListeners tests listener notification on open and close
func TestConnectionListeners(t *testing.T) {
	eng := &enginetest.Engine{}
	factory, _ := newTestFactory(eng)
	conn := mustConnect(t, factory)

	l := &recordingListener{closed: make(chan error, 1)}
	conn.AddConnectionListener(l)
	eng.Connections()[0].RemoteClose(&amqp.Error{Condition: CondServerBusy})

	select {
	case err := <-l.closed:
		var amqpErr *AmqpError
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, CondServerBusy, amqpErr.Condition)
	case <-time.After(testTimeout):
		t.Fatal("listener not notified")
	}
	conn.RemoveConnectionListener(l)
}

type recordingListener struct {
	closed chan error
}

func (l *recordingListener) OnConnectionOpened(*Connection) {}
func (l *recordingListener) OnConnectionClosed(_ *Connection, err error) {
	l.closed <- err
}
