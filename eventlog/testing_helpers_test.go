package eventlog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/israelio/eventlog-go-client/internal/engine/enginetest"
	"github.com/israelio/eventlog-go-client/internal/reactor"
)

const testTimeout = 5 * time.Second

// newTestLogger returns a debug logger whose entries are captured by hook
func newTestLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

// newTestDispatcher starts a reactor stopped at the end of the test
func newTestDispatcher(t *testing.T) *reactor.Dispatcher {
	t.Helper()
	logger, _ := newTestLogger()
	r, err := reactor.New(logger)
	require.NoError(t, err)
	r.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r.Dispatcher()
}

// onReactor runs fn on the reactor and waits for it
func onReactor(t *testing.T, d Dispatcher, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, d.Invoke(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("reactor task did not run")
	}
}

// newTestFactory creates a factory wired to eng
func newTestFactory(eng *enginetest.Engine, opts ...FactoryOption) (*ConnectionFactory, *StandardMetricsCollector) {
	logger, _ := newTestLogger()
	metrics := NewStandardMetricsCollector()
	base := []FactoryOption{
		WithHost("eventlog.test"),
		WithEntityPath("telemetry"),
		WithEngine(eng),
		WithLogger(logger),
		WithMetrics(metrics),
		WithOperationTimeout(time.Second),
		WithConnectionTimeout(time.Second),
	}
	return NewConnectionFactory(append(base, opts...)...), metrics
}

// mustConnect opens a connection or fails the test
func mustConnect(t *testing.T, factory *ConnectionFactory) *Connection {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	conn, err := factory.NewConnection(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = conn.Close(ctx)
	})
	return conn
}

// mustCreateClient opens a client or fails the test
func mustCreateClient(t *testing.T, factory *ConnectionFactory) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	client, err := factory.NewClient(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = client.Close(ctx)
	})
	return client
}

// managementResponse answers req with code and body
func managementResponse(req *amqp.Message, code int, description string, body any) *amqp.Message {
	resp := &amqp.Message{
		Properties: &amqp.MessageProperties{},
		ApplicationProperties: map[string]any{
			StatusCodeKey:        int32(code),
			StatusDescriptionKey: description,
		},
		Value: body,
	}
	if req.Properties != nil {
		resp.Properties.CorrelationID = req.Properties.MessageID
	}
	return resp
}

// staticResponder answers every request with the same status and body
func staticResponder(code int, description string, body any) enginetest.Responder {
	return func(req *amqp.Message) *amqp.Message {
		return managementResponse(req, code, description, body)
	}
}

// fakeObject is an IOObject whose state tests set directly
type fakeObject struct {
	id    int
	state atomic.Int32
}

func newFakeObject(id int) *fakeObject {
	o := &fakeObject{id: id}
	o.state.Store(int32(StateOpened))
	return o
}

func (o *fakeObject) State() IOObjectState {
	return IOObjectState(o.state.Load())
}

// rejectingDispatcher refuses all work
type rejectingDispatcher struct{ err error }

func (d rejectingDispatcher) Invoke(func()) error                     { return d.err }
func (d rejectingDispatcher) InvokeAfter(time.Duration, func()) error { return d.err }
func (d rejectingDispatcher) Schedule(time.Duration, func()) (func(), error) {
	return nil, d.err
}

// testContext returns a context cancelled at the end of the test
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}
