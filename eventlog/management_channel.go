package eventlog

import (
	"fmt"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/sirupsen/logrus"

	"github.com/israelio/eventlog-go-client/internal/util"
)

// Management response application properties
const (
	StatusCodeKey        = "status-code"
	StatusDescriptionKey = "status-description"
	ErrorConditionKey    = "error-condition"
)

// minManagementTimeout is the shortest timeout for which a request is sent
// at all; anything shorter cannot complete before its own timer fires.
const minManagementTimeout = 5 * time.Millisecond

// ManagementChannel issues control-plane requests over a lazily opened
// RequestResponseChannel.
type ManagementChannel struct {
	channel         *FaultTolerantObject[*RequestResponseChannel]
	remoteContainer func() string
	logger          logrus.FieldLogger
	metrics         MetricsCollector
}

// NewManagementChannel creates a management channel whose links live on
// sessions from provider and whose failures are reported by conn.
func NewManagementChannel(provider SessionProvider, conn AmqpConnection, remoteContainer func() string, d Dispatcher, name, path string, timeout time.Duration, logger logrus.FieldLogger, metrics MetricsCollector) *ManagementChannel {
	logger = logger.WithField("entity", path)
	opener := &requestResponseOpener{
		provider: provider,
		conn:     conn,
		name:     name,
		path:     path,
		address:  ManagementAddress,
		d:        d,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
	}
	closer := &requestResponseCloser{conn: conn}
	return &ManagementChannel{
		channel:         NewFaultTolerantObject(opener.Run, closer.Run),
		remoteContainer: remoteContainer,
		logger:          logger,
		metrics:         metrics,
	}
}

// Request sends requestFields as the application properties of a request
// message and returns a future for the response body.
//
// The returned future is completed by whichever comes first: the response,
// or a client-side timeout after timeout. The loser is dropped; a response
// dropped this way is counted by MetricsCollector.ManagementResponseDropped.
// Nothing is retried.
func (m *ManagementChannel) Request(d Dispatcher, requestFields map[string]any, timeout time.Duration) *util.Future[map[string]any] {
	result := util.NewFuture[map[string]any]()
	m.metrics.ManagementRequest()

	props := make(map[string]any, len(requestFields))
	for k, v := range requestFields {
		props[k] = v
	}
	msg := &amqp.Message{ApplicationProperties: props}

	cancel, err := d.Schedule(timeout, func() {
		ch, opened := m.channel.UnsafeGetIfOpened()
		var err error
		if opened {
			ch.Abandon(msg)
			err = &TimeoutError{
				Op:    "management request",
				After: timeout,
				Msg: fmt.Sprintf("management request timed out after %v; the service may still complete it (remote container %q, channel %s)",
					timeout, m.remoteContainer(), ch.Name()),
			}
		} else {
			err = &TimeoutError{
				Op:    "management request",
				After: timeout,
				Msg:   fmt.Sprintf("management request timed out after %v before the management channel opened", timeout),
			}
		}
		if result.Fail(err) {
			m.metrics.ManagementTimeout()
		}
	})
	if err != nil {
		result.Fail(err)
		return result
	}
	result.Subscribe(func(map[string]any, error) { cancel() })

	if timeout > minManagementTimeout {
		m.channel.RunOnOpenedObject(d, func(ch *RequestResponseChannel, err error) {
			if err != nil {
				result.Fail(err)
				return
			}
			if result.IsDone() {
				return
			}
			ch.Request(msg, func(resp *amqp.Message, err error) {
				if err != nil {
					result.Fail(err)
					return
				}
				body, err := parseManagementResponse(resp)
				m.complete(result, body, err)
			})
		})
	}
	return result
}

// complete resolves result with a response, noting responses that lost
// the race against the timeout
func (m *ManagementChannel) complete(result *util.Future[map[string]any], body map[string]any, err error) {
	if result.Complete(body, err) {
		return
	}
	m.metrics.ManagementResponseDropped()
	entry := m.logger
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("dropping management response that arrived after the request timed out")
}

// Close closes the underlying channel
func (m *ManagementChannel) Close(d Dispatcher, callback func(error)) {
	m.channel.Close(d, callback)
}

// parseManagementResponse checks the status of resp and decodes its body
func parseManagementResponse(resp *amqp.Message) (map[string]any, error) {
	if resp == nil {
		return nil, ErrInvalidResponse
	}
	rawCode, ok := resp.ApplicationProperties[StatusCodeKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidResponse, StatusCodeKey)
	}
	code, ok := toInt(rawCode)
	if !ok {
		return nil, fmt.Errorf("%w: %s has type %T", ErrInvalidResponse, StatusCodeKey, rawCode)
	}
	description, _ := resp.ApplicationProperties[StatusDescriptionKey].(string)

	if code != 200 && code != 202 {
		var cond amqp.ErrCond
		if c, ok := resp.ApplicationProperties[ErrorConditionKey].(string); ok {
			cond = amqp.ErrCond(c)
		}
		return nil, StatusCodeToError(code, description, cond)
	}
	return toFieldMap(resp.Value)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}

// toFieldMap converts a decoded AMQP map value into a string-keyed map
func toFieldMap(v any) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return m, nil
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: body key has type %T", ErrInvalidResponse, k)
			}
			out[key] = val
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: body has type %T", ErrInvalidResponse, v)
}
