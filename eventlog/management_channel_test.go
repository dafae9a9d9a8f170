package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/containerd/errdefs"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/eventlog-go-client/internal/engine/enginetest"
)

// TestGetRuntimeInformation tests the event log description request
func TestGetRuntimeInformation(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var (
		mu  sync.Mutex
		got map[string]any
	)
	eng := &enginetest.Engine{
		Responder: func(req *amqp.Message) *amqp.Message {
			mu.Lock()
			got = req.ApplicationProperties
			mu.Unlock()
			return managementResponse(req, 200, "OK", map[string]any{
				"name":            "telemetry",
				"created_at":      created,
				"partition_count": int32(2),
				"partition_ids":   []string{"0", "1"},
			})
		},
	}
	factory, metrics := newTestFactory(eng)
	client := mustCreateClient(t, factory)

	info, err := client.GetRuntimeInformation(testContext(t))
	require.NoError(t, err)

	want := &RuntimeInformation{Path: "telemetry", CreatedAt: created, PartitionCount: 2, PartitionIDs: []string{"0", "1"}}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("runtime information mismatch (-want +got):\n%s", diff)
	}

	mu.Lock()
	defer mu.Unlock()
	wantReq := map[string]any{"name": "telemetry", "operation": "READ", "type": "com.microsoft:eventhub"}
	if diff := cmp.Diff(wantReq, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(1), metrics.GetManagementRequests())
	assert.Zero(t, metrics.GetManagementTimeouts())
}

// TestGetPartitionRuntimeInformation tests the partition description request
func TestGetPartitionRuntimeInformation(t *testing.T) {
	enqueued := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	eng := &enginetest.Engine{
		Responder: func(req *amqp.Message) *amqp.Message {
			if req.ApplicationProperties["type"] != "com.microsoft:partition" {
				return managementResponse(req, 400, "wrong type", nil)
			}
			return managementResponse(req, 200, "OK", map[any]any{
				"name":                          "telemetry",
				"partition":                     req.ApplicationProperties["partition"],
				"begin_sequence_number":         int64(10),
				"last_enqueued_sequence_number": int64(42),
				"last_enqueued_offset":          "8800",
				"last_enqueued_time_utc":        enqueued,
				"is_partition_empty":            false,
			})
		},
	}
	factory, _ := newTestFactory(eng)
	client := mustCreateClient(t, factory)

	info, err := client.GetPartitionRuntimeInformation(testContext(t), "3")
	require.NoError(t, err)

	want := &PartitionRuntimeInformation{
		Path:                       "telemetry",
		PartitionID:                "3",
		BeginSequenceNumber:        10,
		LastEnqueuedSequenceNumber: 42,
		LastEnqueuedOffset:         "8800",
		LastEnqueuedTime:           enqueued,
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("partition information mismatch (-want +got):\n%s", diff)
	}
}

// TestManagementStatusCodes tests mapping of non-success status codes
func TestManagementStatusCodes(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		cond      string
		check     func(error) bool
		transient bool
	}{
		{name: "not found", code: 404, check: errdefs.IsNotFound},
		{name: "unauthorized", code: 401, check: errdefs.IsUnauthorized},
		{name: "busy", code: 503, check: errdefs.IsUnavailable, transient: true},
		{name: "internal", code: 500, check: errdefs.IsInternal, transient: true},
		{name: "condition wins", code: 400, cond: string(CondServerBusy), check: errdefs.IsUnavailable, transient: true},
		{name: "unknown code", code: 418, check: errdefs.IsUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &enginetest.Engine{
				Responder: func(req *amqp.Message) *amqp.Message {
					resp := managementResponse(req, tt.code, "nope", nil)
					if tt.cond != "" {
						resp.ApplicationProperties[ErrorConditionKey] = tt.cond
					}
					return resp
				},
			}
			factory, _ := newTestFactory(eng)
			client := mustCreateClient(t, factory)

			_, err := client.GetRuntimeInformation(testContext(t))
			require.Error(t, err)

			var serviceErr *ServiceError
			require.ErrorAs(t, err, &serviceErr)
			assert.Equal(t, tt.code, serviceErr.StatusCode)
			assert.Equal(t, "nope", serviceErr.Description)
			assert.True(t, tt.check(err), "classification of %v", err)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

// TestManagementAcceptedWithoutBody tests that 202 with no body resolves
// with an empty map
func TestManagementAcceptedWithoutBody(t *testing.T) {
	eng := &enginetest.Engine{Responder: staticResponder(202, "Accepted", nil)}
	factory, _ := newTestFactory(eng)
	client := mustCreateClient(t, factory)

	body, err := client.Management().Request(client.Connection().Dispatcher(),
		map[string]any{"operation": "READ"}, time.Second).Wait(testContext(t))
	require.NoError(t, err)
	assert.NotNil(t, body)
	assert.Empty(t, body)
}

// TestManagementTimeoutBeatsLateResponse tests that a response arriving
// after the timeout is dropped and counted
func TestManagementTimeoutBeatsLateResponse(t *testing.T) {
	eng := &enginetest.Engine{
		RemoteContainerID: "broker-7",
		Responder:         staticResponder(200, "OK", map[string]any{"name": "telemetry"}),
		ResponseDelay:     150 * time.Millisecond,
	}
	factory, metrics := newTestFactory(eng)
	client := mustCreateClient(t, factory)
	d := client.Connection().Dispatcher()
	ctx := testContext(t)

	// Open the channel first so the timeout is server-side trackable.
	_, err := client.Management().channel.OpenedObject(ctx, d)
	require.NoError(t, err)

	result := client.Management().Request(d, runtimeInformationRequest("telemetry"), 40*time.Millisecond)
	_, err = result.Wait(ctx)
	require.Error(t, err)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Contains(t, err.Error(), "broker-7")
	assert.Contains(t, err.Error(), "may still complete")

	require.Eventually(t, func() bool {
		return metrics.GetManagementResponsesDropped() == 1
	}, testTimeout, 10*time.Millisecond)
	assert.Equal(t, int64(1), metrics.GetManagementTimeouts())

	// The first outcome stands.
	assert.ErrorAs(t, result.Err(), &timeoutErr)
}

// TestManagementResponseBeatsTimeout tests that a timeout firing after the
// response is a no-op
func TestManagementResponseBeatsTimeout(t *testing.T) {
	eng := &enginetest.Engine{Responder: staticResponder(200, "OK", map[string]any{"name": "telemetry"})}
	factory, metrics := newTestFactory(eng)
	client := mustCreateClient(t, factory)
	d := client.Connection().Dispatcher()

	result := client.Management().Request(d, runtimeInformationRequest("telemetry"), 60*time.Millisecond)
	body, err := result.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "telemetry", body["name"])

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, metrics.GetManagementTimeouts())
	assert.Zero(t, metrics.GetManagementResponsesDropped())
	assert.NoError(t, result.Err())
}

// TestManagementResponseCancelsTimeout tests that the client-side timeout is
// disarmed once the response completes the request
func TestManagementResponseCancelsTimeout(t *testing.T) {
	eng := &enginetest.Engine{Responder: staticResponder(200, "OK", map[string]any{"name": "telemetry"})}
	factory, _ := newTestFactory(eng)
	client := mustCreateClient(t, factory)
	d := client.Connection().Dispatcher()

	result := client.Management().Request(d, runtimeInformationRequest("telemetry"), time.Hour)
	_, err := result.Wait(testContext(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.Pending() == 0 }, testTimeout, 5*time.Millisecond)
}

// TestManagementRequestFailsOnConnectionClose tests that a request waiting
// for its channel fails when the connection closes under it
func TestManagementRequestFailsOnConnectionClose(t *testing.T) {
	eng := &enginetest.Engine{HoldSessions: true, Responder: staticResponder(200, "OK", nil)}
	factory, metrics := newTestFactory(eng, WithOperationTimeout(time.Hour))
	client := mustCreateClient(t, factory)
	conn := client.Connection()

	result := client.Management().Request(conn.Dispatcher(), runtimeInformationRequest("telemetry"), 300*time.Millisecond)
	require.Eventually(t, func() bool { return eng.SessionsOpened() == 1 }, testTimeout, 5*time.Millisecond)

	closeCtx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, conn.Close(closeCtx))

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	_, err := result.Wait(waitCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Zero(t, metrics.GetManagementTimeouts())
	assert.Zero(t, eng.MessagesSent())
}

// TestManagementClientSideTimeout tests the timeout raised while the channel
// is still opening
func TestManagementClientSideTimeout(t *testing.T) {
	eng := &enginetest.Engine{HoldSessions: true, Responder: staticResponder(200, "OK", nil)}
	factory, metrics := newTestFactory(eng)
	client := mustCreateClient(t, factory)

	result := client.Management().Request(client.Connection().Dispatcher(), runtimeInformationRequest("telemetry"), 30*time.Millisecond)
	_, err := result.Wait(testContext(t))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "before the management channel opened"), "got %q", err)
	assert.Equal(t, int64(1), metrics.GetManagementTimeouts())
	assert.Zero(t, eng.MessagesSent())
}

// TestManagementBelowMinimumTimeout tests that a request that cannot
// round-trip in time is never sent
func TestManagementBelowMinimumTimeout(t *testing.T) {
	eng := &enginetest.Engine{Responder: staticResponder(200, "OK", nil)}
	factory, _ := newTestFactory(eng)
	client := mustCreateClient(t, factory)

	result := client.Management().Request(client.Connection().Dispatcher(), runtimeInformationRequest("telemetry"), time.Millisecond)
	_, err := result.Wait(testContext(t))
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Zero(t, eng.MessagesSent())
	assert.Zero(t, eng.SendersOpened())
}

// TestManagementConcurrentRequestsShareChannel tests that concurrent
// requests open the channel once
func TestManagementConcurrentRequestsShareChannel(t *testing.T) {
	eng := &enginetest.Engine{Responder: staticResponder(200, "OK", map[string]any{"name": "telemetry"})}
	factory, _ := newTestFactory(eng)
	client := mustCreateClient(t, factory)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := client.GetRuntimeInformation(testContext(t))
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, 1, eng.SendersOpened())
	assert.Equal(t, 1, eng.ReceiversOpened())
	assert.Equal(t, n, eng.MessagesSent())
}

// TestManagementChannelReopensAfterDetach tests recovery after the peer
// detaches a channel link
func TestManagementChannelReopensAfterDetach(t *testing.T) {
	eng := &enginetest.Engine{Responder: staticResponder(200, "OK", map[string]any{"name": "telemetry"})}
	factory, metrics := newTestFactory(eng)
	client := mustCreateClient(t, factory)
	ctx := testContext(t)

	_, err := client.GetRuntimeInformation(ctx)
	require.NoError(t, err)

	eng.Receiver(ManagementAddress).Detach(&amqp.Error{Condition: amqp.ErrCondDetachForced})
	d := client.Connection().Dispatcher()
	require.Eventually(t, func() bool {
		opened := true
		onReactor(t, d, func() {
			_, opened = client.Management().channel.UnsafeGetIfOpened()
		})
		return !opened
	}, testTimeout, 5*time.Millisecond)

	_, err = client.GetRuntimeInformation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, eng.SendersOpened())
	assert.Equal(t, int64(1), metrics.GetLinkErrors())
}

// TestManagementChannelRefused tests that a refused channel fails the
// request with the peer's condition and the next request retries
func TestManagementChannelRefused(t *testing.T) {
	var (
		mu     sync.Mutex
		refuse = true
	)
	eng := &enginetest.Engine{
		Responder: staticResponder(200, "OK", map[string]any{"name": "telemetry"}),
		RefuseLink: func(name, address string) *amqp.Error {
			mu.Lock()
			defer mu.Unlock()
			if refuse {
				return &amqp.Error{Condition: amqp.ErrCondUnauthorizedAccess, Description: "no claim"}
			}
			return nil
		},
	}
	factory, _ := newTestFactory(eng)
	client := mustCreateClient(t, factory)
	ctx := testContext(t)

	_, err := client.GetRuntimeInformation(ctx)
	require.Error(t, err)
	assert.True(t, errdefs.IsPermissionDenied(err), "got %v", err)

	mu.Lock()
	refuse = false
	mu.Unlock()
	_, err = client.GetRuntimeInformation(ctx)
	require.NoError(t, err)
}

// TestParseManagementResponse tests decoding of response shapes
func TestParseManagementResponse(t *testing.T) {
	tests := []struct {
		name    string
		resp    *amqp.Message
		want    map[string]any
		wantErr error
	}{
		{
			name:    "nil",
			wantErr: ErrInvalidResponse,
		},
		{
			name:    "missing status",
			resp:    &amqp.Message{ApplicationProperties: map[string]any{}},
			wantErr: ErrInvalidResponse,
		},
		{
			name:    "status of wrong type",
			resp:    &amqp.Message{ApplicationProperties: map[string]any{StatusCodeKey: "200"}},
			wantErr: ErrInvalidResponse,
		},
		{
			name: "generic map body",
			resp: &amqp.Message{
				ApplicationProperties: map[string]any{StatusCodeKey: int64(200)},
				Value:                 map[any]any{"a": int32(1), "b": "two"},
			},
			want: map[string]any{"a": int32(1), "b": "two"},
		},
		{
			name: "non-string body key",
			resp: &amqp.Message{
				ApplicationProperties: map[string]any{StatusCodeKey: int64(200)},
				Value:                 map[any]any{int64(1): "one"},
			},
			wantErr: ErrInvalidResponse,
		},
		{
			name: "body not a map",
			resp: &amqp.Message{
				ApplicationProperties: map[string]any{StatusCodeKey: uint16(200)},
				Value:                 "hello",
			},
			wantErr: ErrInvalidResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseManagementResponse(tt.resp)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestManagementRequestIDs tests that each request carries a distinct id and
// the channel reply-to
func TestManagementRequestIDs(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
		rt  []string
	)
	eng := &enginetest.Engine{
		Responder: func(req *amqp.Message) *amqp.Message {
			mu.Lock()
			ids = append(ids, fmt.Sprint(req.Properties.MessageID))
			rt = append(rt, *req.Properties.ReplyTo)
			mu.Unlock()
			return managementResponse(req, 200, "OK", nil)
		},
	}
	factory, _ := newTestFactory(eng)
	client := mustCreateClient(t, factory)

	for i := 0; i < 3; i++ {
		_, err := client.GetRuntimeInformation(testContext(t))
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"request1", "request2", "request3"}, ids)
	for _, r := range rt {
		assert.Equal(t, managementChannelName+replyToSuffix, r)
	}
}
