package eventlog

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/israelio/eventlog-go-client/internal/engine"
	"github.com/israelio/eventlog-go-client/internal/util"
)

// DefaultConsumerGroup exists on every event log
const DefaultConsumerGroup = "$Default"

// EpochProperty is the link property carrying a receiver epoch
const EpochProperty = "com.microsoft:epoch"

// EventPosition selects where a receiver starts reading
type EventPosition struct {
	annotation string
	value      string
	inclusive  bool
}

// StartOfStream positions a receiver at the oldest retained event
func StartOfStream() EventPosition {
	return FromOffset("-1", false)
}

// EndOfStream positions a receiver after the newest event
func EndOfStream() EventPosition {
	return FromOffset("@latest", false)
}

// FromOffset positions a receiver at offset
func FromOffset(offset string, inclusive bool) EventPosition {
	return EventPosition{annotation: OffsetAnnotation, value: offset, inclusive: inclusive}
}

// FromSequenceNumber positions a receiver at sequence number seq
func FromSequenceNumber(seq int64, inclusive bool) EventPosition {
	return EventPosition{annotation: SequenceNumberAnnotation, value: strconv.FormatInt(seq, 10), inclusive: inclusive}
}

// FromEnqueuedTime positions a receiver at the first event enqueued after t
func FromEnqueuedTime(t time.Time) EventPosition {
	return EventPosition{annotation: EnqueuedTimeAnnotation, value: strconv.FormatInt(t.UnixMilli(), 10)}
}

// Selector returns the link filter expression for the position
func (p EventPosition) Selector() string {
	op := ">"
	if p.inclusive {
		op = ">="
	}
	return fmt.Sprintf("amqp.annotation.%s %s '%s'", p.annotation, op, p.value)
}

// ReceiverOption configures a PartitionReceiver
type ReceiverOption func(*PartitionReceiver)

// WithStartPosition sets where the receiver starts, default StartOfStream
func WithStartPosition(pos EventPosition) ReceiverOption {
	return func(r *PartitionReceiver) {
		r.position = pos
	}
}

// WithEpoch makes the receiver exclusive: a receiver with a higher epoch
// on the same partition and consumer group steals the link.
func WithEpoch(epoch int64) ReceiverOption {
	return func(r *PartitionReceiver) {
		r.epoch = &epoch
	}
}

// WithReceiverPrefetch overrides the factory prefetch count
func WithReceiverPrefetch(n int) ReceiverOption {
	return func(r *PartitionReceiver) {
		r.prefetch = n
	}
}

// WithReceiverTimeout overrides how long Receive waits for events
func WithReceiverTimeout(d time.Duration) ReceiverOption {
	return func(r *PartitionReceiver) {
		r.receiveTimeout = d
	}
}

// PartitionReceiver reads one partition of an event log for one consumer
// group. The receive link is opened on first use and reopened after it
// fails, resuming after the last event handed out.
type PartitionReceiver struct {
	provider SessionProvider
	conn     AmqpConnection
	d        Dispatcher

	partitionID    string
	consumerGroup  string
	address        string
	prefetch       int
	receiveTimeout time.Duration
	openTimeout    time.Duration
	epoch          *int64

	// Reactor-owned; advanced as events are handed out
	position EventPosition

	link    *FaultTolerantObject[*receiveLink]
	nextID  atomic.Uint64
	closed  atomic.Bool
	pumpMu  sync.Mutex
	pump    *ReceivePump
	logger  logrus.FieldLogger
	metrics MetricsCollector
	errs    ErrorHandler
}

var _ Receiver = (*PartitionReceiver)(nil)

func newPartitionReceiver(provider SessionProvider, conn AmqpConnection, d Dispatcher, cf *ConnectionFactory, consumerGroup, partitionID string, opts ...ReceiverOption) (*PartitionReceiver, error) {
	if partitionID == "" {
		return nil, fmt.Errorf("partition id cannot be empty")
	}
	if consumerGroup == "" {
		consumerGroup = DefaultConsumerGroup
	}
	r := &PartitionReceiver{
		provider:       provider,
		conn:           conn,
		d:              d,
		partitionID:    partitionID,
		consumerGroup:  consumerGroup,
		address:        fmt.Sprintf("%s/ConsumerGroups/%s/Partitions/%s", cf.EntityPath, consumerGroup, partitionID),
		prefetch:       cf.PrefetchCount,
		receiveTimeout: cf.ReceiveTimeout,
		openTimeout:    cf.OperationTimeout,
		position:       StartOfStream(),
		metrics:        cf.Metrics,
		errs:           cf.ErrorHandler,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.prefetch < MinPrefetchCount || r.prefetch > MaxPrefetchCount {
		return nil, fmt.Errorf("prefetch count must be between %d and %d, got %d", MinPrefetchCount, MaxPrefetchCount, r.prefetch)
	}
	if r.receiveTimeout <= 0 {
		return nil, fmt.Errorf("receive timeout must be positive, got %v", r.receiveTimeout)
	}
	r.logger = cf.Logger.WithFields(logrus.Fields{
		"entity":    cf.EntityPath,
		"partition": partitionID,
		"group":     consumerGroup,
	})
	r.link = NewFaultTolerantObject(r.openLink, r.closeLink)
	return r, nil
}

// PartitionID returns the partition the receiver reads
func (r *PartitionReceiver) PartitionID() string {
	return r.partitionID
}

// ConsumerGroup returns the consumer group the receiver reads for
func (r *PartitionReceiver) ConsumerGroup() string {
	return r.consumerGroup
}

// Address returns the partition address
func (r *PartitionReceiver) Address() string {
	return r.address
}

// Receive returns up to maxBatchSize events. It returns an empty batch
// when no event arrives within the receive timeout.
func (r *PartitionReceiver) Receive(ctx context.Context, maxBatchSize int) ([]*EventData, error) {
	if r.closed.Load() {
		return nil, ErrReceiverClosed
	}
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}

	result := util.NewFuture[[]*EventData]()
	// Reactor-owned: the link the waiter was registered on.
	var waitingOn *receiveLink
	prune := func() {
		if waitingOn != nil {
			waitingOn.prune()
		}
	}
	cancel, err := r.d.Schedule(r.receiveTimeout, func() {
		if result.Resolve(nil) {
			prune()
		}
	})
	if err != nil {
		return nil, err
	}
	result.Subscribe(func([]*EventData, error) { cancel() })
	r.link.RunOnOpenedObject(r.d, func(l *receiveLink, err error) {
		if err != nil {
			result.Fail(err)
			return
		}
		waitingOn = l
		l.receive(maxBatchSize, result)
	})

	select {
	case <-result.Done():
	case <-ctx.Done():
		// Failing the waiter keeps undelivered events buffered.
		if result.Fail(ctx.Err()) {
			_ = r.d.Invoke(prune)
		}
	}
	return result.Wait(context.Background())
}

// SetReceiveHandler starts a pump feeding handler from this receiver and
// returns it. A previously set handler is stopped first; a nil handler
// only stops it.
func (r *PartitionReceiver) SetReceiveHandler(ctx context.Context, handler ReceiveHandler, opts ...PumpOption) (*ReceivePump, error) {
	r.pumpMu.Lock()
	defer r.pumpMu.Unlock()

	if r.pump != nil {
		if _, err := r.pump.Stop().Wait(ctx); err != nil && ctx.Err() != nil {
			return nil, err
		}
		r.pump = nil
	}
	if handler == nil {
		return nil, nil
	}
	if r.closed.Load() {
		return nil, ErrReceiverClosed
	}

	opts = append([]PumpOption{WithPumpLogger(r.logger), WithPumpMetrics(r.metrics)}, opts...)
	pump := NewReceivePump(r, &reportingHandler{ReceiveHandler: handler, pid: r.partitionID, errs: r.errs}, opts...)
	r.pump = pump
	pump.Start()
	return pump, nil
}

// Close stops the pump, if any, and detaches the receive link
func (r *PartitionReceiver) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.pumpMu.Lock()
	pump := r.pump
	r.pump = nil
	r.pumpMu.Unlock()
	if pump != nil {
		if _, err := pump.Stop().Wait(ctx); err != nil && ctx.Err() != nil {
			return err
		}
	}
	return r.link.CloseAndWait(ctx, r.d)
}

// openLink is the OpenOperation of the receive link
func (r *PartitionReceiver) openLink(onOpened func(*receiveLink, error)) {
	reported := false
	report := func(l *receiveLink, err error) {
		if reported {
			return
		}
		reported = true
		if err != nil {
			r.metrics.LinkError(err)
		}
		onOpened(l, err)
	}
	r.provider.GetSession(r.address, func(s engine.Session) {
		l := &receiveLink{owner: r}
		l.state.Store(int32(StateOpening))
		release := func() {}
		l.open(s, func(err error) {
			release()
			if err != nil {
				report(nil, err)
				return
			}
			r.conn.RegisterForConnectionError(l.link)
			report(l, nil)
		})
		if l.State() == StateOpening {
			release = trackOpen(r.provider, l.OnOpenComplete)
		}
	}, func(err error) {
		report(nil, err)
	})
}

// closeLink is the CloseOperation of the receive link
func (r *PartitionReceiver) closeLink(l *receiveLink, onClosed func(error)) {
	l.close(func(err error) {
		r.conn.DeregisterForConnectionError(l.link)
		onClosed(err)
	})
}

func (r *PartitionReceiver) receiverOptions() engine.ReceiverOptions {
	opts := engine.ReceiverOptions{Selector: r.position.Selector()}
	if r.epoch != nil {
		opts.Properties = map[string]any{EpochProperty: *r.epoch}
	}
	return opts
}

// reportingHandler reports pump failures to the factory ErrorHandler
type reportingHandler struct {
	ReceiveHandler
	pid  string
	errs ErrorHandler
}

func (h *reportingHandler) OnError(err error) {
	h.errs.HandleReceiveError(h.pid, err)
	h.ReceiveHandler.OnError(err)
}

type receiveWaiter struct {
	max    int
	result *util.Future[[]*EventData]
}

// receiveLink is one attach of a PartitionReceiver. Everything except
// State is reactor goroutine only.
type receiveLink struct {
	owner *PartitionReceiver
	link  engine.Receiver
	state atomic.Int32

	onOpen   func(error)
	onClose  func(error)
	closeErr error

	buffer  []*EventData
	waiters []*receiveWaiter
}

var _ AmqpReceiver = (*receiveLink)(nil)

func (l *receiveLink) State() IOObjectState {
	return IOObjectState(l.state.Load())
}

func (l *receiveLink) open(s engine.Session, onOpen func(error)) {
	r := l.owner
	stopTimer := func() {}
	l.onOpen = func(err error) {
		stopTimer()
		onOpen(err)
	}
	name := fmt.Sprintf("%s-%d", r.partitionID, r.nextID.Add(1))
	l.link = s.OpenReceiver(name, r.address, r.receiverOptions(), NewReceiveLinkHandler(l, r.logger))
	l.link.Flow(uint32(r.prefetch))

	timeout := r.openTimeout
	cancel, err := r.d.Schedule(timeout, func() {
		l.OnOpenComplete(&TimeoutError{Op: "open receiver " + r.address, After: timeout})
	})
	if err != nil {
		l.OnOpenComplete(err)
		return
	}
	stopTimer = cancel
}

func (l *receiveLink) OnOpenComplete(err error) {
	if l.State() != StateOpening {
		return
	}
	if err != nil {
		l.closeErr = err
		l.state.Store(int32(StateClosing))
		if l.link.LocalState() != engine.StateClosed {
			l.link.Close()
		}
	} else {
		l.state.Store(int32(StateOpened))
		l.owner.metrics.LinkOpened()
		l.owner.logger.WithField("selector", l.owner.position.Selector()).Debug("receive link opened")
	}
	l.reportOpen(err)
}

func (l *receiveLink) OnClose(err error) {
	if err != nil && l.closeErr == nil {
		l.closeErr = err
	}
	prev := l.State()
	l.state.Store(int32(StateClosed))
	l.owner.conn.DeregisterForConnectionError(l.link)
	if prev == StateOpening {
		l.reportOpen(errOr(err, ErrReceiverClosed))
	}
	if err != nil && prev == StateOpened {
		l.owner.metrics.LinkError(err)
		l.owner.errs.HandleLinkError(l.link.Name(), err)
	}

	cause := errOr(l.closeErr, ErrReceiverClosed)
	waiters := l.waiters
	l.waiters = nil
	l.buffer = nil
	for _, w := range waiters {
		w.result.Fail(cause)
	}
	if cb := l.onClose; cb != nil {
		l.onClose = nil
		cb(err)
	}
}

func (l *receiveLink) reportOpen(err error) {
	if cb := l.onOpen; cb != nil {
		l.onOpen = nil
		cb(err)
	}
}

func (l *receiveLink) OnReceiveComplete(d engine.Delivery) {
	msg := d.Message()
	d.Settle()
	if msg == nil {
		l.link.Flow(1)
		return
	}
	l.buffer = append(l.buffer, newEventData(msg))
	l.dispatch()
}

// receive registers a waiter for up to max events
func (l *receiveLink) receive(max int, result *util.Future[[]*EventData]) {
	l.prune()
	if result.IsDone() {
		return
	}
	l.waiters = append(l.waiters, &receiveWaiter{max: max, result: result})
	l.dispatch()
}

// prune drops waiters that timed out or were cancelled
func (l *receiveLink) prune() {
	l.waiters = slices.DeleteFunc(l.waiters, func(w *receiveWaiter) bool {
		return w.result.IsDone()
	})
}

// dispatch hands buffered events to waiters in arrival order and returns
// the consumed credit to the peer
func (l *receiveLink) dispatch() {
	for len(l.waiters) > 0 && len(l.buffer) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		n := min(w.max, len(l.buffer))
		batch := append([]*EventData(nil), l.buffer[:n]...)
		if !w.result.Resolve(batch) {
			// Timed out or cancelled meanwhile.
			continue
		}
		l.buffer = l.buffer[n:]
		last := batch[n-1].SystemProperties
		if last.Offset != "" {
			l.owner.position = FromOffset(last.Offset, false)
		}
		if l.State() == StateOpened {
			l.link.Flow(uint32(n))
		}
	}
}

func (l *receiveLink) close(onClose func(error)) {
	if l.State() == StateClosed {
		onClose(nil)
		return
	}
	if prev := l.onClose; prev != nil {
		l.onClose = func(err error) {
			prev(err)
			onClose(err)
		}
		return
	}
	l.onClose = onClose
	l.state.Store(int32(StateClosing))
	if l.link.LocalState() != engine.StateClosed {
		l.link.Close()
	}
}
