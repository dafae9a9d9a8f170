package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/israelio/eventlog-go-client/internal/util"
)

// DefaultMaxBatchSize is used when a handler asks for a non-positive batch
const DefaultMaxBatchSize = 10

// Receiver pulls batches of events from one partition
type Receiver interface {
	PartitionID() string
	// Receive returns up to maxBatchSize events, or an empty batch when
	// none arrived in time. It may return early when ctx is done.
	Receive(ctx context.Context, maxBatchSize int) ([]*EventData, error)
}

// ReceiveHandler consumes batches delivered by a ReceivePump
type ReceiveHandler interface {
	// OnReceive gets a non-empty batch, or nil when the pump invokes on
	// empty reads. A returned error stops the pump.
	OnReceive(events []*EventData) error
	// OnError is told why the pump stopped
	OnError(err error)
	MaxBatchSize() int
}

// ReceiveHandlerFuncs adapts plain functions to ReceiveHandler
type ReceiveHandlerFuncs struct {
	Receive   func(events []*EventData) error
	Error     func(err error)
	BatchSize int
}

// OnReceive delegates to Receive
func (f ReceiveHandlerFuncs) OnReceive(events []*EventData) error {
	if f.Receive == nil {
		return nil
	}
	return f.Receive(events)
}

// OnError delegates to Error
func (f ReceiveHandlerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// MaxBatchSize returns BatchSize
func (f ReceiveHandlerFuncs) MaxBatchSize() int {
	return f.BatchSize
}

// PumpOption configures a ReceivePump
type PumpOption func(*ReceivePump)

// WithInvokeOnEmpty makes the pump call OnReceive(nil) for empty reads
func WithInvokeOnEmpty(invoke bool) PumpOption {
	return func(p *ReceivePump) {
		p.invokeOnEmpty = invoke
	}
}

// WithPumpLogger sets the pump logger
func WithPumpLogger(logger logrus.FieldLogger) PumpOption {
	return func(p *ReceivePump) {
		p.logger = logger
	}
}

// WithPumpMetrics sets the pump metrics collector
func WithPumpMetrics(metrics MetricsCollector) PumpOption {
	return func(p *ReceivePump) {
		p.metrics = metrics
	}
}

// ReceivePump drives a ReceiveHandler from its own goroutine until stopped
// or until the first receive or handler failure. A pump never restarts;
// watch Done and create a new one.
//
// Stopping is cooperative. The stop signal is checked before every receive
// and before every handler call, and is passed to Receive as a context. A
// Receiver that ignores its context finishes the current receive first.
type ReceivePump struct {
	receiver      Receiver
	handler       ReceiveHandler
	invokeOnEmpty bool
	logger        logrus.FieldLogger
	metrics       MetricsCollector

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    *util.Future[struct{}]
}

// NewReceivePump creates a pump; call Start or Run to begin receiving
func NewReceivePump(receiver Receiver, handler ReceiveHandler, opts ...PumpOption) *ReceivePump {
	p := &ReceivePump{
		receiver: receiver,
		handler:  handler,
		logger:   logrus.StandardLogger(),
		metrics:  NewNoOpMetricsCollector(),
		done:     util.NewFuture[struct{}](),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithField("partition", receiver.PartitionID())
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start runs the pump on a new goroutine
func (p *ReceivePump) Start() {
	go p.Run()
}

// Run receives until stopped or failed. It returns immediately if the pump
// already ran.
func (p *ReceivePump) Run() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	defer p.cancel()

	err := p.loop()
	if err != nil {
		p.logger.WithError(err).Warn("receive pump stopped")
	} else {
		p.logger.Debug("receive pump stopped")
	}
	p.done.Complete(struct{}{}, err)
}

func (p *ReceivePump) loop() error {
	pid := p.receiver.PartitionID()
	batchSize := p.handler.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = DefaultMaxBatchSize
	}

	for p.ctx.Err() == nil {
		events, err := p.receiver.Receive(p.ctx, batchSize)
		if err != nil {
			if p.ctx.Err() != nil && errors.Is(err, context.Canceled) {
				// Stopped while receiving.
				return nil
			}
			err = fmt.Errorf("receive from partition %s: %w", pid, err)
			p.metrics.PumpError(pid, err)
			p.handler.OnError(err)
			return err
		}

		if len(events) == 0 && !p.invokeOnEmpty {
			continue
		}
		if p.ctx.Err() != nil {
			// Stopped while receiving; the batch is not delivered.
			p.logger.WithField("events", len(events)).Debug("dropping batch received after stop")
			return nil
		}
		if len(events) == 0 {
			events = nil
		} else {
			p.metrics.EventsReceived(pid, len(events))
		}

		if err := p.invoke(events); err != nil {
			err = fmt.Errorf("handler for partition %s: %w", pid, err)
			p.metrics.PumpError(pid, err)
			p.handler.OnError(err)
			if errors.Is(err, context.Canceled) {
				p.cancel()
			}
			return err
		}
	}
	return nil
}

// invoke calls the handler, turning a panic into an error
func (p *ReceivePump) invoke(events []*EventData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler.OnReceive(events)
}

// Stop asks the pump to finish and returns its termination future. The
// future fails with the error that ended the pump, if any.
func (p *ReceivePump) Stop() *util.Future[struct{}] {
	p.cancel()
	if !p.started.Load() {
		// Never ran, so nothing else completes the future.
		if p.started.CompareAndSwap(false, true) {
			p.done.Resolve(struct{}{})
		}
	}
	return p.done
}

// IsRunning reports whether the pump has not terminated yet
func (p *ReceivePump) IsRunning() bool {
	return !p.done.IsDone()
}

// Done returns the termination future
func (p *ReceivePump) Done() *util.Future[struct{}] {
	return p.done
}
