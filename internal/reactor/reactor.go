package reactor

import (
	"context"
	"errors"
	"sync"

	"github.com/joeycumines/go-eventloop"
	"github.com/sirupsen/logrus"
)

// Reactor owns the event loop goroutine
type Reactor struct {
	loop       *eventloop.Loop
	dispatcher *Dispatcher
	logger     logrus.FieldLogger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
}

// New creates a reactor. Call Start before submitting work that must run.
func New(logger logrus.FieldLogger) (*Reactor, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	loop, err := eventloop.New()
	if err != nil {
		return nil, &IOError{Op: "create", Err: err}
	}
	logger = logger.WithField("component", "reactor")
	return &Reactor{
		loop:       loop,
		dispatcher: NewDispatcher(loop, logger),
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Dispatcher returns the dispatcher feeding this reactor
func (r *Reactor) Dispatcher() *Dispatcher {
	return r.dispatcher
}

// Start runs the loop on its own goroutine until ctx is done or Shutdown is called
func (r *Reactor) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		go func() {
			defer close(r.done)
			err := r.loop.Run(ctx)
			r.dispatcher.Stop()
			if err != nil && !errors.Is(err, context.Canceled) {
				r.runErr = err
				r.logger.WithError(err).Warn("reactor stopped with error")
				return
			}
			r.logger.Debug("reactor stopped")
		}()
	})
}

// Done is closed once the loop goroutine has exited
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Shutdown stops accepting work, stops the loop and waits for it to exit.
// Delayed tasks still armed run once before Done is closed.
func (r *Reactor) Shutdown(ctx context.Context) error {
	started := true
	r.startOnce.Do(func() {
		started = false
		r.dispatcher.Stop()
		close(r.done)
	})
	r.stopOnce.Do(func() {
		r.dispatcher.Close()
		if started && r.cancel != nil {
			r.cancel()
		}
	})
	select {
	case <-r.done:
		return r.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
