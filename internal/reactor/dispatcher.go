// Package reactor runs every engine-facing task on a single goroutine.
//
// A Dispatcher is the only legal way to touch link, session or channel state.
// Work submitted through it runs on the reactor goroutine in submission order
// and must never block.
package reactor

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-eventloop"
	"github.com/sirupsen/logrus"
)

// ErrShutdown is wrapped by every IOError caused by a stopped reactor
var ErrShutdown = errors.New("reactor is shutting down")

// Loop is the subset of an event loop the dispatcher needs.
// *eventloop.Loop implements it.
type Loop interface {
	Submit(task func()) error
	ScheduleTimer(delay time.Duration, fn func()) (eventloop.TimerID, error)
	CancelTimer(id eventloop.TimerID) error
}

// IOError reports that work could not be handed to the reactor
type IOError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *IOError) Error() string {
	return fmt.Sprintf("reactor %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause
func (e *IOError) Unwrap() error {
	return e.Err
}

// Dispatcher schedules tasks onto the reactor goroutine
type Dispatcher struct {
	loop   Loop
	closed atomic.Bool
	logger logrus.FieldLogger

	mu      sync.Mutex
	nextKey uint64
	delayed map[uint64]*delayedTask
}

// delayedTask is a task armed on a loop timer
type delayedTask struct {
	task  func()
	timer eventloop.TimerID
}

// NewDispatcher creates a dispatcher that submits to loop
func NewDispatcher(loop Loop, logger logrus.FieldLogger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{loop: loop, logger: logger, delayed: make(map[uint64]*delayedTask)}
}

// Invoke schedules task to run on the reactor goroutine. A non-nil error
// means the task will never run.
func (d *Dispatcher) Invoke(task func()) error {
	if d.closed.Load() {
		return &IOError{Op: "invoke", Err: ErrShutdown}
	}
	if err := d.loop.Submit(task); err != nil {
		return &IOError{Op: "invoke", Err: err}
	}
	return nil
}

// InvokeAfter schedules task to run on the reactor goroutine once delay has
// elapsed. A non-nil error means the task will never run; otherwise it runs
// exactly once, early if the reactor stops first.
func (d *Dispatcher) InvokeAfter(delay time.Duration, task func()) error {
	_, err := d.Schedule(delay, task)
	return err
}

// Schedule is InvokeAfter returning a cancel function. Cancel drops the task
// if it has not run yet and is safe to call from any goroutine, repeatedly.
//
// The loop timer is armed from the reactor goroutine so the delay is measured
// from the loop's current tick. Tasks still armed when the reactor stops are
// run by Stop instead, so timeouts always fire.
func (d *Dispatcher) Schedule(delay time.Duration, task func()) (cancel func(), err error) {
	if d.closed.Load() {
		return nil, &IOError{Op: "invoke after", Err: ErrShutdown}
	}

	d.mu.Lock()
	d.nextKey++
	key := d.nextKey
	entry := &delayedTask{task: task}
	d.delayed[key] = entry
	d.mu.Unlock()

	arm := func() {
		d.mu.Lock()
		_, pending := d.delayed[key]
		d.mu.Unlock()
		if !pending {
			return
		}
		id, err := d.loop.ScheduleTimer(delay, func() {
			if t := d.take(key); t != nil {
				t()
			}
		})
		if err != nil {
			// The loop is stopping; Stop runs the task.
			d.logger.WithError(err).WithField("delay", delay).Debug("could not arm reactor timer")
			return
		}
		d.mu.Lock()
		entry.timer = id
		d.mu.Unlock()
	}
	if err := d.loop.Submit(arm); err != nil {
		d.take(key)
		return nil, &IOError{Op: "invoke after", Err: err}
	}
	return func() { d.cancel(key) }, nil
}

// take removes the task stored under key, returning nil if it already ran
// or was cancelled
func (d *Dispatcher) take(key uint64) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.delayed[key]
	if !ok {
		return nil
	}
	delete(d.delayed, key)
	return entry.task
}

func (d *Dispatcher) cancel(key uint64) {
	d.mu.Lock()
	entry, ok := d.delayed[key]
	if ok {
		delete(d.delayed, key)
	}
	d.mu.Unlock()
	if !ok || entry.timer == 0 || d.closed.Load() {
		return
	}
	// CancelTimer waits on the loop, so it must not run on the loop goroutine.
	go func(id eventloop.TimerID) {
		if err := d.loop.CancelTimer(id); err != nil && !errors.Is(err, eventloop.ErrTimerNotFound) {
			d.logger.WithError(err).Debug("cancel reactor timer")
		}
	}(entry.timer)
}

// Pending returns the number of delayed tasks that have not run yet
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delayed)
}

// Close makes every later Invoke fail
func (d *Dispatcher) Close() {
	d.closed.Store(true)
}

// Stop closes the dispatcher and runs every delayed task still armed, in
// scheduling order, on the calling goroutine. Call it only once the loop has
// stopped running tasks.
func (d *Dispatcher) Stop() {
	d.Close()

	d.mu.Lock()
	keys := make([]uint64, 0, len(d.delayed))
	for k := range d.delayed {
		keys = append(keys, k)
	}
	d.mu.Unlock()
	slices.Sort(keys)

	for _, k := range keys {
		if t := d.take(k); t != nil {
			d.runStopped(t)
		}
	}
}

func (d *Dispatcher) runStopped(task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("panic", r).Error("delayed reactor task panicked during shutdown")
		}
	}()
	task()
}

// IsClosed reports whether Close has been called
func (d *Dispatcher) IsClosed() bool {
	return d.closed.Load()
}
