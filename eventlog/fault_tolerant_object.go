package eventlog

import (
	"context"

	"github.com/israelio/eventlog-go-client/internal/util"
)

// OpenOperation creates a new inner object and reports it through onOpened.
// It runs on the reactor goroutine and must call onOpened on it, exactly once.
type OpenOperation[T any] func(onOpened func(T, error))

// CloseOperation releases obj and reports through onClosed. It runs on the
// reactor goroutine and must call onClosed on it, exactly once.
type CloseOperation[T any] func(obj T, onClosed func(error))

// FaultTolerantObject lazily opens an inner object and reopens it after it
// closes or fails. At most one open and one close run at any time; callers
// arriving while one is in flight share its outcome, in arrival order.
//
// All fields are owned by the reactor goroutine.
type FaultTolerantObject[T IOObject] struct {
	openOp  OpenOperation[T]
	closeOp CloseOperation[T]

	inner    T
	hasInner bool

	// non-nil while an open or close is in flight
	opening *util.Future[T]
	closing *util.Future[struct{}]
}

// NewFaultTolerantObject creates a guard around openOp and closeOp
func NewFaultTolerantObject[T IOObject](openOp OpenOperation[T], closeOp CloseOperation[T]) *FaultTolerantObject[T] {
	return &FaultTolerantObject[T]{openOp: openOp, closeOp: closeOp}
}

// UnsafeGetIfOpened returns the inner object if it is opened. Reactor
// goroutine only.
func (f *FaultTolerantObject[T]) UnsafeGetIfOpened() (T, bool) {
	if f.hasInner && f.inner.State() == StateOpened {
		return f.inner, true
	}
	var zero T
	return zero, false
}

// RunOnOpenedObject invokes callback on the reactor with the opened inner
// object, opening one first if needed. If the reactor cannot accept the
// work, callback receives the error immediately on the calling goroutine.
func (f *FaultTolerantObject[T]) RunOnOpenedObject(d Dispatcher, callback func(T, error)) {
	if err := d.Invoke(func() { f.runOnOpened(callback) }); err != nil {
		var zero T
		callback(zero, err)
	}
}

func (f *FaultTolerantObject[T]) runOnOpened(callback func(T, error)) {
	if f.opening != nil {
		f.opening.Subscribe(callback)
		return
	}
	if obj, ok := f.UnsafeGetIfOpened(); ok {
		callback(obj, nil)
		return
	}

	// Missing, closing, closed, or stuck opening with nothing in flight.
	opening := util.NewFuture[T]()
	f.opening = opening
	opening.Subscribe(callback)
	f.openOp(func(obj T, err error) {
		f.opening = nil
		if err == nil {
			f.inner = obj
			f.hasInner = true
		}
		opening.Complete(obj, err)
	})
}

// Close closes the inner object on the reactor. A close requested while an
// open is in flight waits for that open to resolve first. If the reactor
// cannot accept the work, callback receives the error immediately.
func (f *FaultTolerantObject[T]) Close(d Dispatcher, callback func(error)) {
	if err := d.Invoke(func() { f.close(callback) }); err != nil {
		callback(err)
	}
}

func (f *FaultTolerantObject[T]) close(callback func(error)) {
	if f.closing != nil {
		f.closing.Subscribe(func(_ struct{}, err error) { callback(err) })
		return
	}
	if f.opening != nil {
		f.opening.Subscribe(func(T, error) { f.close(callback) })
		return
	}
	if !f.hasInner || f.inner.State() == StateClosed {
		callback(nil)
		return
	}

	closing := util.NewFuture[struct{}]()
	f.closing = closing
	closing.Subscribe(func(_ struct{}, err error) { callback(err) })
	f.closeOp(f.inner, func(err error) {
		f.closing = nil
		closing.Complete(struct{}{}, err)
	})
}

// OpenedObject blocks until the inner object is open or ctx is done
func (f *FaultTolerantObject[T]) OpenedObject(ctx context.Context, d Dispatcher) (T, error) {
	result := util.NewFuture[T]()
	f.RunOnOpenedObject(d, func(obj T, err error) { result.Complete(obj, err) })
	return result.Wait(ctx)
}

// CloseAndWait blocks until the inner object is closed or ctx is done
func (f *FaultTolerantObject[T]) CloseAndWait(ctx context.Context, d Dispatcher) error {
	result := util.NewFuture[struct{}]()
	f.Close(d, func(err error) { result.Complete(struct{}{}, err) })
	_, err := result.Wait(ctx)
	return err
}
