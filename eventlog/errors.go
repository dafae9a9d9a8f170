package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"

	"github.com/israelio/eventlog-go-client/internal/reactor"
)

// Error conditions defined by the service on top of the AMQP set
const (
	CondServerBusy          amqp.ErrCond = "com.microsoft:server-busy"
	CondTimeout             amqp.ErrCond = "com.microsoft:timeout"
	CondArgumentError       amqp.ErrCond = "com.microsoft:argument-error"
	CondArgumentOutOfRange  amqp.ErrCond = "com.microsoft:argument-out-of-range-error"
	CondEntityDisabled      amqp.ErrCond = "com.microsoft:entity-disabled"
	CondEntityAlreadyExists amqp.ErrCond = "com.microsoft:entity-already-exists"
	CondPartitionNotOwned   amqp.ErrCond = "com.microsoft:partition-not-owned"
	CondStoreLockLost       amqp.ErrCond = "com.microsoft:store-lock-lost"
	CondPublisherRevoked    amqp.ErrCond = "com.microsoft:publisher-revoked"
)

// Predefined errors
var (
	ErrConnectionClosed = errors.New("eventlog: connection closed")
	ErrChannelClosed    = errors.New("eventlog: channel closed")
	ErrReceiverClosed   = errors.New("eventlog: receiver closed")
	ErrInvalidResponse  = errors.New("eventlog: invalid management response")
)

type errorClass struct {
	class     error
	transient bool
}

// conditionClasses maps error conditions to an error class and whether the
// failure is worth retrying.
var conditionClasses = map[amqp.ErrCond]errorClass{
	amqp.ErrCondNotFound:              {errdefs.ErrNotFound, false},
	amqp.ErrCondUnauthorizedAccess:    {errdefs.ErrPermissionDenied, false},
	amqp.ErrCondResourceLimitExceeded: {errdefs.ErrResourceExhausted, false},
	amqp.ErrCondInternalError:         {errdefs.ErrInternal, true},
	amqp.ErrCondConnectionForced:      {errdefs.ErrUnavailable, true},
	amqp.ErrCondDetachForced:          {errdefs.ErrUnavailable, true},
	amqp.ErrCondStolen:                {errdefs.ErrAborted, false},
	amqp.ErrCondIllegalState:          {errdefs.ErrFailedPrecondition, false},
	amqp.ErrCondNotAllowed:            {errdefs.ErrInvalidArgument, false},
	amqp.ErrCondNotImplemented:        {errdefs.ErrNotImplemented, false},
	amqp.ErrCondMessageSizeExceeded:   {errdefs.ErrInvalidArgument, false},
	CondServerBusy:                    {errdefs.ErrUnavailable, true},
	CondTimeout:                       {context.DeadlineExceeded, true},
	CondArgumentError:                 {errdefs.ErrInvalidArgument, false},
	CondArgumentOutOfRange:            {errdefs.ErrInvalidArgument, false},
	CondEntityDisabled:                {errdefs.ErrFailedPrecondition, false},
	CondEntityAlreadyExists:           {errdefs.ErrAlreadyExists, false},
	CondPartitionNotOwned:             {errdefs.ErrUnavailable, true},
	CondStoreLockLost:                 {errdefs.ErrUnavailable, true},
	CondPublisherRevoked:              {errdefs.ErrPermissionDenied, false},
}

// statusClasses maps management status codes the same way
var statusClasses = map[int]errorClass{
	400: {errdefs.ErrInvalidArgument, false},
	401: {errdefs.ErrUnauthenticated, false},
	403: {errdefs.ErrPermissionDenied, false},
	404: {errdefs.ErrNotFound, false},
	408: {context.DeadlineExceeded, true},
	409: {errdefs.ErrConflict, false},
	410: {errdefs.ErrNotFound, false},
	500: {errdefs.ErrInternal, true},
	503: {errdefs.ErrUnavailable, true},
	504: {context.DeadlineExceeded, true},
}

// AmqpError is a link or connection failure carrying the peer's error condition
type AmqpError struct {
	Condition   amqp.ErrCond
	Description string
	Info        map[string]any
	Transient   bool
	class       error
}

// Error implements the error interface
func (e *AmqpError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("amqp error %s", e.Condition)
	}
	return fmt.Sprintf("amqp error %s: %s", e.Condition, e.Description)
}

// Unwrap returns the error class, for use with errdefs.Is* helpers
func (e *AmqpError) Unwrap() error {
	return e.class
}

// ConditionToError converts an AMQP error condition into an *AmqpError.
// It returns nil for a nil condition.
func ConditionToError(cond *amqp.Error) error {
	if cond == nil {
		return nil
	}
	ec, ok := conditionClasses[cond.Condition]
	if !ok {
		ec = errorClass{class: errdefs.ErrUnknown}
	}
	return &AmqpError{
		Condition:   cond.Condition,
		Description: cond.Description,
		Info:        cond.Info,
		Transient:   ec.transient,
		class:       ec.class,
	}
}

// TimeoutError is raised locally when a deadline armed on the reactor fires
// before the peer answered.
type TimeoutError struct {
	Op    string
	After time.Duration
	Msg   string
}

// Error implements the error interface
func (e *TimeoutError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("%s timed out after %v", e.Op, e.After)
}

// Unwrap makes timeouts match context.DeadlineExceeded
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// Timeout reports true
func (e *TimeoutError) Timeout() bool {
	return true
}

// ServiceError is a failure declared by the service in a management response
type ServiceError struct {
	StatusCode  int
	Description string
	Condition   amqp.ErrCond
	Transient   bool
	class       error
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Condition != "" {
		return fmt.Sprintf("service error %d (%s): %s", e.StatusCode, e.Condition, e.Description)
	}
	return fmt.Sprintf("service error %d: %s", e.StatusCode, e.Description)
}

// Unwrap returns the error class
func (e *ServiceError) Unwrap() error {
	return e.class
}

// StatusCodeToError converts a management status code and description into
// a *ServiceError. condition, when set, takes precedence over the status
// code for classification.
func StatusCodeToError(code int, description string, condition amqp.ErrCond) error {
	ec, ok := statusClasses[code]
	if !ok {
		ec = errorClass{class: errdefs.ErrUnknown, transient: code >= 500}
	}
	if condition != "" {
		if cc, ok := conditionClasses[condition]; ok {
			ec = cc
		}
	}
	return &ServiceError{
		StatusCode:  code,
		Description: description,
		Condition:   condition,
		Transient:   ec.transient,
		class:       ec.class,
	}
}

// IsTransient reports whether retrying the failed operation may succeed.
// Nothing in this package retries on its own.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var (
		amqpErr    *AmqpError
		serviceErr *ServiceError
		timeoutErr *TimeoutError
		ioErr      *reactor.IOError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return true
	case errors.As(err, &amqpErr):
		return amqpErr.Transient
	case errors.As(err, &serviceErr):
		return serviceErr.Transient
	case errors.As(err, &ioErr):
		return false
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrChannelClosed):
		return true
	}
	return false
}

// errOr returns err, or fallback when err is nil
func errOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}

// ErrorHandler receives failures that have no caller to return to
type ErrorHandler interface {
	HandleConnectionError(conn *Connection, err error)
	HandleLinkError(link string, err error)
	HandleReceiveError(partitionID string, err error)
}

// DefaultErrorHandler logs every failure
type DefaultErrorHandler struct {
	Logger logrus.FieldLogger
}

func (h *DefaultErrorHandler) logger() logrus.FieldLogger {
	if h.Logger == nil {
		return logrus.StandardLogger()
	}
	return h.Logger
}

// HandleConnectionError logs connection errors
func (h *DefaultErrorHandler) HandleConnectionError(conn *Connection, err error) {
	entry := h.logger().WithError(err)
	if conn != nil {
		entry = entry.WithField("connection", conn.ContainerID())
	}
	entry.Warn("connection error")
}

// HandleLinkError logs link errors
func (h *DefaultErrorHandler) HandleLinkError(link string, err error) {
	h.logger().WithError(err).WithField("link", link).Warn("link error")
}

// HandleReceiveError logs receive pump errors
func (h *DefaultErrorHandler) HandleReceiveError(partitionID string, err error) {
	h.logger().WithError(err).WithField("partition", partitionID).Warn("receive error")
}
