package eventlog

// IOObjectState is the lifecycle state of a managed AMQP resource
type IOObjectState int32

const (
	StateOpening IOObjectState = iota
	StateOpened
	StateClosing
	StateClosed
)

// String returns a string representation of the state
func (s IOObjectState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IOObject is a resource whose state is driven by engine events
type IOObject interface {
	State() IOObjectState
}
