package connection

// State is a step of the connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAccepted
	StateSessionInitializing
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAccepted:
		return "accepted"
	case StateSessionInitializing:
		return "session_initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
