package turn

// State is the lifecycle state of one model response cycle.
type State int

const (
	StateIdle State = iota
	StateRequested
	StateCreated
	StateStreaming
	StateDone
	StateCancelled
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequested:
		return "REQUESTED"
	case StateCreated:
		return "CREATED"
	case StateStreaming:
		return "STREAMING"
	case StateDone:
		return "DONE"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether a cycle in this state can still produce output.
func (s State) Active() bool {
	return s == StateRequested || s == StateCreated || s == StateStreaming
}
