package lsp

// State is the public lifecycle state of a Client.
type State int

const (
	// StateStopped indicates the client is not running.
	StateStopped State = iota
	// StateStarting indicates the connection and handshake are in progress.
	StateStarting
	// StateStartFailed indicates the last start attempt failed.
	StateStartFailed
	// StateRunning indicates the client is ready for requests.
	StateRunning
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStartFailed:
		return "start failed"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// StateChangeEvent is delivered to state listeners when the public state
// changes.
type StateChangeEvent struct {
	OldState State
	NewState State
}

// clientState is the finer internal lifecycle state.
type clientState int

const (
	stateInitial clientState = iota
	stateStarting
	stateStartFailed
	stateRunning
	stateStopping
	stateStopped
)

func (s clientState) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateStarting:
		return "starting"
	case stateStartFailed:
		return "start failed"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// public projects the internal state onto the public one.
func (s clientState) public() State {
	switch s {
	case stateStarting:
		return StateStarting
	case stateStartFailed:
		return StateStartFailed
	case stateRunning:
		return StateRunning
	default:
		return StateStopped
	}
}
