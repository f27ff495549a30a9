package types

// Status is the lifecycle state shared by replay controllers and engine
// managers. The transition graph is identical in shape for both:
// Initialized -> Running -> (Paused <-> Running) -> {Stopped, Completed, Error}.
// Error is terminal until Reset.
type Status int

const (
	StatusInitialized Status = iota
	StatusRunning
	StatusPaused
	StatusStopped
	StatusCompleted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "INITIALIZED"
	case StatusRunning:
		return "RUNNING"
	case StatusPaused:
		return "PAUSED"
	case StatusStopped:
		return "STOPPED"
	case StatusCompleted:
		return "COMPLETED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is one of the end states.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// Live reports whether the component can still make progress without a reset.
func (s Status) Live() bool {
	return !s.Terminal()
}
