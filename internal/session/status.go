package session

// Status is the run status of a Session. Exactly one value holds at a time.
type Status int

const (
	Idle Status = iota
	Dispatching
	Running
	WaitingForInput
	Completed
	Errored
	Cancelled
)

var statusNames = [...]string{
	Idle:            "idle",
	Dispatching:     "dispatching",
	Running:         "running",
	WaitingForInput: "waiting-for-input",
	Completed:       "completed",
	Errored:         "errored",
	Cancelled:       "cancelled",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Active reports whether a run is in flight: a new run may not be
// dispatched and server events are accepted.
func (s Status) Active() bool {
	return s == Dispatching || s == Running || s == WaitingForInput
}

// Terminal reports whether s ends a run until the next dispatch.
func (s Status) Terminal() bool {
	return s == Completed || s == Errored || s == Cancelled
}
