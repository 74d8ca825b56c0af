package pingd

// Status is the observable lifecycle state of a Server.
type Status uint8

const (
	// StatusBuilt means the socket is bound but nothing is serving yet.
	StatusBuilt Status = iota
	// StatusRunning means the service task has been spawned and not yet joined.
	StatusRunning
	// StatusStopped is terminal.
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusBuilt:
		return "built"
	case StatusRunning:
		return "running"
	default:
		return "stopped"
	}
}

// MarshalText renders the status as its lowercase name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
