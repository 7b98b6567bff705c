package session

import "fmt"

// State is the lifecycle state of the serial session.
type State int

const (
	Idle State = iota
	Opening
	Open
	Closing
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("state_%d", int(s))
	}
}

// Active reports whether the state holds or is acquiring a transport.
func (s State) Active() bool {
	return s == Opening || s == Open
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
