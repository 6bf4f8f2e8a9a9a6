package connection

import "fmt"

// State is a connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connected
	Initializing
	Ready
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Initializing:
		return "Initializing"
	case Ready:
		return "Ready"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// canTransition reports whether from -> to is a legal edge. Closed is
// reachable from every other state and left by none.
func canTransition(from, to State) bool {
	switch from {
	case Disconnected:
		return to == Connected || to == Closed
	case Connected:
		return to == Initializing || to == Closing || to == Closed
	case Initializing:
		return to == Ready || to == Closing || to == Closed
	case Ready:
		return to == Closing || to == Closed
	case Closing:
		return to == Closed
	case Closed:
		return false
	default:
		panic(fmt.Sprintf("connection: unhandled state %d", int(from)))
	}
}
