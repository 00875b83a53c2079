package timelapse

import "fmt"

// State is the lifecycle state of a timelapse. The numeric values are
// stored in the database, so they must never be renumbered.
type State int

const (
	Finished     State = 0
	Ready        State = 1
	Waiting      State = 2
	Running      State = 3
	ForceRunning State = 4
	Paused       State = 5
)

func (s State) String() string {
	switch s {
	case Finished:
		return "FINISHED"
	case Ready:
		return "READY"
	case Waiting:
		return "WAITING"
	case Running:
		return "RUNNING"
	case ForceRunning:
		return "FORCE_RUNNING"
	case Paused:
		return "PAUSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	return s >= Finished && s <= Paused
}

// IsRunning reports whether the state calls for an active capture loop.
func (s State) IsRunning() bool {
	return s == Running || s == ForceRunning
}
