package task

import "github.com/pkg/errors"

// State is the lifecycle state of a ConnectorTask.
type State int

const (
	Created State = iota
	Running
	Paused
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case Stopped:
		return "STOPPED"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// StateNames lists every state, for the one-hot state gauge.
var StateNames = []string{"CREATED", "RUNNING", "PAUSED", "STOPPED", "FAILED"}

// transitions is the guarded transition table. Restart re-enters
// Running from any terminal or paused state; Failed is reachable only
// from live states.
var transitions = map[State][]State{
	Created: {Running, Stopped},
	Running: {Paused, Stopped, Failed},
	Paused:  {Running, Stopped, Failed},
	Stopped: {Running},
	Failed:  {Running, Stopped},
}

func canTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is wrapped with the offending from/to pair.
var ErrIllegalTransition = errors.New("illegal task state transition")
