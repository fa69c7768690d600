package supervisor

import (
	"fmt"
)

// State is the lifecycle state of a supervised server.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Reloading
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Reloading:
		return "reloading"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var transitions = map[State][]State{
	Stopped:   {Starting},
	Starting:  {Running, Stopped},
	Running:   {Reloading, Stopping, Stopped},
	Reloading: {Running, Stopping, Stopped},
	Stopping:  {Stopped},
}

func (s State) canTransition(to State) bool {
	for _, st := range transitions[s] {
		if st == to {
			return true
		}
	}
	return false
}
