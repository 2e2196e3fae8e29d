package domain

import "errors"

// SwarmState is the registry-side lifecycle of one swarm session.
type SwarmState string

const (
	SwarmAbsent   SwarmState = "absent"
	SwarmAdding   SwarmState = "adding"   // Waiting for metadata.
	SwarmReady    SwarmState = "ready"    // File list known, streamable.
	SwarmRemoving SwarmState = "removing" // Streams being stopped, engine handle being dropped.
	SwarmFailed   SwarmState = "failed"   // Add timed out or the engine refused it.
)

var ErrInvalidTransition = errors.New("invalid state transition")

var validTransitions = map[SwarmState][]SwarmState{
	SwarmAbsent:   {SwarmAdding},
	SwarmAdding:   {SwarmReady, SwarmFailed, SwarmRemoving},
	SwarmReady:    {SwarmRemoving},
	SwarmRemoving: {SwarmAbsent},
	SwarmFailed:   {SwarmAdding, SwarmAbsent},
}

// CanTransition reports whether a swarm may move from one state to another.
func CanTransition(from, to SwarmState) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
