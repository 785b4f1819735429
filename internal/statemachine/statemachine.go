// Package statemachine implements the Deployment status transition table.
package statemachine

import (
	"github.com/layer3studios/proxyclaw/internal/apperr"
	"github.com/layer3studios/proxyclaw/internal/store"
)

// table[from] is the set of states from may transition to, excluding the
// always-legal escape hatches (error, idle) and self-transitions, which
// Transition handles separately.
var table = map[store.Status]map[store.Status]bool{
	store.StatusIdle: {
		store.StatusConfiguring:  true,
		store.StatusProvisioning: true,
	},
	store.StatusConfiguring: {
		store.StatusProvisioning: true,
	},
	store.StatusProvisioning: {
		store.StatusStarting: true,
	},
	store.StatusStarting: {
		store.StatusHealthy: true,
	},
	store.StatusHealthy: {
		store.StatusStopped:    true,
		store.StatusRestarting: true,
	},
	store.StatusStopped: {
		store.StatusIdle:        true,
		store.StatusConfiguring: true,
		store.StatusStarting:    true,
	},
	store.StatusRestarting: {
		store.StatusStarting: true,
		store.StatusHealthy:  true,
	},
	store.StatusError: {
		store.StatusIdle:        true,
		store.StatusConfiguring: true,
		store.StatusStopped:     true,
		store.StatusRestarting:  true,
	},
}

// isEscapeHatch reports whether to is always reachable regardless of from.
func isEscapeHatch(to store.Status) bool {
	return to == store.StatusError || to == store.StatusIdle
}

// CanTransition reports whether from → to is a legal transition: a
// self-transition, a table-permitted move, or one of the two escape
// hatches (error, idle).
func CanTransition(from, to store.Status) bool {
	if from == to {
		return true
	}
	if isEscapeHatch(to) {
		return true
	}
	allowed, ok := table[from]
	return ok && allowed[to]
}

// IsEscapeHatchUse reports whether from → to uses an escape hatch that the
// table itself would not have permitted — callers should log this at
// warning level, since frequent use signals a bug elsewhere.
func IsEscapeHatchUse(from, to store.Status) bool {
	if from == to || !isEscapeHatch(to) {
		return false
	}
	allowed, ok := table[from]
	return !(ok && allowed[to])
}

// Transition validates from → to and returns an apperr.State error if the
// move is not in the table and is not an escape hatch.
func Transition(from, to store.Status) error {
	if !CanTransition(from, to) {
		return apperr.State(string(from) + " -> " + string(to) + " is not a permitted transition")
	}
	return nil
}
