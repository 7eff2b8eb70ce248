// Package election decides which candidate is the master of an
// application and keeps the persisted cluster state in line with that
// decision.
package election

import "fmt"

// Phase is where the controller stands within a single pass.
type Phase string

const (
	PhaseLoading         Phase = "LOADING"
	PhaseNoMaster        Phase = "NO_MASTER"
	PhaseMasterHealthy   Phase = "MASTER_HEALTHY"
	PhaseMasterUnhealthy Phase = "MASTER_UNHEALTHY"
	PhaseElecting        Phase = "ELECTING"
)

type Event string

const (
	EventNoMaster      Event = "no_master"
	EventMasterAlive   Event = "master_alive"
	EventMasterDead    Event = "master_dead"
	EventMasterDropped Event = "master_dropped"
	EventElect         Event = "elect"
)

var transitions = map[Phase]map[Event]Phase{
	PhaseLoading: {
		EventNoMaster:    PhaseNoMaster,
		EventMasterAlive: PhaseMasterHealthy,
		EventMasterDead:  PhaseMasterUnhealthy,
	},
	PhaseMasterHealthy: {
		// Peers no longer report the master, it was moved elsewhere.
		EventMasterDropped: PhaseMasterUnhealthy,
	},
	PhaseNoMaster: {
		EventElect: PhaseElecting,
	},
	PhaseMasterUnhealthy: {
		EventElect: PhaseElecting,
	},
}

func transition(phase Phase, ev Event) (Phase, error) {
	next, ok := transitions[phase][ev]
	if !ok {
		return phase, fmt.Errorf("invalid transition from %s on %s", phase, ev)
	}
	return next, nil
}
