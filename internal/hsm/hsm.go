package hsm

import "github.com/nirmalarya/cursor-autonomous-harness/internal/model"

var runTransitions = map[model.RunStatus]map[model.RunStatus]bool{
	model.RunStatusCreated: {
		model.RunStatusRunning:  true,
		model.RunStatusStopping: true,
	},
	model.RunStatusRunning: {
		model.RunStatusStopping: true,
		model.RunStatusFailed:   true,
		model.RunStatusComplete: true,
	},
	model.RunStatusStopping: {
		model.RunStatusStopped: true,
		model.RunStatusRunning: true,
	},
	model.RunStatusStopped: {
		model.RunStatusRunning: true,
	},
	model.RunStatusFailed: {
		model.RunStatusRunning: true,
	},
	model.RunStatusComplete: {
		model.RunStatusRunning: true,
	},
}

// Every non-terminal phase may return to idle: a stop request or a resume
// after a crash re-enters the cycle from the top.
var phaseTransitions = map[model.RunPhase]map[model.RunPhase]bool{
	model.PhaseIdle: {
		model.PhaseBootstrapping: true,
		model.PhaseVerifying:     true,
		model.PhaseFailed:        true,
	},
	model.PhaseBootstrapping: {
		model.PhaseVerifying: true,
		model.PhaseSelecting: true,
		model.PhaseIdle:      true,
		model.PhaseFailed:    true,
	},
	model.PhaseVerifying: {
		model.PhaseSelecting: true,
		model.PhaseIdle:      true,
		model.PhaseFailed:    true,
	},
	model.PhaseSelecting: {
		model.PhaseExecuting: true,
		model.PhaseCompleted: true,
		model.PhaseIdle:      true,
		model.PhaseFailed:    true,
	},
	model.PhaseExecuting: {
		model.PhaseValidating: true,
		model.PhaseIdle:       true,
		model.PhaseFailed:     true,
	},
	model.PhaseValidating: {
		model.PhaseCheckpointing: true,
		model.PhaseIdle:          true,
		model.PhaseFailed:        true,
	},
	model.PhaseCheckpointing: {
		model.PhaseVerifying: true,
		model.PhaseSelecting: true,
		model.PhaseIdle:      true,
		model.PhaseFailed:    true,
	},
	model.PhaseCompleted: {
		model.PhaseIdle: true,
	},
	model.PhaseFailed: {
		model.PhaseIdle: true,
	},
}

var sessionTransitions = map[model.SessionStatus]map[model.SessionStatus]bool{
	model.SessionStatusRunning: {
		model.SessionStatusCompleted: true,
		model.SessionStatusTruncated: true,
		model.SessionStatusError:     true,
	},
}

var roleTransitions = map[model.RoleStatus]map[model.RoleStatus]bool{
	model.RoleStatusPending: {
		model.RoleStatusRunning:  true,
		model.RoleStatusComplete: true,
	},
	model.RoleStatusRunning: {
		model.RoleStatusComplete: true,
		model.RoleStatusFailed:   true,
	},
	model.RoleStatusFailed: {
		model.RoleStatusRunning: true,
	},
}

func CanTransitionRun(from model.RunStatus, to model.RunStatus) bool {
	if from == to {
		return true
	}
	return runTransitions[from][to]
}

func CanTransitionPhase(from model.RunPhase, to model.RunPhase) bool {
	if from == to {
		return true
	}
	return phaseTransitions[from][to]
}

func CanTransitionSession(from model.SessionStatus, to model.SessionStatus) bool {
	if from == to {
		return true
	}
	return sessionTransitions[from][to]
}

func CanTransitionRole(from model.RoleStatus, to model.RoleStatus) bool {
	if from == to {
		return true
	}
	return roleTransitions[from][to]
}

// IsTerminalPhase reports whether the loop stops in this phase.
func IsTerminalPhase(phase model.RunPhase) bool {
	return phase == model.PhaseCompleted || phase == model.PhaseFailed
}
