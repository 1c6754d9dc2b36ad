package hsm

import (
	"testing"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
)

func TestRunTransitions(t *testing.T) {
	if !CanTransitionRun(model.RunStatusCreated, model.RunStatusRunning) {
		t.Fatalf("expected created -> running transition to be allowed")
	}
	if !CanTransitionRun(model.RunStatusRunning, model.RunStatusComplete) {
		t.Fatalf("expected running -> completed transition to be allowed")
	}
	if !CanTransitionRun(model.RunStatusStopped, model.RunStatusRunning) {
		t.Fatalf("expected stopped -> running transition to be allowed")
	}
	if !CanTransitionRun(model.RunStatusComplete, model.RunStatusRunning) {
		t.Fatalf("expected completed -> running transition to be allowed")
	}
	if CanTransitionRun(model.RunStatusCreated, model.RunStatusComplete) {
		t.Fatalf("expected created -> completed transition to be disallowed")
	}
	if CanTransitionRun(model.RunStatusStopped, model.RunStatusFailed) {
		t.Fatalf("expected stopped -> failed transition to be disallowed")
	}
}

func TestPhaseTransitions(t *testing.T) {
	if !CanTransitionPhase(model.PhaseIdle, model.PhaseBootstrapping) {
		t.Fatalf("expected idle -> bootstrapping transition to be allowed")
	}
	if !CanTransitionPhase(model.PhaseBootstrapping, model.PhaseBootstrapping) {
		t.Fatalf("expected bootstrapping self transition to be allowed")
	}
	if !CanTransitionPhase(model.PhaseCheckpointing, model.PhaseVerifying) {
		t.Fatalf("expected checkpointing -> verifying transition to be allowed")
	}
	if !CanTransitionPhase(model.PhaseSelecting, model.PhaseCompleted) {
		t.Fatalf("expected selecting -> completed transition to be allowed")
	}
	if !CanTransitionPhase(model.PhaseExecuting, model.PhaseIdle) {
		t.Fatalf("expected executing -> idle transition to be allowed")
	}
	if CanTransitionPhase(model.PhaseCompleted, model.PhaseSelecting) {
		t.Fatalf("expected completed -> selecting transition to be disallowed")
	}
	if CanTransitionPhase(model.PhaseExecuting, model.PhaseCheckpointing) {
		t.Fatalf("expected executing -> checkpointing transition to be disallowed")
	}
	if !IsTerminalPhase(model.PhaseFailed) {
		t.Fatalf("expected failed phase to be terminal")
	}
	if IsTerminalPhase(model.PhaseSelecting) {
		t.Fatalf("expected selecting phase to be non-terminal")
	}
}

func TestSessionTransitions(t *testing.T) {
	if !CanTransitionSession(model.SessionStatusRunning, model.SessionStatusTruncated) {
		t.Fatalf("expected running -> truncated session transition to be allowed")
	}
	if CanTransitionSession(model.SessionStatusCompleted, model.SessionStatusRunning) {
		t.Fatalf("expected completed -> running session transition to be disallowed")
	}
}

func TestRoleTransitions(t *testing.T) {
	if !CanTransitionRole(model.RoleStatusPending, model.RoleStatusComplete) {
		t.Fatalf("expected pending -> completed role transition to be allowed")
	}
	if !CanTransitionRole(model.RoleStatusFailed, model.RoleStatusRunning) {
		t.Fatalf("expected failed -> running role transition to be allowed")
	}
	if CanTransitionRole(model.RoleStatusComplete, model.RoleStatusRunning) {
		t.Fatalf("expected completed -> running role transition to be disallowed")
	}
}
