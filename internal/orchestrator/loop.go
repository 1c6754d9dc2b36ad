package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"github.com/google/uuid"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/driver"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/hsm"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/ledger"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/policy"
)

type LoopOptions struct {
	RunID string
	// MaxSessions caps sessions for this invocation; 0 falls back to policy.
	MaxSessions int
}

type LoopResult struct {
	RunID    string
	Status   model.RunStatus
	Phase    model.RunPhase
	Sessions int
	Progress ledger.Progress
}

// loopState carries everything one RunLoop invocation needs between phases.
type loopState struct {
	run        *model.RunRecord
	cfg        policy.Config
	drv        sessionDriver
	checkpoint checkpointStore
	ledgerPath string
	ledgerFile string
	sessions   int
	cycle      int
	failures   int
}

// RunLoop drives the session state machine for one run until a terminal
// phase, a stop request, the session cap, or context cancellation. Sessions
// execute strictly sequentially; the loop blocks on each driver invocation.
func (s *Service) RunLoop(ctx context.Context, options LoopOptions) (LoopResult, error) {
	record, policyJSON, err := s.store.GetRun(options.RunID)
	if err != nil {
		return LoopResult{}, err
	}
	cfg := policy.Default()
	if strings.TrimSpace(policyJSON) != "" {
		if err := json.Unmarshal([]byte(policyJSON), &cfg); err != nil {
			return LoopResult{}, fmt.Errorf("parse stored policy for run %s: %w", options.RunID, err)
		}
	}

	if err := s.transitionRun(record.RunID, record.Status, model.RunStatusRunning, "session loop started"); err != nil {
		return LoopResult{}, err
	}
	record.Status = model.RunStatusRunning
	if err := s.store.ClearStop(record.RunID); err != nil {
		return LoopResult{}, err
	}
	// A crash mid-phase leaves the old phase behind; resume re-enters the
	// cycle from the top.
	if record.Phase != model.PhaseIdle {
		if err := s.transitionPhase(&record, model.PhaseIdle, "resuming from last checkpoint"); err != nil {
			return LoopResult{}, err
		}
	}

	policyPath := filepath.Join(record.ProjectDir, policy.DefaultPolicyPath)
	state := &loopState{
		run:        &record,
		cfg:        cfg,
		drv:        s.driverFactory(cfg, record.ProjectDir, policyPath),
		checkpoint: s.checkpointFactory(record.ProjectDir),
		ledgerFile: ledgerFileForRole(cfg.Ledger.File, record.Role),
	}
	state.ledgerPath = filepath.Join(record.ProjectDir, state.ledgerFile)
	if err := state.checkpoint.EnsureRepo(ctx, cfg.Checkpoint.AuthorName, cfg.Checkpoint.AuthorEmail); err != nil {
		return s.failLoop(state, "checkpointing", err)
	}

	maxSessions := options.MaxSessions
	if maxSessions == 0 {
		maxSessions = cfg.Loop.MaxSessions
	}

	for {
		if ctx.Err() != nil {
			return s.stopLoop(state, "context cancelled")
		}
		stopped, err := s.store.StopRequested(record.RunID)
		if err != nil {
			return s.failLoop(state, "selecting", err)
		}
		if stopped {
			return s.stopLoop(state, "stop requested")
		}

		records, bootstrapped, err := s.ensureLedger(ctx, state)
		if err != nil {
			if ctx.Err() != nil {
				return s.stopLoop(state, "context cancelled during bootstrap")
			}
			return s.failLoop(state, "bootstrapping", err)
		}
		if bootstrapped && maxSessions > 0 && state.sessions >= maxSessions {
			return s.stopLoop(state, "session cap reached")
		}

		// Verifying: re-check a rotating sample of passing records before
		// any new work. The only sanctioned path back to passes=false.
		if err := s.transitionPhase(state.run, model.PhaseVerifying, "verifying passing records"); err != nil {
			return s.failLoop(state, "verifying", err)
		}
		records, err = s.verifyPassing(ctx, state, records)
		if err != nil {
			return s.failLoop(state, "verifying", err)
		}

		// Selecting: first pending record in ledger order, or done.
		if err := s.transitionPhase(state.run, model.PhaseSelecting, "selecting next task"); err != nil {
			return s.failLoop(state, "selecting", err)
		}
		progress := ledger.Completion(records)
		index, pending := ledger.NextPending(records)
		if !pending && progress.Complete() {
			return s.completeLoop(state, records, progress)
		}
		if !pending {
			return s.failLoop(state, "selecting", fmt.Errorf("ledger %s has no records", state.ledgerPath))
		}

		// Executing: one bounded agent session against the selected record.
		if err := s.transitionPhase(state.run, model.PhaseExecuting, fmt.Sprintf("feature #%d: %s", index, clampText(records[index].Description, 80))); err != nil {
			return s.failLoop(state, "executing", err)
		}
		beforeBytes, err := os.ReadFile(state.ledgerPath)
		if err != nil {
			return s.failLoop(state, "executing", fmt.Errorf("snapshot ledger before session: %w", err))
		}
		before := ledger.Clone(records)
		outcome, err := s.runSession(ctx, state, driver.Mandate{
			Kind:         model.MandateIncremental,
			Role:         record.Role,
			LedgerFile:   state.ledgerFile,
			SpecFile:     state.cfg.Ledger.SpecFile,
			ProgressFile: state.cfg.Ledger.ProgressFile,
			MaxPasses:    state.cfg.Loop.MaxPassesPerSession,
			TaskIndex:    index,
			Task:         records[index],
		}, index)
		if err != nil {
			return s.failLoop(state, "executing", err)
		}

		// Validating: the on-disk ledger after the session must differ from
		// the pre-session snapshot only in ways the mandate allows.
		if err := s.transitionPhase(state.run, model.PhaseValidating, "validating ledger mutation"); err != nil {
			return s.failLoop(state, "validating", err)
		}
		after, err := ledger.Load(state.ledgerPath)
		if err != nil {
			s.restoreLedger(state, beforeBytes)
			return s.failLoop(state, "validating", err)
		}
		rule := ledger.CodingRule(index, state.cfg.Loop.MaxPassesPerSession)
		deltas, err := ledger.ValidateTransition(before, after, rule)
		if err != nil {
			s.restoreLedger(state, beforeBytes)
			return s.failLoop(state, "validating", err)
		}
		for _, delta := range deltas {
			_ = s.store.AddEvent(record.RunID, "task", fmt.Sprintf("%d", delta.Index), "task_passed", "false", "true", clampText(after[delta.Index].Description, 120))
		}
		switch {
		case outcome.ErrorText != "":
			state.failures++
			if state.failures >= state.cfg.Loop.MaxConsecutiveFailures {
				return s.failLoop(state, "validating", fmt.Errorf("%d consecutive session errors, last: %s", state.failures, outcome.ErrorText))
			}
		case outcome.Truncated && len(deltas) == 0:
			// No progress this cycle; the same index is re-selected next time.
			_ = s.store.AddEvent(record.RunID, "session", outcome.SessionID, "truncated", "", "", "session ended early with no ledger delta")
		default:
			state.failures = 0
		}
		records = after
		progress = ledger.Completion(records)

		// Checkpointing: the loop only advances past a durable snapshot.
		if err := s.transitionPhase(state.run, model.PhaseCheckpointing, progress.String()); err != nil {
			return s.failLoop(state, "checkpointing", err)
		}
		if err := s.checkpointSession(ctx, state, records, progress, outcome); err != nil {
			return s.failLoop(state, "checkpointing", err)
		}
		state.cycle++

		if maxSessions > 0 && state.sessions >= maxSessions {
			return s.stopLoop(state, "session cap reached")
		}
		s.sleep(ctx, time.Duration(state.cfg.Loop.AutoContinueDelaySeconds)*time.Second)
	}
}

// ensureLedger loads the ledger, bootstrapping first when the file is
// missing or empty. A coding session never starts against an absent or
// undersized ledger.
func (s *Service) ensureLedger(ctx context.Context, state *loopState) ([]ledger.Record, bool, error) {
	if _, err := os.Stat(state.ledgerPath); err == nil {
		records, err := ledger.Load(state.ledgerPath)
		if err != nil {
			return nil, false, err
		}
		if len(records) > 0 {
			return records, false, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("stat ledger %s: %w", state.ledgerPath, err)
	}

	if err := s.transitionPhase(state.run, model.PhaseBootstrapping, "no usable ledger; bootstrapping"); err != nil {
		return nil, false, err
	}
	records, err := s.bootstrap(ctx, state)
	if err != nil {
		return nil, false, err
	}
	return records, true, nil
}

func (s *Service) bootstrap(ctx context.Context, state *loopState) ([]ledger.Record, error) {
	var records []ledger.Record
	guidance := ""
	attempts := 0
	lastReason := ""
	action := func(uint) error {
		attempts++
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := s.runSession(ctx, state, driver.Mandate{
			Kind:         model.MandateBootstrap,
			Role:         state.run.Role,
			LedgerFile:   state.ledgerFile,
			SpecFile:     state.cfg.Ledger.SpecFile,
			ProgressFile: state.cfg.Ledger.ProgressFile,
			MinRecords:   state.cfg.Loop.BootstrapMinRecords,
			Guidance:     guidance,
		}, -1)
		if err != nil {
			lastReason = err.Error()
			return err
		}
		if outcome.ErrorText != "" {
			lastReason = outcome.ErrorText
			guidance = fmt.Sprintf("the previous bootstrap attempt failed: %s", outcome.ErrorText)
			return fmt.Errorf("bootstrap session error: %s", outcome.ErrorText)
		}
		loaded, err := ledger.Load(state.ledgerPath)
		if err != nil {
			lastReason = err.Error()
			guidance = fmt.Sprintf("the previous attempt left an invalid ledger (%v); rewrite %s from scratch", err, state.ledgerFile)
			return err
		}
		if len(loaded) < state.cfg.Loop.BootstrapMinRecords {
			lastReason = fmt.Sprintf("ledger has %d records, need at least %d", len(loaded), state.cfg.Loop.BootstrapMinRecords)
			guidance = fmt.Sprintf("the previous attempt wrote only %d records; produce at least %d", len(loaded), state.cfg.Loop.BootstrapMinRecords)
			return fmt.Errorf("undersized ledger: %s", lastReason)
		}
		records = loaded
		return nil
	}
	if err := retry.Retry(action, strategy.Limit(uint(state.cfg.Loop.BootstrapMaxAttempts))); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &BootstrapError{Attempts: attempts, Reason: lastReason}
	}

	progress := ledger.Completion(records)
	label := policy.RenderCheckpointLabel(state.cfg.Checkpoint.LabelPattern, state.sessions, fmt.Sprintf("bootstrap ledger with %d records", progress.Total))
	revision, err := state.checkpoint.Snapshot(ctx, label)
	if err != nil {
		return nil, err
	}
	_ = s.store.AddCheckpoint(model.CheckpointRecord{
		RunID:    state.run.RunID,
		Label:    label,
		Revision: revision,
		Passing:  progress.Passing,
		Total:    progress.Total,
	})
	_ = s.store.AddEvent(state.run.RunID, "run", state.run.RunID, "bootstrapped", "", "", fmt.Sprintf("%d records after %d attempt(s)", progress.Total, attempts))
	return records, nil
}

// verifyPassing runs a verification session over a rotating sample of
// passing records. Records found broken flip back to pending before
// selection proceeds.
func (s *Service) verifyPassing(ctx context.Context, state *loopState, records []ledger.Record) ([]ledger.Record, error) {
	passing := ledger.PassingIndices(records)
	sample := verificationSample(passing, state.cfg.Loop.VerifySampleSize, state.cycle)
	if len(sample) == 0 {
		return records, nil
	}

	beforeBytes, err := os.ReadFile(state.ledgerPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot ledger before verification: %w", err)
	}
	before := ledger.Clone(records)
	samples := make([]ledger.Record, 0, len(sample))
	for _, index := range sample {
		samples = append(samples, records[index])
	}
	outcome, err := s.runSession(ctx, state, driver.Mandate{
		Kind:          model.MandateVerification,
		Role:          state.run.Role,
		LedgerFile:    state.ledgerFile,
		ProgressFile:  state.cfg.Ledger.ProgressFile,
		SampleIndices: sample,
		Samples:       samples,
	}, -1)
	if err != nil {
		return nil, err
	}
	after, err := ledger.Load(state.ledgerPath)
	if err != nil {
		s.restoreLedger(state, beforeBytes)
		return nil, err
	}
	deltas, err := ledger.ValidateTransition(before, after, ledger.VerificationRule(sample))
	if err != nil {
		s.restoreLedger(state, beforeBytes)
		return nil, err
	}
	for _, delta := range deltas {
		_ = s.store.AddEvent(state.run.RunID, "task", fmt.Sprintf("%d", delta.Index), "regression", "true", "false", clampText(after[delta.Index].Description, 120))
		s.notify(model.RunNotice{
			RunID:     state.run.RunID,
			EventType: "regression",
			Role:      state.run.Role,
			Message:   fmt.Sprintf("feature #%d no longer passes", delta.Index),
		})
	}
	if outcome.Truncated && len(deltas) == 0 {
		_ = s.store.AddEvent(state.run.RunID, "session", outcome.SessionID, "truncated", "", "", "verification ended early")
	}
	return after, nil
}

// runSession records the session row, blocks on the driver and records the
// outcome. taskIndex is -1 for bootstrap and verification sessions.
func (s *Service) runSession(ctx context.Context, state *loopState, mandate driver.Mandate, taskIndex int) (driver.Outcome, error) {
	sessionID := uuid.NewString()
	mandate.SessionID = sessionID
	seq := state.run.SessionCount + state.sessions + 1
	if err := s.store.CreateSession(model.SessionRecord{
		SessionID: sessionID,
		RunID:     state.run.RunID,
		Seq:       seq,
		Mandate:   mandate.Kind,
		TaskIndex: taskIndex,
		Status:    model.SessionStatusRunning,
	}); err != nil {
		return driver.Outcome{}, err
	}

	outcome, err := state.drv.RunSession(ctx, mandate)
	if err != nil {
		_ = s.store.FinishSession(sessionID, model.SessionStatusError, "", err.Error(), nil)
		return driver.Outcome{}, err
	}
	state.sessions++
	_ = s.store.IncrementRunSessions(state.run.RunID)

	if dirty, dirtyErr := state.checkpoint.Dirty(ctx); dirtyErr == nil && dirty {
		if paths, pathsErr := state.checkpoint.ChangedPaths(ctx); pathsErr == nil {
			outcome.MutatedPaths = paths
		}
	}

	status := model.SessionStatusCompleted
	switch {
	case outcome.Truncated:
		status = model.SessionStatusTruncated
	case outcome.ErrorText != "":
		status = model.SessionStatusError
	}
	if !hsm.CanTransitionSession(model.SessionStatusRunning, status) {
		return driver.Outcome{}, fmt.Errorf("illegal session transition %s -> %s", model.SessionStatusRunning, status)
	}
	if err := s.store.FinishSession(sessionID, status, outcome.TranscriptPath, outcome.ErrorText, outcome.MutatedPaths); err != nil {
		return driver.Outcome{}, err
	}
	s.notify(model.RunNotice{
		RunID:     state.run.RunID,
		EventType: "session_" + string(status),
		Role:      state.run.Role,
		Phase:     state.run.Phase,
		Session:   seq,
		Message:   outcome.Summary,
	})
	return outcome, nil
}

func (s *Service) checkpointSession(ctx context.Context, state *loopState, records []ledger.Record, progress ledger.Progress, outcome driver.Outcome) error {
	summary := strings.TrimSpace(outcome.Summary)
	if summary == "" {
		summary = progress.String()
	}
	if err := s.writeProgressNote(state, records, progress, summary); err != nil {
		return err
	}
	label := policy.RenderCheckpointLabel(state.cfg.Checkpoint.LabelPattern, state.run.SessionCount+state.sessions, summary)
	revision, err := state.checkpoint.Snapshot(ctx, label)
	if err != nil {
		return err
	}
	if err := s.store.AddCheckpoint(model.CheckpointRecord{
		RunID:     state.run.RunID,
		SessionID: outcome.SessionID,
		Label:     label,
		Revision:  revision,
		Passing:   progress.Passing,
		Total:     progress.Total,
	}); err != nil {
		return err
	}
	s.notify(model.RunNotice{
		RunID:     state.run.RunID,
		EventType: "checkpoint",
		Role:      state.run.Role,
		Passing:   progress.Passing,
		Total:     progress.Total,
		Message:   label,
	})
	_, _ = s.bus.ProcessOnce(ctx, 50)
	return nil
}

func (s *Service) completeLoop(state *loopState, records []ledger.Record, progress ledger.Progress) (LoopResult, error) {
	if err := s.transitionPhase(state.run, model.PhaseCompleted, progress.String()); err != nil {
		return LoopResult{}, err
	}
	if err := s.transitionRun(state.run.RunID, model.RunStatusRunning, model.RunStatusComplete, "all records passing"); err != nil {
		return LoopResult{}, err
	}
	state.run.Status = model.RunStatusComplete
	_ = s.writeProgressNote(state, records, progress, "all features passing; run complete")
	s.notify(model.RunNotice{
		RunID:     state.run.RunID,
		EventType: "completed",
		Role:      state.run.Role,
		Passing:   progress.Passing,
		Total:     progress.Total,
	})
	return s.loopResult(state, progress), nil
}

func (s *Service) stopLoop(state *loopState, reason string) (LoopResult, error) {
	_ = s.transitionPhase(state.run, model.PhaseIdle, reason)
	if err := s.transitionRun(state.run.RunID, model.RunStatusRunning, model.RunStatusStopping, reason); err == nil {
		_ = s.transitionRun(state.run.RunID, model.RunStatusStopping, model.RunStatusStopped, reason)
		state.run.Status = model.RunStatusStopped
	}
	progress := ledger.Progress{}
	if records, err := ledger.Load(state.ledgerPath); err == nil {
		progress = ledger.Completion(records)
	}
	return s.loopResult(state, progress), nil
}

// failLoop is the single funnel for fatal conditions: the run is marked
// failed with a diagnostic naming the transition that broke, and the last
// checkpoint remains the valid resume point.
func (s *Service) failLoop(state *loopState, during string, cause error) (LoopResult, error) {
	message := fmt.Sprintf("%s: %v", during, cause)
	_ = s.transitionPhase(state.run, model.PhaseFailed, message)
	_ = s.transitionRun(state.run.RunID, state.run.Status, model.RunStatusFailed, message)
	state.run.Status = model.RunStatusFailed
	s.notify(model.RunNotice{
		RunID:     state.run.RunID,
		EventType: "failed",
		Role:      state.run.Role,
		Message:   message,
	})
	return s.loopResult(state, ledger.Progress{}), fmt.Errorf("run %s failed during %s: %w", state.run.RunID, during, cause)
}

func (s *Service) loopResult(state *loopState, progress ledger.Progress) LoopResult {
	return LoopResult{
		RunID:    state.run.RunID,
		Status:   state.run.Status,
		Phase:    state.run.Phase,
		Sessions: state.sessions,
		Progress: progress,
	}
}

func (s *Service) restoreLedger(state *loopState, beforeBytes []byte) {
	if err := os.WriteFile(state.ledgerPath, beforeBytes, 0o644); err != nil {
		_ = s.store.AddEvent(state.run.RunID, "run", state.run.RunID, "ledger_restore_failed", "", "", err.Error())
		return
	}
	_ = s.store.AddEvent(state.run.RunID, "run", state.run.RunID, "ledger_restored", "", "", "ledger rolled back to pre-session checkpoint")
}

// writeProgressNote overwrites the session note: counts, what just
// happened, the next few pending records and any repeated sandbox denials.
func (s *Service) writeProgressNote(state *loopState, records []ledger.Record, progress ledger.Progress, summary string) error {
	var b strings.Builder
	b.WriteString("# Progress Notes\n\n")
	fmt.Fprintf(&b, "Updated: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "Run: %s\n", state.run.RunID)
	if strings.TrimSpace(string(state.run.Role)) != "" {
		fmt.Fprintf(&b, "Role: %s\n", state.run.Role)
	}
	fmt.Fprintf(&b, "Session: %d\n", state.run.SessionCount+state.sessions)
	fmt.Fprintf(&b, "Progress: %s\n", progress.String())
	b.WriteString("\n## Last session\n\n")
	fmt.Fprintf(&b, "%s\n", summary)

	b.WriteString("\n## Next up\n\n")
	shown := 0
	for i, record := range records {
		if record.Passes {
			continue
		}
		fmt.Fprintf(&b, "- [%d] %s\n", i, clampText(record.Description, 80))
		shown++
		if shown >= 5 {
			break
		}
	}
	if shown == 0 {
		b.WriteString("- none\n")
	}

	if gaps := s.denialGaps(state.run.RunID); len(gaps) > 0 {
		b.WriteString("\n## Policy gaps\n\n")
		for _, gap := range gaps {
			fmt.Fprintf(&b, "- %s\n", gap)
		}
	}

	notePath := filepath.Join(state.run.ProjectDir, state.cfg.Ledger.ProgressFile)
	if err := os.WriteFile(notePath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write progress note: %w", err)
	}
	return nil
}

// denialGaps aggregates sandbox denials that repeated across sessions;
// a command denied once is the agent probing, denied again it is a policy gap.
func (s *Service) denialGaps(runID string) []string {
	events, err := s.store.ListEvents(runID, 500)
	if err != nil {
		return nil
	}
	counts := map[string]int{}
	for _, event := range events {
		if event.EventType == "sandbox_denial" {
			counts[event.Message]++
		}
	}
	var gaps []string
	for message, count := range counts {
		if count >= 2 {
			gaps = append(gaps, fmt.Sprintf("%s (denied %d times)", message, count))
		}
	}
	sort.Strings(gaps)
	return gaps
}

// verificationSample picks size passing indices, rotating the window by
// cycle so repeated cycles sweep the whole passing set deterministically.
func verificationSample(passing []int, size int, cycle int) []int {
	if size <= 0 || len(passing) == 0 {
		return nil
	}
	if size > len(passing) {
		size = len(passing)
	}
	start := (cycle * size) % len(passing)
	out := make([]int, 0, size)
	for i := 0; i < size; i++ {
		out = append(out, passing[(start+i)%len(passing)])
	}
	sort.Ints(out)
	return out
}

func clampText(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return strings.TrimSpace(s[:limit]) + "..."
}
