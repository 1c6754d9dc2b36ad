package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/bus"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/checkpoint"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/driver"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/hsm"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/policy"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/sandbox"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/server"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/store"
)

type sessionDriver interface {
	RunSession(ctx context.Context, mandate driver.Mandate) (driver.Outcome, error)
}

type checkpointStore interface {
	EnsureRepo(ctx context.Context, authorName string, authorEmail string) error
	Snapshot(ctx context.Context, label string) (string, error)
	Current(ctx context.Context) (string, error)
	Dirty(ctx context.Context) (bool, error)
	ChangedPaths(ctx context.Context) ([]string, error)
	History(ctx context.Context, limit int) ([]checkpoint.Entry, error)
}

// Service owns the session loop for every run in one database. The driver,
// checkpoint store and sandbox are injected through factories so tests swap
// them for fakes without touching orchestration logic.
type Service struct {
	store  *store.SQLiteStore
	bus    *bus.Runtime
	broker *server.RunEventBroker

	driverFactory     func(cfg policy.Config, projectDir string, policyPath string) sessionDriver
	checkpointFactory func(projectDir string) checkpointStore
	sandboxFactory    func(root string, rules policy.SandboxRules) *sandbox.Policy
	sleep             func(ctx context.Context, d time.Duration)
}

func NewService(dbPath string) (*Service, error) {
	sqliteStore := store.NewSQLiteStore(dbPath)
	if err := sqliteStore.Init(); err != nil {
		return nil, err
	}
	cfg, _, err := policy.Load("")
	if err != nil {
		cfg = policy.Default()
	}
	busRuntime := bus.NewRuntime(sqliteStore, cfg)
	if err := busRuntime.Start(context.Background()); err != nil {
		return nil, err
	}
	return &Service{
		store:  sqliteStore,
		bus:    busRuntime,
		broker: server.NewRunEventBroker(0),
		driverFactory: func(cfg policy.Config, projectDir string, policyPath string) sessionDriver {
			return driver.New(cfg, projectDir, policyPath)
		},
		checkpointFactory: func(projectDir string) checkpointStore {
			return checkpoint.NewGitStore(projectDir)
		},
		sandboxFactory: sandbox.New,
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		},
	}, nil
}

// BootstrapError reports that no usable ledger exists after the bounded
// number of bootstrap attempts.
type BootstrapError struct {
	Attempts int
	Reason   string
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap failed after %d attempt(s): %s", e.Attempts, e.Reason)
}

type StartOptions struct {
	RunID      string
	ProjectDir string
	Role       model.Role
	PolicyPath string
	DryRun     bool
}

type StartResult struct {
	RunID      string
	ProjectDir string
	Role       model.Role
	Resumed    bool
	Actions    []string
}

// StartRun is idempotent: if a non-terminal run exists for the project and
// role it becomes the resume target, otherwise a new run is created. The
// loop itself is driven separately via RunLoop.
func (s *Service) StartRun(ctx context.Context, options StartOptions) (StartResult, error) {
	_ = ctx
	cfg, policyPath, err := policy.Load(options.PolicyPath)
	if err != nil {
		return StartResult{}, err
	}
	projectDir, err := resolveProjectDir(options.ProjectDir)
	if err != nil {
		return StartResult{}, err
	}

	active, err := s.store.FindActiveRun(projectDir)
	if err != nil {
		return StartResult{}, err
	}
	if active != nil && active.Role == options.Role {
		result := StartResult{
			RunID:      active.RunID,
			ProjectDir: projectDir,
			Role:       active.Role,
			Resumed:    true,
			Actions:    []string{fmt.Sprintf("resume run %s from phase %s", active.RunID, active.Phase)},
		}
		if !options.DryRun {
			if err := s.store.ClearStop(active.RunID); err != nil {
				return StartResult{}, err
			}
		}
		return result, nil
	}
	if active != nil {
		return StartResult{}, fmt.Errorf("run %s (role %q) is still active for %s; stop it before starting role %q",
			active.RunID, active.Role, projectDir, options.Role)
	}

	runID := strings.TrimSpace(options.RunID)
	if runID == "" {
		runID = generateRunID(options.Role, projectDir)
	}
	ledgerPath := filepath.Join(projectDir, ledgerFileForRole(cfg.Ledger.File, options.Role))
	actions := []string{fmt.Sprintf("create run %s for %s", runID, projectDir)}
	if _, err := os.Stat(ledgerPath); os.IsNotExist(err) {
		actions = append(actions, fmt.Sprintf("bootstrap ledger %s (min %d records)", ledgerPath, cfg.Loop.BootstrapMinRecords))
	} else {
		actions = append(actions, fmt.Sprintf("continue against ledger %s", ledgerPath))
	}
	if options.DryRun {
		return StartResult{RunID: runID, ProjectDir: projectDir, Role: options.Role, Actions: actions}, nil
	}

	policyJSON, err := json.Marshal(cfg)
	if err != nil {
		return StartResult{}, fmt.Errorf("marshal policy: %w", err)
	}
	record := model.RunRecord{
		RunID:      runID,
		ProjectDir: projectDir,
		Role:       options.Role,
		Status:     model.RunStatusCreated,
		Phase:      model.PhaseIdle,
	}
	if err := s.store.CreateRun(record, string(policyJSON)); err != nil {
		return StartResult{}, err
	}
	_ = s.store.AddEvent(runID, "run", runID, "created", "", string(model.RunStatusCreated), fmt.Sprintf("policy %s", policyPath))
	return StartResult{RunID: runID, ProjectDir: projectDir, Role: options.Role, Actions: actions}, nil
}

// StopRun requests a stop; the loop honors it at the next phase boundary.
// The in-flight driver invocation is bounded by the caller's context, so a
// forced stop is the caller cancelling the RunLoop context.
func (s *Service) StopRun(ctx context.Context, runID string) error {
	_ = ctx
	record, _, err := s.store.GetRun(runID)
	if err != nil {
		return err
	}
	if !hsm.CanTransitionRun(record.Status, model.RunStatusStopping) {
		return fmt.Errorf("run %s cannot stop from status %s", runID, record.Status)
	}
	if err := s.store.RequestStop(runID); err != nil {
		return err
	}
	_ = s.store.AddEvent(runID, "run", runID, "stop_requested", string(record.Status), "", "operator stop")
	s.notify(model.RunNotice{RunID: runID, EventType: "stop_requested", Role: record.Role})
	return nil
}

// CheckOperation is the sandbox hook surface: an agent-side wrapper calls it
// for every proposed command. Denials are recorded so repeated ones surface
// as policy gaps in status output.
func (s *Service) CheckOperation(runID string, line string, cwd string) (sandbox.Decision, error) {
	record, policyJSON, err := s.store.GetRun(runID)
	if err != nil {
		return sandbox.Decision{}, err
	}
	cfg := policy.Default()
	if strings.TrimSpace(policyJSON) != "" {
		if err := json.Unmarshal([]byte(policyJSON), &cfg); err != nil {
			return sandbox.Decision{}, fmt.Errorf("parse stored policy for run %s: %w", runID, err)
		}
	}
	box := s.sandboxFactory(record.ProjectDir, cfg.Sandbox)
	decision := box.EvaluateShell(line, cwd)
	if !decision.Allowed {
		_ = s.store.AddEvent(runID, "sandbox", runID, "sandbox_denial", "", "", fmt.Sprintf("%s: %s", firstToken(line), decision.Reason))
		s.notify(model.RunNotice{RunID: runID, EventType: "sandbox_denial", Role: record.Role, Message: decision.Reason})
	}
	return decision, nil
}

func (s *Service) ListRuns(limit int) ([]model.RunRecord, error) {
	return s.store.ListRuns(limit)
}

func (s *Service) ActiveRuns() ([]model.RunRecord, error) {
	runs, err := s.store.ListRuns(0)
	if err != nil {
		return nil, err
	}
	out := []model.RunRecord{}
	for _, run := range runs {
		if isActiveRunStatus(run.Status) {
			out = append(out, run)
		}
	}
	return out, nil
}

// ResolveRunID maps an explicit run id or a project directory to a run,
// preferring the newest active run for the project.
func (s *Service) ResolveRunID(explicitRunID string, projectDir string) (string, error) {
	explicitRunID = strings.TrimSpace(explicitRunID)
	if explicitRunID != "" {
		return explicitRunID, nil
	}
	projectDir, err := resolveProjectDir(projectDir)
	if err != nil {
		return "", err
	}
	active, err := s.store.FindActiveRun(projectDir)
	if err != nil {
		return "", err
	}
	if active != nil {
		return active.RunID, nil
	}
	runs, err := s.store.ListRuns(0)
	if err != nil {
		return "", err
	}
	for _, run := range runs {
		if run.ProjectDir == projectDir {
			return run.RunID, nil
		}
	}
	return "", fmt.Errorf("no run found for project %s", projectDir)
}

func (s *Service) RunEvents(runID string, limit int) ([]model.EventRecord, error) {
	return s.store.ListEvents(runID, limit)
}

func (s *Service) RunCheckpoints(runID string, limit int) ([]model.CheckpointRecord, error) {
	return s.store.ListCheckpoints(runID, limit)
}

// SubscribeNotices exposes the in-process broker for foreground monitors.
func (s *Service) SubscribeNotices(runID string) (<-chan model.RunNotice, func()) {
	return s.broker.Subscribe(runID, "")
}

// ProcessNotifications drains the durable outbox onto the notification bus.
func (s *Service) ProcessNotifications(ctx context.Context, limit int) (int, error) {
	return s.bus.ProcessOnce(ctx, limit)
}

func (s *Service) NotifyHealth(ctx context.Context) error {
	if err := s.bus.Healthy(); err != nil {
		return err
	}
	return s.bus.Ping(ctx)
}

func (s *Service) Close() {
	s.broker.Close()
	s.bus.Stop()
}

func (s *Service) transitionRun(runID string, from model.RunStatus, to model.RunStatus, message string) error {
	if !hsm.CanTransitionRun(from, to) {
		return fmt.Errorf("illegal run transition %s -> %s", from, to)
	}
	if err := s.store.UpdateRunStatus(runID, to, message); err != nil {
		return err
	}
	return s.store.AddEvent(runID, "run", runID, "transition", string(from), string(to), message)
}

func (s *Service) transitionPhase(run *model.RunRecord, to model.RunPhase, message string) error {
	from := run.Phase
	if !hsm.CanTransitionPhase(from, to) {
		return fmt.Errorf("illegal phase transition %s -> %s", from, to)
	}
	if err := s.store.UpdateRunPhase(run.RunID, to); err != nil {
		return err
	}
	run.Phase = to
	_ = s.store.AddEvent(run.RunID, "run", run.RunID, "phase", string(from), string(to), message)
	s.notify(model.RunNotice{
		RunID:     run.RunID,
		EventType: "phase",
		Role:      run.Role,
		Phase:     to,
		Session:   run.SessionCount,
		Message:   message,
	})
	return nil
}

func (s *Service) notify(notice model.RunNotice) {
	if notice.EventID == "" {
		notice.EventID = uuid.NewString()
	}
	if notice.OccurredAt.IsZero() {
		notice.OccurredAt = time.Now()
	}
	s.broker.Publish(notice)
	_, _ = s.bus.PublishRunNotice(notice)
}

// generateRunID makes ids self-describing: run-<role>-<project>-<timestamp>.
func generateRunID(role model.Role, projectDir string) string {
	stamp := time.Now().Format("20060102-150405")
	name := policy.RenderRunName(string(role), projectDir)
	if name == "" {
		return "run-" + stamp
	}
	return "run-" + name + "-" + stamp
}

// ledgerFileForRole derives the role-scoped ledger file name, keeping the
// base name for role-less runs: feature_list.json -> feature_list.architect.json.
func ledgerFileForRole(base string, role model.Role) string {
	if strings.TrimSpace(string(role)) == "" {
		return base
	}
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "." + string(role) + ext
}

func resolveProjectDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir %q: %w", dir, err)
	}
	return abs, nil
}

func isActiveRunStatus(status model.RunStatus) bool {
	switch status {
	case model.RunStatusCreated, model.RunStatusRunning, model.RunStatusStopping:
		return true
	default:
		return false
	}
}

func firstToken(line string) string {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
