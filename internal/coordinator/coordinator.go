package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/hsm"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/orchestrator"
)

// RoleRunner drives one run for one role. The orchestrator service is the
// production implementation.
type RoleRunner interface {
	StartRun(ctx context.Context, options orchestrator.StartOptions) (orchestrator.StartResult, error)
	RunLoop(ctx context.Context, options orchestrator.LoopOptions) (orchestrator.LoopResult, error)
}

type pipelineStore interface {
	CreatePipeline(record model.PipelineRecord) error
	GetPipeline(pipelineID string) (*model.PipelineRecord, error)
	FindActivePipeline(projectDir string) (*model.PipelineRecord, error)
	UpdatePipelineStatus(pipelineID string, status model.PipelineStatus, errorText string) error
	UpsertPipelineRole(record model.PipelineRoleRecord) error
	ListPipelineRoles(pipelineID string) ([]model.PipelineRoleRecord, error)
}

// Coordinator runs a sequence of roles against one project, each role as its
// own run with a role-scoped ledger. Progress is persisted per role so a
// stopped or failed pipeline resumes at the first unfinished role.
type Coordinator struct {
	store  pipelineStore
	runner RoleRunner
}

func New(store pipelineStore, runner RoleRunner) *Coordinator {
	return &Coordinator{store: store, runner: runner}
}

// RoleFailure reports which role's run broke the pipeline.
type RoleFailure struct {
	PipelineID string
	Role       model.Role
	RunID      string
	Err        error
}

func (e *RoleFailure) Error() string {
	return fmt.Sprintf("pipeline %s: role %s failed: %v", e.PipelineID, e.Role, e.Err)
}

func (e *RoleFailure) Unwrap() error {
	return e.Err
}

type RunOptions struct {
	ProjectDir string
	Roles      []model.Role
	PolicyPath string
}

type RunResult struct {
	PipelineID string
	Status     model.PipelineStatus
	Resumed    bool
	Roles      []model.PipelineRoleRecord
}

// Run executes the pipeline to completion, a role failure or a stop.
// Completed roles are skipped on resume; a previously failed role is retried.
func (c *Coordinator) Run(ctx context.Context, options RunOptions) (RunResult, error) {
	projectDir, err := filepath.Abs(strings.TrimSpace(options.ProjectDir))
	if err != nil {
		return RunResult{}, fmt.Errorf("resolve project dir: %w", err)
	}

	pipeline, resumed, err := c.ensurePipeline(projectDir, options.Roles)
	if err != nil {
		return RunResult{}, err
	}
	roles, err := c.store.ListPipelineRoles(pipeline.PipelineID)
	if err != nil {
		return RunResult{}, err
	}

	for _, role := range roles {
		if role.Status == model.RoleStatusComplete {
			continue
		}
		if ctx.Err() != nil {
			return c.result(pipeline.PipelineID, model.PipelineStatusRunning, resumed)
		}

		if !hsm.CanTransitionRole(role.Status, model.RoleStatusRunning) {
			return RunResult{}, fmt.Errorf("pipeline %s: role %s cannot start from status %s", pipeline.PipelineID, role.Role, role.Status)
		}
		start, err := c.runner.StartRun(ctx, orchestrator.StartOptions{
			ProjectDir: projectDir,
			Role:       role.Role,
			PolicyPath: options.PolicyPath,
		})
		if err != nil {
			return c.failRole(pipeline.PipelineID, role, "", resumed, err)
		}
		role.RunID = start.RunID
		role.Status = model.RoleStatusRunning
		if err := c.store.UpsertPipelineRole(role); err != nil {
			return RunResult{}, err
		}

		loop, err := c.runner.RunLoop(ctx, orchestrator.LoopOptions{RunID: start.RunID})
		if err != nil {
			return c.failRole(pipeline.PipelineID, role, start.RunID, resumed, err)
		}
		switch loop.Status {
		case model.RunStatusComplete:
			role.Status = model.RoleStatusComplete
			if err := c.store.UpsertPipelineRole(role); err != nil {
				return RunResult{}, err
			}
		case model.RunStatusStopped:
			// Pipeline stays running so the next invocation resumes here.
			return c.result(pipeline.PipelineID, model.PipelineStatusRunning, resumed)
		default:
			return c.failRole(pipeline.PipelineID, role, start.RunID, resumed,
				fmt.Errorf("run %s ended with status %s", loop.RunID, loop.Status))
		}
	}

	if err := c.store.UpdatePipelineStatus(pipeline.PipelineID, model.PipelineStatusComplete, ""); err != nil {
		return RunResult{}, err
	}
	return c.result(pipeline.PipelineID, model.PipelineStatusComplete, resumed)
}

// Status returns the pipeline record and its per-role progress.
func (c *Coordinator) Status(projectDir string) (*model.PipelineRecord, []model.PipelineRoleRecord, error) {
	abs, err := filepath.Abs(strings.TrimSpace(projectDir))
	if err != nil {
		return nil, nil, fmt.Errorf("resolve project dir: %w", err)
	}
	pipeline, err := c.store.FindActivePipeline(abs)
	if err != nil {
		return nil, nil, err
	}
	if pipeline == nil {
		return nil, nil, nil
	}
	roles, err := c.store.ListPipelineRoles(pipeline.PipelineID)
	if err != nil {
		return nil, nil, err
	}
	return pipeline, roles, nil
}

func (c *Coordinator) ensurePipeline(projectDir string, requested []model.Role) (*model.PipelineRecord, bool, error) {
	active, err := c.store.FindActivePipeline(projectDir)
	if err != nil {
		return nil, false, err
	}
	if active != nil {
		return active, true, nil
	}

	roles := requested
	if len(roles) == 0 {
		roles = model.DefaultPipeline()
	}
	pipeline := model.PipelineRecord{
		PipelineID: generatePipelineID(),
		ProjectDir: projectDir,
		Status:     model.PipelineStatusRunning,
	}
	if err := c.store.CreatePipeline(pipeline); err != nil {
		return nil, false, err
	}
	for position, role := range roles {
		if err := c.store.UpsertPipelineRole(model.PipelineRoleRecord{
			PipelineID: pipeline.PipelineID,
			Role:       role,
			Position:   position,
			Status:     model.RoleStatusPending,
		}); err != nil {
			return nil, false, err
		}
	}
	return &pipeline, false, nil
}

func (c *Coordinator) failRole(pipelineID string, role model.PipelineRoleRecord, runID string, resumed bool, cause error) (RunResult, error) {
	role.Status = model.RoleStatusFailed
	if runID != "" {
		role.RunID = runID
	}
	_ = c.store.UpsertPipelineRole(role)
	failure := &RoleFailure{PipelineID: pipelineID, Role: role.Role, RunID: runID, Err: cause}
	_ = c.store.UpdatePipelineStatus(pipelineID, model.PipelineStatusFailed, failure.Error())
	result, err := c.result(pipelineID, model.PipelineStatusFailed, resumed)
	if err != nil {
		return RunResult{}, err
	}
	return result, failure
}

func (c *Coordinator) result(pipelineID string, status model.PipelineStatus, resumed bool) (RunResult, error) {
	roles, err := c.store.ListPipelineRoles(pipelineID)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{PipelineID: pipelineID, Status: status, Resumed: resumed, Roles: roles}, nil
}

func generatePipelineID() string {
	return "pl-" + time.Now().Format("20060102-150405")
}
