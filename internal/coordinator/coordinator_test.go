package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/orchestrator"
)

type memStore struct {
	pipelines map[string]*model.PipelineRecord
	roles     map[string][]model.PipelineRoleRecord
}

func newMemStore() *memStore {
	return &memStore{
		pipelines: map[string]*model.PipelineRecord{},
		roles:     map[string][]model.PipelineRoleRecord{},
	}
}

func (m *memStore) CreatePipeline(record model.PipelineRecord) error {
	copied := record
	m.pipelines[record.PipelineID] = &copied
	return nil
}

func (m *memStore) GetPipeline(pipelineID string) (*model.PipelineRecord, error) {
	return m.pipelines[pipelineID], nil
}

func (m *memStore) FindActivePipeline(projectDir string) (*model.PipelineRecord, error) {
	for _, pipeline := range m.pipelines {
		if pipeline.ProjectDir == projectDir && pipeline.Status == model.PipelineStatusRunning {
			return pipeline, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdatePipelineStatus(pipelineID string, status model.PipelineStatus, errorText string) error {
	pipeline, ok := m.pipelines[pipelineID]
	if !ok {
		return fmt.Errorf("unknown pipeline %s", pipelineID)
	}
	pipeline.Status = status
	pipeline.ErrorText = errorText
	return nil
}

func (m *memStore) UpsertPipelineRole(record model.PipelineRoleRecord) error {
	roles := m.roles[record.PipelineID]
	for i, existing := range roles {
		if existing.Role == record.Role {
			roles[i] = record
			return nil
		}
	}
	m.roles[record.PipelineID] = append(roles, record)
	return nil
}

func (m *memStore) ListPipelineRoles(pipelineID string) ([]model.PipelineRoleRecord, error) {
	roles := append([]model.PipelineRoleRecord(nil), m.roles[pipelineID]...)
	sort.Slice(roles, func(i, j int) bool { return roles[i].Position < roles[j].Position })
	return roles, nil
}

// fakeRunner completes every role unless told otherwise.
type fakeRunner struct {
	started  []model.Role
	statuses map[model.Role]model.RunStatus
	loopErrs map[model.Role]error
}

func (r *fakeRunner) StartRun(_ context.Context, options orchestrator.StartOptions) (orchestrator.StartResult, error) {
	r.started = append(r.started, options.Role)
	return orchestrator.StartResult{
		RunID:      "run-" + string(options.Role),
		ProjectDir: options.ProjectDir,
		Role:       options.Role,
	}, nil
}

func (r *fakeRunner) RunLoop(_ context.Context, options orchestrator.LoopOptions) (orchestrator.LoopResult, error) {
	role := model.Role(options.RunID[len("run-"):])
	if err := r.loopErrs[role]; err != nil {
		return orchestrator.LoopResult{}, err
	}
	status := model.RunStatusComplete
	if s, ok := r.statuses[role]; ok {
		status = s
	}
	return orchestrator.LoopResult{RunID: options.RunID, Status: status}, nil
}

func TestPipelineRunsRolesInOrder(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{}
	c := New(store, runner)

	result, err := c.Run(context.Background(), RunOptions{ProjectDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != model.PipelineStatusComplete {
		t.Fatalf("expected completed pipeline, got %+v", result)
	}

	want := model.DefaultPipeline()
	if len(runner.started) != len(want) {
		t.Fatalf("started roles = %v", runner.started)
	}
	for i, role := range want {
		if runner.started[i] != role {
			t.Fatalf("role order = %v, want %v", runner.started, want)
		}
	}
	for _, role := range result.Roles {
		if role.Status != model.RoleStatusComplete {
			t.Fatalf("role %s not completed: %+v", role.Role, role)
		}
		if role.RunID == "" {
			t.Fatalf("role %s missing run id", role.Role)
		}
	}
}

func TestPipelineHaltsOnRoleFailure(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{
		loopErrs: map[model.Role]error{model.RoleTester: errors.New("ledger validation failed")},
	}
	c := New(store, runner)

	result, err := c.Run(context.Background(), RunOptions{ProjectDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected a role failure")
	}
	var failure *RoleFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected RoleFailure, got %v", err)
	}
	if failure.Role != model.RoleTester {
		t.Fatalf("failed role = %s", failure.Role)
	}
	if result.Status != model.PipelineStatusFailed {
		t.Fatalf("expected failed pipeline, got %+v", result)
	}

	byRole := map[model.Role]model.RoleStatus{}
	for _, role := range result.Roles {
		byRole[role.Role] = role.Status
	}
	if byRole[model.RoleArchitect] != model.RoleStatusComplete || byRole[model.RoleEngineer] != model.RoleStatusComplete {
		t.Fatalf("roles before the failure should be completed: %v", byRole)
	}
	if byRole[model.RoleTester] != model.RoleStatusFailed {
		t.Fatalf("tester should be failed: %v", byRole)
	}
	if byRole[model.RoleCodeReview] != model.RoleStatusPending {
		t.Fatalf("roles after the failure should stay pending: %v", byRole)
	}
	if len(runner.started) != 3 {
		t.Fatalf("runner should stop at the failed role, started %v", runner.started)
	}
}

func TestPipelineResumeSkipsCompletedRoles(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{
		loopErrs: map[model.Role]error{model.RoleTester: errors.New("flaky")},
	}
	c := New(store, runner)
	projectDir := t.TempDir()

	if _, err := c.Run(context.Background(), RunOptions{ProjectDir: projectDir}); err == nil {
		t.Fatal("expected first pass to fail")
	}
	// A failed pipeline is terminal; resume runs against a fresh one, but a
	// stopped pipeline picks up where it left off.
	runner2 := &fakeRunner{
		statuses: map[model.Role]model.RunStatus{model.RoleEngineer: model.RunStatusStopped},
	}
	c2 := New(store, runner2)
	first, err := c2.Run(context.Background(), RunOptions{ProjectDir: projectDir})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if first.Status != model.PipelineStatusRunning {
		t.Fatalf("stopped role should leave the pipeline running, got %+v", first)
	}
	if len(runner2.started) != 2 || runner2.started[0] != model.RoleArchitect || runner2.started[1] != model.RoleEngineer {
		t.Fatalf("started roles = %v", runner2.started)
	}

	runner3 := &fakeRunner{}
	c3 := New(store, runner3)
	second, err := c3.Run(context.Background(), RunOptions{ProjectDir: projectDir})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !second.Resumed {
		t.Fatal("expected resume of the active pipeline")
	}
	if second.Status != model.PipelineStatusComplete {
		t.Fatalf("expected completion, got %+v", second)
	}
	if runner3.started[0] != model.RoleEngineer {
		t.Fatalf("resume should skip the completed architect role, started %v", runner3.started)
	}
}

func TestPipelineCustomRoleSubset(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{}
	c := New(store, runner)

	result, err := c.Run(context.Background(), RunOptions{
		ProjectDir: t.TempDir(),
		Roles:      []model.Role{model.RoleEngineer, model.RoleTester},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != model.PipelineStatusComplete {
		t.Fatalf("expected completion, got %+v", result)
	}
	if len(runner.started) != 2 || runner.started[0] != model.RoleEngineer || runner.started[1] != model.RoleTester {
		t.Fatalf("started roles = %v", runner.started)
	}
}

func TestPipelineStatus(t *testing.T) {
	store := newMemStore()
	runner := &fakeRunner{
		statuses: map[model.Role]model.RunStatus{model.RoleArchitect: model.RunStatusStopped},
	}
	c := New(store, runner)
	projectDir := t.TempDir()

	if _, err := c.Run(context.Background(), RunOptions{ProjectDir: projectDir}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	pipeline, roles, err := c.Status(projectDir)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if pipeline == nil || pipeline.Status != model.PipelineStatusRunning {
		t.Fatalf("expected an active pipeline, got %+v", pipeline)
	}
	if len(roles) != len(model.DefaultPipeline()) {
		t.Fatalf("roles = %v", roles)
	}
}
