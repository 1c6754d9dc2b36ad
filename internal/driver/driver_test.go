package driver

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/ledger"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
)

func incrementalMandate() Mandate {
	return Mandate{
		Kind:         model.MandateIncremental,
		Role:         model.RoleEngineer,
		LedgerFile:   "feature_list.json",
		ProgressFile: "progress_notes.md",
		MaxPasses:    1,
		TaskIndex:    2,
		Task: ledger.Record{
			Category:    "auth",
			Description: "Implement login form with validation",
			Steps:       []string{"open /login", "submit empty form", "see validation errors"},
		},
	}
}

func TestBuildInstructionsIncremental(t *testing.T) {
	text := BuildInstructions(incrementalMandate())

	for _, want := range []string{
		"exactly one feature",
		"feature #2",
		"Implement login form with validation",
		"submit empty form",
		"Do not mark any other record passing",
		"progress_notes.md",
		"\"passes\" is the only field you may change",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("instructions missing %q:\n%s", want, text)
		}
	}
}

func TestBuildInstructionsMultiPass(t *testing.T) {
	mandate := incrementalMandate()
	mandate.MaxPasses = 3
	text := BuildInstructions(mandate)

	if !strings.Contains(text, "up to 3 records") {
		t.Fatalf("expected multi-pass allowance in instructions:\n%s", text)
	}
	if strings.Contains(text, "Do not mark any other record passing") {
		t.Fatal("single-pass restriction should not appear in multi-pass instructions")
	}
}

func TestBuildInstructionsBootstrap(t *testing.T) {
	text := BuildInstructions(Mandate{
		Kind:         model.MandateBootstrap,
		LedgerFile:   "feature_list.json",
		SpecFile:     "app_spec.md",
		ProgressFile: "progress_notes.md",
		MinRecords:   100,
	})

	for _, want := range []string{
		"app_spec.md",
		"at least 100 feature records",
		"feature_list.json",
		"never wrapped in an object",
		`"passes": false`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("bootstrap instructions missing %q:\n%s", want, text)
		}
	}

	retry := BuildInstructions(Mandate{
		Kind:       model.MandateBootstrap,
		LedgerFile: "feature_list.json",
		MinRecords: 100,
		Guidance:   "the last attempt wrote only 12 records",
	})
	if !strings.Contains(retry, "the last attempt wrote only 12 records") {
		t.Fatalf("expected retry guidance in instructions:\n%s", retry)
	}
}

func TestBuildInstructionsVerification(t *testing.T) {
	text := BuildInstructions(Mandate{
		Kind:          model.MandateVerification,
		LedgerFile:    "feature_list.json",
		SampleIndices: []int{0, 4},
		Samples: []ledger.Record{
			{Description: "Project scaffold builds", Steps: []string{"npm run build"}},
			{Description: "Dashboard renders charts"},
		},
	})

	for _, want := range []string{
		"verification session",
		"Feature #0: Project scaffold builds",
		"Feature #4: Dashboard renders charts",
		"back to false",
		"Do not mark any new feature passing",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("verification instructions missing %q:\n%s", want, text)
		}
	}
}

func TestBuildInstructionsRolePreamble(t *testing.T) {
	withRole := BuildInstructions(incrementalMandate())
	if !strings.Contains(withRole, "implementation engineer") {
		t.Fatalf("expected engineer guidance:\n%s", withRole)
	}

	mandate := incrementalMandate()
	mandate.Role = ""
	withoutRole := BuildInstructions(mandate)
	if strings.Contains(withoutRole, "Act as") {
		t.Fatalf("expected no role preamble:\n%s", withoutRole)
	}
}

func shDriver(t *testing.T, script string, timeout time.Duration) *AgentDriver {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	projectDir := t.TempDir()
	return &AgentDriver{
		Command:       "sh",
		BaseArgs:      []string{"-c", script},
		Timeout:       timeout,
		ProjectDir:    projectDir,
		PolicyPath:    filepath.Join(projectDir, ".harness/policy.json"),
		TranscriptDir: filepath.Join(projectDir, "sessions"),
	}
}

func TestRunSessionCompleted(t *testing.T) {
	d := shDriver(t, `cat >/dev/null; echo '{"status":"complete","summary":"implemented login form"}'`, 0)

	mandate := incrementalMandate()
	mandate.SessionID = "sess-fixed"
	outcome, err := d.RunSession(context.Background(), mandate)
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if !outcome.Completed {
		t.Fatalf("expected completed outcome, got %+v", outcome)
	}
	if outcome.Truncated || outcome.ErrorText != "" {
		t.Fatalf("unexpected truncation or error: %+v", outcome)
	}
	if outcome.Summary != "implemented login form" {
		t.Fatalf("Summary = %q", outcome.Summary)
	}
	if outcome.SessionID != "sess-fixed" {
		t.Fatalf("expected mandate session id to be used, got %q", outcome.SessionID)
	}

	data, err := os.ReadFile(outcome.TranscriptPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(data), `"status":"complete"`) {
		t.Fatalf("transcript missing agent output: %s", data)
	}
}

func TestRunSessionPipesInstructions(t *testing.T) {
	d := shDriver(t, "cat", 0)

	outcome, err := d.RunSession(context.Background(), incrementalMandate())
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if !outcome.Completed {
		t.Fatalf("expected completed outcome, got %+v", outcome)
	}
	data, err := os.ReadFile(outcome.TranscriptPath)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if !strings.Contains(string(data), "Implement login form with validation") {
		t.Fatal("expected the mandate to reach the agent over stdin")
	}
}

func TestRunSessionMaxTurns(t *testing.T) {
	d := shDriver(t, `cat >/dev/null; echo '{"status":"max_turns","summary":"ran out of turns"}'`, 0)

	outcome, err := d.RunSession(context.Background(), incrementalMandate())
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if !outcome.Truncated {
		t.Fatalf("expected truncated outcome, got %+v", outcome)
	}
	if outcome.Completed || outcome.ErrorText != "" {
		t.Fatalf("truncation should not complete or error: %+v", outcome)
	}
}

func TestRunSessionTimeout(t *testing.T) {
	d := shDriver(t, "cat >/dev/null; exec sleep 5", 500*time.Millisecond)

	start := time.Now()
	outcome, err := d.RunSession(context.Background(), incrementalMandate())
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if !outcome.Truncated {
		t.Fatalf("expected truncated outcome after timeout, got %+v", outcome)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("session was not killed at the budget, took %s", elapsed)
	}
}

func TestRunSessionKilledExternally(t *testing.T) {
	d := shDriver(t, `cat >/dev/null; kill -KILL $$`, 0)

	outcome, err := d.RunSession(context.Background(), incrementalMandate())
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if !outcome.Truncated {
		t.Fatalf("expected a killed session to be truncated, got %+v", outcome)
	}
	if outcome.Completed || outcome.ErrorText != "" {
		t.Fatalf("a killed session is not an agent error: %+v", outcome)
	}
}

func TestRunSessionAgentError(t *testing.T) {
	d := shDriver(t, "cat >/dev/null; echo broken; exit 3", 0)

	outcome, err := d.RunSession(context.Background(), incrementalMandate())
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if outcome.Completed || outcome.Truncated {
		t.Fatalf("expected error outcome, got %+v", outcome)
	}
	if outcome.ErrorText == "" {
		t.Fatal("expected error text for non-zero exit")
	}
}

func TestRunSessionMissingBinary(t *testing.T) {
	d := &AgentDriver{
		Command:       "definitely-not-a-real-agent-binary",
		ProjectDir:    t.TempDir(),
		TranscriptDir: filepath.Join(t.TempDir(), "sessions"),
	}

	if _, err := d.RunSession(context.Background(), incrementalMandate()); err == nil {
		t.Fatal("expected a harness error for a missing agent binary")
	}
}

func TestRunSessionEnvironment(t *testing.T) {
	d := shDriver(t, `cat >/dev/null; echo "$HARNESS_PROJECT_DIR"`, 0)

	outcome, err := d.RunSession(context.Background(), incrementalMandate())
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if outcome.Summary != d.ProjectDir {
		t.Fatalf("expected project dir in environment, got %q", outcome.Summary)
	}
}
