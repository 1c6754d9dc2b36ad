package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/ledger"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/policy"
)

// Mandate tells a single session what it is allowed to do. The ledger
// validator holds the session to exactly this scope afterwards.
type Mandate struct {
	SessionID     string
	Kind          model.MandateKind
	Role          model.Role
	LedgerFile    string
	SpecFile      string
	ProgressFile  string
	MinRecords    int
	MaxPasses     int
	TaskIndex     int
	Task          ledger.Record
	SampleIndices []int
	Samples       []ledger.Record
	Guidance      string
}

// Outcome reports how a session ended. Truncation is an ordinary outcome,
// not a failure; ErrorText is set only when the agent itself errored.
// MutatedPaths lists the files the session changed on disk; the orchestrator
// fills it from the checkpoint store after the driver returns.
type Outcome struct {
	SessionID      string
	Completed      bool
	Truncated      bool
	TranscriptPath string
	Summary        string
	ErrorText      string
	MutatedPaths   []string
}

// AgentDriver launches the configured coding agent once per session, pipes
// the mandate instructions over stdin and captures the full transcript.
type AgentDriver struct {
	Command       string
	BaseArgs      []string
	Model         string
	Timeout       time.Duration
	ProjectDir    string
	PolicyPath    string
	TranscriptDir string
}

func New(cfg policy.Config, projectDir string, policyPath string) *AgentDriver {
	return &AgentDriver{
		Command:       cfg.Agent.Command,
		BaseArgs:      append([]string(nil), cfg.Agent.Args...),
		Model:         cfg.Agent.Model,
		Timeout:       time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
		ProjectDir:    projectDir,
		PolicyPath:    policyPath,
		TranscriptDir: filepath.Join(projectDir, "sessions"),
	}
}

// RunSession blocks until the agent exits or the session budget runs out.
// The returned error covers harness failures only (missing binary,
// unwritable transcript); agent-level failures land in the outcome.
func (d *AgentDriver) RunSession(ctx context.Context, mandate Mandate) (Outcome, error) {
	sessionID := strings.TrimSpace(mandate.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := os.MkdirAll(d.TranscriptDir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create transcript dir: %w", err)
	}
	transcriptPath := filepath.Join(d.TranscriptDir, sessionID+".log")
	transcript, err := os.Create(transcriptPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("create transcript: %w", err)
	}
	defer transcript.Close()

	runCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	args := append([]string(nil), d.BaseArgs...)
	if strings.TrimSpace(d.Model) != "" {
		args = append(args, "--model", d.Model)
	}

	tail := &tailBuffer{limit: 16 * 1024}
	cmd := exec.CommandContext(runCtx, d.Command, args...)
	// Agents leave dev servers behind that keep the output pipes open.
	cmd.WaitDelay = 10 * time.Second
	cmd.Dir = d.ProjectDir
	cmd.Stdin = strings.NewReader(BuildInstructions(mandate))
	cmd.Stdout = io.MultiWriter(transcript, tail)
	cmd.Stderr = transcript
	cmd.Env = append(os.Environ(),
		"HARNESS_PROJECT_DIR="+d.ProjectDir,
		"HARNESS_SANDBOX_POLICY="+d.PolicyPath,
		"HARNESS_SESSION_ID="+sessionID,
	)

	runErr := cmd.Run()

	outcome := Outcome{
		SessionID:      sessionID,
		TranscriptPath: transcriptPath,
	}
	result := parseSessionResult(tail.String())
	outcome.Summary = result.Summary

	switch {
	case runCtx.Err() != nil:
		outcome.Truncated = true
	case result.Status == "max_turns":
		outcome.Truncated = true
	case signalKilled(runErr):
		// External kill or OOM: the session ended early, the agent did not err.
		outcome.Truncated = true
	case runErr != nil:
		var execErr *exec.Error
		if errors.As(runErr, &execErr) {
			return Outcome{}, fmt.Errorf("launch agent %s: %w", d.Command, runErr)
		}
		outcome.ErrorText = runErr.Error()
		if result.Status == "error" && result.Summary != "" {
			outcome.ErrorText = result.Summary
		}
	case result.Status == "error":
		outcome.ErrorText = result.Summary
		if outcome.ErrorText == "" {
			outcome.ErrorText = "agent reported an error"
		}
	default:
		outcome.Completed = true
	}
	return outcome, nil
}

// signalKilled reports whether the agent process died to a signal rather
// than exiting on its own; the exit code is -1 exactly in that case.
func signalKilled(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return exitErr.ProcessState != nil && exitErr.ProcessState.ExitCode() == -1
}

type sessionResult struct {
	Status  string `json:"status"`
	Summary string `json:"summary"`
	Result  string `json:"result"`
}

// parseSessionResult looks for the agent's final JSON result line and falls
// back to the last non-empty output line as a summary.
func parseSessionResult(output string) sessionResult {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var result sessionResult
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			continue
		}
		if result.Status == "" && result.Summary == "" && result.Result == "" {
			continue
		}
		if result.Summary == "" {
			result.Summary = result.Result
		}
		result.Summary = clampSummary(result.Summary)
		return result
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return sessionResult{Summary: clampSummary(line)}
		}
	}
	return sessionResult{}
}

func clampSummary(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 160 {
		s = strings.TrimSpace(s[:160])
	}
	return s
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if b.limit > 0 && len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
