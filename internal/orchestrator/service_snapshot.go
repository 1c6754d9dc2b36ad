package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/ledger"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
	"github.com/nirmalarya/cursor-autonomous-harness/internal/policy"
)

// RunSnapshot is a read-only view over one run: the record, ledger
// completion, recent sessions and checkpoints, and any repeated sandbox
// denials worth surfacing.
type RunSnapshot struct {
	Run         model.RunRecord
	LedgerPath  string
	Revision    string
	Progress    ledger.Progress
	LedgerError string
	Sessions    []model.SessionRecord
	Checkpoints []model.CheckpointRecord
	Denials     []string
}

// Snapshot reads the run without mutating it. The ledger read retries a few
// times because the agent writes the file non-atomically mid-session.
func (s *Service) Snapshot(ctx context.Context, runID string) (RunSnapshot, error) {
	record, policyJSON, err := s.store.GetRun(runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	cfg := policy.Default()
	if strings.TrimSpace(policyJSON) != "" {
		if err := json.Unmarshal([]byte(policyJSON), &cfg); err != nil {
			return RunSnapshot{}, fmt.Errorf("parse stored policy for run %s: %w", runID, err)
		}
	}

	snapshot := RunSnapshot{
		Run:        record,
		LedgerPath: filepath.Join(record.ProjectDir, ledgerFileForRole(cfg.Ledger.File, record.Role)),
	}
	if _, statErr := os.Stat(snapshot.LedgerPath); statErr == nil {
		var records []ledger.Record
		readLedger := func(uint) error {
			loaded, loadErr := ledger.Load(snapshot.LedgerPath)
			if loadErr != nil {
				s.sleep(ctx, 100*time.Millisecond)
				return loadErr
			}
			records = loaded
			return nil
		}
		if retryErr := retry.Retry(readLedger, strategy.Limit(3)); retryErr != nil {
			snapshot.LedgerError = retryErr.Error()
		} else {
			snapshot.Progress = ledger.Completion(records)
		}
	}

	if sessions, err := s.store.ListSessions(runID, 10); err == nil {
		snapshot.Sessions = sessions
	}
	if checkpoints, err := s.store.ListCheckpoints(runID, 10); err == nil {
		snapshot.Checkpoints = checkpoints
	}
	repo := s.checkpointFactory(record.ProjectDir)
	if revision, revErr := repo.Current(ctx); revErr == nil {
		snapshot.Revision = revision
	}
	if len(snapshot.Checkpoints) == 0 {
		// Fresh or rebuilt database: the repo itself still has the history.
		if entries, histErr := repo.History(ctx, 10); histErr == nil {
			for _, entry := range entries {
				snapshot.Checkpoints = append(snapshot.Checkpoints, model.CheckpointRecord{
					RunID:     runID,
					Label:     entry.Subject,
					Revision:  entry.Revision,
					CreatedAt: entry.CreatedAt,
				})
			}
		}
	}
	snapshot.Denials = s.denialGaps(runID)
	return snapshot, nil
}

// RunStatus renders the snapshot as operator-facing text.
func (s *Service) RunStatus(ctx context.Context, runID string) (string, error) {
	snapshot, err := s.Snapshot(ctx, runID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s\n", snapshot.Run.RunID)
	fmt.Fprintf(&b, "  Project:  %s\n", snapshot.Run.ProjectDir)
	if strings.TrimSpace(string(snapshot.Run.Role)) != "" {
		fmt.Fprintf(&b, "  Role:     %s\n", snapshot.Run.Role)
	}
	fmt.Fprintf(&b, "  Status:   %s", snapshot.Run.Status)
	if snapshot.Run.StopRequested {
		b.WriteString(" (stop requested)")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Phase:    %s\n", snapshot.Run.Phase)
	fmt.Fprintf(&b, "  Sessions: %d\n", snapshot.Run.SessionCount)
	if snapshot.Revision != "" {
		fmt.Fprintf(&b, "  Revision: %s\n", shortRevision(snapshot.Revision))
	}
	switch {
	case snapshot.LedgerError != "":
		fmt.Fprintf(&b, "  Ledger:   unreadable (%s)\n", snapshot.LedgerError)
	case snapshot.Progress.Total > 0:
		fmt.Fprintf(&b, "  Progress: %s (%.1f%%)\n", snapshot.Progress.String(), snapshot.Progress.Fraction()*100)
	default:
		fmt.Fprintf(&b, "  Ledger:   not bootstrapped yet (%s)\n", snapshot.LedgerPath)
	}
	if snapshot.Run.ErrorText != "" {
		fmt.Fprintf(&b, "  Error:    %s\n", snapshot.Run.ErrorText)
	}

	if len(snapshot.Sessions) > 0 {
		b.WriteString("\nRecent sessions:\n")
		for _, session := range snapshot.Sessions {
			line := fmt.Sprintf("  #%d %s %s", session.Seq, session.Mandate, session.Status)
			if session.TaskIndex >= 0 {
				line += fmt.Sprintf(" (feature #%d)", session.TaskIndex)
			}
			if len(session.MutatedPaths) > 0 {
				line += fmt.Sprintf(" [%d file(s) changed]", len(session.MutatedPaths))
			}
			if session.ErrorText != "" {
				line += ": " + clampText(session.ErrorText, 80)
			}
			b.WriteString(line + "\n")
		}
	}

	if len(snapshot.Checkpoints) > 0 {
		b.WriteString("\nRecent checkpoints:\n")
		for _, cp := range snapshot.Checkpoints {
			fmt.Fprintf(&b, "  %s  %d/%d  %s\n", shortRevision(cp.Revision), cp.Passing, cp.Total, cp.Label)
		}
	}

	if len(snapshot.Denials) > 0 {
		b.WriteString("\nPolicy gaps (repeated sandbox denials):\n")
		for _, denial := range snapshot.Denials {
			fmt.Fprintf(&b, "  %s\n", denial)
		}
	}
	return b.String(), nil
}

func shortRevision(revision string) string {
	if len(revision) > 12 {
		return revision[:12]
	}
	return revision
}
