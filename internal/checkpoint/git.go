package checkpoint

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// GitStore persists project checkpoints as commits in the project's own
// repository. Every snapshot stages the full tree so a later restore can
// return to any session boundary.
type GitStore struct {
	RepoDir string
	GitPath string
}

func NewGitStore(repoDir string) *GitStore {
	return &GitStore{
		RepoDir: repoDir,
		GitPath: "git",
	}
}

type SnapshotError struct {
	Label string
	Err   error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot %q: %v", e.Label, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

type Entry struct {
	Revision  string
	Subject   string
	CreatedAt time.Time
}

// EnsureRepo initializes the repository if needed and pins a local commit
// identity so snapshots work without global git configuration.
func (s *GitStore) EnsureRepo(ctx context.Context, authorName string, authorEmail string) error {
	if _, err := os.Stat(filepath.Join(s.RepoDir, ".git")); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("stat git dir: %w", err)
		}
		if _, err := s.run(ctx, "init"); err != nil {
			return err
		}
	}
	if strings.TrimSpace(authorName) != "" {
		if _, err := s.run(ctx, "config", "user.name", authorName); err != nil {
			return err
		}
	}
	if strings.TrimSpace(authorEmail) != "" {
		if _, err := s.run(ctx, "config", "user.email", authorEmail); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot stages everything and commits under the given label, returning
// the new revision. Empty commits are allowed so a session that changed
// nothing still leaves a checkpoint boundary.
func (s *GitStore) Snapshot(ctx context.Context, label string) (string, error) {
	if _, err := s.run(ctx, "add", "-A"); err != nil {
		return "", &SnapshotError{Label: label, Err: err}
	}
	if _, err := s.run(ctx, "commit", "--allow-empty", "-m", label); err != nil {
		return "", &SnapshotError{Label: label, Err: err}
	}
	revision, err := s.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", &SnapshotError{Label: label, Err: err}
	}
	return revision, nil
}

// Current returns the latest checkpoint revision, or "" when no snapshot
// has been taken yet.
func (s *GitStore) Current(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, s.GitPath, "-C", s.RepoDir, "rev-parse", "--quiet", "--verify", "HEAD")
	out, err := cmd.Output()
	revision := strings.TrimSpace(string(out))
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok && revision == "" {
			return "", nil
		}
		return "", fmt.Errorf("read current revision in %s: %w", s.RepoDir, err)
	}
	return revision, nil
}

func (s *GitStore) Dirty(ctx context.Context) (bool, error) {
	out, err := s.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// ChangedPaths lists paths modified since the last snapshot.
func (s *GitStore) ChangedPaths(ctx context.Context) ([]string, error) {
	out, err := s.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	lines := strings.Split(out, "\n")
	paths := make([]string, 0, len(lines))
	for _, line := range lines {
		path := parseStatusPath(line)
		if path == "" {
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (s *GitStore) History(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := s.run(ctx, "log", "-n", fmt.Sprintf("%d", limit), "--pretty=format:%H%x09%cI%x09%s")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	lines := strings.Split(out, "\n")
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 {
			continue
		}
		createdAt, err := time.Parse(time.RFC3339, parts[1])
		if err != nil {
			return nil, fmt.Errorf("parse commit time %q: %w", parts[1], err)
		}
		entries = append(entries, Entry{
			Revision:  parts[0],
			CreatedAt: createdAt,
			Subject:   parts[2],
		})
	}
	return entries, nil
}

func (s *GitStore) run(ctx context.Context, args ...string) (string, error) {
	cmdArgs := append([]string{"-C", s.RepoDir}, args...)
	cmd := exec.CommandContext(ctx, s.GitPath, cmdArgs...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		return "", fmt.Errorf("git %s failed in %s: %s", strings.Join(args, " "), s.RepoDir, text)
	}
	return text, nil
}

func parseStatusPath(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	if strings.Contains(line, " -> ") {
		parts := strings.Split(line, " -> ")
		return strings.TrimSpace(parts[len(parts)-1])
	}
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return ""
	}
	return strings.Join(parts[1:], " ")
}
