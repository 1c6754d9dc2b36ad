package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const DefaultPolicyPath = ".harness/policy.json"

const DefaultDBPath = ".harness/harness.db"

type Config struct {
	Version int `json:"version"`
	Agent   struct {
		Command        string   `json:"command"`
		Args           []string `json:"args,omitempty"`
		Model          string   `json:"model,omitempty"`
		TimeoutSeconds int      `json:"timeout_seconds"`
	} `json:"agent"`
	Loop struct {
		AutoContinueDelaySeconds int `json:"auto_continue_delay_seconds"`
		MaxSessions              int `json:"max_sessions"`
		MaxPassesPerSession      int `json:"max_passes_per_session"`
		MaxConsecutiveFailures   int `json:"max_consecutive_failures"`
		BootstrapMinRecords      int `json:"bootstrap_min_records"`
		BootstrapMaxAttempts     int `json:"bootstrap_max_attempts"`
		VerifySampleSize         int `json:"verify_sample_size"`
	} `json:"loop"`
	Ledger struct {
		File         string `json:"file"`
		ProgressFile string `json:"progress_file"`
		SpecFile     string `json:"spec_file"`
	} `json:"ledger"`
	Sandbox SandboxRules `json:"sandbox"`
	Checkpoint struct {
		LabelPattern string `json:"label_pattern"`
		AuthorName   string `json:"author_name"`
		AuthorEmail  string `json:"author_email"`
	} `json:"checkpoint"`
	Notify struct {
		Redis struct {
			URL    string `json:"url"`
			Stream string `json:"stream"`
		} `json:"redis"`
	} `json:"notify"`
}

type SandboxRules struct {
	AllowedCommands []string `json:"allowed_commands"`
	PkillProcesses  []string `json:"pkill_processes"`
	InitScript      string   `json:"init_script"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Agent.Command = "cursor-agent"
	cfg.Agent.TimeoutSeconds = 3600
	cfg.Loop.AutoContinueDelaySeconds = 3
	cfg.Loop.MaxSessions = 0
	cfg.Loop.MaxPassesPerSession = 1
	cfg.Loop.MaxConsecutiveFailures = 5
	cfg.Loop.BootstrapMinRecords = 100
	cfg.Loop.BootstrapMaxAttempts = 3
	cfg.Loop.VerifySampleSize = 3
	cfg.Ledger.File = "feature_list.json"
	cfg.Ledger.ProgressFile = "progress_notes.md"
	cfg.Ledger.SpecFile = "app_spec.md"
	cfg.Sandbox.AllowedCommands = DefaultAllowedCommands()
	cfg.Sandbox.PkillProcesses = DefaultPkillProcesses()
	cfg.Sandbox.InitScript = "init.sh"
	cfg.Checkpoint.LabelPattern = "session {session}: {summary}"
	cfg.Checkpoint.AuthorName = "harness"
	cfg.Checkpoint.AuthorEmail = "harness@localhost"
	cfg.Notify.Redis.Stream = "harness.events"
	return cfg
}

// DefaultAllowedCommands is the development-task allowlist; everything else
// is denied by default.
func DefaultAllowedCommands() []string {
	return []string{
		"ls", "cat", "head", "tail", "wc", "grep", "find", "tree",
		"cp", "mv", "mkdir", "chmod", "touch",
		"pwd", "cd",
		"npm", "node", "npx",
		"python", "python3", "pip", "pip3",
		"git",
		"ps", "lsof", "sleep", "pkill",
		"echo", "which", "curl", "wget",
		"init.sh", "bash", "sh",
	}
}

func DefaultPkillProcesses() []string {
	return []string{"node", "npm", "npx", "vite", "next", "webpack", "parcel", "python", "python3"}
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Agent.Command) == "" {
		return fmt.Errorf("agent.command cannot be empty")
	}
	if cfg.Agent.TimeoutSeconds <= 0 {
		return fmt.Errorf("agent.timeout_seconds must be > 0")
	}
	if cfg.Loop.AutoContinueDelaySeconds < 0 {
		return fmt.Errorf("loop.auto_continue_delay_seconds must be >= 0")
	}
	if cfg.Loop.MaxSessions < 0 {
		return fmt.Errorf("loop.max_sessions must be >= 0")
	}
	if cfg.Loop.MaxPassesPerSession <= 0 {
		return fmt.Errorf("loop.max_passes_per_session must be > 0")
	}
	if cfg.Loop.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("loop.max_consecutive_failures must be > 0")
	}
	if cfg.Loop.BootstrapMinRecords <= 0 {
		return fmt.Errorf("loop.bootstrap_min_records must be > 0")
	}
	if cfg.Loop.BootstrapMaxAttempts <= 0 {
		return fmt.Errorf("loop.bootstrap_max_attempts must be > 0")
	}
	if cfg.Loop.VerifySampleSize < 0 {
		return fmt.Errorf("loop.verify_sample_size must be >= 0")
	}
	if strings.TrimSpace(cfg.Ledger.File) == "" {
		return fmt.Errorf("ledger.file cannot be empty")
	}
	if strings.TrimSpace(cfg.Ledger.ProgressFile) == "" {
		return fmt.Errorf("ledger.progress_file cannot be empty")
	}
	if len(cfg.Sandbox.AllowedCommands) == 0 {
		return fmt.Errorf("sandbox.allowed_commands must contain at least one entry")
	}
	for _, command := range cfg.Sandbox.AllowedCommands {
		if strings.TrimSpace(command) == "" {
			return fmt.Errorf("sandbox.allowed_commands cannot contain empty entries")
		}
	}
	if strings.TrimSpace(cfg.Checkpoint.LabelPattern) == "" {
		return fmt.Errorf("checkpoint.label_pattern cannot be empty")
	}
	return nil
}

func RenderCheckpointLabel(pattern string, session int, summary string) string {
	s := strings.ReplaceAll(pattern, "{session}", fmt.Sprintf("%d", session))
	s = strings.ReplaceAll(s, "{summary}", strings.TrimSpace(summary))
	if strings.TrimSpace(s) == "" {
		return fmt.Sprintf("session %d", session)
	}
	return s
}

// RenderRunName produces a token safe for use in ids and file names.
func RenderRunName(role string, project string) string {
	role = sanitizeToken(role)
	project = sanitizeToken(filepath.Base(project))
	if role == "x" {
		return project
	}
	return fmt.Sprintf("%s-%s", role, project)
}

func sanitizeToken(token string) string {
	token = strings.TrimSpace(strings.ToLower(token))
	token = strings.ReplaceAll(token, " ", "-")
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", ",", "-", ".", "-", "@", "-", "#", "-", "[", "-", "]", "-", "{", "-", "}", "-", "(", "-", ")", "-")
	token = replacer.Replace(token)
	for strings.Contains(token, "--") {
		token = strings.ReplaceAll(token, "--", "-")
	}
	token = strings.Trim(token, "-")
	if token == "" {
		token = "x"
	}
	return token
}
