package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
)

type SQLiteStore struct {
	DBPath     string
	SQLitePath string
}

func NewSQLiteStore(dbPath string) *SQLiteStore {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = ".harness/harness.db"
	}
	return &SQLiteStore{
		DBPath:     dbPath,
		SQLitePath: "sqlite3",
	}
}

func (s *SQLiteStore) Init() error {
	if err := os.MkdirAll(filepath.Dir(s.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}

	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  project_dir TEXT NOT NULL,
  role TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  phase TEXT NOT NULL,
  session_count INTEGER NOT NULL DEFAULT 0,
  stop_requested INTEGER NOT NULL DEFAULT 0,
  error_text TEXT NOT NULL DEFAULT '',
  policy_json TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  mandate TEXT NOT NULL,
  task_index INTEGER NOT NULL DEFAULT -1,
  status TEXT NOT NULL,
  transcript_path TEXT NOT NULL DEFAULT '',
  error_text TEXT NOT NULL DEFAULT '',
  mutated_paths TEXT NOT NULL DEFAULT '',
  started_at TEXT NOT NULL,
  ended_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS checkpoints (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  session_id TEXT NOT NULL DEFAULT '',
  label TEXT NOT NULL,
  revision TEXT NOT NULL,
  passing INTEGER NOT NULL DEFAULT 0,
  total INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  from_state TEXT NOT NULL DEFAULT '',
  to_state TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pipelines (
  pipeline_id TEXT PRIMARY KEY,
  project_dir TEXT NOT NULL,
  status TEXT NOT NULL,
  error_text TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pipeline_roles (
  pipeline_id TEXT NOT NULL,
  role TEXT NOT NULL,
  position INTEGER NOT NULL,
  status TEXT NOT NULL,
  run_id TEXT NOT NULL DEFAULT '',
  updated_at TEXT NOT NULL,
  PRIMARY KEY (pipeline_id, role)
);
CREATE TABLE IF NOT EXISTS outbox (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id TEXT NOT NULL UNIQUE,
  topic TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  status TEXT NOT NULL,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  sent_at TEXT NOT NULL DEFAULT ''
);`

	return s.execSQL(schema)
}

func (s *SQLiteStore) CreateRun(record model.RunRecord, policyJSON string) error {
	if strings.TrimSpace(record.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	status := record.Status
	if status == "" {
		status = model.RunStatusCreated
	}
	phase := record.Phase
	if phase == "" {
		phase = model.PhaseIdle
	}
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`INSERT INTO runs (run_id, project_dir, role, status, phase, session_count, stop_requested, error_text, policy_json, created_at, updated_at)
VALUES (%s, %s, %s, %s, %s, 0, 0, '', %s, %s, %s);`,
		quote(record.RunID), quote(record.ProjectDir), quote(string(record.Role)),
		quote(string(status)), quote(string(phase)), quote(policyJSON), quote(now), quote(now),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) GetRun(runID string) (model.RunRecord, string, error) {
	sql := fmt.Sprintf(
		`SELECT run_id, project_dir, role, status, phase, session_count, stop_requested, error_text, policy_json, created_at, updated_at
FROM runs WHERE run_id=%s;`,
		quote(runID),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return model.RunRecord{}, "", err
	}
	if len(rows) == 0 {
		return model.RunRecord{}, "", fmt.Errorf("run %s not found", runID)
	}
	record, err := parseRunRow(rows[0])
	if err != nil {
		return model.RunRecord{}, "", err
	}
	return record, asString(rows[0]["policy_json"]), nil
}

// FindActiveRun returns the newest non-terminal run for a project, or nil
// when every run has finished.
func (s *SQLiteStore) FindActiveRun(projectDir string) (*model.RunRecord, error) {
	sql := fmt.Sprintf(
		`SELECT run_id, project_dir, role, status, phase, session_count, stop_requested, error_text, policy_json, created_at, updated_at
FROM runs
WHERE project_dir=%s AND status IN (%s, %s, %s)
ORDER BY created_at DESC
LIMIT 1;`,
		quote(projectDir),
		quote(string(model.RunStatusCreated)),
		quote(string(model.RunStatusRunning)),
		quote(string(model.RunStatusStopping)),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	record, err := parseRunRow(rows[0])
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *SQLiteStore) ListRuns(limit int) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	sql := fmt.Sprintf(
		`SELECT run_id, project_dir, role, status, phase, session_count, stop_requested, error_text, policy_json, created_at, updated_at
FROM runs
ORDER BY created_at DESC
LIMIT %d;`,
		limit,
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.RunRecord, 0, len(rows))
	for _, row := range rows {
		record, err := parseRunRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateRunStatus(runID string, status model.RunStatus, errorText string) error {
	sql := fmt.Sprintf(
		`UPDATE runs
SET status=%s, updated_at=%s, error_text=%s
WHERE run_id=%s;`,
		quote(string(status)), quote(time.Now().Format(time.RFC3339)), quote(errorText), quote(runID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) UpdateRunPhase(runID string, phase model.RunPhase) error {
	sql := fmt.Sprintf(
		`UPDATE runs
SET phase=%s, updated_at=%s
WHERE run_id=%s;`,
		quote(string(phase)), quote(time.Now().Format(time.RFC3339)), quote(runID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) RequestStop(runID string) error {
	sql := fmt.Sprintf(
		`UPDATE runs
SET stop_requested=1, updated_at=%s
WHERE run_id=%s;`,
		quote(time.Now().Format(time.RFC3339)), quote(runID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ClearStop(runID string) error {
	sql := fmt.Sprintf(
		`UPDATE runs
SET stop_requested=0, updated_at=%s
WHERE run_id=%s;`,
		quote(time.Now().Format(time.RFC3339)), quote(runID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) StopRequested(runID string) (bool, error) {
	sql := fmt.Sprintf(`SELECT stop_requested FROM runs WHERE run_id=%s;`, quote(runID))
	rows, err := s.queryJSON(sql)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, fmt.Errorf("run %s not found", runID)
	}
	return asInt(rows[0]["stop_requested"]) == 1, nil
}

func (s *SQLiteStore) IncrementRunSessions(runID string) error {
	sql := fmt.Sprintf(
		`UPDATE runs
SET session_count=session_count+1, updated_at=%s
WHERE run_id=%s;`,
		quote(time.Now().Format(time.RFC3339)), quote(runID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) CreateSession(record model.SessionRecord) error {
	if strings.TrimSpace(record.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	status := record.Status
	if status == "" {
		status = model.SessionStatusRunning
	}
	startedAt := record.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	sql := fmt.Sprintf(
		`INSERT INTO sessions (session_id, run_id, seq, mandate, task_index, status, transcript_path, error_text, started_at, ended_at)
VALUES (%s, %s, %d, %s, %d, %s, %s, %s, %s, '');`,
		quote(record.SessionID), quote(record.RunID), record.Seq, quote(string(record.Mandate)),
		record.TaskIndex, quote(string(status)), quote(record.TranscriptPath), quote(record.ErrorText),
		quote(startedAt.Format(time.RFC3339)),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) FinishSession(sessionID string, status model.SessionStatus, transcriptPath string, errorText string, mutatedPaths []string) error {
	paths := ""
	if len(mutatedPaths) > 0 {
		encoded, err := json.Marshal(mutatedPaths)
		if err != nil {
			return fmt.Errorf("encode mutated paths: %w", err)
		}
		paths = string(encoded)
	}
	sql := fmt.Sprintf(
		`UPDATE sessions
SET status=%s,
    transcript_path=%s,
    error_text=%s,
    mutated_paths=%s,
    ended_at=%s
WHERE session_id=%s;`,
		quote(string(status)), quote(transcriptPath), quote(errorText), quote(paths),
		quote(time.Now().Format(time.RFC3339)), quote(sessionID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ListSessions(runID string, limit int) ([]model.SessionRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	sql := fmt.Sprintf(
		`SELECT session_id, run_id, seq, mandate, task_index, status, transcript_path, error_text, mutated_paths, started_at, ended_at
FROM sessions
WHERE run_id=%s
ORDER BY seq
LIMIT %d;`,
		quote(runID),
		limit,
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.SessionRecord, 0, len(rows))
	for _, row := range rows {
		record, err := parseSessionRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *SQLiteStore) AddCheckpoint(record model.CheckpointRecord) error {
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	sql := fmt.Sprintf(
		`INSERT INTO checkpoints (run_id, session_id, label, revision, passing, total, created_at)
VALUES (%s, %s, %s, %s, %d, %d, %s);`,
		quote(record.RunID), quote(record.SessionID), quote(record.Label), quote(record.Revision),
		record.Passing, record.Total, quote(createdAt.Format(time.RFC3339)),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ListCheckpoints(runID string, limit int) ([]model.CheckpointRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := fmt.Sprintf(
		`SELECT run_id, session_id, label, revision, passing, total, created_at
FROM checkpoints
WHERE run_id=%s
ORDER BY id DESC
LIMIT %d;`,
		quote(runID),
		limit,
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.CheckpointRecord, 0, len(rows))
	for _, row := range rows {
		createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
		if err != nil {
			return nil, fmt.Errorf("parse checkpoint created_at: %w", err)
		}
		out = append(out, model.CheckpointRecord{
			RunID:     asString(row["run_id"]),
			SessionID: asString(row["session_id"]),
			Label:     asString(row["label"]),
			Revision:  asString(row["revision"]),
			Passing:   asInt(row["passing"]),
			Total:     asInt(row["total"]),
			CreatedAt: createdAt,
		})
	}
	return out, nil
}

func (s *SQLiteStore) AddEvent(runID, entityType, entityID, eventType, fromState, toState, message string) error {
	sql := fmt.Sprintf(
		`INSERT INTO events
  (run_id, entity_type, entity_id, event_type, from_state, to_state, message, created_at)
VALUES
  (%s, %s, %s, %s, %s, %s, %s, %s);`,
		quote(runID), quote(entityType), quote(entityID), quote(eventType), quote(fromState), quote(toState), quote(message), quote(time.Now().Format(time.RFC3339)),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ListEvents(runID string, limit int) ([]model.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := fmt.Sprintf(
		`SELECT id, run_id, entity_type, entity_id, event_type, from_state, to_state, message, created_at
FROM events
WHERE run_id=%s
ORDER BY id DESC
LIMIT %d;`,
		quote(runID),
		limit,
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.EventRecord, 0, len(rows))
	for _, row := range rows {
		createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
		if err != nil {
			return nil, fmt.Errorf("parse event created_at: %w", err)
		}
		out = append(out, model.EventRecord{
			ID:         int64(asInt(row["id"])),
			RunID:      asString(row["run_id"]),
			EntityType: asString(row["entity_type"]),
			EntityID:   asString(row["entity_id"]),
			EventType:  asString(row["event_type"]),
			FromState:  asString(row["from_state"]),
			ToState:    asString(row["to_state"]),
			Message:    asString(row["message"]),
			CreatedAt:  createdAt,
		})
	}
	return out, nil
}

func (s *SQLiteStore) CountEvents(runID string, eventType string) (int, error) {
	sql := fmt.Sprintf(
		`SELECT count(*) AS count
FROM events
WHERE run_id=%s AND event_type=%s;`,
		quote(runID),
		quote(eventType),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return asInt(rows[0]["count"]), nil
}

func (s *SQLiteStore) execSQL(sql string) error {
	cmd := exec.Command(s.SQLitePath, s.DBPath, sql)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sqlite exec failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *SQLiteStore) queryJSON(sql string) ([]map[string]any, error) {
	cmd := exec.Command(s.SQLitePath, "-json", s.DBPath, sql)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sqlite query failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		return []map[string]any{}, nil
	}
	rows := []map[string]any{}
	if err := json.Unmarshal(stdout.Bytes(), &rows); err != nil {
		return nil, fmt.Errorf("parse sqlite json output: %w", err)
	}
	return rows, nil
}

func parseRunRow(row map[string]any) (model.RunRecord, error) {
	createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("parse run created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, asString(row["updated_at"]))
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("parse run updated_at: %w", err)
	}
	return model.RunRecord{
		RunID:         asString(row["run_id"]),
		ProjectDir:    asString(row["project_dir"]),
		Role:          model.Role(asString(row["role"])),
		Status:        model.RunStatus(asString(row["status"])),
		Phase:         model.RunPhase(asString(row["phase"])),
		SessionCount:  asInt(row["session_count"]),
		StopRequested: asInt(row["stop_requested"]) == 1,
		ErrorText:     asString(row["error_text"]),
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}, nil
}

func parseSessionRow(row map[string]any) (model.SessionRecord, error) {
	startedAt, err := time.Parse(time.RFC3339, asString(row["started_at"]))
	if err != nil {
		return model.SessionRecord{}, fmt.Errorf("parse session started_at: %w", err)
	}
	var mutatedPaths []string
	if encoded := asString(row["mutated_paths"]); encoded != "" {
		if err := json.Unmarshal([]byte(encoded), &mutatedPaths); err != nil {
			return model.SessionRecord{}, fmt.Errorf("parse session mutated_paths: %w", err)
		}
	}
	return model.SessionRecord{
		SessionID:      asString(row["session_id"]),
		RunID:          asString(row["run_id"]),
		Seq:            asInt(row["seq"]),
		Mandate:        model.MandateKind(asString(row["mandate"])),
		TaskIndex:      asInt(row["task_index"]),
		Status:         model.SessionStatus(asString(row["status"])),
		TranscriptPath: asString(row["transcript_path"]),
		ErrorText:      asString(row["error_text"]),
		MutatedPaths:   mutatedPaths,
		StartedAt:      startedAt,
		EndedAt:        parseTimePtr(asString(row["ended_at"])),
	}, nil
}

func quote(s string) string {
	s = strings.ReplaceAll(s, "'", "''")
	return "'" + s + "'"
}

func asString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		if typed {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(v)
	}
}

func asInt(v any) int {
	switch typed := v.(type) {
	case float64:
		return int(typed)
	case string:
		n, _ := strconv.Atoi(typed)
		return n
	case int:
		return typed
	default:
		return 0
	}
}

func parseTimePtr(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}
