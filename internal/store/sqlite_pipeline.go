package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/nirmalarya/cursor-autonomous-harness/internal/model"
)

func (s *SQLiteStore) CreatePipeline(record model.PipelineRecord) error {
	if strings.TrimSpace(record.PipelineID) == "" {
		return fmt.Errorf("pipeline id is required")
	}
	status := record.Status
	if status == "" {
		status = model.PipelineStatusRunning
	}
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`INSERT INTO pipelines (pipeline_id, project_dir, status, error_text, created_at, updated_at)
VALUES (%s, %s, %s, '', %s, %s);`,
		quote(record.PipelineID), quote(record.ProjectDir), quote(string(status)), quote(now), quote(now),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) GetPipeline(pipelineID string) (*model.PipelineRecord, error) {
	sql := fmt.Sprintf(
		`SELECT pipeline_id, project_dir, status, error_text, created_at, updated_at
FROM pipelines WHERE pipeline_id=%s;`,
		quote(pipelineID),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
	if err != nil {
		return nil, fmt.Errorf("parse pipeline created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, asString(row["updated_at"]))
	if err != nil {
		return nil, fmt.Errorf("parse pipeline updated_at: %w", err)
	}
	return &model.PipelineRecord{
		PipelineID: asString(row["pipeline_id"]),
		ProjectDir: asString(row["project_dir"]),
		Status:     model.PipelineStatus(asString(row["status"])),
		ErrorText:  asString(row["error_text"]),
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}

func (s *SQLiteStore) FindActivePipeline(projectDir string) (*model.PipelineRecord, error) {
	sql := fmt.Sprintf(
		`SELECT pipeline_id, project_dir, status, error_text, created_at, updated_at
FROM pipelines
WHERE project_dir=%s AND status=%s
ORDER BY created_at DESC
LIMIT 1;`,
		quote(projectDir),
		quote(string(model.PipelineStatusRunning)),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
	if err != nil {
		return nil, fmt.Errorf("parse pipeline created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, asString(row["updated_at"]))
	if err != nil {
		return nil, fmt.Errorf("parse pipeline updated_at: %w", err)
	}
	return &model.PipelineRecord{
		PipelineID: asString(row["pipeline_id"]),
		ProjectDir: asString(row["project_dir"]),
		Status:     model.PipelineStatus(asString(row["status"])),
		ErrorText:  asString(row["error_text"]),
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}

func (s *SQLiteStore) UpdatePipelineStatus(pipelineID string, status model.PipelineStatus, errorText string) error {
	sql := fmt.Sprintf(
		`UPDATE pipelines
SET status=%s, error_text=%s, updated_at=%s
WHERE pipeline_id=%s;`,
		quote(string(status)), quote(errorText), quote(time.Now().Format(time.RFC3339)), quote(pipelineID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) UpsertPipelineRole(record model.PipelineRoleRecord) error {
	if strings.TrimSpace(record.PipelineID) == "" {
		return fmt.Errorf("pipeline id is required")
	}
	if strings.TrimSpace(string(record.Role)) == "" {
		return fmt.Errorf("pipeline role is required")
	}
	sql := fmt.Sprintf(
		`INSERT OR REPLACE INTO pipeline_roles (pipeline_id, role, position, status, run_id, updated_at)
VALUES (%s, %s, %d, %s, %s, %s);`,
		quote(record.PipelineID), quote(string(record.Role)), record.Position,
		quote(string(record.Status)), quote(record.RunID), quote(time.Now().Format(time.RFC3339)),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ListPipelineRoles(pipelineID string) ([]model.PipelineRoleRecord, error) {
	sql := fmt.Sprintf(
		`SELECT pipeline_id, role, position, status, run_id, updated_at
FROM pipeline_roles
WHERE pipeline_id=%s
ORDER BY position;`,
		quote(pipelineID),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.PipelineRoleRecord, 0, len(rows))
	for _, row := range rows {
		updatedAt, err := time.Parse(time.RFC3339, asString(row["updated_at"]))
		if err != nil {
			return nil, fmt.Errorf("parse pipeline role updated_at: %w", err)
		}
		out = append(out, model.PipelineRoleRecord{
			PipelineID: asString(row["pipeline_id"]),
			Role:       model.Role(asString(row["role"])),
			Position:   asInt(row["position"]),
			Status:     model.RoleStatus(asString(row["status"])),
			RunID:      asString(row["run_id"]),
			UpdatedAt:  updatedAt,
		})
	}
	return out, nil
}

func (s *SQLiteStore) EnqueueOutbox(message model.OutboxMessage) error {
	messageID := strings.TrimSpace(message.MessageID)
	topic := strings.TrimSpace(message.Topic)
	payload := strings.TrimSpace(message.PayloadJSON)
	if messageID == "" {
		return fmt.Errorf("outbox message_id is required")
	}
	if topic == "" {
		return fmt.Errorf("outbox topic is required")
	}
	if payload == "" {
		return fmt.Errorf("outbox payload_json is required")
	}
	status := message.Status
	if strings.TrimSpace(string(status)) == "" {
		status = model.OutboxStatusPending
	}
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`INSERT OR IGNORE INTO outbox
  (message_id, topic, payload_json, status, attempt_count, last_error, created_at, updated_at, sent_at)
VALUES
  (%s, %s, %s, %s, %d, %s, %s, %s, '');`,
		quote(messageID),
		quote(topic),
		quote(payload),
		quote(string(status)),
		message.AttemptCount,
		quote(strings.TrimSpace(message.LastError)),
		quote(now),
		quote(now),
	)
	return s.execSQL(sql)
}

// ClaimOutboxPending marks a batch of pending or previously failed messages
// as processing and returns them. The claim marker keeps concurrent callers
// from dispatching the same row twice.
func (s *SQLiteStore) ClaimOutboxPending(limit int) ([]model.OutboxMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	marker := time.Now().UTC().Format(time.RFC3339Nano)
	sql := fmt.Sprintf(
		`BEGIN IMMEDIATE;
UPDATE outbox
SET status=%s,
    attempt_count=attempt_count+1,
    updated_at=%s
WHERE id IN (
  SELECT id
  FROM outbox
  WHERE status IN (%s, %s)
  ORDER BY created_at, id
  LIMIT %d
);
COMMIT;`,
		quote(string(model.OutboxStatusProcessing)),
		quote(marker),
		quote(string(model.OutboxStatusPending)),
		quote(string(model.OutboxStatusFailed)),
		limit,
	)
	if err := s.execSQL(sql); err != nil {
		return nil, err
	}
	return s.listOutboxByStatusAndUpdatedAt(model.OutboxStatusProcessing, marker)
}

func (s *SQLiteStore) MarkOutboxSent(messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("outbox message_id is required")
	}
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`UPDATE outbox
SET status=%s,
    last_error='',
    sent_at=%s,
    updated_at=%s
WHERE message_id=%s;`,
		quote(string(model.OutboxStatusSent)),
		quote(now),
		quote(now),
		quote(messageID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) MarkOutboxFailed(messageID string, lastError string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return fmt.Errorf("outbox message_id is required")
	}
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`UPDATE outbox
SET status=%s,
    last_error=%s,
    updated_at=%s
WHERE message_id=%s;`,
		quote(string(model.OutboxStatusFailed)),
		quote(strings.TrimSpace(lastError)),
		quote(now),
		quote(messageID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) ListOutboxByStatus(status model.OutboxStatus, limit int) ([]model.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := fmt.Sprintf(
		`SELECT id, message_id, topic, payload_json, status, attempt_count, last_error, created_at, updated_at, sent_at
FROM outbox
WHERE status=%s
ORDER BY id
LIMIT %d;`,
		quote(string(status)),
		limit,
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		message, err := parseOutboxRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, message)
	}
	return out, nil
}

func (s *SQLiteStore) CountOutboxByStatus(status model.OutboxStatus) (int, error) {
	sql := fmt.Sprintf(
		`SELECT count(*) AS count
FROM outbox
WHERE status=%s;`,
		quote(string(status)),
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

func (s *SQLiteStore) listOutboxByStatusAndUpdatedAt(status model.OutboxStatus, updatedAt string) ([]model.OutboxMessage, error) {
	sql := fmt.Sprintf(
		`SELECT id, message_id, topic, payload_json, status, attempt_count, last_error, created_at, updated_at, sent_at
FROM outbox
WHERE status=%s AND updated_at=%s
ORDER BY id;`,
		quote(string(status)),
		quote(updatedAt),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.OutboxMessage, 0, len(rows))
	for _, row := range rows {
		message, err := parseOutboxRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, message)
	}
	return out, nil
}

func parseOutboxRow(row map[string]any) (model.OutboxMessage, error) {
	createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
	if err != nil {
		return model.OutboxMessage{}, fmt.Errorf("parse outbox created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, asString(row["updated_at"]))
	if err != nil {
		updatedAt, err = time.Parse(time.RFC3339, asString(row["updated_at"]))
		if err != nil {
			return model.OutboxMessage{}, fmt.Errorf("parse outbox updated_at: %w", err)
		}
	}
	return model.OutboxMessage{
		ID:           int64(asInt(row["id"])),
		MessageID:    asString(row["message_id"]),
		Topic:        asString(row["topic"]),
		PayloadJSON:  asString(row["payload_json"]),
		Status:       model.OutboxStatus(asString(row["status"])),
		AttemptCount: asInt(row["attempt_count"]),
		LastError:    asString(row["last_error"]),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		SentAt:       parseTimePtr(asString(row["sent_at"])),
	}, nil
}
