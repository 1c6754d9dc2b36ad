package model

import "time"

type RunStatus string

const (
	RunStatusCreated  RunStatus = "created"
	RunStatusRunning  RunStatus = "running"
	RunStatusStopping RunStatus = "stopping"
	RunStatusStopped  RunStatus = "stopped"
	RunStatusFailed   RunStatus = "failed"
	RunStatusComplete RunStatus = "completed"
)

type RunPhase string

const (
	PhaseIdle          RunPhase = "idle"
	PhaseBootstrapping RunPhase = "bootstrapping"
	PhaseVerifying     RunPhase = "verifying"
	PhaseSelecting     RunPhase = "selecting"
	PhaseExecuting     RunPhase = "executing"
	PhaseValidating    RunPhase = "validating"
	PhaseCheckpointing RunPhase = "checkpointing"
	PhaseCompleted     RunPhase = "completed"
	PhaseFailed        RunPhase = "failed"
)

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusTruncated SessionStatus = "truncated"
	SessionStatusError     SessionStatus = "error"
)

type MandateKind string

const (
	MandateBootstrap    MandateKind = "bootstrap"
	MandateIncremental  MandateKind = "incremental"
	MandateVerification MandateKind = "verification"
)

type PipelineStatus string

const (
	PipelineStatusRunning  PipelineStatus = "running"
	PipelineStatusComplete PipelineStatus = "completed"
	PipelineStatusFailed   PipelineStatus = "failed"
)

type RoleStatus string

const (
	RoleStatusPending  RoleStatus = "pending"
	RoleStatusRunning  RoleStatus = "running"
	RoleStatusComplete RoleStatus = "completed"
	RoleStatusFailed   RoleStatus = "failed"
)

type RunRecord struct {
	RunID         string    `json:"run_id"`
	ProjectDir    string    `json:"project_dir"`
	Role          Role      `json:"role,omitempty"`
	Status        RunStatus `json:"status"`
	Phase         RunPhase  `json:"phase"`
	SessionCount  int       `json:"session_count"`
	StopRequested bool      `json:"stop_requested"`
	ErrorText     string    `json:"error_text,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type SessionRecord struct {
	SessionID      string        `json:"session_id"`
	RunID          string        `json:"run_id"`
	Seq            int           `json:"seq"`
	Mandate        MandateKind   `json:"mandate"`
	TaskIndex      int           `json:"task_index"`
	Status         SessionStatus `json:"status"`
	TranscriptPath string        `json:"transcript_path,omitempty"`
	ErrorText      string        `json:"error_text,omitempty"`
	MutatedPaths   []string      `json:"mutated_paths,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
}

type CheckpointRecord struct {
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id,omitempty"`
	Label     string    `json:"label"`
	Revision  string    `json:"revision"`
	Passing   int       `json:"passing"`
	Total     int       `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

type EventRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	EventType  string    `json:"event_type"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type PipelineRecord struct {
	PipelineID string         `json:"pipeline_id"`
	ProjectDir string         `json:"project_dir"`
	Status     PipelineStatus `json:"status"`
	ErrorText  string         `json:"error_text,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type PipelineRoleRecord struct {
	PipelineID string     `json:"pipeline_id"`
	Role       Role       `json:"role"`
	Position   int        `json:"position"`
	Status     RoleStatus `json:"status"`
	RunID      string     `json:"run_id,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusSent       OutboxStatus = "sent"
	OutboxStatusFailed     OutboxStatus = "failed"
)

type OutboxMessage struct {
	ID           int64        `json:"id"`
	MessageID    string       `json:"message_id"`
	Topic        string       `json:"topic"`
	PayloadJSON  string       `json:"payload_json"`
	Status       OutboxStatus `json:"status"`
	AttemptCount int          `json:"attempt_count"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	SentAt       *time.Time   `json:"sent_at,omitempty"`
}

type RunNotice struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	RunID      string    `json:"run_id"`
	Role       Role      `json:"role,omitempty"`
	Phase      RunPhase  `json:"phase,omitempty"`
	Session    int       `json:"session,omitempty"`
	Passing    int       `json:"passing,omitempty"`
	Total      int       `json:"total,omitempty"`
	Message    string    `json:"message,omitempty"`
}
