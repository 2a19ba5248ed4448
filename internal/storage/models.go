package storage

import (
	"time"

	"github.com/google/uuid"

	"lab-sandbox/internal/gateway"
	"lab-sandbox/internal/lifecycle"
	"lab-sandbox/internal/monitor"
)

// EventRecord is a stored lifecycle transition.
type EventRecord struct {
	ID         string    `json:"id" db:"id"`
	InstanceID string    `json:"instance_id" db:"instance_id"`
	UserID     string    `json:"user_id" db:"user_id"`
	TemplateID string    `json:"template_id" db:"template_id"`
	FromState  string    `json:"from_state" db:"from_state"`
	ToState    string    `json:"to_state" db:"to_state"`
	Reason     string    `json:"reason,omitempty" db:"reason"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Execution represents a stored execution record. Only sizes and a hash of
// the command are kept, never the command text or its output.
type Execution struct {
	ID          string              `json:"id" db:"id"`
	Action      string              `json:"action" db:"action"` // exec, run, upload
	InstanceID  string              `json:"instance_id" db:"instance_id"`
	UserID      string              `json:"user_id" db:"user_id"`
	TemplateID  string              `json:"template_id" db:"template_id"`
	Kind        string              `json:"kind" db:"kind"`
	Role        string              `json:"role" db:"role"`
	Language    string              `json:"language,omitempty" db:"language"`
	CommandHash string              `json:"command_hash" db:"command_hash"`
	Status      string              `json:"status" db:"status"` // success, failure, timeout, blocked, cancelled, error
	ExitCode    int                 `json:"exit_code" db:"exit_code"`
	StdoutBytes int                 `json:"stdout_bytes" db:"stdout_bytes"`
	StderrBytes int                 `json:"stderr_bytes" db:"stderr_bytes"`
	InputBytes  int                 `json:"input_bytes,omitempty" db:"input_bytes"`
	Detections  []monitor.Detection `json:"detections,omitempty" db:"detections"`
	Error       string              `json:"error,omitempty" db:"error"`
	DurationMS  int64               `json:"duration_ms" db:"duration_ms"`
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	InstanceID string
	UserID     string
	Status     string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

func eventRecord(ev lifecycle.Event) *EventRecord {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return &EventRecord{
		ID:         uuid.New().String(),
		InstanceID: ev.InstanceID,
		UserID:     ev.UserID,
		TemplateID: ev.TemplateID,
		FromState:  string(ev.From),
		ToState:    string(ev.To),
		Reason:     ev.Reason,
		CreatedAt:  at,
	}
}

func executionRecord(r gateway.Record) *Execution {
	completed := r.StartedAt.Add(r.Duration)
	return &Execution{
		ID:          r.ID,
		Action:      r.Action,
		InstanceID:  r.InstanceID,
		UserID:      r.UserID,
		TemplateID:  r.TemplateID,
		Kind:        string(r.Kind),
		Role:        string(r.Role),
		Language:    r.Language,
		CommandHash: r.CommandHash,
		Status:      r.Status,
		ExitCode:    r.ExitCode,
		StdoutBytes: r.StdoutBytes,
		StderrBytes: r.StderrBytes,
		InputBytes:  r.InputBytes,
		Detections:  r.Detections,
		Error:       r.Error,
		DurationMS:  r.Duration.Milliseconds(),
		CreatedAt:   r.StartedAt,
		CompletedAt: &completed,
	}
}
