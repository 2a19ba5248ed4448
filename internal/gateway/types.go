package gateway

import (
	"errors"
	"fmt"
	"io"
	"time"

	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/monitor"
	"lab-sandbox/internal/runtime"
	"lab-sandbox/internal/sandbox"
)

var (
	ErrTimeout           = errors.New("execution timed out")
	ErrInvalidRequest    = errors.New("invalid execution request")
	ErrSecurityViolation = errors.New("execution blocked by security policy")

	// ErrUnsupportedLanguage is returned, wrapped with ErrInvalidRequest, by
	// RunCode for a language no runtime is registered for.
	ErrUnsupportedLanguage = runtime.ErrUnsupported
)

// Request is a command to run in one container of a running instance.
type Request struct {
	InstanceID string        `json:"instance_id"`
	Command    string        `json:"command"`
	Timeout    time.Duration `json:"timeout"`
	Role       catalog.Role  `json:"role,omitempty"` // Defaults to the kind's exec role
	Env        []string      `json:"env,omitempty"`
	WorkDir    string        `json:"work_dir,omitempty"`
}

// Result of one execution. Output and Stderr are capped independently.
type Result struct {
	ID             string              `json:"id"`
	InstanceID     string              `json:"instance_id"`
	Role           catalog.Role        `json:"role"`
	Output         string              `json:"output"`
	Stderr         string              `json:"stderr"`
	ExitCode       int                 `json:"exit_code"`
	TimedOut       bool                `json:"timed_out"`
	Truncated      bool                `json:"truncated"`
	Duration       time.Duration       `json:"duration"`
	Usage          *sandbox.Usage      `json:"usage,omitempty"`
	SecurityEvents []monitor.Detection `json:"security_events,omitempty"`
	CommandHash    string              `json:"command_hash"`
}

// MaxCommandSize bounds a shell command. The command reaches the container
// as a single environment string and again as an argv string, and Linux
// refuses either beyond 128 KiB.
const MaxCommandSize = 64 << 10

// Audited actions.
const (
	ActionExec   = "exec"
	ActionRun    = "run"
	ActionUpload = "upload"
)

// Execution statuses, used in metrics and audit records.
const (
	StatusSuccess   = "success"
	StatusFailure   = "failure" // Non-zero exit
	StatusTimeout   = "timeout"
	StatusBlocked   = "blocked"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// Record is the audit entry of one execution or upload. InputBytes is the
// size of a program or uploaded file.
type Record struct {
	ID          string
	Action      string
	InstanceID  string
	UserID      string
	TemplateID  string
	Kind        catalog.Kind
	Role        catalog.Role
	Language    string
	CommandHash string
	Status      string
	ExitCode    int
	InputBytes  int
	StdoutBytes int
	StderrBytes int
	Detections  []monitor.Detection
	Error       string
	StartedAt   time.Time
	Duration    time.Duration
}

// UploadRequest places a file in one container of a running instance.
type UploadRequest struct {
	InstanceID string
	Name       string       // Base name, stored in the template's work dir
	Role       catalog.Role // Defaults to the kind's exec role
	Content    io.Reader
}

// UploadResult describes a stored file.
type UploadResult struct {
	ID         string       `json:"id"`
	InstanceID string       `json:"instance_id"`
	Role       catalog.Role `json:"role"`
	Path       string       `json:"path"`
	Size       int          `json:"size"`
	SHA256     string       `json:"sha256"`
}

// ExecutionSink receives one Record per execution. It must not block.
type ExecutionSink interface {
	RecordExecution(Record)
}

// ExecutionError reports the step an execution failed at.
type ExecutionError struct {
	ExecID string
	Op     string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
