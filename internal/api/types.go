package api

import (
	"time"

	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/gateway"
	"lab-sandbox/internal/lifecycle"
	"lab-sandbox/internal/monitor"
	"lab-sandbox/internal/provision"
	"lab-sandbox/internal/sandbox"
)

// StartRequest asks for a new instance of a template.
type StartRequest struct {
	TemplateID string `json:"template_id"`
}

// RenewRequest extends a running instance.
type RenewRequest struct {
	Extension Duration `json:"extension"`
}

// ExecRequest runs a shell command in an instance.
type ExecRequest struct {
	Command string   `json:"command"`
	Timeout Duration `json:"timeout,omitempty"`
	Role    string   `json:"role,omitempty"` // Defaults to the kind's exec role
	Env     []string `json:"env,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
}

// RunRequest runs source code in a programming-language instance.
type RunRequest struct {
	Language string   `json:"language,omitempty"` // Defaults to the template's language
	Code     string   `json:"code"`
	Timeout  Duration `json:"timeout,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// TemplateResponse describes one environment template.
type TemplateResponse struct {
	ID                   string                 `json:"id"`
	Kind                 catalog.Kind           `json:"kind"`
	Description          string                 `json:"description,omitempty"`
	Image                string                 `json:"image"`
	CompanionImage       string                 `json:"companion_image,omitempty"`
	Language             string                 `json:"language,omitempty"`
	NetworkPolicy        catalog.NetworkPolicy  `json:"network_policy"`
	Limits               sandbox.ResourceLimits `json:"limits"`
	MaxLifetime          Duration               `json:"max_lifetime"`
	RenewalWindow        Duration               `json:"renewal_window"`
	MaxConcurrentPerUser int                    `json:"max_concurrent_per_user"`
	ExclusiveExec        bool                   `json:"exclusive_exec"`
}

func templateResponse(t catalog.Template) TemplateResponse {
	return TemplateResponse{
		ID:                   t.ID,
		Kind:                 t.Kind,
		Description:          t.Description,
		Image:                t.Image,
		CompanionImage:       t.CompanionImage,
		Language:             t.Language,
		NetworkPolicy:        t.NetworkPolicy,
		Limits:               t.Limits,
		MaxLifetime:          Duration{t.MaxLifetime},
		RenewalWindow:        Duration{t.RenewalWindow},
		MaxConcurrentPerUser: t.MaxConcurrentPerUser,
		ExclusiveExec:        t.ExclusiveExec,
	}
}

// InstanceResponse is the public view of an instance. Runtime IDs stay
// internal; only names and roles are shown.
type InstanceResponse struct {
	ID         string              `json:"id"`
	TemplateID string              `json:"template_id"`
	Kind       catalog.Kind        `json:"kind"`
	State      lifecycle.State     `json:"state"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpiresAt  *time.Time          `json:"expires_at,omitempty"`
	Containers []ContainerResponse `json:"containers"`
	Network    string              `json:"network,omitempty"`
	Usage      *sandbox.Usage      `json:"usage,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
	Renewals   int                 `json:"renewals"`
}

type ContainerResponse struct {
	Name string       `json:"name"`
	Role catalog.Role `json:"role"`
}

func instanceResponse(inst lifecycle.Instance) InstanceResponse {
	resp := InstanceResponse{
		ID:         inst.ID,
		TemplateID: inst.TemplateID,
		Kind:       inst.Kind,
		State:      inst.State,
		CreatedAt:  inst.CreatedAt,
		Containers: containerResponses(inst.Containers),
		Network:    inst.Network.Name,
		Usage:      inst.Usage,
		LastError:  inst.LastError,
		Renewals:   inst.Renewals,
	}
	if !inst.ExpiresAt.IsZero() {
		exp := inst.ExpiresAt
		resp.ExpiresAt = &exp
	}
	return resp
}

func containerResponses(handles []provision.ContainerHandle) []ContainerResponse {
	out := make([]ContainerResponse, 0, len(handles))
	for _, h := range handles {
		out = append(out, ContainerResponse{Name: h.Name, Role: h.Role})
	}
	return out
}

// ExecutionResponse is the API-level response after an execution.
type ExecutionResponse struct {
	ID             string              `json:"id"`
	InstanceID     string              `json:"instance_id"`
	Role           catalog.Role        `json:"role"`
	Output         string              `json:"output"`
	Stderr         string              `json:"stderr"`
	ExitCode       int                 `json:"exit_code"`
	TimedOut       bool                `json:"timed_out"`
	Truncated      bool                `json:"truncated"`
	Duration       string              `json:"duration"`
	Usage          *sandbox.Usage      `json:"usage,omitempty"`
	SecurityEvents []monitor.Detection `json:"security_events,omitempty"`
}

func executionResponse(res *gateway.Result) ExecutionResponse {
	return ExecutionResponse{
		ID:             res.ID,
		InstanceID:     res.InstanceID,
		Role:           res.Role,
		Output:         res.Output,
		Stderr:         res.Stderr,
		ExitCode:       res.ExitCode,
		TimedOut:       res.TimedOut,
		Truncated:      res.Truncated,
		Duration:       res.Duration.String(),
		Usage:          res.Usage,
		SecurityEvents: res.SecurityEvents,
	}
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status          string `json:"status"`
	Runtime         string `json:"runtime"`
	RuntimeOK       bool   `json:"runtime_ok"`
	Database        bool   `json:"database"`
	ActiveInstances int    `json:"active_instances"`
	Uptime          string `json:"uptime"`
}
