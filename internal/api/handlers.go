package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/gateway"
	"lab-sandbox/internal/lifecycle"
	"lab-sandbox/internal/reaper"
	"lab-sandbox/internal/sandbox"
	"lab-sandbox/internal/storage"
)

// Templates is the catalog as the API sees it.
type Templates interface {
	Get(id string) (catalog.Template, error)
	List(kind catalog.Kind) []catalog.Template
}

// Instances is the lifecycle manager as the API sees it.
type Instances interface {
	Start(ctx context.Context, userID, templateID string) (lifecycle.Instance, error)
	Stop(ctx context.Context, id string) error
	Renew(ctx context.Context, id string, extension time.Duration) (lifecycle.Instance, error)
	GetInstance(id string) (lifecycle.Instance, error)
	ListInstances(userID string) []lifecycle.Instance
	RefreshUsage(ctx context.Context, id string) (sandbox.Usage, error)
	ActiveCount() int
	Stopped(id, userID string) bool
}

// Executor runs commands and code in instances.
type Executor interface {
	Execute(ctx context.Context, req gateway.Request) (*gateway.Result, error)
	ExecuteStreaming(ctx context.Context, req gateway.Request, stdout, stderr io.Writer) (*gateway.Result, error)
	RunCode(ctx context.Context, instanceID, language, code string, timeout time.Duration) (*gateway.Result, error)
	Upload(ctx context.Context, req gateway.UploadRequest) (*gateway.UploadResult, error)
}

// Sweeper runs an on-demand reclamation pass.
type Sweeper interface {
	Sweep(ctx context.Context) *reaper.SweepReport
}

// AuditStore answers audit queries. *storage.DB implements it.
type AuditStore interface {
	Healthy(ctx context.Context) bool
	ListEvents(ctx context.Context, instanceID string) ([]storage.EventRecord, error)
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
}

type Handlers struct {
	templates Templates
	instances Instances
	gateway   Executor
	reaper    Sweeper
	audit     AuditStore
}

func NewHandlers(templates Templates, instances Instances, gw Executor, sweeper Sweeper, audit AuditStore) *Handlers {
	return &Handlers{
		templates: templates,
		instances: instances,
		gateway:   gw,
		reaper:    sweeper,
		audit:     audit,
	}
}

func (h *Handlers) HandleListTemplates(w http.ResponseWriter, r *http.Request) {
	kind := catalog.Kind(r.URL.Query().Get("kind"))
	if kind != "" {
		if _, ok := catalog.ProfileOf(kind); !ok {
			writeError(w, "unknown kind: "+string(kind), "VALIDATION_ERROR", http.StatusBadRequest, r)
			return
		}
	}

	templates := h.templates.List(kind)
	resp := make([]TemplateResponse, 0, len(templates))
	for _, t := range templates {
		resp = append(resp, templateResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.templates.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, templateResponse(t))
}

func (h *Handlers) HandleStartInstance(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req StartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TemplateID == "" {
		writeError(w, "template_id is required", "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	inst, err := h.instances.Start(r.Context(), user, req.TemplateID)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusCreated, instanceResponse(inst))
}

func (h *Handlers) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	instances := h.instances.ListInstances(user)
	resp := make([]InstanceResponse, 0, len(instances))
	for _, inst := range instances {
		resp = append(resp, instanceResponse(inst))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.ownedInstance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse(inst))
}

// HandleStopInstance releases an instance. Stopping an instance the caller
// already stopped answers 204 again.
func (h *Handlers) HandleStopInstance(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	inst, err := h.instances.GetInstance(id)
	if err == nil && inst.UserID != user {
		err = lifecycle.ErrNotFound
	}
	if errors.Is(err, lifecycle.ErrNotFound) && h.instances.Stopped(id, user) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeDomainError(w, err, r)
		return
	}

	err = h.instances.Stop(r.Context(), inst.ID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, lifecycle.ErrCleanupPending):
		// The instance is gone for the user; the reaper finishes the release.
		writeJSON(w, http.StatusAccepted, map[string]string{"id": inst.ID, "status": "cleanup_pending"})
	default:
		writeDomainError(w, err, r)
	}
}

func (h *Handlers) HandleRenewInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.ownedInstance(w, r)
	if !ok {
		return
	}

	var req RenewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Extension.Duration <= 0 {
		writeError(w, "extension must be positive", "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	renewed, err := h.instances.Renew(r.Context(), inst.ID, req.Extension.Duration)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse(renewed))
}

func (h *Handlers) HandleRefreshUsage(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.ownedInstance(w, r)
	if !ok {
		return
	}

	usage, err := h.instances.RefreshUsage(r.Context(), inst.ID)
	if errors.Is(err, sandbox.ErrUnsupported) {
		writeError(w, "usage sampling not supported by this runtime", "UNSUPPORTED", http.StatusNotImplemented, r)
		return
	}
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.ownedInstance(w, r)
	if !ok {
		return
	}

	var req ExecRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, "command is required", "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	res, err := h.gateway.Execute(r.Context(), gatewayRequest(inst.ID, req))
	h.writeResult(w, r, res, err)
}

func (h *Handlers) HandleRunCode(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.ownedInstance(w, r)
	if !ok {
		return
	}

	var req RunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	res, err := h.gateway.RunCode(r.Context(), inst.ID, req.Language, req.Code, req.Timeout.Duration)
	h.writeResult(w, r, res, err)
}

// HandleUpload stores the raw request body as a file named by the name
// query parameter.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.ownedInstance(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		writeError(w, "name is required", "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}

	res, err := h.gateway.Upload(r.Context(), gateway.UploadRequest{
		InstanceID: inst.ID,
		Name:       name,
		Role:       catalog.Role(q.Get("role")),
		Content:    r.Body,
	})
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// writeResult maps an execution outcome. A timed-out execution is still a
// result: the caller gets its partial output with timed_out set.
func (h *Handlers) writeResult(w http.ResponseWriter, r *http.Request, res *gateway.Result, err error) {
	if err != nil && !(errors.Is(err, gateway.ErrTimeout) && res != nil) {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, executionResponse(res))
}

func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.ownedInstance(w, r)
	if !ok {
		return
	}

	var req ExecRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, "command is required", "VALIDATION_ERROR", http.StatusBadRequest, r)
		return
	}
	if inst.State != lifecycle.StateRunning {
		writeDomainError(w, lifecycle.ErrInstanceNotRunning, r)
		return
	}

	stream := newSSEStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	res, err := h.gateway.ExecuteStreaming(r.Context(), gatewayRequest(inst.ID, req), stream.Writer("stdout"), stream.Writer("stderr"))
	if err != nil && !(errors.Is(err, gateway.ErrTimeout) && res != nil) {
		status, code := classify(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming execution failed")
		}
		stream.sendJSON("error", ErrorResponse{
			Error:     publicMessage(err, status),
			Code:      code,
			RequestID: RequestIDFromContext(r.Context()),
		})
		return
	}

	// Output was already streamed.
	done := executionResponse(res)
	done.Output, done.Stderr = "", ""
	stream.sendJSON("done", done)
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	events, err := h.audit.ListEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("listing events failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	// Stopped instances have no live record, so ownership comes from the trail.
	if len(events) == 0 || events[0].UserID != user {
		writeError(w, "instance not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	exec, err := h.audit.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil || exec.UserID != user {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		UserID:     user,
		InstanceID: q.Get("instance_id"),
		Status:     q.Get("status"),
		Limit:      100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "VALIDATION_ERROR", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be RFC 3339", "VALIDATION_ERROR", http.StatusBadRequest, r)
			return
		}
		filter.Since = &t
	}

	execs, err := h.audit.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("listing executions failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) HandleSweep(w http.ResponseWriter, r *http.Request) {
	if h.reaper == nil {
		writeError(w, "reaper not configured", "REAPER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusOK, h.reaper.Sweep(r.Context()))
}

// ownedInstance loads the path's instance. Instances of other users are
// reported as missing.
func (h *Handlers) ownedInstance(w http.ResponseWriter, r *http.Request) (lifecycle.Instance, bool) {
	user, ok := requireUser(w, r)
	if !ok {
		return lifecycle.Instance{}, false
	}
	inst, err := h.instances.GetInstance(r.PathValue("id"))
	if err == nil && inst.UserID != user {
		err = lifecycle.ErrNotFound
	}
	if err != nil {
		writeDomainError(w, err, r)
		return lifecycle.Instance{}, false
	}
	return inst, true
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(HeaderUserID)
	if user == "" {
		writeError(w, HeaderUserID+" header is required", "USER_REQUIRED", http.StatusUnauthorized, r)
		return "", false
	}
	return user, true
}

func gatewayRequest(instanceID string, req ExecRequest) gateway.Request {
	return gateway.Request{
		InstanceID: instanceID,
		Command:    req.Command,
		Timeout:    req.Timeout.Duration,
		Role:       catalog.Role(req.Role),
		Env:        req.Env,
		WorkDir:    req.WorkDir,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return false
		}
		writeError(w, "invalid JSON: "+err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
		return false
	}
	return true
}

// classify maps domain errors to an HTTP status and error code.
func classify(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE"
	case errors.Is(err, lifecycle.ErrTemplateNotFound):
		return http.StatusNotFound, "TEMPLATE_NOT_FOUND"
	case errors.Is(err, lifecycle.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "QUOTA_EXCEEDED"
	case errors.Is(err, lifecycle.ErrCapacityExhausted):
		return http.StatusServiceUnavailable, "CAPACITY_EXHAUSTED"
	case errors.Is(err, lifecycle.ErrProvisioningFailed):
		return http.StatusServiceUnavailable, "PROVISIONING_FAILED"
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, lifecycle.ErrInstanceNotRunning):
		return http.StatusConflict, "INSTANCE_NOT_RUNNING"
	case errors.Is(err, lifecycle.ErrRenewalRejected):
		return http.StatusUnprocessableEntity, "RENEWAL_REJECTED"
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, gateway.ErrSecurityViolation):
		return http.StatusForbidden, "SECURITY_BLOCKED"
	case errors.Is(err, gateway.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "CANCELLED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// publicMessage hides internal detail from server-side failures.
func publicMessage(err error, status int) string {
	var perr *lifecycle.ProvisioningError
	switch {
	case errors.As(err, &perr):
		return "provisioning failed for instance " + perr.InstanceID
	case status == http.StatusInternalServerError:
		return http.StatusText(status)
	default:
		return err.Error()
	}
}

func writeDomainError(w http.ResponseWriter, err error, r *http.Request) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Str("code", code).Msg("request failed")
	}
	writeError(w, publicMessage(err, status), code, status, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
