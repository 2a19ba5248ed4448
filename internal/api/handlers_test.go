package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/config"
	"lab-sandbox/internal/gateway"
	"lab-sandbox/internal/lifecycle"
	"lab-sandbox/internal/monitor"
	"lab-sandbox/internal/provision"
	"lab-sandbox/internal/reaper"
	"lab-sandbox/internal/sandbox"
	"lab-sandbox/internal/sandbox/sandboxtest"
	"lab-sandbox/internal/storage"
)

const testKey = "test-key"

type fakeAudit struct {
	healthy bool
	events  []storage.EventRecord
	execs   []storage.Execution
	filter  storage.ExecutionFilter
}

func (a *fakeAudit) Healthy(context.Context) bool { return a.healthy }

func (a *fakeAudit) ListEvents(_ context.Context, instanceID string) ([]storage.EventRecord, error) {
	var out []storage.EventRecord
	for _, ev := range a.events {
		if ev.InstanceID == instanceID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (a *fakeAudit) GetExecution(_ context.Context, id string) (*storage.Execution, error) {
	for i := range a.execs {
		if a.execs[i].ID == id {
			return &a.execs[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

func (a *fakeAudit) ListExecutions(_ context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error) {
	a.filter = filter
	var out []storage.Execution
	for _, e := range a.execs {
		if e.UserID == filter.UserID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fixture struct {
	driver  *sandboxtest.FakeDriver
	mgr     *lifecycle.Manager
	audit   *fakeAudit
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfgs := []config.TemplateConfig{
		{
			ID:                   "py",
			Kind:                 "programming-language",
			Language:             "python",
			MaxLifetime:          time.Hour,
			RenewalWindow:        30 * time.Minute,
			MaxConcurrentPerUser: 1,
		},
		{
			ID:                   "web",
			Kind:                 "vulnerability",
			Image:                "vulnerables/web-dvwa:latest",
			MaxLifetime:          time.Hour,
			MaxConcurrentPerUser: 2,
		},
	}
	cat, err := catalog.New(context.Background(), cfgs, catalog.Options{})
	if err != nil {
		t.Fatalf("catalog.New() error = %v", err)
	}

	d := sandboxtest.New()
	metrics := monitor.NewMetrics()
	mgr := lifecycle.NewManager(lifecycle.Config{Scope: "test", RetryBackoff: time.Millisecond}, lifecycle.Deps{
		Catalog:     cat,
		Networks:    provision.NewNetworkManager(d),
		Provisioner: provision.New(d, provision.Options{StopGrace: time.Millisecond, ReadyPoll: time.Millisecond}),
		Metrics:     metrics,
	})
	gw := gateway.New(d, mgr, gateway.Options{
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     10 * time.Second,
		MaxOutputBytes: 1 << 16,
		MaxUploadBytes: 1 << 16,
		KillGrace:      time.Second,
		Languages:      cat.Languages(),
		Metrics:        metrics,
	})
	rp := reaper.New(d, mgr, reaper.Options{Scope: "test", StopGrace: time.Millisecond})
	audit := &fakeAudit{healthy: true}

	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{testKey}
	cfg.Security.RateLimitRPS = 0

	srv := NewServer(cfg, Deps{
		Templates: cat,
		Instances: mgr,
		Gateway:   gw,
		Reaper:    rp,
		Audit:     audit,
		Runtime:   d,
		Metrics:   metrics,
	})
	return &fixture{driver: d, mgr: mgr, audit: audit, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testKey)
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) upload(t *testing.T, instanceID, user, query string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/instances/"+instanceID+"/files?"+query, bytes.NewReader(content))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-API-Key", testKey)
	req.Header.Set(HeaderUserID, user)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) start(t *testing.T, user, template string) InstanceResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/instances", user, StartRequest{TemplateID: template})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start %s: status %d: %s", template, rec.Code, rec.Body)
	}
	var inst InstanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&inst); err != nil {
		t.Fatal(err)
	}
	return inst
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestTemplates(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/templates?kind=vulnerability", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var list []TemplateResponse
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list) != 1 || list[0].ID != "web" {
		t.Errorf("templates = %+v, want [web]", list)
	}

	rec = f.do(t, http.MethodGet, "/templates/py", "", nil)
	var tmpl TemplateResponse
	json.NewDecoder(rec.Body).Decode(&tmpl)
	if tmpl.Language != "python" || tmpl.MaxLifetime.Duration != time.Hour {
		t.Errorf("template = %+v", tmpl)
	}

	rec = f.do(t, http.MethodGet, "/templates/nope", "", nil)
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Code != "TEMPLATE_NOT_FOUND" {
		t.Errorf("unknown template: status %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/templates?kind=astrology", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind: status %d, want 400", rec.Code)
	}
}

func TestInstanceLifecycle(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t, "alice", "py")

	if inst.State != lifecycle.StateRunning || inst.ExpiresAt == nil {
		t.Fatalf("instance = %+v", inst)
	}
	if len(inst.Containers) != 1 || inst.Containers[0].Role != catalog.RoleRuntime {
		t.Errorf("containers = %+v", inst.Containers)
	}

	rec := f.do(t, http.MethodGet, "/instances", "alice", nil)
	var list []InstanceResponse
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list) != 1 || list[0].ID != inst.ID {
		t.Errorf("list = %+v", list)
	}

	rec = f.do(t, http.MethodPost, "/instances/"+inst.ID+"/renew", "alice", map[string]string{"extension": "10m"})
	if rec.Code != http.StatusOK {
		t.Fatalf("renew: status %d: %s", rec.Code, rec.Body)
	}
	var renewed InstanceResponse
	json.NewDecoder(rec.Body).Decode(&renewed)
	if !renewed.ExpiresAt.After(*inst.ExpiresAt) || renewed.Renewals != 1 {
		t.Errorf("renewed = %+v", renewed)
	}

	rec = f.do(t, http.MethodPost, "/instances/"+inst.ID+"/renew", "alice", map[string]string{"extension": "5h"})
	if rec.Code != http.StatusUnprocessableEntity || decodeError(t, rec).Code != "RENEWAL_REJECTED" {
		t.Errorf("over-long renew: status %d", rec.Code)
	}

	f.driver.SetUsage(inst.Containers[0].Name, sandbox.Usage{MemoryBytes: 64 << 20, Pids: 3})
	rec = f.do(t, http.MethodPost, "/instances/"+inst.ID+"/usage", "alice", nil)
	var usage sandbox.Usage
	json.NewDecoder(rec.Body).Decode(&usage)
	if rec.Code != http.StatusOK || usage.MemoryBytes == 0 {
		t.Errorf("usage: status %d, %+v", rec.Code, usage)
	}

	rec = f.do(t, http.MethodDelete, "/instances/"+inst.ID, "alice", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("stop: status %d: %s", rec.Code, rec.Body)
	}
	if f.driver.LiveContainers() != 0 || f.driver.LiveNetworks() != 0 {
		t.Error("stop left runtime objects behind")
	}

	rec = f.do(t, http.MethodGet, "/instances/"+inst.ID, "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after stop: status %d, want 404", rec.Code)
	}
}

func TestStopInstance_Repeated(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t, "alice", "web")

	for i := range 2 {
		rec := f.do(t, http.MethodDelete, "/instances/"+inst.ID, "alice", nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("stop #%d: status %d, want 204: %s", i+1, rec.Code, rec.Body)
		}
	}

	// Another user still cannot learn the id existed.
	rec := f.do(t, http.MethodDelete, "/instances/"+inst.ID, "mallory", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("stop as mallory: status %d, want 404", rec.Code)
	}
	rec = f.do(t, http.MethodDelete, "/instances/01NEVER", "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("stop unknown: status %d, want 404", rec.Code)
	}
}

func TestStartErrors(t *testing.T) {
	f := newFixture(t)
	f.start(t, "alice", "py")

	tests := []struct {
		name     string
		user     string
		body     any
		status   int
		wantCode string
	}{
		{"quota", "alice", StartRequest{TemplateID: "py"}, http.StatusTooManyRequests, "QUOTA_EXCEEDED"},
		{"unknown template", "alice", StartRequest{TemplateID: "cobol"}, http.StatusNotFound, "TEMPLATE_NOT_FOUND"},
		{"missing template", "alice", StartRequest{}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown field", "alice", map[string]string{"template": "py"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"no identity", "", StartRequest{TemplateID: "py"}, http.StatusUnauthorized, "USER_REQUIRED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/instances", tt.user, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if got := decodeError(t, rec); got.Code != tt.wantCode || got.RequestID == "" {
				t.Errorf("error = %+v, want code %s", got, tt.wantCode)
			}
		})
	}
}

func TestProvisioningFailureHidesDetail(t *testing.T) {
	f := newFixture(t)
	f.driver.FailOn(sandboxtest.OpStartContainer, errors.New("daemon: cgroup path /sys/fs/... not writable"))

	rec := f.do(t, http.MethodPost, "/instances", "alice", StartRequest{TemplateID: "web"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
	resp := decodeError(t, rec)
	if resp.Code != "PROVISIONING_FAILED" || strings.Contains(resp.Error, "cgroup") {
		t.Errorf("error = %+v", resp)
	}
}

func TestOtherUsersInstancesAreHidden(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t, "alice", "web")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/instances/" + inst.ID},
		{http.MethodDelete, "/instances/" + inst.ID},
		{http.MethodPost, "/instances/" + inst.ID + "/exec"},
	} {
		rec := f.do(t, tc.method, tc.path, "mallory", ExecRequest{Command: "echo hi"})
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s as mallory: status %d, want 404", tc.method, tc.path, rec.Code)
		}
	}
	if _, err := f.mgr.GetInstance(inst.ID); err != nil {
		t.Errorf("instance disappeared: %v", err)
	}
}

func TestExecute(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t, "alice", "web")

	rec := f.do(t, http.MethodPost, "/instances/"+inst.ID+"/exec", "alice", ExecRequest{Command: "echo pwned && exit 3"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp ExecutionResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Output != "pwned\n" || resp.ExitCode != 3 || resp.Role != catalog.RoleTarget {
		t.Errorf("response = %+v", resp)
	}
}

func TestExecute_TimeoutReturnsResult(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t, "alice", "web")

	rec := f.do(t, http.MethodPost, "/instances/"+inst.ID+"/exec", "alice",
		map[string]string{"command": "echo partial && sleep 30", "timeout": "50ms"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp ExecutionResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.TimedOut || resp.ExitCode != -1 || resp.Output != "partial\n" {
		t.Errorf("response = %+v", resp)
	}
}

func TestExecute_Errors(t *testing.T) {
	f := newFixture(t)
	py := f.start(t, "alice", "py")
	web := f.start(t, "alice", "web")

	tests := []struct {
		name     string
		path     string
		body     any
		status   int
		wantCode string
	}{
		{"empty command", "/instances/" + web.ID + "/exec", ExecRequest{}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing role", "/instances/" + web.ID + "/exec", ExecRequest{Command: "id", Role: "attacker"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown instance", "/instances/01NOPE/exec", ExecRequest{Command: "id"}, http.StatusNotFound, "NOT_FOUND"},
		{"escape attempt", "/instances/" + py.ID + "/run", RunRequest{Code: "open('/var/run/docker.sock')"}, http.StatusForbidden, "SECURITY_BLOCKED"},
		{"run on non-language lab", "/instances/" + web.ID + "/run", RunRequest{Code: "print(1)"}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, "alice", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if got := decodeError(t, rec).Code; got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestExecute_DeadInstanceConflicts(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t, "alice", "web")
	f.driver.Crash(inst.Containers[0].Name, 137)

	rec := f.do(t, http.MethodPost, "/instances/"+inst.ID+"/exec", "alice", ExecRequest{Command: "id"})
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != "INSTANCE_NOT_RUNNING" {
		t.Errorf("status %d, want 409", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/instances/"+inst.ID, "alice", nil)
	var got InstanceResponse
	json.NewDecoder(rec.Body).Decode(&got)
	if got.State != lifecycle.StateError {
		t.Errorf("state = %s, want error", got.State)
	}
}

func TestRunCode(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t, "alice", "py")

	rec := f.do(t, http.MethodPost, "/instances/"+inst.ID+"/run", "alice", RunRequest{Code: "print('hi')"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp ExecutionResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Role != catalog.RoleRuntime {
		t.Errorf("response = %+v", resp)
	}
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t, "alice", "py")
	content := []byte("name,score\nalice,10\n")

	rec := f.upload(t, inst.ID, "alice", "name=scores.csv", content)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var res gateway.UploadResult
	json.NewDecoder(rec.Body).Decode(&res)
	if res.Path != "/tmp/scores.csv" || res.Size != len(content) || res.Role != catalog.RoleRuntime {
		t.Errorf("result = %+v", res)
	}
	if got, ok := f.driver.File(inst.Containers[0].Name, "/tmp/scores.csv"); !ok || !bytes.Equal(got, content) {
		t.Errorf("stored file = %q, %v", got, ok)
	}

	tests := []struct {
		name     string
		user     string
		query    string
		content  []byte
		status   int
		wantCode string
	}{
		{"missing name", "alice", "", content, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"path in name", "alice", "name=../etc/passwd", content, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"too large", "alice", "name=big.bin", bytes.Repeat([]byte("x"), 1<<16+1), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"escape in file", "alice", "name=x.py", []byte("open('/var/run/docker.sock')"), http.StatusForbidden, "SECURITY_BLOCKED"},
		{"other user", "mallory", "name=a.txt", content, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.upload(t, inst.ID, tt.user, tt.query, tt.content)
			if rec.Code != tt.status {
				t.Fatalf("status %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if got := decodeError(t, rec).Code; got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func readEvents(t *testing.T, body io.Reader) map[string][]string {
	t.Helper()
	events := make(map[string][]string)
	var event string
	var data []string
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "":
			events[event] = append(events[event], strings.Join(data, "\n"))
			event, data = "", nil
		}
	}
	return events
}

func TestExecuteStream(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t, "alice", "web")

	rec := f.do(t, http.MethodPost, "/instances/"+inst.ID+"/exec/stream", "alice", ExecRequest{Command: "echo one && warn two && exit 1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := readEvents(t, rec.Body)
	if got := strings.Join(events["stdout"], ""); got != "one\n" {
		t.Errorf("stdout events = %q", events["stdout"])
	}
	if got := strings.Join(events["stderr"], ""); got != "two\n" {
		t.Errorf("stderr events = %q", events["stderr"])
	}
	if len(events["done"]) != 1 {
		t.Fatalf("done events = %v", events["done"])
	}
	var done ExecutionResponse
	if err := json.Unmarshal([]byte(events["done"][0]), &done); err != nil {
		t.Fatal(err)
	}
	if done.ExitCode != 1 || done.Output != "" {
		t.Errorf("done = %+v", done)
	}
}

func TestExecuteStream_ErrorEvent(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t, "alice", "web")
	f.driver.FailOn(sandboxtest.OpExec, errors.New("exec: connection reset by peer"))

	rec := f.do(t, http.MethodPost, "/instances/"+inst.ID+"/exec/stream", "alice", ExecRequest{Command: "id"})
	events := readEvents(t, rec.Body)
	if len(events["error"]) != 1 || len(events["done"]) != 0 {
		t.Fatalf("events = %v", events)
	}
	var resp ErrorResponse
	if err := json.Unmarshal([]byte(events["error"][0]), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "INTERNAL" || strings.Contains(resp.Error, "connection reset") {
		t.Errorf("error event = %+v", resp)
	}
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ghost := sandbox.Owner{Scope: "test", InstanceID: "01GHOST"}
	f.driver.AddOrphanContainer("lab-01ghost-target", ghost.Labels("target"))

	rec := f.do(t, http.MethodPost, "/admin/sweep", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var rep reaper.SweepReport
	json.NewDecoder(rec.Body).Decode(&rep)
	if len(rep.OrphanContainers) != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestAuditQueries(t *testing.T) {
	f := newFixture(t)
	f.audit.events = []storage.EventRecord{
		{ID: "e1", InstanceID: "01OLD", UserID: "alice", ToState: "starting"},
		{ID: "e2", InstanceID: "01OLD", UserID: "alice", ToState: "running"},
	}
	f.audit.execs = []storage.Execution{
		{ID: "x1", InstanceID: "01OLD", UserID: "alice", Status: "success"},
		{ID: "x2", InstanceID: "01BOB", UserID: "bob", Status: "success"},
	}

	rec := f.do(t, http.MethodGet, "/instances/01OLD/events", "alice", nil)
	var events []storage.EventRecord
	json.NewDecoder(rec.Body).Decode(&events)
	if rec.Code != http.StatusOK || len(events) != 2 {
		t.Errorf("events: status %d, %+v", rec.Code, events)
	}
	if rec := f.do(t, http.MethodGet, "/instances/01OLD/events", "bob", nil); rec.Code != http.StatusNotFound {
		t.Errorf("events as bob: status %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/executions?limit=10&status=success", "alice", nil)
	var execs []storage.Execution
	json.NewDecoder(rec.Body).Decode(&execs)
	if len(execs) != 1 || execs[0].ID != "x1" {
		t.Errorf("executions = %+v", execs)
	}
	if f.audit.filter.Limit != 10 || f.audit.filter.Status != "success" || f.audit.filter.UserID != "alice" {
		t.Errorf("filter = %+v", f.audit.filter)
	}

	if rec := f.do(t, http.MethodGet, "/executions/x2", "alice", nil); rec.Code != http.StatusNotFound {
		t.Errorf("other user's execution: status %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/executions?limit=-1", "alice", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.start(t, "alice", "web")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var resp HealthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if rec.Code != http.StatusOK || resp.Status != "ok" || resp.ActiveInstances != 1 || resp.Runtime != "fake" {
		t.Errorf("health: status %d, %+v", rec.Code, resp)
	}

	f.audit.healthy = false
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded health: status %d, want 503", rec.Code)
	}
}

func TestAuthRequiredOutsideHealth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/templates", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "lab_") {
		t.Errorf("metrics: status %d", rec.Code)
	}
}
