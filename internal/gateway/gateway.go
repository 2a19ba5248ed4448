// Package gateway runs commands inside running sandbox instances.
package gateway

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/config"
	"lab-sandbox/internal/lifecycle"
	"lab-sandbox/internal/monitor"
	"lab-sandbox/internal/runtime"
	"lab-sandbox/internal/sandbox"
)

// envBlocklist contains env var keys that must never be passed into a container.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"HTTP_PROXY":      true,
	"HTTPS_PROXY":     true,
	"NODE_OPTIONS":    true,
	"PYTHONPATH":      true,
	"PATH":            true,
	"HOME":            true,
	"USER":            true,
}

// Instances is the part of the lifecycle manager the gateway needs.
type Instances interface {
	Target(id string) (lifecycle.Instance, catalog.Template, error)
	Verify(ctx context.Context, id string) error
	RefreshUsage(ctx context.Context, id string) (sandbox.Usage, error)
}

type Options struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutputBytes int
	MaxUploadBytes int
	KillGrace      time.Duration

	Languages *runtime.Registry
	Detector  *monitor.EscapeDetector
	Metrics   *monitor.Metrics
	Tracer    *monitor.Tracer
	Sink      ExecutionSink
}

// OptionsFrom fills the limits from the service configuration.
func OptionsFrom(cfg config.ExecConfig) Options {
	return Options{
		DefaultTimeout: cfg.DefaultTimeout,
		MaxTimeout:     cfg.MaxTimeout,
		MaxOutputBytes: cfg.MaxOutputBytes,
		MaxUploadBytes: int(cfg.MaxUploadBytes),
		KillGrace:      cfg.KillGrace,
	}
}

// Gateway executes commands in instance containers. It is safe for
// concurrent use.
type Gateway struct {
	driver    sandbox.Driver
	instances Instances
	opts      Options
	sessions  *sessionSlots
}

func New(driver sandbox.Driver, instances Instances, opts Options) *Gateway {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 10 * time.Minute
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 1 << 20
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.Languages == nil {
		opts.Languages = runtime.NewRegistry()
	}
	if opts.Detector == nil {
		opts.Detector = monitor.NewEscapeDetector()
	}
	return &Gateway{
		driver:    driver,
		instances: instances,
		opts:      opts,
		sessions:  newSessionSlots(),
	}
}

// job is one execution after request parsing.
type job struct {
	req      Request
	action   string
	language string
	code     string // Program source for RunCode, scanned like a command
	codePath string // Where code is written before the command runs
}

// Execute runs req.Command and returns its collected output. A timeout
// yields both a result with TimedOut set and ErrTimeout; the instance keeps
// running.
func (g *Gateway) Execute(ctx context.Context, req Request) (*Result, error) {
	return g.execute(ctx, job{req: req, action: ActionExec}, nil, nil)
}

// ExecuteStreaming is Execute with stdout and stderr also written to the
// given writers as they arrive.
func (g *Gateway) ExecuteStreaming(ctx context.Context, req Request, stdout, stderr io.Writer) (*Result, error) {
	return g.execute(ctx, job{req: req, action: ActionExec}, stdout, stderr)
}

// RunCode runs a program in a programming-language instance. The source is
// written to a file in the working directory through the exec's stdin, then
// the language's command runs it. An empty language means the template's.
func (g *Gateway) RunCode(ctx context.Context, instanceID, language, code string, timeout time.Duration) (*Result, error) {
	_, tmpl, err := g.instances.Target(instanceID)
	if err != nil {
		return nil, err
	}
	if tmpl.Kind != catalog.KindProgrammingLanguage {
		return nil, fmt.Errorf("%w: template %s is not a programming-language lab", ErrInvalidRequest, tmpl.ID)
	}
	if language == "" {
		language = tmpl.Language
	}
	if tmpl.Language != "" && language != tmpl.Language {
		return nil, fmt.Errorf("%w: instance runs %s, not %s", ErrInvalidRequest, tmpl.Language, language)
	}

	rt, err := g.opts.Languages.Get(language)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := rt.Validate(code); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	g.opts.Metrics.RecordCodeSize(len(code))

	workDir := tmpl.WorkDir
	if workDir == "" {
		workDir = "/tmp"
	}
	codePath := path.Join(workDir, "main"+rt.FileExtension())

	return g.execute(ctx, job{
		req: Request{
			InstanceID: instanceID,
			Command:    runtime.Script(rt, codePath),
			Timeout:    timeout,
			WorkDir:    workDir,
		},
		action:   ActionRun,
		language: language,
		code:     code,
		codePath: codePath,
	}, nil, nil)
}

func (g *Gateway) execute(ctx context.Context, j job, stdout, stderr io.Writer) (res *Result, err error) {
	execID := uuid.New().String()
	req := j.req
	// For RunCode the program, not the wrapper script, is what gets hashed
	// and screened.
	scanned := req.Command
	if j.code != "" {
		scanned = j.code
	}
	commandHash := fmt.Sprintf("%x", sha256.Sum256([]byte(scanned)))

	ctx, span := g.opts.Tracer.StartSpan(ctx, "execute",
		monitor.AttrInstanceID.String(req.InstanceID),
		monitor.AttrExecID.String(execID),
	)
	defer func() { monitor.EndSpan(span, err) }()

	logger := log.With().
		Str("exec_id", execID).
		Str("instance_id", req.InstanceID).
		Str("command_hash", commandHash[:16]).
		Logger()

	timeout, err := g.validate(&req)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	inst, tmpl, err := g.instances.Target(req.InstanceID)
	if err != nil {
		return nil, err
	}
	profile := tmpl.Profile()
	role := req.Role
	if role == "" {
		role = profile.ExecRole
	}
	container, ok := inst.Container(role)
	if !ok {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: instance has no %q container", ErrInvalidRequest, role)}
	}
	span.SetAttributes(monitor.AttrKind.String(string(tmpl.Kind)), monitor.AttrRole.String(string(role)))

	rec := Record{
		ID:          execID,
		Action:      j.action,
		InstanceID:  inst.ID,
		UserID:      inst.UserID,
		TemplateID:  tmpl.ID,
		Kind:        tmpl.Kind,
		Role:        role,
		Language:    j.language,
		CommandHash: commandHash,
		InputBytes:  len(j.code),
		StartedAt:   time.Now(),
	}
	kind := string(tmpl.Kind)
	g.opts.Metrics.ExecStarted()

	// Commands are screened before anything reaches the container.
	detections := g.opts.Detector.AnalyzeCode(scanned)
	g.recordDetections(detections)
	if profile.BlockEscapes && monitor.Critical(detections) {
		rec.Status = StatusBlocked
		rec.Detections = detections
		g.finish(rec, kind, 0)
		logger.Warn().Int("detections", len(detections)).Msg("execution blocked")
		return nil, &ExecutionError{ExecID: execID, Op: "screen", Err: ErrSecurityViolation}
	}

	if profile.ExclusiveExec {
		release, err := g.sessions.acquire(ctx, inst.ID)
		if err != nil {
			rec.Status = StatusCancelled
			rec.Error = err.Error()
			g.finish(rec, kind, 0)
			return nil, &ExecutionError{ExecID: execID, Op: "acquire_session", Err: err}
		}
		defer release()
	}

	if err := g.instances.Verify(ctx, inst.ID); err != nil {
		rec.Status = StatusError
		rec.Error = err.Error()
		g.finish(rec, kind, 0)
		return nil, err
	}

	if j.codePath != "" {
		if err := g.writeFile(ctx, container.ID, j.codePath, []byte(j.code), timeout); err != nil {
			rec.Status = StatusError
			rec.Error = err.Error()
			g.finish(rec, kind, 0)
			if verr := g.instances.Verify(context.WithoutCancel(ctx), inst.ID); verr != nil {
				return nil, verr
			}
			return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
		}
	}

	logger.Info().Str("role", string(role)).Dur("timeout", timeout).Msg("execution started")

	// Output of escape-screened kinds reaches a live consumer only after it
	// has passed the output scan.
	liveOut, liveErr := stdout, stderr
	if profile.BlockEscapes {
		liveOut, liveErr = nil, nil
	}
	out := newCappedWriter(g.opts.MaxOutputBytes, liveOut)
	errOut := newCappedWriter(g.opts.MaxOutputBytes, liveErr)
	pidfile := pidfilePath(execID)

	workDir := req.WorkDir
	if workDir == "" {
		workDir = tmpl.WorkDir
	}
	env := append(append([]string{}, req.Env...),
		envCommand+"="+req.Command,
		envPidfile+"="+pidfile,
	)
	spec := sandbox.ExecSpec{
		Cmd:     []string{"/bin/sh", "-c", runScript},
		Env:     env,
		WorkDir: workDir,
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	exitCode, execErr := g.driver.Exec(execCtx, container.ID, spec, out, errOut)
	duration := time.Since(start)
	timedOut := execErr != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	res = &Result{
		ID:          execID,
		InstanceID:  inst.ID,
		Role:        role,
		ExitCode:    exitCode,
		Duration:    duration,
		CommandHash: commandHash,
	}
	rec.Duration = duration

	if execErr != nil {
		switch {
		case timedOut:
			// The process outlives a detached exec; kill its group.
			g.kill(ctx, container.ID, pidfile, logger)
			err = ErrTimeout
			rec.Status = StatusTimeout
			res.TimedOut = true
			res.ExitCode = -1
			g.opts.Metrics.RecordSecurityEvent("timeout")
			logger.Warn().Dur("timeout", timeout).Msg("execution timed out")
		case ctx.Err() != nil:
			g.kill(ctx, container.ID, pidfile, logger)
			rec.Status = StatusCancelled
			rec.Error = ctx.Err().Error()
			g.finish(rec, kind, out.Total()+errOut.Total())
			return nil, &ExecutionError{ExecID: execID, Op: "exec", Err: ctx.Err()}
		default:
			rec.Status = StatusError
			rec.Error = execErr.Error()
			g.finish(rec, kind, out.Total()+errOut.Total())
			// A failed exec often means the sandbox itself died.
			if verr := g.instances.Verify(context.WithoutCancel(ctx), inst.ID); verr != nil {
				return nil, verr
			}
			return nil, &ExecutionError{ExecID: execID, Op: "exec", Err: execErr}
		}
	} else {
		rec.Status = StatusSuccess
		if exitCode != 0 {
			rec.Status = StatusFailure
		}
		if exitCode == 137 {
			g.opts.Metrics.RecordSecurityEvent("oom_kill")
		}
	}

	res.Output = out.String()
	res.Stderr = errOut.String()
	res.Truncated = out.Truncated() || errOut.Truncated()
	rec.ExitCode = res.ExitCode
	rec.StdoutBytes = out.Total()
	rec.StderrBytes = errOut.Total()

	combined := res.Output + "\n" + res.Stderr
	found := g.opts.Detector.AnalyzeOutput(combined)
	if profile.ScanSyscalls {
		found = append(found, g.opts.Detector.AnalyzeSyscallTrace(combined)...)
	}
	g.recordDetections(found)
	res.SecurityEvents = append(detections, found...)
	rec.Detections = res.SecurityEvents

	if profile.BlockEscapes && monitor.Critical(found) {
		res.Output = ""
		res.Stderr = ""
		rec.Status = StatusBlocked
		err = ErrSecurityViolation
		logger.Warn().Int("detections", len(found)).Msg("output withheld")
	} else if profile.BlockEscapes {
		writeLive(stdout, res.Output)
		writeLive(stderr, res.Stderr)
	}

	if usage, uerr := g.instances.RefreshUsage(ctx, inst.ID); uerr == nil {
		res.Usage = &usage
	} else if !errors.Is(uerr, sandbox.ErrUnsupported) {
		logger.Debug().Err(uerr).Msg("usage refresh failed")
	}

	g.finish(rec, kind, rec.StdoutBytes+rec.StderrBytes)
	span.SetAttributes(monitor.AttrExitCode.Int(res.ExitCode), monitor.AttrDurationMS.Int64(duration.Milliseconds()))
	logger.Info().
		Int("exit_code", res.ExitCode).
		Str("status", rec.Status).
		Dur("duration", duration).
		Bool("truncated", res.Truncated).
		Msg("execution completed")

	return res, err
}

// validate normalizes req and returns the effective timeout.
func (g *Gateway) validate(req *Request) (time.Duration, error) {
	if strings.TrimSpace(req.Command) == "" {
		return 0, fmt.Errorf("%w: command is empty", ErrInvalidRequest)
	}
	if len(req.Command) > MaxCommandSize {
		return 0, fmt.Errorf("%w: command is %d bytes, limit is %d", ErrInvalidRequest, len(req.Command), MaxCommandSize)
	}
	if req.WorkDir != "" && !path.IsAbs(req.WorkDir) {
		return 0, fmt.Errorf("%w: work_dir must be absolute", ErrInvalidRequest)
	}
	for _, env := range req.Env {
		key, _, ok := strings.Cut(env, "=")
		if !ok || key == "" {
			return 0, fmt.Errorf("%w: env var must be KEY=VALUE format", ErrInvalidRequest)
		}
		if len(env) > MaxCommandSize {
			return 0, fmt.Errorf("%w: env var %q exceeds %d bytes", ErrInvalidRequest, key, MaxCommandSize)
		}
		for _, c := range key {
			if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
				return 0, fmt.Errorf("%w: env var key contains invalid characters", ErrInvalidRequest)
			}
		}
		upper := strings.ToUpper(key)
		if envBlocklist[upper] || strings.HasPrefix(upper, "LAB_") {
			return 0, fmt.Errorf("%w: env var %q is blocked for security reasons", ErrInvalidRequest, key)
		}
	}

	switch {
	case req.Timeout < 0:
		return 0, fmt.Errorf("%w: negative timeout", ErrInvalidRequest)
	case req.Timeout == 0:
		return g.opts.DefaultTimeout, nil
	case req.Timeout > g.opts.MaxTimeout:
		return g.opts.MaxTimeout, nil
	}
	return req.Timeout, nil
}

// kill SIGKILLs the process group of an execution through a second exec.
func (g *Gateway) kill(ctx context.Context, containerID, pidfile string, logger zerolog.Logger) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.KillGrace)
	defer cancel()

	spec := sandbox.ExecSpec{
		Cmd: []string{"/bin/sh", "-c", killScript},
		Env: []string{envPidfile + "=" + pidfile},
	}
	if _, err := g.driver.Exec(killCtx, containerID, spec, io.Discard, io.Discard); err != nil {
		logger.Warn().Err(err).Msg("failed to kill timed-out process group")
	}
}

func (g *Gateway) recordDetections(dets []monitor.Detection) {
	for _, d := range dets {
		g.opts.Metrics.RecordSecurityEvent(d.Pattern)
	}
}

// finish closes an execution opened with ExecStarted and audits it.
func (g *Gateway) finish(rec Record, kind string, outputBytes int) {
	if rec.Duration == 0 {
		rec.Duration = time.Since(rec.StartedAt)
	}
	g.opts.Metrics.ExecFinished(kind, rec.Status, rec.Duration, outputBytes)
	if g.opts.Sink != nil {
		g.opts.Sink.RecordExecution(rec)
	}
}
