package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"lab-sandbox/internal/monitor"
	"lab-sandbox/internal/sandbox"
)

// writeScript stores stdin at the path given as $1.
const writeScript = `cat > "$1"`

// Upload stores a file in the working directory of a running instance's
// container, replacing any file of the same name. Content beyond the upload
// limit is rejected, and kinds that screen for escapes screen the file too,
// since it may be run later.
func (g *Gateway) Upload(ctx context.Context, req UploadRequest) (res *UploadResult, err error) {
	uploadID := uuid.New().String()
	ctx, span := g.opts.Tracer.StartSpan(ctx, "upload",
		monitor.AttrInstanceID.String(req.InstanceID),
		monitor.AttrExecID.String(uploadID),
	)
	defer func() { monitor.EndSpan(span, err) }()

	if err := validateFileName(req.Name); err != nil {
		return nil, &ExecutionError{ExecID: uploadID, Op: "validate", Err: err}
	}
	if req.Content == nil {
		return nil, &ExecutionError{ExecID: uploadID, Op: "validate", Err: fmt.Errorf("%w: no content", ErrInvalidRequest)}
	}
	data, err := io.ReadAll(io.LimitReader(req.Content, int64(g.opts.MaxUploadBytes)+1))
	if err != nil {
		return nil, &ExecutionError{ExecID: uploadID, Op: "read", Err: err}
	}
	if len(data) > g.opts.MaxUploadBytes {
		return nil, &ExecutionError{ExecID: uploadID, Op: "validate", Err: fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidRequest, g.opts.MaxUploadBytes)}
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
		return nil, &ExecutionError{ExecID: uploadID, Op: "validate", Err: fmt.Errorf("%w: instance has no %q container", ErrInvalidRequest, role)}
	}

	dir := tmpl.WorkDir
	if dir == "" {
		dir = "/tmp"
	}
	target := path.Join(dir, req.Name)
	sum := fmt.Sprintf("%x", sha256.Sum256(data))
	logger := log.With().
		Str("upload_id", uploadID).
		Str("instance_id", inst.ID).
		Str("path", target).
		Logger()

	rec := Record{
		ID:          uploadID,
		Action:      ActionUpload,
		InstanceID:  inst.ID,
		UserID:      inst.UserID,
		TemplateID:  tmpl.ID,
		Kind:        tmpl.Kind,
		Role:        role,
		CommandHash: sum,
		InputBytes:  len(data),
		StartedAt:   time.Now(),
	}
	kind := string(tmpl.Kind)
	g.opts.Metrics.ExecStarted()

	if profile.BlockEscapes {
		detections := g.opts.Detector.AnalyzeCode(string(data))
		g.recordDetections(detections)
		if monitor.Critical(detections) {
			rec.Status = StatusBlocked
			rec.Detections = detections
			g.finish(rec, kind, 0)
			logger.Warn().Int("detections", len(detections)).Msg("upload blocked")
			return nil, &ExecutionError{ExecID: uploadID, Op: "screen", Err: ErrSecurityViolation}
		}
	}

	if profile.ExclusiveExec {
		release, err := g.sessions.acquire(ctx, inst.ID)
		if err != nil {
			rec.Status = StatusCancelled
			rec.Error = err.Error()
			g.finish(rec, kind, 0)
			return nil, &ExecutionError{ExecID: uploadID, Op: "acquire_session", Err: err}
		}
		defer release()
	}

	if err := g.instances.Verify(ctx, inst.ID); err != nil {
		rec.Status = StatusError
		rec.Error = err.Error()
		g.finish(rec, kind, 0)
		return nil, err
	}

	if err := g.writeFile(ctx, container.ID, target, data, g.opts.DefaultTimeout); err != nil {
		rec.Status = StatusError
		rec.Error = err.Error()
		g.finish(rec, kind, 0)
		if verr := g.instances.Verify(context.WithoutCancel(ctx), inst.ID); verr != nil {
			return nil, verr
		}
		return nil, &ExecutionError{ExecID: uploadID, Op: "write", Err: err}
	}

	rec.Status = StatusSuccess
	g.finish(rec, kind, 0)
	logger.Info().Int("size", len(data)).Str("sha256", sum[:16]).Msg("file uploaded")

	return &UploadResult{
		ID:         uploadID,
		InstanceID: inst.ID,
		Role:       role,
		Path:       target,
		Size:       len(data),
		SHA256:     sum,
	}, nil
}

// writeFile streams data into a file in the container. The path travels as
// an argument and the content on stdin, so neither is bounded by the
// kernel's argument size limits.
func (g *Gateway) writeFile(ctx context.Context, containerID, target string, data []byte, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spec := sandbox.ExecSpec{
		Cmd:   []string{"/bin/sh", "-c", writeScript, "sh", target},
		Stdin: bytes.NewReader(data),
	}
	stderr := newCappedWriter(4096, nil)
	code, err := g.driver.Exec(wctx, containerID, spec, io.Discard, stderr)
	if err != nil {
		return fmt.Errorf("writing %s: %w", target, err)
	}
	if code != 0 {
		return fmt.Errorf("writing %s: exit %d: %s", target, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func validateFileName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: file name is required", ErrInvalidRequest)
	case len(name) > 255:
		return fmt.Errorf("%w: file name exceeds 255 bytes", ErrInvalidRequest)
	case name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: file name must be a plain base name", ErrInvalidRequest)
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("%w: file name may not start with '-'", ErrInvalidRequest)
	}
	return nil
}
