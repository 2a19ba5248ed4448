package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/monitor"
	"lab-sandbox/internal/sandbox"
)

var (
	// ErrContainerDown means a container the instance depends on is not running.
	ErrContainerDown = errors.New("sandbox container is not running")
	// ErrNetworkCapacity means the plan needs more endpoints than the network allows.
	ErrNetworkCapacity = errors.New("network endpoint capacity exceeded")
)

// Provisioning stages reported in ProvisionError.
const (
	StagePlan   = "plan"
	StageImage  = "image"
	StageCreate = "create"
	StageStart  = "start"
	StageReady  = "ready"
)

// ContainerHandle refers to one container of an instance.
type ContainerHandle struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Role catalog.Role `json:"role"`
}

// ProvisionError reports where provisioning stopped. Cleanup is set when
// rolling back the partial sandbox also failed; Leftover then lists the
// containers that may still exist.
type ProvisionError struct {
	Stage    string
	Role     catalog.Role
	Err      error
	Cleanup  error
	Leftover []ContainerHandle
}

func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("provision %s", e.Stage)
	if e.Role != "" {
		msg += " " + string(e.Role)
	}
	msg += ": " + e.Err.Error()
	if e.Cleanup != nil {
		msg += " (rollback: " + e.Cleanup.Error() + ")"
	}
	return msg
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

type Options struct {
	StopGrace      time.Duration
	CleanupTimeout time.Duration
	// ReadyPoll is how often a started container is inspected until it
	// reports running.
	ReadyPoll time.Duration
	Tracer    *monitor.Tracer
}

// Provisioner creates and destroys the containers of an instance.
type Provisioner struct {
	driver sandbox.Driver
	opts   Options
}

func New(driver sandbox.Driver, opts Options) *Provisioner {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = time.Minute
	}
	if opts.ReadyPoll <= 0 {
		opts.ReadyPoll = 100 * time.Millisecond
	}
	return &Provisioner{driver: driver, opts: opts}
}

// Provision creates and starts the template's containers in plan order,
// attached to net. Each container is running before the next is created,
// since later containers may join the first one's network namespace. On
// failure everything created so far is removed, even if ctx was cancelled,
// and a *ProvisionError is returned.
func (p *Provisioner) Provision(ctx context.Context, t catalog.Template, net NetworkHandle, owner sandbox.Owner) (handles []ContainerHandle, err error) {
	ctx, span := p.opts.Tracer.StartSpan(ctx, "provision",
		monitor.AttrInstanceID.String(owner.InstanceID),
		monitor.AttrTemplateID.String(t.ID),
	)
	defer func() { monitor.EndSpan(span, err) }()

	logger := log.With().
		Str("instance_id", owner.InstanceID).
		Str("template_id", t.ID).
		Logger()

	plans := catalog.Plan(t)
	if !net.IsNone() && net.Capacity > 0 && len(plans) > net.Capacity {
		return nil, &ProvisionError{
			Stage: StagePlan,
			Err:   fmt.Errorf("%w: %d containers on a %d-endpoint network", ErrNetworkCapacity, len(plans), net.Capacity),
		}
	}

	fail := func(stage string, role catalog.Role, cause error) error {
		perr := &ProvisionError{Stage: stage, Role: role, Err: cause}
		if len(handles) > 0 {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.CleanupTimeout)
			defer cancel()
			if perr.Cleanup = p.Terminate(cleanupCtx, handles); perr.Cleanup != nil {
				perr.Leftover = append([]ContainerHandle(nil), handles...)
			}
		}
		logger.Error().Err(perr).Msg("provisioning failed")
		return perr
	}

	ensured := make(map[string]bool)
	for _, plan := range plans {
		if !ensured[plan.Image] {
			if err := p.driver.EnsureImage(ctx, plan.Image); err != nil {
				return nil, fail(StageImage, plan.Role, err)
			}
			ensured[plan.Image] = true
		}

		spec := containerSpec(plan, net, owner)
		id, err := p.driver.CreateContainer(ctx, spec)
		if err != nil {
			return nil, fail(StageCreate, plan.Role, err)
		}
		handles = append(handles, ContainerHandle{ID: id, Name: spec.Name, Role: plan.Role})

		if err := p.driver.StartContainer(ctx, id); err != nil {
			return nil, fail(StageStart, plan.Role, err)
		}
		if err := p.waitRunning(ctx, id); err != nil {
			return nil, fail(StageReady, plan.Role, err)
		}

		logger.Debug().
			Str("container_id", id).
			Str("role", string(plan.Role)).
			Str("limits", plan.Limits.String()).
			Msg("container running")
	}

	return handles, nil
}

func containerSpec(plan catalog.ContainerPlan, net NetworkHandle, owner sandbox.Owner) sandbox.ContainerSpec {
	role := string(plan.Role)
	spec := sandbox.ContainerSpec{
		Name:      sandbox.ContainerName(owner.InstanceID, role),
		Image:     plan.Image,
		Cmd:       plan.Command,
		Env:       append(append([]string{}, plan.Env...), "LAB_INSTANCE="+owner.InstanceID),
		WorkDir:   plan.WorkDir,
		Hostname:  role,
		Labels:    owner.Labels(role),
		NetworkID: net.ID,
		Limits:    plan.Limits,
		Security:  sandbox.ProfileFor(plan.Security, !net.IsNone()),
		Mounts:    plan.Mounts,
	}
	if !net.IsNone() {
		spec.Aliases = []string{role}
	}
	return spec
}

// waitRunning polls until the runtime reports the container running. A
// container that exits during startup fails immediately.
func (p *Provisioner) waitRunning(ctx context.Context, id string) error {
	ticker := time.NewTicker(p.opts.ReadyPoll)
	defer ticker.Stop()

	for {
		st, err := p.driver.InspectContainer(ctx, id)
		if err != nil {
			return err
		}
		if st.Running {
			return nil
		}
		if st.Status != "created" && st.Status != "starting" && st.Status != "restarting" {
			return fmt.Errorf("%w: container %s %s with exit code %d (oom=%t)",
				ErrContainerDown, id, st.Status, st.ExitCode, st.OOMKilled)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Terminate stops and removes every container in parallel. It is
// idempotent: containers that are already gone count as removed. All
// failures are joined into the returned error.
func (p *Provisioner) Terminate(ctx context.Context, handles []ContainerHandle) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, h := range handles {
		g.Go(func() error {
			if err := p.terminate(ctx, h); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (p *Provisioner) terminate(ctx context.Context, h ContainerHandle) error {
	if err := p.driver.StopContainer(ctx, h.ID, p.opts.StopGrace); err != nil && !sandbox.IsNotFound(err) {
		// Removal is forced, so a failed stop is not fatal on its own.
		log.Debug().Err(err).Str("container_id", h.ID).Msg("stop failed, removing anyway")
	}
	if err := p.driver.RemoveContainer(ctx, h.ID); err != nil && !sandbox.IsNotFound(err) {
		return fmt.Errorf("removing %s container %s: %w", h.Role, h.Name, err)
	}
	return nil
}

// CheckAlive returns an error matching ErrContainerDown when any container is
// missing or not running. Other errors are runtime failures and say nothing
// about the sandbox itself.
func (p *Provisioner) CheckAlive(ctx context.Context, handles []ContainerHandle) error {
	for _, h := range handles {
		st, err := p.driver.InspectContainer(ctx, h.ID)
		if err != nil {
			if sandbox.IsNotFound(err) {
				return fmt.Errorf("%w: %s container %s is gone", ErrContainerDown, h.Role, h.Name)
			}
			return fmt.Errorf("inspecting %s: %w", h.Name, err)
		}
		if !st.Running {
			return fmt.Errorf("%w: %s container %s is %s (exit %d)", ErrContainerDown, h.Role, h.Name, st.Status, st.ExitCode)
		}
	}
	return nil
}

// Usage sums a resource sample over the containers. Drivers without stats
// yield an error matching sandbox.ErrUnsupported.
func (p *Provisioner) Usage(ctx context.Context, handles []ContainerHandle) (sandbox.Usage, error) {
	var total sandbox.Usage
	for _, h := range handles {
		u, err := p.driver.Stats(ctx, h.ID)
		if err != nil {
			return sandbox.Usage{}, fmt.Errorf("sampling %s: %w", h.Name, err)
		}
		total = total.Add(u)
	}
	if total.SampledAt.IsZero() {
		total.SampledAt = time.Now()
	}
	return total, nil
}
