package sandbox

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"lab-sandbox/internal/config"
)

// ContainerdDriver runs sandbox containers directly on containerd. It has no
// CNI: a network is a loopback-only namespace created by its first container
// and joined by the rest, so members reach each other on 127.0.0.1 and
// nothing else.
type ContainerdDriver struct {
	client *Client
	cfg    config.RuntimeConfig

	mu       sync.Mutex
	networks map[string]*netnsGroup
	memberOf map[string]string // container id -> network id
}

type netnsGroup struct {
	id       string
	labels   map[string]string
	owner    string // container whose task holds the namespace
	members  map[string]struct{}
	internal bool
}

func NewContainerdDriver(client *Client, cfg config.RuntimeConfig) *ContainerdDriver {
	return &ContainerdDriver{
		client:   client,
		cfg:      cfg,
		networks: make(map[string]*netnsGroup),
		memberOf: make(map[string]string),
	}
}

func (d *ContainerdDriver) Name() string { return "containerd" }

func (d *ContainerdDriver) Ping(ctx context.Context) error {
	if d.client.Healthy(ctx) {
		return nil
	}
	if err := d.client.Reconnect(ctx); err != nil {
		return &OpError{Op: "ping", Err: err}
	}
	return nil
}

func (d *ContainerdDriver) EnsureImage(ctx context.Context, ref string) error {
	if _, err := d.client.Image(ctx, ref, d.cfg.PullImages); err != nil {
		return &OpError{Op: "ensure image", ID: ref, Err: err}
	}
	return nil
}

func (d *ContainerdDriver) CreateNetwork(_ context.Context, spec NetworkSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.networks[spec.Name]; exists {
		return "", &OpError{Op: "create network", ID: spec.Name, Err: fmt.Errorf("network already exists")}
	}
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	d.networks[spec.Name] = &netnsGroup{
		id:       spec.Name,
		labels:   labels,
		members:  make(map[string]struct{}),
		internal: spec.Internal,
	}
	return spec.Name, nil
}

func (d *ContainerdDriver) RemoveNetwork(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.networks[id]
	if !ok {
		return notFound("remove network", id)
	}
	if len(n.members) > 0 {
		return &OpError{Op: "remove network", ID: id, Err: ErrNetworkInUse}
	}
	delete(d.networks, id)
	return nil
}

func (d *ContainerdDriver) ListNetworks(_ context.Context, labels map[string]string) ([]Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Resource
	for _, n := range d.networks {
		if MatchLabels(n.labels, labels) {
			out = append(out, Resource{ID: n.id, Name: n.id, Labels: n.labels})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *ContainerdDriver) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	img, err := d.client.Image(ctx, spec.Image, d.cfg.PullImages)
	if err != nil {
		return "", &OpError{Op: "create container", ID: spec.Name, Err: err}
	}

	netns, err := d.joinNetwork(ctx, spec.NetworkID, spec.Name)
	if err != nil {
		return "", &OpError{Op: "create container", ID: spec.Name, Err: err}
	}

	opts := []oci.SpecOpts{oci.WithImageConfig(img)}
	if args := append(append([]string{}, spec.Entrypoint...), spec.Cmd...); len(args) > 0 {
		opts = append(opts, oci.WithProcessArgs(args...))
	}
	if spec.Hostname != "" {
		opts = append(opts, oci.WithHostname(spec.Hostname))
	}
	if spec.WorkDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkDir))
	}
	if len(spec.Env) > 0 {
		opts = append(opts, oci.WithEnv(spec.Env))
	}
	if netns != "" {
		opts = append(opts, oci.WithLinuxNamespace(specs.LinuxNamespace{
			Type: specs.NetworkNamespace,
			Path: netns,
		}))
	}
	opts = append(opts, func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		ApplyResourceLimits(s, spec.Limits)
		ApplySecurityProfile(s, spec.Security)
		for _, m := range spec.Mounts {
			mode := "rw"
			if m.ReadOnly {
				mode = "ro"
			}
			s.Mounts = append(s.Mounts, specs.Mount{
				Destination: m.Target,
				Type:        "bind",
				Source:      m.Source,
				Options:     []string{"rbind", mode},
			})
		}
		return nil
	})

	nsCtx := d.client.WithNamespace(ctx)
	_, err = d.client.Raw().NewContainer(nsCtx, spec.Name,
		containerd.WithImage(img),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", img),
		containerd.WithContainerLabels(spec.Labels),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		d.leaveNetwork(spec.Name)
		return "", &OpError{Op: "create container", ID: spec.Name, Err: err}
	}
	return spec.Name, nil
}

// joinNetwork registers the container with its network and returns the
// namespace path to join, or "" when the container creates a fresh one.
func (d *ContainerdDriver) joinNetwork(ctx context.Context, networkID, containerID string) (string, error) {
	if networkID == "" {
		return "", nil
	}

	d.mu.Lock()
	n, ok := d.networks[networkID]
	if !ok {
		d.mu.Unlock()
		return "", fmt.Errorf("network %s: %w", networkID, ErrNotFound)
	}
	owner := n.owner
	if owner == "" {
		n.owner = containerID
	}
	n.members[containerID] = struct{}{}
	d.memberOf[containerID] = networkID
	d.mu.Unlock()

	if owner == "" {
		return "", nil
	}

	pid, err := d.taskPid(ctx, owner)
	if err != nil {
		d.leaveNetwork(containerID)
		return "", fmt.Errorf("network %s owner %s is not running: %w", networkID, owner, err)
	}
	return fmt.Sprintf("/proc/%d/ns/net", pid), nil
}

func (d *ContainerdDriver) leaveNetwork(containerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	networkID, ok := d.memberOf[containerID]
	if !ok {
		return
	}
	delete(d.memberOf, containerID)
	if n, ok := d.networks[networkID]; ok {
		delete(n.members, containerID)
	}
}

func (d *ContainerdDriver) taskPid(ctx context.Context, id string) (uint32, error) {
	nsCtx := d.client.WithNamespace(ctx)
	c, err := d.client.Raw().LoadContainer(nsCtx, id)
	if err != nil {
		return 0, err
	}
	task, err := c.Task(nsCtx, nil)
	if err != nil {
		return 0, err
	}
	return task.Pid(), nil
}

func (d *ContainerdDriver) StartContainer(ctx context.Context, id string) error {
	c, err := d.load(ctx, "start container", id)
	if err != nil {
		return err
	}
	nsCtx := d.client.WithNamespace(ctx)

	// Long-lived containers: their own output is not collected, exec output is.
	task, err := c.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		return &OpError{Op: "start container", ID: id, Err: err}
	}
	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		return &OpError{Op: "start container", ID: id, Err: err}
	}
	return nil
}

func (d *ContainerdDriver) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	c, err := d.load(ctx, "stop container", id)
	if err != nil {
		return err
	}
	if err := d.stopTask(ctx, c, grace); err != nil {
		return &OpError{Op: "stop container", ID: id, Err: err}
	}
	return nil
}

func (d *ContainerdDriver) RemoveContainer(ctx context.Context, id string) error {
	c, err := d.load(ctx, "remove container", id)
	if err != nil {
		d.leaveNetwork(id)
		return err
	}
	if err := d.deleteContainer(ctx, c); err != nil {
		return &OpError{Op: "remove container", ID: id, Err: err}
	}
	d.leaveNetwork(id)
	return nil
}

func (d *ContainerdDriver) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	c, err := d.load(ctx, "inspect container", id)
	if err != nil {
		return ContainerState{}, err
	}
	nsCtx := d.client.WithNamespace(ctx)

	st := ContainerState{ID: id, Status: "created"}
	task, err := c.Task(nsCtx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return st, nil
		}
		return ContainerState{}, &OpError{Op: "inspect container", ID: id, Err: err}
	}
	status, err := task.Status(nsCtx)
	if err != nil {
		return ContainerState{}, &OpError{Op: "inspect container", ID: id, Err: err}
	}
	st.Status = string(status.Status)
	st.Running = status.Status == containerd.Running
	st.ExitCode = int(status.ExitStatus)
	// runc reports a cgroup OOM kill as SIGKILL with no other trace.
	st.OOMKilled = status.Status == containerd.Stopped && status.ExitStatus == 137
	return st, nil
}

func (d *ContainerdDriver) ListContainers(ctx context.Context, labels map[string]string) ([]Resource, error) {
	nsCtx := d.client.WithNamespace(ctx)
	list, err := d.client.Raw().Containers(nsCtx)
	if err != nil {
		return nil, &OpError{Op: "list containers", Err: err}
	}

	var out []Resource
	for _, c := range list {
		have, err := c.Labels(nsCtx)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, &OpError{Op: "list containers", ID: c.ID(), Err: err}
		}
		if MatchLabels(have, labels) {
			out = append(out, Resource{ID: c.ID(), Name: c.ID(), Labels: have})
		}
	}
	return out, nil
}

func (d *ContainerdDriver) Exec(ctx context.Context, id string, spec ExecSpec, stdout, stderr io.Writer) (int, error) {
	c, err := d.load(ctx, "exec", id)
	if err != nil {
		return -1, err
	}
	nsCtx := d.client.WithNamespace(ctx)

	task, err := c.Task(nsCtx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return -1, notFound("exec", id)
		}
		return -1, &OpError{Op: "exec", ID: id, Err: err}
	}
	base, err := c.Spec(nsCtx)
	if err != nil {
		return -1, &OpError{Op: "exec", ID: id, Err: err}
	}

	pspec := *base.Process
	pspec.Terminal = false
	pspec.Args = spec.Cmd
	pspec.Env = append(append([]string{}, base.Process.Env...), spec.Env...)
	if spec.WorkDir != "" {
		pspec.Cwd = spec.WorkDir
	}

	out := &detachableWriter{w: stdout}
	errOut := &detachableWriter{w: stderr}
	execID := "exec-" + uuid.New().String()[:12]

	process, err := task.Exec(nsCtx, execID, &pspec, cio.NewCreator(cio.WithStreams(spec.Stdin, out, errOut)))
	if err != nil {
		return -1, &OpError{Op: "exec", ID: id, Err: err}
	}

	// Waiting and deleting must outlive the caller so a detached process is
	// still reaped when it finally exits.
	bg := context.WithoutCancel(nsCtx)
	exitCh, err := process.Wait(bg)
	if err != nil {
		_, _ = process.Delete(bg)
		return -1, &OpError{Op: "exec", ID: id, Err: err}
	}
	if err := process.Start(nsCtx); err != nil {
		_, _ = process.Delete(bg, containerd.WithProcessKill)
		return -1, &OpError{Op: "exec", ID: id, Err: err}
	}

	select {
	case status := <-exitCh:
		process.IO().Wait()
		if _, err := process.Delete(bg); err != nil && !errdefs.IsNotFound(err) {
			log.Debug().Err(err).Str("container_id", id).Str("exec_id", execID).Msg("exec process delete failed")
		}
		code, _, err := status.Result()
		if err != nil {
			return -1, &OpError{Op: "exec", ID: id, Err: err}
		}
		return int(code), nil
	case <-ctx.Done():
		out.detach()
		errOut.detach()
		go func() {
			<-exitCh
			_, _ = process.Delete(bg)
		}()
		return -1, ctx.Err()
	}
}

// Stats is not available without a cgroup metrics decoder for every
// cgroup version; callers treat usage as unknown.
func (d *ContainerdDriver) Stats(_ context.Context, id string) (Usage, error) {
	return Usage{}, &OpError{Op: "stats", ID: id, Err: ErrUnsupported}
}

func (d *ContainerdDriver) Close() error {
	return d.client.Close()
}

func (d *ContainerdDriver) load(ctx context.Context, op, id string) (containerd.Container, error) {
	c, err := d.client.Raw().LoadContainer(d.client.WithNamespace(ctx), id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, notFound(op, id)
		}
		return nil, &OpError{Op: op, ID: id, Err: err}
	}
	return c, nil
}

// detachableWriter stops forwarding once the caller has gone away, so a
// process that outlives its exec call never writes into a reused buffer.
type detachableWriter struct {
	mu       sync.Mutex
	w        io.Writer
	detached bool
}

func (w *detachableWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detached || w.w == nil {
		return len(p), nil
	}
	return w.w.Write(p)
}

func (w *detachableWriter) detach() {
	w.mu.Lock()
	w.detached = true
	w.mu.Unlock()
}
