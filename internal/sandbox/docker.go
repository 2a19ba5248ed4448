package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"lab-sandbox/internal/config"
)

// DockerDriver runs sandbox containers on a Docker Engine through its SDK.
type DockerDriver struct {
	cli     *client.Client
	cfg     config.RuntimeConfig
	seccomp string // contents of cfg.SeccompProfile, overrides built-in profiles

	mu     sync.RWMutex
	closed bool
}

// NewDockerDriver connects to the daemon named by the DOCKER_HOST
// environment (or the default socket) and verifies it answers.
func NewDockerDriver(ctx context.Context, cfg config.RuntimeConfig) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: docker ping: %v", ErrRuntimeDown, err)
	}

	d := &DockerDriver{cli: cli, cfg: cfg}
	if cfg.SeccompProfile != "" {
		data, err := os.ReadFile(cfg.SeccompProfile)
		if err != nil {
			_ = cli.Close()
			return nil, fmt.Errorf("reading seccomp profile: %w", err)
		}
		d.seccomp = string(data)
	}

	log.Info().
		Str("host", cli.DaemonHost()).
		Str("api_version", cli.ClientVersion()).
		Msg("connected to docker")

	return d, nil
}

func (d *DockerDriver) Name() string { return "docker" }

func (d *DockerDriver) Ping(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if _, err := d.cli.Ping(ctx); err != nil {
		return &OpError{Op: "ping", Err: fmt.Errorf("%w: %v", ErrRuntimeDown, err)}
	}
	return nil
}

// EnsureImage makes ref available locally, pulling it when the runtime is
// configured to pull.
func (d *DockerDriver) EnsureImage(ctx context.Context, ref string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return d.wrap("inspect image", ref, err)
	}

	if !d.cfg.PullImages {
		return &OpError{Op: "ensure image", ID: ref, Err: fmt.Errorf("%w: not present locally and pulling is disabled", ErrImageUnusable)}
	}

	log.Info().Str("image", ref).Msg("pulling image")
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return &OpError{Op: "pull image", ID: ref, Err: fmt.Errorf("%w: %v", ErrImageUnusable, err)}
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return &OpError{Op: "pull image", ID: ref, Err: err}
	}
	log.Info().Str("image", ref).Msg("image pulled")
	return nil
}

func (d *DockerDriver) CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	if err := d.checkOpen(); err != nil {
		return "", err
	}
	resp, err := d.cli.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver:   "bridge",
		Internal: spec.Internal,
		Labels:   spec.Labels,
	})
	if err != nil {
		return "", d.wrap("create network", spec.Name, err)
	}
	if resp.Warning != "" {
		log.Warn().Str("network", spec.Name).Str("warning", resp.Warning).Msg("network created with warning")
	}
	return resp.ID, nil
}

func (d *DockerDriver) RemoveNetwork(ctx context.Context, id string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	err := d.cli.NetworkRemove(ctx, id)
	if err != nil && (errdefs.IsForbidden(err) || strings.Contains(err.Error(), "active endpoints")) {
		return &OpError{Op: "remove network", ID: id, Err: fmt.Errorf("%w: %v", ErrNetworkInUse, err)}
	}
	return d.wrap("remove network", id, err)
}

func (d *DockerDriver) ListNetworks(ctx context.Context, labels map[string]string) ([]Resource, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	nets, err := d.cli.NetworkList(ctx, network.ListOptions{Filters: labelFilters(labels)})
	if err != nil {
		return nil, d.wrap("list networks", "", err)
	}
	out := make([]Resource, 0, len(nets))
	for _, n := range nets {
		out = append(out, Resource{ID: n.ID, Name: n.Name, Labels: n.Labels})
	}
	return out, nil
}

func (d *DockerDriver) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := d.checkOpen(); err != nil {
		return "", err
	}
	cfg, hostCfg, netCfg, err := d.buildConfig(spec)
	if err != nil {
		return "", &OpError{Op: "create container", ID: spec.Name, Err: err}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", d.wrap("create container", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("container", spec.Name).Str("warning", w).Msg("container created with warning")
	}
	return resp.ID, nil
}

func (d *DockerDriver) buildConfig(spec ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Entrypoint: spec.Entrypoint,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkDir,
		Hostname:   spec.Hostname,
		Labels:     spec.Labels,
		User:       spec.Security.UserString(),
	}

	pids := spec.Limits.Pids()
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:     spec.Limits.MemoryBytes(),
			MemorySwap: spec.Limits.MemoryBytes(),
			NanoCPUs:   spec.Limits.NanoCPUs(),
			PidsLimit:  &pids,
		},
		CapDrop:        []string{"ALL"},
		CapAdd:         dockerCaps(spec.Security.Capabilities),
		ReadonlyRootfs: spec.Security.ReadonlyRootfs,
		MaskedPaths:    spec.Security.MaskedPaths,
		ReadonlyPaths:  spec.Security.ReadonlyPaths,
		Tmpfs:          make(map[string]string),
		SecurityOpt:    []string{"no-new-privileges:true"},
		RestartPolicy:  container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}

	seccompJSON := d.seccomp
	if seccompJSON == "" {
		var err error
		seccompJSON, err = spec.Security.SeccompJSON()
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if seccompJSON != "" {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "seccomp="+seccompJSON)
	}

	for _, dir := range spec.Security.ScratchDirs {
		hostCfg.Tmpfs[dir] = "rw,nosuid,nodev,mode=1777"
	}
	if d.cfg.StorageQuota {
		hostCfg.StorageOpt = map[string]string{"size": fmt.Sprintf("%dM", spec.Limits.DiskMB)}
	} else {
		hostCfg.Tmpfs["/tmp"] = fmt.Sprintf("rw,nosuid,nodev,size=%dm,mode=1777", spec.Limits.DiskMB)
	}

	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	var netCfg *network.NetworkingConfig
	if spec.NetworkID == "" {
		hostCfg.NetworkMode = container.NetworkMode("none")
	} else {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkID)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.NetworkID: {Aliases: spec.Aliases},
			},
		}
	}

	return cfg, hostCfg, netCfg, nil
}

// dockerCaps strips the CAP_ prefix the OCI spec uses.
func dockerCaps(caps []string) []string {
	if len(caps) == 0 {
		return nil
	}
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, strings.TrimPrefix(c, "CAP_"))
	}
	return out
}

func (d *DockerDriver) StartContainer(ctx context.Context, id string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.wrap("start container", id, d.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (d *DockerDriver) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	timeout := int(math.Ceil(grace.Seconds()))
	return d.wrap("stop container", id, d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}))
}

func (d *DockerDriver) RemoveContainer(ctx context.Context, id string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	return d.wrap("remove container", id, err)
}

func (d *DockerDriver) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	if err := d.checkOpen(); err != nil {
		return ContainerState{}, err
	}
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, d.wrap("inspect container", id, err)
	}
	st := ContainerState{ID: info.ID}
	if info.State != nil {
		st.Running = info.State.Running
		st.Status = info.State.Status
		st.ExitCode = info.State.ExitCode
		st.OOMKilled = info.State.OOMKilled
	}
	return st, nil
}

func (d *DockerDriver) ListContainers(ctx context.Context, labels map[string]string) ([]Resource, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: labelFilters(labels)})
	if err != nil {
		return nil, d.wrap("list containers", "", err)
	}
	out := make([]Resource, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Resource{ID: c.ID, Name: name, Labels: c.Labels})
	}
	return out, nil
}

func (d *DockerDriver) Exec(ctx context.Context, id string, spec ExecSpec, stdout, stderr io.Writer) (int, error) {
	if err := d.checkOpen(); err != nil {
		return -1, err
	}
	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkDir,
		User:         spec.User,
		AttachStdin:  spec.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, d.wrap("exec create", id, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, d.wrap("exec attach", id, err)
	}
	defer attach.Close()

	if spec.Stdin != nil {
		go func() {
			if _, err := io.Copy(attach.Conn, spec.Stdin); err != nil {
				log.Debug().Err(err).Str("container_id", id).Msg("exec stdin copy failed")
			}
			// Half-close so the process sees EOF.
			if err := attach.CloseWrite(); err != nil {
				log.Debug().Err(err).Str("container_id", id).Msg("exec stdin close failed")
			}
		}()
	}

	// StdCopy blocks on the hijacked connection; closing it is the only way
	// to unblock when ctx ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-done:
		}
	}()

	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil && !errors.Is(err, io.EOF) {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, &OpError{Op: "exec stream", ID: id, Err: err}
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}

	return d.waitExec(ctx, id, created.ID)
}

// waitExec polls until the daemon reports the exec finished. The output
// stream can close a moment before the exit code is recorded.
func (d *DockerDriver) waitExec(ctx context.Context, containerID, execID string) (int, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		ins, err := d.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, d.wrap("exec inspect", containerID, err)
		}
		if !ins.Running {
			return ins.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *DockerDriver) Stats(ctx context.Context, id string) (Usage, error) {
	if err := d.checkOpen(); err != nil {
		return Usage{}, err
	}
	resp, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return Usage{}, d.wrap("stats", id, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Usage{}, &OpError{Op: "stats", ID: id, Err: fmt.Errorf("decoding stats: %w", err)}
	}

	usage := Usage{
		MemoryBytes: raw.MemoryStats.Usage,
		CPUPercent:  cpuPercent(raw.PreCPUStats, raw.CPUStats),
		Pids:        raw.PidsStats.Current,
		SampledAt:   raw.Read,
	}
	// cgroup v1 counts page cache in usage; the CLI subtracts it the same way.
	if cache, ok := raw.MemoryStats.Stats["inactive_file"]; ok && cache < usage.MemoryBytes {
		usage.MemoryBytes -= cache
	}
	if usage.SampledAt.IsZero() {
		usage.SampledAt = time.Now()
	}

	info, _, err := d.cli.ContainerInspectWithRaw(ctx, id, true)
	if err == nil && info.SizeRw != nil {
		usage.DiskBytes = *info.SizeRw
	}
	return usage, nil
}

func cpuPercent(prev, cur container.CPUStats) float64 {
	cpuDelta := float64(cur.CPUUsage.TotalUsage) - float64(prev.CPUUsage.TotalUsage)
	sysDelta := float64(cur.SystemUsage) - float64(prev.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := float64(cur.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * cpus * 100
}

func (d *DockerDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.cli.Close()
}

func (d *DockerDriver) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDriverClosed
	}
	return nil
}

// wrap maps SDK errors onto the driver's sentinels.
func (d *DockerDriver) wrap(op, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return &OpError{Op: op, ID: id, Err: fmt.Errorf("%w: %v", ErrNotFound, err)}
	case client.IsErrConnectionFailed(err):
		return &OpError{Op: op, ID: id, Err: fmt.Errorf("%w: %v", ErrRuntimeDown, err)}
	default:
		return &OpError{Op: op, ID: id, Err: err}
	}
}

func labelFilters(labels map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	return args
}
