package sandbox

import (
	"context"
	"io"
	"time"
)

// Observer receives the latency and outcome of each driver call.
type Observer interface {
	ObserveRuntime(op string, elapsed time.Duration, err error)
}

// Instrument wraps d so every call is reported to obs. A nil obs returns d
// unchanged.
func Instrument(d Driver, obs Observer) Driver {
	if obs == nil {
		return d
	}
	return &instrumented{next: d, obs: obs}
}

type instrumented struct {
	next Driver
	obs  Observer
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	i.obs.ObserveRuntime(op, time.Since(start), err)
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) Ping(ctx context.Context) error {
	start := time.Now()
	err := i.next.Ping(ctx)
	i.observe("ping", start, err)
	return err
}

func (i *instrumented) EnsureImage(ctx context.Context, ref string) error {
	start := time.Now()
	err := i.next.EnsureImage(ctx, ref)
	i.observe("ensure_image", start, err)
	return err
}

func (i *instrumented) CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	start := time.Now()
	id, err := i.next.CreateNetwork(ctx, spec)
	i.observe("create_network", start, err)
	return id, err
}

func (i *instrumented) RemoveNetwork(ctx context.Context, id string) error {
	start := time.Now()
	err := i.next.RemoveNetwork(ctx, id)
	i.observe("remove_network", start, err)
	return err
}

func (i *instrumented) ListNetworks(ctx context.Context, labels map[string]string) ([]Resource, error) {
	start := time.Now()
	out, err := i.next.ListNetworks(ctx, labels)
	i.observe("list_networks", start, err)
	return out, err
}

func (i *instrumented) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	start := time.Now()
	id, err := i.next.CreateContainer(ctx, spec)
	i.observe("create_container", start, err)
	return id, err
}

func (i *instrumented) StartContainer(ctx context.Context, id string) error {
	start := time.Now()
	err := i.next.StartContainer(ctx, id)
	i.observe("start_container", start, err)
	return err
}

func (i *instrumented) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	start := time.Now()
	err := i.next.StopContainer(ctx, id, grace)
	i.observe("stop_container", start, err)
	return err
}

func (i *instrumented) RemoveContainer(ctx context.Context, id string) error {
	start := time.Now()
	err := i.next.RemoveContainer(ctx, id)
	i.observe("remove_container", start, err)
	return err
}

func (i *instrumented) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	start := time.Now()
	st, err := i.next.InspectContainer(ctx, id)
	i.observe("inspect_container", start, err)
	return st, err
}

func (i *instrumented) ListContainers(ctx context.Context, labels map[string]string) ([]Resource, error) {
	start := time.Now()
	out, err := i.next.ListContainers(ctx, labels)
	i.observe("list_containers", start, err)
	return out, err
}

func (i *instrumented) Exec(ctx context.Context, id string, spec ExecSpec, stdout, stderr io.Writer) (int, error) {
	start := time.Now()
	code, err := i.next.Exec(ctx, id, spec, stdout, stderr)
	i.observe("exec", start, err)
	return code, err
}

func (i *instrumented) Stats(ctx context.Context, id string) (Usage, error) {
	start := time.Now()
	u, err := i.next.Stats(ctx, id)
	i.observe("stats", start, err)
	return u, err
}

func (i *instrumented) Close() error { return i.next.Close() }
