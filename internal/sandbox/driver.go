package sandbox

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"lab-sandbox/internal/config"
)

// Driver is the runtime-agnostic contract the provisioner, gateway and
// reaper use to manipulate containers and networks. Implementations must
// report missing objects with errors matching ErrNotFound.
type Driver interface {
	Name() string
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, ref string) error

	CreateNetwork(ctx context.Context, spec NetworkSpec) (string, error)
	RemoveNetwork(ctx context.Context, id string) error
	ListNetworks(ctx context.Context, labels map[string]string) ([]Resource, error)

	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (ContainerState, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]Resource, error)

	// Exec runs a command inside a running container and blocks until it
	// exits or ctx is done. Cancelling ctx detaches from the process; it does
	// not kill it.
	Exec(ctx context.Context, id string, spec ExecSpec, stdout, stderr io.Writer) (int, error)
	Stats(ctx context.Context, id string) (Usage, error)

	Close() error
}

// NetworkSpec describes a private network to create.
type NetworkSpec struct {
	Name     string
	Internal bool // No route to the host's external interfaces
	Labels   map[string]string
}

// ContainerSpec describes a long-lived sandbox container.
type ContainerSpec struct {
	Name       string
	Image      string
	Entrypoint []string
	Cmd        []string
	Env        []string
	WorkDir    string
	Hostname   string
	Labels     map[string]string
	NetworkID  string // Empty means no network at all
	Aliases    []string
	Limits     ResourceLimits
	Security   SecurityProfile
	Mounts     []Mount
}

// Mount is a host path bound into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ExecSpec describes a command to run in an existing container. Stdin, when
// set, is copied to the process and closed at EOF.
type ExecSpec struct {
	Cmd     []string
	Env     []string
	WorkDir string
	User    string
	Stdin   io.Reader
}

// ContainerState is the runtime's view of a container.
type ContainerState struct {
	ID        string
	Running   bool
	Status    string
	ExitCode  int
	OOMKilled bool
}

// Resource is a labelled runtime object found by a List call.
type Resource struct {
	ID     string
	Name   string
	Labels map[string]string
}

// Usage is a point-in-time resource consumption sample.
type Usage struct {
	MemoryBytes uint64    `json:"memory_bytes"`
	CPUPercent  float64   `json:"cpu_percent"`
	DiskBytes   int64     `json:"disk_bytes"`
	Pids        uint64    `json:"pids"`
	SampledAt   time.Time `json:"sampled_at"`
}

// Add accumulates another sample into u.
func (u Usage) Add(o Usage) Usage {
	u.MemoryBytes += o.MemoryBytes
	u.CPUPercent += o.CPUPercent
	u.DiskBytes += o.DiskBytes
	u.Pids += o.Pids
	if o.SampledAt.After(u.SampledAt) {
		u.SampledAt = o.SampledAt
	}
	return u
}

// NewDriver picks the runtime driver: the local Docker daemon when
// reachable, containerd on Linux otherwise.
func NewDriver(ctx context.Context, cfg *config.Config) (Driver, error) {
	preference := cfg.Runtime.Driver
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "docker":
		driver, err := NewDockerDriver(ctx, cfg.Runtime)
		if err != nil {
			return nil, err
		}
		return driver, nil
	case "containerd":
		return newContainerdDriver(ctx, cfg.Runtime)
	case "auto":
		driver, err := NewDockerDriver(ctx, cfg.Runtime)
		if err == nil {
			log.Info().Msg("using docker driver")
			return driver, nil
		}
		log.Warn().Err(err).Msg("docker unavailable, trying containerd")

		if runtime.GOOS == "linux" {
			cdriver, cerr := newContainerdDriver(ctx, cfg.Runtime)
			if cerr == nil {
				log.Info().Msg("using containerd driver")
				return cdriver, nil
			}
			log.Warn().Err(cerr).Msg("containerd unavailable")
		}

		return nil, fmt.Errorf("%w: start Docker or containerd", ErrRuntimeDown)
	default:
		return nil, fmt.Errorf("unknown driver %q: must be auto, docker, or containerd", preference)
	}
}

func newContainerdDriver(ctx context.Context, cfg config.RuntimeConfig) (Driver, error) {
	client, err := NewClient(ctx, cfg.ContainerdSocket, cfg.Namespace)
	if err != nil {
		return nil, err
	}
	return NewContainerdDriver(client, cfg), nil
}
