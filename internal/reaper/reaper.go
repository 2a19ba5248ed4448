// Package reaper periodically enforces instance deadlines and reclaims
// runtime objects nothing accounts for.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/lifecycle"
	"lab-sandbox/internal/monitor"
	"lab-sandbox/internal/provision"
	"lab-sandbox/internal/sandbox"
)

// Instances is the part of the lifecycle manager the reaper drives.
type Instances interface {
	Instances() []lifecycle.Instance
	Has(id string) bool
	Stop(ctx context.Context, id string) error
	Verify(ctx context.Context, id string) error
	RetryCleanup(ctx context.Context, id string) (bool, error)
}

// Reclaim reasons, used as the metric label.
const (
	ReasonExpired         = "expired"
	ReasonDead            = "dead"
	ReasonParked          = "parked"
	ReasonOrphanContainer = "orphan_container"
	ReasonOrphanNetwork   = "orphan_network"
)

// SweepReport lists what one sweep did. Per-item failures end up in Errors;
// they never stop the sweep.
type SweepReport struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	Expired          []string      `json:"expired,omitempty"`
	Failed           []string      `json:"failed,omitempty"`
	Reclaimed        []string      `json:"reclaimed,omitempty"`
	OrphanContainers []string      `json:"orphan_containers,omitempty"`
	OrphanNetworks   []string      `json:"orphan_networks,omitempty"`
	Errors           []string      `json:"errors,omitempty"`
}

// Empty reports whether the sweep found nothing to do.
func (r *SweepReport) Empty() bool {
	return len(r.Expired)+len(r.Failed)+len(r.Reclaimed)+len(r.OrphanContainers)+len(r.OrphanNetworks)+len(r.Errors) == 0
}

type Options struct {
	Scope       string
	Interval    time.Duration
	StopGrace   time.Duration
	Parallelism int
	Metrics     *monitor.Metrics
	Clock       func() time.Time

	// Provisioner and Networks tear orphans down the way instances are torn
	// down. Both default to ones built on the reaper's driver.
	Provisioner *provision.Provisioner
	Networks    *provision.NetworkManager
}

type Reaper struct {
	driver    sandbox.Driver
	instances Instances
	prov      *provision.Provisioner
	networks  *provision.NetworkManager
	opts      Options

	sweepMu sync.Mutex
}

func New(driver sandbox.Driver, instances Instances, opts Options) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 4
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Provisioner == nil {
		opts.Provisioner = provision.New(driver, provision.Options{StopGrace: opts.StopGrace})
	}
	if opts.Networks == nil {
		opts.Networks = provision.NewNetworkManager(driver)
	}
	return &Reaper{
		driver:    driver,
		instances: instances,
		prov:      opts.Provisioner,
		networks:  opts.Networks,
		opts:      opts,
	}
}

// Run sweeps once right away, which reclaims whatever a previous process
// left behind, and then on every interval until ctx is cancelled. A sweep
// that overruns the interval delays the next one instead of overlapping it.
func (r *Reaper) Run(ctx context.Context) error {
	r.Sweep(ctx)

	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc("@every "+r.opts.Interval.String(), func() { r.Sweep(ctx) }); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}

	log.Info().Dur("interval", r.opts.Interval).Msg("reaper started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info().Msg("reaper stopped")
	return nil
}

// Sweep runs one reclamation pass. Concurrent calls are serialized.
func (r *Reaper) Sweep(ctx context.Context) *SweepReport {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	began := time.Now()
	now := r.opts.Clock()
	rep := &SweepReport{StartedAt: now}
	sw := &sweep{rep: rep}

	var g errgroup.Group
	g.SetLimit(r.opts.Parallelism)
	for _, inst := range r.instances.Instances() {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.sweepInstance(ctx, sw, inst, now)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() == nil {
		r.sweepOrphans(ctx, sw)
	}

	rep.Duration = time.Since(began)
	if !rep.Empty() {
		log.Info().
			Int("expired", len(rep.Expired)).
			Int("failed", len(rep.Failed)).
			Int("reclaimed", len(rep.Reclaimed)).
			Int("orphan_containers", len(rep.OrphanContainers)).
			Int("orphan_networks", len(rep.OrphanNetworks)).
			Int("errors", len(rep.Errors)).
			Msg("sweep finished")
	} else {
		log.Debug().Msg("sweep found nothing")
	}
	return rep
}

// sweep collects a report from concurrent workers.
type sweep struct {
	mu  sync.Mutex
	rep *SweepReport
}

func (s *sweep) add(list *[]string, item string) {
	s.mu.Lock()
	*list = append(*list, item)
	s.mu.Unlock()
}

func (s *sweep) fail(format string, args ...any) {
	s.mu.Lock()
	s.rep.Errors = append(s.rep.Errors, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

func (r *Reaper) sweepInstance(ctx context.Context, sw *sweep, inst lifecycle.Instance, now time.Time) {
	switch inst.State {
	case lifecycle.StateRunning:
		if inst.Expired(now) {
			err := r.instances.Stop(ctx, inst.ID)
			if err != nil && !errors.Is(err, lifecycle.ErrCleanupPending) {
				sw.fail("stopping expired %s: %v", inst.ID, err)
				return
			}
			sw.add(&sw.rep.Expired, inst.ID)
			r.opts.Metrics.RecordReclaimed(ReasonExpired)
			if err != nil {
				sw.fail("stopping expired %s: %v", inst.ID, err)
			}
			return
		}

		err := r.instances.Verify(ctx, inst.ID)
		switch {
		case err == nil, errors.Is(err, lifecycle.ErrNotFound):
		case errors.Is(err, lifecycle.ErrInstanceNotRunning):
			sw.add(&sw.rep.Failed, inst.ID)
			r.opts.Metrics.RecordReclaimed(ReasonDead)
		default:
			sw.fail("verifying %s: %v", inst.ID, err)
		}

	case lifecycle.StateStopping, lifecycle.StateError:
		removed, err := r.instances.RetryCleanup(ctx, inst.ID)
		if err != nil {
			sw.fail("cleaning up %s: %v", inst.ID, err)
			return
		}
		if removed {
			sw.add(&sw.rep.Reclaimed, inst.ID)
			r.opts.Metrics.RecordReclaimed(ReasonParked)
		}
	}
}

// sweepOrphans destroys labelled runtime objects whose instance has no
// record: containers first, since networks with endpoints cannot go. Both
// go through the same teardown as a stopped instance.
func (r *Reaper) sweepOrphans(ctx context.Context, sw *sweep) {
	selector := sandbox.ScopeSelector(r.opts.Scope)

	containers, err := r.driver.ListContainers(ctx, selector)
	if err != nil {
		sw.fail("listing containers: %v", err)
	}
	for _, c := range containers {
		if r.instances.Has(c.Labels[sandbox.LabelInstance]) {
			continue
		}
		h := provision.ContainerHandle{ID: c.ID, Name: c.Name, Role: catalog.Role(c.Labels[sandbox.LabelRole])}
		if err := r.prov.Terminate(ctx, []provision.ContainerHandle{h}); err != nil {
			sw.fail("removing orphan container %s: %v", c.Name, err)
			continue
		}
		sw.add(&sw.rep.OrphanContainers, c.Name)
		r.opts.Metrics.RecordReclaimed(ReasonOrphanContainer)
		log.Warn().
			Str("container", c.Name).
			Str("instance_id", c.Labels[sandbox.LabelInstance]).
			Msg("removed orphan container")
	}

	networks, err := r.driver.ListNetworks(ctx, selector)
	if err != nil {
		sw.fail("listing networks: %v", err)
	}
	for _, n := range networks {
		if r.instances.Has(n.Labels[sandbox.LabelInstance]) {
			continue
		}
		if err := r.networks.DestroyNetwork(ctx, provision.NetworkHandle{ID: n.ID, Name: n.Name}); err != nil {
			sw.fail("removing orphan network %s: %v", n.Name, err)
			continue
		}
		sw.add(&sw.rep.OrphanNetworks, n.Name)
		r.opts.Metrics.RecordReclaimed(ReasonOrphanNetwork)
		log.Warn().
			Str("network", n.Name).
			Str("instance_id", n.Labels[sandbox.LabelInstance]).
			Msg("removed orphan network")
	}
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
