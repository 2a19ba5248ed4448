package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/config"
	"lab-sandbox/internal/provision"
	"lab-sandbox/internal/sandbox"
	"lab-sandbox/internal/sandbox/sandboxtest"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) RecordEvent(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) states(id string) []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, ev := range l.events {
		if ev.InstanceID == id && ev.From != ev.To {
			out = append(out, ev.To)
		}
	}
	return out
}

type fixture struct {
	driver *sandboxtest.FakeDriver
	mgr    *Manager
	clock  *fakeClock
	events *eventLog
}

func testTemplates() []config.TemplateConfig {
	return []config.TemplateConfig{
		{
			ID:                   "py",
			Kind:                 "programming-language",
			Language:             "python",
			MaxLifetime:          10 * time.Minute,
			RenewalWindow:        5 * time.Minute,
			MaxConcurrentPerUser: 1,
		},
		{
			ID:                   "web",
			Kind:                 "vulnerability",
			Image:                "vulnerables/web-dvwa:latest",
			MaxLifetime:          time.Hour,
			MaxConcurrentPerUser: 2,
		},
		{
			ID:                   "range",
			Kind:                 "networking",
			Image:                "ubuntu:22.04",
			CompanionImage:       "kalilinux/kali-rolling",
			MaxLifetime:          time.Hour,
			MaxConcurrentPerUser: 1,
		},
	}
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()

	cat, err := catalog.New(context.Background(), testTemplates(), catalog.Options{})
	if err != nil {
		t.Fatalf("catalog.New() error = %v", err)
	}

	cfg := Config{
		Scope:            "test",
		ProvisionTimeout: 5 * time.Second,
		CleanupTimeout:   5 * time.Second,
		CleanupRetries:   2,
		RetryBackoff:     time.Millisecond,
		ErrorRetention:   time.Minute,
		TombstoneTTL:     time.Hour,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	d := sandboxtest.New()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	events := &eventLog{}
	mgr := NewManager(cfg, Deps{
		Catalog:     cat,
		Networks:    provision.NewNetworkManager(d),
		Provisioner: provision.New(d, provision.Options{StopGrace: time.Millisecond, ReadyPoll: time.Millisecond}),
		Events:      events,
		Clock:       clock.Now,
	})
	return &fixture{driver: d, mgr: mgr, clock: clock, events: events}
}

func (f *fixture) assertNoLeaks(t *testing.T) {
	t.Helper()
	if n := f.driver.LiveContainers(); n != 0 {
		t.Errorf("live containers = %d, want 0", n)
	}
	if n := f.driver.LiveNetworks(); n != 0 {
		t.Errorf("live networks = %d, want 0", n)
	}
}

func TestStart_Running(t *testing.T) {
	f := newFixture(t)

	inst, err := f.mgr.Start(context.Background(), "alice", "range")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if inst.State != StateRunning {
		t.Errorf("State = %q, want running", inst.State)
	}
	if want := inst.CreatedAt.Add(time.Hour); !inst.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", inst.ExpiresAt, want)
	}
	if len(inst.Containers) != 2 {
		t.Fatalf("containers = %d, want 2", len(inst.Containers))
	}
	if _, ok := inst.Container(catalog.RoleAttacker); !ok {
		t.Error("no attacker container")
	}
	if inst.Network.IsNone() {
		t.Error("networking instance has no network")
	}
	if got := f.driver.ContainersFor(inst.ID); len(got) != 2 {
		t.Errorf("runtime containers = %d, want 2", len(got))
	}
	if got := f.mgr.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}

	want := []State{StateCreated, StateStarting, StateRunning}
	got := f.events.states(inst.ID)
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStart_UnknownTemplate(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.Start(context.Background(), "alice", "nope"); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Start() error = %v, want ErrTemplateNotFound", err)
	}
	if n := len(f.mgr.Instances()); n != 0 {
		t.Errorf("instances = %d, want 0", n)
	}
}

func TestStart_ConcurrentQuota(t *testing.T) {
	f := newFixture(t)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		refused int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Start(context.Background(), "alice", "py")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrQuotaExceeded):
				refused++
			default:
				t.Errorf("Start() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || refused != n-1 {
		t.Errorf("successes = %d, refusals = %d; want 1 and %d", ok, refused, n-1)
	}
	if got := f.driver.LiveContainers(); got != 1 {
		t.Errorf("live containers = %d, want 1", got)
	}

	// Quotas are per user and template.
	if _, err := f.mgr.Start(context.Background(), "bob", "py"); err != nil {
		t.Errorf("Start() for another user error = %v", err)
	}
	if _, err := f.mgr.Start(context.Background(), "alice", "web"); err != nil {
		t.Errorf("Start() of another template error = %v", err)
	}
}

func TestStart_GlobalCapacity(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxInstances = 1 })

	if _, err := f.mgr.Start(context.Background(), "alice", "py"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := f.mgr.Start(context.Background(), "bob", "py"); !errors.Is(err, ErrCapacityExhausted) {
		t.Errorf("Start() error = %v, want ErrCapacityExhausted", err)
	}
}

func TestStart_RollbackOnFailure(t *testing.T) {
	f := newFixture(t)
	f.driver.Inject(sandboxtest.OpCreateContainer, sandboxtest.Fault{Err: errBoom, Match: "kali", Times: 1})

	_, err := f.mgr.Start(context.Background(), "alice", "range")
	if !errors.Is(err, ErrProvisioningFailed) {
		t.Fatalf("Start() error = %v, want ErrProvisioningFailed", err)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("Start() error = %v, want cause preserved", err)
	}
	var perr *ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T, want *ProvisioningError", err)
	}

	inst, err := f.mgr.GetInstance(perr.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if inst.State != StateError {
		t.Errorf("State = %q, want error", inst.State)
	}
	if inst.LastError == "" {
		t.Error("LastError is empty")
	}
	if inst.HoldsResources() {
		t.Errorf("failed instance still references %+v", inst)
	}
	f.assertNoLeaks(t)
	if got := f.mgr.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0", got)
	}

	// The slot is free again.
	if _, err := f.mgr.Start(context.Background(), "alice", "range"); err != nil {
		t.Errorf("Start() after rollback error = %v", err)
	}
}

func TestStart_ProvisionTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ProvisionTimeout = 50 * time.Millisecond })
	f.driver.Delay(sandboxtest.OpInspect, time.Second)

	began := time.Now()
	_, err := f.mgr.Start(context.Background(), "alice", "web")
	if !errors.Is(err, ErrProvisioningFailed) {
		t.Fatalf("Start() error = %v, want ErrProvisioningFailed", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Start() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(began); elapsed > 900*time.Millisecond {
		t.Errorf("Start() took %v", elapsed)
	}
	f.assertNoLeaks(t)
	if got := f.mgr.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0", got)
	}
}

func TestStart_ContainerExitsDuringStartup(t *testing.T) {
	f := newFixture(t)
	f.driver.ExitOnStart("vulnerables/web-dvwa:latest", 1)

	_, err := f.mgr.Start(context.Background(), "alice", "web")
	if !errors.Is(err, provision.ErrContainerDown) {
		t.Errorf("Start() error = %v, want ErrContainerDown", err)
	}
	f.assertNoLeaks(t)
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.mgr.Start(ctx, "alice", "range")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.mgr.Stop(ctx, inst.ID); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	f.assertNoLeaks(t)

	if _, err := f.mgr.GetInstance(inst.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetInstance() error = %v, want ErrNotFound", err)
	}
	if err := f.mgr.Stop(ctx, inst.ID); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if !f.mgr.Stopped(inst.ID, "alice") {
		t.Error("Stopped(owner) = false, want true")
	}
	if f.mgr.Stopped(inst.ID, "mallory") {
		t.Error("Stopped(other user) = true, want false")
	}
	if err := f.mgr.Stop(ctx, "01UNKNOWN"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stop(unknown) error = %v, want ErrNotFound", err)
	}
	if got := f.mgr.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0", got)
	}

	got := f.events.states(inst.ID)
	if n := len(got); n < 2 || got[n-2] != StateStopping || got[n-1] != StateStopped {
		t.Errorf("transitions = %v, want ... stopping, stopped", got)
	}
}

func TestStopped_ExpiresWithTombstone(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.TombstoneTTL = time.Minute })
	ctx := context.Background()

	inst, err := f.mgr.Start(ctx, "alice", "web")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if f.mgr.Stopped(inst.ID, "alice") {
		t.Error("Stopped() = true for a running instance")
	}
	if err := f.mgr.Stop(ctx, inst.ID); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !f.mgr.Stopped(inst.ID, "alice") {
		t.Error("Stopped() = false right after Stop")
	}

	f.clock.Advance(2 * time.Minute)
	if f.mgr.Stopped(inst.ID, "alice") {
		t.Error("Stopped() = true after the tombstone TTL")
	}
}

func TestStop_ConcurrentCallers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.mgr.Start(ctx, "alice", "web")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.mgr.Stop(ctx, inst.ID); err != nil {
				t.Errorf("Stop() error = %v", err)
			}
		}()
	}
	wg.Wait()
	f.assertNoLeaks(t)
}

func TestStop_CleanupPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.mgr.Start(ctx, "alice", "range")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.driver.FailOn(sandboxtest.OpRemoveContainer, errBoom)

	if err := f.mgr.Stop(ctx, inst.ID); !errors.Is(err, ErrCleanupPending) {
		t.Fatalf("Stop() error = %v, want ErrCleanupPending", err)
	}
	parked, err := f.mgr.GetInstance(inst.ID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if parked.State != StateStopping {
		t.Errorf("State = %q, want stopping", parked.State)
	}
	if !parked.HoldsResources() {
		t.Error("parked instance lost its resource references")
	}

	// A parked instance no longer counts against the quota.
	if _, err := f.mgr.Start(ctx, "alice", "range"); err != nil {
		t.Errorf("Start() while parked error = %v", err)
	}

	f.driver.Clear(sandboxtest.OpRemoveContainer)
	removed, err := f.mgr.RetryCleanup(ctx, inst.ID)
	if err != nil || !removed {
		t.Fatalf("RetryCleanup() = %v, %v; want true, nil", removed, err)
	}
	if got := f.driver.ContainersFor(inst.ID); len(got) != 0 {
		t.Errorf("containers left = %d", len(got))
	}
	if f.mgr.Has(inst.ID) {
		t.Error("record still present after cleanup")
	}
}

func TestRenew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.mgr.Start(ctx, "alice", "py")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for _, ext := range []time.Duration{0, -time.Minute, 6 * time.Minute} {
		if _, err := f.mgr.Renew(ctx, inst.ID, ext); !errors.Is(err, ErrRenewalRejected) {
			t.Errorf("Renew(%v) error = %v, want ErrRenewalRejected", ext, err)
		}
	}

	// alice holds the only py slot; renewing needs no second one.
	renewed, err := f.mgr.Renew(ctx, inst.ID, 5*time.Minute)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if want := inst.CreatedAt.Add(15 * time.Minute); !renewed.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", renewed.ExpiresAt, want)
	}
	if renewed.Renewals != 1 {
		t.Errorf("Renewals = %d, want 1", renewed.Renewals)
	}

	// createdAt + maxLifetime + renewalWindow is a hard ceiling.
	if _, err := f.mgr.Renew(ctx, inst.ID, time.Minute); !errors.Is(err, ErrRenewalRejected) {
		t.Errorf("Renew() past ceiling error = %v, want ErrRenewalRejected", err)
	}

	if _, err := f.mgr.Renew(ctx, "01UNKNOWN", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("Renew(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRenew_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.mgr.Start(ctx, "alice", "py")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.clock.Advance(11 * time.Minute)

	if _, err := f.mgr.Renew(ctx, inst.ID, time.Minute); !errors.Is(err, ErrRenewalRejected) {
		t.Errorf("Renew() error = %v, want ErrRenewalRejected", err)
	}
}

func TestFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.mgr.Start(ctx, "alice", "range")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.mgr.Fail(ctx, inst.ID, errBoom); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	got, err := f.mgr.GetInstance(inst.ID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.State != StateError || got.LastError != errBoom.Error() {
		t.Errorf("instance = %q %q, want error %q", got.State, got.LastError, errBoom)
	}
	f.assertNoLeaks(t)
	if n := f.mgr.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount() = %d, want 0", n)
	}

	if err := f.mgr.Fail(ctx, inst.ID, errBoom); err != nil {
		t.Errorf("Fail() on error instance = %v", err)
	}
	if err := f.mgr.Fail(ctx, "01UNKNOWN", errBoom); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fail(unknown) = %v, want ErrNotFound", err)
	}
	if _, err := f.mgr.Renew(ctx, inst.ID, time.Minute); !errors.Is(err, ErrInstanceNotRunning) {
		t.Errorf("Renew() on error instance = %v, want ErrInstanceNotRunning", err)
	}

	// Error records are kept for the retention period.
	if removed, err := f.mgr.RetryCleanup(ctx, inst.ID); err != nil || removed {
		t.Errorf("RetryCleanup() = %v, %v; want false, nil", removed, err)
	}
	f.clock.Advance(2 * time.Minute)
	if removed, err := f.mgr.RetryCleanup(ctx, inst.ID); err != nil || !removed {
		t.Errorf("RetryCleanup() = %v, %v; want true, nil", removed, err)
	}
	if _, err := f.mgr.GetInstance(inst.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetInstance() error = %v, want ErrNotFound", err)
	}
}

func TestFail_CleanupErrorsAreSwallowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.mgr.Start(ctx, "alice", "web")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.driver.FailOn(sandboxtest.OpRemoveNetwork, errBoom)

	if err := f.mgr.Fail(ctx, inst.ID, errBoom); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	got, _ := f.mgr.GetInstance(inst.ID)
	if got.Network.IsNone() {
		t.Error("network reference dropped before removal succeeded")
	}
	if len(got.Containers) != 0 {
		t.Errorf("containers = %d, want 0", len(got.Containers))
	}
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.mgr.Start(ctx, "alice", "web")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.mgr.Verify(ctx, inst.ID); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	target, _ := inst.Container(catalog.RoleTarget)
	f.driver.Crash(target.ID, 137)

	if err := f.mgr.Verify(ctx, inst.ID); !errors.Is(err, ErrInstanceNotRunning) {
		t.Fatalf("Verify() error = %v, want ErrInstanceNotRunning", err)
	}
	got, _ := f.mgr.GetInstance(inst.ID)
	if got.State != StateError {
		t.Errorf("State = %q, want error", got.State)
	}
	f.assertNoLeaks(t)
}

func TestVerify_RuntimeErrorKeepsInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.mgr.Start(ctx, "alice", "web")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.driver.FailOn(sandboxtest.OpInspect, errBoom)

	if err := f.mgr.Verify(ctx, inst.ID); !errors.Is(err, errBoom) {
		t.Errorf("Verify() error = %v, want runtime error", err)
	}
	if got, _ := f.mgr.GetInstance(inst.ID); got.State != StateRunning {
		t.Errorf("State = %q, want running", got.State)
	}
}

func TestTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.mgr.Start(ctx, "alice", "py")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	got, tmpl, err := f.mgr.Target(inst.ID)
	if err != nil {
		t.Fatalf("Target() error = %v", err)
	}
	if got.ID != inst.ID || tmpl.ID != "py" {
		t.Errorf("Target() = %s/%s", got.ID, tmpl.ID)
	}

	_ = f.mgr.Fail(ctx, inst.ID, errBoom)
	if _, _, err := f.mgr.Target(inst.ID); !errors.Is(err, ErrInstanceNotRunning) {
		t.Errorf("Target() error = %v, want ErrInstanceNotRunning", err)
	}
}

func TestRefreshUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.mgr.Start(ctx, "alice", "range")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, c := range inst.Containers {
		f.driver.SetUsage(c.ID, sandbox.Usage{MemoryBytes: 100, Pids: 3})
	}

	usage, err := f.mgr.RefreshUsage(ctx, inst.ID)
	if err != nil {
		t.Fatalf("RefreshUsage() error = %v", err)
	}
	if usage.MemoryBytes != 200 || usage.Pids != 6 {
		t.Errorf("usage = %+v, want summed over both containers", usage)
	}
	got, _ := f.mgr.GetInstance(inst.ID)
	if got.Usage == nil || got.Usage.MemoryBytes != 200 {
		t.Errorf("stored usage = %+v", got.Usage)
	}
}

func TestListInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _ := f.mgr.Start(ctx, "alice", "web")
	f.clock.Advance(time.Second)
	second, _ := f.mgr.Start(ctx, "alice", "py")
	f.clock.Advance(time.Second)
	if _, err := f.mgr.Start(ctx, "bob", "py"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got := f.mgr.ListInstances("alice")
	if len(got) != 2 {
		t.Fatalf("ListInstances() = %d, want 2", len(got))
	}
	if got[0].ID != first.ID || got[1].ID != second.ID {
		t.Errorf("order = %s, %s; want %s, %s", got[0].ID, got[1].ID, first.ID, second.ID)
	}
	if n := len(f.mgr.Instances()); n != 3 {
		t.Errorf("Instances() = %d, want 3", n)
	}
}

func TestStopAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "carol"} {
		if _, err := f.mgr.Start(ctx, user, "range"); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}
	if err := f.mgr.StopAll(ctx); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	f.assertNoLeaks(t)
	if n := len(f.mgr.Instances()); n != 0 {
		t.Errorf("instances = %d, want 0", n)
	}
}
