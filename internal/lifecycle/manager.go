// Package lifecycle owns sandbox instances: admission against quotas, the
// state machine, expiry and the release of runtime resources.
package lifecycle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/config"
	"lab-sandbox/internal/monitor"
	"lab-sandbox/internal/provision"
	"lab-sandbox/internal/sandbox"
)

type Config struct {
	Scope            string
	MaxInstances     int // 0 disables the global cap
	ProvisionTimeout time.Duration
	CleanupTimeout   time.Duration
	CleanupRetries   int
	RetryBackoff     time.Duration
	ErrorRetention   time.Duration
	TombstoneTTL     time.Duration
}

// ConfigFrom extracts the manager settings from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Scope:            cfg.Runtime.Scope,
		MaxInstances:     cfg.Lifecycle.MaxInstances,
		ProvisionTimeout: cfg.Lifecycle.ProvisionTimeout,
		CleanupTimeout:   cfg.Lifecycle.CleanupTimeout,
		CleanupRetries:   cfg.Lifecycle.CleanupRetries,
		RetryBackoff:     200 * time.Millisecond,
		ErrorRetention:   cfg.Lifecycle.ErrorRetention,
		TombstoneTTL:     cfg.Lifecycle.TombstoneTTL,
	}
}

// Deps are the collaborators of a Manager. Metrics, Tracer and Events are
// optional.
type Deps struct {
	Catalog     *catalog.Catalog
	Networks    *provision.NetworkManager
	Provisioner *provision.Provisioner
	Metrics     *monitor.Metrics
	Tracer      *monitor.Tracer
	Events      EventSink
	Clock       func() time.Time
}

type slotKey struct {
	user     string
	template string
}

type record struct {
	inst     Instance
	tmpl     catalog.Template
	op       chan struct{} // Per-instance operation lock
	slot     bool
	failedAt time.Time
}

func (r *record) lock(ctx context.Context) error {
	select {
	case r.op <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *record) unlock() {
	<-r.op
}

// Manager tracks every live instance. The registry mutex only guards
// in-memory state; runtime calls happen under the instance's own op lock,
// so different instances proceed concurrently.
type Manager struct {
	cfg      Config
	catalog  *catalog.Catalog
	networks *provision.NetworkManager
	prov     *provision.Provisioner
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	events   EventSink
	now      func() time.Time

	mu         sync.Mutex
	records    map[string]*record
	slots      map[slotKey]int
	active     int
	tombstones map[string]tombstone
	entropy    *ulid.MonotonicEntropy
}

func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 2 * time.Minute
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = time.Minute
	}
	if cfg.CleanupRetries < 1 {
		cfg.CleanupRetries = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = time.Hour
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		cfg:        cfg,
		catalog:    deps.Catalog,
		networks:   deps.Networks,
		prov:       deps.Provisioner,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		events:     deps.Events,
		now:        clock,
		records:    make(map[string]*record),
		slots:      make(map[slotKey]int),
		tombstones: make(map[string]tombstone),
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}
}

// Start admits a new instance of templateID for userID and provisions it.
// Admission is atomic: concurrent calls never exceed the template's
// per-user limit. Network creation precedes container provisioning. On any
// provisioning failure the instance ends in the error state with its slot
// released and nothing left in the runtime, and a *ProvisioningError is
// returned.
func (m *Manager) Start(ctx context.Context, userID, templateID string) (inst Instance, err error) {
	ctx, span := m.tracer.StartSpan(ctx, "start",
		monitor.AttrOwnerID.String(userID),
		monitor.AttrTemplateID.String(templateID),
	)
	defer func() { monitor.EndSpan(span, err) }()

	tmpl, err := m.catalog.Get(templateID)
	if err != nil {
		return Instance{}, err
	}

	rec, events, err := m.admit(userID, tmpl)
	if err != nil {
		return Instance{}, err
	}
	defer rec.unlock()
	m.emit(events...)

	id := rec.inst.ID
	span.SetAttributes(monitor.AttrInstanceID.String(id))
	logger := log.With().
		Str("instance_id", id).
		Str("template_id", tmpl.ID).
		Str("owner_id", userID).
		Logger()
	owner := sandbox.Owner{Scope: m.cfg.Scope, InstanceID: id, UserID: userID, TemplateID: tmpl.ID}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProvisionTimeout)
	defer cancel()

	net, err := m.networks.CreateNetwork(pctx, tmpl.NetworkPolicy, owner)
	if err != nil {
		return Instance{}, m.abortStart(ctx, rec, nil, err)
	}
	m.mu.Lock()
	rec.inst.Network = net
	m.mu.Unlock()

	handles, err := m.prov.Provision(pctx, tmpl, net, owner)
	if err != nil {
		var perr *provision.ProvisionError
		var leftover []provision.ContainerHandle
		if errors.As(err, &perr) {
			leftover = perr.Leftover
		}
		return Instance{}, m.abortStart(ctx, rec, leftover, err)
	}

	m.mu.Lock()
	rec.inst.Containers = handles
	rec.inst.ExpiresAt = rec.inst.CreatedAt.Add(tmpl.MaxLifetime)
	ev := m.transition(rec, StateRunning, "provisioned")
	inst = rec.inst.clone()
	m.mu.Unlock()
	m.emit(ev)

	elapsed := m.now().Sub(inst.CreatedAt)
	m.metrics.RecordStart(tmpl.ID, "success", elapsed)
	logger.Info().
		Int("containers", len(handles)).
		Str("network", net.Name).
		Time("expires_at", inst.ExpiresAt).
		Dur("elapsed", elapsed).
		Msg("instance running")

	return inst, nil
}

// admit reserves a slot and inserts the record, with its op lock held for
// the caller.
func (m *Manager) admit(userID string, tmpl catalog.Template) (*record, []Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneTombstones(now)

	key := slotKey{user: userID, template: tmpl.ID}
	if used := m.slots[key]; used >= tmpl.MaxConcurrentPerUser {
		m.metrics.RecordQuotaRejection(tmpl.ID, "per_user")
		log.Debug().
			Str("owner_id", userID).
			Str("template_id", tmpl.ID).
			Int("in_use", used).
			Msg("start refused: per-user quota")
		return nil, nil, fmt.Errorf("%w: %d of %d in use", ErrQuotaExceeded, used, tmpl.MaxConcurrentPerUser)
	}
	if m.cfg.MaxInstances > 0 && m.active >= m.cfg.MaxInstances {
		m.metrics.RecordQuotaRejection(tmpl.ID, "global")
		log.Debug().Int("active", m.active).Msg("start refused: global capacity")
		return nil, nil, fmt.Errorf("%w: %d instances active", ErrCapacityExhausted, m.active)
	}

	id := ulid.MustNew(ulid.Timestamp(now), m.entropy).String()
	rec := &record{
		inst: Instance{
			ID:         id,
			UserID:     userID,
			TemplateID: tmpl.ID,
			Kind:       tmpl.Kind,
			State:      StateCreated,
			CreatedAt:  now,
			UpdatedAt:  now,
			Network:    provision.NoNetwork,
		},
		tmpl: tmpl,
		op:   make(chan struct{}, 1),
	}
	rec.op <- struct{}{}
	m.records[id] = rec

	created := Event{InstanceID: id, UserID: userID, TemplateID: tmpl.ID, To: StateCreated, Reason: "admitted", At: now}
	starting := m.transition(rec, StateStarting, "provisioning")
	return rec, []Event{created, starting}, nil
}

// abortStart moves a failed start to the error state and releases whatever
// was created. The caller holds rec's op lock.
func (m *Manager) abortStart(ctx context.Context, rec *record, leftover []provision.ContainerHandle, cause error) error {
	m.mu.Lock()
	rec.inst.Containers = leftover
	rec.inst.LastError = cause.Error()
	ev := m.transition(rec, StateError, "provisioning failed")
	m.mu.Unlock()
	m.emit(ev)

	if err := m.release(ctx, rec); err != nil {
		m.reportCleanup(rec, err)
	}

	m.metrics.RecordStart(rec.tmpl.ID, "provisioning_failed", 0)
	log.Error().
		Err(cause).
		Str("instance_id", rec.inst.ID).
		Str("template_id", rec.tmpl.ID).
		Msg("instance failed to start")

	return &ProvisioningError{InstanceID: rec.inst.ID, Err: cause}
}

// Stop terminates the instance's containers, then destroys its network,
// releases the slot and removes the record. Stopping an instance that was
// already stopped succeeds. If resources cannot be released the instance
// stays parked for the reaper and ErrCleanupPending is returned.
func (m *Manager) Stop(ctx context.Context, id string) (err error) {
	ctx, span := m.tracer.StartSpan(ctx, "stop", monitor.AttrInstanceID.String(id))
	defer func() { monitor.EndSpan(span, err) }()

	rec, err := m.lookup(id)
	if rec == nil {
		return err
	}
	if err := rec.lock(ctx); err != nil {
		return err
	}
	defer rec.unlock()

	m.mu.Lock()
	if m.records[id] != rec {
		m.mu.Unlock()
		return nil
	}
	var events []Event
	if rec.inst.State == StateRunning {
		events = append(events, m.transition(rec, StateStopping, "stop requested"))
	}
	state := rec.inst.State
	m.mu.Unlock()
	m.emit(events...)

	if err := m.release(ctx, rec); err != nil {
		m.reportCleanup(rec, err)
		return fmt.Errorf("%w: %v", ErrCleanupPending, err)
	}

	m.finish(rec, state)
	log.Info().Str("instance_id", id).Str("from", string(state)).Msg("instance stopped")
	return nil
}

// finish records the final transition and drops the record. The caller
// holds rec's op lock and has released its resources.
func (m *Manager) finish(rec *record, state State) {
	m.mu.Lock()
	var events []Event
	if state == StateStopping {
		events = append(events, m.transition(rec, StateStopped, "resources released"))
	}
	now := m.now()
	delete(m.records, rec.inst.ID)
	m.tombstones[rec.inst.ID] = tombstone{userID: rec.inst.UserID, at: now}
	m.mu.Unlock()
	m.emit(events...)
}

// StopAll stops every instance, a few at a time. Used on shutdown.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(8)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Renew pushes the deadline of a running instance back by extension. The
// extension may not exceed the template's renewal window, and the new
// deadline may not pass createdAt + maxLifetime + renewalWindow. A running
// instance already holds its slot, so renewal never consults the quota.
func (m *Manager) Renew(ctx context.Context, id string, extension time.Duration) (inst Instance, err error) {
	ctx, span := m.tracer.StartSpan(ctx, "renew", monitor.AttrInstanceID.String(id))
	defer func() { monitor.EndSpan(span, err) }()

	rec, err := m.get(id)
	if err != nil {
		return Instance{}, err
	}
	if err := rec.lock(ctx); err != nil {
		return Instance{}, err
	}
	defer rec.unlock()

	m.mu.Lock()
	if m.records[id] != rec {
		m.mu.Unlock()
		return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.inst.State != StateRunning {
		state := rec.inst.State
		m.mu.Unlock()
		return Instance{}, fmt.Errorf("%w: %s is %s", ErrInstanceNotRunning, id, state)
	}

	tmpl := rec.tmpl
	now := m.now()
	next := rec.inst.ExpiresAt.Add(extension)
	limit := tmpl.MaxExpiry(rec.inst.CreatedAt)

	switch {
	case extension <= 0 || extension > tmpl.RenewalWindow:
		err = fmt.Errorf("%w: extension must be between 0 and %s", ErrRenewalRejected, tmpl.RenewalWindow)
	case now.After(rec.inst.ExpiresAt):
		err = fmt.Errorf("%w: instance expired at %s", ErrRenewalRejected, rec.inst.ExpiresAt.Format(time.RFC3339))
	case next.After(limit):
		err = fmt.Errorf("%w: deadline may not pass %s", ErrRenewalRejected, limit.Format(time.RFC3339))
	}
	if err != nil {
		m.mu.Unlock()
		return Instance{}, err
	}

	rec.inst.ExpiresAt = next
	rec.inst.Renewals++
	rec.inst.UpdatedAt = now
	inst = rec.inst.clone()
	m.mu.Unlock()

	m.emit(Event{
		InstanceID: id, UserID: inst.UserID, TemplateID: inst.TemplateID,
		From: StateRunning, To: StateRunning,
		Reason: "renewed until " + next.Format(time.RFC3339), At: now,
	})
	log.Info().Str("instance_id", id).Time("expires_at", next).Msg("instance renewed")
	return inst, nil
}

// Fail forces a non-terminal instance into the error state, releases its
// slot and makes a best-effort attempt to free its resources. Cleanup
// problems are logged and left to the reaper.
func (m *Manager) Fail(ctx context.Context, id string, cause error) (err error) {
	ctx, span := m.tracer.StartSpan(ctx, "fail", monitor.AttrInstanceID.String(id))
	defer func() { monitor.EndSpan(span, err) }()

	rec, err := m.get(id)
	if err != nil {
		return err
	}
	if err := rec.lock(ctx); err != nil {
		return err
	}
	defer rec.unlock()

	m.failHeld(ctx, rec, cause)
	return nil
}

// failHeld is Fail for a caller already holding rec's op lock.
func (m *Manager) failHeld(ctx context.Context, rec *record, cause error) {
	m.mu.Lock()
	if m.records[rec.inst.ID] != rec || rec.inst.State.Terminal() {
		m.mu.Unlock()
		return
	}
	rec.inst.LastError = cause.Error()
	ev := m.transition(rec, StateError, cause.Error())
	m.mu.Unlock()
	m.emit(ev)

	log.Warn().Err(cause).Str("instance_id", rec.inst.ID).Msg("instance failed")

	if err := m.release(ctx, rec); err != nil {
		m.reportCleanup(rec, err)
	}
}

// Verify checks the runtime for a running instance. If its containers are
// gone the instance is failed before the error is returned, so no caller
// keeps treating it as running.
func (m *Manager) Verify(ctx context.Context, id string) error {
	rec, err := m.get(id)
	if err != nil {
		return err
	}
	if err := m.requireRunning(rec); err != nil {
		return err
	}
	if err := rec.lock(ctx); err != nil {
		return err
	}
	defer rec.unlock()

	if err := m.requireRunning(rec); err != nil {
		return err
	}
	m.mu.Lock()
	containers := append([]provision.ContainerHandle(nil), rec.inst.Containers...)
	m.mu.Unlock()

	err = m.prov.CheckAlive(ctx, containers)
	if err == nil {
		return nil
	}
	if !errors.Is(err, provision.ErrContainerDown) {
		return err
	}
	m.failHeld(ctx, rec, err)
	return fmt.Errorf("%w: %v", ErrInstanceNotRunning, err)
}

func (m *Manager) requireRunning(rec *record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[rec.inst.ID] != rec {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.inst.ID)
	}
	if rec.inst.State != StateRunning {
		return fmt.Errorf("%w: %s is %s", ErrInstanceNotRunning, rec.inst.ID, rec.inst.State)
	}
	return nil
}

// Target returns a running instance and its template, for executions.
func (m *Manager) Target(id string) (Instance, catalog.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Instance{}, catalog.Template{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.inst.State != StateRunning {
		return Instance{}, catalog.Template{}, fmt.Errorf("%w: %s is %s", ErrInstanceNotRunning, id, rec.inst.State)
	}
	return rec.inst.clone(), rec.tmpl, nil
}

// RefreshUsage samples the instance's resource consumption and stores it on
// the record.
func (m *Manager) RefreshUsage(ctx context.Context, id string) (sandbox.Usage, error) {
	inst, _, err := m.Target(id)
	if err != nil {
		return sandbox.Usage{}, err
	}
	usage, err := m.prov.Usage(ctx, inst.Containers)
	if err != nil {
		return sandbox.Usage{}, err
	}

	m.mu.Lock()
	if rec, ok := m.records[id]; ok && rec.inst.State == StateRunning {
		u := usage
		rec.inst.Usage = &u
	}
	m.mu.Unlock()
	return usage, nil
}

// RetryCleanup is the reaper's entry point for parked instances. It
// releases what an instance still holds and drops the record once that
// succeeded; error records are kept for the retention period first. It
// reports whether the record was removed.
func (m *Manager) RetryCleanup(ctx context.Context, id string) (bool, error) {
	rec, err := m.get(id)
	if err != nil {
		return false, nil
	}
	if err := rec.lock(ctx); err != nil {
		return false, err
	}
	defer rec.unlock()

	m.mu.Lock()
	if m.records[id] != rec {
		m.mu.Unlock()
		return false, nil
	}
	state := rec.inst.State
	failedAt := rec.failedAt
	holds := rec.inst.HoldsResources()
	m.mu.Unlock()

	if state != StateStopping && state != StateError {
		return false, nil
	}
	if holds {
		if err := m.release(ctx, rec); err != nil {
			m.reportCleanup(rec, err)
			return false, fmt.Errorf("%w: %v", ErrCleanupPending, err)
		}
	}
	if state == StateError && m.now().Sub(failedAt) < m.cfg.ErrorRetention {
		return false, nil
	}
	m.finish(rec, state)
	return true, nil
}

// GetInstance returns a snapshot of one instance.
func (m *Manager) GetInstance(id string) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.inst.clone(), nil
}

// ListInstances returns the user's instances, oldest first.
func (m *Manager) ListInstances(userID string) []Instance {
	return m.snapshot(func(i *Instance) bool { return i.UserID == userID })
}

// Instances returns every instance, oldest first.
func (m *Manager) Instances() []Instance {
	return m.snapshot(func(*Instance) bool { return true })
}

// Stopped reports whether id is an instance of userID that was stopped
// within the tombstone TTL.
func (m *Manager) Stopped(id, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tombstones[id]
	return ok && ts.userID == userID && m.now().Sub(ts.at) <= m.cfg.TombstoneTTL
}

// Has reports whether a record exists for id.
func (m *Manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	return ok
}

// ActiveCount is the number of instances holding a slot.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) snapshot(keep func(*Instance) bool) []Instance {
	m.mu.Lock()
	out := make([]Instance, 0, len(m.records))
	for _, rec := range m.records {
		if keep(&rec.inst) {
			out = append(out, rec.inst.clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// lookup finds a record. A recently stopped id yields (nil, nil).
func (m *Manager) lookup(id string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		return rec, nil
	}
	if _, ok := m.tombstones[id]; ok {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *Manager) get(id string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		return rec, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// transition moves rec to state to and keeps slot accounting in step: a
// slot is held exactly while the state is starting or running. Callers
// hold m.mu.
func (m *Manager) transition(rec *record, to State, reason string) Event {
	from := rec.inst.State
	now := m.now()
	rec.inst.State = to
	rec.inst.UpdatedAt = now

	key := slotKey{user: rec.inst.UserID, template: rec.inst.TemplateID}
	switch {
	case to.holdsSlot() && !rec.slot:
		rec.slot = true
		m.slots[key]++
		m.active++
		m.metrics.SlotAcquired(rec.inst.TemplateID)
	case !to.holdsSlot() && rec.slot:
		rec.slot = false
		if m.slots[key]--; m.slots[key] <= 0 {
			delete(m.slots, key)
		}
		m.active--
		m.metrics.SlotReleased(rec.inst.TemplateID)
	}
	if to == StateError {
		rec.failedAt = now
	}

	return Event{
		InstanceID: rec.inst.ID,
		UserID:     rec.inst.UserID,
		TemplateID: rec.inst.TemplateID,
		From:       from,
		To:         to,
		Reason:     reason,
		At:         now,
	}
}

// tombstone remembers who owned a recently stopped instance.
type tombstone struct {
	userID string
	at     time.Time
}

func (m *Manager) pruneTombstones(now time.Time) {
	for id, ts := range m.tombstones {
		if now.Sub(ts.at) > m.cfg.TombstoneTTL {
			delete(m.tombstones, id)
		}
	}
}

func (m *Manager) emit(events ...Event) {
	for _, ev := range events {
		log.Debug().
			Str("instance_id", ev.InstanceID).
			Str("from", string(ev.From)).
			Str("to", string(ev.To)).
			Str("reason", ev.Reason).
			Msg("instance transition")
		if m.events != nil {
			m.events.RecordEvent(ev)
		}
	}
}
