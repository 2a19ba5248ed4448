package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"lab-sandbox/internal/provision"
)

// release frees the instance's containers and then its network, retrying
// with exponential backoff. References are cleared as each stage succeeds,
// so a later retry only touches what is left. The caller holds rec's op
// lock. Cancelling ctx does not interrupt cleanup.
func (m *Manager) release(ctx context.Context, rec *record) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CleanupTimeout)
	defer cancel()

	backoff := m.cfg.RetryBackoff
	var err error
	for attempt := 1; attempt <= m.cfg.CleanupRetries; attempt++ {
		if err = m.releaseOnce(ctx, rec); err == nil {
			return nil
		}
		log.Warn().
			Err(err).
			Str("instance_id", rec.inst.ID).
			Int("attempt", attempt).
			Msg("cleanup attempt failed")

		if attempt == m.cfg.CleanupRetries {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		}
		backoff *= 2
	}
	return err
}

func (m *Manager) releaseOnce(ctx context.Context, rec *record) error {
	m.mu.Lock()
	containers := append([]provision.ContainerHandle(nil), rec.inst.Containers...)
	net := rec.inst.Network
	m.mu.Unlock()

	if len(containers) > 0 {
		if err := m.prov.Terminate(ctx, containers); err != nil {
			m.metrics.RecordCleanupFailure("containers")
			return &CleanupError{InstanceID: rec.inst.ID, Stage: "containers", Err: err}
		}
		m.mu.Lock()
		rec.inst.Containers = nil
		m.mu.Unlock()
	}

	if !net.IsNone() {
		if err := m.networks.DestroyNetwork(ctx, net); err != nil {
			m.metrics.RecordCleanupFailure("network")
			return &CleanupError{InstanceID: rec.inst.ID, Stage: "network", Err: err}
		}
		m.mu.Lock()
		rec.inst.Network = provision.NoNetwork
		m.mu.Unlock()
	}
	return nil
}

// reportCleanup logs resources left behind after release gave up. The
// record keeps its references so the reaper can retry.
func (m *Manager) reportCleanup(rec *record, err error) {
	m.mu.Lock()
	containers := len(rec.inst.Containers)
	network := rec.inst.Network.Name
	state := rec.inst.State
	m.mu.Unlock()

	log.Error().
		Err(err).
		Str("instance_id", rec.inst.ID).
		Str("state", string(state)).
		Int("containers", containers).
		Str("network", network).
		Msg("resources left for the reaper")
}
