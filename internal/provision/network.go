// Package provision turns templates into running containers on a private
// network and tears them down again.
package provision

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/sandbox"
)

// pairCapacity is the endpoint limit of an isolated-pair network.
const pairCapacity = 2

// NetworkHandle refers to an instance's private network. The zero value,
// NoNetwork, stands for "no network at all".
type NetworkHandle struct {
	ID       string                `json:"id,omitempty"`
	Name     string                `json:"name,omitempty"`
	Policy   catalog.NetworkPolicy `json:"policy"`
	Capacity int                   `json:"capacity,omitempty"` // 0 means unbounded
}

// NoNetwork is the handle of a none-policy instance.
var NoNetwork = NetworkHandle{Policy: catalog.PolicyNone}

// IsNone reports whether the handle holds no runtime network.
func (h NetworkHandle) IsNone() bool {
	return h.ID == ""
}

// NetworkManager creates and destroys per-instance networks.
type NetworkManager struct {
	driver sandbox.Driver
}

func NewNetworkManager(driver sandbox.Driver) *NetworkManager {
	return &NetworkManager{driver: driver}
}

// CreateNetwork creates the network policy asks for. The none policy returns
// NoNetwork without touching the runtime.
func (m *NetworkManager) CreateNetwork(ctx context.Context, policy catalog.NetworkPolicy, owner sandbox.Owner) (NetworkHandle, error) {
	capacity := 0
	switch policy {
	case catalog.PolicyNone, "":
		return NoNetwork, nil
	case catalog.PolicyInternalBridge:
	case catalog.PolicyIsolatedPair:
		capacity = pairCapacity
	default:
		return NetworkHandle{}, fmt.Errorf("unknown network policy %q", policy)
	}

	name := sandbox.NetworkName(owner.InstanceID)
	id, err := m.driver.CreateNetwork(ctx, sandbox.NetworkSpec{
		Name:     name,
		Internal: true,
		Labels:   owner.Labels(""),
	})
	if err != nil {
		return NetworkHandle{}, fmt.Errorf("creating network %s: %w", name, err)
	}

	log.Debug().
		Str("instance_id", owner.InstanceID).
		Str("network_id", id).
		Str("policy", string(policy)).
		Msg("network created")

	return NetworkHandle{ID: id, Name: name, Policy: policy, Capacity: capacity}, nil
}

// DestroyNetwork removes the network. It is idempotent: NoNetwork and
// networks that are already gone succeed. A network that still has
// endpoints fails with an error matching sandbox.ErrNetworkInUse.
func (m *NetworkManager) DestroyNetwork(ctx context.Context, h NetworkHandle) error {
	if h.IsNone() {
		return nil
	}
	if err := m.driver.RemoveNetwork(ctx, h.ID); err != nil {
		if sandbox.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing network %s: %w", h.Name, err)
	}
	log.Debug().Str("network_id", h.ID).Msg("network removed")
	return nil
}
