package lifecycle

import (
	"time"

	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/provision"
	"lab-sandbox/internal/sandbox"
)

// State is the lifecycle state of an instance.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// holdsSlot reports whether an instance in state s counts against quotas.
func (s State) holdsSlot() bool {
	return s == StateStarting || s == StateRunning
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Instance is a snapshot of a sandbox instance. Snapshots are copies; changing
// one has no effect on the manager.
type Instance struct {
	ID         string                      `json:"id"`
	UserID     string                      `json:"user_id"`
	TemplateID string                      `json:"template_id"`
	Kind       catalog.Kind                `json:"kind"`
	State      State                       `json:"state"`
	CreatedAt  time.Time                   `json:"created_at"`
	ExpiresAt  time.Time                   `json:"expires_at"` // Zero until running
	UpdatedAt  time.Time                   `json:"updated_at"`
	Network    provision.NetworkHandle     `json:"network"`
	Containers []provision.ContainerHandle `json:"containers"`
	Usage      *sandbox.Usage              `json:"usage,omitempty"`
	LastError  string                      `json:"last_error,omitempty"`
	Renewals   int                         `json:"renewals"`
}

// Container returns the container playing role.
func (i Instance) Container(role catalog.Role) (provision.ContainerHandle, bool) {
	for _, c := range i.Containers {
		if c.Role == role {
			return c, true
		}
	}
	return provision.ContainerHandle{}, false
}

// Expired reports whether a running instance is past its deadline.
func (i Instance) Expired(now time.Time) bool {
	return i.State == StateRunning && !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// HoldsResources reports whether the snapshot still references runtime objects.
func (i Instance) HoldsResources() bool {
	return len(i.Containers) > 0 || !i.Network.IsNone()
}

func (i Instance) clone() Instance {
	i.Containers = append([]provision.ContainerHandle(nil), i.Containers...)
	if i.Usage != nil {
		u := *i.Usage
		i.Usage = &u
	}
	return i
}

// Event is a state transition, published to the EventSink.
type Event struct {
	InstanceID string    `json:"instance_id"`
	UserID     string    `json:"user_id"`
	TemplateID string    `json:"template_id"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// EventSink receives lifecycle events. RecordEvent must not block.
type EventSink interface {
	RecordEvent(Event)
}
