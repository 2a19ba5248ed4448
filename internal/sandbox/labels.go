package sandbox

import "strings"

// Label keys stamped on every container and network this service creates.
// The reaper finds orphans by these labels.
const (
	LabelManaged  = "lab-sandbox.managed"
	LabelScope    = "lab-sandbox.scope"
	LabelInstance = "lab-sandbox.instance"
	LabelOwner    = "lab-sandbox.owner"
	LabelTemplate = "lab-sandbox.template"
	LabelRole     = "lab-sandbox.role"
)

// Owner identifies the instance a runtime object belongs to.
type Owner struct {
	Scope      string
	InstanceID string
	UserID     string
	TemplateID string
}

// Labels returns the label set for an object owned by o. Role may be empty
// for networks.
func (o Owner) Labels(role string) map[string]string {
	labels := map[string]string{
		LabelManaged:  "true",
		LabelScope:    o.Scope,
		LabelInstance: o.InstanceID,
		LabelOwner:    o.UserID,
		LabelTemplate: o.TemplateID,
	}
	if role != "" {
		labels[LabelRole] = role
	}
	return labels
}

// ScopeSelector matches every managed object in scope.
func ScopeSelector(scope string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelScope:   scope,
	}
}

// ContainerName is the runtime name of an instance's container for role.
func ContainerName(instanceID, role string) string {
	return "lab-" + strings.ToLower(instanceID) + "-" + role
}

// NetworkName is the runtime name of an instance's private network.
func NetworkName(instanceID string) string {
	return "lab-net-" + strings.ToLower(instanceID)
}

// MatchLabels reports whether have contains every key/value in want.
func MatchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
