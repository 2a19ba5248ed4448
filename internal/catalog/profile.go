package catalog

import (
	"lab-sandbox/internal/sandbox"
)

// Kind selects the provisioning strategy of a template.
type Kind string

const (
	KindVulnerability       Kind = "vulnerability"
	KindNetworking          Kind = "networking"
	KindCryptography        Kind = "cryptography"
	KindReverseEngineering  Kind = "reverse-engineering"
	KindMalwareAnalysis     Kind = "malware-analysis"
	KindProgrammingLanguage Kind = "programming-language"
)

// NetworkPolicy says what network an instance gets.
type NetworkPolicy string

const (
	// PolicyNone gives each container its own empty network namespace.
	PolicyNone NetworkPolicy = "none"
	// PolicyInternalBridge is a private bridge with no route off the host.
	PolicyInternalBridge NetworkPolicy = "internal-bridge"
	// PolicyIsolatedPair is an internal bridge limited to two endpoints.
	PolicyIsolatedPair NetworkPolicy = "isolated-pair"
)

// Role names a container's job within an instance.
type Role string

const (
	RoleTarget    Role = "target"
	RoleAttacker  Role = "attacker"
	RoleWorkbench Role = "workbench"
	RoleAnalysis  Role = "analysis"
	RoleRuntime   Role = "runtime"
)

// Profile is the kind-specific part of provisioning and execution.
type Profile struct {
	Roles         []Role // Containers in creation order
	ExecRole      Role   // Where commands run unless the caller picks a role
	DefaultPolicy NetworkPolicy
	Policies      []NetworkPolicy
	Security      map[Role]sandbox.SecurityLevel
	// ExclusiveExec serializes executions, for single-session kinds.
	ExclusiveExec bool
	// BlockEscapes rejects executions the escape detector marks critical.
	BlockEscapes bool
	// ScanSyscalls runs the syscall indicator scan over execution output.
	ScanSyscalls   bool
	ReadOnlyMounts bool
	// KeepImageCommand leaves the image's own command in place, for service
	// images such as vulnerable web apps.
	KeepImageCommand bool
}

var profiles = map[Kind]Profile{
	KindVulnerability: {
		Roles:            []Role{RoleTarget},
		ExecRole:         RoleTarget,
		DefaultPolicy:    PolicyInternalBridge,
		Policies:         []NetworkPolicy{PolicyInternalBridge, PolicyIsolatedPair, PolicyNone},
		Security:         map[Role]sandbox.SecurityLevel{RoleTarget: sandbox.LevelLab},
		KeepImageCommand: true,
	},
	KindNetworking: {
		Roles:         []Role{RoleTarget, RoleAttacker},
		ExecRole:      RoleAttacker,
		DefaultPolicy: PolicyIsolatedPair,
		Policies:      []NetworkPolicy{PolicyIsolatedPair},
		Security: map[Role]sandbox.SecurityLevel{
			RoleTarget:   sandbox.LevelLab,
			RoleAttacker: sandbox.LevelOffensive,
		},
	},
	KindCryptography: {
		Roles:         []Role{RoleWorkbench},
		ExecRole:      RoleWorkbench,
		DefaultPolicy: PolicyNone,
		Policies:      []NetworkPolicy{PolicyNone, PolicyInternalBridge},
		Security:      map[Role]sandbox.SecurityLevel{RoleWorkbench: sandbox.LevelHardened},
		BlockEscapes:  true,
	},
	KindReverseEngineering: {
		Roles:          []Role{RoleWorkbench},
		ExecRole:       RoleWorkbench,
		DefaultPolicy:  PolicyNone,
		Policies:       []NetworkPolicy{PolicyNone, PolicyInternalBridge},
		Security:       map[Role]sandbox.SecurityLevel{RoleWorkbench: sandbox.LevelAnalysis},
		ReadOnlyMounts: true,
	},
	KindMalwareAnalysis: {
		Roles:          []Role{RoleAnalysis},
		ExecRole:       RoleAnalysis,
		DefaultPolicy:  PolicyNone,
		Policies:       []NetworkPolicy{PolicyNone},
		Security:       map[Role]sandbox.SecurityLevel{RoleAnalysis: sandbox.LevelAnalysis},
		ExclusiveExec:  true,
		ScanSyscalls:   true,
		ReadOnlyMounts: true,
	},
	KindProgrammingLanguage: {
		Roles:         []Role{RoleRuntime},
		ExecRole:      RoleRuntime,
		DefaultPolicy: PolicyNone,
		Policies:      []NetworkPolicy{PolicyNone, PolicyInternalBridge},
		Security:      map[Role]sandbox.SecurityLevel{RoleRuntime: sandbox.LevelHardened},
		BlockEscapes:  true,
	},
}

// ProfileOf returns the profile for kind.
func ProfileOf(kind Kind) (Profile, bool) {
	p, ok := profiles[kind]
	return p, ok
}

// Kinds lists every known kind.
func Kinds() []Kind {
	return []Kind{
		KindVulnerability,
		KindNetworking,
		KindCryptography,
		KindReverseEngineering,
		KindMalwareAnalysis,
		KindProgrammingLanguage,
	}
}

func (p Profile) allows(policy NetworkPolicy) bool {
	for _, allowed := range p.Policies {
		if allowed == policy {
			return true
		}
	}
	return false
}

// ContainerPlan is everything the provisioner needs for one container.
type ContainerPlan struct {
	Role     Role
	Image    string
	Command  []string
	Env      []string
	WorkDir  string
	Limits   sandbox.ResourceLimits
	Security sandbox.SecurityLevel
	Mounts   []sandbox.Mount
}

var (
	idleCommand = []string{"sleep", "infinity"}
	tailCommand = []string{"tail", "-f", "/dev/null"}
)

// Plan maps a template to its containers, in creation order.
func Plan(t Template) []ContainerPlan {
	profile := t.Profile()
	plans := make([]ContainerPlan, 0, len(profile.Roles))
	for i, role := range profile.Roles {
		plan := ContainerPlan{
			Role:     role,
			Image:    t.Image,
			Env:      append([]string{"LAB_ROLE=" + string(role), "LAB_TEMPLATE=" + t.ID}, t.Env...),
			WorkDir:  t.WorkDir,
			Limits:   t.Limits,
			Security: profile.Security[role],
		}
		if role == RoleAttacker {
			plan.Image = t.CompanionImage
			plan.WorkDir = ""
		}

		switch {
		case i == 0 && len(t.Command) > 0:
			plan.Command = append([]string{}, t.Command...)
		case profile.KeepImageCommand:
		case role == RoleTarget || role == RoleAttacker:
			plan.Command = append([]string{}, tailCommand...)
		default:
			plan.Command = append([]string{}, idleCommand...)
		}

		if i == 0 {
			for _, m := range t.Mounts {
				if profile.ReadOnlyMounts {
					m.ReadOnly = true
				}
				plan.Mounts = append(plan.Mounts, m)
			}
		}
		plans = append(plans, plan)
	}
	return plans
}
