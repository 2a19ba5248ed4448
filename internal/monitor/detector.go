package monitor

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeDetector looks for container breakout attempts in commands and for
// their traces in output. It complements seccomp and capabilities; it does
// not replace them.
type EscapeDetector struct {
	patterns []DetectionPattern
	output   []outputPattern
	syscalls []syscallIndicator
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

type outputPattern struct {
	name   string
	substr string
	sev    Severity
}

type syscallIndicator struct {
	name  string
	regex *regexp.Regexp
	sev   Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection sources.
const (
	SourceCommand = "command"
	SourceOutput  = "output"
	SourceSyscall = "syscall"
)

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Source   string `json:"source"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// Critical reports whether any detection is of critical severity.
func Critical(dets []Detection) bool {
	for _, d := range dets {
		if d.Severity == SeverityCritical.String() {
			return true
		}
	}
	return false
}

// NewEscapeDetector creates a detector with default patterns.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
		output:   defaultOutputPatterns(),
		syscalls: defaultSyscallIndicators(),
	}
}

// AnalyzeCode checks a command or submitted source before execution.
func (d *EscapeDetector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	for i, line := range strings.Split(code, "\n") {
		for _, p := range d.patterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Source:   SourceCommand,
				Detail:   p.Description,
				Line:     i + 1,
			})

			ev := log.Debug()
			if p.Severity == SeverityCritical {
				ev = log.Warn()
			}
			ev.Str("pattern", p.Name).
				Str("severity", p.Severity.String()).
				Int("line", i+1).
				Msg("escape pattern detected in command")
		}
	}

	return detections
}

// AnalyzeOutput checks execution output for signs of a successful escape.
func (d *EscapeDetector) AnalyzeOutput(output string) []Detection {
	var detections []Detection
	for _, p := range d.output {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Source:   SourceOutput,
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}
	return detections
}

// AnalyzeSyscallTrace scans tracer output (strace and friends) from a
// malware sample for behaviour worth flagging: network activity, process
// creation and tracing. Each indicator is reported once with its count.
func (d *EscapeDetector) AnalyzeSyscallTrace(trace string) []Detection {
	counts := make(map[string]int)
	first := make(map[string]int)
	for i, line := range strings.Split(trace, "\n") {
		for _, ind := range d.syscalls {
			if n := len(ind.regex.FindAllStringIndex(line, -1)); n > 0 {
				if counts[ind.name] == 0 {
					first[ind.name] = i + 1
				}
				counts[ind.name] += n
			}
		}
	}

	var detections []Detection
	for _, ind := range d.syscalls {
		n := counts[ind.name]
		if n == 0 {
			continue
		}
		detections = append(detections, Detection{
			Pattern:  ind.name,
			Severity: ind.sev.String(),
			Source:   SourceSyscall,
			Detail:   "sample invoked " + ind.name,
			Line:     first[ind.name],
			Count:    n,
		})
	}
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Line < detections[j].Line
	})
	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "proc_self_access",
			Description: "Reading host-facing process internals through /proc/self",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|ns|mountinfo)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "Cgroup release_agent breakout",
			Regex:       regexp.MustCompile(`notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "runtime_socket",
			Description: "Reaching for the container runtime socket",
			Regex:       regexp.MustCompile(`/var/run/docker|/run/docker\.sock|/var/run/containerd|/run/containerd`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "kernel_exploit",
			Description: "Known kernel exploitation technique",
			Regex:       regexp.MustCompile(`(?i)(dirty.?cow|dirty.?pipe|userfaultfd)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Cloud metadata service address",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google\.internal`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Reverse shell construction",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[e]\s|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "namespace_escape",
			Description: "Entering another namespace or the host's",
			Regex:       regexp.MustCompile(`\bnsenter\b|\bunshare\s+-|/proc/1/(root|ns)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "capability_abuse",
			Description: "Manipulating capabilities",
			Regex:       regexp.MustCompile(`(?i)(cap_sys_admin|setcap|capsh)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "ptrace_attempt",
			Description: "Process injection through ptrace or process_vm",
			Regex:       regexp.MustCompile(`(?i)(process_vm_readv|process_vm_writev|PTRACE_ATTACH)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "symlink_race",
			Description: "Symlink into kernel pseudo filesystems",
			Regex:       regexp.MustCompile(`ln\s+-sf?\s+/proc|ln\s+-sf?\s+/sys|ln\s+-sf?\s+/dev`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "crypto_miner",
			Description: "Cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
			Severity:    SeverityMedium,
		},
	}
}

func defaultOutputPatterns() []outputPattern {
	return []outputPattern{
		{"kernel_leak", "Linux version", SeverityMedium},
		{"host_shadow", "root:$", SeverityCritical},
		{"docker_socket", "docker.sock", SeverityCritical},
		{"containerd_socket", "containerd.sock", SeverityCritical},
		{"release_agent", "release_agent", SeverityCritical},
	}
}

func defaultSyscallIndicators() []syscallIndicator {
	return []syscallIndicator{
		{"socket", regexp.MustCompile(`\bsocket\(`), SeverityHigh},
		{"connect", regexp.MustCompile(`\bconnect\(`), SeverityHigh},
		{"exec", regexp.MustCompile(`\bexec[a-z]*\(`), SeverityMedium},
		{"fork", regexp.MustCompile(`\b(v?fork)\(`), SeverityLow},
		{"clone", regexp.MustCompile(`\bclone3?\(`), SeverityLow},
		{"ptrace", regexp.MustCompile(`\bptrace\(`), SeverityHigh},
	}
}
