package runtime

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MaxCodeSize bounds a submitted program. Programs reach the container as a
// file, so this is not tied to the kernel's argument size limits.
const MaxCodeSize = 1 << 20

var (
	ErrUnsupported = errors.New("unsupported language")
	ErrInvalidCode = errors.New("invalid code")
)

// Runtime defines how to run a program for one language inside an already
// running container.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python", "c", "bash").
	Name() string

	// Image returns the default container image for this runtime.
	Image() string

	// Command returns the argv that compiles (if needed) and runs the
	// program stored at codePath inside the container.
	Command(codePath string) []string

	// FileExtension returns the file extension for code files (e.g., ".py").
	FileExtension() string

	// Validate is a cheap pre-check before anything reaches the container.
	Validate(code string) error
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&PythonRuntime{})
	r.Register(&CRuntime{})
	r.Register(&NodeRuntime{})
	r.Register(&BashRuntime{})
	r.Register(&GoRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupported, language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns all container images needed by registered runtimes.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.runtimes))
	for _, name := range r.Languages() {
		images = append(images, r.runtimes[name].Image())
	}
	return images
}

// Script returns the POSIX shell command line that runs the program stored
// at codePath with rt. The source itself is written to codePath beforehand,
// through the exec's stdin.
func Script(rt Runtime, codePath string) string {
	quoted := make([]string, 0, 4)
	for _, arg := range rt.Command(codePath) {
		quoted = append(quoted, shellQuote(arg))
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == '=' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func checkSize(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("%w: empty code", ErrInvalidCode)
	}
	if len(code) > MaxCodeSize {
		return fmt.Errorf("%w: %d bytes (max 1MB)", ErrInvalidCode, len(code))
	}
	return nil
}
