// Package sandboxtest provides an in-memory sandbox.Driver for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"lab-sandbox/internal/sandbox"
)

// Driver operation names accepted by Inject, Delay and Calls.
const (
	OpPing            = "ping"
	OpEnsureImage     = "ensure_image"
	OpCreateNetwork   = "create_network"
	OpRemoveNetwork   = "remove_network"
	OpListNetworks    = "list_networks"
	OpCreateContainer = "create_container"
	OpStartContainer  = "start_container"
	OpStopContainer   = "stop_container"
	OpRemoveContainer = "remove_container"
	OpInspect         = "inspect_container"
	OpListContainers  = "list_containers"
	OpExec            = "exec"
	OpStats           = "stats"
)

// Fault makes an operation fail. Match, when set, restricts the fault to
// calls whose subject (container/network name or id, image ref) contains it.
// Times limits how often it fires; zero means every call.
type Fault struct {
	Err   error
	Match string
	Times int
}

// ExecFunc replaces the default command interpreter.
type ExecFunc func(ctx context.Context, c *Container, spec sandbox.ExecSpec, stdout, stderr io.Writer) (int, error)

// Container is the fake's record of a created container.
type Container struct {
	ID       string
	Spec     sandbox.ContainerSpec
	Running  bool
	ExitCode int
	Stops    int
	Usage    sandbox.Usage
	running  map[string]context.CancelFunc // pidfile -> cancel of a running exec
	killed   map[string]bool
	files    map[string][]byte
}

type network struct {
	id   string
	spec sandbox.NetworkSpec
}

// FakeDriver keeps containers and networks in memory. Like Docker, it
// refuses to remove a network that still has containers attached.
type FakeDriver struct {
	mu          sync.Mutex
	seq         int
	containers  map[string]*Container
	names       map[string]string
	networks    map[string]*network
	pulled      map[string]bool
	faults      map[string][]*Fault
	delays      map[string]time.Duration
	calls       map[string]int
	exitOnStart map[string]int
	closed      bool

	// Images, when non-nil, is the set of resolvable image refs.
	Images map[string]bool
	// ExecFunc overrides the default interpreter of LAB_EXEC_CMD.
	ExecFunc ExecFunc
}

func New() *FakeDriver {
	return &FakeDriver{
		containers:  make(map[string]*Container),
		names:       make(map[string]string),
		networks:    make(map[string]*network),
		pulled:      make(map[string]bool),
		faults:      make(map[string][]*Fault),
		delays:      make(map[string]time.Duration),
		calls:       make(map[string]int),
		exitOnStart: make(map[string]int),
	}
}

// Inject registers a fault for op.
func (f *FakeDriver) Inject(op string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc := fault
	f.faults[op] = append(f.faults[op], &fc)
}

// FailOn makes every call to op fail with err.
func (f *FakeDriver) FailOn(op string, err error) {
	f.Inject(op, Fault{Err: err})
}

// Clear removes faults and delays for op.
func (f *FakeDriver) Clear(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.faults, op)
	delete(f.delays, op)
}

// Delay makes op block for d, or until its context ends.
func (f *FakeDriver) Delay(op string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[op] = d
}

// Calls returns how many times op was invoked.
func (f *FakeDriver) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// LiveContainers returns the number of containers not yet removed.
func (f *FakeDriver) LiveContainers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// LiveNetworks returns the number of networks not yet removed.
func (f *FakeDriver) LiveNetworks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.networks)
}

// Container returns a copy of the record for an id or name.
func (f *FakeDriver) Container(ref string) (Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(ref)
	if c == nil {
		return Container{}, false
	}
	return *c, true
}

// ContainersFor lists the containers labelled with an instance id.
func (f *FakeDriver) ContainersFor(instanceID string) []Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Container
	for _, c := range f.containers {
		if c.Spec.Labels[sandbox.LabelInstance] == instanceID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExitOnStart makes containers of image exit with code as soon as they
// start, like a service that crashes during boot.
func (f *FakeDriver) ExitOnStart(image string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitOnStart[image] = code
}

// Crash marks a container as exited, as if its main process died.
func (f *FakeDriver) Crash(ref string, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.lookup(ref); c != nil {
		c.Running = false
		c.ExitCode = exitCode
	}
}

// SetUsage sets what Stats reports for a container.
func (f *FakeDriver) SetUsage(ref string, u sandbox.Usage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.lookup(ref); c != nil {
		c.Usage = u
	}
}

// Kills returns how many process-group kills were delivered to a container.
func (f *FakeDriver) Kills(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(ref)
	if c == nil {
		return 0
	}
	return len(c.killed)
}

// File returns the content written to path in a container, by an upload or
// any "cat > path" the interpreter ran.
func (f *FakeDriver) File(ref, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(ref)
	if c == nil {
		return nil, false
	}
	data, ok := c.files[path]
	return append([]byte(nil), data...), ok
}

// AddOrphanContainer creates a running container directly, bypassing faults,
// for reaper tests.
func (f *FakeDriver) AddOrphanContainer(name string, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.newContainer(sandbox.ContainerSpec{Name: name, Labels: labels})
	c.Running = true
	return c.ID
}

// AddOrphanNetwork creates a network directly, bypassing faults.
func (f *FakeDriver) AddOrphanNetwork(name string, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newNetwork(sandbox.NetworkSpec{Name: name, Internal: true, Labels: labels}).id
}

func (f *FakeDriver) lookup(ref string) *Container {
	if c, ok := f.containers[ref]; ok {
		return c
	}
	if id, ok := f.names[ref]; ok {
		return f.containers[id]
	}
	return nil
}

func (f *FakeDriver) newContainer(spec sandbox.ContainerSpec) *Container {
	f.seq++
	c := &Container{
		ID:      fmt.Sprintf("ctr-%04d", f.seq),
		Spec:    spec,
		running: make(map[string]context.CancelFunc),
		killed:  make(map[string]bool),
		files:   make(map[string][]byte),
		Usage: sandbox.Usage{
			MemoryBytes: 32 << 20,
			CPUPercent:  1.5,
			DiskBytes:   4096,
			Pids:        2,
		},
	}
	f.containers[c.ID] = c
	if spec.Name != "" {
		f.names[spec.Name] = c.ID
	}
	return c
}

func (f *FakeDriver) newNetwork(spec sandbox.NetworkSpec) *network {
	f.seq++
	n := &network{id: fmt.Sprintf("net-%04d", f.seq), spec: spec}
	f.networks[n.id] = n
	return n
}

// enter records the call, applies any delay and returns an injected fault.
func (f *FakeDriver) enter(ctx context.Context, op, subject string) error {
	f.mu.Lock()
	f.calls[op]++
	if f.closed {
		f.mu.Unlock()
		return sandbox.ErrDriverClosed
	}
	delay := f.delays[op]
	var injected error
	for _, fault := range f.faults[op] {
		if fault.Match != "" && !strings.Contains(subject, fault.Match) {
			continue
		}
		if fault.Times < 0 {
			continue
		}
		injected = fault.Err
		if fault.Times > 0 {
			fault.Times--
			if fault.Times == 0 {
				fault.Times = -1
			}
		}
		break
	}
	f.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if injected != nil {
		return &sandbox.OpError{Op: op, ID: subject, Err: injected}
	}
	return nil
}

func notFound(op, id string) error {
	return &sandbox.OpError{Op: op, ID: id, Err: sandbox.ErrNotFound}
}

func (f *FakeDriver) Name() string { return "fake" }

func (f *FakeDriver) Ping(ctx context.Context) error {
	return f.enter(ctx, OpPing, "")
}

func (f *FakeDriver) EnsureImage(ctx context.Context, ref string) error {
	if err := f.enter(ctx, OpEnsureImage, ref); err != nil {
		return err
	}
	if f.Images != nil && !f.Images[ref] {
		return &sandbox.OpError{Op: OpEnsureImage, ID: ref, Err: sandbox.ErrImageUnusable}
	}
	f.mu.Lock()
	f.pulled[ref] = true
	f.mu.Unlock()
	return nil
}

func (f *FakeDriver) CreateNetwork(ctx context.Context, spec sandbox.NetworkSpec) (string, error) {
	if err := f.enter(ctx, OpCreateNetwork, spec.Name); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.networks {
		if n.spec.Name == spec.Name {
			return "", &sandbox.OpError{Op: OpCreateNetwork, ID: spec.Name, Err: errors.New("network name in use")}
		}
	}
	return f.newNetwork(spec).id, nil
}

func (f *FakeDriver) RemoveNetwork(ctx context.Context, id string) error {
	if err := f.enter(ctx, OpRemoveNetwork, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[id]; !ok {
		return notFound(OpRemoveNetwork, id)
	}
	for _, c := range f.containers {
		if c.Spec.NetworkID == id {
			return &sandbox.OpError{Op: OpRemoveNetwork, ID: id, Err: sandbox.ErrNetworkInUse}
		}
	}
	delete(f.networks, id)
	return nil
}

func (f *FakeDriver) ListNetworks(ctx context.Context, labels map[string]string) ([]sandbox.Resource, error) {
	if err := f.enter(ctx, OpListNetworks, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sandbox.Resource
	for _, n := range f.networks {
		if sandbox.MatchLabels(n.spec.Labels, labels) {
			out = append(out, sandbox.Resource{ID: n.id, Name: n.spec.Name, Labels: n.spec.Labels})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeDriver) CreateContainer(ctx context.Context, spec sandbox.ContainerSpec) (string, error) {
	if err := f.enter(ctx, OpCreateContainer, spec.Name+" "+spec.Image); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.names[spec.Name]; exists {
		return "", &sandbox.OpError{Op: OpCreateContainer, ID: spec.Name, Err: errors.New("container name in use")}
	}
	if spec.NetworkID != "" {
		if _, ok := f.networks[spec.NetworkID]; !ok {
			return "", notFound(OpCreateContainer, spec.NetworkID)
		}
	}
	return f.newContainer(spec).ID, nil
}

func (f *FakeDriver) StartContainer(ctx context.Context, id string) error {
	if err := f.enter(ctx, OpStartContainer, f.subject(id)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return notFound(OpStartContainer, id)
	}
	if code, ok := f.exitOnStart[c.Spec.Image]; ok {
		c.Running = false
		c.ExitCode = code
		return nil
	}
	c.Running = true
	return nil
}

func (f *FakeDriver) StopContainer(ctx context.Context, id string, _ time.Duration) error {
	if err := f.enter(ctx, OpStopContainer, f.subject(id)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return notFound(OpStopContainer, id)
	}
	c.Running = false
	c.Stops++
	for _, cancel := range c.running {
		cancel()
	}
	return nil
}

func (f *FakeDriver) RemoveContainer(ctx context.Context, id string) error {
	if err := f.enter(ctx, OpRemoveContainer, f.subject(id)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return notFound(OpRemoveContainer, id)
	}
	for _, cancel := range c.running {
		cancel()
	}
	delete(f.containers, c.ID)
	delete(f.names, c.Spec.Name)
	return nil
}

func (f *FakeDriver) InspectContainer(ctx context.Context, id string) (sandbox.ContainerState, error) {
	if err := f.enter(ctx, OpInspect, f.subject(id)); err != nil {
		return sandbox.ContainerState{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return sandbox.ContainerState{}, notFound(OpInspect, id)
	}
	status := "exited"
	if c.Running {
		status = "running"
	}
	return sandbox.ContainerState{ID: c.ID, Running: c.Running, Status: status, ExitCode: c.ExitCode}, nil
}

func (f *FakeDriver) ListContainers(ctx context.Context, labels map[string]string) ([]sandbox.Resource, error) {
	if err := f.enter(ctx, OpListContainers, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sandbox.Resource
	for _, c := range f.containers {
		if sandbox.MatchLabels(c.Spec.Labels, labels) {
			out = append(out, sandbox.Resource{ID: c.ID, Name: c.Spec.Name, Labels: c.Spec.Labels})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeDriver) Stats(ctx context.Context, id string) (sandbox.Usage, error) {
	if err := f.enter(ctx, OpStats, f.subject(id)); err != nil {
		return sandbox.Usage{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return sandbox.Usage{}, notFound(OpStats, id)
	}
	u := c.Usage
	u.SampledAt = time.Now()
	return u, nil
}

func (f *FakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeDriver) subject(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.lookup(id); c != nil {
		return c.ID + " " + c.Spec.Name
	}
	return id
}

// Exec runs spec through ExecFunc, or through a tiny interpreter of the
// LAB_EXEC_CMD variable the gateway sets:
//
//	echo WORDS        print WORDS to stdout
//	warn WORDS        print WORDS to stderr
//	sleep SECONDS     block, until killed or ctx ends
//	exit CODE         exit with CODE
//	spew BYTES        print BYTES bytes of 'x'
//	cat               copy stdin to stdout
//	cat PATH          print a file written earlier
//	cat > PATH        store stdin as a file
//
// Commands may be joined with "&&". Without LAB_EXEC_CMD the argv is
// interpreted instead; for "sh -c SCRIPT NAME ARG" that is SCRIPT with "$1"
// set to ARG. A call carrying LAB_EXEC_PIDFILE but no LAB_EXEC_CMD is
// treated as a kill of the process group in that pidfile.
func (f *FakeDriver) Exec(ctx context.Context, id string, spec sandbox.ExecSpec, stdout, stderr io.Writer) (int, error) {
	if err := f.enter(ctx, OpExec, f.subject(id)); err != nil {
		return -1, err
	}
	f.mu.Lock()
	c := f.lookup(id)
	if c == nil {
		f.mu.Unlock()
		return -1, notFound(OpExec, id)
	}
	if !c.Running {
		f.mu.Unlock()
		return -1, &sandbox.OpError{Op: OpExec, ID: id, Err: errors.New("container is not running")}
	}
	snapshot := *c
	custom := f.ExecFunc
	f.mu.Unlock()

	if custom != nil {
		return custom(ctx, &snapshot, spec, stdout, stderr)
	}

	env := envMap(spec.Env)
	cmd, hasCmd := env["LAB_EXEC_CMD"]
	pidfile := env["LAB_EXEC_PIDFILE"]

	if !hasCmd && pidfile != "" {
		f.mu.Lock()
		if cancel, ok := c.running[pidfile]; ok {
			cancel()
			c.killed[pidfile] = true
		}
		f.mu.Unlock()
		return 0, nil
	}
	if !hasCmd {
		cmd = argvCommand(spec.Cmd)
	}
	files := &fileStore{f: f, c: c}

	// The process outlives a cancelled caller, as a real exec does, until
	// it finishes or is killed.
	runCtx, cancel := context.WithCancel(context.Background())
	if pidfile != "" {
		f.mu.Lock()
		c.running[pidfile] = cancel
		f.mu.Unlock()
	}

	out := &gatedWriter{w: stdout}
	errOut := &gatedWriter{w: stderr}
	done := make(chan int, 1)
	go func() {
		defer cancel()
		code := interpret(runCtx, cmd, spec.Stdin, files, out, errOut)
		if pidfile != "" {
			f.mu.Lock()
			delete(c.running, pidfile)
			f.mu.Unlock()
		}
		done <- code
	}()

	select {
	case code := <-done:
		return code, nil
	case <-ctx.Done():
		out.close()
		errOut.close()
		return -1, ctx.Err()
	}
}

func interpret(ctx context.Context, cmd string, stdin io.Reader, files *fileStore, stdout, stderr io.Writer) int {
	for _, part := range strings.Split(cmd, "&&") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		arg := strings.Join(fields[1:], " ")
		switch fields[0] {
		case "echo":
			fmt.Fprintln(stdout, arg)
		case "warn":
			fmt.Fprintln(stderr, arg)
		case "cat":
			if code := cat(fields[1:], stdin, files, stdout, stderr); code != 0 {
				return code
			}
		case "spew":
			n, _ := strconv.Atoi(arg)
			_, _ = io.WriteString(stdout, strings.Repeat("x", n))
		case "exit":
			code, _ := strconv.Atoi(arg)
			return code
		case "sleep":
			secs, _ := strconv.ParseFloat(arg, 64)
			t := time.NewTimer(time.Duration(secs * float64(time.Second)))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return 137
			}
		default:
			fmt.Fprintf(stderr, "sh: %s: not found\n", fields[0])
			return 127
		}
	}
	return 0
}

func cat(args []string, stdin io.Reader, files *fileStore, stdout, stderr io.Writer) int {
	switch {
	case len(args) == 2 && args[0] == ">":
		var data []byte
		if stdin != nil {
			var err error
			if data, err = io.ReadAll(stdin); err != nil {
				fmt.Fprintf(stderr, "cat: %v\n", err)
				return 1
			}
		}
		files.put(unquote(args[1]), data)
	case len(args) == 1:
		data, ok := files.get(unquote(args[0]))
		if !ok {
			fmt.Fprintf(stderr, "cat: %s: No such file or directory\n", args[0])
			return 1
		}
		_, _ = stdout.Write(data)
	case stdin != nil:
		_, _ = io.Copy(stdout, stdin)
	}
	return 0
}

// argvCommand turns an exec argv into interpreter input.
func argvCommand(argv []string) string {
	if len(argv) >= 3 && strings.HasSuffix(argv[0], "sh") && argv[1] == "-c" {
		script := argv[2]
		if len(argv) >= 5 {
			script = strings.ReplaceAll(script, `"$1"`, argv[4])
		}
		return script
	}
	return strings.Join(argv, " ")
}

func unquote(s string) string {
	return strings.Trim(s, `"'`)
}

// fileStore is a container's file table, guarded by the driver mutex.
type fileStore struct {
	f *FakeDriver
	c *Container
}

func (s *fileStore) put(path string, data []byte) {
	s.f.mu.Lock()
	s.c.files[path] = data
	s.f.mu.Unlock()
}

func (s *fileStore) get(path string) ([]byte, bool) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	data, ok := s.c.files[path]
	return data, ok
}

type gatedWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func (g *gatedWriter) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.w == nil {
		return len(p), nil
	}
	return g.w.Write(p)
}

func (g *gatedWriter) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}
