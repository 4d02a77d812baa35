package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

var previewURLPattern = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1\])(?::\d{1,5})?(?:/[^\s"'<>)\]]*)?`)

// Options configures a Registry.
type Options struct {
	LogMaxBytes   int
	LogMaxEntries int
	Retention     time.Duration
	StopGrace     time.Duration
	Logger        *slog.Logger

	// OnStart runs synchronously once the child is running, before any exit
	// can be reported. OnExit runs after the exit has been recorded.
	OnStart func(domain.ManagedProcess)
	OnExit  func(domain.ManagedProcess)
}

// StartSpec describes a managed process launch.
type StartSpec struct {
	RunID   string
	Command string
	Args    []string
	// Dir is the resolved working directory; Cwd is its workspace-relative form.
	Dir string
	Cwd string
	Env []string
}

type managedProcess struct {
	info     domain.ManagedProcess
	logs     *LogBuffer
	previews map[string]bool
	cmd      *exec.Cmd
	exited   chan struct{}
}

// message is sent from a child's reader and waiter goroutines to the
// registry loop, which is the only writer of process state after spawn.
type message struct {
	processID string
	stream    string
	line      string
	exit      bool
	state     *exitState
}

type exitState struct {
	exitCode int
	signal   string
	err      error
}

// Registry tracks managed processes across runs.
type Registry struct {
	opts   Options
	logger *slog.Logger

	procs map[string]*managedProcess
	mu    sync.Mutex

	messages chan message
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry creates a Registry and starts its apply loop.
func NewRegistry(opts Options) *Registry {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 3 * time.Second
	}
	if opts.LogMaxEntries <= 0 {
		opts.LogMaxEntries = 2000
	}
	if opts.LogMaxBytes <= 0 {
		opts.LogMaxBytes = 256 << 10
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		opts:     opts,
		logger:   logger.With("component", "process_registry"),
		procs:    make(map[string]*managedProcess),
		messages: make(chan message, 256),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	for {
		select {
		case msg := <-r.messages:
			r.apply(msg)
		case <-r.done:
			return
		}
	}
}

func (r *Registry) apply(msg message) {
	r.mu.Lock()
	p, ok := r.procs[msg.processID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if !msg.exit {
		entry := p.logs.Append(msg.stream, msg.line, time.Now().UTC())
		p.info.LogBytes = p.logs.Bytes()
		p.info.LogEntries = p.logs.Len()
		for _, u := range previewURLPattern.FindAllString(entry.Text, -1) {
			if !p.previews[u] {
				p.previews[u] = true
				p.info.PreviewURLs = append(p.info.PreviewURLs, u)
			}
		}
		r.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	p.info.EndedAt = &now
	if msg.state.err != nil {
		p.info.Status = domain.ProcessStatusFailed
		p.info.Error = msg.state.err.Error()
	} else {
		p.info.Status = domain.ProcessStatusExited
		code := msg.state.exitCode
		p.info.ExitCode = &code
		p.info.Signal = msg.state.signal
	}
	snapshot := snapshotOf(p)
	close(p.exited)
	r.mu.Unlock()

	r.logger.Info("managed process exited",
		"run_id", snapshot.RunID, "process_id", snapshot.ProcessID,
		"status", snapshot.Status, "signal", snapshot.Signal)
	if r.opts.OnExit != nil {
		go r.opts.OnExit(snapshot)
	}
}

func snapshotOf(p *managedProcess) domain.ManagedProcess {
	s := p.info
	s.Args = append([]string(nil), p.info.Args...)
	s.PreviewURLs = append([]string{}, p.info.PreviewURLs...)
	if p.info.ExitCode != nil {
		code := *p.info.ExitCode
		s.ExitCode = &code
	}
	if p.info.EndedAt != nil {
		ended := *p.info.EndedAt
		s.EndedAt = &ended
	}
	return s
}

// Start spawns a managed child and returns immediately. A spawn failure is
// recorded as a failed process and returned together with ErrSpawn.
func (r *Registry) Start(spec StartSpec) (domain.ManagedProcess, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureCommandProcess(cmd)

	p := &managedProcess{
		info: domain.ManagedProcess{
			ProcessID:   "proc_" + uuid.New().String(),
			RunID:       spec.RunID,
			Command:     spec.Command,
			Args:        append([]string(nil), spec.Args...),
			Cwd:         spec.Cwd,
			Status:      domain.ProcessStatusStarting,
			StartedAt:   time.Now().UTC(),
			PreviewURLs: []string{},
		},
		logs:     NewLogBuffer(r.opts.LogMaxBytes, r.opts.LogMaxEntries),
		previews: make(map[string]bool),
		cmd:      cmd,
		exited:   make(chan struct{}),
	}

	stdout, err := cmd.StdoutPipe()
	if err == nil {
		var stderr io.ReadCloser
		stderr, err = cmd.StderrPipe()
		if err == nil {
			err = cmd.Start()
		}
		if err == nil {
			r.register(p, domain.ProcessStatusRunning, cmd.Process.Pid)
			r.logger.Info("managed process started",
				"run_id", spec.RunID, "process_id", p.info.ProcessID, "command", spec.Command, "pid", cmd.Process.Pid)
			snapshot := r.snapshot(p)
			if r.opts.OnStart != nil {
				r.opts.OnStart(snapshot)
			}
			r.watch(p, stdout, stderr)
			return snapshot, nil
		}
	}

	now := time.Now().UTC()
	p.info.EndedAt = &now
	p.info.Error = err.Error()
	close(p.exited)
	r.register(p, domain.ProcessStatusFailed, 0)
	r.logger.Warn("managed process failed to start",
		"run_id", spec.RunID, "process_id", p.info.ProcessID, "command", spec.Command, "error", err)
	return r.snapshot(p), fmt.Errorf("%w: %v", ErrSpawn, err)
}

func (r *Registry) register(p *managedProcess, status domain.ProcessStatus, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.info.Status = status
	p.info.PID = pid
	r.procs[p.info.ProcessID] = p
}

func (r *Registry) snapshot(p *managedProcess) domain.ManagedProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshotOf(p)
}

// watch starts one reader per stream plus a waiter. The waiter reports the
// exit only after both readers drained, so every log line precedes it.
func (r *Registry) watch(p *managedProcess, stdout, stderr io.Reader) {
	id := p.info.ProcessID
	var readers sync.WaitGroup
	readers.Add(2)
	go r.readStream(&readers, id, "stdout", stdout)
	go r.readStream(&readers, id, "stderr", stderr)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		readers.Wait()
		err := p.cmd.Wait()
		state := &exitState{}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			state.err = err
		}
		if p.cmd.ProcessState != nil {
			state.exitCode = p.cmd.ProcessState.ExitCode()
			state.signal = exitSignal(p.cmd.ProcessState)
		}
		r.send(message{processID: id, exit: true, state: state})
	}()
}

func (r *Registry) readStream(wg *sync.WaitGroup, processID, stream string, src io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.send(message{processID: processID, stream: stream, line: scanner.Text()})
	}
	if err := scanner.Err(); err != nil {
		r.send(message{processID: processID, stream: stream, line: "log reader error: " + err.Error()})
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, src)
	}
}

func (r *Registry) send(msg message) {
	select {
	case r.messages <- msg:
	case <-r.done:
	}
}

func (r *Registry) lookup(runID, processID string) (*managedProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[processID]
	if !ok || (runID != "" && p.info.RunID != runID) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, processID)
	}
	return p, nil
}

// Get returns a snapshot of a process owned by runID.
func (r *Registry) Get(runID, processID string) (domain.ManagedProcess, error) {
	p, err := r.lookup(runID, processID)
	if err != nil {
		return domain.ManagedProcess{}, err
	}
	return r.snapshot(p), nil
}

// Logs returns buffered log entries with seq > afterSeq.
func (r *Registry) Logs(runID, processID string, afterSeq int64, limit int) ([]domain.LogEntry, domain.ManagedProcess, error) {
	p, err := r.lookup(runID, processID)
	if err != nil {
		return nil, domain.ManagedProcess{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return p.logs.Since(afterSeq, limit), snapshotOf(p), nil
}

// List returns the run's processes ordered by start time. An empty runID
// lists every process.
func (r *Registry) List(runID string) []domain.ManagedProcess {
	r.mu.Lock()
	out := make([]domain.ManagedProcess, 0, len(r.procs))
	for _, p := range r.procs {
		if runID == "" || p.info.RunID == runID {
			out = append(out, snapshotOf(p))
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ProcessID < out[j].ProcessID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Live returns the number of processes that have not exited.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.procs {
		if !p.info.Status.Terminal() {
			n++
		}
	}
	return n
}

// Stop terminates a process: SIGTERM, then SIGKILL once the grace window
// passes without an exit. force skips straight to SIGKILL.
func (r *Registry) Stop(ctx context.Context, runID, processID string, force bool) (domain.ManagedProcess, error) {
	p, err := r.lookup(runID, processID)
	if err != nil {
		return domain.ManagedProcess{}, err
	}
	select {
	case <-p.exited:
		return r.snapshot(p), nil
	default:
	}

	if !force {
		if err := terminateCommandProcess(p.cmd); err != nil {
			r.logger.Warn("failed to send SIGTERM", "process_id", processID, "error", err)
		}
		timer := time.NewTimer(r.opts.StopGrace)
		defer timer.Stop()
		select {
		case <-p.exited:
			return r.snapshot(p), nil
		case <-timer.C:
			r.logger.Info("grace window elapsed, escalating to SIGKILL", "process_id", processID)
		case <-ctx.Done():
			return r.snapshot(p), ctx.Err()
		}
	}

	if err := killCommandProcess(p.cmd); err != nil {
		r.logger.Warn("failed to send SIGKILL", "process_id", processID, "error", err)
	}
	timer := time.NewTimer(r.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		return r.snapshot(p), fmt.Errorf("process %s did not exit after SIGKILL", processID)
	case <-ctx.Done():
		return r.snapshot(p), ctx.Err()
	}
	return r.snapshot(p), nil
}

// StopRun stops every live process of a run concurrently and returns how
// many were stopped along with the joined failures.
func (r *Registry) StopRun(ctx context.Context, runID string) (int, error) {
	var live []string
	for _, p := range r.List(runID) {
		if !p.Status.Terminal() {
			live = append(live, p.ProcessID)
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    []error
		stopped int
	)
	for _, id := range live {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := r.Stop(ctx, runID, id, false)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to stop %s: %w", id, err))
				return
			}
			stopped++
		}(id)
	}
	wg.Wait()
	return stopped, errors.Join(errs...)
}

// Reap forgets terminal processes that ended more than the retention window
// before now. It returns the number removed.
func (r *Registry) Reap(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, p := range r.procs {
		if !p.info.Status.Terminal() || p.info.EndedAt == nil {
			continue
		}
		if now.Sub(*p.info.EndedAt) >= r.opts.Retention {
			delete(r.procs, id)
			removed++
		}
	}
	return removed
}

// Close kills every live process and stops the apply loop.
func (r *Registry) Close() {
	r.mu.Lock()
	var live []*managedProcess
	for _, p := range r.procs {
		if !p.info.Status.Terminal() {
			live = append(live, p)
		}
	}
	r.mu.Unlock()

	for _, p := range live {
		_ = killCommandProcess(p.cmd)
	}
	for _, p := range live {
		select {
		case <-p.exited:
		case <-time.After(r.opts.StopGrace):
		}
	}
	close(r.done)
}
