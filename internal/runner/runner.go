package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMarker is the line a supervised tool prints once it is paused and
// waits for the continuation signal on stdin.
const DefaultMarker = "PAUSED EXECUTION!"

const maxLineSize = 1024 * 1024

var ErrNoCommand = errors.New("runner command is empty")

type Command struct {
	Path string
	Args []string
	Env  []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Spec is everything needed to start one runner.
type Spec struct {
	Command Command
	Dir     string
	// Stale reports whether the source the runner was built from changed
	// since it was started. nil means never stale.
	Stale func() bool
	// OnFinish is called once, after the runner reached Finished or when
	// the process could not be started.
	OnFinish func()
	// Attrs are added to every log record of the runner.
	Attrs   []slog.Attr
	Options Options
}

type Options struct {
	Marker   string
	Continue string
	// InactivityTimeout kills a runner which is not waiting at the
	// checkpoint and did not print anything for so long.
	InactivityTimeout time.Duration
	// ResumePoll is the polling interval of Resume while the runner prepares.
	ResumePoll time.Duration
	// DrainTimeout bounds a single read of the output stream.
	DrainTimeout time.Duration
	// ExitDrainTimeout bounds the final read once the process exited.
	ExitDrainTimeout time.Duration
	MaxEmptyReads    int
	MaxDrainLines    int
	KillTimeout      time.Duration
	Verbose          bool
	Now              func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Marker:            DefaultMarker,
		Continue:          "\n",
		InactivityTimeout: 15 * time.Second,
		ResumePoll:        400 * time.Millisecond,
		DrainTimeout:      50 * time.Millisecond,
		ExitDrainTimeout:  time.Second,
		MaxEmptyReads:     1,
		MaxDrainLines:     10000,
		KillTimeout:       2 * time.Second,
		Now:               time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Marker == "" {
		o.Marker = d.Marker
	}
	if o.Continue == "" {
		o.Continue = d.Continue
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = d.InactivityTimeout
	}
	if o.ResumePoll <= 0 {
		o.ResumePoll = d.ResumePoll
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = d.DrainTimeout
	}
	if o.ExitDrainTimeout <= 0 {
		o.ExitDrainTimeout = d.ExitDrainTimeout
	}
	if o.MaxEmptyReads <= 0 {
		o.MaxEmptyReads = d.MaxEmptyReads
	}
	if o.MaxDrainLines <= 0 {
		o.MaxDrainLines = d.MaxDrainLines
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = d.KillTimeout
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Runner owns exactly one child process. Its output stream is read only by
// the runner itself; exit is observed by a dedicated goroutine.
type Runner struct {
	id       string
	command  Command
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	queue    *lineQueue
	exited   chan struct{}
	exitCode int // valid after exited is closed
	stale    func() bool
	onFinish func()
	logger   *slog.Logger
	opts     Options

	mx           sync.Mutex
	state        State
	outcome      Outcome
	log          []string
	created      time.Time
	lastActivity time.Time
	signals      int
}

// Start spawns the process and returns a Preparing runner. Only a failure to
// spawn is returned as an error; spec.OnFinish is called in that case too.
func Start(ctx context.Context, spec Spec) (*Runner, error) {
	r, err := start(ctx, spec)
	if err != nil && spec.OnFinish != nil {
		spec.OnFinish()
	}
	return r, err
}

func start(ctx context.Context, spec Spec) (*Runner, error) {
	if spec.Command.Path == "" {
		return nil, ErrNoCommand
	}
	opts := spec.Options.withDefaults()

	cmd := exec.Command(spec.Command.Path, spec.Command.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Command.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Command.Env...)
	}
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	// stdout and stderr share one pipe; Wait does not touch its read end
	pr, pw, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("starting %s: %w", spec.Command.Path, err)
	}
	_ = pw.Close()

	id := uuid.NewString()
	attrs := append([]any{
		slog.String("runner_id", id),
		slog.Int("pid", cmd.Process.Pid),
	}, attrsToAny(spec.Attrs)...)

	now := opts.Now()
	r := &Runner{
		id:           id,
		command:      spec.Command,
		cmd:          cmd,
		stdin:        stdin,
		queue:        newLineQueue(),
		exited:       make(chan struct{}),
		stale:        spec.Stale,
		onFinish:     spec.OnFinish,
		logger:       slog.Default().With(attrs...),
		opts:         opts,
		state:        Preparing,
		created:      now,
		lastActivity: now,
	}

	go r.readLines(pr)
	go r.wait()

	r.logger.InfoContext(ctx, "runner started", "command", spec.Command.String(), "dir", spec.Dir)
	return r, nil
}

func attrsToAny(attrs []slog.Attr) []any {
	ret := make([]any, len(attrs))
	for i, a := range attrs {
		ret[i] = a
	}
	return ret
}

func (r *Runner) readLines(rc io.ReadCloser) {
	defer r.queue.close()
	defer func() {
		_ = rc.Close()
	}()
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		r.queue.push(strings.TrimRight(scanner.Text(), "\r"))
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		r.logger.Warn("reading runner output", "error", err)
	}
}

func (r *Runner) wait() {
	err := r.cmd.Wait()
	code := -1
	if r.cmd.ProcessState != nil {
		code = r.cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			r.logger.Warn("waiting for runner", "error", err)
		}
	}
	r.exitCode = code
	close(r.exited)
}

func (r *Runner) ID() string { return r.id }

func (r *Runner) PID() int { return r.cmd.Process.Pid }

func (r *Runner) Command() Command { return r.command }

func (r *Runner) Created() time.Time { return r.created }

func (r *Runner) LastActivity() time.Time {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.lastActivity
}

// Outcome returns the outcome; it is None until the runner is Finished.
func (r *Runner) Outcome() Outcome {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.outcome
}

// ExitCode returns the exit code of the process, or -1 when it did not exit
// yet or was killed by a signal.
func (r *Runner) ExitCode() int {
	select {
	case <-r.exited:
		return r.exitCode
	default:
		return -1
	}
}

// Log returns a copy of the lines captured so far.
func (r *Runner) Log() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.log...)
}

// Annotate inserts a line at the beginning of the log.
func (r *Runner) Annotate(line string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.log = append([]string{line}, r.log...)
}

// State polls the process without blocking on it. A process which exited is
// classified and moved to Finished; a Preparing runner reads its output and
// moves to Waiting once the marker shows up.
func (r *Runner) State() State {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.stateLocked()
}

func (r *Runner) stateLocked() State {
	if r.state != Finished && r.terminatedLocked() {
		r.finishLocked(r.classifyLocked())
	}
	if r.state == Preparing {
		r.drainLocked(r.opts.DrainTimeout, r.opts.Verbose)
	}
	return r.state
}

func (r *Runner) hasExited() bool {
	select {
	case <-r.exited:
		return true
	default:
		return false
	}
}

// terminatedLocked reports whether the process is gone. A runner which is
// not waiting at the checkpoint and stays silent for longer than the
// inactivity timeout is killed here.
func (r *Runner) terminatedLocked() bool {
	if r.hasExited() {
		return true
	}
	if r.state == Waiting || r.silence() <= r.opts.InactivityTimeout {
		return false
	}
	r.drainLocked(r.opts.DrainTimeout, r.opts.Verbose)
	if r.state == Waiting || r.silence() <= r.opts.InactivityTimeout {
		return false
	}

	r.logger.Warn("killing runner: no output",
		"state", r.state.String(),
		"silence", r.silence().String(),
		"last_lines", tail(r.log, 10),
	)
	r.killLocked()
	return true
}

func (r *Runner) silence() time.Duration {
	return r.opts.Now().Sub(r.lastActivity)
}

func (r *Runner) classifyLocked() Outcome {
	switch {
	case r.state == Preparing:
		return NeverReachedCheckpoint
	case r.ExitCode() != 0:
		return NonzeroExit
	default:
		return None
	}
}

func (r *Runner) finishLocked(outcome Outcome) {
	if r.state == Finished {
		return
	}
	// a process which was already waited for may have its pid reused
	if !r.hasExited() {
		r.signalLocked()
	}
	r.outcome = outcome
	r.state = Finished
	level := slog.LevelInfo
	if outcome == NeverReachedCheckpoint {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "runner finished",
		"exit_code", r.ExitCode(),
		"outcome", outcome.String(),
	)
	if r.onFinish != nil {
		r.onFinish()
	}
}

func (r *Runner) signalLocked() {
	r.signals++
	if err := terminate(r.cmd.Process); err != nil {
		r.logger.Warn("killing runner", "error", err)
	}
}

func (r *Runner) killLocked() {
	if r.hasExited() {
		return
	}
	r.signalLocked()
	timer := time.NewTimer(r.opts.KillTimeout)
	defer timer.Stop()
	select {
	case <-r.exited:
	case <-timer.C:
		r.logger.Warn("runner did not exit after kill", "timeout", r.opts.KillTimeout.String())
	}
}

// Resume continues the runner. A stale runner is killed and false is
// returned, so the caller has to pick another one. A Preparing runner is
// waited for until it reaches the checkpoint or finishes. A Waiting runner
// gets the continuation signal on stdin and moves to Running. True means
// the runner is running or finished.
func (r *Runner) Resume(ctx context.Context) bool {
	if r.stale != nil && r.stale() {
		r.discard(ctx)
		return false
	}

	state := r.State()
	if state == Preparing {
		r.logger.InfoContext(ctx, "resuming a runner which is still preparing")
		ticker := time.NewTicker(r.opts.ResumePoll)
		defer ticker.Stop()
		for state == Preparing {
			select {
			case <-ctx.Done():
				return false
			case <-ticker.C:
			}
			state = r.State()
		}
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.state != Waiting {
		return true
	}
	if _, err := io.WriteString(r.stdin, r.opts.Continue); err != nil {
		// the process is gone, the next State call classifies it
		r.logger.WarnContext(ctx, "writing continuation signal", "error", err)
	}
	r.state = Running
	r.lastActivity = r.opts.Now()
	r.logger.InfoContext(ctx, "runner resumed")
	return true
}

func (r *Runner) discard(ctx context.Context) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.state == Finished {
		return
	}
	r.logger.InfoContext(ctx, "discarding stale runner", "state", r.state.String())
	outcome := Aborted
	if r.state == Preparing {
		outcome = NeverReachedCheckpoint
	}
	r.killLocked()
	r.finishLocked(outcome)
}

// Stop kills a live process and marks it Aborted. It always leaves the
// runner Finished and is safe to call more than once.
func (r *Runner) Stop() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.state == Finished {
		return
	}
	if r.hasExited() {
		r.finishLocked(r.classifyLocked())
		return
	}
	r.killLocked()
	r.finishLocked(Aborted)
}

// DrainLog performs one bounded read pass over the buffered output and
// returns the new lines, which are also appended to the log. After the
// process exited the pass reads the rest of the output.
func (r *Runner) DrainLog(timeout time.Duration, verbose bool) []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.drainLocked(timeout, verbose)
}

// Once the process exited, the pass is not capped by MaxDrainLines and reads
// everything up to the end of the stream.
func (r *Runner) drainLocked(timeout time.Duration, verbose bool) []string {
	exited := r.hasExited()
	if exited && timeout < r.opts.ExitDrainTimeout {
		timeout = r.opts.ExitDrainTimeout
	}

	var got []string
	empty := 0
	for exited || len(got) < r.opts.MaxDrainLines {
		limit := r.opts.MaxDrainLines - len(got)
		if exited {
			limit = 0
		}
		lines, done := r.queue.take(limit)
		if len(lines) > 0 {
			got = append(got, lines...)
			empty = 0
			continue
		}
		if done || empty >= r.opts.MaxEmptyReads {
			break
		}
		timer := time.NewTimer(timeout)
		select {
		case <-r.queue.ready:
		case <-timer.C:
			empty++
		}
		timer.Stop()
	}

	if len(got) == 0 {
		return nil
	}
	r.lastActivity = r.opts.Now()
	for _, line := range got {
		if verbose {
			r.logger.Info("runner output", "line", line)
		}
		r.log = append(r.log, line)
		if r.state == Preparing && strings.Contains(line, r.opts.Marker) {
			r.state = Waiting
			r.logger.Info("runner is waiting at the checkpoint")
		}
	}
	r.logger.Debug("read runner output", "lines", len(got))
	return got
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
