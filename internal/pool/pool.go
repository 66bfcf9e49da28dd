package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/prewarm/internal/runner"
)

var (
	ErrClosed   = errors.New("pool closed")
	ErrNoRunner = errors.New("no runner could be resumed")
)

// AbortedPrefix starts the line put in front of a log when waiting for the
// runner to complete timed out.
const AbortedPrefix = "ABORTED AFTER"

// CircuitOpenPrefix starts the text returned while the circuit breaker is open.
const CircuitOpenPrefix = "TOO MANY FAILURES"

// Factory returns the spec of a new runner for the pool's target.
type Factory func(ctx context.Context) (runner.Spec, error)

type Config struct {
	// MinAvailable is the number of preparing or waiting runners kept alive.
	MinAvailable    int
	RefreshInterval time.Duration
	// StopTimeout bounds how long Dispatch waits for the maintenance loop to stop.
	StopTimeout       time.Duration
	CompletionTimeout time.Duration
	CompletionPoll    time.Duration
	// FailureThreshold is the count of never reached checkpoint outcomes which
	// is tolerated; one more opens the circuit.
	FailureThreshold int
	// ThresholdStep is added to the threshold each time the circuit closes.
	ThresholdStep     int
	Cooldown          time.Duration
	MaxResumeAttempts int
	DrainTimeout      time.Duration
	Verbose           bool
	Now               func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MinAvailable:      2,
		RefreshInterval:   2 * time.Second,
		StopTimeout:       4 * time.Second,
		CompletionTimeout: 60 * time.Second,
		CompletionPoll:    500 * time.Millisecond,
		FailureThreshold:  2,
		ThresholdStep:     2,
		Cooldown:          5 * time.Minute,
		MaxResumeAttempts: 10,
		DrainTimeout:      50 * time.Millisecond,
		Now:               time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinAvailable < 0 {
		c.MinAvailable = 0
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = d.CompletionTimeout
	}
	if c.CompletionPoll <= 0 {
		c.CompletionPoll = d.CompletionPoll
	}
	if c.FailureThreshold < 0 {
		c.FailureThreshold = 0
	}
	if c.ThresholdStep <= 0 {
		c.ThresholdStep = 1
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.MaxResumeAttempts <= 0 {
		c.MaxResumeAttempts = d.MaxResumeAttempts
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

// Pool keeps warm runners for one target and dispatches requests to them.
type Pool struct {
	name    string
	factory Factory
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	// dispatchMx serializes Dispatch calls
	dispatchMx sync.Mutex

	maintMx sync.Mutex
	maint   *maintenance

	mx        sync.Mutex
	available []*runner.Runner
	active    []*runner.Runner
	outcomes  map[runner.Outcome]int
	breaker   breaker
	created   int
	closed    bool
}

type maintenance struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a pool without any runner. The maintenance loop is bound to
// ctx and starts with Maintain or the first Dispatch.
func New(ctx context.Context, name string, factory Factory, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	outcomes := make(map[runner.Outcome]int, len(runner.Outcomes))
	for _, o := range runner.Outcomes {
		outcomes[o] = 0
	}
	return &Pool{
		name:     name,
		factory:  factory,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		logger:   slog.Default().With("pool", name),
		outcomes: outcomes,
		breaker:  newBreaker(cfg.FailureThreshold, cfg.ThresholdStep, cfg.Cooldown),
	}
}

func (p *Pool) Name() string { return p.name }

// Refresh reclassifies every runner once, counts the outcomes of finished
// runners and tops the available runners up to MinAvailable. Too many
// runners which never reached the checkpoint open the circuit and stop
// every runner instead.
func (p *Pool) Refresh(ctx context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.refreshLocked(ctx)
}

func (p *Pool) refreshLocked(ctx context.Context) error {
	if p.closed {
		return ErrClosed
	}
	if p.breaker.isOpen() {
		return nil
	}

	var available, active []*runner.Runner
	for _, r := range slices.Concat(p.available, p.active) {
		switch r.State() {
		case runner.Finished:
			p.outcomes[r.Outcome()]++
		case runner.Running:
			active = append(active, r)
		default:
			available = append(available, r)
		}
	}
	p.available, p.active = available, active

	if p.breaker.exceeded(p.outcomes[runner.NeverReachedCheckpoint]) {
		p.openCircuitLocked(ctx)
		return nil
	}

	for len(p.available) < p.cfg.MinAvailable {
		p.logger.InfoContext(ctx, "starting a new runner",
			"available", len(p.available),
			"min_available", p.cfg.MinAvailable,
		)
		r, err := p.spawnLocked(ctx)
		if err != nil {
			return err
		}
		p.available = append(p.available, r)
	}
	return nil
}

func (p *Pool) spawnLocked(ctx context.Context) (*runner.Runner, error) {
	spec, err := p.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing runner for %s: %w", p.name, err)
	}
	r, err := runner.Start(ctx, spec)
	if err != nil {
		p.logger.ErrorContext(ctx, "runner can't be started", "error", err)
		return nil, err
	}
	p.created++
	return r, nil
}

func (p *Pool) openCircuitLocked(ctx context.Context) {
	now := p.cfg.Now()
	p.breaker.trip(now)
	p.logger.WarnContext(ctx, "too many runners never reached the checkpoint: stopping all runners",
		"never_reached", p.outcomes[runner.NeverReachedCheckpoint],
		"threshold", p.breaker.threshold,
		"until", p.breaker.until(),
	)
	for _, r := range slices.Concat(p.available, p.active) {
		r.Stop()
		p.outcomes[r.Outcome()]++
	}
	p.available, p.active = nil, nil
}

// Maintain starts the background loop calling Refresh every RefreshInterval.
// It does nothing if the loop is already running.
func (p *Pool) Maintain() {
	p.maintMx.Lock()
	defer p.maintMx.Unlock()
	if p.maint != nil || p.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	m := &maintenance{cancel: cancel, done: make(chan struct{})}
	p.maint = m
	go p.maintain(ctx, m.done)
}

func (p *Pool) maintain(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	p.logger.DebugContext(ctx, "maintenance started")
	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		err := p.Refresh(ctx)
		if err != nil && ctx.Err() == nil && !errors.Is(err, ErrClosed) {
			p.logger.ErrorContext(ctx, "refreshing pool", "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.DebugContext(ctx, "maintenance stopped")
			return
		case <-ticker.C:
		}
	}
}

// StopMaintaining cancels the maintenance loop and waits for it up to
// StopTimeout. It returns false, after logging a warning, when the loop did
// not stop in time.
func (p *Pool) StopMaintaining(ctx context.Context) bool {
	p.maintMx.Lock()
	m := p.maint
	p.maint = nil
	p.maintMx.Unlock()
	if m == nil {
		return true
	}

	m.cancel()
	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-m.done:
		return true
	case <-timer.C:
		p.logger.WarnContext(ctx, "maintenance could not be stopped: continuing anyway",
			"timeout", p.cfg.StopTimeout.String())
		return false
	}
}

// Dispatch resumes one runner and returns its log. While the circuit is open
// it returns a summary of the outcome counters without doing any work. With
// wait, it polls the runner until it finishes or CompletionTimeout elapses;
// a timed out runner is annotated, not killed.
func (p *Pool) Dispatch(ctx context.Context, wait bool) (string, error) {
	p.dispatchMx.Lock()
	defer p.dispatchMx.Unlock()

	if summary, open := p.checkCircuit(ctx); open {
		return summary, nil
	}

	// the maintenance loop reads runner output as well
	p.StopMaintaining(ctx)
	r, err := p.resumeOne(ctx)
	p.Maintain()
	if err != nil {
		return "", err
	}
	if r == nil {
		return p.Summary(), nil
	}

	if wait {
		if err := p.awaitCompletion(ctx, r); err != nil {
			return "", err
		}
	}
	r.DrainLog(p.cfg.DrainTimeout, p.cfg.Verbose)
	p.logger.InfoContext(ctx, "dispatch finished", "runner_id", r.ID(), "pid", r.PID())
	return strings.Join(r.Log(), "\n"), nil
}

// checkCircuit returns the summary if the circuit is open. An open circuit
// whose cooldown elapsed is closed with a raised threshold.
func (p *Pool) checkCircuit(ctx context.Context) (string, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if !p.breaker.isOpen() {
		return "", false
	}
	if !p.breaker.cooledDown(p.cfg.Now()) {
		return p.summaryLocked(), true
	}
	p.breaker.reset(p.outcomes[runner.NeverReachedCheckpoint])
	p.logger.InfoContext(ctx, "cooldown elapsed: closing the circuit",
		"threshold", p.breaker.threshold)
	return "", false
}

func (p *Pool) resumeOne(ctx context.Context) (*runner.Runner, error) {
	for range p.cfg.MaxResumeAttempts {
		if err := p.Refresh(ctx); err != nil {
			return nil, err
		}
		r, err := p.pick(ctx)
		if err != nil || r == nil {
			return nil, err
		}
		if r.Resume(ctx) {
			p.markActive(r)
			return r, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.logger.InfoContext(ctx, "runner could not be resumed: picking another one", "runner_id", r.ID())
	}
	return nil, fmt.Errorf("%s: %w after %d attempts", p.name, ErrNoRunner, p.cfg.MaxResumeAttempts)
}

// pick prefers a runner waiting at the checkpoint over one still preparing.
// It returns nil when the circuit is open.
func (p *Pool) pick(ctx context.Context) (*runner.Runner, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.breaker.isOpen() {
		return nil, nil
	}
	if len(p.available) == 0 {
		r, err := p.spawnLocked(ctx)
		if err != nil {
			return nil, err
		}
		p.available = append(p.available, r)
	}
	for _, r := range p.available {
		if r.State() == runner.Waiting {
			return r, nil
		}
	}
	return p.available[0], nil
}

func (p *Pool) markActive(r *runner.Runner) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.available = slices.DeleteFunc(p.available, func(x *runner.Runner) bool { return x == r })
	if !slices.Contains(p.active, r) {
		p.active = append(p.active, r)
	}
}

func (p *Pool) awaitCompletion(ctx context.Context, r *runner.Runner) error {
	timer := time.NewTimer(p.cfg.CompletionTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(p.cfg.CompletionPoll)
	defer ticker.Stop()
	for r.State() != runner.Finished {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			secs := strconv.FormatFloat(p.cfg.CompletionTimeout.Seconds(), 'f', -1, 64)
			r.Annotate(AbortedPrefix + " " + secs + " SECONDS")
			p.logger.WarnContext(ctx, "runner did not finish in time: leaving it to maintenance",
				"runner_id", r.ID(),
				"pid", r.PID(),
				"timeout", p.cfg.CompletionTimeout.String(),
			)
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Summary describes the outcome counters.
func (p *Pool) Summary() string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.summaryLocked()
}

func (p *Pool) summaryLocked() string {
	var sb strings.Builder
	if p.breaker.isOpen() {
		fmt.Fprintf(&sb, "%s, COOLING DOWN UNTIL %s. ", CircuitOpenPrefix, p.breaker.until().Format(time.TimeOnly))
	}
	fmt.Fprintf(&sb, "%s: %d successful runs, %d nonzero exit codes, %d aborted runners and %d runners which never reached the checkpoint",
		p.name,
		p.outcomes[runner.None],
		p.outcomes[runner.NonzeroExit],
		p.outcomes[runner.Aborted],
		p.outcomes[runner.NeverReachedCheckpoint],
	)
	return sb.String()
}

type Stats struct {
	Name             string                 `json:"name"`
	Available        int                    `json:"available"`
	Active           int                    `json:"active"`
	Created          int                    `json:"created"`
	Outcomes         map[runner.Outcome]int `json:"outcomes"`
	CircuitOpen      bool                   `json:"circuit_open"`
	CircuitOpenSince time.Time              `json:"circuit_open_since,omitzero"`
	Threshold        int                    `json:"threshold"`
}

func (p *Pool) Stats() Stats {
	p.mx.Lock()
	defer p.mx.Unlock()
	outcomes := make(map[runner.Outcome]int, len(p.outcomes))
	for k, v := range p.outcomes {
		outcomes[k] = v
	}
	return Stats{
		Name:             p.name,
		Available:        len(p.available),
		Active:           len(p.active),
		Created:          p.created,
		Outcomes:         outcomes,
		CircuitOpen:      p.breaker.isOpen(),
		CircuitOpenSince: p.breaker.openSince,
		Threshold:        p.breaker.threshold,
	}
}

// Available returns a snapshot of the runners which are preparing or waiting.
func (p *Pool) Available() []*runner.Runner {
	p.mx.Lock()
	defer p.mx.Unlock()
	return slices.Clone(p.available)
}

// Close stops the maintenance loop and every runner.
func (p *Pool) Close(ctx context.Context) {
	p.StopMaintaining(ctx)
	p.cancel()
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, r := range slices.Concat(p.available, p.active) {
		r.Stop()
	}
	p.available, p.active = nil, nil
	p.logger.DebugContext(ctx, "pool closed")
}
