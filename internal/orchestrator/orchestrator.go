// Package orchestrator implements the process orchestrator: registering,
// spawning, watchdogging, and pausing/resuming the fleet of worker child
// processes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kestrel-edge/sentryd/internal/env"
	"github.com/kestrel-edge/sentryd/internal/metrics"
	"github.com/kestrel-edge/sentryd/internal/process"
)

// State is a worker's lifecycle state.
type State string

const (
	Running State = "running"
	Paused  State = "paused"
	Crashed State = "crashed"
	Stopped State = "stopped"
	GaveUp  State = "gave_up"
)

// PauseReason disambiguates why a worker is paused, so a thermal recover
// event only resumes workers the thermal pause put to sleep.
type PauseReason string

const (
	PauseNone     PauseReason = ""
	PauseOverheat PauseReason = "overheat"
	PauseManual   PauseReason = "manual"
)

var (
	ErrDuplicateName  = errors.New("orchestrator: duplicate worker name")
	ErrUnknownWorker  = errors.New("orchestrator: unknown worker")
	ErrAlreadyRunning = errors.New("orchestrator: worker already running")
	ErrInvalidState   = errors.New("orchestrator: invalid state for operation")
)

// HeartbeatConfig enables the supplemental heartbeat-file liveness check:
// when set, the worker's environment gets SENTRYD_HEARTBEAT_FILE pointed
// at Dir/<name>.heartbeat (Dir defaults to the system temp directory), and
// the watchdog treats a stale file as a zombie even though
// the process itself is still technically alive.
type HeartbeatConfig struct {
	Enabled bool
	Dir     string
	Stale   time.Duration // default 30s
}

// WorkerSpec describes a worker as supplied by configuration.
type WorkerSpec struct {
	Name         string
	Command      string
	Essential    bool
	Heartbeat    HeartbeatConfig
	ProcDefaults process.Spec // WorkDir/Env/StartDuration/Log; Name/Command/Essential are overwritten from this struct
}

// worker is the orchestrator's internal bookkeeping record for one
// registered worker. The Orchestrator is the sole owner of this type.
type worker struct {
	spec WorkerSpec
	proc *process.Process

	mu           sync.Mutex
	state        State
	pauseReason  PauseReason
	restartCount int
	runningSince time.Time
	ctrl         chan func()
}

// TelemetrySink receives the worker_gave_up event the watchdog emits when a
// worker exceeds its restart ceiling. telemetry.Client satisfies this.
type TelemetrySink interface {
	SendEvent(kind string, body map[string]any)
}

// Orchestrator owns the worker registry and the watchdog loop.
type Orchestrator struct {
	cfg    Config
	env    *env.Env
	logger *slog.Logger
	sink   TelemetrySink

	mu      sync.Mutex
	workers map[string]*worker
	order   []string // registration order, for deterministic overheat pause/resume

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config configures the watchdog.
type Config struct {
	WatchdogInterval time.Duration
	MaxRestarts      int
	StabilityWindow  time.Duration // default 60s
	StopGrace        time.Duration // default 5s
}

// New constructs an Orchestrator.
func New(cfg Config, e *env.Env, logger *slog.Logger) *Orchestrator {
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 5 * time.Second
	}
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = 60 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if e == nil {
		e = env.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		env:     e,
		logger:  logger,
		workers: make(map[string]*worker),
	}
}

// SetTelemetrySink installs the sink the watchdog reports worker_gave_up
// events to. Call before StartWatchdog; nil disables event reporting.
func (o *Orchestrator) SetTelemetrySink(sink TelemetrySink) {
	o.mu.Lock()
	o.sink = sink
	o.mu.Unlock()
}

// Register adds a worker definition. Re-registering the same name with an
// identical spec is a no-op; any mismatch is a DuplicateName error.
func (o *Orchestrator) Register(spec WorkerSpec) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.workers[spec.Name]; ok {
		if existing.spec.Command == spec.Command && existing.spec.Essential == spec.Essential {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateName, spec.Name)
	}

	procSpec := spec.ProcDefaults
	procSpec.Name = spec.Name
	procSpec.Command = spec.Command
	procSpec.Essential = spec.Essential

	w := &worker{
		spec:  spec,
		proc:  process.New(procSpec),
		state: Stopped,
		ctrl:  make(chan func(), 8),
	}
	o.workers[spec.Name] = w
	o.order = append(o.order, spec.Name)
	go w.runCtrl()
	return nil
}

// runCtrl serialises every mutating operation issued against this worker
// (start/stop/pause/resume, including watchdog-driven restarts) onto a
// single goroutine, so concurrent calls from the watchdog, the admin API,
// and the health monitor's callbacks can never interleave for one name.
func (w *worker) runCtrl() {
	for fn := range w.ctrl {
		fn()
	}
}

// submit runs fn on the worker's control goroutine and waits for it to
// complete.
func (w *worker) submit(fn func() error) error {
	done := make(chan error, 1)
	w.ctrl <- func() { done <- fn() }
	return <-done
}

// StartAll starts every registered worker in registration order.
func (o *Orchestrator) StartAll() error {
	for _, name := range o.registrationOrder() {
		if err := o.Start(name); err != nil {
			o.logger.Error("failed to start worker", "name", name, "error", err)
		}
	}
	return nil
}

// Start spawns the named worker's child process.
func (o *Orchestrator) Start(name string) error {
	w, err := o.lookup(name)
	if err != nil {
		return err
	}
	return o.startWorker(w)
}

func (o *Orchestrator) startWorker(w *worker) error {
	return w.submit(func() error { return o.doStart(w) })
}

func (o *Orchestrator) doStart(w *worker) error {
	w.mu.Lock()
	if w.state == Running {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, w.spec.Name)
	}
	w.mu.Unlock()

	mergedEnv := o.env.Merge(w.spec.ProcDefaults.Env)
	if w.spec.Heartbeat.Enabled {
		mergedEnv = append(mergedEnv, fmt.Sprintf("SENTRYD_HEARTBEAT_FILE=%s", heartbeatPath(w.spec)))
	}

	cmd := w.proc.ConfigureCmd(mergedEnv)
	if err := w.proc.TryStart(cmd); err != nil {
		w.mu.Lock()
		w.state = Crashed
		w.mu.Unlock()
		metrics.RecordStateTransition(w.spec.Name, "stopped", "crashed")
		return fmt.Errorf("orchestrator: spawn %s: %w", w.spec.Name, err)
	}

	if w.spec.Heartbeat.Enabled {
		touchHeartbeat(heartbeatPath(w.spec))
	}

	go w.proc.Reap()

	w.mu.Lock()
	w.state = Running
	w.pauseReason = PauseNone
	w.runningSince = time.Now()
	w.mu.Unlock()

	metrics.IncStart(w.spec.Name)
	metrics.SetCurrentState(w.spec.Name, string(Running), true)
	o.logger.Info("worker started", "name", w.spec.Name, "pid", cmd.Process.Pid)
	return nil
}

// StopAll stops every running worker, escalating to kill after grace.
// Guarantees no live children on return.
func (o *Orchestrator) StopAll(grace time.Duration) {
	if grace <= 0 {
		grace = o.cfg.StopGrace
	}
	var wg sync.WaitGroup
	for _, name := range o.registrationOrder() {
		w, err := o.lookup(name)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			o.stopWorker(w, grace)
		}(w)
	}
	wg.Wait()
}

func (o *Orchestrator) stopWorker(w *worker, grace time.Duration) {
	_ = w.submit(func() error {
		w.mu.Lock()
		state := w.state
		w.mu.Unlock()
		if state != Running && state != Paused {
			return nil
		}
		if state == Paused {
			_ = w.proc.Resume()
		}
		if err := w.proc.Stop(grace); err != nil {
			o.logger.Warn("worker stop returned error", "name", w.spec.Name, "error", err)
		}
		w.mu.Lock()
		w.state = Stopped
		w.mu.Unlock()
		metrics.IncStop(w.spec.Name)
		metrics.SetCurrentState(w.spec.Name, string(Stopped), true)
		o.logger.Info("worker stopped", "name", w.spec.Name)
		return nil
	})
}

// Pause sends a job-control stop signal to the named worker.
func (o *Orchestrator) Pause(name string) error {
	w, err := o.lookup(name)
	if err != nil {
		return err
	}
	return o.pauseWorker(w, PauseManual)
}

func (o *Orchestrator) pauseWorker(w *worker, reason PauseReason) error {
	return w.submit(func() error {
		w.mu.Lock()
		if w.state == Paused {
			w.mu.Unlock()
			return nil // idempotent
		}
		if w.state != Running {
			w.mu.Unlock()
			return fmt.Errorf("%w: %s is not running", ErrInvalidState, w.spec.Name)
		}
		w.mu.Unlock()

		if err := w.proc.Pause(); err != nil {
			return fmt.Errorf("orchestrator: pause %s: %w", w.spec.Name, err)
		}
		w.mu.Lock()
		w.state = Paused
		w.pauseReason = reason
		w.mu.Unlock()
		metrics.SetCurrentState(w.spec.Name, string(Paused), true)
		return nil
	})
}

// Resume sends a job-control continue signal to the named worker.
func (o *Orchestrator) Resume(name string) error {
	w, err := o.lookup(name)
	if err != nil {
		return err
	}
	return o.resumeWorker(w)
}

func (o *Orchestrator) resumeWorker(w *worker) error {
	return w.submit(func() error {
		w.mu.Lock()
		if w.state == Running {
			w.mu.Unlock()
			return nil // idempotent
		}
		if w.state != Paused {
			w.mu.Unlock()
			return fmt.Errorf("%w: %s is not paused", ErrInvalidState, w.spec.Name)
		}
		w.mu.Unlock()

		if err := w.proc.Resume(); err != nil {
			return fmt.Errorf("orchestrator: resume %s: %w", w.spec.Name, err)
		}
		w.mu.Lock()
		w.state = Running
		w.pauseReason = PauseNone
		w.mu.Unlock()
		metrics.SetCurrentState(w.spec.Name, string(Running), true)
		return nil
	})
}

// IsAlive reports whether the named worker's process is currently alive.
func (o *Orchestrator) IsAlive(name string) (bool, error) {
	w, err := o.lookup(name)
	if err != nil {
		return false, err
	}
	alive, _ := w.proc.DetectAlive()
	return alive, nil
}

// OnOverheat pauses every non-essential worker that is currently running,
// in registration order. Idempotent; workers already paused (for any
// reason) are left untouched.
func (o *Orchestrator) OnOverheat() {
	for _, name := range o.registrationOrder() {
		w, err := o.lookup(name)
		if err != nil || w.spec.Essential {
			continue
		}
		if err := o.pauseWorker(w, PauseOverheat); err != nil {
			o.logger.Warn("overheat pause failed", "name", name, "error", err)
		}
	}
}

// OnRecover resumes every worker that OnOverheat paused. Workers paused
// manually via the admin API are left alone.
func (o *Orchestrator) OnRecover() {
	for _, name := range o.registrationOrder() {
		w, err := o.lookup(name)
		if err != nil {
			continue
		}
		w.mu.Lock()
		shouldResume := w.state == Paused && w.pauseReason == PauseOverheat
		w.mu.Unlock()
		if !shouldResume {
			continue
		}
		if err := o.resumeWorker(w); err != nil {
			o.logger.Warn("overheat recover failed", "name", name, "error", err)
		}
	}
}

// StartWatchdog launches the watchdog goroutine. Stop via StopWatchdog.
func (o *Orchestrator) StartWatchdog(ctx context.Context) {
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	go o.watchdogLoop(ctx)
}

// StopWatchdog halts the watchdog goroutine. Idempotent.
func (o *Orchestrator) StopWatchdog() {
	if o.stopCh == nil {
		return
	}
	close(o.stopCh)
	<-o.doneCh
	o.stopCh = nil
}

func (o *Orchestrator) watchdogLoop(ctx context.Context) {
	defer close(o.doneCh)
	ticker := time.NewTicker(o.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.watchdogTick()
		}
	}
}

func (o *Orchestrator) watchdogTick() {
	for _, name := range o.registrationOrder() {
		w, err := o.lookup(name)
		if err != nil {
			continue
		}
		o.checkWorker(w)
	}
}

func (o *Orchestrator) checkWorker(w *worker) {
	w.mu.Lock()
	state := w.state
	runningSince := w.runningSince
	w.mu.Unlock()

	if state == Paused || state == Stopped || state == GaveUp {
		return
	}

	alive, _ := w.proc.DetectAlive()
	zombie := alive && w.spec.Heartbeat.Enabled && heartbeatStale(w.spec, w.cfg())
	if alive && !zombie {
		if w.restartCount > 0 && time.Since(runningSince) >= o.cfg.StabilityWindow {
			w.mu.Lock()
			w.restartCount = 0
			w.mu.Unlock()
		}
		return
	}

	if zombie {
		o.logger.Warn("worker heartbeat stale, treating as zombie", "name", w.spec.Name)
		_ = w.proc.Kill()
	}

	w.mu.Lock()
	w.restartCount++
	count := w.restartCount
	w.mu.Unlock()

	metrics.IncRestart(w.spec.Name)

	if count > o.cfg.MaxRestarts {
		w.mu.Lock()
		w.state = GaveUp
		w.mu.Unlock()
		metrics.IncGaveUp(w.spec.Name)
		metrics.SetCurrentState(w.spec.Name, string(GaveUp), true)
		o.logger.Error("worker exceeded restart ceiling, giving up", "name", w.spec.Name, "restart_count", count, "max_restarts", o.cfg.MaxRestarts)
		o.mu.Lock()
		sink := o.sink
		o.mu.Unlock()
		if sink != nil {
			sink.SendEvent("worker_gave_up", map[string]any{"worker": w.spec.Name, "restart_count": count})
		}
		return
	}

	w.mu.Lock()
	w.state = Crashed
	w.mu.Unlock()
	metrics.SetCurrentState(w.spec.Name, string(Crashed), true)
	o.logger.Warn("worker crashed, restarting", "name", w.spec.Name, "restart_count", count)

	if err := o.startWorker(w); err != nil {
		o.logger.Error("watchdog restart failed", "name", w.spec.Name, "error", err)
	}
}

// workerConfig exposes the orchestrator's heartbeat staleness setting to
// the worker's heartbeat check without the worker depending on Config.
type workerConfig struct {
	stale time.Duration
}

func (w *worker) cfg() workerConfig {
	stale := w.spec.Heartbeat.Stale
	if stale <= 0 {
		stale = 30 * time.Second
	}
	return workerConfig{stale: stale}
}

func heartbeatPath(spec WorkerSpec) string {
	dir := spec.Heartbeat.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	return fmt.Sprintf("%s/%s.heartbeat", dir, spec.Name)
}

func touchHeartbeat(path string) {
	f, err := os.Create(path) // #nosec G304 -- path derived from configured heartbeat dir and worker name
	if err != nil {
		return
	}
	_ = f.Close()
}

func heartbeatStale(spec WorkerSpec, cfg workerConfig) bool {
	info, err := os.Stat(heartbeatPath(spec))
	if err != nil {
		return false // no heartbeat file yet; do not treat as stale
	}
	return time.Since(info.ModTime()) > cfg.stale
}

func (o *Orchestrator) lookup(name string) (*worker, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	return w, nil
}

func (o *Orchestrator) registrationOrder() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

// Snapshot describes one worker's externally visible status.
type Snapshot struct {
	Name         string
	State        State
	Essential    bool
	RestartCount int
	PID          int
}

// Status returns a point-in-time snapshot of every registered worker.
func (o *Orchestrator) Status() []Snapshot {
	var out []Snapshot
	for _, name := range o.registrationOrder() {
		w, err := o.lookup(name)
		if err != nil {
			continue
		}
		w.mu.Lock()
		snap := Snapshot{
			Name:         w.spec.Name,
			State:        w.state,
			Essential:    w.spec.Essential,
			RestartCount: w.restartCount,
		}
		w.mu.Unlock()
		ps := w.proc.Snapshot()
		snap.PID = ps.PID
		out = append(out, snap)
	}
	return out
}
