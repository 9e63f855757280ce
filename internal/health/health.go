// Package health implements the periodic host-vitals sampler that drives
// thermal self-preservation: when the host overheats, non-essential
// workers are paused until it recovers.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/kestrel-edge/sentryd/internal/metrics"
)

// preferredSensors lists thermal zone names to try before falling back to
// the hottest reading across every exposed sensor. Grounded on the names
// the reference implementation special-cased for common edge hardware.
var preferredSensors = []string{"cpu_thermal", "thermal_zone0", "coretemp", "k10temp"}

// Sample is a single snapshot of host vitals. TempC is nil when the host
// exposes no thermal sensor.
type Sample struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
	TempC       *float64
	Timestamp   time.Time
}

// Sampler abstracts vitals collection so tests can substitute a fake.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// gopsutilSampler is the production Sampler, backed by gopsutil.
type gopsutilSampler struct {
	diskPath string

	warnOnce sync.Once
	logger   *slog.Logger
}

// NewSampler returns the default gopsutil-backed Sampler. diskPath is the
// mount point to report disk usage for (e.g. "/").
func NewSampler(diskPath string, logger *slog.Logger) Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &gopsutilSampler{diskPath: diskPath, logger: logger}
}

func (s *gopsutilSampler) Sample(ctx context.Context) (Sample, error) {
	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, err
	}
	var cpuPct float64
	if len(cpuPcts) > 0 {
		cpuPct = cpuPcts[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}

	du, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return Sample{}, err
	}

	temp := s.readTemperature(ctx)

	return Sample{
		CPUPercent:  cpuPct,
		MemPercent:  vm.UsedPercent,
		DiskPercent: du.UsedPercent,
		TempC:       temp,
		Timestamp:   time.Now(),
	}, nil
}

func (s *gopsutilSampler) readTemperature(ctx context.Context) *float64 {
	temps, err := sensors.TemperaturesWithContext(ctx)
	if err != nil || len(temps) == 0 {
		s.warnOnce.Do(func() {
			s.logger.Warn("no thermal sensors exposed by host; overheat detection disabled")
		})
		return nil
	}

	for _, name := range preferredSensors {
		for _, sensor := range temps {
			if sensor.SensorKey == name {
				t := sensor.Temperature
				return &t
			}
		}
	}

	var max float64
	found := false
	for _, sensor := range temps {
		if !found || sensor.Temperature > max {
			max = sensor.Temperature
			found = true
		}
	}
	if !found {
		return nil
	}
	return &max
}

// Callbacks lets the Monitor drive the orchestrator's thermal
// self-preservation behaviour without owning it.
type Callbacks struct {
	OnOverheat func()
	OnRecover  func()
	OnSample   func(Sample)      // optional: e.g. to enqueue telemetry events
	OnWarn     func(kind string) // optional: resource-pressure warnings
}

// TelemetrySink receives the overheat/recover/resource_pressure events a
// Monitor emits on state transitions. telemetry.Client satisfies this.
type TelemetrySink interface {
	SendEvent(kind string, body map[string]any)
}

// Config configures a Monitor.
type Config struct {
	Interval         time.Duration
	TempThreshold    float64
	CPUThreshold     float64
	MemoryThreshold  float64
	HysteresisMargin float64       // default 5.0
	WarnDebounce     time.Duration // default 60s
}

// Monitor periodically samples host vitals and evaluates the overheat
// hysteresis and resource-pressure thresholds described by Config.
type Monitor struct {
	cfg     Config
	sampler Sampler
	cb      Callbacks
	sink    TelemetrySink
	logger  *slog.Logger

	mu          sync.Mutex
	overheating bool
	lastWarnAt  time.Time
	latest      Sample

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Monitor. Unset Config fields take their documented
// defaults. sink may be nil, in which case state transitions are logged
// but no telemetry event is sent.
func New(cfg Config, sampler Sampler, cb Callbacks, sink TelemetrySink, logger *slog.Logger) *Monitor {
	if cfg.HysteresisMargin <= 0 {
		cfg.HysteresisMargin = 5.0
	}
	if cfg.WarnDebounce <= 0 {
		cfg.WarnDebounce = 60 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, sampler: sampler, cb: cb, sink: sink, logger: logger}
}

// Start launches the sampling loop. Safe to call once; a second call is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stop := m.stopCh
	done := m.doneCh
	m.mu.Unlock()

	go m.run(ctx, stop, done)
}

// Stop halts the sampling loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stopCh
	done := m.doneCh
	m.stopCh = nil
	m.doneCh = nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// LatestSample returns the most recent sample taken, zero-valued if none
// yet.
func (m *Monitor) LatestSample() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

func (m *Monitor) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health monitor callback panicked", "recovered", r)
		}
	}()

	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("health sample failed", "error", err)
		return
	}

	m.mu.Lock()
	m.latest = sample
	m.mu.Unlock()

	var tempForMetrics *float64
	if sample.TempC != nil {
		t := *sample.TempC
		tempForMetrics = &t
	}
	metrics.SetHostVitals(sample.CPUPercent, sample.MemPercent, sample.DiskPercent, tempForMetrics)

	if sample.TempC != nil {
		m.evaluateThermal(*sample.TempC)
	}
	m.evaluatePressure(sample)

	if m.cb.OnSample != nil {
		m.cb.OnSample(sample)
	}
}

func (m *Monitor) evaluateThermal(tempC float64) {
	m.mu.Lock()
	was := m.overheating
	m.mu.Unlock()

	switch {
	case !was && tempC >= m.cfg.TempThreshold:
		m.mu.Lock()
		m.overheating = true
		m.mu.Unlock()
		metrics.SetOverheating(true)
		m.logger.Warn("host overheating, pausing non-essential workers", "temp_c", tempC, "threshold_c", m.cfg.TempThreshold)
		if m.cb.OnOverheat != nil {
			m.cb.OnOverheat()
		}
		if m.sink != nil {
			m.sink.SendEvent("overheat", map[string]any{"temp_c": tempC, "threshold_c": m.cfg.TempThreshold})
		}
	case was && tempC <= m.cfg.TempThreshold-m.cfg.HysteresisMargin:
		m.mu.Lock()
		m.overheating = false
		m.mu.Unlock()
		metrics.SetOverheating(false)
		m.logger.Info("host recovered, resuming workers", "temp_c", tempC)
		if m.cb.OnRecover != nil {
			m.cb.OnRecover()
		}
		if m.sink != nil {
			m.sink.SendEvent("recover", map[string]any{"temp_c": tempC})
		}
	}
}

func (m *Monitor) evaluatePressure(s Sample) {
	over := s.CPUPercent > m.cfg.CPUThreshold || s.MemPercent > m.cfg.MemoryThreshold
	if !over {
		return
	}
	m.mu.Lock()
	since := time.Since(m.lastWarnAt)
	if since < m.cfg.WarnDebounce {
		m.mu.Unlock()
		return
	}
	m.lastWarnAt = time.Now()
	m.mu.Unlock()

	m.logger.Warn("resource pressure", "cpu_pct", s.CPUPercent, "mem_pct", s.MemPercent)
	if m.cb.OnWarn != nil {
		m.cb.OnWarn("resource_pressure")
	}
	if m.sink != nil {
		m.sink.SendEvent("resource_pressure", map[string]any{"cpu_pct": s.CPUPercent, "mem_pct": s.MemPercent})
	}
}

// Overheating reports the current state of the hysteresis latch.
func (m *Monitor) Overheating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overheating
}
