// Package supervisor wires the orchestrator, health monitor, and
// telemetry client together and owns the process-wide startup and
// shutdown sequence.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrel-edge/sentryd/internal/breaker"
	"github.com/kestrel-edge/sentryd/internal/config"
	"github.com/kestrel-edge/sentryd/internal/env"
	"github.com/kestrel-edge/sentryd/internal/health"
	"github.com/kestrel-edge/sentryd/internal/metrics"
	"github.com/kestrel-edge/sentryd/internal/orchestrator"
	"github.com/kestrel-edge/sentryd/internal/server"
	"github.com/kestrel-edge/sentryd/internal/telemetry"
)

// Supervisor owns the top-level lifecycle: it constructs every component
// in the documented startup order and tears them down in strict reverse.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	telemetryClient *telemetry.Client
	breaker         *breaker.Breaker
	orch            *orchestrator.Orchestrator
	healthMonitor   *health.Monitor
	adminServer     *http.Server

	shutdown chan struct{}
}

// New constructs a Supervisor from configuration. It performs no I/O and
// starts nothing; call Run to start and block until shutdown.
func New(cfg *config.Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, logger: logger, shutdown: make(chan struct{})}
}

// Run executes the full startup sequence, blocks until a shutdown signal
// is received or ctx is cancelled, then executes the shutdown sequence.
// It returns the process exit code per the documented exit-code contract.
func (s *Supervisor) Run(ctx context.Context) int {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		s.logger.Error("failed to register metrics", "error", err)
		return 2
	}

	telemetryClient, err := telemetry.New(telemetry.Config{
		DeviceID:                s.cfg.DeviceID,
		Endpoint:                s.cfg.TelemetryEndpoint,
		FlushInterval:           s.cfg.FlushInterval,
		RetryMaxAttempts:        s.cfg.RetryMaxAttempts,
		RetryInitialDelay:       s.cfg.RetryInitialDelay,
		CircuitFailureThreshold: s.cfg.CircuitFailureThreshold,
		CircuitTimeout:          s.cfg.CircuitTimeout,
		QueueMaxRows:            s.cfg.QueueMaxRows,
		QueuePath:               filepath.Join(s.cfg.DataDir, "telemetry.db"),
	}, s.logger)
	if err != nil {
		s.logger.Error("failed to construct telemetry client", "error", err)
		return 2
	}
	s.telemetryClient = telemetryClient

	s.breaker = breaker.New(breaker.Config{
		Name:             "telemetry",
		FailureThreshold: s.cfg.CircuitFailureThreshold,
		Timeout:          s.cfg.CircuitTimeout,
	})

	s.orch = orchestrator.New(orchestrator.Config{
		WatchdogInterval: s.cfg.WatchdogInterval,
		MaxRestarts:      s.cfg.MaxRestarts,
		StabilityWindow:  s.cfg.StabilityWindow,
	}, env.New(), s.logger)
	s.orch.SetTelemetrySink(telemetryClient)

	// Heartbeats go out at most once per HeartbeatInterval; the callback
	// only ever runs on the health monitor's goroutine.
	var lastHeartbeat time.Time
	onSample := func(sample health.Sample) {
		if !lastHeartbeat.IsZero() && sample.Timestamp.Sub(lastHeartbeat) < s.cfg.HeartbeatInterval {
			return
		}
		lastHeartbeat = sample.Timestamp
		s.emitHeartbeat(sample)
	}

	s.healthMonitor = health.New(health.Config{
		Interval:        s.cfg.HealthInterval,
		TempThreshold:   s.cfg.TempThreshold,
		CPUThreshold:    s.cfg.CPUThreshold,
		MemoryThreshold: s.cfg.MemoryThreshold,
	}, health.NewSampler("/", s.logger), health.Callbacks{
		OnOverheat: s.orch.OnOverheat,
		OnRecover:  s.orch.OnRecover,
		OnSample:   onSample,
	}, telemetryClient, s.logger)

	for _, w := range s.cfg.Workers {
		if err := s.orch.Register(orchestrator.WorkerSpec{
			Name:      w.Name,
			Command:   w.Command,
			Essential: w.Essential,
		}); err != nil {
			s.logger.Error("failed to register worker", "name", w.Name, "error", err)
			return 1
		}
	}

	telemetryClient.Start(ctx)
	s.orch.StartWatchdog(ctx)
	if err := s.orch.StartAll(); err != nil {
		s.logger.Error("failed to start workers", "error", err)
	}
	s.healthMonitor.Start(ctx)

	if s.cfg.AdminAddr != "" {
		adminServer, err := server.NewServer(s.cfg.AdminAddr, "", s.orch, s.breaker, telemetryClient)
		if err != nil {
			s.logger.Error("failed to start admin server", "error", err)
			return 2
		}
		s.adminServer = adminServer
		s.logger.Info("admin server listening", "addr", s.cfg.AdminAddr)
	}

	s.logger.Info("sentryd started", "device_id", s.cfg.DeviceID)

	s.waitForShutdown(ctx)
	s.shutdownSequence()
	return 0
}

func (s *Supervisor) emitHeartbeat(sample health.Sample) {
	body := map[string]any{
		"cpu_percent":  sample.CPUPercent,
		"mem_percent":  sample.MemPercent,
		"disk_percent": sample.DiskPercent,
	}
	if sample.TempC != nil {
		body["temperature_celsius"] = *sample.TempC
	}
	s.telemetryClient.Send(telemetry.Payload{
		ID:        fmt.Sprintf("%s-%d", s.cfg.DeviceID, sample.Timestamp.UnixNano()),
		Timestamp: sample.Timestamp,
		Kind:      "heartbeat",
		DeviceID:  s.cfg.DeviceID,
		Body:      body,
	})
}

// waitForShutdown installs SIGTERM/SIGINT handlers and blocks until one
// fires, ctx is cancelled, or Shutdown is called programmatically.
func (s *Supervisor) waitForShutdown(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	case <-s.shutdown:
		s.logger.Info("shutdown requested")
	}
}

// Shutdown requests the supervisor's shutdown sequence. Safe to call from
// any goroutine, any number of times.
func (s *Supervisor) Shutdown() {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
}

func (s *Supervisor) shutdownSequence() {
	if s.adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.adminServer.Shutdown(shutdownCtx)
		cancel()
	}
	s.orch.StopWatchdog()
	s.orch.StopAll(5 * time.Second)
	s.healthMonitor.Stop()
	if err := s.telemetryClient.Stop(context.Background()); err != nil {
		s.logger.Warn("telemetry client shutdown returned an error", "error", err)
	}
	s.logger.Info("sentryd shutdown complete")
}
