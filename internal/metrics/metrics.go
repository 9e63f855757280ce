package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace is shared by every collector registered by this package.
const namespace = "sentryd"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of watchdog-driven restarts.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	processStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "start_duration_seconds",
			Help:      "Observed start duration wait window when StartDuration > 0.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	runningInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "running_instances",
			Help:      "Current running instances per worker name.",
		}, []string{"base"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different worker states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "current_state",
			Help:      "Current state of workers (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	gaveUpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "gave_up_total",
			Help:      "Number of workers that reached the restart ceiling and stopped being retried.",
		}, []string{"name"},
	)

	hostCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "host", Name: "cpu_percent",
		Help: "Most recent host CPU utilization percentage.",
	})
	hostMemPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "host", Name: "memory_percent",
		Help: "Most recent host memory utilization percentage.",
	})
	hostDiskPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "host", Name: "disk_percent",
		Help: "Most recent host disk utilization percentage.",
	})
	hostTempC = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "host", Name: "temperature_celsius",
		Help: "Most recent host thermal sensor reading in Celsius.",
	})
	overheating = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "host", Name: "overheating",
		Help: "1 when the overheat latch is engaged, 0 otherwise.",
	})

	telemetrySent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "telemetry", Name: "sent_total",
		Help: "Payloads successfully delivered to the telemetry endpoint.",
	})
	telemetrySpilled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "telemetry", Name: "spilled_total",
		Help: "Payloads that could not be sent directly and were written to the persistent queue.",
	})
	telemetryFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "telemetry", Name: "flushed_total",
		Help: "Payloads removed from the persistent queue after a successful flush send.",
	})
	telemetryQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "telemetry", Name: "queue_depth",
		Help: "Current number of rows held in the persistent queue.",
	})
	telemetryQueueEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "telemetry", Name: "queue_evicted_total",
		Help: "Rows dropped from the persistent queue by the retention cap.",
	})

	breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "breaker", Name: "state",
		Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open.",
	})
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processRestarts, processStops, processStartDuration,
		runningInstances, stateTransitions, currentStates, gaveUpTotal,
		hostCPUPercent, hostMemPercent, hostDiskPercent, hostTempC, overheating,
		telemetrySent, telemetrySpilled, telemetryFlushed, telemetryQueueDepth, telemetryQueueEvicted,
		breakerState,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}
func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}
func ObserveStartDuration(name string, seconds float64) {
	if regOK.Load() {
		processStartDuration.WithLabelValues(name).Observe(seconds)
	}
}
func SetRunningInstances(base string, n int) {
	if regOK.Load() {
		runningInstances.WithLabelValues(base).Set(float64(n))
	}
}
func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}
func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}
func IncGaveUp(name string) {
	if regOK.Load() {
		gaveUpTotal.WithLabelValues(name).Inc()
	}
}

func SetHostVitals(cpuPct, memPct, diskPct float64, tempC *float64) {
	if !regOK.Load() {
		return
	}
	hostCPUPercent.Set(cpuPct)
	hostMemPercent.Set(memPct)
	hostDiskPercent.Set(diskPct)
	if tempC != nil {
		hostTempC.Set(*tempC)
	}
}

func SetOverheating(v bool) {
	if regOK.Load() {
		if v {
			overheating.Set(1)
		} else {
			overheating.Set(0)
		}
	}
}

func IncTelemetrySent()    { incIfReg(telemetrySent) }
func IncTelemetrySpilled() { incIfReg(telemetrySpilled) }
func IncTelemetryFlushed() { incIfReg(telemetryFlushed) }
func IncQueueEvicted(n int) {
	if regOK.Load() && n > 0 {
		telemetryQueueEvicted.Add(float64(n))
	}
}
func SetQueueDepth(n int) {
	if regOK.Load() {
		telemetryQueueDepth.Set(float64(n))
	}
}

func incIfReg(c prometheus.Counter) {
	if regOK.Load() {
		c.Inc()
	}
}

// BreakerState values mirror the gobreaker state ordinal used by the breaker package.
func SetBreakerState(state int) {
	if regOK.Load() {
		breakerState.Set(float64(state))
	}
}
