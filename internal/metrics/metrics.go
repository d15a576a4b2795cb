package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayshell",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Number of messages published on the event bus.",
		}, []string{"topic"},
	)
	workerSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayshell",
			Subsystem: "worker",
			Name:      "spawns_total",
			Help:      "Number of worker processes started.",
		}, []string{"mode"},
	)
	workerSpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayshell",
			Subsystem: "worker",
			Name:      "spawn_failures_total",
			Help:      "Number of worker starts that failed before the process ran.",
		}, []string{"mode"},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayshell",
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Number of managed worker exits by outcome.",
		}, []string{"outcome"},
	)
	workerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayshell",
			Subsystem: "worker",
			Name:      "running",
			Help:      "1 while a managed worker occupies the slot.",
		},
	)
	oneShotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayshell",
			Subsystem: "worker",
			Name:      "oneshot_duration_seconds",
			Help:      "Wall time of one-shot worker invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"},
	)
	transfersFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayshell",
			Subsystem: "transfer",
			Name:      "files_total",
			Help:      "Number of files finished by direction and status.",
		}, []string{"direction", "status"},
	)
	transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayshell",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Bytes of successfully transferred files.",
		}, []string{"direction"},
	)
	provisionInstalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayshell",
			Subsystem: "provision",
			Name:      "installs_total",
			Help:      "Number of runtime bundle (re)installs.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		eventsPublished, workerSpawns, workerSpawnFailures, workerExits, workerRunning,
		oneShotDuration, transfersFinished, transferBytes, provisionInstalls,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncEvent(topic string) {
	if regOK.Load() {
		eventsPublished.WithLabelValues(topic).Inc()
	}
}

func IncSpawn(mode string) {
	if regOK.Load() {
		workerSpawns.WithLabelValues(mode).Inc()
	}
}

func IncSpawnFailure(mode string) {
	if regOK.Load() {
		workerSpawnFailures.WithLabelValues(mode).Inc()
	}
}

func IncExit(outcome string) {
	if regOK.Load() {
		workerExits.WithLabelValues(outcome).Inc()
	}
}

func SetWorkerRunning(running bool) {
	if regOK.Load() {
		var v float64
		if running {
			v = 1
		}
		workerRunning.Set(v)
	}
}

func ObserveOneShot(command string, seconds float64) {
	if regOK.Load() {
		oneShotDuration.WithLabelValues(command).Observe(seconds)
	}
}

func IncTransfer(direction, status string) {
	if regOK.Load() {
		transfersFinished.WithLabelValues(direction, status).Inc()
	}
}

func AddTransferBytes(direction string, n int64) {
	if regOK.Load() && n > 0 {
		transferBytes.WithLabelValues(direction).Add(float64(n))
	}
}

func IncProvisionInstall() {
	if regOK.Load() {
		provisionInstalls.Inc()
	}
}
