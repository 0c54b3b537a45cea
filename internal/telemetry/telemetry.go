package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const namespace = "fedprobe"

// Collector owns the probe metrics and the registry they are exported from.
type Collector struct {
	registry *prometheus.Registry

	probesTotal      *prometheus.CounterVec
	probeDuration    *prometheus.HistogramVec
	probeLastStatus  *prometheus.GaugeVec
	pollAttempts     *prometheus.HistogramVec
	apiCallsTotal    *prometheus.CounterVec
	apiLatency       *prometheus.HistogramVec
	destroyFailures  *prometheus.CounterVec
	commandsExecuted *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "total",
				Help:      "Probe invocations by site, VO and status",
			},
			[]string{"site", "vo", "status"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "duration_seconds",
				Help:      "Wall time of a probe invocation",
				Buckets:   prometheus.ExponentialBuckets(10, 2, 8), // 10s to ~21min
			},
			[]string{"site", "vo"},
		),
		probeLastStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "success",
				Help:      "Whether the last probe of a site/VO succeeded (1) or not (0)",
			},
			[]string{"site", "vo"},
		),
		pollAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "poll_attempts",
				Help:      "State queries needed before the VM was ready or the poll gave up",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
			[]string{"site", "vo"},
		),
		apiCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "im",
				Name:      "api_calls_total",
				Help:      "Infrastructure Manager API calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		apiLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "im",
				Name:      "api_latency_seconds",
				Help:      "Latency of Infrastructure Manager API calls",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
			},
			[]string{"operation"},
		),
		destroyFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "im",
				Name:      "destroy_failures_total",
				Help:      "Infrastructures that could not be destroyed",
			},
			[]string{"site", "vo"},
		),
		commandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ssh",
				Name:      "commands_total",
				Help:      "Validation commands executed over SSH by result",
			},
			[]string{"result"},
		),
	}
	c.registry.MustRegister(
		c.probesTotal,
		c.probeDuration,
		c.probeLastStatus,
		c.pollAttempts,
		c.apiCallsTotal,
		c.apiLatency,
		c.destroyFailures,
		c.commandsExecuted,
	)
	return c
}

// RecordProbe records the final status of one invocation.
func (c *Collector) RecordProbe(site, vo, status string, duration time.Duration, attempts int) {
	c.probesTotal.WithLabelValues(site, vo, status).Inc()
	c.probeDuration.WithLabelValues(site, vo).Observe(duration.Seconds())
	if attempts > 0 {
		c.pollAttempts.WithLabelValues(site, vo).Observe(float64(attempts))
	}
	if status == "success" {
		c.probeLastStatus.WithLabelValues(site, vo).Set(1)
	} else {
		c.probeLastStatus.WithLabelValues(site, vo).Set(0)
	}
}

// RecordAPICall records one Infrastructure Manager call.
func (c *Collector) RecordAPICall(operation string, err error, latency time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.apiCallsTotal.WithLabelValues(operation, result).Inc()
	c.apiLatency.WithLabelValues(operation).Observe(latency.Seconds())
}

// RecordDestroyFailure counts an infrastructure left behind.
func (c *Collector) RecordDestroyFailure(site, vo string) {
	c.destroyFailures.WithLabelValues(site, vo).Inc()
}

// RecordCommand counts an executed validation command.
func (c *Collector) RecordCommand(success bool) {
	if success {
		c.commandsExecuted.WithLabelValues("success").Inc()
		return
	}
	c.commandsExecuted.WithLabelValues("failure").Inc()
}

// WriteTextfile writes all metrics in the text exposition format, suitable for
// the node-exporter textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	log.Debug().Str("path", path).Msg("metrics textfile written")
	return nil
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal replaces the global collector with a fresh one.
func InitGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector()
	return globalCollector
}

// GetGlobal returns the global collector, creating it on first use.
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector()
	}
	return globalCollector
}
