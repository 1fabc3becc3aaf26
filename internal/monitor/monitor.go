// Package monitor instruments named operations: per-operation latency and
// failure records, slow-call alerts, and Prometheus export.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hotfetch/hotfetch/pkg/errors"
)

// Operation is any instrumentable unit of work.
type Operation func(ctx context.Context) (interface{}, error)

// Config configures a Monitor.
type Config struct {
	// SlowThreshold marks calls slower than this as slow and emits an
	// alert. Zero disables slow-call detection.
	SlowThreshold time.Duration `yaml:"slow_threshold"`

	// MetricsEnabled turns on the Prometheus registry and export.
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPort    int    `yaml:"metrics_port"`
	MetricsPath    string `yaml:"metrics_path"`
	Namespace      string `yaml:"namespace"`
}

// Record accumulates observations for one named operation.
type Record struct {
	Operation     string        `json:"operation"`
	Calls         uint64        `json:"calls"`
	Failures      uint64        `json:"failures"`
	SlowCalls     uint64        `json:"slow_calls"`
	TotalDuration time.Duration `json:"total_duration"`
	LastDuration  time.Duration `json:"last_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
}

// AvgDuration is TotalDuration over Calls.
func (r Record) AvgDuration() time.Duration {
	if r.Calls == 0 {
		return 0
	}
	return r.TotalDuration / time.Duration(r.Calls)
}

// SlowAlert describes one call that exceeded the slow threshold.
type SlowAlert struct {
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	Threshold time.Duration `json:"threshold"`
	At        time.Time     `json:"at"`
}

// AlertFunc receives slow-call alerts synchronously.
type AlertFunc func(SlowAlert)

// Monitor wraps operations with timing, failure accounting, slow-call
// detection, and optional Prometheus export. Purely observational: it never
// alters results or errors.
type Monitor struct {
	config Config
	logger log.Interface

	mu        sync.Mutex
	records   map[string]*Record
	callbacks []AlertFunc

	alerts chan SlowAlert

	registry          *prometheus.Registry
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	slowCounter       *prometheus.CounterVec

	server *http.Server
}

// New creates a monitor. With MetricsEnabled, Prometheus collectors are
// registered on a private registry served by Serve.
func New(config Config) (*Monitor, error) {
	if config.SlowThreshold < 0 {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "slow_threshold must not be negative").
			WithComponent("monitor")
	}
	if config.Namespace == "" {
		config.Namespace = "hotfetch"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	m := &Monitor{
		config:  config,
		logger:  log.WithField("component", "monitor"),
		records: make(map[string]*Record),
		alerts:  make(chan SlowAlert, 64),
	}

	if config.MetricsEnabled {
		m.registry = prometheus.NewRegistry()
		m.operationCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "operations_total",
				Help:      "Total operations by name and status",
			},
			[]string{"operation", "status"},
		)
		m.operationDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "operation_duration_seconds",
				Help:      "Operation latency distribution",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			},
			[]string{"operation"},
		)
		m.slowCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "slow_operations_total",
				Help:      "Operations exceeding the slow threshold",
			},
			[]string{"operation"},
		)
		for _, c := range []prometheus.Collector{m.operationCounter, m.operationDuration, m.slowCounter} {
			if err := m.registry.Register(c); err != nil {
				return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to register metrics", err).
					WithComponent("monitor")
			}
		}
	}

	return m, nil
}

// Wrap returns op instrumented under the given name.
func (m *Monitor) Wrap(name string, op Operation) Operation {
	return func(ctx context.Context) (interface{}, error) {
		start := time.Now()
		value, err := op(ctx)
		m.Observe(name, time.Since(start), err)
		return value, err
	}
}

// Observe records one completed call directly, for callers that time
// themselves.
func (m *Monitor) Observe(name string, duration time.Duration, err error) {
	slow := m.config.SlowThreshold > 0 && duration > m.config.SlowThreshold

	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok {
		rec = &Record{Operation: name}
		m.records[name] = rec
	}
	rec.Calls++
	rec.TotalDuration += duration
	rec.LastDuration = duration
	if err != nil {
		rec.Failures++
	}
	if slow {
		rec.SlowCalls++
	}
	if rec.MinDuration == 0 || duration < rec.MinDuration {
		rec.MinDuration = duration
	}
	if duration > rec.MaxDuration {
		rec.MaxDuration = duration
	}
	callbacks := m.callbacks
	m.mu.Unlock()

	if m.registry != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		m.operationCounter.With(prometheus.Labels{"operation": name, "status": status}).Inc()
		m.operationDuration.With(prometheus.Labels{"operation": name}).Observe(duration.Seconds())
		if slow {
			m.slowCounter.With(prometheus.Labels{"operation": name}).Inc()
		}
	}

	if slow {
		alert := SlowAlert{
			Operation: name,
			Duration:  duration,
			Threshold: m.config.SlowThreshold,
			At:        time.Now(),
		}
		m.logger.WithFields(log.Fields{
			"operation": name,
			"duration":  duration.String(),
			"threshold": m.config.SlowThreshold.String(),
		}).Warn("slow operation")
		// Never block the instrumented path on a full alert channel.
		select {
		case m.alerts <- alert:
		default:
		}
		for _, cb := range callbacks {
			cb(alert)
		}
	}
}

// OnSlowCall registers a synchronous slow-call callback.
func (m *Monitor) OnSlowCall(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Alerts exposes the buffered slow-call alert stream. Alerts are dropped,
// not queued, when the channel is full.
func (m *Monitor) Alerts() <-chan SlowAlert {
	return m.alerts
}

// Summary returns a snapshot of every operation record.
func (m *Monitor) Summary() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Record, len(m.records))
	for name, rec := range m.records {
		out[name] = *rec
	}
	return out
}

// RecordFor returns the snapshot for one operation.
func (m *Monitor) RecordFor(name string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Reset clears all operation records. Prometheus counters are cumulative and
// are left untouched.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*Record)
}

// Serve exposes the Prometheus registry over HTTP until Stop is called.
func (m *Monitor) Serve() error {
	if m.registry == nil {
		return errors.New(errors.ErrCodeInvalidConfig, "metrics are not enabled").
			WithComponent("monitor").WithOp("serve")
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.MetricsPath, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.mu.Lock()
	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.config.MetricsPort),
		Handler: mux,
	}
	server := m.server
	m.mu.Unlock()

	m.logger.WithField("addr", server.Addr).Info("metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(errors.ErrCodeNetworkError, "metrics server failed", err).
			WithComponent("monitor").WithOp("serve")
	}
	return nil
}

// Stop shuts down the metrics endpoint, if serving.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
