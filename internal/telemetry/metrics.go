package telemetry

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "flowstate"

// Metrics collects Prometheus metrics for coordination operations. Each
// short-lived process owns its own registry and exports a textfile on
// request; there is no scrape endpoint because there is no daemon.
type Metrics struct {
	registry *prometheus.Registry

	opsTotal     *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	lockWait     *prometheus.HistogramVec
	lockReclaims prometheus.Counter
	backupCount  prometheus.Gauge
	signalsTotal *prometheus.CounterVec
}

// NewMetrics creates a collector with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		opsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total coordination operations by outcome",
			},
			[]string{"op", "status"},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of coordination operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		lockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for lock acquisition",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"resource"},
		),
		lockReclaims: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_stale_reclaims_total",
				Help:      "Stale lock records reclaimed from dead holders",
			},
		),
		backupCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backups",
				Help:      "Backups currently retained",
			},
		),
		signalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_emitted_total",
				Help:      "Signals emitted by name",
			},
			[]string{"name"},
		),
	}
	m.registry.MustRegister(
		m.opsTotal, m.opDuration, m.lockWait,
		m.lockReclaims, m.backupCount, m.signalsTotal,
	)
	return m
}

// ObserveOp records one operation outcome and duration.
func (m *Metrics) ObserveOp(op string, err error, elapsed time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.opsTotal.WithLabelValues(op, status).Inc()
	m.opDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveLockWait records how long an acquisition waited.
func (m *Metrics) ObserveLockWait(resource string, elapsed time.Duration) {
	m.lockWait.WithLabelValues(resource).Observe(elapsed.Seconds())
}

// LockReclaimed counts a stale-lock reclamation.
func (m *Metrics) LockReclaimed() { m.lockReclaims.Inc() }

// SetBackupCount records the retained backup count.
func (m *Metrics) SetBackupCount(n int) { m.backupCount.Set(float64(n)) }

// SignalEmitted counts an emission by name.
func (m *Metrics) SignalEmitted(name string) {
	m.signalsTotal.WithLabelValues(name).Inc()
}

// WriteTextfile renders the registry in Prometheus text format to path,
// for collection via a textfile scraper.
func (m *Metrics) WriteTextfile(path string) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("metrics: encode: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}
