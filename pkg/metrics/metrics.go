package metrics

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/ffbatch/pkg/credentials"
	"github.com/psantana5/ffbatch/pkg/fsutil"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/progress"
	"github.com/psantana5/ffbatch/pkg/store"
)

const namespace = "ffbatch"

var credentialStatuses = []models.CredentialStatus{
	models.CredentialActive,
	models.CredentialQuotaExhausted,
	models.CredentialInvalid,
	models.CredentialCooldown,
}

// Metrics holds the batch collectors. Each instance owns its registry so
// several batches (or tests) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	tasksFinished    *prometheus.CounterVec
	taskFailures     *prometheus.CounterVec
	taskRetries      prometheus.Counter
	taskDuration     prometheus.Histogram
	credentialStatus *prometheus.GaugeVec
	credentialUsed   *prometheus.GaugeVec
	checkpoints      *prometheus.CounterVec
	workers          prometheus.Gauge
	stalled          prometheus.Gauge
}

// New creates the collectors and registers them together with the Go and
// process collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Tasks that reached a terminal state",
			},
			[]string{"status"},
		),
		taskFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_failures_total",
				Help:      "Permanently failed tasks by error kind",
			},
			[]string{"kind"},
		),
		taskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Tasks returned to pending after an attempt",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Processing time of completed tasks",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		credentialStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "credential_status",
				Help:      "1 for the current status of each credential",
			},
			[]string{"credential", "status"},
		),
		credentialUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "credential_requests_used",
				Help:      "Successful requests made with each credential",
			},
			[]string{"credential"},
		),
		checkpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_total",
				Help:      "Checkpoints written by reason",
			},
			[]string{"reason"},
		),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Workers currently bound to a credential",
		}),
		stalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_stalled",
			Help:      "1 while no credential is eligible and work remains",
		}),
	}

	m.registry.MustRegister(
		m.tasksFinished,
		m.taskFailures,
		m.taskRetries,
		m.taskDuration,
		m.credentialStatus,
		m.credentialUsed,
		m.checkpoints,
		m.workers,
		m.stalled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WriteText encodes every metric family in the Prometheus text format
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Dump writes the text exposition atomically to path, so the final numbers
// of a batch survive the process
func (m *Metrics) Dump(path string) error {
	var buf bytes.Buffer
	if err := m.WriteText(&buf); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// Register adds extra collectors such as the host collector
func (m *Metrics) Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// WatchProgress exports throughput, ETA and counts read from a progress
// monitor at scrape time
func (m *Metrics) WatchProgress(snapshot func() progress.Snapshot) error {
	gauge := func(name, help string, value func(progress.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return value(snapshot()) })
	}
	return m.Register(
		gauge("throughput_per_minute", "Completions per minute over the recent window",
			func(s progress.Snapshot) float64 { return s.ThroughputPerMinute }),
		gauge("eta_seconds", "Estimated seconds until every task is terminal",
			func(s progress.Snapshot) float64 { return s.ETA.Seconds() }),
		gauge("tasks_pending", "Pending tasks",
			func(s progress.Snapshot) float64 { return float64(s.Pending) }),
		gauge("tasks_running", "Running tasks",
			func(s progress.Snapshot) float64 { return float64(s.Running) }),
		gauge("tasks_total", "Tasks in the batch",
			func(s progress.Snapshot) float64 { return float64(s.TotalTasks) }),
	)
}

// OnTaskEvent is a store.Observer
func (m *Metrics) OnTaskEvent(ev store.Event) {
	if ev.Previous == "" {
		return
	}
	switch ev.Task.Status {
	case models.TaskStatusCompleted:
		m.tasksFinished.WithLabelValues(string(ev.Task.Status)).Inc()
		m.taskDuration.Observe(ev.Task.ProcessingTime().Seconds())
	case models.TaskStatusFailed:
		m.tasksFinished.WithLabelValues(string(ev.Task.Status)).Inc()
		kind := models.ErrorUnknown
		if ev.Task.LastError != nil {
			kind = ev.Task.LastError.Kind
		}
		m.taskFailures.WithLabelValues(string(kind)).Inc()
	case models.TaskStatusCancelled:
		m.tasksFinished.WithLabelValues(string(ev.Task.Status)).Inc()
	case models.TaskStatusPending:
		if ev.Previous == models.TaskStatusRunning {
			m.taskRetries.Inc()
		}
	}
}

// OnCredentialEvent is a credentials.Observer
func (m *Metrics) OnCredentialEvent(ev credentials.Event) {
	m.SetCredential(ev.Credential)
}

// SetCredential publishes the state of one credential
func (m *Metrics) SetCredential(c models.Credential) {
	for _, s := range credentialStatuses {
		v := 0.0
		if s == c.Status {
			v = 1
		}
		m.credentialStatus.WithLabelValues(c.ID, string(s)).Set(v)
	}
	m.credentialUsed.WithLabelValues(c.ID).Set(float64(c.RequestsUsed))
}

// CheckpointSaved counts one checkpoint
func (m *Metrics) CheckpointSaved(reason models.CheckpointReason) {
	m.checkpoints.WithLabelValues(string(reason)).Inc()
}

// SetWorkers publishes the pool size
func (m *Metrics) SetWorkers(n int) {
	m.workers.Set(float64(n))
}

// SetStalled publishes the stall flag
func (m *Metrics) SetStalled(stalled bool) {
	if stalled {
		m.stalled.Set(1)
		return
	}
	m.stalled.Set(0)
}
