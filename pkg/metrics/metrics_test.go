package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/ffbatch/pkg/credentials"
	"github.com/psantana5/ffbatch/pkg/models"
	"github.com/psantana5/ffbatch/pkg/progress"
	"github.com/psantana5/ffbatch/pkg/store"
)

func TestTaskEvents(t *testing.T) {
	m := New()
	start := time.Now()
	end := start.Add(3 * time.Second)

	events := []store.Event{
		{Task: models.VideoTask{Status: models.TaskStatusCompleted, StartedAt: &start, CompletedAt: &end}, Previous: models.TaskStatusRunning},
		{Task: models.VideoTask{Status: models.TaskStatusFailed, LastError: models.NewTaskError(models.ErrorUnsupportedInput, "x")}, Previous: models.TaskStatusRunning},
		{Task: models.VideoTask{Status: models.TaskStatusPending}, Previous: models.TaskStatusRunning},
		{Task: models.VideoTask{Status: models.TaskStatusPending}},
		{Task: models.VideoTask{Status: models.TaskStatusCancelled}, Previous: models.TaskStatusPending},
	}
	for _, ev := range events {
		m.OnTaskEvent(ev)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksFinished.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksFinished.WithLabelValues("cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskFailures.WithLabelValues("unsupported_input")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskRetries))
	assert.Equal(t, 1, testutil.CollectAndCount(m.taskDuration))
}

func TestCredentialStatusIsOneHot(t *testing.T) {
	m := New()
	reg := credentials.NewRegistry(credentials.DefaultConfig(), nil)
	reg.Subscribe(m.OnCredentialEvent)

	c, err := reg.Register("key-aaaaaaaaaa", "")
	require.NoError(t, err)
	_, err = reg.ReportOutcome(c.ID, models.OutcomeSuccess)
	require.NoError(t, err)
	_, err = reg.ReportOutcome(c.ID, models.OutcomeQuotaExhausted)
	require.NoError(t, err)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.credentialStatus.WithLabelValues(c.ID, "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.credentialStatus.WithLabelValues(c.ID, "quota_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.credentialUsed.WithLabelValues(c.ID)))
}

func TestWatchProgressAndHandler(t *testing.T) {
	m := New()
	require.NoError(t, m.WatchProgress(func() progress.Snapshot {
		return progress.Snapshot{TotalTasks: 6, Pending: 2, ThroughputPerMinute: 1.5, ETA: 90 * time.Second}
	}))
	m.SetWorkers(2)
	m.SetStalled(true)
	m.CheckpointSaved(models.CheckpointPause)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, want := range []string{
		"ffbatch_eta_seconds 90",
		"ffbatch_throughput_per_minute 1.5",
		"ffbatch_tasks_total 6",
		"ffbatch_workers 2",
		"ffbatch_batch_stalled 1",
		`ffbatch_checkpoints_total{reason="pause"} 1`,
	} {
		assert.True(t, strings.Contains(body, want), "missing %q", want)
	}
}

func TestHostCollector(t *testing.T) {
	c := NewHostCollector()
	c.readCPU = func() (float64, error) { return 42, nil }
	c.readMem = func() (uint64, uint64, error) { return 0, 0, errors.New("unavailable") }

	// cpu usage and cores; memory skipped
	assert.Equal(t, 2, testutil.CollectAndCount(c))

	m := New()
	require.NoError(t, m.Register(c))
	assert.Error(t, m.Register(c), "duplicate registration")
}

func TestHTTPMiddlewareUsesRouteTemplate(t *testing.T) {
	m := New()
	h := NewHTTPMetrics(m)

	r := mux.NewRouter()
	r.Use(h.Middleware)
	r.HandleFunc("/batches/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("ok"))
	}).Methods(http.MethodPost)

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/batches/"+id, nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(h.requests.WithLabelValues("POST", "/batches/{id}", "202")))
	assert.Equal(t, 4.0, testutil.ToFloat64(h.sent.WithLabelValues("POST", "/batches/{id}")))
}

func TestDumpWritesTextFormat(t *testing.T) {
	m := New()
	m.SetWorkers(3)

	var buf strings.Builder
	require.NoError(t, m.WriteText(&buf))
	assert.Contains(t, buf.String(), "# TYPE ffbatch_workers gauge")
	assert.Contains(t, buf.String(), "ffbatch_workers 3")

	path := filepath.Join(t.TempDir(), "batch-1", "metrics.prom")
	require.NoError(t, m.Dump(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ffbatch_workers 3")
}
