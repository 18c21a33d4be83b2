package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

type stubAuditor struct {
	findings map[string][]string
	err      error
	calls    int
}

func (s *stubAuditor) AuditRoles(context.Context) (map[string][]string, error) {
	s.calls++
	return s.findings, s.err
}

type stubSeeder struct {
	overwrite []bool
	report    rbac.SeedReport
	err       error
}

func (s *stubSeeder) SeedDefaults(_ context.Context, overwrite bool) (rbac.SeedReport, error) {
	s.overwrite = append(s.overwrite, overwrite)
	return s.report, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTaskConstructors(t *testing.T) {
	task, err := NewCatalogAuditTask(CatalogAuditPayload{Reason: "cron"})
	require.NoError(t, err)
	assert.Equal(t, TaskCatalogAudit, task.Type())
	assert.JSONEq(t, `{"reason":"cron"}`, string(task.Payload()))

	task, err = NewSeedDefaultsTask(SeedDefaultsPayload{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, TaskSeedDefaults, task.Type())
	assert.JSONEq(t, `{"overwrite":true}`, string(task.Payload()))
}

func TestCatalogAuditPublishesFindings(t *testing.T) {
	auditor := &stubAuditor{findings: map[string][]string{
		"assistant": {"page::Legacy::Old", "action::gone"},
	}}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewCatalogAuditJob(auditor, quietLogger(), metrics)

	task, err := NewCatalogAuditTask(CatalogAuditPayload{Reason: "test"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 1, auditor.calls)
}

func TestCatalogAuditPropagatesStoreError(t *testing.T) {
	boom := errors.New("store down")
	job := NewCatalogAuditJob(&stubAuditor{err: boom}, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	err := job.Handle(context.Background(), asynq.NewTask(TaskCatalogAudit, nil))
	require.ErrorIs(t, err, boom)
}

func TestCatalogAuditRejectsMalformedPayload(t *testing.T) {
	auditor := &stubAuditor{}
	job := NewCatalogAuditJob(auditor, quietLogger(), nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskCatalogAudit, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Zero(t, auditor.calls)
}

func TestCatalogAuditRequiresAuditor(t *testing.T) {
	var job *CatalogAuditJob
	require.Error(t, job.Handle(context.Background(), asynq.NewTask(TaskCatalogAudit, nil)))
}

func TestSeedDefaultsPassesOverwrite(t *testing.T) {
	seeder := &stubSeeder{report: rbac.SeedReport{Written: []string{"admin"}}}
	job := NewSeedDefaultsJob(seeder, quietLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewSeedDefaultsTask(SeedDefaultsPayload{Overwrite: true})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	task, err = NewSeedDefaultsTask(SeedDefaultsPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, []bool{true, false}, seeder.overwrite)
}

func TestSeedDefaultsError(t *testing.T) {
	boom := errors.New("write failed")
	job := NewSeedDefaultsJob(&stubSeeder{err: boom}, quietLogger(), nil)
	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskSeedDefaults, nil)), boom)
}

func TestNewServeMuxSkipsIncompleteHandlers(t *testing.T) {
	var handled []string
	mux := NewServeMux([]TaskHandler{
		{Type: TaskCatalogAudit, Handler: func(_ context.Context, t *asynq.Task) error {
			handled = append(handled, t.Type())
			return nil
		}},
		{Type: "", Handler: func(context.Context, *asynq.Task) error { return nil }},
		{Type: TaskSeedDefaults},
	})

	require.NoError(t, mux.ProcessTask(context.Background(), asynq.NewTask(TaskCatalogAudit, nil)))
	assert.Equal(t, []string{TaskCatalogAudit}, handled)
	require.Error(t, mux.ProcessTask(context.Background(), asynq.NewTask(TaskSeedDefaults, nil)))
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, quietLogger()).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, QueueDefault, stats.Queue)
	assert.Zero(t, stats.Pending)
}

type recordingEnqueuer struct {
	tasks   []*asynq.Task
	options [][]asynq.Option
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	r.tasks = append(r.tasks, task)
	r.options = append(r.options, opts)
	return &asynq.TaskInfo{ID: "id", Type: task.Type(), Queue: QueueDefault}, nil
}

func (r *recordingEnqueuer) Close() error { return nil }

func TestClientEnqueueByName(t *testing.T) {
	enq := &recordingEnqueuer{}
	client := NewClientWith(enq)

	_, err := client.Enqueue(context.Background(), TaskCatalogAudit, true)
	require.NoError(t, err)
	_, err = client.Enqueue(context.Background(), TaskSeedDefaults, true)
	require.NoError(t, err)
	_, err = client.Enqueue(context.Background(), "authz:reindex", false)
	require.ErrorIs(t, err, ErrUnknownTask)

	require.Len(t, enq.tasks, 2)
	assert.JSONEq(t, `{"reason":"manual"}`, string(enq.tasks[0].Payload()))
	assert.JSONEq(t, `{"overwrite":true}`, string(enq.tasks[1].Payload()))
	assert.Len(t, enq.options[0], 2)
	assert.Len(t, enq.options[1], 3, "seed tasks are unique per minute")
	assert.NoError(t, client.Close())
}

type failingReader struct{}

func (failingReader) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestHealthInspectorDown(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(failingReader{}, quietLogger()).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestNewWorkerRejectsBadCron(t *testing.T) {
	mr := miniredis.RunT(t)
	task, err := NewCatalogAuditTask(CatalogAuditPayload{Reason: "cron"})
	require.NoError(t, err)

	_, err = NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Logger:    quietLogger(),
		Cron:      []CronRegistration{{Spec: "every tuesday", Task: task}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), TaskCatalogAudit)

	w, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Logger:    quietLogger(),
		Cron:      []CronRegistration{{Spec: "@every 1h", Task: task}, {Spec: ""}},
	})
	require.NoError(t, err)
	assert.NotNil(t, w.scheduler)
}
