package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Seeder writes catalog default grants.
type Seeder interface {
	SeedDefaults(ctx context.Context, overwrite bool) (rbac.SeedReport, error)
}

// SeedDefaultsJob runs role seeding in the background.
type SeedDefaultsJob struct {
	Seeder  Seeder
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSeedDefaultsJob wires dependencies for the seed handler.
func NewSeedDefaultsJob(seeder Seeder, logger *slog.Logger, metrics *jobmetrics.Metrics) *SeedDefaultsJob {
	return &SeedDefaultsJob{Seeder: seeder, Logger: logger, Metrics: metrics}
}

// Handle processes seed tasks.
func (j *SeedDefaultsJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Seeder == nil {
		return errors.New("seed defaults: handler not configured")
	}
	var payload SeedDefaultsPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", TaskSeedDefaults), slog.Bool("overwrite", payload.Overwrite))

	tracker := metrics.Track(TaskSeedDefaults)
	report, err := j.Seeder.SeedDefaults(ctx, payload.Overwrite)
	if err != nil {
		logger.Error("seed defaults", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("completed seed defaults", slog.Any("written", report.Written), slog.Any("skipped", report.Skipped))
	return tracker.End(nil)
}
