package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// RoleAuditor reports, per stored role, function keys missing from the catalog.
type RoleAuditor interface {
	AuditRoles(ctx context.Context) (map[string][]string, error)
}

// CatalogAuditJob flags role grants that reference unknown functions. Overrides
// are keyed per user and are not scanned.
type CatalogAuditJob struct {
	Auditor RoleAuditor
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewCatalogAuditJob wires dependencies for the audit handler.
func NewCatalogAuditJob(auditor RoleAuditor, logger *slog.Logger, metrics *jobmetrics.Metrics) *CatalogAuditJob {
	return &CatalogAuditJob{
		Auditor: auditor,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes catalog audit tasks.
func (j *CatalogAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Auditor == nil {
		return errors.New("catalog audit: handler not configured")
	}
	var payload CatalogAuditPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskCatalogAudit)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	if payload.Reason != "" {
		logger = logger.With(slog.String("reason", payload.Reason))
	}
	start := j.now()

	findings, err := j.Auditor.AuditRoles(ctx)
	if err != nil {
		resultErr = err
		logger.Error("catalog audit", slog.Any("error", err))
		return resultErr
	}

	counts := make(map[string]int, len(findings))
	roles := make([]string, 0, len(findings))
	for role, keys := range findings {
		counts[role] = len(keys)
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		logger.Warn("role grants unknown functions", slog.String("role", role), slog.Any("functions", findings[role]))
	}
	j.metrics().SetUnknownFunctions(counts)

	logger.Info("completed catalog audit", slog.Int("roles_flagged", len(roles)), slog.Duration("duration", j.now().Sub(start)))
	return resultErr
}

func (j *CatalogAuditJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCatalogAudit))
	}
	return slog.Default().With(slog.String("job", TaskCatalogAudit))
}

func (j *CatalogAuditJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CatalogAuditJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
