package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

// ErrUnknownTask is returned by Client.Enqueue for task names it does not know.
var ErrUnknownTask = errors.New("unsupported job")

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// QueueInfoReader is satisfied by *asynq.Inspector.
type QueueInfoReader interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Client submits authz tasks with their retry and uniqueness policy.
type Client struct {
	enq Enqueuer
}

// NewClient dials Redis lazily through asynq.
func NewClient(opts asynq.RedisConnOpt) *Client {
	return &Client{enq: asynq.NewClient(opts)}
}

// NewClientWith wraps an existing enqueuer.
func NewClientWith(enq Enqueuer) *Client {
	return &Client{enq: enq}
}

// Enqueue submits a task by type name. overwrite only applies to the seed task.
func (c *Client) Enqueue(ctx context.Context, name string, overwrite bool) (*asynq.TaskInfo, error) {
	switch name {
	case TaskCatalogAudit:
		return c.EnqueueCatalogAudit(ctx, CatalogAuditPayload{Reason: "manual"})
	case TaskSeedDefaults:
		return c.EnqueueSeedDefaults(ctx, SeedDefaultsPayload{Overwrite: overwrite})
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownTask, name)
	}
}

// EnqueueCatalogAudit submits an audit with up to three retries.
func (c *Client) EnqueueCatalogAudit(ctx context.Context, payload CatalogAuditPayload) (*asynq.TaskInfo, error) {
	task, err := NewCatalogAuditTask(payload)
	if err != nil {
		return nil, err
	}
	return c.enq.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(3))
}

// EnqueueSeedDefaults submits a seed. A duplicate within a minute is rejected
// by asynq with ErrDuplicateTask.
func (c *Client) EnqueueSeedDefaults(ctx context.Context, payload SeedDefaultsPayload) (*asynq.TaskInfo, error) {
	task, err := NewSeedDefaultsTask(payload)
	if err != nil {
		return nil, err
	}
	return c.enq.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(3), asynq.Unique(time.Minute))
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.enq == nil {
		return nil
	}
	return c.enq.Close()
}

// QueueStats summarises the default queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Failed    int    `json:"failed_today"`
	Processed int    `json:"processed_today"`
}

// InspectQueue reads stats for the default queue. A nil reader yields empty
// stats.
func InspectQueue(reader QueueInfoReader) (QueueStats, error) {
	stats := QueueStats{Queue: QueueDefault}
	if reader == nil {
		return stats, nil
	}
	info, err := reader.GetQueueInfo(QueueDefault)
	if err != nil {
		return stats, err
	}
	if info == nil {
		return stats, nil
	}
	return QueueStats{
		Queue:     info.Queue,
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Failed:    info.Failed,
		Processed: info.Processed,
	}, nil
}

// Handler serves queue health for operators.
type Handler struct {
	reader QueueInfoReader
	logger *slog.Logger
}

// NewHandler builds the /jobs handler. reader may be nil when Redis is not
// configured.
func NewHandler(reader QueueInfoReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reader: reader, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats, err := InspectQueue(h.reader)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("queue inspector: %w", httpx.ErrUnavailable))
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}
