package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-authz/jobs"
)

// QueueInspector is satisfied by *asynq.Inspector.
type QueueInspector interface {
	jobs.QueueInfoReader
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *jobs.Client
	inspector QueueInspector
}

// NewJobsCLI initialises the CLI helpers against the given Redis connection.
func NewJobsCLI(opts asynq.RedisConnOpt) *JobsCLI {
	return &JobsCLI{client: jobs.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	errs = append(errs, c.client.Close())
	return errors.Join(errs...)
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, overwrite bool) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.Enqueue(ctx, name, overwrite)
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(context.Context) (jobs.QueueStats, error) {
	if c == nil || c.inspector == nil {
		return jobs.QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	return jobs.InspectQueue(c.inspector)
}

// JobsOptions configures the jobs subcommands.
type JobsOptions struct {
	Name       string
	Overwrite  bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// TriggerCommand enqueues a job and prints its id.
func (c *JobsCLI) TriggerCommand(ctx context.Context, opts JobsOptions) int {
	opts = withJobsDefaults(opts)
	if opts.Name == "" {
		_, _ = fmt.Fprintf(opts.Stderr, "jobs trigger: job name is required (%s or %s)\n", jobs.TaskCatalogAudit, jobs.TaskSeedDefaults)
		return ExitUsage
	}
	info, err := c.Trigger(ctx, opts.Name, opts.Overwrite)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "jobs trigger: %v\n", err)
		return ExitError
	}
	if opts.JSONOutput {
		return encodeJSON(opts.Stdout, opts.Stderr, "jobs trigger", map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue})
	}
	_, _ = fmt.Fprintf(opts.Stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	return ExitOK
}

// StatsCommand prints default queue statistics.
func (c *JobsCLI) StatsCommand(ctx context.Context, opts JobsOptions) int {
	opts = withJobsDefaults(opts)
	stats, err := c.InspectQueue(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "jobs stats: %v\n", err)
		return ExitError
	}
	if opts.JSONOutput {
		return encodeJSON(opts.Stdout, opts.Stderr, "jobs stats", stats)
	}
	_, _ = fmt.Fprintf(opts.Stdout, "queue %s: pending=%d active=%d scheduled=%d retry=%d processed_today=%d failed_today=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Processed, stats.Failed)
	return ExitOK
}

func withJobsDefaults(opts JobsOptions) JobsOptions {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return opts
}

func encodeJSON(stdout, stderr io.Writer, command string, v any) int {
	if err := json.NewEncoder(stdout).Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: encode json: %v\n", command, err)
		return ExitError
	}
	return ExitOK
}
