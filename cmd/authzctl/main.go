// authzctl runs administrative permission tasks against the configured store:
// seeding catalog defaults, checking and explaining decisions, broadcasting
// cache invalidations, auditing stored grants and driving background jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/odyssey-erp/odyssey-authz/cmd/authzctl/cli"
	"github.com/odyssey-erp/odyssey-authz/internal/app"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

const usage = `usage: authzctl <command> [flags]

commands:
  migrate                          create the postgres tables
  seed [--overwrite]               write catalog defaults for known roles
  check --role R --function F [--user ID]
  explain --role R --function F [--user ID]
  invalidate [--role R] [--user ID] [--all]
  audit                            list stored grants outside the catalog
  jobs trigger <task> [--overwrite]
  jobs stats

every command accepts --json
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		_, _ = fmt.Fprint(stdout, usage)
		if len(args) == 0 {
			return cli.ExitUsage
		}
		return cli.ExitOK
	}
	command, rest := args[0], args[1:]

	var (
		jsonOutput bool
		overwrite  bool
		all        bool
		role       string
		function   string
		user       string
	)
	flags := pflag.NewFlagSet("authzctl "+command, pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
	switch command {
	case "seed":
		flags.BoolVar(&overwrite, "overwrite", false, "replace existing role grants")
	case "check", "explain":
		flags.StringVar(&role, "role", "", "role name")
		flags.StringVar(&function, "function", "", "function key")
		flags.StringVar(&user, "user", "", "user id (uuid)")
	case "invalidate":
		flags.StringVar(&role, "role", "", "role to invalidate")
		flags.StringVar(&user, "user", "", "user id to invalidate")
		flags.BoolVar(&all, "all", false, "invalidate every cached record")
	case "jobs":
		flags.BoolVar(&overwrite, "overwrite", false, "seed task: replace existing role grants")
	case "migrate", "audit":
	default:
		_, _ = fmt.Fprintf(stderr, "authzctl: unknown command %q\n\n%s", command, usage)
		return cli.ExitUsage
	}
	if err := flags.Parse(rest); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return cli.ExitOK
		}
		return cli.ExitUsage
	}
	out := cli.Output{JSONOutput: jsonOutput, Stdout: stdout, Stderr: stderr}

	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "authzctl: load config: %v\n", err)
		return cli.ExitError
	}
	// Diagnostics go to stderr so stdout stays parseable.
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if command == "jobs" {
		return runJobs(ctx, cfg, flags.Args(), cli.JobsOptions{Overwrite: overwrite, JSONOutput: jsonOutput, Stdout: stdout, Stderr: stderr})
	}
	if command == "migrate" {
		return runMigrate(ctx, cfg, out)
	}

	conns, err := connect(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "authzctl: %v\n", err)
		return cli.ExitError
	}
	defer conns.Close()

	stack, err := app.BuildAuthz(cfg, app.AuthzDeps{Logger: logger, Pool: conns.pool, Redis: conns.redis})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "authzctl: %v\n", err)
		return cli.ExitError
	}
	authz, err := cli.NewAuthzCLI(stack.Service, stack.Broker != nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "authzctl: %v\n", err)
		return cli.ExitError
	}

	switch command {
	case "seed":
		return authz.SeedCommand(ctx, cli.SeedOptions{Output: out, Overwrite: overwrite})
	case "check":
		return authz.CheckCommand(ctx, cli.CheckOptions{Output: out, UserID: user, Role: role, Function: function})
	case "explain":
		return authz.ExplainCommand(ctx, cli.CheckOptions{Output: out, UserID: user, Role: role, Function: function})
	case "invalidate":
		return authz.InvalidateCommand(ctx, cli.InvalidateOptions{Output: out, Role: role, UserID: user, All: all})
	default:
		return authz.AuditCommand(ctx, out)
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string, opts cli.JobsOptions) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintf(opts.Stderr, "authzctl jobs: expected trigger or stats\n")
		return cli.ExitUsage
	}
	redisOpt, err := cache.AsynqOpt(cfg.RedisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "authzctl jobs: %v\n", err)
		return cli.ExitError
	}
	jobsCLI := cli.NewJobsCLI(redisOpt)
	defer func() { _ = jobsCLI.Close() }()
	switch args[0] {
	case "trigger":
		if len(args) > 1 {
			opts.Name = args[1]
		}
		return jobsCLI.TriggerCommand(ctx, opts)
	case "stats":
		return jobsCLI.StatsCommand(ctx, opts)
	default:
		_, _ = fmt.Fprintf(opts.Stderr, "authzctl jobs: unknown subcommand %q\n", args[0])
		return cli.ExitUsage
	}
}

func runMigrate(ctx context.Context, cfg *app.Config, out cli.Output) int {
	if cfg.AuthzBackend != app.BackendPostgres {
		_, _ = fmt.Fprintf(out.Stderr, "migrate: backend %s has no schema\n", cfg.AuthzBackend)
		return cli.ExitOK
	}
	schema, err := rbac.PostgresSchemaFor(cfg.AuthzUsersRef)
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "migrate: %v\n", err)
		return cli.ExitError
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "migrate: %v\n", err)
		return cli.ExitError
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, schema); err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "migrate: %v\n", err)
		return cli.ExitError
	}
	_, _ = fmt.Fprintf(out.Stdout, "applied %d statements\n", len(schema))
	return cli.ExitOK
}

type connections struct {
	pool  poolCloser
	redis *redis.Client
}

type poolCloser interface {
	rbac.DBTX
	Close()
}

func connect(ctx context.Context, cfg *app.Config) (*connections, error) {
	conns := &connections{}
	if cfg.AuthzBackend == app.BackendPostgres {
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 2})
		if err != nil {
			return nil, err
		}
		conns.pool = pool
	}
	if cfg.UsesRedis() {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			conns.Close()
			return nil, err
		}
		conns.redis = client
	}
	return conns, nil
}

func (c *connections) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
}
