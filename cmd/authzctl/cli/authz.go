package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Exit codes shared by all commands.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
	// ExitDenied is returned by check when the decision is deny.
	ExitDenied = 3
	// ExitDrift is returned by audit when stored grants name unknown functions.
	ExitDrift = 10
)

// Admin is the administrative surface the CLI drives.
type Admin interface {
	SeedDefaults(ctx context.Context, overwrite bool) (rbac.SeedReport, error)
	Explain(ctx context.Context, userID uuid.UUID, role, functionKey string) (rbac.Explanation, error)
	InvalidateRole(ctx context.Context, role string) error
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
	InvalidateAll(ctx context.Context) error
	AuditRoles(ctx context.Context) (map[string][]string, error)
}

// AuthzCLI runs permission commands against a configured store.
type AuthzCLI struct {
	admin     Admin
	broadcast bool
}

// NewAuthzCLI constructs the helper. broadcast reports whether invalidations
// reach running servers through the shared channel; without it the CLI can
// only clear its own short-lived cache.
func NewAuthzCLI(admin Admin, broadcast bool) (*AuthzCLI, error) {
	if admin == nil {
		return nil, errors.New("authz cli: admin service required")
	}
	return &AuthzCLI{admin: admin, broadcast: broadcast}, nil
}

const noBroadcastHint = "broadcast disabled (AUTHZ_BROADCAST=false); use POST /v1/admin/invalidate on each server"

// Output holds the writers and format shared by commands.
type Output struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o Output) withDefaults() Output {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

// SeedOptions configures the seed command.
type SeedOptions struct {
	Output
	Overwrite bool
}

// SeedSummary is the JSON output of seed.
type SeedSummary struct {
	Written []string `json:"written"`
	Skipped []string `json:"skipped"`
}

// SeedCommand writes catalog defaults for known roles.
func (c *AuthzCLI) SeedCommand(ctx context.Context, opts SeedOptions) int {
	out := opts.Output.withDefaults()
	report, err := c.admin.SeedDefaults(ctx, opts.Overwrite)
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "seed: %v\n", err)
		return ExitError
	}
	summary := SeedSummary{Written: nonNil(report.Written), Skipped: nonNil(report.Skipped)}
	if !c.broadcast && len(summary.Written) > 0 {
		_, _ = fmt.Fprintf(out.Stderr, "seed: warning: running servers keep cached grants until their TTL expires: %s\n", noBroadcastHint)
	}
	if out.JSONOutput {
		return encodeJSON(out.Stdout, out.Stderr, "seed", summary)
	}
	_, _ = fmt.Fprintf(out.Stdout, "written: %s\n", joinOrNone(summary.Written))
	_, _ = fmt.Fprintf(out.Stdout, "skipped: %s\n", joinOrNone(summary.Skipped))
	return ExitOK
}

// CheckOptions configures check and explain.
type CheckOptions struct {
	Output
	UserID   string
	Role     string
	Function string
}

// ExplainSummary is the JSON output of check and explain.
type ExplainSummary struct {
	UserID    string   `json:"user_id,omitempty"`
	Role      string   `json:"role"`
	Function  string   `json:"function"`
	Decision  string   `json:"decision"`
	Reason    string   `json:"reason,omitempty"`
	Source    string   `json:"source,omitempty"`
	Stale     bool     `json:"stale,omitempty"`
	Known     bool     `json:"known_function"`
	Effective []string `json:"effective,omitempty"`
}

// CheckCommand prints allow or deny. A deny exits with ExitDenied.
func (c *AuthzCLI) CheckCommand(ctx context.Context, opts CheckOptions) int {
	return c.evaluate(ctx, "check", opts, false)
}

// ExplainCommand prints the decision with its reason and effective set.
func (c *AuthzCLI) ExplainCommand(ctx context.Context, opts CheckOptions) int {
	return c.evaluate(ctx, "explain", opts, true)
}

func (c *AuthzCLI) evaluate(ctx context.Context, command string, opts CheckOptions, detailed bool) int {
	out := opts.Output.withDefaults()
	userID, ok := parseUserFlag(out.Stderr, command, opts.UserID)
	if !ok {
		return ExitUsage
	}
	if strings.TrimSpace(opts.Role) == "" || strings.TrimSpace(opts.Function) == "" {
		_, _ = fmt.Fprintf(out.Stderr, "%s: --role and --function are required\n", command)
		return ExitUsage
	}
	exp, err := c.admin.Explain(ctx, userID, opts.Role, opts.Function)
	if err != nil {
		// exp still carries the deny verdict; report both.
		_, _ = fmt.Fprintf(out.Stderr, "%s: %v\n", command, err)
		_, _ = fmt.Fprintln(out.Stdout, rbac.Deny.String())
		return ExitError
	}
	summary := ExplainSummary{
		Role:     exp.Role,
		Function: exp.FunctionKey,
		Decision: exp.Verdict.Decision.String(),
		Known:    exp.Known,
	}
	if userID != uuid.Nil {
		summary.UserID = userID.String()
	}
	if detailed {
		summary.Reason = exp.Verdict.Reason.String()
		summary.Source = string(exp.Verdict.Source)
		summary.Stale = exp.Verdict.Stale
		summary.Effective = nonNil(exp.Effective)
	}
	code := ExitOK
	if !exp.Verdict.Allowed() {
		code = ExitDenied
	}
	if out.JSONOutput {
		if rc := encodeJSON(out.Stdout, out.Stderr, command, summary); rc != ExitOK {
			return rc
		}
		return code
	}
	if !detailed {
		_, _ = fmt.Fprintln(out.Stdout, summary.Decision)
		return code
	}
	_, _ = fmt.Fprintf(out.Stdout, "decision: %s\n", summary.Decision)
	_, _ = fmt.Fprintf(out.Stdout, "reason:   %s (from %s)\n", summary.Reason, summary.Source)
	if !summary.Known {
		_, _ = fmt.Fprintf(out.Stdout, "warning:  %s is not in the function catalog\n", summary.Function)
	}
	if summary.Stale {
		_, _ = fmt.Fprintln(out.Stdout, "warning:  answered from a stale record")
	}
	_, _ = fmt.Fprintf(out.Stdout, "effective (%d):\n", len(summary.Effective))
	for _, key := range summary.Effective {
		_, _ = fmt.Fprintf(out.Stdout, " - %s\n", key)
	}
	return code
}

// InvalidateOptions configures invalidate.
type InvalidateOptions struct {
	Output
	Role   string
	UserID string
	All    bool
}

// InvalidateCommand drops cached records in every instance. It refuses to run
// when invalidations cannot leave this process.
func (c *AuthzCLI) InvalidateCommand(ctx context.Context, opts InvalidateOptions) int {
	out := opts.Output.withDefaults()
	if !c.broadcast {
		_, _ = fmt.Fprintf(out.Stderr, "invalidate: %s\n", noBroadcastHint)
		return ExitError
	}
	userID, ok := parseUserFlag(out.Stderr, "invalidate", opts.UserID)
	if !ok {
		return ExitUsage
	}
	role := strings.TrimSpace(opts.Role)
	if !opts.All && role == "" && userID == uuid.Nil {
		_, _ = fmt.Fprintln(out.Stderr, "invalidate: one of --role, --user or --all is required")
		return ExitUsage
	}
	var targets []string
	var err error
	switch {
	case opts.All:
		err = c.admin.InvalidateAll(ctx)
		targets = append(targets, "all")
	default:
		if role != "" {
			if err = c.admin.InvalidateRole(ctx, role); err == nil {
				targets = append(targets, "role:"+rbac.NormalizeRole(role))
			}
		}
		if err == nil && userID != uuid.Nil {
			if err = c.admin.InvalidateUser(ctx, userID); err == nil {
				targets = append(targets, "user:"+userID.String())
			}
		}
	}
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "invalidate: %v\n", err)
		return ExitError
	}
	if out.JSONOutput {
		return encodeJSON(out.Stdout, out.Stderr, "invalidate", map[string][]string{"invalidated": targets})
	}
	_, _ = fmt.Fprintf(out.Stdout, "invalidated %s\n", strings.Join(targets, ", "))
	return ExitOK
}

// AuditFinding is one role with unknown function keys.
type AuditFinding struct {
	Role      string   `json:"role"`
	Functions []string `json:"functions"`
}

// AuditSummary is the JSON output of audit.
type AuditSummary struct {
	OK       bool           `json:"ok"`
	Findings []AuditFinding `json:"findings"`
}

// AuditCommand lists stored role grants outside the catalog. Drift exits with
// ExitDrift.
func (c *AuthzCLI) AuditCommand(ctx context.Context, opts Output) int {
	out := opts.withDefaults()
	findings, err := c.admin.AuditRoles(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "audit: %v\n", err)
		return ExitError
	}
	summary := AuditSummary{OK: len(findings) == 0, Findings: make([]AuditFinding, 0, len(findings))}
	for role, keys := range findings {
		sorted := append([]string(nil), keys...)
		sort.Strings(sorted)
		summary.Findings = append(summary.Findings, AuditFinding{Role: role, Functions: sorted})
	}
	sort.Slice(summary.Findings, func(i, j int) bool { return summary.Findings[i].Role < summary.Findings[j].Role })

	if out.JSONOutput {
		if rc := encodeJSON(out.Stdout, out.Stderr, "audit", summary); rc != ExitOK {
			return rc
		}
	} else if summary.OK {
		_, _ = fmt.Fprintln(out.Stdout, "All stored role grants are in the catalog.")
	} else {
		_, _ = fmt.Fprintf(out.Stdout, "%d role(s) grant unknown functions:\n", len(summary.Findings))
		for _, f := range summary.Findings {
			_, _ = fmt.Fprintf(out.Stdout, " - %s: %s\n", f.Role, strings.Join(f.Functions, ", "))
		}
	}
	if !summary.OK {
		return ExitDrift
	}
	return ExitOK
}

func parseUserFlag(stderr io.Writer, command, raw string) (uuid.UUID, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: invalid --user %q\n", command, raw)
		return uuid.Nil, false
	}
	return id, true
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func joinOrNone(in []string) string {
	if len(in) == 0 {
		return "(none)"
	}
	return strings.Join(in, ", ")
}
