package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/odyssey-erp/odyssey-authz/cmd/authzctl/cli"
)

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, cli.ExitUsage, run(context.Background(), nil, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "usage: authzctl")

	stdout.Reset()
	assert.Equal(t, cli.ExitOK, run(context.Background(), []string{"help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "jobs trigger")
}

func TestRunRejectsUnknownCommandAndFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, cli.ExitUsage, run(context.Background(), []string{"frobnicate"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), `unknown command "frobnicate"`)

	stderr.Reset()
	assert.Equal(t, cli.ExitUsage, run(context.Background(), []string{"seed", "--role", "x"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "unknown flag")
}

func TestRunMemoryBackend(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("AUTHZ_BACKEND", "memory")
	t.Setenv("AUTHZ_BROADCAST", "false")
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"check", "--role", "admin", "--function", "action::admin::permissions"}, &stdout, &stderr)
	assert.Equal(t, cli.ExitDenied, code, stderr.String())
	assert.Equal(t, "deny\n", stdout.String())

	stdout.Reset()
	assert.Equal(t, cli.ExitOK, run(context.Background(), []string{"migrate"}, &stdout, &stderr))
}

func TestRunInvalidateNeedsBroadcast(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("AUTHZ_BACKEND", "memory")
	t.Setenv("AUTHZ_BROADCAST", "false")
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"invalidate", "--role", "assistant"}, &stdout, &stderr)
	assert.Equal(t, cli.ExitError, code)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "POST /v1/admin/invalidate")
}
