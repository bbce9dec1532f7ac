package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  provider: mock\n"), 0o600))
	return path
}

func TestRun_Ask(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"ask", "-config", writeConfig(t), "-v", "hello", "there"}, &stdout, &stderr)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "Mock response to: hello there")
	assert.Contains(t, stderr.String(), "[triage] direct")
}

func TestRun_AskWithoutQuery(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"ask", "-config", writeConfig(t)}, &stdout, &stderr)
	assert.ErrorIs(t, err, core.ErrEmptyQuery)
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Error(t, run(context.Background(), nil, &stdout, &stderr))
	assert.Error(t, run(context.Background(), []string{"dance"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "usage: agentrelay")
}

func TestPrintEvents_Error(t *testing.T) {
	events := make(chan core.Event, 2)
	events <- core.Event{Type: core.EventToken, Data: core.TokenPayload{Token: "par"}}
	events <- core.Event{Type: core.EventError, Data: core.ErrorPayload{Message: "boom", Code: core.CodeBackend}}
	close(events)

	var stdout, stderr bytes.Buffer
	err := printEvents(events, &stdout, &stderr, false)
	assert.EqualError(t, err, "boom (backend)")
	assert.Equal(t, "par", stdout.String())
}

func TestPrintEvents_Abandoned(t *testing.T) {
	events := make(chan core.Event)
	close(events)
	var stdout, stderr bytes.Buffer
	assert.ErrorIs(t, printEvents(events, &stdout, &stderr, false), context.Canceled)
}
