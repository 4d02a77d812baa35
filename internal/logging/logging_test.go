package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewJSONWithRunContext(t *testing.T) {
	var buf bytes.Buffer
	logger := WithInvocation(New("info", "json", &buf), "r1", "inv-1", "workspace.read")
	logger.Debug("hidden")
	logger.Info("tool completed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "tool completed", record["msg"])
	assert.Equal(t, "r1", record["run_id"])
	assert.Equal(t, "inv-1", record["invocation_id"])
	assert.Equal(t, "workspace.read", record["tool_name"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	WithRun(New("debug", "text", &buf), "r9").Debug("hello")
	assert.Contains(t, buf.String(), "run_id=r9")
}
