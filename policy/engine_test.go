package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineDefaultProfiles(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy, nil)
	require.NoError(t, err)

	cases := []struct {
		profile string
		tool    string
		allow   bool
		reason  string
	}{
		{"default", "workspace.write", true, ""},
		{"default", "process.exec", true, ""},
		{"default", "browser.navigate", true, ""},
		{"default", "payments.transfer", false, ReasonToolNotAllowlisted},
		{"default", "workspace.read.extra", false, ReasonToolNotAllowlisted},
		{"readonly", "workspace.read", true, ""},
		{"readonly", "workspace.write", false, ReasonToolNotAllowlisted},
		{"readonly", "process.exec", false, ReasonToolNotAllowlisted},
		{"nope", "workspace.read", false, ReasonUnknownProfile},
	}
	for _, tc := range cases {
		decision, err := engine.Evaluate(ctx, tc.profile, tc.tool)
		require.NoError(t, err)
		assert.Equal(t, tc.allow, decision.Allow, "%s/%s", tc.profile, tc.tool)
		assert.Equal(t, tc.reason, decision.ReasonCode, "%s/%s", tc.profile, tc.tool)
	}
}

func TestEngineCustomProfiles(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy, map[string][]string{
		"locked": {},
		"exec":   {"process.exec"},
	})
	require.NoError(t, err)

	decision, err := engine.Evaluate(ctx, "locked", "workspace.read")
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonToolNotAllowlisted, decision.ReasonCode)

	decision, err = engine.Evaluate(ctx, "exec", "process.exec")
	require.NoError(t, err)
	assert.True(t, decision.Allow)

	decision, err = engine.Evaluate(ctx, "default", "process.exec")
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownProfile, decision.ReasonCode)
}

func TestNewEngineRejectsBrokenPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package tool_policy\n\ndecision = {", nil)
	assert.Error(t, err)
}
