package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePositionalConfigPath(t *testing.T) {
	var out bytes.Buffer
	cfg, exit, err := Parse([]string{"buildgrid.hcl"}, &out)
	require.NoError(t, err)
	require.False(t, exit)
	assert.Equal(t, "buildgrid.hcl", cfg.ConfigPath)
	assert.Equal(t, ".buildgrid", cfg.WorkDir)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestParseFlagsOverridePositional(t *testing.T) {
	var out bytes.Buffer
	cfg, exit, err := Parse([]string{
		"--config", "a.hcl",
		"--scope", "./repo",
		"--max-iterations", "5",
		"--log-format", "text",
		"--log-level", "debug",
	}, &out)
	require.NoError(t, err)
	require.False(t, exit)
	assert.Equal(t, "a.hcl", cfg.ConfigPath)
	assert.Equal(t, "./repo", cfg.Scope)
	assert.Equal(t, 5, cfg.MaxIterations)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestParseShorthandConfigFlag(t *testing.T) {
	var out bytes.Buffer
	cfg, exit, err := Parse([]string{"-c", "b.hcl"}, &out)
	require.NoError(t, err)
	require.False(t, exit)
	assert.Equal(t, "b.hcl", cfg.ConfigPath)
}

func TestParseNoArgsPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	cfg, exit, err := Parse(nil, &out)
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Nil(t, cfg)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := map[string][]string{
		"log-format":     {"x.hcl", "--log-format", "xml"},
		"log-level":      {"x.hcl", "--log-level", "verbose"},
		"max-iterations": {"x.hcl", "--max-iterations", "-1"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			_, _, err := Parse(args, &out)
			require.Error(t, err)
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
		})
	}
}
