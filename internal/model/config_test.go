package model_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/prewarm/internal/model"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
service:
  verbose: true
  log_format: text
  listen: localhost:9999
pool:
  min_available: 0
  refresh_interval: PT1S
  completion_poll: PT0.25S
  failure_threshold: 5
  marker: HALT
compiler:
  command: lualatex {file}
  env:
    texinputs: $HOME/tex
  stale_check: false
cleanup:
  enabled: true
  schedule:
    cron: "*/5 * * * *"
  max_age: PT30M
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.True(t, cfg.Service.Verbose)
	require.Equal(t, model.LogFormatText, cfg.Service.LogFormat)
	require.Equal(t, "localhost:9999", cfg.Service.Listen)

	require.NotNil(t, cfg.Pool.MinAvailable)
	require.Equal(t, 0, *cfg.Pool.MinAvailable)
	require.Equal(t, time.Second, cfg.Pool.RefreshInterval.AsDuration())
	require.Equal(t, 250*time.Millisecond, cfg.Pool.CompletionPoll.AsDuration())
	require.Zero(t, cfg.Pool.Cooldown)
	require.Equal(t, 5, *cfg.Pool.FailureThreshold)
	require.Equal(t, "HALT", cfg.Pool.Marker)

	require.Equal(t, "lualatex {file}", cfg.Compiler.Command)
	require.Equal(t, map[string]string{"texinputs": "$HOME/tex"}, cfg.Compiler.Env)
	require.NotNil(t, cfg.Compiler.StaleCheck)
	require.False(t, *cfg.Compiler.StaleCheck)

	require.True(t, cfg.Cleanup.Enabled)
	require.NotNil(t, cfg.Cleanup.Schedule)
	require.Equal(t, "*/5 * * * *", cfg.Cleanup.Schedule.Cron)
	require.Equal(t, 30*time.Minute, cfg.Cleanup.MaxAge.AsDuration())
}

func TestLoadConfig_Minimal(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("version: 0\nservice: {}\n"))
	require.NoError(t, err)
	require.Nil(t, cfg.Pool.MinAvailable)
	require.Nil(t, cfg.Cleanup.Schedule)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		path     string
	}{
		{
			scenario: "unknown field",
			given:    "version: 0\nservice:\n  mode: manual\n",
			path:     "service.mode",
		},
		{
			scenario: "invalid enum",
			given:    "version: 0\nservice:\n  log_format: xml\n",
			path:     "service.log_format",
		},
		{
			scenario: "negative count",
			given:    "version: 0\nservice: {}\npool:\n  min_available: -1\n",
			path:     "pool.min_available",
		},
		{
			scenario: "not a duration",
			given:    "version: 0\nservice: {}\npool:\n  cooldown: 5m\n",
			path:     "pool.cooldown",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			paths := make([]string, 0, len(details))
			for _, d := range details {
				paths = append(paths, d.Path)
			}
			require.Contains(t, paths, tc.path)
		})
	}
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, yaml.NewEncoder(&buf).Encode(model.DefaultConfig()))
	require.Contains(t, buf.String(), "refresh_interval: PT2S")
	require.Contains(t, buf.String(), "drain_timeout: PT0.05S")

	cfg, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, model.DefaultConfig(), *cfg)
}
