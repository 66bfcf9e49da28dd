package service_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/prewarm/internal/model"
	"github.com/CZERTAINLY/prewarm/internal/runner"
	"github.com/CZERTAINLY/prewarm/internal/service"
	"github.com/stretchr/testify/require"
)

func TestPoolConfig(t *testing.T) {
	t.Parallel()
	pc, opts := service.PoolConfig(model.DefaultConfig().Pool, true)
	require.Equal(t, 2, pc.MinAvailable)
	require.Equal(t, 2*time.Second, pc.RefreshInterval)
	require.Equal(t, 60*time.Second, pc.CompletionTimeout)
	require.Equal(t, 500*time.Millisecond, pc.CompletionPoll)
	require.Equal(t, 4*time.Second, pc.StopTimeout)
	require.Equal(t, 2, pc.FailureThreshold)
	require.Equal(t, 2, pc.ThresholdStep)
	require.Equal(t, 5*time.Minute, pc.Cooldown)
	require.True(t, pc.Verbose)

	require.Equal(t, runner.DefaultMarker, opts.Marker)
	require.Equal(t, 15*time.Second, opts.InactivityTimeout)
	require.Equal(t, 400*time.Millisecond, opts.ResumePoll)
	require.Equal(t, 50*time.Millisecond, opts.DrainTimeout)
	require.True(t, opts.Verbose)

	zero := 0
	pc, opts = service.PoolConfig(model.Pool{
		MinAvailable: &zero,
		Cooldown:     model.Duration(time.Minute),
		Marker:       "HALT",
	}, false)
	require.Zero(t, pc.MinAvailable)
	require.Equal(t, time.Minute, pc.Cooldown)
	require.Equal(t, 2*time.Second, pc.RefreshInterval)
	require.Equal(t, "HALT", opts.Marker)
}

func TestApplyOverrides(t *testing.T) {
	// can't be parallel as it touches the environment
	t.Setenv("PREWARM_LISTEN", "localhost:1234")
	t.Setenv("PREWARM_POOL_MIN_AVAILABLE", "5")

	v := service.NewViper()
	v.Set(service.KeyVerbose, true)

	cfg := model.DefaultConfig()
	service.ApplyOverrides(v, &cfg)
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, "localhost:1234", cfg.Service.Listen)
	require.Equal(t, model.LogFormatJSON, cfg.Service.LogFormat)
	require.Equal(t, 5, *cfg.Pool.MinAvailable)
}
