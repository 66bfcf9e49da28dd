package pool_test

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/prewarm/internal/pool"
	"github.com/CZERTAINLY/prewarm/internal/runner"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const checkpoint = `echo preparing; echo 'PAUSED EXECUTION!'; read line; echo compiled; exit 0`

func shell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func scriptFactory(t *testing.T, script string) pool.Factory {
	sh := shell(t)
	return func(context.Context) (runner.Spec, error) {
		return runner.Spec{
			Command: runner.Command{Path: sh, Args: []string{"-c", script}},
		}, nil
	}
}

func newPool(t *testing.T, factory pool.Factory, cfg pool.Config) *pool.Pool {
	t.Helper()
	p := pool.New(context.Background(), t.Name(), factory, cfg)
	t.Cleanup(func() {
		p.Close(context.Background())
	})
	return p
}

func testConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.RefreshInterval = 50 * time.Millisecond
	cfg.CompletionPoll = 20 * time.Millisecond
	cfg.FailureThreshold = 100
	return cfg
}

func TestRefreshFillsPool(t *testing.T) {
	t.Parallel()
	p := newPool(t, scriptFactory(t, `sleep 5; echo 'PAUSED EXECUTION!'; read line`), testConfig())

	require.NoError(t, p.Refresh(t.Context()))

	available := p.Available()
	require.Len(t, available, 2)
	for _, r := range available {
		require.Equal(t, runner.Preparing, r.State())
	}
	stats := p.Stats()
	require.Equal(t, 2, stats.Available)
	require.Equal(t, 0, stats.Active)
	require.Equal(t, 2, stats.Created)
	require.False(t, stats.CircuitOpen)

	// a second refresh keeps the same runners
	require.NoError(t, p.Refresh(t.Context()))
	require.Equal(t, 2, p.Stats().Created)
}

func TestDispatchWaitsForCompletion(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MinAvailable = 1
	p := newPool(t, scriptFactory(t, checkpoint), cfg)

	out, err := p.Dispatch(t.Context(), true)
	require.NoError(t, err)
	require.Equal(t, "preparing\nPAUSED EXECUTION!\ncompiled", out)
	require.NotContains(t, out, pool.AbortedPrefix)

	require.Eventually(t, func() bool {
		return p.Stats().Outcomes[runner.None] == 1
	}, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		return p.Stats().Available >= cfg.MinAvailable
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDispatchReturnsWholeLog(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MinAvailable = 1
	script := `echo 'PAUSED EXECUTION!'; read line; i=0; while [ $i -lt 15000 ]; do echo l$i; i=$((i+1)); done; echo LAST`
	p := newPool(t, scriptFactory(t, script), cfg)

	out, err := p.Dispatch(t.Context(), true)
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 15002)
	require.Equal(t, "l14999", lines[len(lines)-2])
	require.Equal(t, "LAST", lines[len(lines)-1])
}

func TestDispatchWithoutWait(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MinAvailable = 1
	p := newPool(t, scriptFactory(t, `echo preparing; echo 'PAUSED EXECUTION!'; read line; sleep 2`), cfg)

	out, err := p.Dispatch(t.Context(), false)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "preparing\nPAUSED EXECUTION!"), out)
	require.Equal(t, 1, p.Stats().Active)
}

func TestDispatchAnnotatesTimeout(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MinAvailable = 1
	cfg.CompletionTimeout = 200 * time.Millisecond
	p := newPool(t, scriptFactory(t, `echo 'PAUSED EXECUTION!'; read line; echo started; sleep 5`), cfg)

	out, err := p.Dispatch(t.Context(), true)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "ABORTED AFTER 0.2 SECONDS\n"), out)

	// the runner is not killed, only annotated
	require.Equal(t, 1, p.Stats().Active)
}

func TestCircuitOpens(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.Cooldown = time.Hour
	p := newPool(t, scriptFactory(t, `echo broken; exit 1`), cfg)

	require.Eventually(t, func() bool {
		_ = p.Refresh(t.Context())
		return p.Stats().CircuitOpen
	}, 5*time.Second, 50*time.Millisecond)

	stats := p.Stats()
	require.Greater(t, stats.Outcomes[runner.NeverReachedCheckpoint], 1)
	require.Zero(t, stats.Available)

	out, err := p.Dispatch(t.Context(), true)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "TOO MANY FAILURES, COOLING DOWN"), out)

	// nothing is spawned while the circuit is open
	require.NoError(t, p.Refresh(t.Context()))
	require.Equal(t, stats.Created, p.Stats().Created)
}

func TestCooldownRaisesThreshold(t *testing.T) {
	t.Parallel()
	var now atomic.Int64
	now.Store(time.Now().UnixNano())

	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.ThresholdStep = 2
	cfg.Cooldown = time.Minute
	cfg.Now = func() time.Time { return time.Unix(0, now.Load()) }
	p := newPool(t, scriptFactory(t, `exit 1`), cfg)

	require.Eventually(t, func() bool {
		_ = p.Refresh(t.Context())
		return p.Stats().CircuitOpen
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, 1, p.Stats().Threshold)

	now.Add(int64(2 * time.Minute))
	_, err := p.Dispatch(t.Context(), false)
	require.NoError(t, err)
	require.Equal(t, 3, p.Stats().Threshold)
}

func TestStaleRunnerIsNeverDispatched(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	var created atomic.Int32
	factory := func(context.Context) (runner.Spec, error) {
		n := created.Add(1) - 1
		return runner.Spec{
			Command: runner.Command{
				Path: sh,
				Args: []string{"-c", fmt.Sprintf(`echo runner-%d; echo 'PAUSED EXECUTION!'; read line; echo done`, n)},
			},
			Stale: func() bool { return n < 2 },
		}, nil
	}
	p := newPool(t, factory, testConfig())
	require.NoError(t, p.Refresh(t.Context()))

	out, err := p.Dispatch(t.Context(), true)
	require.NoError(t, err)
	require.NotContains(t, out, "runner-0")
	require.NotContains(t, out, "runner-1")
	require.Contains(t, out, "done")
}

func TestDispatchNoRunner(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxResumeAttempts = 3
	sh := shell(t)
	factory := func(context.Context) (runner.Spec, error) {
		return runner.Spec{
			Command: runner.Command{Path: sh, Args: []string{"-c", checkpoint}},
			Stale:   func() bool { return true },
		}, nil
	}
	p := newPool(t, factory, cfg)

	_, err := p.Dispatch(t.Context(), true)
	require.ErrorIs(t, err, pool.ErrNoRunner)
}

func TestFactoryError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	p := newPool(t, func(context.Context) (runner.Spec, error) {
		return runner.Spec{}, boom
	}, testConfig())

	require.ErrorIs(t, p.Refresh(t.Context()), boom)
	_, err := p.Dispatch(t.Context(), true)
	require.ErrorIs(t, err, boom)
}

func TestDispatchIsSerialized(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MinAvailable = 1
	p := newPool(t, scriptFactory(t, checkpoint), cfg)

	const n = 3
	var wg sync.WaitGroup
	outs := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i], errs[i] = p.Dispatch(t.Context(), true)
		}()
	}
	wg.Wait()
	for i := range n {
		require.NoError(t, errs[i])
		require.Contains(t, outs[i], "compiled")
	}
	require.GreaterOrEqual(t, p.Stats().Created, n)
}

func TestStopMaintaining(t *testing.T) {
	t.Parallel()
	p := newPool(t, scriptFactory(t, checkpoint), testConfig())

	require.True(t, p.StopMaintaining(t.Context()))
	p.Maintain()
	p.Maintain()
	require.Eventually(t, func() bool {
		return p.Stats().Available == 2
	}, 5*time.Second, 20*time.Millisecond)
	require.True(t, p.StopMaintaining(t.Context()))
}

func TestDispatchAfterMaintenanceStopTimeout(t *testing.T) {
	t.Parallel()
	sh := shell(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	factory := func(context.Context) (runner.Spec, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return runner.Spec{
			Command: runner.Command{Path: sh, Args: []string{"-c", checkpoint}},
		}, nil
	}
	cfg := testConfig()
	cfg.MinAvailable = 1
	cfg.StopTimeout = 50 * time.Millisecond
	p := newPool(t, factory, cfg)

	// the first refresh of the maintenance loop hangs in the factory
	p.Maintain()
	<-entered
	time.AfterFunc(300*time.Millisecond, func() { close(release) })
	require.False(t, p.StopMaintaining(t.Context()))

	out, err := p.Dispatch(t.Context(), true)
	require.NoError(t, err)
	require.Contains(t, out, "compiled")
}

func TestClose(t *testing.T) {
	t.Parallel()
	p := newPool(t, scriptFactory(t, checkpoint), testConfig())
	require.NoError(t, p.Refresh(t.Context()))
	available := p.Available()

	p.Close(t.Context())
	for _, r := range available {
		require.Equal(t, runner.Finished, r.State())
	}

	_, err := p.Dispatch(t.Context(), true)
	require.ErrorIs(t, err, pool.ErrClosed)
	require.ErrorIs(t, p.Refresh(t.Context()), pool.ErrClosed)
}

func TestSummary(t *testing.T) {
	t.Parallel()
	p := newPool(t, scriptFactory(t, checkpoint), testConfig())
	require.Equal(t,
		"TestSummary: 0 successful runs, 0 nonzero exit codes, 0 aborted runners and 0 runners which never reached the checkpoint",
		p.Summary())
}
