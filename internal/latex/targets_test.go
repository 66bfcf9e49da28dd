package latex_test

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/prewarm/internal/latex"
	"github.com/CZERTAINLY/prewarm/internal/runner"
	"github.com/stretchr/testify/require"
)

func texFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "thesis.tex")
	require.NoError(t, os.WriteFile(path, []byte(`\documentclass{article}`), 0o644))
	return path
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	wd, err := os.Getwd()
	require.NoError(t, err)

	var testCases = []struct {
		given string
		then  string
	}{
		{"/doc/thesis.tex", "/doc/thesis.tex"},
		{"/doc/thesis", "/doc/thesis.tex"},
		{"/doc/thesis.pdf", "/doc/thesis.tex"},
		{"thesis", filepath.Join(wd, "thesis.tex")},
		{" sub/thesis.tex ", filepath.Join(wd, "sub", "thesis.tex")},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			got, err := latex.Normalize(tc.given)
			require.NoError(t, err)
			require.Equal(t, filepath.FromSlash(tc.then), got)
		})
	}

	_, err = latex.Normalize("  ")
	require.ErrorIs(t, err, latex.ErrTargetNotFound)
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()
	targets, err := latex.New(latex.Config{})
	require.NoError(t, err)

	_, _, err = targets.Resolve(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, latex.ErrTargetNotFound)
	require.ErrorContains(t, err, "missing.tex does not exist")
}

func TestResolve(t *testing.T) {
	file := texFile(t)
	dir := filepath.Dir(file)
	t.Setenv("PREWARM_TEST_INPUTS", "/opt/tex")

	targets, err := latex.New(latex.Config{
		Command: `lualatex --output-directory={tmpdir} "{file}" {stem} {dir} {outdir}`,
		Env: map[string]string{
			"texinputs": "$PREWARM_TEST_INPUTS",
			"lang":      "C",
		},
		OutDir:     "build",
		StaleCheck: true,
		Options:    runner.Options{Marker: "HALT"},
	})
	require.NoError(t, err)

	key, factory, err := targets.Resolve(strings.TrimSuffix(file, ".tex"))
	require.NoError(t, err)
	require.Equal(t, file, key)

	spec, err := factory(t.Context())
	require.NoError(t, err)

	outDir := filepath.Join(dir, "build")
	tmpDir := strings.TrimPrefix(spec.Command.Args[0], "--output-directory=")
	require.Equal(t, outDir, filepath.Dir(tmpDir))
	require.Regexp(t, regexp.MustCompile(`^\d\d-\d\d-\d\d\(\d{4}\)$`), filepath.Base(tmpDir))
	require.DirExists(t, tmpDir)

	require.Equal(t, "lualatex", spec.Command.Path)
	require.Equal(t, []string{"--output-directory=" + tmpDir, file, "thesis", dir, outDir}, spec.Command.Args)
	require.Equal(t, []string{"LANG=C", "TEXINPUTS=/opt/tex", latex.PauseEnv}, spec.Command.Env)
	require.Equal(t, dir, spec.Dir)
	require.Equal(t, "HALT", spec.Options.Marker)

	require.NotNil(t, spec.Stale)
	require.False(t, spec.Stale())
	require.NoError(t, os.WriteFile(file, []byte(`\documentclass{book} changed`), 0o644))
	require.True(t, spec.Stale())
	require.NoError(t, os.Remove(file))
	require.True(t, spec.Stale())

	require.Equal(t, 1, targets.InUse())
	spec.OnFinish()
	require.Zero(t, targets.InUse())
}

func TestUniqueTempDirs(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 1, 13, 4, 59, 0, time.UTC)
	targets, err := latex.New(latex.Config{
		Command: "lualatex {tmpdir}",
		Now:     func() time.Time { return now },
	})
	require.NoError(t, err)
	_, factory, err := targets.Resolve(texFile(t))
	require.NoError(t, err)

	seen := map[string]bool{}
	for range 20 {
		spec, err := factory(t.Context())
		require.NoError(t, err)
		tmpDir := spec.Command.Args[0]
		require.True(t, strings.HasPrefix(filepath.Base(tmpDir), "13-04-59("), tmpDir)
		require.False(t, seen[tmpDir], tmpDir)
		seen[tmpDir] = true
	}
}

func TestSpawnFailureReleasesTempDir(t *testing.T) {
	t.Parallel()
	targets, err := latex.New(latex.Config{Command: "/does/not/exist/lualatex {tmpdir}"})
	require.NoError(t, err)
	_, factory, err := targets.Resolve(texFile(t))
	require.NoError(t, err)
	spec, err := factory(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, targets.InUse())

	_, err = runner.Start(t.Context(), spec)
	require.Error(t, err)
	require.Zero(t, targets.InUse())
}

func TestStaleCheckDisabled(t *testing.T) {
	t.Parallel()
	targets, err := latex.New(latex.Config{Command: "true"})
	require.NoError(t, err)
	_, factory, err := targets.Resolve(texFile(t))
	require.NoError(t, err)
	spec, err := factory(t.Context())
	require.NoError(t, err)
	require.Nil(t, spec.Stale)
}

func TestNewErrors(t *testing.T) {
	t.Parallel()
	_, err := latex.New(latex.Config{Command: `lualatex "unterminated`})
	require.Error(t, err)

	targets, err := latex.New(latex.Config{})
	require.NoError(t, err)
	require.NotNil(t, targets)
}

func TestPrintCommand(t *testing.T) {
	t.Parallel()
	file := texFile(t)
	targets, err := latex.New(latex.Config{
		Command: `lualatex --interaction=nonstopmode "{file}"`,
		Env:     map[string]string{"texinputs": ".:/my tex"},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, targets.PrintCommand(&buf, file))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "export 'TEXINPUTS=.:/my tex'", lines[1])
	require.Equal(t, "export "+latex.PauseEnv, lines[2])
	require.Equal(t, "lualatex --interaction=nonstopmode "+file, lines[3])
}
