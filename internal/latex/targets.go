package latex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/shlex"

	"github.com/CZERTAINLY/prewarm/internal/model"
	"github.com/CZERTAINLY/prewarm/internal/pool"
	"github.com/CZERTAINLY/prewarm/internal/runner"
)

// PauseEnv makes the LaTeX engine stop at the checkpoint.
const PauseEnv = "LATEX_ALLOW_PAUSE_EXECUTION=true"

var ErrTargetNotFound = errors.New("target not found")

type Config struct {
	// Command is split like a shell would do it. Every argument may use the
	// {file} {stem} {dir} {outdir} and {tmpdir} placeholders.
	Command string
	Env     map[string]string
	// OutDir is relative to the directory of the .tex file.
	OutDir     string
	StaleCheck bool
	Options    runner.Options
	Now        func() time.Time
}

// ConfigFromModel converts the compiler section of the configuration.
func ConfigFromModel(cfg model.Compiler, opts runner.Options) Config {
	ret := Config{
		Command:    cfg.Command,
		Env:        cfg.Env,
		OutDir:     cfg.OutDir,
		StaleCheck: true,
		Options:    opts,
	}
	if cfg.StaleCheck != nil {
		ret.StaleCheck = *cfg.StaleCheck
	}
	return ret
}

// Targets turns target keys, paths of .tex files, into runner factories.
type Targets struct {
	cfg  Config
	argv []string
	env  []string
	// tmp directories owned by live runners
	inUse mapset.Set[string]
	// output directories of every resolved target
	outDirs mapset.Set[string]
}

func New(cfg Config) (*Targets, error) {
	if cfg.Command == "" {
		cfg.Command = model.DefaultCommand
	}
	if cfg.OutDir == "" {
		cfg.OutDir = model.DefaultOutDir
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	argv, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parsing compiler command: %w", err)
	}
	if len(argv) == 0 {
		return nil, runner.ErrNoCommand
	}
	return &Targets{
		cfg:     cfg,
		argv:    argv,
		env:     environ(cfg.Env),
		inUse:   mapset.NewSet[string](),
		outDirs: mapset.NewSet[string](),
	}, nil
}

func environ(m map[string]string) []string {
	env := make([]string, 0, len(m)+1)
	for _, k := range slices.Sorted(maps.Keys(m)) {
		v := m[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return append(env, PauseEnv)
}

// Normalize makes the key an absolute path with the .tex extension.
func Normalize(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("empty target: %w", ErrTargetNotFound)
	}
	abs, err := filepath.Abs(key)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", key, err)
	}
	return strings.TrimSuffix(abs, filepath.Ext(abs)) + ".tex", nil
}

// Resolve returns the normalized key and the factory of its runners. It
// fails with ErrTargetNotFound when the .tex file does not exist.
func (t *Targets) Resolve(key string) (string, pool.Factory, error) {
	file, err := Normalize(key)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(file)
	if err != nil || !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%s does not exist: %w", file, ErrTargetNotFound)
	}
	outDir := t.outDir(file)
	t.outDirs.Add(outDir)

	factory := func(ctx context.Context) (runner.Spec, error) {
		return t.spec(ctx, file, outDir)
	}
	return file, factory, nil
}

func (t *Targets) outDir(file string) string {
	if filepath.IsAbs(t.cfg.OutDir) {
		return t.cfg.OutDir
	}
	return filepath.Join(filepath.Dir(file), t.cfg.OutDir)
}

func (t *Targets) spec(ctx context.Context, file, outDir string) (runner.Spec, error) {
	var stale func() bool
	if t.cfg.StaleCheck {
		info, err := os.Stat(file)
		if err != nil {
			return runner.Spec{}, fmt.Errorf("%s does not exist: %w", file, ErrTargetNotFound)
		}
		stale = staleness(file, info)
	}

	tmpDir, err := makeTempDir(outDir, t.cfg.Now())
	if err != nil {
		return runner.Spec{}, err
	}
	t.inUse.Add(tmpDir)
	slog.DebugContext(ctx, "temporary directory created", "target", file, "tmpdir", tmpDir)

	return runner.Spec{
		Command:  t.command(file, outDir, tmpDir),
		Dir:      filepath.Dir(file),
		Stale:    stale,
		OnFinish: func() { t.inUse.Remove(tmpDir) },
		Attrs: []slog.Attr{
			slog.String("target", file),
			slog.String("tmpdir", tmpDir),
		},
		Options: t.cfg.Options,
	}, nil
}

func (t *Targets) command(file, outDir, tmpDir string) runner.Command {
	r := strings.NewReplacer(
		"{file}", file,
		"{stem}", strings.TrimSuffix(filepath.Base(file), ".tex"),
		"{dir}", filepath.Dir(file),
		"{outdir}", outDir,
		"{tmpdir}", tmpDir,
	)
	args := make([]string, len(t.argv)-1)
	for i, a := range t.argv[1:] {
		args[i] = r.Replace(a)
	}
	return runner.Command{
		Path: r.Replace(t.argv[0]),
		Args: args,
		Env:  slices.Clone(t.env),
	}
}

// staleness reports a change of the file since info was taken.
func staleness(file string, info os.FileInfo) func() bool {
	modTime, size := info.ModTime(), info.Size()
	return func() bool {
		now, err := os.Stat(file)
		if err != nil {
			return true
		}
		return !now.ModTime().Equal(modTime) || now.Size() != size
	}
}

// tempDirName returns <outDir>/HH-MM-SS(NNNN).
func tempDirName(outDir string, now time.Time) string {
	return filepath.Join(outDir, now.Format("15-04-05")+"("+strconv.Itoa(1000+rand.IntN(9000))+")")
}

func makeTempDir(outDir string, now time.Time) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	dir := tempDirName(outDir, now)
	for {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("creating temporary directory: %w", err)
		}
		dir += "_"
	}
}

// PrintCommand writes the environment and the command a runner for key
// would execute.
func (t *Targets) PrintCommand(w io.Writer, key string) error {
	file, err := Normalize(key)
	if err != nil {
		return err
	}
	outDir := t.outDir(file)
	cmd := t.command(file, outDir, tempDirName(outDir, t.cfg.Now()))

	fmt.Fprintf(w, "cd %s\n", quote(filepath.Dir(file)))
	for _, e := range cmd.Env {
		fmt.Fprintf(w, "export %s\n", quote(e))
	}
	words := make([]string, 0, len(cmd.Args)+1)
	words = append(words, quote(cmd.Path))
	for _, a := range cmd.Args {
		words = append(words, quote(a))
	}
	_, err = fmt.Fprintln(w, strings.Join(words, " "))
	return err
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`*?;&|<>()") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
