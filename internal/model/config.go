package model

import (
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogFormatJSON = "json"
	LogFormatText = "text"

	DefaultListen = "localhost:65012"
	DefaultMarker = "PAUSED EXECUTION!"
	DefaultOutDir = "out"

	// DefaultCommand mirrors the classic LaTeX build: copy the previous
	// results into a private directory, run the index and bibliography tools
	// and the engine there, then copy the results back.
	DefaultCommand = `sh -c 'mkdir -p "{tmpdir}"; cp "{outdir}"/{stem}* "{tmpdir}" 2>/dev/null; ` +
		`xindex -k "{tmpdir}/{stem}"; biber "{tmpdir}/{stem}"; ` +
		`lualatex --recorder --file-line-error --interaction=nonstopmode --synctex=1 --output-directory="{tmpdir}" "{file}"; ` +
		`cp "{tmpdir}"/{stem}* "{outdir}"; rm -r "{tmpdir}"'`
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version  int      `json:"version" yaml:"version"` // fixed 0 for now
	Service  Service  `json:"service" yaml:"service"`
	Pool     Pool     `json:"pool" yaml:"pool"`
	Compiler Compiler `json:"compiler" yaml:"compiler"`
	Cleanup  Cleanup  `json:"cleanup" yaml:"cleanup"`
}

type Service struct {
	Verbose   bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty"` // "json" | "text"
	Listen    string `json:"listen,omitempty" yaml:"listen,omitempty"`
	LockFile  string `json:"lock_file,omitempty" yaml:"lock_file,omitempty"` // empty => user cache dir
}

// Pool tunes the runner pools. Zero values are replaced by defaults.
type Pool struct {
	MinAvailable      *int     `json:"min_available,omitempty" yaml:"min_available,omitempty"`
	RefreshInterval   Duration `json:"refresh_interval,omitempty" yaml:"refresh_interval,omitempty"`
	InactivityTimeout Duration `json:"inactivity_timeout,omitempty" yaml:"inactivity_timeout,omitempty"`
	CompletionTimeout Duration `json:"completion_timeout,omitempty" yaml:"completion_timeout,omitempty"`
	CompletionPoll    Duration `json:"completion_poll,omitempty" yaml:"completion_poll,omitempty"`
	StopTimeout       Duration `json:"stop_timeout,omitempty" yaml:"stop_timeout,omitempty"`
	ResumePoll        Duration `json:"resume_poll,omitempty" yaml:"resume_poll,omitempty"`
	DrainTimeout      Duration `json:"drain_timeout,omitempty" yaml:"drain_timeout,omitempty"`
	FailureThreshold  *int     `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	ThresholdStep     int      `json:"threshold_step,omitempty" yaml:"threshold_step,omitempty"`
	Cooldown          Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	MaxResumeAttempts int      `json:"max_resume_attempts,omitempty" yaml:"max_resume_attempts,omitempty"`
	Marker            string   `json:"marker,omitempty" yaml:"marker,omitempty"`
}

type Compiler struct {
	Command    string            `json:"command,omitempty" yaml:"command,omitempty"` // template split like a shell
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // values starting with $ are expanded
	OutDir     string            `json:"outdir,omitempty" yaml:"outdir,omitempty"`   // relative to the .tex file
	StaleCheck *bool             `json:"stale_check,omitempty" yaml:"stale_check,omitempty"`
}

type Cleanup struct {
	Enabled  bool      `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Schedule *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	MaxAge   Duration  `json:"max_age,omitempty" yaml:"max_age,omitempty"`
}

// Schedule is either a cron expression or an ISO-8601 duration.
type Schedule struct {
	Cron     string   `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

func ptr[T any](v T) *T {
	return &v
}

// DefaultConfig returns the configuration written when no config file
// exists.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Service: Service{
			LogFormat: LogFormatJSON,
			Listen:    DefaultListen,
		},
		Pool: Pool{
			MinAvailable:      ptr(2),
			RefreshInterval:   Duration(2 * time.Second),
			InactivityTimeout: Duration(15 * time.Second),
			CompletionTimeout: Duration(60 * time.Second),
			CompletionPoll:    Duration(500 * time.Millisecond),
			StopTimeout:       Duration(4 * time.Second),
			ResumePoll:        Duration(400 * time.Millisecond),
			DrainTimeout:      Duration(50 * time.Millisecond),
			FailureThreshold:  ptr(2),
			ThresholdStep:     2,
			Cooldown:          Duration(5 * time.Minute),
			MaxResumeAttempts: 10,
			Marker:            DefaultMarker,
		},
		Compiler: Compiler{
			Command:    DefaultCommand,
			OutDir:     DefaultOutDir,
			StaleCheck: ptr(true),
		},
		Cleanup: Cleanup{
			Enabled:  true,
			Schedule: &Schedule{Duration: Duration(5 * time.Minute)},
			MaxAge:   Duration(15 * time.Minute),
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}
