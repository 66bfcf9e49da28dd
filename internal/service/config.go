package service

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/CZERTAINLY/prewarm/internal/model"
	"github.com/CZERTAINLY/prewarm/internal/pool"
	"github.com/CZERTAINLY/prewarm/internal/runner"
)

// EnvPrefix prefixes environment variables which override the config file,
// e.g. PREWARM_LISTEN or PREWARM_POOL_MIN_AVAILABLE.
const EnvPrefix = "PREWARM"

// Keys understood by ApplyOverrides.
const (
	KeyVerbose      = "verbose"
	KeyListen       = "listen"
	KeyLogFormat    = "log_format"
	KeyMinAvailable = "pool.min_available"
)

// NewViper returns a viper instance reading PREWARM_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies the values set in v, by a bound flag or by the
// environment, over cfg.
func ApplyOverrides(v *viper.Viper, cfg *model.Config) {
	if v.IsSet(KeyVerbose) {
		cfg.Service.Verbose = v.GetBool(KeyVerbose)
	}
	if v.IsSet(KeyListen) {
		cfg.Service.Listen = v.GetString(KeyListen)
	}
	if v.IsSet(KeyLogFormat) {
		cfg.Service.LogFormat = v.GetString(KeyLogFormat)
	}
	if v.IsSet(KeyMinAvailable) {
		n := v.GetInt(KeyMinAvailable)
		cfg.Pool.MinAvailable = &n
	}
}

// PoolConfig converts the pool section. Zero values keep the defaults of
// the pool and runner packages.
func PoolConfig(cfg model.Pool, verbose bool) (pool.Config, runner.Options) {
	pc := pool.DefaultConfig()
	if cfg.MinAvailable != nil {
		pc.MinAvailable = *cfg.MinAvailable
	}
	if cfg.FailureThreshold != nil {
		pc.FailureThreshold = *cfg.FailureThreshold
	}
	set(&pc.RefreshInterval, cfg.RefreshInterval)
	set(&pc.StopTimeout, cfg.StopTimeout)
	set(&pc.CompletionTimeout, cfg.CompletionTimeout)
	set(&pc.CompletionPoll, cfg.CompletionPoll)
	set(&pc.Cooldown, cfg.Cooldown)
	set(&pc.DrainTimeout, cfg.DrainTimeout)
	if cfg.ThresholdStep > 0 {
		pc.ThresholdStep = cfg.ThresholdStep
	}
	if cfg.MaxResumeAttempts > 0 {
		pc.MaxResumeAttempts = cfg.MaxResumeAttempts
	}
	pc.Verbose = verbose

	opts := runner.DefaultOptions()
	if cfg.Marker != "" {
		opts.Marker = cfg.Marker
	}
	set(&opts.InactivityTimeout, cfg.InactivityTimeout)
	set(&opts.ResumePoll, cfg.ResumePoll)
	set(&opts.DrainTimeout, cfg.DrainTimeout)
	opts.Verbose = verbose
	return pc, opts
}

func set(dst *time.Duration, d model.Duration) {
	if d > 0 {
		*dst = d.AsDuration()
	}
}
