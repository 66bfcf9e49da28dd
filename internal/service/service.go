package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/prewarm/internal/latex"
	"github.com/CZERTAINLY/prewarm/internal/model"
	"github.com/CZERTAINLY/prewarm/internal/parallel"
	"github.com/CZERTAINLY/prewarm/internal/pool"
)

// Service is the long running server: a registry of pools behind the HTTP
// front end plus the cleanup of old temporary directories.
type Service struct {
	cfg       model.Config
	lock      *flock.Flock
	targets   *latex.Targets
	registry  *Registry
	server    *Server
	scheduler gocron.Scheduler
}

// New takes the single instance lock and builds every component. Pools
// live as long as ctx.
func New(ctx context.Context, cfg model.Config) (*Service, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	if cfg.Service.Listen == "" {
		cfg.Service.Listen = model.DefaultListen
	}

	lockPath := cfg.Service.LockFile
	if lockPath == "" {
		var err error
		lockPath, err = DefaultLockFile(cfg.Service.Listen)
		if err != nil {
			return nil, err
		}
	}
	lock, err := acquireLock(lockPath)
	if err != nil {
		return nil, err
	}

	s, err := build(ctx, cfg)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	s.lock = lock
	return s, nil
}

func build(ctx context.Context, cfg model.Config) (*Service, error) {
	poolCfg, opts := PoolConfig(cfg.Pool, cfg.Service.Verbose)
	targets, err := latex.New(latex.ConfigFromModel(cfg.Compiler, opts))
	if err != nil {
		return nil, fmt.Errorf("initializing targets: %w", err)
	}
	registry := NewRegistry(ctx, targets, poolCfg)

	s := &Service{
		cfg:      cfg,
		targets:  targets,
		registry: registry,
		server:   NewServer(registry),
	}

	if cfg.Cleanup.Enabled {
		maxAge := cfg.Cleanup.MaxAge.AsDuration()
		if maxAge <= 0 {
			return nil, errors.New("cleanup.max_age must be positive")
		}
		s.scheduler, err = newScheduler(ctx, cfg.Cleanup.Schedule, func() {
			s.sweep(ctx, maxAge)
		})
		if err != nil {
			return nil, fmt.Errorf("cleanup schedule failed: %w", err)
		}
	}
	return s, nil
}

func (s *Service) sweep(ctx context.Context, maxAge time.Duration) {
	removed, err := s.targets.Sweep(ctx, maxAge)
	if err != nil {
		slog.WarnContext(ctx, "cleanup of temporary directories failed", "error", err)
	}
	slog.DebugContext(ctx, "cleanup finished",
		"removed", removed,
		"in_use", s.targets.InUse(),
		"max_age", maxAge.String(),
	)
}

// Warm creates the pools of keys and starts their maintenance, so the first
// build of each finds a runner waiting.
func (s *Service) Warm(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		norm, err := s.registry.Warm(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		slog.InfoContext(ctx, "warming up", "target", norm)
	}
	return errors.Join(errs...)
}

func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) Server() *Server {
	return s.server
}

// Listen opens the configured address.
func (s *Service) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Service.Listen)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.cfg.Service.Listen, err)
	}
	return ln, nil
}

// Do serves requests on ln until ctx is canceled or a client asks the server
// to stop. Every startup target is dispatched once in the background, the
// way a request for it would be.
//
// Shutdown (deferred order): scheduler -> pools -> lock.
func (s *Service) Do(ctx context.Context, ln net.Listener, startup ...string) error {
	slog.DebugContext(ctx, "starting a service", "addr", ln.Addr().String())

	defer s.unlock(ctx)

	defer func() {
		if err := s.registry.Close(ctx); err != nil {
			slog.ErrorContext(ctx, "closing pools has failed", "error", err)
		}
	}()

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.server.Serve(gctx, ln)
	})
	if len(startup) > 0 {
		g.Go(func() error {
			return parallel.Each(gctx, 0, slices.Values(startup), s.dispatchStartup)
		})
	}
	return g.Wait()
}

func (s *Service) dispatchStartup(ctx context.Context, key string) error {
	out, err := s.registry.Dispatch(ctx, key, true)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		slog.ErrorContext(ctx, "startup build failed", "key", key, "error", err)
		return nil
	}
	level := slog.LevelInfo
	if strings.HasPrefix(out, pool.AbortedPrefix) || strings.HasPrefix(out, pool.CircuitOpenPrefix) {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "startup build finished", "key", key, "lines", strings.Count(out, "\n")+1)
	return nil
}

func (s *Service) unlock(ctx context.Context) {
	if s.lock == nil {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		slog.WarnContext(ctx, "releasing lock file", "path", s.lock.Path(), "error", err)
	}
}

// Close releases the resources of a service which never ran Do.
func (s *Service) Close(ctx context.Context) {
	if s.scheduler != nil {
		_ = s.scheduler.Shutdown()
	}
	_ = s.registry.Close(ctx)
	s.unlock(ctx)
}
