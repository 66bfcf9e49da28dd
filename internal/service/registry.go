package service

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/CZERTAINLY/prewarm/internal/parallel"
	"github.com/CZERTAINLY/prewarm/internal/pool"
)

// Resolver validates a target key and returns its normalized form together
// with the factory of its runners.
type Resolver interface {
	Resolve(key string) (string, pool.Factory, error)
}

// Registry owns one pool per normalized target key. Pools are created on the
// first request and live until Close.
type Registry struct {
	ctx      context.Context
	resolver Resolver
	cfg      pool.Config
	pools    *xsync.MapOf[string, *pool.Pool]
}

func NewRegistry(ctx context.Context, resolver Resolver, cfg pool.Config) *Registry {
	return &Registry{
		ctx:      ctx,
		resolver: resolver,
		cfg:      cfg,
		pools:    xsync.NewMapOf[string, *pool.Pool](),
	}
}

func (r *Registry) pool(ctx context.Context, key string) (*pool.Pool, error) {
	norm, factory, err := r.resolver.Resolve(key)
	if err != nil {
		return nil, err
	}
	p, loaded := r.pools.LoadOrCompute(norm, func() *pool.Pool {
		return pool.New(r.ctx, norm, factory, r.cfg)
	})
	if !loaded {
		slog.InfoContext(ctx, "new pool created", "target", norm)
	}
	return p, nil
}

// Dispatch resolves key and dispatches one runner of its pool.
func (r *Registry) Dispatch(ctx context.Context, key string, wait bool) (string, error) {
	p, err := r.pool(ctx, key)
	if err != nil {
		return "", err
	}
	return p.Dispatch(ctx, wait)
}

// Warm creates the pool of key and starts its maintenance without
// dispatching anything.
func (r *Registry) Warm(ctx context.Context, key string) (string, error) {
	p, err := r.pool(ctx, key)
	if err != nil {
		return "", err
	}
	p.Maintain()
	return p.Name(), nil
}

// Pool returns the pool of an already normalized key.
func (r *Registry) Pool(key string) (*pool.Pool, bool) {
	return r.pools.Load(key)
}

func (r *Registry) Len() int {
	return r.pools.Size()
}

// Stats returns the stats of every pool ordered by key.
func (r *Registry) Stats() []pool.Stats {
	ret := make([]pool.Stats, 0, r.pools.Size())
	r.pools.Range(func(_ string, p *pool.Pool) bool {
		ret = append(ret, p.Stats())
		return true
	})
	slices.SortFunc(ret, func(a, b pool.Stats) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return ret
}

// Close stops every pool.
func (r *Registry) Close(ctx context.Context) error {
	pools := func(yield func(*pool.Pool) bool) {
		r.pools.Range(func(_ string, p *pool.Pool) bool {
			return yield(p)
		})
	}
	err := parallel.Each(context.WithoutCancel(ctx), 8, pools, func(ctx context.Context, p *pool.Pool) error {
		p.Close(ctx)
		slog.DebugContext(ctx, "pool closed", "target", p.Name())
		return nil
	})
	if err != nil {
		return fmt.Errorf("closing pools: %w", err)
	}
	return nil
}
