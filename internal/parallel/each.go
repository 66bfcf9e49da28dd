package parallel

import (
	"context"
	"errors"
	"iter"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Each calls fn for every element of seq, running at most limit calls at the
// same time, and waits for all of them. Errors do not stop the other calls;
// they are joined. Once ctx is canceled no new call is started.
//
//	err := parallel.Each(ctx, 4, maps.Values(m), closeFunc)
func Each[E any](ctx context.Context, limit int, seq iter.Seq[E], fn func(context.Context, E) error) error {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	var mx sync.Mutex
	var errs []error
	collect := func(err error) {
		mx.Lock()
		errs = append(errs, err)
		mx.Unlock()
	}

	for e := range seq {
		if err := ctx.Err(); err != nil {
			collect(err)
			break
		}
		g.Go(func() error {
			if err := fn(ctx, e); err != nil {
				collect(err)
			}
			return nil
		})
	}
	_ = g.Wait() // goroutines do not return an error
	return errors.Join(errs...)
}
