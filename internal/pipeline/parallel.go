package pipeline

import (
	"context"
	"sort"

	"github.com/sourcegraph/conc/pool"
)

type indexed[T any] struct {
	i  int
	v  T
	ok bool
}

// each runs fn over items on at most workers goroutines and returns the
// values fn kept, in input order. The only error is ctx's.
func each[In, Out any](ctx context.Context, workers int, items []In, fn func(context.Context, In) (Out, bool)) ([]Out, error) {
	if workers < 1 {
		workers = 1
	}
	p := pool.NewWithResults[indexed[Out]]().
		WithContext(ctx).
		WithMaxGoroutines(workers)

	for i, item := range items {
		p.Go(func(ctx context.Context) (indexed[Out], error) {
			if err := ctx.Err(); err != nil {
				return indexed[Out]{}, err
			}
			v, ok := fn(ctx, item)
			return indexed[Out]{i: i, v: v, ok: ok}, nil
		})
	}

	results, err := p.Wait()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(a, b int) bool { return results[a].i < results[b].i })
	out := make([]Out, 0, len(results))
	for _, r := range results {
		if r.ok {
			out = append(out, r.v)
		}
	}
	return out, nil
}
