// Package pool fans work out over a fixed number of goroutines.
package pool

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/cforg/internal/metrics"
)

// DefaultSize keeps four requests in flight, under Codeforces' five per second.
const DefaultSize = 4

// Pool bounds how many calls run at once.
type Pool struct {
	size    int
	metrics *metrics.Metrics
}

// New creates a pool of size workers. Non-positive sizes use DefaultSize.
func New(size int, m *metrics.Metrics) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{size: size, metrics: m}
}

// Size returns the concurrency ceiling.
func (p *Pool) Size() int { return p.size }

// Map applies fn to every item with at most p.Size() calls in flight and
// returns the results in input order. It blocks until every started call has
// returned. The first error aborts the batch: items not yet started are
// skipped and calls already running see their context cancelled.
func Map[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	results := make([]R, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)

	for i := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p.metrics.PoolStarted()
			defer p.metrics.PoolDone()

			r, err := fn(gctx, items[i])
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
