package transforms

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// WorkerPool runs independent jobs on a bounded number of goroutines.
type WorkerPool struct {
	workerCount int
}

// NewWorkerPool creates a pool of workerCount goroutines (0 = NumCPU).
func NewWorkerPool(workerCount int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	return &WorkerPool{workerCount: workerCount}
}

// WorkerCount returns the number of worker goroutines.
func (p *WorkerPool) WorkerCount() int { return p.workerCount }

// executeOrdered applies fn to every input and returns the results in input
// order. The sequential path stops at the first error. The concurrent path
// lets every started job finish and reports the error of the lowest failing
// index. Either way results holds the output of every job that ran.
func executeOrdered[In, Out any](ctx context.Context, p *WorkerPool, inputs []In, fn func(context.Context, In) (Out, error)) ([]Out, error) {
	results := make([]Out, len(inputs))
	if p == nil || p.workerCount == 1 || len(inputs) < 2 {
		for i, in := range inputs {
			out, err := fn(ctx, in)
			results[i] = out
			if err != nil {
				return results, err
			}
		}
		return results, nil
	}

	errs := make([]error, len(inputs))
	var g errgroup.Group
	g.SetLimit(p.workerCount)
	for i := range inputs {
		i := i
		g.Go(func() error {
			results[i], errs[i] = fn(ctx, inputs[i])
			return errs[i]
		})
	}
	if err := g.Wait(); err == nil {
		return results, nil
	}

	// Wait reports whichever job failed first in time
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
