package utils

import (
	"context"
	"sync"
)

type CompletedTask[T any] struct {
	Index  int
	Result T
	Error  error
}

// RunInPool feeds inputs to at most maxWorkers goroutines and streams the
// results. Index is the position of the input that produced each result. The
// returned channel is closed once every worker exits; inputs not yet started
// when ctx is cancelled are skipped.
func RunInPool[In any, Out any](ctx context.Context, worker func(context.Context, In) (Out, error), inputs []In, maxWorkers int) <-chan CompletedTask[Out] {
	completed := make(chan CompletedTask[Out], len(inputs))

	queue := make(chan int, len(inputs))
	for i := range inputs {
		queue <- i
	}
	close(queue)

	workers := max(min(len(inputs), maxWorkers), 1)

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for idx := range queue {
					if ctx.Err() != nil {
						completed <- CompletedTask[Out]{Index: idx, Error: ctx.Err()}
						continue
					}
					res, err := worker(ctx, inputs[idx])
					completed <- CompletedTask[Out]{Index: idx, Result: res, Error: err}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()

	return completed
}

// Collect drains a pool's results into input order, returning the first error.
func Collect[T any](results <-chan CompletedTask[T], n int) ([]T, error) {
	out := make([]T, n)
	var firstErr error
	for res := range results {
		if res.Error != nil {
			if firstErr == nil {
				firstErr = res.Error
			}
			continue
		}
		out[res.Index] = res.Result
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
