// Package fanout runs a small fixed set of independent calls
// concurrently and joins all of them. Individual failures are carried
// in the result slice, never swallowed, so reducers can state their
// partial-failure policy explicitly.
package fanout

import (
	"context"
	"sync"
)

// Result holds one task's outcome. Index matches the submission order.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// Run executes call for indices 0..n-1 with a worker per task (fan-out
// widths here are 2-3, so pool width equals n) and waits for every
// task to finish. There is no early cancellation of stragglers; the
// join is all-or-timeout via each call's own ctx handling. Results are
// ordered by index.
func Run[T any](ctx context.Context, n int, call func(ctx context.Context, i int) (T, error)) []Result[T] {
	results := make([]Result[T], n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := call(ctx, i)
			results[i] = Result[T]{Index: i, Value: v, Err: err}
		}(i)
	}
	wg.Wait()
	return results
}

// Successes filters a result slice down to the values that completed,
// preserving submission order.
func Successes[T any](results []Result[T]) []T {
	out := make([]T, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Value)
		}
	}
	return out
}
