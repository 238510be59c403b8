// Package worker provides the bounded fan-out pool the orchestrator uses to
// collect indices concurrently. Results come back in input order, and a
// panicking task fails only its own slot.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// Result pairs a task value with its original index to preserve ordering.
type Result[I, O any] struct {
	Index int
	Input I
	Value O
	Err   error
}

// Pool fans tasks out to a fixed number of goroutines.
type Pool[I, O any] struct {
	concurrency int
}

// NewPool creates a pool with the given concurrency; <= 0 means NumCPU.
func NewPool[I, O any](concurrency int) *Pool[I, O] {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Pool[I, O]{concurrency: concurrency}
}

// Process applies fn to every item and returns results in input order.
// A panic inside fn is recovered into that item's error. Items not yet
// started when ctx is cancelled report ctx.Err().
func (p *Pool[I, O]) Process(ctx context.Context, items []I, fn func(context.Context, I) (O, error)) []Result[I, O] {
	if len(items) == 0 {
		return nil
	}

	workers := p.concurrency
	if workers > len(items) {
		workers = len(items)
	}

	type job struct {
		index int
		item  I
	}

	jobs := make(chan job, len(items))
	results := make([]Result[I, O], len(items))
	var wg sync.WaitGroup

	run := func(j job) (out O, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panic: %v", r)
			}
		}()
		return fn(ctx, j.item)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if ctx.Err() != nil {
					results[j.index] = Result[I, O]{Index: j.index, Input: j.item, Err: ctx.Err()}
					continue
				}
				val, err := run(j)
				results[j.index] = Result[I, O]{Index: j.index, Input: j.item, Value: val, Err: err}
			}
		}()
	}

	for i, item := range items {
		jobs <- job{index: i, item: item}
	}
	close(jobs)
	wg.Wait()

	return results
}
