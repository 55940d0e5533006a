package transform

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/openhealthdata/provider-etl/internal/extractor"
)

// Pool is a fixed-size pool of transform workers.
// Work is dataset-granular: one payload is assigned to one worker at a time,
// and workers are otherwise stateless and interchangeable.
type Pool struct {
	workers int
}

// NewPool returns a pool with the given number of workers.
// A non-positive count defaults to the available hardware parallelism.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{workers: workers}
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int {
	return p.workers
}

// Start launches the workers. Each worker consumes payloads from in and sends
// exactly one Result per payload to out. out is closed once in is closed and
// all workers have drained.
//
// A blocked send on out suspends the worker, which in turn stops it from
// consuming in: backpressure propagates upstream through the bounded channels.
func (p *Pool) Start(ctx context.Context, in <-chan *extractor.Payload, out chan<- Result) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, in, out)
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	slog.Debug("Transform pool started", "workers", p.workers)
}

func (p *Pool) work(ctx context.Context, in <-chan *extractor.Payload, out chan<- Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-in:
			if !ok {
				return
			}

			batch, err := Transform(payload)
			res := Result{
				Dataset:  payload.Descriptor.ID,
				Attempts: payload.Attempts,
				Batch:    batch,
				Err:      err,
			}

			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}
