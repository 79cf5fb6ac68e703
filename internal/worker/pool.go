package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// InFlightFunc is notified whenever the number of running tasks changes
type InFlightFunc func(running int)

// Pool runs blocking work (ffmpeg, provider uploads) with bounded parallelism
// so that request handling never waits behind an unbounded number of them.
type Pool struct {
	size int
	sem  *semaphore.Weighted
	wg   sync.WaitGroup

	running   atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	abandoned atomic.Uint64

	onChange InFlightFunc
}

// Stats is a snapshot of pool activity
type Stats struct {
	Size      int    `json:"size"`
	Running   int    `json:"running"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Abandoned uint64 `json:"abandoned"`
}

// NewPool creates a pool that runs at most size tasks at once
func NewPool(size int, onChange InFlightFunc) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}
	return &Pool{
		size:     size,
		sem:      semaphore.NewWeighted(int64(size)),
		onChange: onChange,
	}, nil
}

// Do runs fn on the pool and waits for its result. If ctx ends first, Do
// returns ctx.Err() and fn keeps its slot until it returns on its own.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire worker: %w", err)
	}

	p.wg.Add(1)
	p.track(1)

	done := make(chan error, 1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.track(-1)

		err := fn(ctx)
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.abandoned.Add(1)
		return ctx.Err()
	}
}

func (p *Pool) track(delta int64) {
	n := p.running.Add(delta)
	if p.onChange != nil {
		p.onChange(int(n))
	}
}

// Wait blocks until every started task has returned
func (p *Pool) Wait() {
	p.wg.Wait()
}

// GetStats returns current pool statistics
func (p *Pool) GetStats() Stats {
	return Stats{
		Size:      p.size,
		Running:   int(p.running.Load()),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Abandoned: p.abandoned.Load(),
	}
}
