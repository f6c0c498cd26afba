// Package download provides the concurrency gate and tee streaming used to
// serve release assets. An asset fetched from upstream is streamed to the
// HTTP client while a bounded side channel writes the same bytes to the blob
// cache, so the client never waits on disk.
package download

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ghrelease/release-cache/telemetry"
)

// Gate bounds the number of concurrent asset downloads. A permit is held for
// the whole lifetime of the response stream, not just the upstream fetch.
type Gate struct {
	sem *semaphore.Weighted
	max int64
}

// NewGate creates a gate allowing up to maxConcurrent simultaneous downloads.
func NewGate(maxConcurrent int64) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Gate{
		sem: semaphore.NewWeighted(maxConcurrent),
		max: maxConcurrent,
	}
}

// Max returns the configured concurrency limit.
func (g *Gate) Max() int64 {
	return g.max
}

// Acquire blocks until a permit is available or the context is done. The
// returned permit must be released exactly once; Release is safe to call
// multiple times.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	telemetry.DownloadStarted(ctx)
	return &Permit{gate: g}, nil
}

// Permit represents one slot of download concurrency.
type Permit struct {
	gate *Gate
	once sync.Once
}

// Release returns the permit to the gate. Idempotent.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.gate.sem.Release(1)
		telemetry.DownloadFinished(context.Background())
	})
}
