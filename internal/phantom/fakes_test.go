package phantom

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/phantom/internal/domain"
)

// fakeClock advances itself by the requested duration on every After call so
// pacing waits complete immediately while still moving time forward. Once
// holdFrom is positive, the wait with that index and every later one never fire.
type fakeClock struct {
	mu       sync.Mutex
	now      time.Time
	waits    []time.Duration
	holdFrom int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	if c.holdFrom > 0 && len(c.waits) >= c.holdFrom {
		return ch
	}
	c.now = c.now.Add(d)
	ch <- c.now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    []GenerateRequest
	result   *TurnResult
	err      error
	entered  chan struct{}
	release  chan struct{}
	honorCtx bool
}

func (g *fakeGenerator) Generate(ctx context.Context, req GenerateRequest) (*TurnResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	entered, release := g.entered, g.release
	g.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		if g.honorCtx {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-release
		}
	}
	return g.result, g.err
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGenerator) LastCall() GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

type fakeRecorder struct {
	mu    sync.Mutex
	turns []domain.PhantomTurn
	err   error
}

func (r *fakeRecorder) RecordTurn(_ context.Context, turn *domain.PhantomTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, *turn)
	return r.err
}

func (r *fakeRecorder) Turns() []domain.PhantomTurn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PhantomTurn(nil), r.turns...)
}

func drainPhases(ch <-chan PhaseEvent) []Phase {
	var phases []Phase
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return phases
			}
			phases = append(phases, ev.Phase)
		default:
			return phases
		}
	}
}
