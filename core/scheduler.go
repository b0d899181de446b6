package core

import (
	"context"
	"time"
)

// scheduler runs evaluations on a fixed tick and on explicit kicks. One
// goroutine owns the loop, so evaluations never overlap; a kick arriving
// mid-evaluation is held in the buffered channel and runs next.
type scheduler struct {
	interval time.Duration
	eval     func(ctx context.Context)
	kick     chan struct{}
	done     chan struct{}
}

func newScheduler(interval time.Duration, eval func(ctx context.Context)) *scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &scheduler{
		interval: interval,
		eval:     eval,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *scheduler) start(ctx context.Context) {
	go s.run(ctx)
}

func (s *scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if ctx.Err() != nil {
			return
		}
		s.eval(ctx)
	}
}

// Kick requests an evaluation without waiting for the next tick.
func (s *scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// wait blocks until the loop has exited or ctx ends.
func (s *scheduler) wait(ctx context.Context) {
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}
