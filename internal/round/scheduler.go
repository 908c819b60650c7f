package round

import (
	"context"
	"sync"
	"time"

	"github.com/roundtable-ai/roundtable-platform/pkg/logger"
	"github.com/roundtable-ai/roundtable-platform/pkg/metrics"
)

// Scheduler runs round continuations detached from the inbound connection.
// Tasks run on a context stripped of the request's cancellation, so a round
// keeps executing after the client navigates away, and the process waits for
// in-flight tasks during graceful shutdown.
type Scheduler struct {
	wg     sync.WaitGroup
	logger *logger.Logger

	mu     sync.Mutex
	active int
	closed bool
}

// NewScheduler creates a background continuation scheduler.
func NewScheduler(log *logger.Logger) *Scheduler {
	return &Scheduler{logger: log}
}

// Go runs fn as a detached background task. The task inherits the caller's
// context values (correlation ID, trace) but not its cancellation or
// deadline. Once Shutdown has begun, fresh tasks are rejected, but
// continuations scheduled by still-running tasks are accepted so an
// in-flight round can drain to a durable state.
func (s *Scheduler) Go(ctx context.Context, name string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closed && s.active == 0 {
		s.mu.Unlock()
		s.logger.Warnw("background task rejected, scheduler closed", "task", name)
		return false
	}
	s.active++
	s.wg.Add(1)
	s.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	metrics.BackgroundTasksActive.Inc()

	go func() {
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
			s.wg.Done()
		}()
		defer metrics.BackgroundTasksActive.Dec()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorw("background task panicked", "task", name, "panic", r)
			}
		}()

		start := time.Now()
		fn(detached)
		s.logger.Debugw("background task finished", "task", name, "duration", time.Since(start))
	}()
	return true
}

// Shutdown stops accepting new tasks and waits for in-flight ones, bounded
// by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
