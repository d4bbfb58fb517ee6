package worker

import (
	"context"
	"sync"
)

// Scheduler runs detached work such as background refreshes.
type Scheduler interface {
	Go(fn func())
}

// AsyncScheduler runs each task on its own goroutine.
type AsyncScheduler struct {
	wg sync.WaitGroup
}

func (s *AsyncScheduler) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Wait blocks until every scheduled task has returned.
func (s *AsyncScheduler) Wait() {
	s.wg.Wait()
}

// WaitContext is Wait bounded by ctx. Tasks still running when ctx is done
// are left to finish on their own.
func (s *AsyncScheduler) WaitContext(ctx context.Context) error {
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
