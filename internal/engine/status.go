package engine

import (
	"context"
	"sync"

	"github.com/datallboy/blockxfer/internal/domain"
)

// statusTracker holds an orchestrator's status. Every method except
// flush must be called with the orchestrator lock held.
type statusTracker struct {
	status    domain.JobStatus
	err       error
	idle      chan struct{}
	observers []StatusFunc
	pending   notice

	notifyMu sync.Mutex
}

// notice is the work left for flush once the orchestrator lock is released.
type notice struct {
	statuses  []domain.JobStatus
	observers []StatusFunc
	closing   []chan struct{}
}

func newStatusTracker() *statusTracker {
	idle := make(chan struct{})
	close(idle)
	return &statusTracker{status: domain.StatusWaiting, idle: idle}
}

func (s *statusTracker) set(status domain.JobStatus) {
	if s.status == status {
		return
	}
	wasActive := s.status.Active()
	s.status = status

	switch {
	case status.Active() && !wasActive:
		s.idle = make(chan struct{})
	case !status.Active() && wasActive:
		// closed by flush so waiters see the observers' side effects
		s.pending.closing = append(s.pending.closing, s.idle)
	}
	s.pending.statuses = append(s.pending.statuses, status)
}

func (s *statusTracker) take() notice {
	n := s.pending
	s.pending = notice{}
	if len(n.statuses) > 0 && len(s.observers) > 0 {
		n.observers = make([]StatusFunc, len(s.observers))
		copy(n.observers, s.observers)
	}
	return n
}

func (s *statusTracker) flush(n notice) {
	if len(n.statuses) == 0 && len(n.closing) == 0 {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, st := range n.statuses {
		for _, fn := range n.observers {
			fn(st)
		}
	}
	for _, ch := range n.closing {
		close(ch)
	}
}

// wait blocks until the orchestrator leaves its active state.
func wait(ctx context.Context, idle <-chan struct{}) error {
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
