package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/task"
)

// Transition is one entry of the lossy transition history.
type Transition struct {
	Task   uuid.UUID
	Kind   task.Kind
	Target task.Target
	State  task.State
	// At is the scheduler clock when the transition happened.
	At time.Duration
}

// The methods below must be called on the scheduler goroutine, that is from
// a closure handed to Post or from the goroutine calling Update.

// Resolve finds the executing task accepted by match and applies fn to it.
// It returns false, ignoring the callback, when no such task exists: the
// task already timed out, was cancelled or was never issued.
func (s *Scheduler) Resolve(match func(*task.Task) bool, fn func(*task.Task)) bool {
	if t := s.Executing(match); t != nil {
		fn(t)
		return true
	}
	s.logger.Debug("Late native callback ignored")
	return false
}

// Executing returns the executing task accepted by match, or nil.
func (s *Scheduler) Executing(match func(*task.Task) bool) *task.Task {
	for p := s.lanes.Oldest(); p != nil; p = p.Next() {
		if cur := p.Value.current; cur != nil && cur.State() == task.Executing && match(cur) {
			return cur
		}
	}
	return nil
}

// ClearQueueOf resolves every queued task accepted by match as
// CLEARED_FROM_QUEUE and returns how many were removed.
func (s *Scheduler) ClearQueueOf(match func(*task.Task) bool) int {
	cleared := 0
	for p := s.lanes.Oldest(); p != nil; p = p.Next() {
		l := p.Value
		var victims []*task.Task
		for q := l.queued.Oldest(); q != nil; q = q.Next() {
			if match(q.Value) {
				victims = append(victims, q.Value)
			}
		}
		for _, v := range victims {
			l.queued.Delete(v.Seq())
			v.ClearFromQueue()
			s.retiring = append(s.retiring, v)
		}
		cleared += len(victims)
	}
	if cleared > 0 {
		s.logger.WithField("count", cleared).Debug("Cleared tasks from queue")
	}
	return cleared
}

// IsQueued reports whether a queued or current task is accepted by match.
func (s *Scheduler) IsQueued(match func(*task.Task) bool) bool {
	for _, t := range s.Pending() {
		if match(t) {
			return true
		}
	}
	return false
}

// Pending returns the current task of each lane followed by its queued
// tasks, in lane then FIFO order.
func (s *Scheduler) Pending() []*task.Task {
	var out []*task.Task
	for p := s.lanes.Oldest(); p != nil; p = p.Next() {
		l := p.Value
		if l.current != nil && !l.current.State().IsEndingState() {
			out = append(out, l.current)
		}
		for q := l.queued.Oldest(); q != nil; q = q.Next() {
			out = append(out, q.Value)
		}
	}
	return out
}

// Current returns the current task of the named lane, or nil.
func (s *Scheduler) Current(laneName string) *task.Task {
	if l, ok := s.lanes.Get(laneName); ok {
		return l.current
	}
	return nil
}

// Lanes returns the lane names in creation order.
func (s *Scheduler) Lanes() []string {
	out := make([]string, 0, s.lanes.Len())
	for p := s.lanes.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

// Clock returns the accumulated scheduler time.
func (s *Scheduler) Clock() time.Duration { return s.clock }

// History drains the transition history, oldest first. Entries beyond the
// configured size were overwritten.
func (s *Scheduler) History() []Transition {
	var out []Transition
	for !s.history.IsEmpty() {
		tr, err := s.history.Dequeue()
		if err != nil {
			s.logger.WithFields(logrus.Fields{"error": err}).Debug("Transition history dequeue failed")
			break
		}
		out = append(out, tr)
	}
	return out
}
