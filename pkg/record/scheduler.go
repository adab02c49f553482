package record

import (
	"fmt"

	"github.com/go-rerun/rerun/pkg/logflags"
	"github.com/go-rerun/rerun/pkg/task"
)

// Scheduler is the cooperative, single-threaded tracee scheduler. At
// most one tracee is running at any moment; everything here executes
// on the tracer with all tasks stopped.
//
// Policy: round robin among runnable tasks within priority classes,
// lower integer first. A task keeps the CPU until it hits a stop of
// interest, its timeslice (in retired conditional branches) expires,
// it blocks in a may-block syscall, or its desched event fires.
type Scheduler struct {
	// queues maps priority class to its rotation, in arrival order.
	queues map[int][]*task.Task
	prios  []int // sorted priority classes present

	current *task.Task

	timeslice uint64
}

// NewScheduler returns a scheduler with the given timeslice period.
func NewScheduler(timeslice uint64) *Scheduler {
	return &Scheduler{
		queues:    make(map[int][]*task.Task),
		timeslice: timeslice,
	}
}

// Timeslice returns the preemption budget in ticks.
func (s *Scheduler) Timeslice() uint64 { return s.timeslice }

// priority is the class of a task; all tasks currently record at the
// default class. Kept per-task in the queue map.
const defaultPriority = 0

// Add registers a task at the default priority, at the tail of its
// class.
func (s *Scheduler) Add(t *task.Task) {
	s.AddWithPriority(t, defaultPriority)
}

// AddWithPriority registers a task at the given class tail.
func (s *Scheduler) AddWithPriority(t *task.Task, prio int) {
	if _, ok := s.queues[prio]; !ok {
		s.queues[prio] = nil
		s.insertPrio(prio)
	}
	s.queues[prio] = append(s.queues[prio], t)
}

func (s *Scheduler) insertPrio(prio int) {
	i := 0
	for i < len(s.prios) && s.prios[i] < prio {
		i++
	}
	s.prios = append(s.prios, 0)
	copy(s.prios[i+1:], s.prios[i:])
	s.prios[i] = prio
}

// Remove drops an exited task.
func (s *Scheduler) Remove(t *task.Task) {
	for prio, q := range s.queues {
		for i, qt := range q {
			if qt == t {
				s.queues[prio] = append(q[:i], q[i+1:]...)
				break
			}
		}
	}
	if s.current == t {
		s.current = nil
	}
}

// Current returns the task holding the CPU, or nil.
func (s *Scheduler) Current() *task.Task { return s.current }

// Next picks the task to run. The current task keeps the CPU while it
// is still runnable and preempt is false; otherwise the departing
// task goes to the tail of its class and the highest-priority class
// is scanned in arrival order.
func (s *Scheduler) Next(preempt bool) (*task.Task, error) {
	if s.current != nil && !preempt && runnable(s.current) {
		return s.current, nil
	}
	if s.current != nil {
		s.sendToTail(s.current)
	}
	s.current = nil
	for _, prio := range s.prios {
		for _, t := range s.queues[prio] {
			if runnable(t) {
				s.current = t
				if logflags.Scheduler() {
					logflags.SchedulerLogger().Debugf("switching to %s (prio %d)", t, prio)
				}
				return t, nil
			}
		}
	}
	return nil, nil
}

func (s *Scheduler) sendToTail(t *task.Task) {
	for prio, q := range s.queues {
		for i, qt := range q {
			if qt == t {
				copy(q[i:], q[i+1:])
				q[len(q)-1] = t
				s.queues[prio] = q
				return
			}
		}
	}
}

// runnable reports whether the scheduler may resume the task.
func runnable(t *task.Task) bool {
	switch t.State() {
	case task.Runnable, task.AtSyscallEntry, task.AtSyscallExit, task.StoppedBySignal:
		return true
	}
	return false
}

// RunnableCount reports how many tasks could be scheduled.
func (s *Scheduler) RunnableCount() int {
	n := 0
	for _, q := range s.queues {
		for _, t := range q {
			if runnable(t) {
				n++
			}
		}
	}
	return n
}

// Len reports the number of registered tasks.
func (s *Scheduler) Len() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// ArmTimeslice programs the task's tick counter to interrupt after
// the timeslice budget.
func (s *Scheduler) ArmTimeslice(t *task.Task) error {
	if t.Ticks == nil {
		return nil
	}
	if err := t.Ticks.ArmTimeslice(s.timeslice); err != nil {
		return fmt.Errorf("could not arm timeslice for task %d: %w", t.Tid, err)
	}
	return nil
}
