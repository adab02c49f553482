package record

import (
	"testing"

	"github.com/go-rerun/rerun/pkg/task"
)

func newTestTask(tid int) *task.Task {
	return task.New(tid, tid, nil, nil)
}

func TestSchedulerRoundRobin(t *testing.T) {
	s := NewScheduler(50000)
	a, b, c := newTestTask(1), newTestTask(2), newTestTask(3)
	s.Add(a)
	s.Add(b)
	s.Add(c)

	var order []int
	for i := 0; i < 6; i++ {
		next, err := s.Next(true)
		if err != nil {
			t.Fatal(err)
		}
		order = append(order, next.Tid)
	}
	want := []int{1, 2, 3, 1, 2, 3}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("preemption order = %v, want %v", order, want)
		}
	}
}

func TestSchedulerKeepsCurrentWithoutPreempt(t *testing.T) {
	s := NewScheduler(50000)
	a, b := newTestTask(1), newTestTask(2)
	s.Add(a)
	s.Add(b)

	first, _ := s.Next(true)
	for i := 0; i < 5; i++ {
		again, _ := s.Next(false)
		if again != first {
			t.Fatalf("task switched without preemption: %v -> %v", first, again)
		}
	}
}

// TestSchedulerFairness checks the quantified property: over any
// window of K preemptions with N runnable equal-priority tasks, each
// task receives floor(K/N) or ceil(K/N) timeslices.
func TestSchedulerFairness(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8} {
		s := NewScheduler(50000)
		for i := 1; i <= n; i++ {
			s.Add(newTestTask(i))
		}
		const k = 1000
		counts := make(map[int]int)
		for i := 0; i < k; i++ {
			next, err := s.Next(true)
			if err != nil {
				t.Fatal(err)
			}
			counts[next.Tid]++
		}
		lo, hi := k/n, (k+n-1)/n
		for tid, c := range counts {
			if c < lo || c > hi {
				t.Fatalf("n=%d: task %d got %d timeslices, want %d or %d", n, tid, c, lo, hi)
			}
		}
		if len(counts) != n {
			t.Fatalf("n=%d: only %d tasks ever ran", n, len(counts))
		}
	}
}

func TestSchedulerPriorities(t *testing.T) {
	s := NewScheduler(50000)
	low, high := newTestTask(1), newTestTask(2)
	s.AddWithPriority(low, 5)
	s.AddWithPriority(high, 0)

	for i := 0; i < 4; i++ {
		next, _ := s.Next(true)
		if next != high {
			t.Fatalf("round %d: scheduled low-priority task while high was runnable", i)
		}
	}

	// Once the high class empties, the low class runs.
	s.Remove(high)
	next, _ := s.Next(true)
	if next != low {
		t.Fatal("low-priority task not scheduled after high exited")
	}
}

func TestSchedulerSkipsUnrunnable(t *testing.T) {
	s := NewScheduler(50000)
	a, b := newTestTask(1), newTestTask(2)
	s.Add(a)
	s.Add(b)

	a.SetState(task.Running) // not schedulable: already on CPU elsewhere
	next, _ := s.Next(true)
	if next != b {
		t.Fatalf("scheduled %v, want task 2", next)
	}

	b.SetState(task.Exited)
	s.Remove(b)
	if got := s.RunnableCount(); got != 0 {
		t.Fatalf("RunnableCount = %d, want 0", got)
	}
	next, _ = s.Next(true)
	if next != nil {
		t.Fatalf("scheduled %v with nothing runnable", next)
	}
}

func TestSchedulerRemoveCurrent(t *testing.T) {
	s := NewScheduler(50000)
	a, b := newTestTask(1), newTestTask(2)
	s.Add(a)
	s.Add(b)
	first, _ := s.Next(true)
	s.Remove(first)
	if s.Current() != nil {
		t.Fatal("removed task still current")
	}
	next, _ := s.Next(false)
	if next == first || next == nil {
		t.Fatalf("Next after Remove = %v", next)
	}
}
