package replay

import (
	"errors"
	"testing"
)

// fakeStepper simulates an execution as a sequence of (ip, ticks,
// extra) observations. Step advances one instruction;
// RunWithInterrupt skips ahead until roughly n more ticks have
// elapsed.
type fakeStepper struct {
	trace []fakeStop
	pos   int

	interruptRuns int
	steps         int
}

type fakeStop struct {
	ip    uint64
	ticks uint64
	extra byte
}

func (f *fakeStepper) ReadTicks() (uint64, error) { return f.trace[f.pos].ticks, nil }
func (f *fakeStepper) IP() uint64                 { return f.trace[f.pos].ip }
func (f *fakeStepper) ExtraRegs() []byte          { return []byte{f.trace[f.pos].extra} }

func (f *fakeStepper) Step() error {
	if f.pos+1 < len(f.trace) {
		f.pos++
	}
	f.steps++
	return nil
}

func (f *fakeStepper) RunWithInterrupt(n uint64) error {
	f.interruptRuns++
	target := f.trace[f.pos].ticks + n
	for f.pos+1 < len(f.trace) && f.trace[f.pos+1].ticks <= target {
		f.pos++
	}
	return nil
}

// linearTrace builds an execution with one conditional branch per
// instruction.
func linearTrace(n int) []fakeStop {
	stops := make([]fakeStop, n)
	for i := range stops {
		stops[i] = fakeStop{ip: 0x400000 + uint64(4*i), ticks: uint64(i), extra: 1}
	}
	return stops
}

func TestLandExact(t *testing.T) {
	st := &fakeStepper{trace: linearTrace(5000)}
	target := Target{IP: 0x400000 + 4*3000, Ticks: 3000}
	if err := LandExact(st, target, 100); err != nil {
		t.Fatal(err)
	}
	if st.IP() != target.IP {
		t.Fatalf("landed at ip %#x, want %#x", st.IP(), target.IP)
	}
	got, _ := st.ReadTicks()
	if got != target.Ticks {
		t.Fatalf("landed at ticks %d, want %d", got, target.Ticks)
	}
	if st.interruptRuns == 0 {
		t.Fatal("never used the counter interrupt for the bulk distance")
	}
	if st.steps > 200 {
		t.Fatalf("single-stepped %d instructions; the slack should bound this near 100", st.steps)
	}
}

func TestLandExactShortDistanceStepsOnly(t *testing.T) {
	st := &fakeStepper{trace: linearTrace(100)}
	target := Target{IP: 0x400000 + 4*10, Ticks: 10}
	if err := LandExact(st, target, 1000); err != nil {
		t.Fatal(err)
	}
	if st.interruptRuns != 0 {
		t.Fatal("used the counter interrupt inside the slack window")
	}
}

// TestLandExactTieBreak models a loop in which the same instruction
// is visited twice with the same tick count (no conditional branch
// between the visits); the extra-registers hash disambiguates.
func TestLandExactTieBreak(t *testing.T) {
	stops := []fakeStop{
		{ip: 0x400000, ticks: 0, extra: 1},
		{ip: 0x400100, ticks: 5, extra: 7}, // first visit
		{ip: 0x400104, ticks: 5, extra: 7},
		{ip: 0x400100, ticks: 5, extra: 9}, // second visit, different fp state
		{ip: 0x400108, ticks: 6, extra: 9},
	}
	st := &fakeStepper{trace: stops}
	target := Target{IP: 0x400100, Ticks: 5, Extra: []byte{9}}
	if err := LandExact(st, target, 100); err != nil {
		t.Fatal(err)
	}
	if st.pos != 3 {
		t.Fatalf("landed on visit at index %d, want 3", st.pos)
	}
}

func TestLandExactDivergence(t *testing.T) {
	// The recorded target tuple never occurs in this execution.
	st := &fakeStepper{trace: linearTrace(100)}
	// Freeze the fake at its end so ticks eventually pass the target.
	st.trace[99].ticks = 10000
	target := Target{IP: 0xdead0000, Ticks: 50}
	err := LandExact(st, target, 10)
	var div ErrDiverged
	if !errors.As(err, &div) {
		t.Fatalf("err = %v, want ErrDiverged", err)
	}
	if div.Want.IP != target.IP {
		t.Fatalf("divergence reports target %#x", div.Want.IP)
	}
}

func TestLandExactAlreadyPast(t *testing.T) {
	st := &fakeStepper{trace: linearTrace(100)}
	st.pos = 60
	err := LandExact(st, Target{IP: 0x400000, Ticks: 10}, 5)
	var div ErrDiverged
	if !errors.As(err, &div) {
		t.Fatalf("err = %v, want ErrDiverged for a target in the past", err)
	}
}
