package task

import "testing"

func TestSyscallArgOrder(t *testing.T) {
	var r Registers
	for i := 0; i < 6; i++ {
		r.SetSyscallArg(i, uint64(100+i))
	}
	args := r.SyscallArgs()
	for i, v := range args {
		if v != uint64(100+i) {
			t.Fatalf("arg %d = %d", i, v)
		}
	}
	if r.Rdi != 100 || r.Rsi != 101 || r.Rdx != 102 || r.R10 != 103 || r.R8 != 104 || r.R9 != 105 {
		t.Fatal("syscall args landed in the wrong registers")
	}
}

func TestSetTsc(t *testing.T) {
	var r Registers
	r.SetTsc(0x123456789abcdef0)
	if r.Rax != 0x9abcdef0 || r.Rdx != 0x12345678 {
		t.Fatalf("rdtsc split = rax %#x rdx %#x", r.Rax, r.Rdx)
	}
}

func TestCancelSemantics(t *testing.T) {
	var r Registers
	r.SetSyscallNo(-1)
	if r.SyscallNo() != -1 {
		t.Fatalf("cancelled syscall number = %d", r.SyscallNo())
	}
	r.SetSyscallResult(-11) // -EAGAIN
	if r.SyscallResult() != -11 {
		t.Fatalf("syscall result = %d", r.SyscallResult())
	}
}

func TestRegistersEqualIsBitExact(t *testing.T) {
	var a, b Registers
	a.Rip, b.Rip = 0x1000, 0x1000
	a.Eflags, b.Eflags = 0x246, 0x246
	if !a.Equal(&b) {
		t.Fatal("identical register files compare unequal")
	}
	b.Eflags ^= 1 // carry flag
	if a.Equal(&b) {
		t.Fatal("flag bits must participate in equality")
	}
}

func TestExtraRegistersHashAndEqual(t *testing.T) {
	a := ExtraRegisters{Xsave: []byte{1, 2, 3, 4}}
	b := a.Clone()
	if !a.Equal(&b) || a.Hash() != b.Hash() {
		t.Fatal("clone differs from original")
	}
	b.Xsave[0] ^= 0xff
	if a.Equal(&b) {
		t.Fatal("mutated clone still equal")
	}
	if a.Hash() == b.Hash() {
		t.Fatal("hash failed to notice a mutation")
	}
	if a.Xsave[0] == b.Xsave[0] {
		t.Fatal("clone shares storage with the original")
	}
}

func TestStateMachine(t *testing.T) {
	tk := New(100, 100, nil, nil)
	if tk.State() != Runnable {
		t.Fatalf("fresh task state = %v", tk.State())
	}
	tk.SetState(Running)
	tk.SetState(AtSyscallEntry)
	tk.SetState(Exited)

	defer func() {
		if recover() == nil {
			t.Fatal("transition out of EXITED did not panic")
		}
	}()
	tk.SetState(Runnable)
}

func TestConsumeDeschedPseudo(t *testing.T) {
	tk := New(100, 100, nil, nil)
	// Without an armed desched event there is nothing to consume.
	if tk.ConsumeDeschedPseudo() {
		t.Fatal("consumed a pseudo-delivery with none expected")
	}
}
