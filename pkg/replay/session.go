package replay

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/go-rerun/rerun/pkg/config"
	"github.com/go-rerun/rerun/pkg/memory"
	"github.com/go-rerun/rerun/pkg/perf"
	"github.com/go-rerun/rerun/pkg/task"
	"github.com/go-rerun/rerun/pkg/trace"
)

// recordedTsc replays the TSC values captured in SEGV_RDTSC frames.
// The driver refills pending before each resume that may fault on
// rdtsc.
type recordedTsc struct {
	pending []uint64
}

func (r *recordedTsc) NextTsc() uint64 {
	if len(r.pending) == 0 {
		return 0
	}
	v := r.pending[0]
	r.pending = r.pending[1:]
	return v
}

func (r *recordedTsc) push(v uint64) { r.pending = append(r.pending, v) }

// Session replays one recorded trace. The recorded binary is
// re-launched under ptrace and steered through the recorded frame
// sequence; syscalls are emulated from the trace, never re-executed
// against the world.
type Session struct {
	cfg    *config.Config
	reader *trace.Reader

	ptracer *task.Ptracer
	arena   *memory.Arena
	emufs   *memory.EmuFs
	tasks   map[int]*task.Task

	// tidMap translates recorded tids to live replay tids; the
	// initial task seeds it and clones extend it in frame order.
	tidMap map[int32]int

	tsc recordedTsc
}

// New opens the trace and launches the tracee tree's initial task.
func New(cfg *config.Config, dir string) (*Session, error) {
	reader, err := trace.Open(dir)
	if err != nil {
		return nil, err
	}
	ae := reader.ArgsEnv()
	if len(ae.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", trace.ErrTraceCorrupt)
	}
	emufs, err := memory.NewEmuFs()
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:     cfg,
		reader:  reader,
		ptracer: task.NewPtracer(),
		arena:   memory.NewArena(),
		emufs:   emufs,
		tasks:   make(map[int]*task.Task),
		tidMap:  make(map[int32]int),
	}
	if err := s.launchInitial(ae); err != nil {
		emufs.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) launchInitial(ae trace.ArgsEnv) error {
	process := exec.Command(ae.Argv[0])
	process.Args = ae.Argv
	process.Env = ae.Env
	process.Dir = ae.Cwd
	// Replay must not write to the real stdout/stderr; emulated
	// writes go nowhere and real output would double.
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	process.Stdin, process.Stdout, process.Stderr = devnull, devnull, devnull
	process.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}

	var startErr error
	s.ptracer.Do(func() {
		// Match the recorder's layout: ASLR stays off.
		oldPersonality, _, errno := syscall.Syscall(sys.SYS_PERSONALITY, personalityGet, 0, 0)
		if errno == 0 {
			syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality|addrNoRandomize, 0, 0)
			defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
		}
		startErr = process.Start()
	})
	devnull.Close()
	if startErr != nil {
		return startErr
	}
	pid := process.Process.Pid
	t, err := s.addTask(pid, pid, nil)
	if err != nil {
		return err
	}
	if _, err := t.Wait(); err != nil {
		return err
	}
	if err := t.SetTraceOptions(); err != nil {
		return err
	}
	remote, err := t.RemoteSyscalls()
	if err != nil {
		return err
	}
	defer remote.Restore()
	if _, err := remote.SyscallChecked(sys.SYS_PRCTL,
		sys.PR_SET_TSC, sys.PR_TSC_SIGSEGV); err != nil {
		return fmt.Errorf("could not virtualize rdtsc for replay: %w", err)
	}
	return nil
}

func (s *Session) addTask(tid, tgid int, parentAS *memory.AddressSpace) (*task.Task, error) {
	var as *memory.AddressSpace
	if parentAS != nil {
		as = s.arena.Ref(parentAS.ID)
	} else {
		as = s.arena.Create()
	}
	t := task.New(tid, tgid, as, s.ptracer)
	t.TscSrc = &s.tsc
	var err error
	if t.Ticks, err = perf.Open(tid); err != nil {
		return nil, err
	}
	if err := t.Ticks.Reset(); err != nil {
		return nil, err
	}
	s.tasks[tid] = t
	if len(s.tidMap) == 0 {
		// The initial task maps to the first tid the trace mentions,
		// bound lazily by the driver.
		s.tidMap[0] = tid
	}
	return t, nil
}

// BindTid associates a recorded tid with a live task.
func (s *Session) BindTid(recorded int32, live int) {
	s.tidMap[recorded] = live
}

// TaskFor resolves the live task replaying a recorded tid.
func (s *Session) TaskFor(recorded int32) (*task.Task, bool) {
	if recorded == 0 {
		return nil, false
	}
	if live, ok := s.tidMap[recorded]; ok {
		t, ok := s.tasks[live]
		return t, ok
	}
	// First reference binds the initial task.
	if live, ok := s.tidMap[0]; ok {
		delete(s.tidMap, 0)
		s.tidMap[recorded] = live
		t, ok := s.tasks[live]
		return t, ok
	}
	return nil, false
}

// Tasks returns the live task table keyed by tid.
func (s *Session) Tasks() map[int]*task.Task { return s.tasks }

// FindTask looks a live task up by tid.
func (s *Session) FindTask(tid int) (*task.Task, bool) {
	t, ok := s.tasks[tid]
	return t, ok
}

// EmuFs exposes the replay-side backing file pool.
func (s *Session) EmuFs() *memory.EmuFs { return s.emufs }

// Reader exposes the trace being replayed.
func (s *Session) Reader() *trace.Reader { return s.reader }

// KillAllTasks tears the replay tree down.
func (s *Session) KillAllTasks() {
	for _, t := range s.tasks {
		if t.State() != task.Exited {
			sys.Kill(t.Tid, sys.SIGKILL)
		}
	}
}

const (
	personalityGet  = 0xffffffff
	addrNoRandomize = 0x0040000
)

// Close releases every resource. The trace directory itself is
// always preserved.
func (s *Session) Close() {
	s.KillAllTasks()
	s.emufs.Close()
	s.reader.Close()
	s.ptracer.Close()
}
