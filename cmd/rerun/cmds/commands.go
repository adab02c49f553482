// Package cmds builds the rerun command tree.
package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-rerun/rerun/pkg/config"
	"github.com/go-rerun/rerun/pkg/logflags"
	"github.com/go-rerun/rerun/pkg/record"
	"github.com/go-rerun/rerun/pkg/replay"
	"github.com/go-rerun/rerun/pkg/syscalls"
	"github.com/go-rerun/rerun/pkg/trace"
	"github.com/go-rerun/rerun/pkg/version"
	"github.com/go-rerun/rerun/service"
)

// Exit codes: record mirrors the tracee; replay distinguishes
// internal failure from trace corruption.
const (
	exitOK         = 0
	exitError      = 1
	exitCorruption = 2
)

var (
	// log enables logging, logOutput selects layers, logDest a file.
	log       bool
	logOutput string
	logDest   string

	// useTty gives the recorded command a fresh pty.
	useTty bool

	// serverPort, when set, serves the debugger channel during
	// replay.
	serverPort int

	conf *config.Config

	rootCommand *cobra.Command
)

const rerunLongDesc = `rerun records the execution of a Linux process tree and replays it
deterministically: the same instructions, the same register state, the
same memory at the same logical moments, without re-executing the
original I/O against the world.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "rerun",
		Short: "rerun is a record/replay engine for Linux processes.",
		Long:  rerunLongDesc,
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of layers that should produce debug output (sched,task,syscallbuf,trace,replay,diversion,perf,service).")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Write logs to the specified file.")

	recordCommand := &cobra.Command{
		Use:   "record <cmd> [args...]",
		Short: "Record the execution of a command.",
		Long: `Starts the given command under the recorder and captures everything
needed to replay it: trace frames, syscall outparams, signals and the
address space history. The trace lands under the configured trace
root; the exit code mirrors the recorded command's.`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(recordCmd(args))
		},
	}
	recordCommand.Flags().BoolVar(&useTty, "tty", false, "Attach the recorded command to a fresh pty.")
	rootCommand.AddCommand(recordCommand)

	replayCommand := &cobra.Command{
		Use:   "replay [trace-dir]",
		Short: "Replay a recorded trace.",
		Long: `Replays the most recent trace, or the named one. With -s a debugger
channel is served on the given TCP port and replay is driven by the
debugger instead of running to completion.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dir := ""
			if len(args) > 0 {
				dir = args[0]
			}
			os.Exit(replayCmd(dir))
		},
	}
	replayCommand.Flags().IntVarP(&serverPort, "server", "s", 0, "Serve a debugger on this TCP port.")
	rootCommand.AddCommand(replayCommand)

	dumpCommand := &cobra.Command{
		Use:   "dump [trace-dir]",
		Short: "Pretty-print the frames of a trace.",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dir := ""
			if len(args) > 0 {
				dir = args[0]
			}
			os.Exit(dumpCmd(dir))
		},
	}
	rootCommand.AddCommand(dumpCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rerun %s\n", version.RerunVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	if err := New().Execute(); err != nil {
		return exitError
	}
	return exitOK
}

func setupLogging() bool {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return false
	}
	return true
}

func recordCmd(args []string) int {
	if !setupLogging() {
		return exitError
	}
	defer logflags.Close()
	sess, err := record.Launch(conf, args, useTty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not start recording: %v\n", err)
		return exitError
	}
	status, err := sess.Record()
	if err != nil {
		fmt.Fprintf(os.Stderr, "recording failed: %v\n", err)
		sess.KillAllTasks()
		return exitError
	}
	fmt.Fprintf(os.Stderr, "rerun: saved trace %s\n", sess.TraceStream())
	return status
}

func replayCmd(arg string) int {
	if !setupLogging() {
		return exitError
	}
	defer logflags.Close()
	root, err := conf.TraceDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	dir, err := trace.ResolveDir(root, arg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	sess, err := replay.New(conf, dir)
	if err != nil {
		return replayFailure(err)
	}
	defer sess.Close()
	driver := replay.NewDriver(sess, conf.Slack())

	if serverPort != 0 {
		dbg := service.NewDebugger(sess, driver)
		srv, err := service.New(serverPort, dbg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not serve debugger: %v\n", err)
			return exitError
		}
		fmt.Fprintf(os.Stderr, "rerun: debugger channel on %s\n", srv.Addr())
		if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
			// The channel died; finish the replay headless.
			logflags.ServiceLogger().Warnf("debugger channel closed: %v", err)
		}
	}

	if err := driver.Run(); err != nil {
		return replayFailure(err)
	}
	return exitOK
}

func replayFailure(err error) int {
	fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
	if errors.Is(err, trace.ErrTraceCorrupt) {
		return exitCorruption
	}
	return exitError
}

func dumpCmd(arg string) int {
	if !setupLogging() {
		return exitError
	}
	defer logflags.Close()
	root, err := conf.TraceDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	dir, err := trace.ResolveDir(root, arg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitError
	}
	r, err := trace.Open(dir)
	if err != nil {
		return replayFailure(err)
	}
	defer r.Close()
	if err := trace.Validate(r); err != nil {
		return replayFailure(err)
	}
	r.Rewind()
	ae := r.ArgsEnv()
	fmt.Printf("trace %s: %d frames, argv %q\n", dir, r.Frames(), ae.Argv)
	for {
		f, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return replayFailure(err)
		}
		fmt.Printf("%8d tid=%-7d ticks=%-12d ip=%#-14x %s",
			f.GlobalTime, f.Tid, f.Ticks, f.Regs.IP(), f.Event)
		if f.Event.Kind == trace.EvSyscall {
			fmt.Printf(" [%s]", syscalls.Name(f.Event.SyscallNo))
		}
		if f.DataLen > 0 {
			fmt.Printf(" data=%d bytes", f.DataLen)
		}
		fmt.Println()
	}
	return exitOK
}
