package logflags

import (
	"errors"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	scheduler  = false
	task       = false
	syscallbuf = false
	tracestrm  = false
	replay     = false
	diversion  = false
	perf       = false
	service    = false

	logOut io.Writer
)

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	if logOut != nil {
		logger.Logger.Out = logOut
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		logger.Logger.Out = colorable.NewColorableStderr()
		logger.Logger.Formatter = &logrus.TextFormatter{ForceColors: true}
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Scheduler returns true if the scheduler should log.
func Scheduler() bool {
	return scheduler
}

// SchedulerLogger returns a logger for the record-time scheduler.
func SchedulerLogger() *logrus.Entry {
	return makeLogger(scheduler, logrus.Fields{"layer": "sched"})
}

// Task returns true if the task-step primitive should log every
// resume/stop transition.
func Task() bool {
	return task
}

// TaskLogger returns a logger for the task-step primitive.
func TaskLogger() *logrus.Entry {
	return makeLogger(task, logrus.Fields{"layer": "task"})
}

// Syscallbuf returns true if ring traffic should be logged.
func Syscallbuf() bool {
	return syscallbuf
}

// SyscallbufLogger returns a logger for the syscall-buffering protocol.
func SyscallbufLogger() *logrus.Entry {
	return makeLogger(syscallbuf, logrus.Fields{"layer": "syscallbuf"})
}

// TraceStream returns true if trace file I/O should be logged.
func TraceStream() bool {
	return tracestrm
}

// TraceStreamLogger returns a logger for the trace reader/writer.
func TraceStreamLogger() *logrus.Entry {
	return makeLogger(tracestrm, logrus.Fields{"layer": "trace"})
}

// Replay returns true if the replay driver should log.
func Replay() bool {
	return replay
}

// ReplayLogger returns a logger for the replay driver.
func ReplayLogger() *logrus.Entry {
	return makeLogger(replay, logrus.Fields{"layer": "replay"})
}

// Diversion returns true if diversion sessions should log.
func Diversion() bool {
	return diversion
}

// DiversionLogger returns a logger for diversion sessions.
func DiversionLogger() *logrus.Entry {
	return makeLogger(diversion, logrus.Fields{"layer": "diversion"})
}

// Perf returns true if the perf counter layer should log.
func Perf() bool {
	return perf
}

// PerfLogger returns a logger for the perf counter layer.
func PerfLogger() *logrus.Entry {
	return makeLogger(perf, logrus.Fields{"layer": "perf"})
}

// Service returns true if the debugger channel should log packets.
func Service() bool {
	return service
}

// ServiceLogger returns a logger for the debugger channel.
func ServiceLogger() *logrus.Entry {
	return makeLogger(service, logrus.Fields{"layer": "service"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr. The
// RERUN_LOG environment variable is consulted when logstr is empty.
func Setup(logFlag bool, logstr string, logDest string) error {
	if logDest != "" {
		f, err := os.OpenFile(logDest, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		logOut = f
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if logstr == "" {
		logstr = os.Getenv("RERUN_LOG")
	}
	if !logFlag && logstr == "" {
		log.SetOutput(io.Discard)
		return nil
	}
	if !logFlag {
		return errLogstrWithoutLog
	}
	if logstr == "" {
		logstr = "replay"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "sched", "scheduler":
			scheduler = true
		case "task":
			task = true
		case "syscallbuf":
			syscallbuf = true
		case "trace":
			tracestrm = true
		case "replay":
			replay = true
		case "diversion":
			diversion = true
		case "perf":
			perf = true
		case "service":
			service = true
		}
	}
	return nil
}

// Close releases the file pointed to by logDest, if any.
func Close() {
	if c, ok := logOut.(io.Closer); ok {
		c.Close()
	}
}
