// Package service exposes the replay debugger channel: a line
// oriented request/response protocol over TCP. Replies are opaque
// byte blobs to the protocol layer; encoding them for a specific
// debugger front-end happens elsewhere.
package service

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/go-rerun/rerun/pkg/logflags"
)

// Handler is what a command session drives: the replay controller.
type Handler interface {
	Continue() ([]byte, error)
	Step() ([]byte, error)
	ReadRegisters() ([]byte, error)
	WriteRegisters(data []byte) error
	ReadMemory(addr uint64, n int) ([]byte, error)
	WriteMemory(addr uint64, data []byte) error
	SetBreakpoint(addr uint64) error
	ClearBreakpoint(addr uint64) error
	SetWatchpoint(addr uint64, n int, kind string) error
	ClearWatchpoint(addr uint64) error
	ReadSiginfo() ([]byte, error)
	WriteSiginfo(data []byte) error
	Restart() error
	Threads() ([]int, error)
	SelectThread(tid int) error
}

// Server accepts one debugger connection at a time and dispatches
// its commands.
type Server struct {
	listener net.Listener
	handler  Handler

	commands *trie.Trie
	names    []string
}

// commandNames are matched by minimal unique prefix, so "c" works
// for continue while "re" stays ambiguous between regs-read,
// regs-write and restart.
var commandNames = []string{
	"continue",
	"step",
	"regs-read",
	"regs-write",
	"mem-read",
	"mem-write",
	"break-set",
	"break-clear",
	"watch-set",
	"watch-clear",
	"siginfo-read",
	"siginfo-write",
	"restart",
	"threads",
	"thread-select",
}

// New creates a server bound to the given TCP port.
func New(port int, h Handler) (*Server, error) {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	s := &Server{listener: l, handler: h, commands: trie.New(), names: commandNames}
	for _, name := range commandNames {
		s.commands.Add(name, name)
	}
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts and runs debugger connections until the listener
// closes. A protocol error closes the offending connection; the
// replay continues headless.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		s.serveConn(conn)
	}
}

// Close shuts the listener down.
func (s *Server) Close() error { return s.listener.Close() }

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	log := logflags.ServiceLogger()
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if logflags.Service() {
			log.Debugf("<- %s", line)
		}
		reply, err := s.dispatch(line)
		if err != nil {
			fmt.Fprintf(conn, "E %s\n", err)
			// Malformed traffic poisons the stream; drop the client.
			if _, bad := err.(protocolError); bad {
				return
			}
			continue
		}
		if len(reply) == 0 {
			fmt.Fprint(conn, "OK\n")
		} else {
			fmt.Fprintf(conn, "%s\n", hex.EncodeToString(reply))
		}
	}
}

// protocolError marks requests the framing layer cannot parse, as
// opposed to handler failures the client may retry.
type protocolError string

func (e protocolError) Error() string { return string(e) }

// resolve expands a possibly-abbreviated command name. Exactly one
// known command must have the given prefix.
func (s *Server) resolve(word string) (string, error) {
	if _, ok := s.commands.Find(word); ok {
		return word, nil
	}
	matches := s.commands.PrefixSearch(word)
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", protocolError(fmt.Sprintf("unknown command %q", word))
	default:
		return "", fmt.Errorf("ambiguous command %q: %s", word, strings.Join(matches, ", "))
	}
}

func (s *Server) dispatch(line string) ([]byte, error) {
	words, err := argv.Argv(line, nil, nil)
	if err != nil || len(words) == 0 || len(words[0]) == 0 {
		return nil, protocolError("unparsable request")
	}
	args := words[0]
	name, err := s.resolve(args[0])
	if err != nil {
		return nil, err
	}
	switch name {
	case "continue":
		return s.handler.Continue()
	case "step":
		return s.handler.Step()
	case "regs-read":
		return s.handler.ReadRegisters()
	case "regs-write":
		data, err := hexArg(args, 1)
		if err != nil {
			return nil, err
		}
		return nil, s.handler.WriteRegisters(data)
	case "mem-read":
		addr, err := uintArg(args, 1)
		if err != nil {
			return nil, err
		}
		n, err := uintArg(args, 2)
		if err != nil {
			return nil, err
		}
		return s.handler.ReadMemory(addr, int(n))
	case "mem-write":
		addr, err := uintArg(args, 1)
		if err != nil {
			return nil, err
		}
		data, err := hexArg(args, 2)
		if err != nil {
			return nil, err
		}
		return nil, s.handler.WriteMemory(addr, data)
	case "break-set":
		addr, err := uintArg(args, 1)
		if err != nil {
			return nil, err
		}
		return nil, s.handler.SetBreakpoint(addr)
	case "break-clear":
		addr, err := uintArg(args, 1)
		if err != nil {
			return nil, err
		}
		return nil, s.handler.ClearBreakpoint(addr)
	case "watch-set":
		addr, err := uintArg(args, 1)
		if err != nil {
			return nil, err
		}
		n, err := uintArg(args, 2)
		if err != nil {
			return nil, err
		}
		kind := "rw"
		if len(args) > 3 {
			kind = args[3]
		}
		return nil, s.handler.SetWatchpoint(addr, int(n), kind)
	case "watch-clear":
		addr, err := uintArg(args, 1)
		if err != nil {
			return nil, err
		}
		return nil, s.handler.ClearWatchpoint(addr)
	case "siginfo-read":
		return s.handler.ReadSiginfo()
	case "siginfo-write":
		data, err := hexArg(args, 1)
		if err != nil {
			return nil, err
		}
		return nil, s.handler.WriteSiginfo(data)
	case "restart":
		return nil, s.handler.Restart()
	case "threads":
		tids, err := s.handler.Threads()
		if err != nil {
			return nil, err
		}
		parts := make([]string, len(tids))
		for i, tid := range tids {
			parts[i] = strconv.Itoa(tid)
		}
		return []byte(strings.Join(parts, ",")), nil
	case "thread-select":
		tid, err := uintArg(args, 1)
		if err != nil {
			return nil, err
		}
		return nil, s.handler.SelectThread(int(tid))
	}
	return nil, protocolError(fmt.Sprintf("unrouted command %q", name))
}

func uintArg(args []string, i int) (uint64, error) {
	if i >= len(args) {
		return 0, protocolError(fmt.Sprintf("missing argument %d", i))
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(args[i], "0x"), 16, 64)
	if err != nil {
		return 0, protocolError(fmt.Sprintf("bad numeric argument %q", args[i]))
	}
	return v, nil
}

func hexArg(args []string, i int) ([]byte, error) {
	if i >= len(args) {
		return nil, protocolError(fmt.Sprintf("missing argument %d", i))
	}
	data, err := hex.DecodeString(args[i])
	if err != nil {
		return nil, protocolError(fmt.Sprintf("bad hex argument %q", args[i]))
	}
	return data, nil
}
