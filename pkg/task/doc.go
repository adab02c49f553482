// Package task implements the task-step primitive: the lowest layer
// of tracee control. A Task is one kernel task (thread) under ptrace;
// the package knows how to resume it in the various modes (including
// SYSEMU, the foundation of replay), block for its next stop, decode
// why it stopped, and read or write its registers and memory.
//
// Nothing in this package knows about traces, schedules or sessions.
// Everything above mutates Task state only while the task is stopped,
// which is what makes the tracer lock-free.
package task
