// Package record drives a recording: it launches the target tree
// under ptrace, schedules exactly one runnable tracee at a time, and
// turns every observed stop into trace frames. The scheduler measures
// timeslices in retired conditional branches so that every preemption
// point is reproducible at replay.
package record
