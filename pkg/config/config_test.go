package config

import (
	"testing"
)

func TestDefaults(t *testing.T) {
	c := &Config{SyscallBuffering: "enabled"}
	if c.Timeslice() != DefaultTimeslicePeriod {
		t.Fatalf("Timeslice() = %d, want default %d", c.Timeslice(), DefaultTimeslicePeriod)
	}
	if c.Slack() != DefaultLandingSlack {
		t.Fatalf("Slack() = %d, want default %d", c.Slack(), DefaultLandingSlack)
	}
	if !c.SyscallbufEnabled() {
		t.Fatal("syscall buffering disabled by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RERUN_SYSCALLBUF", "disabled")
	t.Setenv("RERUN_TIMESLICE", "12345")
	c := &Config{SyscallBuffering: "enabled"}
	c.applyEnv()
	if c.SyscallbufEnabled() {
		t.Fatal("RERUN_SYSCALLBUF=disabled not honored")
	}
	if c.Timeslice() != 12345 {
		t.Fatalf("Timeslice() = %d, want 12345", c.Timeslice())
	}
}

func TestBadEnvValuesIgnored(t *testing.T) {
	t.Setenv("RERUN_SYSCALLBUF", "maybe")
	t.Setenv("RERUN_TIMESLICE", "not-a-number")
	c := &Config{SyscallBuffering: "enabled"}
	c.applyEnv()
	if !c.SyscallbufEnabled() {
		t.Fatal("unknown RERUN_SYSCALLBUF value changed the setting")
	}
	if c.Timeslice() != DefaultTimeslicePeriod {
		t.Fatalf("Timeslice() = %d, want default", c.Timeslice())
	}
}

func TestExplicitValuesWin(t *testing.T) {
	ts := uint64(777)
	slack := uint64(9)
	c := &Config{TimeslicePeriod: &ts, LandingSlack: &slack}
	if c.Timeslice() != 777 || c.Slack() != 9 {
		t.Fatalf("explicit values ignored: %d, %d", c.Timeslice(), c.Slack())
	}
}
