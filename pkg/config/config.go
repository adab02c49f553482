package config

import (
	"fmt"
	"os"
	"os/user"
	"path"
	"strconv"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".rerun"
	configFile string = "config.yml"
	tracesDir  string = "traces"
)

// Config defines all configuration options available to be set through
// the config file. Environment variables override the file.
type Config struct {
	// TimeslicePeriod is the scheduler preemption budget in retired
	// conditional branches.
	TimeslicePeriod *uint64 `yaml:"timeslice-period,omitempty"`

	// SyscallBuffering enables the in-tracee syscall buffer. One of
	// "enabled" or "disabled".
	SyscallBuffering string `yaml:"syscall-buffering"`

	// TraceRoot is the directory under which trace directories are
	// created. Defaults to ~/.rerun/traces.
	TraceRoot string `yaml:"trace-root"`

	// LandingSlack is how many ticks early the replay driver programs
	// the counter interrupt before single-stepping to the target.
	LandingSlack *uint64 `yaml:"landing-slack,omitempty"`

	// MaxTicksPerEvent is parsed from the config file; no component
	// of rerun reads it.
	MaxTicksPerEvent *uint64 `yaml:"max-ticks-per-event,omitempty"`
}

const (
	// DefaultTimeslicePeriod is used when neither the config file nor
	// RERUN_TIMESLICE provide a value.
	DefaultTimeslicePeriod uint64 = 50000
	// DefaultLandingSlack is the default counter-interrupt safety margin.
	DefaultLandingSlack uint64 = 1000
)

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return defaultConfig()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return defaultConfig()
	}

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		return defaultConfig()
	}

	c := defaultConfig()
	err = yaml.Unmarshal(data, c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to decode config file: %v.\n", err)
		return defaultConfig()
	}
	c.applyEnv()
	return c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	return os.WriteFile(fullConfigFile, out, 0644)
}

func defaultConfig() *Config {
	c := &Config{SyscallBuffering: "enabled"}
	c.applyEnv()
	return c
}

// applyEnv overrides config file values from the environment.
// RERUN_SYSCALLBUF selects syscall-buffering behaviour, RERUN_TIMESLICE
// the timeslice period.
func (c *Config) applyEnv() {
	if v := os.Getenv("RERUN_SYSCALLBUF"); v == "enabled" || v == "disabled" {
		c.SyscallBuffering = v
	}
	if v := os.Getenv("RERUN_TIMESLICE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			c.TimeslicePeriod = &n
		}
	}
}

// Timeslice returns the configured timeslice period or the default.
func (c *Config) Timeslice() uint64 {
	if c.TimeslicePeriod != nil && *c.TimeslicePeriod > 0 {
		return *c.TimeslicePeriod
	}
	return DefaultTimeslicePeriod
}

// Slack returns the configured landing slack or the default.
func (c *Config) Slack() uint64 {
	if c.LandingSlack != nil && *c.LandingSlack > 0 {
		return *c.LandingSlack
	}
	return DefaultLandingSlack
}

// SyscallbufEnabled reports whether the preload shim should divert
// bufferable syscalls through the ring.
func (c *Config) SyscallbufEnabled() bool {
	return c.SyscallBuffering != "disabled"
}

// TraceDir returns the directory under which traces are stored,
// creating it if needed.
func (c *Config) TraceDir() (string, error) {
	root := c.TraceRoot
	if root == "" {
		home, err := userHomeDir()
		if err != nil {
			return "", err
		}
		root = path.Join(home, configDir, tracesDir)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", err
	}
	return root, nil
}

func userHomeDir() (string, error) {
	usr, err := user.Current()
	if err != nil {
		if home := os.Getenv("HOME"); home != "" {
			return home, nil
		}
		return "", err
	}
	return usr.HomeDir, nil
}

func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	home, err := userHomeDir()
	if err != nil {
		return "", err
	}
	return path.Join(home, configDir, file), nil
}
