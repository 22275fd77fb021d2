package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".rd"
	configFile string = "config.yml"

	// DefaultReapedTaskCacheSize is the number of exited tasks whose late
	// wait reports are recognized and dropped.
	DefaultReapedTaskCacheSize = 128
)

// Config defines all configuration options available to be set through the
// config file, RD_* environment variables and the command line. It is built once at startup and passed
// to every component that needs it.
type Config struct {
	// FatalErrorsAndWarnings turns replay warnings, such as a tick count
	// that does not match the recording, into fatal errors.
	FatalErrorsAndWarnings bool `yaml:"fatal-errors-and-warnings" env:"RD_FATAL_ERRORS_AND_WARNINGS"`

	// CheckCachedMaps compares the address space bookkeeping against the
	// tracee's mappings after every mapping change.
	CheckCachedMaps bool `yaml:"check-cached-maps" env:"RD_CHECK_CACHED_MAPS"`

	// RedirectStdio echoes the recorded output of writes to stdout and
	// stderr on rd's own stdout.
	RedirectStdio bool `yaml:"redirect-stdio" env:"RD_REDIRECT_STDIO"`
	// MarkStdio prefixes every echoed write with [rd <tid> <time>].
	MarkStdio bool `yaml:"mark-stdio" env:"RD_MARK_STDIO"`

	// DumpAt logs the registers of the running task when the replay
	// reaches this frame time. Zero disables it.
	DumpAt int64 `yaml:"dump-at,omitempty" env:"RD_DUMP_AT"`
	// DumpOn logs the registers of the running task every time one of
	// these syscalls is processed. "all" matches every syscall.
	DumpOn []string `yaml:"dump-on,omitempty" env:"RD_DUMP_ON" envSeparator:","`

	// BindCPU pins the tracees to a CPU. Nil means use the CPU the
	// recording was bound to, a negative value means don't bind.
	BindCPU *int `yaml:"bind-cpu,omitempty" env:"RD_BIND_CPU"`

	// ForcedUarch selects the tick counter of this microarchitecture
	// instead of the one of the running CPU.
	ForcedUarch string `yaml:"forced-uarch,omitempty" env:"RD_FORCED_UARCH"`

	// DisablePtraceExitEvents doesn't ask the kernel for
	// PTRACE_EVENT_EXIT stops.
	DisablePtraceExitEvents bool `yaml:"disable-ptrace-exit-events" env:"RD_DISABLE_PTRACE_EXIT_EVENTS"`

	// ReapedTaskCacheSize is the number of exited tasks remembered to
	// ignore their late status reports.
	ReapedTaskCacheSize int `yaml:"reaped-task-cache-size,omitempty" env:"RD_REAPED_TASK_CACHE_SIZE"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		RedirectStdio:       true,
		ReapedTaskCacheSize: DefaultReapedTaskCacheSize,
	}
}

// DumpOnSyscall returns true if the registers should be logged every time
// the syscall called name is processed.
func (c *Config) DumpOnSyscall(name string) bool {
	for _, s := range c.DumpOn {
		if s == name || s == "all" {
			return true
		}
	}
	return false
}

// CPUBinding returns the CPU tracees must be bound to, given the CPU the
// recording used. A negative result means don't bind.
func (c *Config) CPUBinding(recorded int) int {
	if c.BindCPU != nil {
		return *c.BindCPU
	}
	return recorded
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return Default()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return Default()
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		f, err := createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return Default()
		}
		f.Close()
	}

	c, err := LoadConfigFile(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		c = Default()
	}
	if err := ParseEnv(c); err != nil {
		fmt.Printf("%v.", err)
	}
	return c
}

// ParseEnv overrides the options of c that are set in the environment.
func ParseEnv(c *Config) error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if c.ReapedTaskCacheSize <= 0 {
		c.ReapedTaskCacheSize = DefaultReapedTaskCacheSize
	}
	return nil
}

// LoadConfigFile reads the configuration in path, options missing from
// the file keep their default value.
func LoadConfigFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	if c.ReapedTaskCacheSize <= 0 {
		c.ReapedTaskCacheSize = DefaultReapedTaskCacheSize
	}
	return c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	return saveConfigFile(conf, fullConfigFile)
}

func saveConfigFile(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the rd replayer.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Treat replay warnings (for example tick count mismatches) as fatal errors.
# fatal-errors-and-warnings: true

# Echo recorded writes to stdout/stderr while replaying, and mark each of
# them with the task and frame time that produced it.
# redirect-stdio: true
# mark-stdio: false

# Log the registers of the running task at a frame time, or every time the
# named syscalls are processed ("all" for every syscall).
# dump-at: 0
# dump-on: ["clone", "execve"]

# CPU to bind tracees to. By default the CPU of the recording is used,
# a negative value disables binding.
# bind-cpu: -1

# Use the tick counter of another microarchitecture.
# forced-uarch: ""

# Don't request PTRACE_EVENT_EXIT stops.
# disable-ptrace-exit-events: false

# Number of exited tasks remembered to ignore late status reports.
# reaped-task-cache-size: 128
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv("RD_CONFIG_DIR"); dir != "" {
		return path.Join(dir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
