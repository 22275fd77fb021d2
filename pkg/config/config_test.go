package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigFileLoadsAsDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RD_CONFIG_DIR", dir)

	c := LoadConfig()
	if _, err := os.Stat(filepath.Join(dir, configFile)); err != nil {
		t.Fatalf("default config file was not created: %v", err)
	}
	if !c.RedirectStdio || c.MarkStdio || c.FatalErrorsAndWarnings {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.ReapedTaskCacheSize != DefaultReapedTaskCacheSize {
		t.Fatalf("reaped task cache size = %d", c.ReapedTaskCacheSize)
	}
	if c.BindCPU != nil {
		t.Fatalf("bind-cpu must be unset by default")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RD_CONFIG_DIR", dir)

	cpu := -1
	c := Default()
	c.FatalErrorsAndWarnings = true
	c.RedirectStdio = false
	c.DumpAt = 77
	c.DumpOn = []string{"clone"}
	c.BindCPU = &cpu
	if err := SaveConfig(c); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfigFile(filepath.Join(dir, configFile))
	if err != nil {
		t.Fatal(err)
	}
	if !got.FatalErrorsAndWarnings || got.RedirectStdio || got.DumpAt != 77 {
		t.Fatalf("round trip lost options: %+v", got)
	}
	if got.CPUBinding(3) != -1 {
		t.Fatalf("explicit bind-cpu must win over the recording's CPU")
	}
	if !got.DumpOnSyscall("clone") || got.DumpOnSyscall("execve") {
		t.Fatalf("dump-on mismatch: %v", got.DumpOn)
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "c.yml")
	if err := os.WriteFile(p, []byte("mark-stdio: true\ndump-on: [all]\n"), 0600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfigFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !c.MarkStdio || !c.RedirectStdio {
		t.Fatalf("unexpected config %+v", c)
	}
	if !c.DumpOnSyscall("write") {
		t.Fatalf("all must match every syscall")
	}
	if c.CPUBinding(2) != 2 {
		t.Fatalf("unset bind-cpu must use the recording's CPU")
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RD_CONFIG_DIR", dir)
	if err := os.WriteFile(filepath.Join(dir, configFile), []byte("mark-stdio: false\ndump-at: 5\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RD_MARK_STDIO", "true")
	t.Setenv("RD_DUMP_ON", "clone,execve")
	t.Setenv("RD_BIND_CPU", "-1")

	c := LoadConfig()
	if !c.MarkStdio || c.DumpAt != 5 {
		t.Fatalf("unexpected config %+v", c)
	}
	if !c.DumpOnSyscall("execve") || c.DumpOnSyscall("write") {
		t.Fatalf("dump-on from the environment: %v", c.DumpOn)
	}
	if c.CPUBinding(3) != -1 {
		t.Fatalf("bind-cpu from the environment not applied")
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("RD_DUMP_AT", "soon")
	if err := ParseEnv(Default()); err == nil {
		t.Fatal("bad RD_DUMP_AT accepted")
	}
}
