// Package test contains the test support shared by the packages of rd: a
// fake ptrace kernel driving scripted tracees, and the trace script
// fixtures under _fixtures.
package test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-delve/rd/pkg/trace"
)

// Fixture is a trace script.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the script.
	Path string
}

// Fixtures is a map of Fixture.Name to Fixture.
var Fixtures map[string]Fixture = make(map[string]Fixture)

func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// BuildFixture locates the trace script called name.
func BuildFixture(name string) Fixture {
	if f, ok := Fixtures[name]; ok {
		return f
	}
	path, _ := filepath.Abs(filepath.Join(FindFixturesDir(), name+".yml"))
	Fixtures[name] = Fixture{Name: name, Path: path}
	return Fixtures[name]
}

// LoadFixture parses the trace script called name.
func LoadFixture(t testing.TB, name string) *trace.MemoryReader {
	t.Helper()
	f := BuildFixture(name)
	r, err := trace.LoadScript(f.Path)
	if err != nil {
		t.Fatalf("could not load fixture %s: %v", name, err)
	}
	return r
}
