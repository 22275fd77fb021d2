package logflags

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func resetFlags() {
	replay, syscalls, task, ptrace, threadGroup = false, false, false, false, false
}

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	defer func() {
		loggerFactory = nil
	}()
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}
	logOut = &bufferWriter{}
	defer func() {
		logOut = nil
	}()

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		if level != logrus.DebugLevel {
			t.Fatalf("expected level to be <%v>; but was <%v>", logrus.DebugLevel, level)
		}
		if len(fields) != 1 || fields["layer"] != "replay" {
			t.Fatalf("expected fields to be {'layer':'replay'}; but was <%v>", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v>; but was <%v>", logOut, out)
		}
		return expectedLogger
	})

	actual := makeFlaggableLogger(true, Fields{"layer": "replay"})
	if actual != expectedLogger {
		t.Fatalf("expected actual to <%v>; but was <%v>", expectedLogger, actual)
	}
}

func TestMakeFlaggableLogger(t *testing.T) {
	for _, tc := range []struct {
		flag  bool
		level logrus.Level
	}{
		{false, logrus.WarnLevel},
		{true, logrus.DebugLevel},
	} {
		actual := makeFlaggableLogger(tc.flag, Fields{"foo": "bar"})
		actualEntry, expectedType := actual.(*logrusLogger)
		if !expectedType {
			t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrusLogger)(nil)), reflect.TypeOf(actual))
		}
		if actualEntry.Entry.Logger.Level != tc.level {
			t.Fatalf("flag %v: expected level <%v>; but was <%v>", tc.flag, tc.level, actualEntry.Logger.Level)
		}
		if len(actualEntry.Entry.Data) != 1 || actualEntry.Data["foo"] != "bar" {
			t.Fatalf("expected actualEntry.Entry.Data to be {'foo':'bar'}; but was <%v>", actualEntry.Data)
		}
		if actual.DebugEnabled() != tc.flag {
			t.Fatalf("flag %v: DebugEnabled returned %v", tc.flag, actual.DebugEnabled())
		}
		if actualEntry.Entry.Logger.Formatter != textFormatterInstance {
			t.Fatalf("expected the text formatter; but was <%v>", actualEntry.Logger.Formatter)
		}
	}
}

func TestSetup(t *testing.T) {
	defer resetFlags()
	if err := Setup(false, "replay", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog; got %v", err)
	}
	if err := Setup(true, "", ""); err != nil {
		t.Fatal(err)
	}
	if !Replay() || Syscall() || Task() {
		t.Fatalf("default log output should enable only the replay layer")
	}
	resetFlags()
	if err := Setup(true, "syscall,tg,ptrace", ""); err != nil {
		t.Fatal(err)
	}
	if Replay() || !Syscall() || !ThreadGroup() || !Ptrace() || Task() {
		t.Fatalf("wrong layers enabled: replay=%v syscall=%v tg=%v ptrace=%v task=%v", Replay(), Syscall(), ThreadGroup(), Ptrace(), Task())
	}
}

func TestTextFormatter(t *testing.T) {
	f := &textFormatter{}
	e := &logrus.Entry{
		Time:    time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "tick mismatch",
		Data:    logrus.Fields{"tid": 42, "layer": "replay", "syscall": "clone entry"},
	}
	out, err := f.Format(e)
	if err != nil {
		t.Fatal(err)
	}
	const want = `2020-01-02T03:04:05Z warning layer=replay syscall="clone entry" tid=42 tick mismatch` + "\n"
	if string(out) != want {
		t.Fatalf("got %q\nwant %q", out, want)
	}
	if strings.Contains(string(out), "\x1b[") {
		t.Fatalf("colors must be off")
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw bufferWriter) Close() error {
	return nil
}
