package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var replay = false
var syscalls = false
var task = false
var ptrace = false
var threadGroup = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

// makeFlaggableLogger returns a logger that logs at debug level when flag
// is set and only reports warnings and errors otherwise.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.WarnLevel, fields)
}

// Replay returns true if the replay session driver should log.
func Replay() bool {
	return replay
}

// ReplayLogger returns a logger for the replay session driver.
func ReplayLogger() Logger {
	return makeFlaggableLogger(replay, Fields{"layer": "replay"})
}

// Syscall returns true if the replay syscall engine should log every
// syscall it processes.
func Syscall() bool {
	return syscalls
}

// SyscallLogger returns a logger for the replay syscall engine.
func SyscallLogger() Logger {
	return makeFlaggableLogger(syscalls, Fields{"layer": "replay", "kind": "syscall"})
}

// Task returns true if task state changes should be logged.
func Task() bool {
	return task
}

// TaskLogger returns a logger for tasks.
func TaskLogger() Logger {
	return makeFlaggableLogger(task, Fields{"layer": "proc", "kind": "task"})
}

// Ptrace returns true if every ptrace request should be logged.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for the native tracer.
func PtraceLogger() Logger {
	return makeFlaggableLogger(ptrace, Fields{"layer": "native"})
}

// ThreadGroup returns true if thread group lifecycle should be logged.
func ThreadGroup() bool {
	return threadGroup
}

// ThreadGroupLogger returns a logger for thread groups.
func ThreadGroupLogger() Logger {
	return makeFlaggableLogger(threadGroup, Fields{"layer": "proc", "kind": "tg"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets replay flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "rd-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "replay"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "replay":
			replay = true
		case "syscall":
			syscalls = true
		case "task":
			task = true
		case "ptrace":
			ptrace = true
		case "tg":
			threadGroup = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'rd help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
	color bool
}

var textFormatterInstance = &textFormatter{color: isatty.IsTerminal(os.Stderr.Fd())}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	fmt.Fprintf(b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), f.level(entry.Level))

	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		stringVal, ok := entry.Data[key].(string)
		if !ok {
			stringVal = fmt.Sprint(entry.Data[key])
		}
		if f.needsQuoting(stringVal) {
			fmt.Fprintf(b, "%q", stringVal)
		} else {
			b.WriteString(stringVal)
		}
		b.WriteByte(' ')
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *textFormatter) level(l logrus.Level) string {
	s := l.String()
	if !f.color {
		return s
	}
	var color int
	switch l {
	case logrus.DebugLevel, logrus.TraceLevel:
		color = 37
	case logrus.WarnLevel:
		color = 33
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		color = 31
	default:
		color = 36
	}
	return fmt.Sprintf("\x1b[%dm%s\x1b[0m", color, s)
}

func (f *textFormatter) needsQuoting(text string) bool {
	for _, ch := range text {
		if !((ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '/' || ch == '@' || ch == '^' || ch == '+') {
			return true
		}
	}
	return false
}
