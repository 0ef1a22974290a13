// Package agentlog wraps github.com/charmbracelet/log with the leveled,
// sublogger-capable facade this repo's components expect, colored via
// lipgloss the same way the teacher colors match/filename output, and only
// when stderr, where log lines are written, is a terminal (teacher's
// output.StdoutIsTerminal, adapted to stderr).
package agentlog

import (
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sys/unix"
)

// Level mirrors the hierarchy used elsewhere in the pack (disabled through
// trace), ordered so comparisons by value are meaningful.
type Level int

const (
	LevelDisabled Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// NameToLevel converts a string form of a level to its Level value.
func NameToLevel(name string) (Level, bool) {
	switch name {
	case "disabled":
		return LevelDisabled, true
	case "error":
		return LevelError, true
	case "warn":
		return LevelWarn, true
	case "info":
		return LevelInfo, true
	case "debug":
		return LevelDebug, true
	case "trace":
		return LevelTrace, true
	default:
		return LevelDisabled, false
	}
}

func (l Level) charmLevel() charmlog.Level {
	switch l {
	case LevelError:
		return charmlog.ErrorLevel
	case LevelWarn:
		return charmlog.WarnLevel
	case LevelInfo:
		return charmlog.InfoLevel
	case LevelDebug, LevelTrace:
		return charmlog.DebugLevel
	default:
		return charmlog.FatalLevel + 1 // above Fatal: effectively silent
	}
}

// Logger is the component-facing logging facade. Every pipeline stage
// (Watcher, Tailer, Client, Retry) holds one, obtained via Sublogger so log
// lines carry a "[component]" prefix.
type Logger struct {
	inner *charmlog.Logger
}

// isTerminal reports whether fd is attached to a terminal, via the same
// ioctl the teacher's output package uses for color auto-detection.
func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	return err == nil
}

// New creates a root Logger at the given level, writing to stderr.
func New(level Level) *Logger {
	opts := charmlog.Options{
		ReportTimestamp: true,
		Level:           level.charmLevel(),
	}
	inner := charmlog.NewWithOptions(os.Stderr, opts)
	if isTerminal(os.Stderr.Fd()) {
		inner.SetColorProfile(lipgloss.ColorProfile())
	}
	return &Logger{inner: inner}
}

// Sublogger returns a derived Logger with name appended to the prefix
// chain, mirroring the "prefix.name" scheme used elsewhere in the pack.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{inner: l.inner.WithPrefix(joinPrefix(l.inner.GetPrefix(), name))}
}

func joinPrefix(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func (l *Logger) Info(msg string, kv ...any) {
	if l != nil {
		l.inner.Info(msg, kv...)
	}
}

func (l *Logger) Debug(msg string, kv ...any) {
	if l != nil {
		l.inner.Debug(msg, kv...)
	}
}

func (l *Logger) Warn(msg string, kv ...any) {
	if l != nil {
		l.inner.Warn(msg, kv...)
	}
}

func (l *Logger) Error(msg string, kv ...any) {
	if l != nil {
		l.inner.Error(msg, kv...)
	}
}

// Fatal logs the message at fatal level and then exits the process with a
// non-zero status, used for fatal startup errors (spec §7). On a nil
// Logger it exits without logging.
func (l *Logger) Fatal(msg string, kv ...any) {
	if l != nil {
		l.inner.Fatal(msg, kv...)
		return
	}
	os.Exit(1)
}
