// Package relaylog builds the zerolog.Logger shared by both relay binaries
// from the CLI-selected terminal and file log levels (spec.md §6's
// --trace|--debug|--info|--warn|--error|--off and
// --trace-file|--disable-log flags).
package relaylog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Settings configures Build.
type Settings struct {
	// TerminalLevel is the minimum level written to stderr.
	TerminalLevel zerolog.Level
	// Pretty enables zerolog's human-readable console writer for the
	// terminal output instead of JSON.
	Pretty bool
	// FilePath, if non-empty, is a log file reopened on SIGHUP via the
	// returned Reopen func. FileLevel is its independent minimum level.
	FilePath  string
	FileLevel zerolog.Level
}

// Logger is a zerolog.Logger plus a Reopen hook for the file sink, which the
// caller invokes on SIGHUP.
type Logger struct {
	zerolog.Logger
	Reopen func()
}

// Build constructs a Logger per Settings, using independent level gates for
// the terminal and file sinks the way the teacher's atlas.configureLogging
// does, so e.g. --trace-file can capture more detail than the terminal
// shows.
func Build(s Settings) (Logger, error) {
	var outputs []io.Writer

	outputs = append(outputs, newLevelWriter(consoleOrPlain(os.Stderr, s.Pretty), s.TerminalLevel))

	var reopen func()
	if s.FilePath != "" {
		abs, err := filepath.Abs(s.FilePath)
		if err != nil {
			return Logger{}, fmt.Errorf("resolve log file: %w", err)
		}
		lw := newLevelWriter(nil, s.FileLevel)
		reopen = func() {
			lw.Swap(func(old io.Writer) io.Writer {
				if c, ok := old.(io.Closer); ok {
					c.Close()
				}
				f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: open log file: %v\n", err)
					return nil
				}
				return f
			})
		}
		reopen()
		outputs = append(outputs, lw)
	} else {
		reopen = func() {}
	}

	l := zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(minLevel(s.TerminalLevel, s.FileLevel)).
		With().
		Timestamp().
		Logger()

	return Logger{Logger: l, Reopen: reopen}, nil
}

func consoleOrPlain(w io.Writer, pretty bool) io.Writer {
	if pretty {
		return zerolog.ConsoleWriter{Out: w}
	}
	return w
}

func minLevel(a, b zerolog.Level) zerolog.Level {
	if a < b {
		return a
	}
	return b
}

// levelWriter gates writes at a fixed level and allows its underlying
// writer to be swapped at runtime (used to reopen a log file on SIGHUP).
type levelWriter struct {
	mu sync.Mutex
	w  io.Writer
	l  zerolog.Level
}

var _ zerolog.LevelWriter = (*levelWriter)(nil)

func newLevelWriter(w io.Writer, l zerolog.Level) *levelWriter {
	return &levelWriter{w: w, l: l}
}

func (lw *levelWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.w == nil {
		return len(p), nil
	}
	return lw.w.Write(p)
}

func (lw *levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < lw.l {
		return len(p), nil
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.w == nil {
		return len(p), nil
	}
	if wl, ok := lw.w.(zerolog.LevelWriter); ok {
		return wl.WriteLevel(level, p)
	}
	return lw.w.Write(p)
}

func (lw *levelWriter) Swap(fn func(io.Writer) io.Writer) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.w = fn(lw.w)
}

// LevelFromFlags maps the mutually exclusive CLI flags of spec.md §6 to a
// zerolog.Level; off disables the sink entirely.
func LevelFromFlags(trace, debug, warn, errorLvl, off bool) zerolog.Level {
	switch {
	case trace:
		return zerolog.TraceLevel
	case debug:
		return zerolog.DebugLevel
	case warn:
		return zerolog.WarnLevel
	case errorLvl:
		return zerolog.ErrorLevel
	case off:
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
