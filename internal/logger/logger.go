// Package logger provides the hub's central logger. Lines are written as
//
//	[HH:MM:SS][<app>][<level>] <msg>
//
// to an optional log file and/or standard output, serialized by a single
// write lock. The hub's own messages use the app name "Hub"; LOG frames
// received from clients are recorded under the sending application's name.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Hub log levels. These extend the slog scale with NORMAL between INFO and
// WARNING and CRITICAL above ERROR, matching the wire values 0-5 used by
// LOG frames.
const (
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelNormal   = slog.Level(2)
	LevelWarning  = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.Level(12)
)

// levels indexed by wire value.
var wireLevels = [...]slog.Level{LevelDebug, LevelInfo, LevelNormal, LevelWarning, LevelError, LevelCritical}

// Config holds logger configuration resolved from the hub config file.
type Config struct {
	// Level is the minimum severity name (DEBUG, INFO, NORMAL, WARNING,
	// ERROR, CRITICAL). Messages below it are dropped.
	Level string

	// File is the log file path. Empty means standard output only.
	File string

	// ReplicateStdout also prints to standard output when File is set.
	ReplicateStdout bool
}

var (
	minLevel atomic.Int32

	mu      sync.Mutex
	slogger *slog.Logger
	logFile *os.File
)

func init() {
	minLevel.Store(int32(LevelNormal))
	slogger = slog.New(newHubHandler(os.Stdout, nil))
}

// Name returns the display name for a level.
func Name(l slog.Level) string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelNormal:
		return "NORMAL"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// Parse maps a level name to its level. The match is case-insensitive.
func Parse(name string) (slog.Level, error) {
	for _, l := range wireLevels {
		if strings.EqualFold(name, Name(l)) {
			return l, nil
		}
	}
	return LevelNormal, fmt.Errorf("unknown log level %q", name)
}

// FromWire maps a LOG frame's integer level to a hub level. Out-of-range
// values clamp to the nearest end of the scale.
func FromWire(v int) slog.Level {
	if v < 0 {
		return LevelDebug
	}
	if v >= len(wireLevels) {
		return LevelCritical
	}
	return wireLevels[v]
}

// Init configures the logger from cfg. When cfg.File is set the file is
// opened in append mode; stdout replication follows cfg.ReplicateStdout.
// Without a file, output always goes to standard output.
func Init(cfg Config) error {
	if cfg.Level != "" {
		l, err := Parse(cfg.Level)
		if err != nil {
			return err
		}
		minLevel.Store(int32(l))
	}

	mu.Lock()
	defer mu.Unlock()

	var file io.Writer
	stdout := io.Writer(os.Stdout)

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %q: %w", cfg.File, err)
		}
		logFile = f
		file = f
		if !cfg.ReplicateStdout {
			stdout = nil
		}
	}

	slogger = slog.New(newHubHandler(stdout, file))
	return nil
}

// InitWithWriter points the logger at a single writer. Used by tests.
func InitWithWriter(w io.Writer, level string) {
	if level != "" {
		if l, err := Parse(level); err == nil {
			minLevel.Store(int32(l))
		}
	}
	mu.Lock()
	slogger = slog.New(newHubHandler(w, nil))
	mu.Unlock()
}

// Close flushes and closes the log file, if one is open.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Sync()
		_ = logFile.Close()
		logFile = nil
	}
}

func enabled(l slog.Level) bool {
	return l >= slog.Level(minLevel.Load())
}

func getLogger() *slog.Logger {
	mu.Lock()
	l := slogger
	mu.Unlock()
	return l
}

func log(level slog.Level, msg string, args ...any) {
	if !enabled(level) {
		return
	}
	getLogger().Log(context.Background(), level, msg, args...)
}

// App records a message on behalf of a client application, as delivered in
// a LOG frame. The app name replaces "Hub" in the output line.
func App(app string, level slog.Level, msg string) {
	if !enabled(level) {
		return
	}
	getLogger().Log(context.Background(), level, msg, slog.String(appKey, app))
}

// Debug logs at DEBUG with structured fields appended as key=value pairs.
func Debug(msg string, args ...any) { log(LevelDebug, msg, args...) }

// Info logs at INFO.
func Info(msg string, args ...any) { log(LevelInfo, msg, args...) }

// Normal logs at NORMAL, the hub's default minimum level.
func Normal(msg string, args ...any) { log(LevelNormal, msg, args...) }

// Warning logs at WARNING.
func Warning(msg string, args ...any) { log(LevelWarning, msg, args...) }

// Error logs at ERROR.
func Error(msg string, args ...any) { log(LevelError, msg, args...) }

// Critical logs at CRITICAL. Reserved for conditions that abort startup or
// shutdown.
func Critical(msg string, args ...any) { log(LevelCritical, msg, args...) }
