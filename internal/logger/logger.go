package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config selects level, encoding and destination.
type Config struct {
	// Level is DEBUG, INFO, WARN or ERROR.
	Level string

	// Format is "text" (human readable) or "json".
	Format string

	// Output is "stdout", "stderr" or a file path opened for appending.
	Output string
}

var (
	currentLevel atomic.Int32

	mu     sync.RWMutex
	base   = newLogger(os.Stdout, "text")
	closer io.Closer
)

func init() {
	currentLevel.Store(int32(LevelInfo))
}

func newLogger(w io.Writer, format string) zerolog.Logger {
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: w != os.Stdout}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func parseLevel(level string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN", "WARNING":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	}
	return LevelInfo, false
}

// Configure replaces the process logger. A previously opened log file is
// closed.
func Configure(cfg Config) error {
	level := LevelInfo
	if cfg.Level != "" {
		l, ok := parseLevel(cfg.Level)
		if !ok {
			return fmt.Errorf("invalid log level %q", cfg.Level)
		}
		level = l
	}

	format := strings.ToLower(cfg.Format)
	switch format {
	case "", "text":
		format = "text"
	case "json":
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}

	var (
		w io.Writer
		c io.Closer
	)
	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		w, c = f, f
	}

	mu.Lock()
	old := closer
	base, closer = newLogger(w, format), c
	mu.Unlock()
	currentLevel.Store(int32(level))

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// SetLevel changes the minimum level. Unknown names are ignored.
func SetLevel(level string) {
	if l, ok := parseLevel(level); ok {
		currentLevel.Store(int32(l))
	}
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	return Level(currentLevel.Load())
}

// With returns the underlying zerolog logger, filtered at the current level,
// for structured call sites.
func With() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.Level(GetLevel().zerolog())
}

func log(level Level, format string, v ...any) {
	if level < GetLevel() {
		return
	}
	mu.RLock()
	l := base
	mu.RUnlock()
	l.WithLevel(level.zerolog()).Msgf(format, v...)
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}
