// Package logging provides the process-wide structured logger shared by the
// coordinator, broker, and ingestion subsystems.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu   sync.Mutex
	base zerolog.Logger
	initialized bool
)

// Options configures the process-wide logger. A zero value logs to stderr
// at info level.
type Options struct {
	// FilePath, if set, routes logs through a rotating lumberjack writer
	// instead of stderr.
	FilePath string
	// Console renders human-readable console output instead of JSON lines.
	// Ignored when FilePath is set.
	Console bool
	// Debug enables debug-level logging, mirroring the AGENT_DEBUG env var.
	Debug bool
}

// Init configures the process-wide logger. Safe to call once at startup;
// subsequent calls replace the logger.
func Init(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if opts.Debug || envDebug() {
		level = zerolog.DebugLevel
	}

	var w zerolog.ConsoleWriter
	var out interface {
		Write(p []byte) (int, error)
	}
	if opts.FilePath != "" {
		out = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	} else if opts.Console {
		w = zerolog.NewConsoleWriter(func(c *zerolog.ConsoleWriter) {
			c.Out = os.Stderr
		})
		out = w
	} else {
		out = os.Stderr
	}

	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
	initialized = true
}

func envDebug() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("AGENT_DEBUG")))
	return v == "1" || v == "true" || v == "yes"
}

// For returns a sub-logger tagged with the given component name. Each
// subsystem (coordinator, watcher, broker, ...) should call this once and
// reuse the result rather than share a single ungrouped logger.
func For(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		base = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
		initialized = true
	}
	return base.With().Str("component", component).Logger()
}
