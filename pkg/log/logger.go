package log

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process-wide gateway logger.
var (
	Logger zerolog.Logger
	mu     sync.RWMutex
)

func init() {
	Configure(os.Stderr, false)
}

// Configure rebuilds the logger. JSON output is meant for log shippers,
// the console writer for humans.
func Configure(out io.Writer, jsonOutput bool) {
	if !jsonOutput {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if Logger.GetLevel() == zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}

	Logger = zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "pgrestgw").
		Logger()

	log.Logger = Logger
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := Logger
	return &l
}

// With returns a child logger tagged with a component name.
func With(component string) zerolog.Logger {
	return current().With().Str("component", component).Logger()
}

// Info starts an info level event.
func Info() *zerolog.Event {
	return current().Info()
}

// Error starts an error level event.
func Error() *zerolog.Event {
	return current().Error()
}

// Warn starts a warning level event.
func Warn() *zerolog.Event {
	return current().Warn()
}

// Debug starts a debug level event.
func Debug() *zerolog.Event {
	return current().Debug()
}

// Fatal starts a fatal event; Msg exits the process.
func Fatal() *zerolog.Event {
	return current().Fatal()
}

// SetDebugMode switches the logger to debug level.
func SetDebugMode() {
	mu.Lock()
	defer mu.Unlock()
	Logger = Logger.Level(zerolog.DebugLevel)
	log.Logger = Logger
}
