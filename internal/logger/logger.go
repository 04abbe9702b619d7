// Package logger is the engine's structured logging setup. meetcore is a
// library embedded in a host application, so logs default to stderr (the
// host owns stdout) at info level, and the level can be raised at runtime
// without re-initializing handlers.
package logger

import (
	"io"
	"log/slog"
	"os"
)

var Log *slog.Logger

// level is shared by every handler Init creates, so SetLevel takes effect
// on the live logger.
var level slog.LevelVar

func init() {
	// Embedders may never call Init; Log must still be usable.
	_ = Init("info", "")
}

// Init configures the global logger: stderr always, plus an append-only
// log file when logFile is non-empty.
func Init(levelName string, logFile string) error {
	level.Set(parseLevel(levelName))

	writers := []io.Writer{os.Stderr}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: &level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Short timestamps; signaling traces are read side by side
			// with packet captures, full dates are noise.
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	return nil
}

// SetLevel adjusts the minimum level of the live logger, e.g. to turn on
// debug tracing of envelope handling without reconnecting.
func SetLevel(levelName string) {
	level.Set(parseLevel(levelName))
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs at debug level
func Debug(msg string, args ...any) {
	Log.Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	Log.Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	Log.Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	Log.Error(msg, args...)
}
