// Package logger provides leveled structured logging.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger provides leveled logging.
type Logger struct {
	level  Level
	logger zerolog.Logger
}

var defaultLogger *Logger

// ParseLevel maps a config level name to a Level, defaulting to info.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the default logger with the specified level and format.
func Init(level string, format string) {
	l := ParseLevel(level)

	var zl zerolog.Logger
	if strings.ToLower(format) == "text" {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006/01/02 15:04:05.000000"}
		zl = zerolog.New(out)
	} else {
		zl = zerolog.New(os.Stderr)
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	defaultLogger = &Logger{
		level:  l,
		logger: zl.With().Timestamp().Logger().Level(l.zerolog()),
	}
}

// Enabled reports whether messages at level would be written.
func Enabled(level Level) bool {
	return defaultLogger != nil && defaultLogger.level <= level
}

func Debug(format string, args ...interface{}) {
	if Enabled(DebugLevel) {
		defaultLogger.logger.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Info(format string, args ...interface{}) {
	if Enabled(InfoLevel) {
		defaultLogger.logger.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(format string, args ...interface{}) {
	if Enabled(WarnLevel) {
		defaultLogger.logger.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(format string, args ...interface{}) {
	if Enabled(ErrorLevel) {
		defaultLogger.logger.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if defaultLogger != nil {
		defaultLogger.logger.WithLevel(zerolog.FatalLevel).Msg(msg)
	} else {
		fmt.Fprintln(os.Stderr, "[FATAL] "+msg)
	}
	os.Exit(1)
}
