// Package logging sets up the leveled logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"

	"stethoscope/pcapsessions/internal/config"
)

// Logger is the leveled logging surface components depend on.
// *logrus.Logger and *logrus.Entry both satisfy it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// ParseLevel maps DEBUG/INFO/WARN(ING)/ERROR onto logrus levels.
func ParseLevel(s string, def log.Level) log.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return log.DebugLevel
	case "INFO":
		return log.InfoLevel
	case "WARN", "WARNING":
		return log.WarnLevel
	case "ERROR":
		return log.ErrorLevel
	default:
		return def
	}
}

// Handle owns the logger and the log file behind it, if any.
type Handle struct {
	*log.Logger
	file io.Closer
}

func (h *Handle) Close() {
	if h.file != nil {
		_ = h.file.Close()
		h.file = nil
	}
}

// Setup builds a logger from the logging section. cliLevel, when set,
// overrides the console verbosity. With file logging enabled, lines go to both
// stdout and the file, each gated by its own verbosity.
func Setup(cfg config.LoggingConfig, cliLevel string) (*Handle, error) {
	return setup(cfg, cliLevel, os.Stdout)
}

func setup(cfg config.LoggingConfig, cliLevel string, console io.Writer) (*Handle, error) {
	consoleLevel := ParseLevel(cfg.Console.Verbosity, log.InfoLevel)
	if strings.TrimSpace(cliLevel) != "" {
		consoleLevel = ParseLevel(cliLevel, consoleLevel)
	}

	l := log.New()
	l.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	l.SetOutput(console)
	l.SetLevel(consoleLevel)
	h := &Handle{Logger: l}

	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "pcapsessions.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		h.file = f
		fileLevel := ParseLevel(cfg.File.Verbosity, log.InfoLevel)

		// The logger admits the more verbose of the two levels; each hook
		// filters down to its own.
		l.SetOutput(io.Discard)
		l.SetLevel(max(consoleLevel, fileLevel))
		l.AddHook(&writer.Hook{Writer: console, LogLevels: levelsUpTo(consoleLevel)})
		l.AddHook(&writer.Hook{Writer: f, LogLevels: levelsUpTo(fileLevel)})
	}
	return h, nil
}

func levelsUpTo(lvl log.Level) []log.Level {
	return log.AllLevels[:lvl+1]
}

// Discard returns a logger that drops everything; used by tests and library
// callers that do not care about diagnostics.
func Discard() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	l.SetLevel(log.PanicLevel)
	return l
}
