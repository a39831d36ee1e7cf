package core

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

// LogConfig holds logging configuration from YAML.
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
	// File mirrors log output to the given path (appended).
	File string `yaml:"file,omitempty"`
}

// Logger provides per-component log level filtering on top of logrus.
type Logger struct {
	mu          sync.RWMutex
	globalLevel LogLevel
	components  map[string]LogLevel // lowercase component name → level
	out         *logrus.Logger
	file        *os.File
}

// ParseLevel converts a string level name to LogLevel.
// Returns LevelInfo for unrecognized values.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// NewLogger creates a Logger from config writing to stderr.
func NewLogger(cfg LogConfig) *Logger {
	out := logrus.New()
	out.SetOutput(os.Stderr)
	out.SetLevel(logrus.DebugLevel) // filtering is done per component
	out.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	l := &Logger{out: out}
	l.apply(cfg)
	return l
}

// Configure replaces levels and the optional file sink.
func (l *Logger) Configure(cfg LogConfig) error {
	l.apply(cfg)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if cfg.File == "" {
		l.out.SetOutput(os.Stderr)
		return nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.out.SetOutput(os.Stderr)
		return err
	}
	l.file = f
	l.out.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

// SetOutput redirects log output. Used by tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.out.SetOutput(w)
}

func (l *Logger) apply(cfg LogConfig) {
	components := make(map[string]LogLevel, len(cfg.Components))
	for name, level := range cfg.Components {
		components[strings.ToLower(name)] = ParseLevel(level)
	}
	l.mu.Lock()
	l.globalLevel = ParseLevel(cfg.Level)
	l.components = components
	l.mu.Unlock()
}

// levelFor returns the effective log level for a component tag.
func (l *Logger) levelFor(tag string) LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.components[strings.ToLower(tag)]; ok {
		return lvl
	}
	return l.globalLevel
}

// Enabled reports whether messages at lvl would be emitted for tag.
func (l *Logger) Enabled(tag string, lvl LogLevel) bool {
	return l.levelFor(tag) <= lvl
}

func (l *Logger) entry(tag string) *logrus.Entry {
	return l.out.WithField("component", tag)
}

// Debugf logs at debug level.
func (l *Logger) Debugf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelDebug {
		l.entry(tag).Debugf(format, args...)
	}
}

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelInfo {
		l.entry(tag).Infof(format, args...)
	}
}

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelWarn {
		l.entry(tag).Warnf(format, args...)
	}
}

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelError {
		l.entry(tag).Errorf(format, args...)
	}
}

// Writer returns a pipe whose lines are logged under tag at lvl. The
// caller closes it once the producer is done.
func (l *Logger) Writer(tag string, lvl LogLevel) io.WriteCloser {
	if !l.Enabled(tag, lvl) {
		return nopCloser{io.Discard}
	}
	level := logrus.InfoLevel
	switch lvl {
	case LevelDebug:
		level = logrus.DebugLevel
	case LevelWarn:
		level = logrus.WarnLevel
	case LevelError:
		level = logrus.ErrorLevel
	}
	return l.entry(tag).WriterLevel(level)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Fatalf always logs and calls os.Exit(1).
func (l *Logger) Fatalf(tag, format string, args ...any) {
	l.entry(tag).Fatalf(format, args...)
}

// Log is the global logger instance. Initialized with default (info level).
var Log = NewLogger(LogConfig{})
