// Package logging provides structured logging for the wallet core.
//
// Loggers never receive key material. Values logged under a sensitive key
// (addresses, hashes, signatures) are shortened with Redact at info level
// and above; debug output keeps them whole.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// SensitiveKeys are the keyval keys redacted by default.
var SensitiveKeys = []string{"address", "signer", "owner", "hash", "txhash", "txid", "sig", "signature", "pubkey"}

// Logger wraps charmbracelet/log and applies the redaction policy.
type Logger struct {
	*log.Logger
	timeFormat string
	output     io.Writer
	sensitive  map[string]struct{}
}

// Config holds logger configuration.
type Config struct {
	Level      string
	TimeFormat string
	Prefix     string
	Output     io.Writer
	// RedactKeys overrides SensitiveKeys when non-nil.
	RedactKeys []string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
		Prefix:     "",
		Output:     os.Stderr,
	}
}

// New creates a new logger with the given configuration.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	logger := log.NewWithOptions(output, log.Options{
		ReportCaller:    false,
		ReportTimestamp: true,
		TimeFormat:      cfg.TimeFormat,
		Prefix:          cfg.Prefix,
	})

	logger.SetLevel(ParseLevel(cfg.Level))

	keys := cfg.RedactKeys
	if keys == nil {
		keys = SensitiveKeys
	}
	return &Logger{Logger: logger, timeFormat: cfg.TimeFormat, output: output, sensitive: keySet(keys)}
}

func keySet(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

// Default returns the default logger.
func Default() *Logger {
	return New(DefaultConfig())
}

// ParseLevel parses a string level into a log.Level.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// With returns a new logger with the given key-value pairs. Bound values
// show up at every level, so sensitive ones are redacted here.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(l.scrub(keyvals)...), timeFormat: l.timeFormat, output: l.output, sensitive: l.sensitive}
}

// WithPrefix returns a new logger with the given prefix.
func (l *Logger) WithPrefix(prefix string) *Logger {
	timeFormat := l.timeFormat
	if timeFormat == "" {
		timeFormat = time.TimeOnly
	}
	output := l.output
	if output == nil {
		output = os.Stderr
	}
	newLogger := log.NewWithOptions(output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Prefix:          prefix,
	})
	newLogger.SetLevel(l.GetLevel())
	return &Logger{Logger: newLogger, timeFormat: timeFormat, output: output, sensitive: l.sensitive}
}

// Component returns a logger for a specific component. It inherits the
// parent's level, output and redaction policy.
func (l *Logger) Component(name string) *Logger {
	return l.WithPrefix(name)
}

// RedactKeys returns a copy of l that also redacts keys.
func (l *Logger) RedactKeys(keys ...string) *Logger {
	sensitive := keySet(keys)
	for k := range l.sensitive {
		sensitive[k] = struct{}{}
	}
	c := *l
	c.sensitive = sensitive
	return &c
}

// Info logs at info level with sensitive values redacted.
func (l *Logger) Info(msg interface{}, keyvals ...interface{}) {
	l.Logger.Info(msg, l.scrub(keyvals)...)
}

// Warn logs at warn level with sensitive values redacted.
func (l *Logger) Warn(msg interface{}, keyvals ...interface{}) {
	l.Logger.Warn(msg, l.scrub(keyvals)...)
}

// Error logs at error level with sensitive values redacted.
func (l *Logger) Error(msg interface{}, keyvals ...interface{}) {
	l.Logger.Error(msg, l.scrub(keyvals)...)
}

// Fatal logs at fatal level with sensitive values redacted and exits.
func (l *Logger) Fatal(msg interface{}, keyvals ...interface{}) {
	l.Logger.Fatal(msg, l.scrub(keyvals)...)
}

// scrub returns keyvals with the values of sensitive keys redacted. The
// input slice is never modified.
func (l *Logger) scrub(keyvals []interface{}) []interface{} {
	if len(l.sensitive) == 0 {
		return keyvals
	}
	var out []interface{}
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		if _, hit := l.sensitive[key]; !hit {
			continue
		}
		var v string
		switch val := keyvals[i+1].(type) {
		case string:
			v = val
		case fmt.Stringer:
			v = val.String()
		case []byte:
			v = fmt.Sprintf("%x", val)
		default:
			continue
		}
		if out == nil {
			out = append([]interface{}(nil), keyvals...)
		}
		out[i+1] = Redact(v)
	}
	if out == nil {
		return keyvals
	}
	return out
}

// Redact shortens an address or hash to its first and last 6 characters.
// Values of 16 characters or fewer are returned unchanged.
func Redact(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:6] + "..." + s[len(s)-6:]
}

// Global default logger instance.
var defaultLogger = Default()

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// GetDefault returns the default logger.
func GetDefault() *Logger {
	return defaultLogger
}

// Package-level logging functions using the default logger.

func Debug(msg interface{}, keyvals ...interface{}) { defaultLogger.Debug(msg, keyvals...) }
func Info(msg interface{}, keyvals ...interface{})  { defaultLogger.Info(msg, keyvals...) }
func Warn(msg interface{}, keyvals ...interface{})  { defaultLogger.Warn(msg, keyvals...) }
func Error(msg interface{}, keyvals ...interface{}) { defaultLogger.Error(msg, keyvals...) }
func Fatal(msg interface{}, keyvals ...interface{}) { defaultLogger.Fatal(msg, keyvals...) }

func Debugf(format string, args ...interface{}) { defaultLogger.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { defaultLogger.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { defaultLogger.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { defaultLogger.Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { defaultLogger.Fatalf(format, args...) }
