package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Fatal    LogLevel = Critical
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

var (
	defaultLevel      = Warning
	defaultLevelMutex sync.RWMutex
)

func init() {
	localEnv := os.Getenv("LOCAL")
	if strings.ToLower(localEnv) == "true" || localEnv == "1" {
		SetDefaultLogLevel(Debug)
	}
}

// SetDefaultLogLevel sets the level used by loggers created without an explicit one
func SetDefaultLogLevel(level LogLevel) {
	defaultLevelMutex.Lock()
	defer defaultLevelMutex.Unlock()
	defaultLevel = level
}

// ParseLogLevel maps "debug", "info", "warn", "error" to a LogLevel
func ParseLogLevel(raw string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn", "warning":
		return Warning, nil
	case "error":
		return Error, nil
	case "critical":
		return Critical, nil
	default:
		return NotSet, fmt.Errorf("unknown log level: %q", raw)
	}
}

// Logger writes leveled key=value lines. Loggers derived with With share
// the parent's output and level.
type Logger struct {
	prefix string
	fields []interface{}
	core   *loggerCore
}

type loggerCore struct {
	mu     sync.Mutex
	logger *log.Logger
	level  LogLevel
}

// NewLogger creates a new logger with a given prefix. Output goes to stderr
// so command output on stdout stays clean.
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	defaultLevelMutex.RLock()
	level := defaultLevel
	defaultLevelMutex.RUnlock()

	if len(logLevel) > 0 {
		level = logLevel[0]
	}
	return &Logger{
		prefix: prefix,
		core: &loggerCore{
			logger: log.New(os.Stderr, fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
			level:  level,
		},
	}
}

// With returns a logger that appends keyvals to every line
func (l *Logger) With(keyvals ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(keyvals))
	fields = append(fields, l.fields...)
	fields = append(fields, keyvals...)
	return &Logger{prefix: l.prefix, fields: fields, core: l.core}
}

// SetLogLevel sets the logging level
func (l *Logger) SetLogLevel(logLevel LogLevel) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.level = logLevel
}

// SetOutput redirects the logger, mostly for tests
func (l *Logger) SetOutput(w io.Writer) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	l.core.logger.SetOutput(w)
}

func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.log(Info, "INFO", msg, keyvals)
}

func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.log(Error, "ERROR", msg, keyvals)
}

func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.log(Warning, "WARN", msg, keyvals)
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.log(Debug, "DEBUG", msg, keyvals)
}

func (l *Logger) log(level LogLevel, label, msg string, keyvals []interface{}) {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	if l.core.level > level {
		return
	}
	l.core.logger.Println(formatMessage(label, msg, l.fields, keyvals))
}

// formatMessage renders "[LEVEL] msg k=v ...". Values containing spaces are
// quoted and a dangling key is logged with a "!MISSING" value.
func formatMessage(level, msg string, fieldSets ...[]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", level, msg)
	for _, keyvals := range fieldSets {
		for i := 0; i < len(keyvals); i += 2 {
			value := "!MISSING"
			if i+1 < len(keyvals) {
				value = fmt.Sprint(keyvals[i+1])
			}
			if strings.ContainsAny(value, " \t\n\"") {
				value = strconv.Quote(value)
			}
			fmt.Fprintf(&b, " %v=%s", keyvals[i], value)
		}
	}
	return b.String()
}
