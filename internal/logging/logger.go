package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"
)

const logDirEnvVar = "SURF_LOG_DIR"

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Sanitizer rewrites a log line before it reaches disk. The redact package
// installs one at process start so secrets never land in the log file.
type Sanitizer func(line string) string

var (
	baseOnce  sync.Once
	baseInst  *fileLogger
	sanitizer Sanitizer = func(line string) string { return line }
	sanMu     sync.RWMutex
)

// SetSanitizer installs the process-wide log line sanitizer.
func SetSanitizer(fn Sanitizer) {
	if fn == nil {
		return
	}
	sanMu.Lock()
	sanitizer = fn
	sanMu.Unlock()
}

func sanitize(line string) string {
	sanMu.RLock()
	fn := sanitizer
	sanMu.RUnlock()
	return fn(line)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// fileLogger writes formatted lines to surf-service.log. Stdout is the MCP
// wire so nothing is ever printed there.
type fileLogger struct {
	file      *os.File
	logger    *log.Logger
	level     LogLevel
	mu        sync.Mutex
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	base := getBase()
	return &fileLogger{
		file:      base.file,
		logger:    base.logger,
		level:     base.level,
		component: component,
	}
}

func getBase() *fileLogger {
	baseOnce.Do(func() {
		baseInst = newFileLogger()
	})
	return baseInst
}

// SetDefaultLevel sets the minimum level of the shared file logger. Call it
// before constructing component loggers; they copy the level at creation.
func SetDefaultLevel(level LogLevel) {
	getBase().SetLevel(level)
}

func newFileLogger() *fileLogger {
	l := &fileLogger{level: INFO}

	logDir, err := resolveLogDirectory()
	if err != nil {
		return l
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return l
	}
	file, err := os.OpenFile(filepath.Join(logDir, "surf-service.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return l
	}
	l.file = file
	l.logger = log.New(file, "", 0) // we format ourselves
	return l
}

func resolveLogDirectory() (string, error) {
	if override := strings.TrimSpace(os.Getenv(logDirEnvVar)); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".surf"), nil
}

// SetLevel sets the minimum log level
func (l *fileLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *fileLogger) log(level LogLevel, format string, args ...any) {
	if level < l.level || l.logger == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "SURF"
	}

	// Format: 2025-09-30 12:34:56 [INFO] [Component] file.go:123 - Message
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s",
		time.Now().Format("2006-01-02 15:04:05"), levelToString(level), component, file, line, message)
	l.logger.Print(sanitize(logLine))
}

func (l *fileLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }

func levelToString(level LogLevel) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
