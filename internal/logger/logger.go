package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity level of a log message.
type LogLevel string

const (
	Debug LogLevel = "DEBUG"
	Info  LogLevel = "INFO"
	Warn  LogLevel = "WARN"
	Error LogLevel = "ERROR"
)

// minLevel holds the minimum LogLevel to output.
var minLevel atomic.Value

func levelPriority(level LogLevel) int {
	switch level {
	case Debug:
		return 0
	case Info:
		return 1
	case Warn:
		return 2
	case Error:
		return 3
	default:
		return 1
	}
}

func currentLevel() LogLevel {
	if l, ok := minLevel.Load().(LogLevel); ok {
		return l
	}
	return Info
}

// SetLevel sets the minimum log level. Valid values: "debug", "info", "warn", "error"
func SetLevel(level string) {
	switch level {
	case "debug":
		minLevel.Store(Debug)
	case "warn":
		minLevel.Store(Warn)
	case "error":
		minLevel.Store(Error)
	default:
		minLevel.Store(Info)
	}
	log.Printf("Log level set to: %s", currentLevel())
}

// LogEntry represents a single log message with metadata for streaming to clients.
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Component string   `json:"component,omitempty"`
	Message   string   `json:"message"`
}

var (
	listeners  []chan LogEntry
	mu         sync.Mutex
	fileLogger *lumberjack.Logger
)

func init() {
	minLevel.Store(Info)
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
}

// Init adds a rotating log file under logDir next to stdout.
// Should be called after config is loaded.
func Init(logDir string) {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		log.Printf("Failed to create log directory: %v", err)
		return
	}

	fileLogger = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "guardian.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}

	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))
}

// Close flushes and closes the rotating log file, if any.
func Close() error {
	if fileLogger == nil {
		return nil
	}
	log.SetOutput(os.Stdout)
	err := fileLogger.Close()
	fileLogger = nil
	return err
}

// GetLogDir returns the directory where log files are stored
func GetLogDir() string {
	if fileLogger != nil {
		return filepath.Dir(fileLogger.Filename)
	}
	return ""
}

// Subscribe returns a channel that receives all log entries for real-time streaming.
func Subscribe() chan LogEntry {
	mu.Lock()
	defer mu.Unlock()
	ch := make(chan LogEntry, 100)
	listeners = append(listeners, ch)
	return ch
}

// Unsubscribe removes a log listener channel and closes it.
func Unsubscribe(ch chan LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for i, l := range listeners {
		if l == ch {
			listeners = append(listeners[:i], listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func broadcast(entry LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- entry:
		default:
			// slow subscriber, drop
		}
	}
}

func write(level LogLevel, component, format string, v ...interface{}) {
	if levelPriority(level) < levelPriority(currentLevel()) {
		return
	}

	msg := fmt.Sprintf(format, v...)
	timestamp := time.Now().Format(time.RFC3339)

	if component != "" {
		log.Printf("%s [%s] %s: %s", timestamp, level, component, msg)
	} else {
		log.Printf("%s [%s] %s", timestamp, level, msg)
	}

	broadcast(LogEntry{
		Timestamp: timestamp,
		Level:     level,
		Component: component,
		Message:   msg,
	})
}

// Log writes a formatted message at the specified level to stdout, file, and subscribers.
func Log(level LogLevel, format string, v ...interface{}) {
	write(level, "", format, v...)
}

// Infof logs a formatted message at INFO level.
func Infof(format string, v ...interface{}) { write(Info, "", format, v...) }

// Errorf logs a formatted message at ERROR level.
func Errorf(format string, v ...interface{}) { write(Error, "", format, v...) }

// Debugf logs a formatted message at DEBUG level.
func Debugf(format string, v ...interface{}) { write(Debug, "", format, v...) }

// Warnf logs a formatted message at WARN level.
func Warnf(format string, v ...interface{}) { write(Warn, "", format, v...) }

// Component is a logger that tags every line with a component name,
// e.g. "scan" or "confluence".
type Component string

func (c Component) Debugf(format string, v ...interface{}) { write(Debug, string(c), format, v...) }
func (c Component) Infof(format string, v ...interface{})  { write(Info, string(c), format, v...) }
func (c Component) Warnf(format string, v ...interface{})  { write(Warn, string(c), format, v...) }
func (c Component) Errorf(format string, v ...interface{}) { write(Error, string(c), format, v...) }
