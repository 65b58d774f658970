package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nostrhive/nostrhive/lib/config"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// Logger writes leveled messages to stdout, a log file, or both.
type Logger struct {
	level      LogLevel
	output     string
	logDir     string
	currentLog *os.File
	mu         sync.RWMutex
	started    time.Time
}

var (
	globalLogger *Logger
	once         sync.Once
)

// InitLogger initializes the global logger from config
func InitLogger() error {
	var err error
	once.Do(func() {
		globalLogger, err = NewLogger()
	})
	return err
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	if globalLogger == nil {
		// Fallback to basic logger if not initialized
		globalLogger = &Logger{level: INFO, output: "stdout", started: time.Now()}
	}
	return globalLogger
}

// NewLogger creates a new logger instance using the global config
func NewLogger() (*Logger, error) {
	cfg := config.GetConfig().Logging
	logger := &Logger{
		level:   ParseLogLevel(cfg.Level),
		output:  cfg.Output,
		logDir:  cfg.Path,
		started: time.Now(),
	}

	if logger.output == "file" || logger.output == "both" {
		if err := logger.createLogFile(); err != nil {
			return nil, fmt.Errorf("failed to setup logger output: %w", err)
		}
	}

	return logger, nil
}

// createLogFile creates the log file with date/time structure,
// e.g. logs/2026-08-24/14-30-45.log
func (l *Logger) createLogFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.started
	fullDir := filepath.Join(l.logDir, now.Format("2006-01-02"))
	if err := os.MkdirAll(fullDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(fullDir, now.Format("15-04-05")+".log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	if l.currentLog != nil {
		l.currentLog.Close()
	}
	l.currentLog = file
	return nil
}

func (l *Logger) getWriter() io.Writer {
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch l.output {
	case "file":
		if l.currentLog != nil {
			return l.currentLog
		}
		return os.Stdout
	case "both":
		if l.currentLog != nil {
			return io.MultiWriter(os.Stdout, l.currentLog)
		}
		return os.Stdout
	default:
		return os.Stdout
	}
}

// log is the core logging method
func (l *Logger) log(level LogLevel, msg string) {
	if level < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.getWriter(), "%s [%s] %s\n", timestamp, level.String(), msg)

	if level == FATAL {
		os.Exit(1)
	}
}

// Debug logs debug level messages
func (l *Logger) Debug(msg string) { l.log(DEBUG, msg) }

// Debugf logs formatted debug level messages
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...))
}

// Info logs info level messages
func (l *Logger) Info(msg string) { l.log(INFO, msg) }

// Infof logs formatted info level messages
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...))
}

// Warn logs warning level messages
func (l *Logger) Warn(msg string) { l.log(WARN, msg) }

// Warnf logs formatted warning level messages
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...))
}

// Error logs error level messages
func (l *Logger) Error(msg string) { l.log(ERROR, msg) }

// Errorf logs formatted error level messages
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...))
}

// Fatal logs fatal level messages and exits
func (l *Logger) Fatal(msg string) { l.log(FATAL, msg) }

// Fatalf logs formatted fatal level messages and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(FATAL, fmt.Sprintf(format, args...))
}

// Package-level helpers using the global logger

func Debug(msg string)                          { GetLogger().Debug(msg) }
func Debugf(format string, args ...interface{}) { GetLogger().Debugf(format, args...) }
func Info(msg string)                           { GetLogger().Info(msg) }
func Infof(format string, args ...interface{})  { GetLogger().Infof(format, args...) }
func Warn(msg string)                           { GetLogger().Warn(msg) }
func Warnf(format string, args ...interface{})  { GetLogger().Warnf(format, args...) }
func Error(msg string)                          { GetLogger().Error(msg) }
func Errorf(format string, args ...interface{}) { GetLogger().Errorf(format, args...) }
func Fatal(msg string)                          { GetLogger().Fatal(msg) }
func Fatalf(format string, args ...interface{}) { GetLogger().Fatalf(format, args...) }
