package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
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

// InitLogger initializes the global logger from the loaded config
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
		// Fallback to a stdout logger if not initialized
		globalLogger = &Logger{level: INFO, output: "stdout", started: time.Now()}
	}
	return globalLogger
}

// NewLogger creates a new logger instance using the global config
func NewLogger() (*Logger, error) {
	logger := &Logger{
		level:   ParseLogLevel(viper.GetString("logging.level")),
		output:  viper.GetString("logging.output"),
		logDir:  viper.GetString("logging.path"),
		started: time.Now(),
	}

	if logger.output == "file" || logger.output == "both" {
		if err := logger.createLogFile(); err != nil {
			return nil, fmt.Errorf("failed to setup logger output: %w", err)
		}
	}

	return logger, nil
}

// createLogFile creates the log file with a date/time directory structure,
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
func (l *Logger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	formatted := fmt.Sprintf("%s [%s] %s", timestamp, level.String(), msg)
	if len(fields) > 0 {
		formatted += " |"
		for k, v := range fields {
			formatted += fmt.Sprintf(" %s=%v", k, v)
		}
	}

	fmt.Fprintln(l.getWriter(), formatted)

	if level == FATAL {
		os.Exit(1)
	}
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) { l.log(DEBUG, msg, first(fields)) }
func (l *Logger) Info(msg string, fields ...map[string]interface{})  { l.log(INFO, msg, first(fields)) }
func (l *Logger) Warn(msg string, fields ...map[string]interface{})  { l.log(WARN, msg, first(fields)) }
func (l *Logger) Error(msg string, fields ...map[string]interface{}) { l.log(ERROR, msg, first(fields)) }
func (l *Logger) Fatal(msg string, fields ...map[string]interface{}) { l.log(FATAL, msg, first(fields)) }

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.Debug(fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...interface{})  { l.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.Warn(fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.Error(fmt.Sprintf(format, args...)) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.Fatal(fmt.Sprintf(format, args...)) }

// Close closes the logger and any open files
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentLog != nil {
		return l.currentLog.Close()
	}
	return nil
}

// Global convenience functions

func Debug(msg string, fields ...map[string]interface{}) { GetLogger().Debug(msg, fields...) }
func Info(msg string, fields ...map[string]interface{})  { GetLogger().Info(msg, fields...) }
func Warn(msg string, fields ...map[string]interface{})  { GetLogger().Warn(msg, fields...) }
func Error(msg string, fields ...map[string]interface{}) { GetLogger().Error(msg, fields...) }
func Fatal(msg string, fields ...map[string]interface{}) { GetLogger().Fatal(msg, fields...) }

func Debugf(format string, args ...interface{}) { GetLogger().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { GetLogger().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetLogger().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { GetLogger().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { GetLogger().Fatalf(format, args...) }
