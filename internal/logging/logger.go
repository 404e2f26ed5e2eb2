// Package logging provides structured logging for the pet sync engine.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	apperrors "github.com/aopopov01/TailTracker-sub009/internal/errors"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a config string ("debug", "INFO", ...) into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	level := LogLevel(strings.ToUpper(strings.TrimSpace(s)))
	if level == "" {
		return LevelInfo, nil
	}
	if _, ok := levelRank[level]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Logger provides structured JSON logging.
type Logger struct {
	mu       *sync.Mutex // shared with children
	out      io.Writer
	minLevel LogLevel
	fields   map[string]interface{}
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
)

// New creates a standalone logger.
func New(out io.Writer, minLevel LogLevel) *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		out:      out,
		minLevel: minLevel,
	}
}

// Init initializes the global logger.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		global = New(out, minLevel)
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	Init(os.Stdout, LevelInfo)
	return global
}

// FileOptions configures the rotating file sink.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewFileWriter returns a size-rotated log file writer.
func NewFileWriter(opts FileOptions) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// With returns a child logger that adds fields to every entry.
// The child shares the parent's writer and level.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{
		mu:       l.mu,
		out:      l.out,
		minLevel: l.minLevel,
		fields:   l.getContext(l.fields, fields),
	}
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     string(level),
		Message:   message,
		Context:   l.getContext(l.fields, context),
	}

	if err != nil {
		entry.Error = err.Error()
		if code := apperrors.Code(err); code != apperrors.ErrInternal {
			entry.Code = string(code)
		}
	}

	data, jsonErr := json.Marshal(entry)
	if jsonErr != nil {
		log.Printf("Failed to marshal log entry: %v\n", jsonErr)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(data))
}

// shouldLog checks if a level should be logged.
func (l *Logger) shouldLog(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, nil, l.getContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, l.getContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, l.getContext(context...))
}

// Error logs an error message. AppError codes are lifted into the entry.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, err, l.getContext(context...))
}

// ErrorWithCode logs an error message tagged with an explicit code.
func (l *Logger) ErrorWithCode(message string, code apperrors.ErrorCode, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, apperrors.Wrap(code, message, err), l.getContext(context...))
}

// getContext merges multiple context maps.
func (l *Logger) getContext(context ...map[string]interface{}) map[string]interface{} {
	var merged map[string]interface{}
	for _, c := range context {
		if len(c) == 0 {
			continue
		}
		if merged == nil {
			merged = make(map[string]interface{}, len(c))
		}
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, code apperrors.ErrorCode, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
