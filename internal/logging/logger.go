// Package logging provides config-driven categorized file-based logging for dsm.
// Logs are written to <data_dir>/logs/ with separate files per category.
// Logging is controlled by logging.debug_mode in the config file - when false,
// no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, config resolution
	CategoryProtocol  Category = "protocol"  // Request building, reply parsing
	CategoryTransport Category = "transport" // Dialing, line I/O
	CategorySession   Category = "session"   // Authentication, send/fetch lifecycle
	CategoryNotebook  Category = "notebook"  // Notebook load/save, file watching
	CategoryStore     Category = "store"     // SQLite message cache
	CategoryPoller    Category = "poller"    // Background unread polling
	CategoryUsage     Category = "usage"     // Traffic accounting
	CategoryUI        Category = "ui"        // Terminal UI
)

// AllCategories lists every category in declaration order.
var AllCategories = []Category{
	CategoryBoot,
	CategoryProtocol,
	CategoryTransport,
	CategorySession,
	CategoryNotebook,
	CategoryStore,
	CategoryPoller,
	CategoryUsage,
	CategoryUI,
}

// Settings mirrors config.LoggingConfig so this package stays import-free.
type Settings struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// StructuredLogEntry is one JSON log line.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	RequestID string                 `json:"req,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	settings  Settings
	configMu  sync.RWMutex
	logLevel  int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory under dataDir.
// Should be called once at startup; calling it again swaps settings and
// closes previously opened files.
func Initialize(dataDir string, s Settings) error {
	if dataDir == "" {
		return fmt.Errorf("data directory required")
	}

	CloseAll()

	configMu.Lock()
	settings = s
	logLevel = parseLevel(s.Level)
	logsDir = filepath.Join(dataDir, "logs")
	configMu.Unlock()

	if !s.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== dsm logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", s.Level)
	if len(s.Categories) > 0 {
		enabled := 0
		for cat, on := range s.Categories {
			if on {
				enabled++
			}
			boot.Debug("Category '%s': %v", cat, on)
		}
		boot.Info("Enabled categories: %d/%d", enabled, len(s.Categories))
	} else {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// IsDebugMode returns whether file logging is enabled at all.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled returns whether a specific category writes logs.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	configMu.RLock()
	dir := logsDir
	configMu.RUnlock()
	if dir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func isJSON() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return settings.JSONFormat
}

func currentLevel() int {
	configMu.RLock()
	defer configMu.RUnlock()
	return logLevel
}

func (l *Logger) write(level int, tag, msg string, requestID string, fields map[string]interface{}) {
	if l.logger == nil || level < currentLevel() {
		return
	}
	if isJSON() {
		entry := StructuredLogEntry{
			Timestamp: time.Now().UnixMilli(),
			Category:  string(l.category),
			Level:     levelName(level),
			Message:   msg,
			RequestID: requestID,
			Fields:    fields,
		}
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	switch {
	case requestID != "" && len(fields) > 0:
		l.logger.Printf("[%s] [req:%s] %s | %v", tag, requestID, msg, fields)
	case requestID != "":
		l.logger.Printf("[%s] [req:%s] %s", tag, requestID, msg)
	case len(fields) > 0:
		l.logger.Printf("[%s] %s | %v", tag, msg, fields)
	default:
		l.logger.Printf("[%s] %s", tag, msg)
	}
}

func levelName(level int) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", fmt.Sprintf(format, args...), "", nil)
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", fmt.Sprintf(format, args...), "", nil)
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", fmt.Sprintf(format, args...), "", nil)
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", fmt.Sprintf(format, args...), "", nil)
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})           { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{})      { Get(CategoryBoot).Debug(format, args...) }
func Protocol(format string, args ...interface{})       { Get(CategoryProtocol).Info(format, args...) }
func ProtocolDebug(format string, args ...interface{})  { Get(CategoryProtocol).Debug(format, args...) }
func Transport(format string, args ...interface{})      { Get(CategoryTransport).Info(format, args...) }
func TransportDebug(format string, args ...interface{}) { Get(CategoryTransport).Debug(format, args...) }
func Session(format string, args ...interface{})        { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{})   { Get(CategorySession).Debug(format, args...) }
func SessionWarn(format string, args ...interface{})    { Get(CategorySession).Warn(format, args...) }
func Notebook(format string, args ...interface{})       { Get(CategoryNotebook).Info(format, args...) }
func NotebookDebug(format string, args ...interface{})  { Get(CategoryNotebook).Debug(format, args...) }
func Store(format string, args ...interface{})          { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{})     { Get(CategoryStore).Debug(format, args...) }
func Poller(format string, args ...interface{})         { Get(CategoryPoller).Info(format, args...) }
func PollerDebug(format string, args ...interface{})    { Get(CategoryPoller).Debug(format, args...) }
func UI(format string, args ...interface{})             { Get(CategoryUI).Info(format, args...) }
func UIDebug(format string, args ...interface{})        { Get(CategoryUI).Debug(format, args...) }

// =============================================================================
// REQUEST ID TRACING
// =============================================================================

// RequestLogger provides request-scoped logging with a correlation ID
type RequestLogger struct {
	logger    *Logger
	requestID string
	fields    map[string]interface{}
}

// WithRequestID creates a request-scoped logger.
func WithRequestID(category Category, requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Get(category),
		requestID: requestID,
		fields:    make(map[string]interface{}),
	}
}

// WithField adds a field to the request logger
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	r.fields[key] = value
	return r
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	r.logger.write(LevelDebug, "DEBUG", fmt.Sprintf(format, args...), r.requestID, r.fields)
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	r.logger.write(LevelInfo, "INFO", fmt.Sprintf(format, args...), r.requestID, r.fields)
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	r.logger.write(LevelWarn, "WARN", fmt.Sprintf(format, args...), r.requestID, r.fields)
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	r.logger.write(LevelError, "ERROR", fmt.Sprintf(format, args...), r.requestID, r.fields)
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
