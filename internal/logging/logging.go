// Package logging provides structured logging with zap.
//
// Two loggers are kept: the system logger for operational messages and the
// sharer logger that records who browsed or downloaded which shared item.
// Each one can be persisted under a logs directory independently.
package logging

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	requestIDKey contextKey = "request_id"
)

const (
	systemLogFile = "system.log"
	sharerLogFile = "sharer.log"
)

var (
	mu           sync.RWMutex
	globalLogger *zap.Logger
	sharerLogger *zap.Logger
	globalLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	current      Config
)

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Name   string // logger name, e.g. "controller" or "worker.http"

	// LogsPath is the directory that receives system.log and sharer.log.
	// Empty keeps everything on stderr.
	LogsPath      string
	SaveSystemLog bool
	SaveSharerLog bool
}

// Init initializes the global system and sharer loggers. It can be called
// again to rebuild them after a settings change.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}
	globalLevel.SetLevel(level)

	system, err := build(cfg, cfg.SaveSystemLog, systemLogFile)
	if err != nil {
		return err
	}
	sharer, err := build(cfg, cfg.SaveSharerLog, sharerLogFile)
	if err != nil {
		system.Sync()
		return err
	}
	if cfg.Name != "" {
		system = system.Named(cfg.Name)
		sharer = sharer.Named(cfg.Name)
	}

	mu.Lock()
	oldSystem, oldSharer := globalLogger, sharerLogger
	globalLogger = system
	sharerLogger = sharer.Named("sharer")
	current = cfg
	mu.Unlock()

	if oldSystem != nil {
		oldSystem.Sync()
	}
	if oldSharer != nil {
		oldSharer.Sync()
	}
	return nil
}

func build(cfg Config, persist bool, file string) (*zap.Logger, error) {
	var config zap.Config
	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	config.Level = globalLevel
	// stdout is reserved for the worker event stream.
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	if persist && cfg.LogsPath != "" {
		if err := os.MkdirAll(cfg.LogsPath, 0o755); err != nil {
			return nil, err
		}
		config.OutputPaths = append(config.OutputPaths, filepath.Join(cfg.LogsPath, file))
	}

	return config.Build(
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
}

// Current returns the configuration the loggers were last built with.
func Current() Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Reconfigure applies fn to the current configuration and rebuilds.
func Reconfigure(fn func(*Config)) error {
	cfg := Current()
	fn(&cfg)
	return Init(cfg)
}

// InitDefault initializes with default production settings.
func InitDefault() {
	Init(Config{Level: "info", Format: "json"})
}

// Sync flushes any buffered log entries.
func Sync() error {
	mu.RLock()
	system, sharer := globalLogger, sharerLogger
	mu.RUnlock()
	if sharer != nil {
		sharer.Sync()
	}
	if system != nil {
		return system.Sync()
	}
	return nil
}

// SetLevel changes the global log level at runtime.
func SetLevel(level string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return
	}
	globalLevel.SetLevel(l)
}

// L returns the global system logger.
func L() *zap.Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l == nil {
		InitDefault()
		mu.RLock()
		l = globalLogger
		mu.RUnlock()
	}
	return l
}

// Sharer returns the access logger.
func Sharer() *zap.Logger {
	mu.RLock()
	l := sharerLogger
	mu.RUnlock()
	if l == nil {
		InitDefault()
		mu.RLock()
		l = sharerLogger
		mu.RUnlock()
	}
	return l
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// WithContext returns a logger from context, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return L()
}

// WithRequestID adds a request ID to the logger and returns a new context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	logger := WithContext(ctx).With(zap.String("request_id", requestID))
	ctx = context.WithValue(ctx, loggerKey, logger)
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs an error message.
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// Access records a browse or download in the sharer log.
func Access(msg string, fields ...zap.Field) {
	Sharer().Info(msg, fields...)
}

// AccessWarn records a rejected or failed access in the sharer log.
func AccessWarn(msg string, fields ...zap.Field) {
	Sharer().Warn(msg, fields...)
}

var requestIDCounter atomic.Uint64

func generateRequestID() string {
	n := requestIDCounter.Add(1)
	return time.Now().Format("20060102150405") + "-" + strconv.FormatUint(n, 36)
}

// responseWriter wraps http.ResponseWriter to capture status and size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns HTTP middleware that adds request logging.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := WithRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		logger := WithContext(ctx)
		logger.Debug("request started",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)

		next.ServeHTTP(rw, r)

		logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Int64("size", rw.size),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// Field helpers for common fields.
func String(key, val string) zap.Field {
	return zap.String(key, val)
}

func Int(key string, val int) zap.Field {
	return zap.Int(key, val)
}

func Int64(key string, val int64) zap.Field {
	return zap.Int64(key, val)
}

func Bool(key string, val bool) zap.Field {
	return zap.Bool(key, val)
}

func Err(err error) zap.Field {
	return zap.Error(err)
}

func Duration(key string, val time.Duration) zap.Field {
	return zap.Duration(key, val)
}

func Any(key string, val interface{}) zap.Field {
	return zap.Any(key, val)
}
