// Package logx provides component loggers with context-aware, domain-filtered debug logging.
package logx

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ctxKey is the context key type for the logging component.
type ctxKey struct{}

// Logger is a printf-style logger bound to one component (dispatcher, gateway, a change request id...).
type Logger struct {
	component string
	sugar     *zap.SugaredLogger
}

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // nil = all domains
}

var (
	baseMu sync.RWMutex
	base   = newBase("info", "console")

	debugMutex  sync.RWMutex
	debugConfig = &DebugConfig{}
)

func init() { //nolint:gochecknoinits // env driven debug switches
	initDebugFromEnv()
}

// initDebugFromEnv reads DEBUG=1 and DEBUG_DOMAINS=a,b.
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

func newBase(level, format string) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	// Stderr keeps stdout clean for CLI output.
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(lvl))
	return zap.New(core)
}

// Configure replaces the process-wide base logger. Format is "json" or "console".
func Configure(level, format string) {
	SetBase(newBase(level, format))
	if strings.EqualFold(level, "debug") {
		SetDebugConfig(true)
	}
}

// SetBase installs an existing zap logger as the base, mainly for tests using zaptest/observer.
func SetBase(l *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = l
}

// Base returns the current base zap logger.
func Base() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// Sync flushes buffered entries.
func Sync() {
	_ = Base().Sync()
}

// SetDebugConfig toggles debug logging.
func SetDebugConfig(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Enabled = enabled
}

// SetDebugDomains restricts debug output to the given domains. Empty enables all.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if len(domains) == 0 {
		debugConfig.Domains = nil
		return
	}
	debugConfig.Domains = make(map[string]bool)
	for _, domain := range domains {
		debugConfig.Domains[strings.TrimSpace(domain)] = true
	}
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// NewLogger creates a logger for a component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// WithComponent returns a derived logger whose component is "parent/child".
func (l *Logger) WithComponent(child string) *Logger {
	return NewLogger(l.component + "/" + child)
}

// Component returns the logger's component name.
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) z() *zap.SugaredLogger {
	// Resolved lazily so SetBase affects loggers created before it.
	return Base().Sugar().With("component", l.component)
}

func (l *Logger) Debug(format string, args ...any) {
	debugMutex.RLock()
	enabled := debugConfig.Enabled
	debugMutex.RUnlock()
	if !enabled {
		return
	}
	l.z().Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.z().Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.z().Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.z().Errorf(format, args...)
}

// Infow logs a message with structured key/value pairs.
func (l *Logger) Infow(msg string, keysAndValues ...any) {
	l.z().Infow(msg, keysAndValues...)
}

// Errorw logs an error message with structured key/value pairs.
func (l *Logger) Errorw(msg string, keysAndValues ...any) {
	l.z().Errorw(msg, keysAndValues...)
}

// WithContext stores the component name in ctx for Debug.
func WithContext(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ctxKey{}, component)
}

// Debug logs a debug message with context and domain filtering.
//
//	DEBUG=1                              # all domains
//	DEBUG=1 DEBUG_DOMAINS=gateway,queue  # selected domains
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	component := "unknown"
	if ctx != nil {
		if c, ok := ctx.Value(ctxKey{}).(string); ok {
			component = c
		}
	}
	Base().Sugar().With("component", component, "domain", domain).Debugf(format, args...)
}

// Errorf wraps fmt.Errorf so call sites read alongside log calls.
func Errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// Wrap annotates err with msg. A nil err stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}
