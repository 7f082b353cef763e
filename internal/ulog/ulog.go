// Package ulog is the transport's package-level logging facade: the same
// shape as the teacher's pkg/logger (a package-level default logger,
// level control, a Banner/Section pair for CLI startup) but backed by
// go.uber.org/zap's structured logger instead of fmt.Sprintf plus ANSI
// color codes, so every field (seq, conn_id, remote, cwnd, rtt, ...) stays
// queryable instead of being baked into a string.
package ulog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var defaultLogger = mustNop()

func mustNop() *zap.Logger { return zap.NewNop() }

func init() {
	defaultLogger = newLogger(zapcore.InfoLevel)
}

func newLogger(level zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stdout),
		level,
	)
	return zap.New(core)
}

// currentLevel records the level SetLevel last applied; SetLevel rebuilds the default logger at the new level
// without requiring every caller to re-fetch it.
var currentLevel = zapcore.InfoLevel

// SetLevel sets the minimum level the package-level default logger emits.
func SetLevel(level zapcore.Level) {
	currentLevel = level
	defaultLogger = newLogger(level)
}

// Default returns the package-level default *zap.Logger, for components
// that want to call .With(...) and keep using the structured API directly.
func Default() *zap.Logger { return defaultLogger }

// Level reports the minimum level the package-level default logger emits.
func Level() zapcore.Level { return currentLevel }

// Debug logs a per-packet tracing message with structured fields.
func Debug(msg string, fields ...zap.Field) { defaultLogger.Debug(msg, fields...) }

// Info logs a connection-lifecycle transition.
func Info(msg string, fields ...zap.Field) { defaultLogger.Info(msg, fields...) }

// Warn logs a retransmit/loss event.
func Warn(msg string, fields ...zap.Field) { defaultLogger.Warn(msg, fields...) }

// Error logs a fatal per-stream error, reported exactly once (spec.md §7).
func Error(msg string, fields ...zap.Field) { defaultLogger.Error(msg, fields...) }

// Success logs a notable positive milestone (listener up, handshake
// complete); kept as its own level name for parity with the teacher's
// logger even though zap has no built-in "success" severity.
func Success(msg string, fields ...zap.Field) { defaultLogger.Info(msg, fields...) }

// Fatal logs msg and terminates the process, matching the teacher's
// Fatal semantics.
func Fatal(msg string, fields ...zap.Field) {
	defaultLogger.Fatal(msg, fields...)
	os.Exit(1)
}

// Section prints a section header to stdout; retained as plain fmt output
// (not a zap log line) since it is operator-facing CLI chrome, not a log
// event — mirrors the teacher's pkg/logger.Section.
func Section(title string) {
	border := "───────────────────────────────────────────────────────────"
	fmt.Printf("\n%s\n %s\n%s\n\n", border, title, border)
}

// Banner prints the CLI startup banner (cmd/utpcat), matching the shape
// of the teacher's pkg/logger.Banner without the figlet artwork.
func Banner(title, version string) {
	fmt.Printf("\n%s — v%s\n\n", title, version)
}
