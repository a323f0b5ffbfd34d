package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. Packages call the kv helpers below; the
// variable is exported for the few call sites that need With/Named.
var Log *zap.SugaredLogger

// Audit is an optional dedicated audit logger fed by the event fanout. When
// nil audit records fall back to the main logger.
var Audit *zap.SugaredLogger

// Init initializes the global logger at Info level, honoring the
// CHATRELAY_LOG_LEVEL and CHATRELAY_LOG_SINK environment variables.
func Init() {
	InitWithLevel("")
}

// InitWithLevel initializes the global logger at the given level ("debug",
// "info", "warn", "error"). An empty level falls back to the environment.
func InitWithLevel(level string) {
	sink := os.Getenv("CHATRELAY_LOG_SINK") // e.g. "file:/path/to/log"
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		lvl = strings.ToLower(strings.TrimSpace(os.Getenv("CHATRELAY_LOG_LEVEL")))
	}
	var zl zapcore.Level
	switch lvl {
	case "debug":
		zl = zapcore.DebugLevel
	case "warn", "warning":
		zl = zapcore.WarnLevel
	case "error":
		zl = zapcore.ErrorLevel
	default:
		zl = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	ws := zapcore.Lock(os.Stdout)
	if strings.HasPrefix(sink, "file:") {
		path := strings.TrimPrefix(sink, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
		} else {
			ws = zapcore.Lock(f)
		}
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, zl)
	Log = zap.New(core).Sugar()
}

// AttachAuditFileSink configures a JSON-file audit logger writing to
// <auditDir>/audit.log. On error Audit stays nil.
func AttachAuditFileSink(auditDir string) error {
	if auditDir == "" {
		return fmt.Errorf("empty audit dir")
	}
	if fi, err := os.Lstat(auditDir); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("audit path is a symlink: %s", auditDir)
		}
		if !fi.IsDir() {
			return fmt.Errorf("audit path exists and is not a directory: %s", auditDir)
		}
	}
	if err := os.MkdirAll(auditDir, 0o700); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	fname := auditDir + string(os.PathSeparator) + "audit.log"
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(f), zapcore.InfoLevel)
	Audit = zap.New(core).Sugar()
	Audit.Infow("audit_sink_attached", "path", fname)
	return nil
}

// Sync flushes buffered log entries. Best-effort; stdout sync errors are
// expected on some platforms and ignored.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
	if Audit != nil {
		_ = Audit.Sync()
	}
}

// Debug logs with key/value pairs.
func Debug(msg string, kv ...interface{}) {
	if Log == nil {
		return
	}
	Log.Debugw(msg, kv...)
}

// Info logs with key/value pairs.
func Info(msg string, kv ...interface{}) {
	if Log == nil {
		return
	}
	Log.Infow(msg, kv...)
}

// Warn logs with key/value pairs.
func Warn(msg string, kv ...interface{}) {
	if Log == nil {
		return
	}
	Log.Warnw(msg, kv...)
}

// Error logs with key/value pairs.
func Error(msg string, kv ...interface{}) {
	if Log == nil {
		return
	}
	Log.Errorw(msg, kv...)
}
