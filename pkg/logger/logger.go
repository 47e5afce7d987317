package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log and Sugar start out as no-op loggers so packages (and their tests) can
// log before Init has run.
var (
	Log   = zap.NewNop()
	Sugar = Log.Sugar()
)

// Init initializes the global logger configuration at the given level
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
func Init(level string) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	encoder := zapcore.NewJSONEncoder(encoderConfig)
	writer := zapcore.AddSync(os.Stdout)

	core := zapcore.NewCore(encoder, writer, parseLevel(level))

	Log = zap.New(core, zap.AddCaller())
	Sugar = Log.Sugar()
}

// Sync flushes buffered log entries. Call it before the process exits.
func Sync() {
	_ = Log.Sync()
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}
