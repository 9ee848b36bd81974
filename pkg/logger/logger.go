package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the name of the log file inside the log directory
const FileName = "whatsapp-dashboard.log"

// Config controls where and how much is logged
type Config struct {
	Dir   string
	Level string
	// Console receives human readable output, os.Stdout when nil
	Console io.Writer
}

// Logger is a zap logger that also owns its rotating log file
type Logger struct {
	*zap.Logger
	writer io.Writer
	file   *lumberjack.Logger
}

// SetupLogging configures console logging plus a size-rotated JSON log file
func SetupLogging(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, FileName),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}

	fileEncoder := zap.NewProductionEncoderConfig()
	fileEncoder.TimeKey = "timestamp"
	fileEncoder.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleEncoder := zap.NewDevelopmentEncoderConfig()
	consoleEncoder.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoder), zapcore.AddSync(file), level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoder), zapcore.AddSync(console), level),
	)

	l := &Logger{
		Logger: zap.New(core, zap.AddCaller()),
		writer: io.MultiWriter(console, file),
		file:   file,
	}
	l.Info("logging initialized", zap.String("file", file.Filename), zap.String("level", level.String()))
	return l, nil
}

// SetupFallbackLogger creates a console-only logger when file logging fails
func SetupFallbackLogger() *Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stdout"}
	zl, err := cfg.Build()
	if err != nil {
		zl = zap.NewExample()
	}
	zl.Warn("failed to set up file logging, using console logging only")
	return &Logger{Logger: zl, writer: os.Stdout}
}

// ParseLevel parses debug, info, warn or error. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// Writer returns a plain writer for libraries that log through io.Writer
func (l *Logger) Writer() io.Writer {
	return l.writer
}

// Close flushes buffered entries and closes the log file
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
