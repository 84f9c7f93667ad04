package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zxerai/mcphub/internal/config"
)

// Log level constants
const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *config.LogConfig {
	return &config.LogConfig{
		Level:         LogLevelInfo,
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "main.log",
		MaxSize:       10, // 10MB
		MaxBackups:    5,
		MaxAge:        30, // days
		Compress:      true,
		JSONFormat:    false,
	}
}

// SetupLogger creates a logger with file and console outputs based on configuration
func SetupLogger(cfg *config.LogConfig) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultLogConfig()
	}

	level := parseLevel(cfg.Level)

	var cores []zapcore.Core

	if cfg.EnableConsole {
		consoleCore := zapcore.NewCore(
			getConsoleEncoder(),
			zapcore.AddSync(os.Stderr),
			level,
		)
		cores = append(cores, consoleCore)
	}

	if cfg.EnableFile {
		fileCore, err := createFileCore(cfg, level)
		if err != nil {
			return nil, fmt.Errorf("failed to create file core: %w", err)
		}
		cores = append(cores, fileCore)
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("no log outputs configured")
	}

	core := zapcore.NewTee(cores...)
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	return logger, nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case LogLevelTrace:
		return zap.DebugLevel // Map trace to debug level for maximum verbosity
	case LogLevelDebug:
		return zap.DebugLevel
	case LogLevelInfo:
		return zap.InfoLevel
	case LogLevelWarn:
		return zap.WarnLevel
	case LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// createFileCore creates a file-based logging core
func createFileCore(cfg *config.LogConfig, level zapcore.Level) (zapcore.Core, error) {
	logFilePath, err := GetLogFilePathWithDir(cfg.LogDir, cfg.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to get log file path: %w", err)
	}

	lumberjackLogger := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	var encoder zapcore.Encoder
	if cfg.JSONFormat {
		encoder = getJSONEncoder()
	} else {
		encoder = getFileEncoder()
	}

	return zapcore.NewCore(
		encoder,
		zapcore.AddSync(lumberjackLogger),
		level,
	), nil
}

// getConsoleEncoder returns a console-friendly encoder
func getConsoleEncoder() zapcore.Encoder {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// getFileEncoder returns a file-friendly encoder (structured but readable)
func getFileEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoderConfig.ConsoleSeparator = " | "
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// getJSONEncoder returns a JSON encoder for structured logging
func getJSONEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

// GetLogDir returns the platform log directory for the hub.
func GetLogDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(home, "Library", "Logs", "mcphub")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			dir = filepath.Join(localAppData, "mcphub", "logs")
		} else {
			dir = filepath.Join(home, "AppData", "Local", "mcphub", "logs")
		}
	default:
		dir = filepath.Join(home, ".mcphub", "logs")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	return dir, nil
}

// GetLogFilePathWithDir resolves the log file path, preferring a custom
// directory over the platform default.
func GetLogFilePathWithDir(logDir, filename string) (string, error) {
	if filename == "" {
		filename = "main.log"
	}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create log directory: %w", err)
		}
		return filepath.Join(logDir, filename), nil
	}
	dir, err := GetLogDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filename), nil
}
