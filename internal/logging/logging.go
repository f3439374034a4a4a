// Package logging builds the process-wide zap logger: console or JSON output
// on stdout, optionally teed to a rotating file.
package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogMaxSize = 100 // MB

// Config is the log section of the application config.
type Config struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"` // json or console
	Stdout bool       `mapstructure:"stdout"`
	File   FileConfig `mapstructure:"file"`
}

// FileConfig enables rotating file output when Filename is set.
type FileConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxDays    int    `mapstructure:"max_days"`
	Compress   bool   `mapstructure:"compress"`
}

// New builds a logger from cfg. The returned level can be changed at runtime.
func New(cfg Config, opts ...zap.Option) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	lvl := cfg.Level
	if lvl == "" {
		lvl = "info"
	}
	if err := level.UnmarshalText([]byte(strings.ToLower(lvl))); err != nil {
		return nil, level, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var outputs []zapcore.WriteSyncer
	if cfg.File.Filename != "" {
		lj, err := initFileLog(&cfg.File)
		if err != nil {
			return nil, level, err
		}
		outputs = append(outputs, zapcore.AddSync(lj))
	}
	if cfg.Stdout || len(outputs) == 0 {
		outputs = append(outputs, zapcore.Lock(os.Stdout))
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), zap.CombineWriteSyncers(outputs...), level)
	opts = append([]zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}, opts...)
	return zap.New(core, opts...), level, nil
}

// Init builds the logger and installs it as the zap global, so packages using
// zap.L().Named(...) pick it up. The returned func restores the previous
// globals and flushes.
func Init(cfg Config) (*zap.Logger, func(), error) {
	logger, _, err := New(cfg)
	if err != nil {
		return nil, nil, err
	}
	undo := zap.ReplaceGlobals(logger)
	return logger, func() {
		_ = logger.Sync()
		undo()
	}, nil
}

func newEncoder(format string) zapcore.Encoder {
	if strings.EqualFold(format, "console") {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(ec)
}

// initFileLog initializes file based logging options.
func initFileLog(cfg *FileConfig) (*lumberjack.Logger, error) {
	if st, err := os.Stat(cfg.Filename); err == nil && st.IsDir() {
		return nil, errors.New("can't use directory as log file name")
	}
	if dir := filepath.Dir(cfg.Filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = defaultLogMaxSize
	}

	// use lumberjack to logrotate
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}
