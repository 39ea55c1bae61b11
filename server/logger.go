package server

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger 初始化 zap 日志到本地文件（支持滚动），可选同时输出到 stderr
func NewLogger(cfg Config) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSize, // MB
		MaxBackups: cfg.LogBackups,
		MaxAge:     cfg.LogMaxAge, // days
		Compress:   false,
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewConsoleEncoder(encCfg)

	ws := zapcore.AddSync(lj)
	if cfg.LogStderr {
		ws = zapcore.NewMultiWriteSyncer(ws, zapcore.Lock(os.Stderr))
	}
	core := zapcore.NewCore(encoder, ws, level)

	return zap.New(core, zap.AddCaller()).Sugar(), nil
}
