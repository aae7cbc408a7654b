// Package log 对 zap 做了一层薄封装，提供全局的 SugaredLogger。
package log

import (
	"crimewatch-go/internal/config"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 在 Init 被调用之前（单元测试、命令行启动阶段）使用 no-op logger，避免空指针。
var sugar = zapNop()

func zapNop() *zap.SugaredLogger { return zap.NewNop().Sugar() }

// Init 按配置初始化全局 logger。component 会作为固定字段写入每条日志，
// stream 是控制台输出目标（"stdout" 或 "stderr"），文件输出写到 OutputPath/<component>.log。
func Init(cfg config.LogConfig, component, stream string) error {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapConfig.Level = level

	if stream == "" {
		stream = "stdout"
	}
	zapConfig.OutputPaths = []string{stream}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	if cfg.OutputPath != "" {
		if err := os.MkdirAll(cfg.OutputPath, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, filepath.Join(cfg.OutputPath, component+".log"))
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	sugar = logger.With(zap.String("component", component)).Sugar()
	return nil
}

// Info 记录一条 info 级别的日志
func Info(msg string) {
	sugar.Info(msg)
}

// Infof 使用格式化字符串记录一条 info 级别的日志
func Infof(template string, args ...interface{}) {
	sugar.Infof(template, args...)
}

// Infow 使用键值对记录一条 info 级别的结构化日志。
func Infow(msg string, keysAndValues ...interface{}) {
	sugar.Infow(msg, keysAndValues...)
}

// Debugf 使用格式化字符串记录一条 debug 级别的日志
func Debugf(template string, args ...interface{}) {
	sugar.Debugf(template, args...)
}

// Warnf 使用格式化字符串记录一条 warn 级别的日志
func Warnf(template string, args ...interface{}) {
	sugar.Warnf(template, args...)
}

// Warnw 使用键值对记录一条 warn 级别的结构化日志。
func Warnw(msg string, keysAndValues ...interface{}) {
	sugar.Warnw(msg, keysAndValues...)
}

// Error 记录一条 error 级别的日志，并附带 error 信息
func Error(msg string, err error) {
	sugar.Errorw(msg, "error", err)
}

func Errorf(template string, args ...interface{}) {
	sugar.Errorf(template, args...)
}

// Fatal 记录一条 fatal 级别的日志，并附带 error 信息，然后退出程序
func Fatal(msg string, err error) {
	sugar.Fatalw(msg, "error", err)
}

func Fatalf(template string, args ...interface{}) {
	sugar.Fatalf(template, args...)
}

// Sync 将缓冲区中的任何日志刷新到底层 Writer。
func Sync() {
	_ = sugar.Sync()
}
