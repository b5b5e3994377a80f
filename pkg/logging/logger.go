// Package logging はzapベースの構造化ロガーを生成する。
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config はロガーの設定。
type Config struct {
	// Level はログレベル（debug, info, warn, error）。
	Level string `env:"LOG_LEVEL" envDefault:"info"`
	// Dev は開発用の人間が読みやすい出力を有効にする。
	Dev bool `env:"LOG_DEV" envDefault:"false"`
}

// levelFromString は文字列をzapのログレベルに変換する。
func levelFromString(l string) zapcore.Level {
	switch strings.ToLower(l) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New は設定に応じたロガーを生成する。
// 本番モードでは標準出力にJSON形式で出力する。
func New(cfg Config, service string) (*zap.Logger, error) {
	lvl := levelFromString(cfg.Level)
	if cfg.Dev {
		c := zap.NewDevelopmentConfig()
		c.Level = zap.NewAtomicLevelAt(lvl)
		logger, err := c.Build()
		if err != nil {
			return nil, err
		}
		return logger.With(zap.String("service", service)), nil
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stdout), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		With(zap.String("service", service)), nil
}
