package logger

import (
	"loyalty-engine/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(
		New,
	),
)

type ConfigParams struct {
	fx.In
	Cfg *config.Config
}

func New(p ConfigParams) *zap.Logger {
	env, name := "", ""
	if p.Cfg != nil {
		env, name = p.Cfg.AppEnv, p.Cfg.AppName
	}

	log := Build(env)
	log = log.With(
		zap.String("env", env),
		zap.String("service_name", name),
	)

	zap.ReplaceGlobals(log)

	return log
}

// Build returns a development logger, or a JSON production logger when env is "production".
func Build(env string) *zap.Logger {
	if env != "production" {
		return zap.Must(zap.NewDevelopment())
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.Encoding = "json"
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return zap.Must(cfg.Build())
}
