package logger

import (
	"log/slog"
)

func newStdHandler(cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     cfg.effectiveLevel(),
		AddSource: cfg.AddSource,
	}
	// в dev читаем глазами, в stage/prod без zap всё равно нужен JSON
	if cfg.Env == EnvDev {
		return slog.NewTextHandler(cfg.Output, opts)
	}
	return slog.NewJSONHandler(cfg.Output, opts)
}
