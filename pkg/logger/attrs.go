package logger

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// instanceID: явное значение, затем INSTANCE_ID, затем hostname с суффиксом.
func instanceID(v string) string {
	if v != "" {
		return v
	}
	if pod := os.Getenv("INSTANCE_ID"); pod != "" {
		return pod
	}
	hn, err := os.Hostname()
	if err != nil || hn == "" {
		hn = "node"
	}
	return hn + "-" + uuid.NewString()[:8]
}

func commonAttrs(cfg Config) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("service", cfg.Service),
		slog.String("env", string(cfg.Env)),
		slog.String("instance_id", cfg.InstanceID),
	}
	if cfg.Version != "" {
		attrs = append(attrs, slog.String("version", cfg.Version))
	}
	return attrs
}
