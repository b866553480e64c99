// ABOUTME: Startup factory that probes the shared store and selects the coordinator mode.
// ABOUTME: Any probe failure falls back permanently to local mode for this process's lifetime.

package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures coordinator selection.
type Options struct {
	// Addr is the Redis address. Empty disables distributed mode outright.
	Addr     string
	Password string
	DB       int

	RecordTTL    time.Duration
	ProbeTimeout time.Duration
	PollTimeout  time.Duration
}

// New selects the coordinator mode for this process. If a shared store is
// configured, a connectivity probe is attempted; any probe failure falls back
// permanently to local mode.
func New(ctx context.Context, opts Options, logger *slog.Logger) Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Addr == "" {
		logger.Info("no shared store configured, running in local mode")
		return NewLocal()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	probeCtx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
	defer cancel()

	if err := client.Ping(probeCtx).Err(); err != nil {
		logger.Warn("shared store unreachable, falling back to local mode",
			"addr", opts.Addr,
			"error", err,
		)
		_ = client.Close()
		return NewLocal()
	}

	logger.Info("shared store reachable, running in distributed mode", "addr", opts.Addr)
	return NewRedis(client, opts.RecordTTL, opts.PollTimeout, logger)
}
