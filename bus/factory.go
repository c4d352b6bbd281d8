package bus

import (
	"fmt"

	"open-mer/cache"
	"open-mer/config"
)

// New builds the backend selected by cfg.Backend. redis may be nil unless the
// redis backend is selected.
func New(cfg config.BusConfig, redis *cache.RedisClient, clientName string) (Bus, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryBus(defaultQueueSize), nil
	case "redis":
		if redis == nil {
			return nil, fmt.Errorf("redis bus: %w", ErrNotConnected)
		}
		return NewRedisBus(redis, cfg.Channel), nil
	case "nats":
		return ConnectNATS(cfg.NATSURL, clientName, cfg.Channel)
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}
