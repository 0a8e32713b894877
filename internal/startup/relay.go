package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/livechat/internal/config"
	"github.com/livechat/internal/relay"
	"github.com/livechat/internal/relay/memory"
	natsrelay "github.com/livechat/internal/relay/nats"
	redisrelay "github.com/livechat/internal/relay/redis"
)

// ConnectRelay builds the broadcast relay named by cfg.Backend. The memory
// relay only links hubs inside one process.
func ConnectRelay(ctx context.Context, cfg config.RelayConfig, maxWait time.Duration) (relay.Relay, error) {
	switch cfg.Backend {
	case config.RelayMemory, "":
		return memory.New(), nil
	case config.RelayRedis:
		return Retry(ctx, "redis relay", maxWait, 2*time.Second, func(ctx context.Context) (relay.Relay, error) {
			connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return redisrelay.New(connCtx, cfg.RedisURL, cfg.Channel)
		})
	case config.RelayNATS:
		return Retry(ctx, "nats relay", maxWait, 2*time.Second, func(context.Context) (relay.Relay, error) {
			return natsrelay.New(cfg.NATSURL, cfg.Channel)
		})
	}
	return nil, fmt.Errorf("unknown relay backend %q", cfg.Backend)
}
