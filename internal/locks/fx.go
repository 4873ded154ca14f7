package locks

import (
	"github.com/kartpay/billing/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewSubscriptionLocker picks the redis locker when an address is
// configured and falls back to the in-process mutex otherwise.
func NewSubscriptionLocker(cfg config.Config, log *zap.Logger) SubscriptionLocker {
	if cfg.RedisAddr == "" {
		log.Named("locks").Info("redis not configured, using in-process locks")
		return NewKeyedMutex()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return NewRedisLocker(client)
}

var Module = fx.Module("locks",
	fx.Provide(NewSubscriptionLocker),
)
