package config

import (
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig holds the tunable billing knobs. It is hot-reloadable from
// billing.yml so operators can widen the dedup window or retry budget
// without a redeploy.
type BillingConfig struct {
	// DedupWindow is how far back a successful ledger row for the
	// subscription suppresses a repeated charge.
	DedupWindow time.Duration `mapstructure:"dedupWindow"`
	// MaxFailedAttempts is how many consecutive failures the retry sweep
	// keeps re-attempting before leaving the subscription past_due for
	// manual handling.
	MaxFailedAttempts int `mapstructure:"maxFailedAttempts"`
	// ExpiryGrace delays the cancel-at-period-end sweep past period end.
	ExpiryGrace time.Duration `mapstructure:"expiryGrace"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		DedupWindow:       time.Hour,
		MaxFailedAttempts: 3,
		ExpiryGrace:       0,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/kartpay")
	v.AddConfigPath(".")

	// UnmarshalKey only sees env values bound explicitly, so each knob
	// gets its own binding instead of AutomaticEnv.
	for key, env := range map[string]string{
		"billing.dedupWindow":       "BILLING_DEDUP_WINDOW",
		"billing.maxFailedAttempts": "BILLING_MAX_FAILED_ATTEMPTS",
		"billing.expiryGrace":       "BILLING_EXPIRY_GRACE",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.dedupWindow", defaults.DedupWindow)
	v.SetDefault("billing.maxFailedAttempts", defaults.MaxFailedAttempts)
	v.SetDefault("billing.expiryGrace", defaults.ExpiryGrace)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config; used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Current() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.DedupWindow <= 0 {
		return errors.New("billing.dedupWindow must be positive")
	}
	if cfg.MaxFailedAttempts < 1 {
		return errors.New("billing.maxFailedAttempts must be at least 1")
	}
	if cfg.ExpiryGrace < 0 {
		return errors.New("billing.expiryGrace must not be negative")
	}
	return nil
}
