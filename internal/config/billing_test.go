package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBillingConfigDefaults(t *testing.T) {
	holder, err := NewBillingConfigHolder()
	require.NoError(t, err)

	cfg := holder.Current()
	require.Equal(t, time.Hour, cfg.DedupWindow)
	require.Equal(t, 3, cfg.MaxFailedAttempts)
	require.Equal(t, time.Duration(0), cfg.ExpiryGrace)
}

func TestBillingConfigEnvOverride(t *testing.T) {
	t.Setenv("BILLING_DEDUP_WINDOW", "15m")
	t.Setenv("BILLING_MAX_FAILED_ATTEMPTS", "5")
	t.Setenv("BILLING_EXPIRY_GRACE", "30m")

	holder, err := NewBillingConfigHolder()
	require.NoError(t, err)

	cfg := holder.Current()
	require.Equal(t, 15*time.Minute, cfg.DedupWindow)
	require.Equal(t, 5, cfg.MaxFailedAttempts)
	require.Equal(t, 30*time.Minute, cfg.ExpiryGrace)
}

func TestBillingConfigEnvRejectsInvalid(t *testing.T) {
	t.Setenv("BILLING_DEDUP_WINDOW", "-1h")

	_, err := NewBillingConfigHolder()
	require.Error(t, err)
}
