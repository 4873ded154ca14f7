package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *SubscriptionPayment) error
	Update(ctx context.Context, db *gorm.DB, payment *SubscriptionPayment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*SubscriptionPayment, error)

	// RecentSuccess returns the newest successful payment for the
	// subscription created within the window, or nil when there is none.
	// The billing service uses it to short circuit duplicate charge
	// requests: a success inside the window means the period the caller
	// wants to bill was either just charged or just rolled over from a
	// charge, and a second charge would double bill.
	RecentSuccess(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, window time.Duration, now time.Time) (*SubscriptionPayment, error)

	// NextAttemptNumber returns 1 + the highest attempt number recorded for
	// the subscription and period.
	NextAttemptNumber(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (int, error)

	// ListBySubscription returns up to limit rows newest first. A non-zero
	// before restricts the scan to rows with a smaller id, which is the
	// keyset for the next page.
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, before snowflake.ID, limit int) ([]SubscriptionPayment, error)
	CountFailures(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (int64, error)
}
