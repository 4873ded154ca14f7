package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	// FindByIDForUpdate takes a row lock on dialects that support it;
	// billing operations call it inside their transaction.
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]Subscription, error)
	// ExistsNonTerminal reports whether the user already holds a live
	// subscription on the plan. Capped plans allow at most one.
	ExistsNonTerminal(ctx context.Context, db *gorm.DB, userID, planID snowflake.ID) (bool, error)

	// Sweep queries used by the scheduler. Each claims up to limit rows
	// with FOR UPDATE SKIP LOCKED where the dialect supports it so that
	// concurrent workers never pick the same subscription.
	FindDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	FindPastDue(ctx context.Context, db *gorm.DB, maxFailed int, limit int) ([]Subscription, error)
	FindTrialExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	FindCancelSweepable(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Subscription, error)
}
