package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/kartpay/billing/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Save(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).First(&subscription, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	stmt := db.WithContext(ctx)
	if db.Dialector.Name() != "sqlite" {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := stmt.First(&subscription, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) ExistsNonTerminal(ctx context.Context, db *gorm.DB, userID, planID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("user_id = ? AND plan_id = ? AND status NOT IN ?",
			userID, planID,
			[]subscriptiondomain.Status{subscriptiondomain.StatusCancelled, subscriptiondomain.StatusExpired}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) FindDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return r.claim(ctx, db, limit,
		"status IN ? AND next_billing_date <= ?",
		[]subscriptiondomain.Status{subscriptiondomain.StatusActive, subscriptiondomain.StatusPastDue}, now)
}

func (r *repo) FindPastDue(ctx context.Context, db *gorm.DB, maxFailed int, limit int) ([]subscriptiondomain.Subscription, error) {
	return r.claim(ctx, db, limit,
		"status = ? AND failed_payment_count > 0 AND failed_payment_count < ?",
		subscriptiondomain.StatusPastDue, maxFailed)
}

func (r *repo) FindTrialExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return r.claim(ctx, db, limit,
		"status = ? AND trial_end_date IS NOT NULL AND trial_end_date <= ?",
		subscriptiondomain.StatusTrialing, now)
}

func (r *repo) FindCancelSweepable(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return r.claim(ctx, db, limit,
		"cancel_at_period_end = ? AND status NOT IN ? AND current_period_end <= ?",
		true, []subscriptiondomain.Status{subscriptiondomain.StatusCancelled, subscriptiondomain.StatusExpired}, cutoff)
}

func (r *repo) claim(ctx context.Context, db *gorm.DB, limit int, where string, args ...any) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}
	var subscriptions []subscriptiondomain.Subscription
	stmt := db.WithContext(ctx).
		Where(where, args...).
		Order("id ASC").
		Limit(limit)
	if db.Dialector.Name() != "sqlite" {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	if err := stmt.Find(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}
