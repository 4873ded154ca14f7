package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/kartpay/billing/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *ledgerdomain.SubscriptionPayment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, payment *ledgerdomain.SubscriptionPayment) error {
	return db.WithContext(ctx).Save(payment).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ledgerdomain.SubscriptionPayment, error) {
	var payment ledgerdomain.SubscriptionPayment
	err := db.WithContext(ctx).First(&payment, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (r *repo) RecentSuccess(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, window time.Duration, now time.Time) (*ledgerdomain.SubscriptionPayment, error) {
	var payment ledgerdomain.SubscriptionPayment
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND status = ? AND created_at >= ?",
			subscriptionID, ledgerdomain.PaymentSuccess, now.Add(-window)).
		Order("created_at DESC").
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (r *repo) NextAttemptNumber(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (int, error) {
	var max int
	err := db.WithContext(ctx).
		Model(&ledgerdomain.SubscriptionPayment{}).
		Where("subscription_id = ? AND period_start = ? AND period_end = ?", subscriptionID, periodStart, periodEnd).
		Select("COALESCE(MAX(attempt_number), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, before snowflake.ID, limit int) ([]ledgerdomain.SubscriptionPayment, error) {
	if limit <= 0 {
		limit = 100
	}
	query := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID)
	if before != 0 {
		query = query.Where("id < ?", before)
	}
	var payments []ledgerdomain.SubscriptionPayment
	err := query.
		Order("id DESC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repo) CountFailures(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&ledgerdomain.SubscriptionPayment{}).
		Where("subscription_id = ? AND status = ? AND period_start = ? AND period_end = ?",
			subscriptionID, ledgerdomain.PaymentFailure, periodStart, periodEnd).
		Count(&count).Error
	return count, err
}
