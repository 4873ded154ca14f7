package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/kartpay/billing/internal/plan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).Create(plan).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).Save(plan).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Delete(&plandomain.Plan{}, "id = ?", id).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).First(&plan, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repo) FindBySlug(ctx context.Context, db *gorm.DB, slug string) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).First(&plan, "slug = ?", slug).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]plandomain.Plan, error) {
	var plans []plandomain.Plan
	stmt := db.WithContext(ctx).Order("sort_order ASC, price ASC")
	if activeOnly {
		stmt = stmt.Where("is_active = ?", true)
	}
	if err := stmt.Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *repo) CountSubscriptions(ctx context.Context, db *gorm.DB, planID snowflake.ID) (int64, error) {
	var count int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM subscriptions WHERE plan_id = ?`,
		planID,
	).Scan(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CountOccupiedSeats counts subscriptions holding a seat against the plan's
// subscriber cap. Terminal subscriptions release their seat.
func (r *repo) CountOccupiedSeats(ctx context.Context, db *gorm.DB, planID snowflake.ID) (int64, error) {
	var count int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM subscriptions
		 WHERE plan_id = ? AND status NOT IN (?, ?)`,
		planID,
		"cancelled",
		"expired",
	).Scan(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
