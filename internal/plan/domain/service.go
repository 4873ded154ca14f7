package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type CreatePlanRequest struct {
	Name                 string          `json:"name"`
	Slug                 string          `json:"slug,omitempty"`
	Description          string          `json:"description,omitempty"`
	Price                decimal.Decimal `json:"price"`
	Currency             string          `json:"currency,omitempty"`
	BillingInterval      BillingInterval `json:"billing_interval,omitempty"`
	BillingIntervalCount int             `json:"billing_interval_count,omitempty"`
	TrialPeriodDays      int             `json:"trial_period_days,omitempty"`
	Features             map[string]any  `json:"features,omitempty"`
	MaxSubscribers       *int            `json:"max_subscribers,omitempty"`
	SortOrder            int             `json:"sort_order,omitempty"`
}

type UpdatePlanRequest struct {
	Name            *string          `json:"name,omitempty"`
	Description     *string          `json:"description,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	TrialPeriodDays *int             `json:"trial_period_days,omitempty"`
	Features        map[string]any   `json:"features,omitempty"`
	IsActive        *bool            `json:"is_active,omitempty"`
	MaxSubscribers  *int             `json:"max_subscribers,omitempty"`
	SortOrder       *int             `json:"sort_order,omitempty"`
}

type ListPlanRequest struct {
	ActiveOnly bool
}

type Service interface {
	Create(ctx context.Context, req CreatePlanRequest) (Plan, error)
	Update(ctx context.Context, id string, req UpdatePlanRequest) (Plan, error)
	Deactivate(ctx context.Context, id string) (Plan, error)
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (Plan, error)
	GetBySlug(ctx context.Context, slug string) (Plan, error)
	List(ctx context.Context, req ListPlanRequest) ([]Plan, error)
}

var (
	ErrPlanNotFound        = errors.New("plan_not_found")
	ErrInvalidPlanID       = errors.New("invalid_plan_id")
	ErrInvalidPlanName     = errors.New("invalid_plan_name")
	ErrInvalidPrice        = errors.New("invalid_price")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrInvalidInterval     = errors.New("invalid_billing_interval")
	ErrInvalidTrialDays    = errors.New("invalid_trial_days")
	ErrDuplicatePlan       = errors.New("duplicate_plan")
	ErrPlanReferenced      = errors.New("plan_referenced_by_subscriptions")
	ErrPlanNotAvailable    = errors.New("plan_not_available")
	ErrPlanAtCapacity      = errors.New("plan_at_capacity")
	ErrInvalidMaxSubs      = errors.New("invalid_max_subscribers")
	ErrInvalidIntervalCount = errors.New("invalid_billing_interval_count")
)
