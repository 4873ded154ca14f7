// Package domain defines the billing orchestrator contract: the lifecycle
// operations that drive a subscription from creation through periodic
// charging to a terminal state.
package domain

import (
	"context"
	"errors"

	ledgerdomain "github.com/kartpay/billing/internal/ledger/domain"
	subscriptiondomain "github.com/kartpay/billing/internal/subscription/domain"
	"github.com/kartpay/billing/pkg/db/pagination"
)

type CreateRequest struct {
	UserID    string         `json:"user_id"`
	PlanID    string         `json:"plan_id"`
	WithTrial bool           `json:"with_trial,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CreateResult carries the new subscription and, when the plan has no
// trial, the ledger row of the immediate first charge.
type CreateResult struct {
	Subscription *subscriptiondomain.Subscription  `json:"subscription"`
	Payment      *ledgerdomain.SubscriptionPayment `json:"payment,omitempty"`
}

type CancelRequest struct {
	SubscriptionID string `json:"-"`
	AtPeriodEnd    bool   `json:"at_period_end,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type PlanChangeRequest struct {
	SubscriptionID string `json:"-"`
	NewPlanID      string `json:"new_plan_id"`
	// Prorate applies to upgrades only.
	Prorate bool `json:"prorate,omitempty"`
	// AtPeriodEnd applies to downgrades only.
	AtPeriodEnd bool `json:"at_period_end,omitempty"`
}

type PlanChangeResult struct {
	Subscription *subscriptiondomain.Subscription  `json:"subscription"`
	Payment      *ledgerdomain.SubscriptionPayment `json:"payment,omitempty"`
}

// Service is the billing orchestrator. Every mutating operation on a
// given subscription runs under that subscription's exclusive lock;
// operations on different subscriptions proceed in parallel.
//
// A gateway decline or transport failure is not an error from these
// methods: it comes back as a ledger row with status failure and the
// subscription moved to past_due.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)

	// ProcessBilling charges the period starting at the subscription's
	// next billing date. A successful charge for the same period within
	// the dedup window short-circuits and returns the existing row.
	ProcessBilling(ctx context.Context, subscriptionID string) (*ledgerdomain.SubscriptionPayment, error)

	Cancel(ctx context.Context, req CancelRequest) (*subscriptiondomain.Subscription, error)
	Pause(ctx context.Context, subscriptionID string) (*subscriptiondomain.Subscription, error)
	Resume(ctx context.Context, subscriptionID string) (*subscriptiondomain.Subscription, error)

	Upgrade(ctx context.Context, req PlanChangeRequest) (*PlanChangeResult, error)
	Downgrade(ctx context.Context, req PlanChangeRequest) (*subscriptiondomain.Subscription, error)

	// FinalizeCancellation flips a subscription flagged cancel-at-period-end
	// whose period has passed into terminal cancelled.
	FinalizeCancellation(ctx context.Context, subscriptionID string) (*subscriptiondomain.Subscription, error)

	Get(ctx context.Context, subscriptionID string) (*subscriptiondomain.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]subscriptiondomain.Subscription, error)
	ListPayments(ctx context.Context, subscriptionID string, page pagination.Pagination) ([]ledgerdomain.SubscriptionPayment, *pagination.PageInfo, error)
}

var (
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrInvalidSubscriptionID = errors.New("invalid_subscription_id")
	ErrInvalidUserID         = errors.New("invalid_user_id")
	ErrCannotBill            = errors.New("subscription_cannot_be_billed")
	ErrInvalidTransition     = errors.New("invalid_status_transition")
	ErrNotActive             = errors.New("subscription_not_active")
	ErrNotPaused             = errors.New("subscription_not_paused")
	ErrNotHigherTier         = errors.New("new_plan_must_be_higher_tier")
	ErrNotLowerTier          = errors.New("new_plan_must_be_lower_tier")
	ErrBillingInProgress     = errors.New("billing_in_progress")
	ErrAlreadySubscribed     = errors.New("already_subscribed")
	ErrInvalidPageToken      = errors.New("invalid_page_token")
)
