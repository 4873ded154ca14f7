// Package domain contains the subscription lifecycle model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusPending   Status = "pending"
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// Billable reports whether a periodic charge may be attempted in this status.
// Trialing is billable so trial expiry can convert into the first real charge.
func (s Status) Billable() bool {
	return s == StatusActive || s == StatusPastDue || s == StatusTrialing
}

// MetadataKeyPendingDowngrade stashes a deferred downgrade until period
// rollover.
const MetadataKeyPendingDowngrade = "pending_downgrade"

// Subscription drives a user's recurring billing agreement through its
// lifecycle. Rows are never hard-deleted: terminal states stay for audit.
type Subscription struct {
	ID                 snowflake.ID      `gorm:"primaryKey"`
	UserID             snowflake.ID      `gorm:"not null;index:idx_subscription_user_status,priority:1"`
	PlanID             snowflake.ID      `gorm:"not null;index:idx_subscription_plan_status,priority:1"`
	Status             Status            `gorm:"type:text;not null;default:'pending';index:idx_subscription_user_status,priority:2;index:idx_subscription_plan_status,priority:2;index:idx_subscription_status_due,priority:1"`
	StartDate          time.Time         `gorm:"not null"`
	TrialEndDate       *time.Time        `gorm:""`
	CurrentPeriodStart time.Time         `gorm:"not null"`
	CurrentPeriodEnd   time.Time         `gorm:"not null;check:chk_subscription_period,current_period_end >= current_period_start"`
	NextBillingDate    time.Time         `gorm:"not null;index:idx_subscription_status_due,priority:2"`
	CancelAtPeriodEnd  bool              `gorm:"not null;default:false;index:idx_subscription_cancel_sweep,priority:1"`
	CancellationReason *string           `gorm:"type:text"`
	CancelledAt        *time.Time        `gorm:""`
	EndedAt            *time.Time        `gorm:""`
	FailedPaymentCount int               `gorm:"not null;default:0"`
	LastPaymentAttempt *time.Time        `gorm:""`
	LastPaymentError   *string           `gorm:"type:text"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// PendingDowngrade is the metadata payload for a deferred plan change.
type PendingDowngrade struct {
	PlanID        string    `json:"plan_id"`
	EffectiveDate time.Time `json:"effective_date"`
}
