// Package domain contains the subscription plan catalog model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// BillingInterval is the cadence unit a plan bills on.
type BillingInterval string

const (
	IntervalDaily     BillingInterval = "daily"
	IntervalWeekly    BillingInterval = "weekly"
	IntervalMonthly   BillingInterval = "monthly"
	IntervalQuarterly BillingInterval = "quarterly"
	IntervalYearly    BillingInterval = "yearly"
)

// Plan is an immutable-per-version pricing template. Deactivating a plan
// blocks new subscriptions; existing ones keep billing against it.
type Plan struct {
	ID                   snowflake.ID      `gorm:"primaryKey"`
	Name                 string            `gorm:"size:100;not null;uniqueIndex"`
	Slug                 string            `gorm:"size:100;not null;uniqueIndex"`
	Description          string            `gorm:"type:text"`
	Price                decimal.Decimal   `gorm:"type:numeric(10,2);not null"`
	Currency             string            `gorm:"size:3;not null;default:'TRY'"`
	BillingInterval      BillingInterval   `gorm:"type:text;not null;default:'monthly';index"`
	BillingIntervalCount int               `gorm:"not null;default:1"`
	TrialPeriodDays      int               `gorm:"not null;default:0"`
	Features             datatypes.JSONMap `gorm:"type:jsonb"`
	IsActive             bool              `gorm:"not null;default:true;index"`
	MaxSubscribers       *int              `gorm:""`
	SortOrder            int               `gorm:"not null;default:0"`
	CreatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "subscription_plans" }

// HasTrial reports whether the plan grants a free trial.
func (p *Plan) HasTrial() bool { return p.TrialPeriodDays > 0 }

// AdvancePeriod returns start moved forward by one full plan cadence.
func (p *Plan) AdvancePeriod(start time.Time) time.Time {
	count := p.BillingIntervalCount
	if count < 1 {
		count = 1
	}
	switch p.BillingInterval {
	case IntervalDaily:
		return start.AddDate(0, 0, count)
	case IntervalWeekly:
		return start.AddDate(0, 0, 7*count)
	case IntervalMonthly:
		return start.AddDate(0, count, 0)
	case IntervalQuarterly:
		return start.AddDate(0, 3*count, 0)
	case IntervalYearly:
		return start.AddDate(count, 0, 0)
	default:
		return start.AddDate(0, count, 0)
	}
}

// ValidInterval reports whether the value is a known cadence unit.
func ValidInterval(value BillingInterval) bool {
	switch value {
	case IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalQuarterly, IntervalYearly:
		return true
	default:
		return false
	}
}
