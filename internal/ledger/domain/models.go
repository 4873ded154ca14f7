package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentStatus is the lifecycle of a single charge attempt.
type PaymentStatus string

const (
	PaymentPending       PaymentStatus = "pending"
	PaymentProcessing    PaymentStatus = "processing"
	PaymentSuccess       PaymentStatus = "success"
	PaymentFailure       PaymentStatus = "failure"
	PaymentRefundPending PaymentStatus = "refund_pending"
	PaymentRefunded      PaymentStatus = "refunded"
	PaymentCancelled     PaymentStatus = "cancelled"
)

// SubscriptionPayment is one row in the charge ledger. Rows are append
// only: a retry writes a new row with a higher attempt number instead of
// mutating the failed one.
type SubscriptionPayment struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id,string"`
	SubscriptionID snowflake.ID  `gorm:"index;uniqueIndex:uq_payment_attempt" json:"subscription_id,string"`
	UserID         snowflake.ID  `gorm:"index" json:"user_id,string"`
	PlanID         snowflake.ID  `gorm:"index" json:"plan_id,string"`
	Status         PaymentStatus `gorm:"type:varchar(20);index" json:"status"`

	Amount     decimal.Decimal `gorm:"type:numeric(10,2)" json:"amount"`
	PaidAmount decimal.Decimal `gorm:"type:numeric(10,2)" json:"paid_amount"`
	Currency   string          `gorm:"type:varchar(3);default:'TRY'" json:"currency"`

	PeriodStart   time.Time `gorm:"uniqueIndex:uq_payment_attempt" json:"period_start"`
	PeriodEnd     time.Time `gorm:"uniqueIndex:uq_payment_attempt" json:"period_end"`
	AttemptNumber int       `gorm:"default:1;uniqueIndex:uq_payment_attempt" json:"attempt_number"`
	IsRetry       bool      `json:"is_retry"`

	IsProrated     bool             `json:"is_prorated"`
	ProratedAmount *decimal.Decimal `gorm:"type:numeric(10,2)" json:"prorated_amount,omitempty"`

	ProviderPaymentID string            `gorm:"type:varchar(64);index" json:"provider_payment_id,omitempty"`
	ConversationID    string            `gorm:"type:varchar(64)" json:"conversation_id,omitempty"`
	ErrorCode         string            `gorm:"type:varchar(64)" json:"error_code,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	ErrorGroup        string            `gorm:"type:varchar(64)" json:"error_group,omitempty"`
	RawResponse       datatypes.JSONMap `json:"raw_response,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SubscriptionPayment) TableName() string {
	return "subscription_payments"
}

// Settled reports whether the attempt reached a final state.
func (p *SubscriptionPayment) Settled() bool {
	switch p.Status {
	case PaymentSuccess, PaymentFailure, PaymentRefunded, PaymentCancelled:
		return true
	}
	return false
}
