package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when the provider cannot be reached at all.
// A declined card is not unavailability: declines come back as a Result
// with Success set to false.
var ErrUnavailable = errors.New("gateway_unavailable")

// ChargeRequest carries everything the provider needs for one attempt.
type ChargeRequest struct {
	SubscriptionID string
	UserID         string
	ConversationID string
	Amount         decimal.Decimal
	Currency       string
	Description    string
}

// Result is the provider's answer to a charge attempt. RawResponse keeps
// the undecoded provider payload for the ledger.
type Result struct {
	Success           bool
	ProviderPaymentID string
	ErrorCode         string
	ErrorMessage      string
	ErrorGroup        string
	RawResponse       map[string]interface{}
}

// Gateway is the payment provider boundary. Implementations must be safe
// for concurrent use.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*Result, error)
}
