package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/kartpay/billing/internal/billing/domain"
	plandomain "github.com/kartpay/billing/internal/plan/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var ErrInvalidRequest = errors.New("invalid_request")

// ErrorHandlingMiddleware converts domain sentinels attached via
// AbortWithError into JSON error responses.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

var validationErrors = []error{
	ErrInvalidRequest,
	billingdomain.ErrInvalidSubscriptionID,
	billingdomain.ErrInvalidUserID,
	billingdomain.ErrInvalidPageToken,
	billingdomain.ErrCannotBill,
	billingdomain.ErrInvalidTransition,
	billingdomain.ErrNotActive,
	billingdomain.ErrNotPaused,
	billingdomain.ErrNotHigherTier,
	billingdomain.ErrNotLowerTier,
	plandomain.ErrInvalidPlanID,
	plandomain.ErrInvalidPlanName,
	plandomain.ErrInvalidPrice,
	plandomain.ErrInvalidCurrency,
	plandomain.ErrInvalidInterval,
	plandomain.ErrInvalidIntervalCount,
	plandomain.ErrInvalidTrialDays,
	plandomain.ErrInvalidMaxSubs,
	plandomain.ErrPlanNotAvailable,
	plandomain.ErrPlanAtCapacity,
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, billingdomain.ErrSubscriptionNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Code:    sentinelCode(err),
			Message: "not found",
		}
	case errors.Is(err, plandomain.ErrDuplicatePlan),
		errors.Is(err, plandomain.ErrPlanReferenced),
		errors.Is(err, billingdomain.ErrAlreadySubscribed),
		errors.Is(err, billingdomain.ErrBillingInProgress):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    sentinelCode(err),
			Message: "conflict",
		}
	}

	for _, sentinel := range validationErrors {
		if errors.Is(err, sentinel) {
			return http.StatusBadRequest, errorPayload{
				Type:    "validation_error",
				Code:    sentinel.Error(),
				Message: "validation error",
			}
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

func sentinelCode(err error) string {
	for _, sentinel := range []error{
		billingdomain.ErrSubscriptionNotFound,
		billingdomain.ErrBillingInProgress,
		billingdomain.ErrAlreadySubscribed,
		plandomain.ErrPlanNotFound,
		plandomain.ErrDuplicatePlan,
		plandomain.ErrPlanReferenced,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}
