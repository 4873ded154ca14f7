package iyzico

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kartpay/billing/internal/config"
	"github.com/kartpay/billing/internal/gateway"
	"github.com/kartpay/billing/internal/observability/metrics"
	"go.uber.org/zap"
)

type chargeResponse struct {
	Status         string `json:"status"`
	PaymentID      string `json:"paymentId"`
	ConversationID string `json:"conversationId"`
	ErrorCode      string `json:"errorCode"`
	ErrorMessage   string `json:"errorMessage"`
	ErrorGroup     string `json:"errorGroup"`
}

// Client talks to the iyzico payment API. It only covers the recurring
// charge call the billing service needs.
type Client struct {
	baseURL   string
	apiKey    string
	secretKey string
	locale    string
	client    *http.Client
	log       *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) gateway.Gateway {
	return &Client{
		baseURL:   strings.TrimRight(cfg.GatewayBaseURL, "/"),
		apiKey:    strings.TrimSpace(cfg.GatewayAPIKey),
		secretKey: strings.TrimSpace(cfg.GatewaySecretKey),
		locale:    cfg.GatewayLocale,
		client:    &http.Client{Timeout: cfg.GatewayTimeout},
		log:       log.Named("gateway.iyzico"),
	}
}

func (c *Client) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Result, error) {
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	payload := map[string]interface{}{
		"locale":         c.locale,
		"conversationId": req.ConversationID,
		"price":          req.Amount.StringFixed(2),
		"paidPrice":      req.Amount.StringFixed(2),
		"currency":       req.Currency,
		"basketId":       req.SubscriptionID,
		"buyerId":        req.UserID,
		"description":    req.Description,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := c.doCharge(ctx, body, req.ConversationID)
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case !result.Success:
		outcome = "declined"
	}
	metrics.Billing().ObserveGatewayCall(outcome, time.Since(start))
	return result, err
}

func (c *Client) doCharge(ctx context.Context, body []byte, conversationID string) (*gateway.Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payment/auth", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	randomKey := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", c.authorization(randomKey, "/payment/auth", body))
	httpReq.Header.Set("x-iyzi-rnd", randomKey)
	httpReq.Header.Set("x-conversation-id", conversationID)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.log.Warn("charge request failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var raw map[string]interface{}
	var decoded chargeResponse
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", gateway.ErrUnavailable, err)
	}
	remarshal, _ := json.Marshal(raw)
	_ = json.Unmarshal(remarshal, &decoded)

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", gateway.ErrUnavailable, resp.StatusCode)
	}
	// A response carrying someone else's conversation id cannot be
	// trusted to describe this charge.
	if decoded.ConversationID != "" && decoded.ConversationID != conversationID {
		c.log.Warn("conversation id mismatch",
			zap.String("sent", conversationID),
			zap.String("received", decoded.ConversationID))
		return nil, fmt.Errorf("%w: conversation id mismatch", gateway.ErrUnavailable)
	}

	result := &gateway.Result{
		Success:           decoded.Status == "success",
		ProviderPaymentID: decoded.PaymentID,
		ErrorCode:         decoded.ErrorCode,
		ErrorMessage:      decoded.ErrorMessage,
		ErrorGroup:        decoded.ErrorGroup,
		RawResponse:       raw,
	}
	return result, nil
}

// authorization builds the HMACSHA256 v2 header iyzico expects.
func (c *Client) authorization(randomKey, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(randomKey + path))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))
	params := fmt.Sprintf("apiKey:%s&randomKey:%s&signature:%s", c.apiKey, randomKey, signature)
	return "IYZWSv2 " + base64.StdEncoding.EncodeToString([]byte(params))
}
