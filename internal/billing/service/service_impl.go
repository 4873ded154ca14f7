package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	billingdomain "github.com/kartpay/billing/internal/billing/domain"
	"github.com/kartpay/billing/internal/clock"
	"github.com/kartpay/billing/internal/config"
	"github.com/kartpay/billing/internal/events"
	"github.com/kartpay/billing/internal/gateway"
	ledgerdomain "github.com/kartpay/billing/internal/ledger/domain"
	"github.com/kartpay/billing/internal/locks"
	"github.com/kartpay/billing/internal/observability/metrics"
	plandomain "github.com/kartpay/billing/internal/plan/domain"
	subscriptiondomain "github.com/kartpay/billing/internal/subscription/domain"
	"github.com/kartpay/billing/pkg/db/pagination"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// lockTTL bounds how long a crashed worker can hold a subscription lock.
// It must exceed the gateway timeout with room for the surrounding writes.
const lockTTL = 60 * time.Second

const gatewayErrorCode = "api_error"

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	cfg    *config.BillingConfigHolder
	subs   subscriptiondomain.Repository
	plans  plandomain.Repository
	ledger ledgerdomain.Repository
	gw     gateway.Gateway
	locker locks.SubscriptionLocker
	hub    *events.Hub
}

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Cfg    *config.BillingConfigHolder
	Subs   subscriptiondomain.Repository
	Plans  plandomain.Repository
	Ledger ledgerdomain.Repository
	GW     gateway.Gateway
	Locker locks.SubscriptionLocker
	Hub    *events.Hub
}

func NewService(p ServiceParam) billingdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("billing.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		cfg:    p.Cfg,
		subs:   p.Subs,
		plans:  p.Plans,
		ledger: p.Ledger,
		gw:     p.GW,
		locker: p.Locker,
		hub:    p.Hub,
	}
}

func (s *Service) Create(ctx context.Context, req billingdomain.CreateRequest) (*billingdomain.CreateResult, error) {
	userID, err := snowflake.ParseString(req.UserID)
	if err != nil {
		return nil, billingdomain.ErrInvalidUserID
	}
	planID, err := snowflake.ParseString(req.PlanID)
	if err != nil {
		return nil, plandomain.ErrInvalidPlanID
	}

	now := s.clock.Now()
	sub := &subscriptiondomain.Subscription{
		ID:        s.genID.Generate(),
		UserID:    userID,
		PlanID:    planID,
		Status:    subscriptiondomain.StatusPending,
		StartDate: now,
		Metadata:  datatypes.JSONMap(req.Metadata),
	}

	var plan *plandomain.Plan
	insert := func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var err error
			plan, err = s.plans.FindByID(ctx, tx, planID)
			if err != nil {
				return err
			}
			if plan == nil {
				return plandomain.ErrPlanNotFound
			}
			if !plan.IsActive {
				return plandomain.ErrPlanNotAvailable
			}
			if plan.MaxSubscribers != nil {
				held, err := s.subs.ExistsNonTerminal(ctx, tx, userID, planID)
				if err != nil {
					return err
				}
				if held {
					return billingdomain.ErrAlreadySubscribed
				}
				seats, err := s.plans.CountOccupiedSeats(ctx, tx, planID)
				if err != nil {
					return err
				}
				if seats >= int64(*plan.MaxSubscribers) {
					return plandomain.ErrPlanAtCapacity
				}
			}

			if req.WithTrial && plan.HasTrial() {
				trialEnd := now.AddDate(0, 0, plan.TrialPeriodDays)
				sub.Status = subscriptiondomain.StatusTrialing
				sub.TrialEndDate = &trialEnd
				sub.CurrentPeriodStart = now
				sub.CurrentPeriodEnd = trialEnd
				sub.NextBillingDate = trialEnd
			} else {
				sub.CurrentPeriodStart = now
				sub.CurrentPeriodEnd = plan.AdvancePeriod(now)
				// Due immediately: the first charge runs right after insert.
				sub.NextBillingDate = now
			}
			return s.subs.Insert(ctx, tx, sub)
		})
	}

	// Capacity math on a capped plan must not interleave with another
	// create on the same plan, so those serialize on a plan-keyed lock.
	// Uncapped plans have nothing to race on and insert directly.
	capped, err := s.planIsCapped(ctx, planID)
	if err != nil {
		return nil, err
	}
	if capped {
		err = s.withKey(ctx, planLockKey(planID), insert)
	} else {
		err = insert()
	}
	if err != nil {
		return nil, err
	}

	s.publish(events.Event{
		Type:           events.SubscriptionCreated,
		SubscriptionID: sub.ID.String(),
		UserID:         sub.UserID.String(),
		PlanID:         sub.PlanID.String(),
		OccurredAt:     now,
	})

	result := &billingdomain.CreateResult{Subscription: sub}
	if sub.Status == subscriptiondomain.StatusTrialing {
		return result, nil
	}

	payment, err := s.billLocked(ctx, sub.ID, true)
	if err != nil {
		return nil, err
	}
	fresh, err := s.subs.FindByID(ctx, s.db, sub.ID)
	if err != nil {
		return nil, err
	}
	result.Subscription = fresh
	result.Payment = payment
	return result, nil
}

func (s *Service) ProcessBilling(ctx context.Context, subscriptionID string) (*ledgerdomain.SubscriptionPayment, error) {
	id, err := parseID(subscriptionID)
	if err != nil {
		return nil, err
	}
	return s.billLocked(ctx, id, false)
}

func (s *Service) billLocked(ctx context.Context, id snowflake.ID, initial bool) (*ledgerdomain.SubscriptionPayment, error) {
	key := lockKey(id)
	token, ok, err := s.locker.TryLock(ctx, key, lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, billingdomain.ErrBillingInProgress
	}
	defer func() {
		if releaseErr := s.locker.Release(context.WithoutCancel(ctx), key, token); releaseErr != nil {
			s.log.Warn("lock release failed", zap.String("subscription_id", id.String()), zap.Error(releaseErr))
		}
	}()

	return s.bill(ctx, id, initial)
}

// bill runs one charge attempt under the caller-held subscription lock.
// The gateway call sits between two short transactions so the external
// request never holds a database transaction open.
func (s *Service) bill(ctx context.Context, id snowflake.ID, initial bool) (*ledgerdomain.SubscriptionPayment, error) {
	now := s.clock.Now()
	cfg := s.cfg.Current()
	bm := metrics.Billing()

	var (
		sub      *subscriptiondomain.Subscription
		plan     *plandomain.Plan
		payment  *ledgerdomain.SubscriptionPayment
		existing *ledgerdomain.SubscriptionPayment
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		sub, err = s.subs.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return billingdomain.ErrSubscriptionNotFound
		}
		if !initial {
			if !sub.Status.Billable() {
				return billingdomain.ErrCannotBill
			}
			if sub.Status == subscriptiondomain.StatusTrialing &&
				sub.TrialEndDate != nil && now.Before(*sub.TrialEndDate) {
				return billingdomain.ErrCannotBill
			}
		}

		if changed, err := s.applyPendingDowngrade(ctx, tx, sub, now); err != nil {
			return err
		} else if changed {
			s.log.Info("applied pending downgrade",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("plan_id", sub.PlanID.String()))
		}

		plan, err = s.plans.FindByID(ctx, tx, sub.PlanID)
		if err != nil {
			return err
		}
		if plan == nil {
			return plandomain.ErrPlanNotFound
		}

		periodStart := sub.NextBillingDate
		periodEnd := plan.AdvancePeriod(periodStart)

		if !initial {
			existing, err = s.ledger.RecentSuccess(ctx, tx, sub.ID, cfg.DedupWindow, now)
			if err != nil {
				return err
			}
			if existing != nil {
				return nil
			}
		}

		// The ledger, not the subscription counter, is the source of
		// truth for what already happened in this period.
		failures, err := s.ledger.CountFailures(ctx, tx, sub.ID, periodStart, periodEnd)
		if err != nil {
			return err
		}
		attempt := int(failures) + 1
		if next, err := s.ledger.NextAttemptNumber(ctx, tx, sub.ID, periodStart, periodEnd); err != nil {
			return err
		} else if next > attempt {
			attempt = next
		}

		payment = &ledgerdomain.SubscriptionPayment{
			ID:             s.genID.Generate(),
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			PlanID:         sub.PlanID,
			Status:         ledgerdomain.PaymentProcessing,
			Amount:         plan.Price,
			Currency:       plan.Currency,
			PeriodStart:    periodStart,
			PeriodEnd:      periodEnd,
			AttemptNumber:  attempt,
			IsRetry:        failures > 0,
			ConversationID: uuid.NewString(),
		}
		return s.ledger.Insert(ctx, tx, payment)
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		bm.IncDedupShortCircuit()
		s.log.Info("duplicate billing request short-circuited",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("payment_id", existing.ID.String()))
		return existing, nil
	}

	result, chargeErr := s.gw.Charge(ctx, gateway.ChargeRequest{
		SubscriptionID: sub.ID.String(),
		UserID:         sub.UserID.String(),
		ConversationID: payment.ConversationID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		Description:    plan.Name,
	})

	return s.settle(ctx, sub, plan, payment, result, chargeErr, now)
}

// settle records the gateway outcome. Gateway declines and transport
// failures both land as a failed ledger row and past_due; they are never
// surfaced as errors.
func (s *Service) settle(
	ctx context.Context,
	sub *subscriptiondomain.Subscription,
	plan *plandomain.Plan,
	payment *ledgerdomain.SubscriptionPayment,
	result *gateway.Result,
	chargeErr error,
	now time.Time,
) (*ledgerdomain.SubscriptionPayment, error) {
	bm := metrics.Billing()
	from := sub.Status
	wasTrialing := sub.Status == subscriptiondomain.StatusTrialing
	succeeded := chargeErr == nil && result != nil && result.Success

	err := s.db.Transaction(func(tx *gorm.DB) error {
		attemptAt := now
		sub.LastPaymentAttempt = &attemptAt

		if succeeded {
			payment.Status = ledgerdomain.PaymentSuccess
			payment.PaidAmount = payment.Amount
			payment.ProviderPaymentID = result.ProviderPaymentID
			payment.RawResponse = datatypes.JSONMap(result.RawResponse)

			sub.FailedPaymentCount = 0
			sub.LastPaymentError = nil
			sub.CurrentPeriodStart = payment.PeriodStart
			sub.CurrentPeriodEnd = payment.PeriodEnd
			sub.NextBillingDate = payment.PeriodEnd
			sub.Status = subscriptiondomain.StatusActive
		} else {
			payment.Status = ledgerdomain.PaymentFailure
			if chargeErr != nil {
				payment.ErrorCode = gatewayErrorCode
				payment.ErrorMessage = chargeErr.Error()
			} else if result != nil {
				payment.ErrorCode = result.ErrorCode
				payment.ErrorMessage = result.ErrorMessage
				payment.ErrorGroup = result.ErrorGroup
				payment.RawResponse = datatypes.JSONMap(result.RawResponse)
			}

			sub.FailedPaymentCount++
			msg := payment.ErrorMessage
			if msg == "" {
				msg = payment.ErrorCode
			}
			sub.LastPaymentError = &msg
			sub.Status = subscriptiondomain.StatusPastDue
		}

		if err := s.ledger.Update(ctx, tx, payment); err != nil {
			return err
		}
		return s.subs.Update(ctx, tx, sub)
	})
	if err != nil {
		return nil, err
	}

	if from != sub.Status {
		bm.IncTransition(string(from), string(sub.Status))
	}
	if succeeded {
		bm.IncChargeAttempt("success", payment.IsRetry)
		if wasTrialing {
			s.publish(events.Event{
				Type:           events.TrialEnded,
				SubscriptionID: sub.ID.String(),
				UserID:         sub.UserID.String(),
				PlanID:         sub.PlanID.String(),
				OccurredAt:     now,
			})
		}
		s.publish(events.Event{
			Type:           events.BilledSuccess,
			SubscriptionID: sub.ID.String(),
			UserID:         sub.UserID.String(),
			PlanID:         sub.PlanID.String(),
			Amount:         payment.PaidAmount,
			Currency:       payment.Currency,
			PaymentID:      payment.ID.String(),
			OccurredAt:     now,
		})
	} else {
		bm.IncChargeAttempt("failure", payment.IsRetry)
		s.log.Warn("charge attempt failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Int("attempt", payment.AttemptNumber),
			zap.String("error_code", payment.ErrorCode),
			zap.String("error_message", payment.ErrorMessage))
		s.publish(events.Event{
			Type:           events.BilledFailure,
			SubscriptionID: sub.ID.String(),
			UserID:         sub.UserID.String(),
			PlanID:         sub.PlanID.String(),
			Amount:         payment.Amount,
			Currency:       payment.Currency,
			PaymentID:      payment.ID.String(),
			Reason:         payment.ErrorMessage,
			OccurredAt:     now,
		})
	}
	return payment, nil
}

func (s *Service) Cancel(ctx context.Context, req billingdomain.CancelRequest) (*subscriptiondomain.Subscription, error) {
	id, err := parseID(req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	var sub *subscriptiondomain.Subscription
	var mutated bool
	err = s.withLock(ctx, id, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var err error
			sub, err = s.subs.FindByIDForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if sub == nil {
				return billingdomain.ErrSubscriptionNotFound
			}
			// Cancelling twice is a no-op returning the current record.
			if sub.Status.Terminal() || (req.AtPeriodEnd && sub.CancelAtPeriodEnd) {
				return nil
			}

			cancelledAt := now
			sub.CancelledAt = &cancelledAt
			if req.Reason != "" {
				reason := req.Reason
				sub.CancellationReason = &reason
			}
			if req.AtPeriodEnd {
				sub.CancelAtPeriodEnd = true
			} else {
				if !subscriptiondomain.TransitionAllowed(sub.Status, subscriptiondomain.StatusCancelled) {
					return billingdomain.ErrInvalidTransition
				}
				metrics.Billing().IncTransition(string(sub.Status), string(subscriptiondomain.StatusCancelled))
				sub.Status = subscriptiondomain.StatusCancelled
				endedAt := now
				sub.EndedAt = &endedAt
			}
			mutated = true
			return s.subs.Update(ctx, tx, sub)
		})
	})
	if err != nil {
		return nil, err
	}

	if mutated {
		s.publish(events.Event{
			Type:           events.Cancelled,
			SubscriptionID: sub.ID.String(),
			UserID:         sub.UserID.String(),
			PlanID:         sub.PlanID.String(),
			Reason:         req.Reason,
			OccurredAt:     now,
		})
	}
	return sub, nil
}

func (s *Service) Pause(ctx context.Context, subscriptionID string) (*subscriptiondomain.Subscription, error) {
	return s.flip(ctx, subscriptionID,
		subscriptiondomain.StatusActive, subscriptiondomain.StatusPaused,
		billingdomain.ErrNotActive, events.Paused)
}

func (s *Service) Resume(ctx context.Context, subscriptionID string) (*subscriptiondomain.Subscription, error) {
	return s.flip(ctx, subscriptionID,
		subscriptiondomain.StatusPaused, subscriptiondomain.StatusActive,
		billingdomain.ErrNotPaused, events.Resumed)
}

func (s *Service) flip(
	ctx context.Context,
	subscriptionID string,
	require, target subscriptiondomain.Status,
	guardErr error,
	eventType events.Type,
) (*subscriptiondomain.Subscription, error) {
	id, err := parseID(subscriptionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	var sub *subscriptiondomain.Subscription
	err = s.withLock(ctx, id, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var err error
			sub, err = s.subs.FindByIDForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if sub == nil {
				return billingdomain.ErrSubscriptionNotFound
			}
			if sub.Status != require {
				return guardErr
			}
			metrics.Billing().IncTransition(string(sub.Status), string(target))
			sub.Status = target
			return s.subs.Update(ctx, tx, sub)
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(events.Event{
		Type:           eventType,
		SubscriptionID: sub.ID.String(),
		UserID:         sub.UserID.String(),
		PlanID:         sub.PlanID.String(),
		OccurredAt:     now,
	})
	return sub, nil
}

func (s *Service) Upgrade(ctx context.Context, req billingdomain.PlanChangeRequest) (*billingdomain.PlanChangeResult, error) {
	id, err := parseID(req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	newPlanID, err := snowflake.ParseString(req.NewPlanID)
	if err != nil {
		return nil, plandomain.ErrInvalidPlanID
	}
	now := s.clock.Now()

	var (
		sub      *subscriptiondomain.Subscription
		prevPlan *plandomain.Plan
		newPlan  *plandomain.Plan
	)
	key := lockKey(id)
	token, ok, err := s.locker.TryLock(ctx, key, lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, billingdomain.ErrBillingInProgress
	}
	defer s.locker.Release(context.WithoutCancel(ctx), key, token)

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		sub, err = s.subs.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return billingdomain.ErrSubscriptionNotFound
		}
		if sub.Status != subscriptiondomain.StatusActive {
			return billingdomain.ErrNotActive
		}

		prevPlan, err = s.plans.FindByID(ctx, tx, sub.PlanID)
		if err != nil {
			return err
		}
		if prevPlan == nil {
			return plandomain.ErrPlanNotFound
		}
		newPlan, err = s.plans.FindByID(ctx, tx, newPlanID)
		if err != nil {
			return err
		}
		if newPlan == nil {
			return plandomain.ErrPlanNotFound
		}
		if !newPlan.IsActive {
			return plandomain.ErrPlanNotAvailable
		}
		if newPlan.Price.LessThanOrEqual(prevPlan.Price) {
			return billingdomain.ErrNotHigherTier
		}

		sub.PlanID = newPlanID
		return s.subs.Update(ctx, tx, sub)
	})
	if err != nil {
		return nil, err
	}

	s.publish(events.Event{
		Type:           events.Upgraded,
		SubscriptionID: sub.ID.String(),
		UserID:         sub.UserID.String(),
		PlanID:         newPlanID.String(),
		PreviousPlanID: prevPlan.ID.String(),
		OccurredAt:     now,
	})

	result := &billingdomain.PlanChangeResult{Subscription: sub}
	if !req.Prorate {
		return result, nil
	}

	delta := newPlan.Price.Sub(prevPlan.Price)
	amount := Prorate(delta, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	if amount.IsZero() {
		return result, nil
	}
	payment, err := s.chargeProrated(ctx, sub, newPlan, amount, now)
	if err != nil {
		return nil, err
	}
	result.Payment = payment
	return result, nil
}

// chargeProrated bills the prorated remainder of the current period
// through the same ledger path as a periodic charge. Caller holds the
// subscription lock.
func (s *Service) chargeProrated(
	ctx context.Context,
	sub *subscriptiondomain.Subscription,
	plan *plandomain.Plan,
	amount decimal.Decimal,
	now time.Time,
) (*ledgerdomain.SubscriptionPayment, error) {
	var payment *ledgerdomain.SubscriptionPayment
	err := s.db.Transaction(func(tx *gorm.DB) error {
		attempt, err := s.ledger.NextAttemptNumber(ctx, tx, sub.ID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
		if err != nil {
			return err
		}
		prorated := amount
		payment = &ledgerdomain.SubscriptionPayment{
			ID:             s.genID.Generate(),
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			PlanID:         plan.ID,
			Status:         ledgerdomain.PaymentProcessing,
			Amount:         amount,
			Currency:       plan.Currency,
			PeriodStart:    sub.CurrentPeriodStart,
			PeriodEnd:      sub.CurrentPeriodEnd,
			AttemptNumber:  attempt,
			IsProrated:     true,
			ProratedAmount: &prorated,
			ConversationID: uuid.NewString(),
		}
		return s.ledger.Insert(ctx, tx, payment)
	})
	if err != nil {
		return nil, err
	}

	result, chargeErr := s.gw.Charge(ctx, gateway.ChargeRequest{
		SubscriptionID: sub.ID.String(),
		UserID:         sub.UserID.String(),
		ConversationID: payment.ConversationID,
		Amount:         amount,
		Currency:       plan.Currency,
		Description:    plan.Name + " (prorated)",
	})
	return s.settle(ctx, sub, plan, payment, result, chargeErr, now)
}

func (s *Service) Downgrade(ctx context.Context, req billingdomain.PlanChangeRequest) (*subscriptiondomain.Subscription, error) {
	id, err := parseID(req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	newPlanID, err := snowflake.ParseString(req.NewPlanID)
	if err != nil {
		return nil, plandomain.ErrInvalidPlanID
	}
	now := s.clock.Now()

	var sub *subscriptiondomain.Subscription
	var prevPlanID snowflake.ID
	err = s.withLock(ctx, id, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var err error
			sub, err = s.subs.FindByIDForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if sub == nil {
				return billingdomain.ErrSubscriptionNotFound
			}
			if sub.Status.Terminal() {
				return billingdomain.ErrInvalidTransition
			}

			prevPlan, err := s.plans.FindByID(ctx, tx, sub.PlanID)
			if err != nil {
				return err
			}
			if prevPlan == nil {
				return plandomain.ErrPlanNotFound
			}
			newPlan, err := s.plans.FindByID(ctx, tx, newPlanID)
			if err != nil {
				return err
			}
			if newPlan == nil {
				return plandomain.ErrPlanNotFound
			}
			if newPlan.Price.GreaterThanOrEqual(prevPlan.Price) {
				return billingdomain.ErrNotLowerTier
			}
			prevPlanID = sub.PlanID

			if req.AtPeriodEnd {
				pending := subscriptiondomain.PendingDowngrade{
					PlanID:        newPlanID.String(),
					EffectiveDate: sub.CurrentPeriodEnd,
				}
				if sub.Metadata == nil {
					sub.Metadata = datatypes.JSONMap{}
				}
				raw, err := json.Marshal(pending)
				if err != nil {
					return err
				}
				var value map[string]any
				if err := json.Unmarshal(raw, &value); err != nil {
					return err
				}
				sub.Metadata[subscriptiondomain.MetadataKeyPendingDowngrade] = value
			} else {
				sub.PlanID = newPlanID
			}
			return s.subs.Update(ctx, tx, sub)
		})
	})
	if err != nil {
		return nil, err
	}

	if !req.AtPeriodEnd {
		s.publish(events.Event{
			Type:           events.Downgraded,
			SubscriptionID: sub.ID.String(),
			UserID:         sub.UserID.String(),
			PlanID:         newPlanID.String(),
			PreviousPlanID: prevPlanID.String(),
			OccurredAt:     now,
		})
	}
	return sub, nil
}

// applyPendingDowngrade swaps the plan reference when a deferred
// downgrade has reached its effective date. Runs inside the billing
// transaction before the charge period is computed.
func (s *Service) applyPendingDowngrade(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (bool, error) {
	raw, ok := sub.Metadata[subscriptiondomain.MetadataKeyPendingDowngrade]
	if !ok {
		return false, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return false, err
	}
	var pending subscriptiondomain.PendingDowngrade
	if err := json.Unmarshal(encoded, &pending); err != nil {
		return false, err
	}
	if now.Before(pending.EffectiveDate) {
		return false, nil
	}
	newPlanID, err := snowflake.ParseString(pending.PlanID)
	if err != nil {
		return false, err
	}

	prevPlanID := sub.PlanID
	sub.PlanID = newPlanID
	delete(sub.Metadata, subscriptiondomain.MetadataKeyPendingDowngrade)
	if err := s.subs.Update(ctx, tx, sub); err != nil {
		return false, err
	}

	s.publish(events.Event{
		Type:           events.Downgraded,
		SubscriptionID: sub.ID.String(),
		UserID:         sub.UserID.String(),
		PlanID:         newPlanID.String(),
		PreviousPlanID: prevPlanID.String(),
		OccurredAt:     now,
	})
	return true, nil
}

func (s *Service) FinalizeCancellation(ctx context.Context, subscriptionID string) (*subscriptiondomain.Subscription, error) {
	id, err := parseID(subscriptionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	grace := s.cfg.Current().ExpiryGrace

	var sub *subscriptiondomain.Subscription
	var flipped bool
	err = s.withLock(ctx, id, func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var err error
			sub, err = s.subs.FindByIDForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if sub == nil {
				return billingdomain.ErrSubscriptionNotFound
			}
			if sub.Status.Terminal() {
				return nil
			}
			if !sub.CancelAtPeriodEnd || now.Before(sub.CurrentPeriodEnd.Add(grace)) {
				return nil
			}
			if !subscriptiondomain.TransitionAllowed(sub.Status, subscriptiondomain.StatusCancelled) {
				return billingdomain.ErrInvalidTransition
			}

			metrics.Billing().IncTransition(string(sub.Status), string(subscriptiondomain.StatusCancelled))
			sub.Status = subscriptiondomain.StatusCancelled
			endedAt := now
			sub.EndedAt = &endedAt
			flipped = true
			return s.subs.Update(ctx, tx, sub)
		})
	})
	if err != nil {
		return nil, err
	}

	if flipped {
		s.publish(events.Event{
			Type:           events.Cancelled,
			SubscriptionID: sub.ID.String(),
			UserID:         sub.UserID.String(),
			PlanID:         sub.PlanID.String(),
			Reason:         "period_ended",
			OccurredAt:     now,
		})
	}
	return sub, nil
}

func (s *Service) Get(ctx context.Context, subscriptionID string) (*subscriptiondomain.Subscription, error) {
	id, err := parseID(subscriptionID)
	if err != nil {
		return nil, err
	}
	sub, err := s.subs.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, billingdomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]subscriptiondomain.Subscription, error) {
	id, err := snowflake.ParseString(userID)
	if err != nil {
		return nil, billingdomain.ErrInvalidUserID
	}
	return s.subs.ListByUser(ctx, s.db, id)
}

func (s *Service) ListPayments(ctx context.Context, subscriptionID string, page pagination.Pagination) ([]ledgerdomain.SubscriptionPayment, *pagination.PageInfo, error) {
	id, err := parseID(subscriptionID)
	if err != nil {
		return nil, nil, err
	}

	var before snowflake.ID
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, nil, billingdomain.ErrInvalidPageToken
		}
		before, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, nil, billingdomain.ErrInvalidPageToken
		}
	}

	limit := page.Limit()
	// One extra row tells us whether a next page exists.
	rows, err := s.ledger.ListBySubscription(ctx, s.db, id, before, limit+1)
	if err != nil {
		return nil, nil, err
	}
	return pagination.BuildPage(rows, limit, func(p ledgerdomain.SubscriptionPayment) pagination.Cursor {
		return pagination.Cursor{ID: p.ID.String()}
	})
}

func (s *Service) withLock(ctx context.Context, id snowflake.ID, fn func() error) error {
	return s.withKey(ctx, lockKey(id), fn)
}

func (s *Service) withKey(ctx context.Context, key string, fn func() error) error {
	token, ok, err := s.locker.TryLock(ctx, key, lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return billingdomain.ErrBillingInProgress
	}
	defer s.locker.Release(context.WithoutCancel(ctx), key, token)
	return fn()
}

func (s *Service) planIsCapped(ctx context.Context, planID snowflake.ID) (bool, error) {
	plan, err := s.plans.FindByID(ctx, s.db, planID)
	if err != nil {
		return false, err
	}
	if plan == nil {
		return false, plandomain.ErrPlanNotFound
	}
	return plan.MaxSubscribers != nil, nil
}

func (s *Service) publish(event events.Event) {
	if s.hub != nil {
		s.hub.Publish(event)
	}
}

func lockKey(id snowflake.ID) string {
	return "billing:subscription:" + id.String()
}

func planLockKey(id snowflake.ID) string {
	return "billing:plan:" + id.String()
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(value)
	if err != nil {
		return 0, billingdomain.ErrInvalidSubscriptionID
	}
	return id, nil
}
