package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/kartpay/billing/internal/billing/domain"
	"github.com/kartpay/billing/internal/clock"
	"github.com/kartpay/billing/internal/config"
	"github.com/kartpay/billing/internal/events"
	"github.com/kartpay/billing/internal/gateway"
	ledgerdomain "github.com/kartpay/billing/internal/ledger/domain"
	ledgerrepo "github.com/kartpay/billing/internal/ledger/repository"
	"github.com/kartpay/billing/internal/locks"
	plandomain "github.com/kartpay/billing/internal/plan/domain"
	planrepo "github.com/kartpay/billing/internal/plan/repository"
	subscriptiondomain "github.com/kartpay/billing/internal/subscription/domain"
	subscriptionrepo "github.com/kartpay/billing/internal/subscription/repository"
	"github.com/kartpay/billing/pkg/db/pagination"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db    *gorm.DB
	svc   billingdomain.Service
	gw    *gateway.Fake
	clock *clock.FakeClock
	hub   *events.Hub
	node  *snowflake.Node
	plans plandomain.Repository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&ledgerdomain.SubscriptionPayment{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Now().UTC().Truncate(time.Second))
	fake := gateway.NewFake()
	hub := events.NewHub()
	plans := planrepo.Provide()

	svc := NewService(ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fc,
		Cfg:    config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Subs:   subscriptionrepo.Provide(),
		Plans:  plans,
		Ledger: ledgerrepo.Provide(),
		GW:     fake,
		Locker: locks.NewKeyedMutex(),
		Hub:    hub,
	})

	return &testEnv{db: db, svc: svc, gw: fake, clock: fc, hub: hub, node: node, plans: plans}
}

func (e *testEnv) createPlan(t *testing.T, price string, opts ...func(*plandomain.Plan)) *plandomain.Plan {
	t.Helper()
	plan := &plandomain.Plan{
		ID:                   e.node.Generate(),
		Name:                 "Plan " + e.node.Generate().String(),
		Slug:                 "plan-" + e.node.Generate().String(),
		Price:                decimal.RequireFromString(price),
		Currency:             "TRY",
		BillingInterval:      plandomain.IntervalMonthly,
		BillingIntervalCount: 1,
		IsActive:             true,
	}
	for _, opt := range opts {
		opt(plan)
	}
	require.NoError(t, e.db.Create(plan).Error)
	return plan
}

func withTrialDays(days int) func(*plandomain.Plan) {
	return func(p *plandomain.Plan) { p.TrialPeriodDays = days }
}

func withMaxSubscribers(n int) func(*plandomain.Plan) {
	return func(p *plandomain.Plan) { p.MaxSubscribers = &n }
}

func withInactive() func(*plandomain.Plan) {
	return func(p *plandomain.Plan) { p.IsActive = false }
}

func declined(code, message string) gateway.FakeOutcome {
	return gateway.FakeOutcome{Result: &gateway.Result{
		Success:      false,
		ErrorCode:    code,
		ErrorMessage: message,
	}}
}

func (e *testEnv) payments(t *testing.T, subID string) []ledgerdomain.SubscriptionPayment {
	t.Helper()
	id, err := snowflake.ParseString(subID)
	require.NoError(t, err)
	var rows []ledgerdomain.SubscriptionPayment
	require.NoError(t, e.db.Where("subscription_id = ?", id).Order("created_at ASC, id ASC").Find(&rows).Error)
	return rows
}

func TestCreateImmediateCharge(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "99.99")
	start := env.clock.Now()

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Payment)

	sub := result.Subscription
	require.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	require.Equal(t, 0, sub.FailedPaymentCount)
	require.True(t, sub.NextBillingDate.Equal(start.AddDate(0, 1, 0)))
	require.True(t, sub.CurrentPeriodStart.Equal(start))
	require.True(t, sub.CurrentPeriodEnd.Equal(start.AddDate(0, 1, 0)))

	rows := env.payments(t, sub.ID.String())
	require.Len(t, rows, 1)
	require.Equal(t, ledgerdomain.PaymentSuccess, rows[0].Status)
	require.True(t, rows[0].Amount.Equal(decimal.RequireFromString("99.99")))
	require.Equal(t, "TRY", rows[0].Currency)
	require.Equal(t, 1, rows[0].AttemptNumber)
	require.False(t, rows[0].IsRetry)
}

func TestCreateFirstChargeFails(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "49.90")
	env.gw.Script(declined("CARD_DECLINED", "insufficient funds"))

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)

	sub := result.Subscription
	require.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)
	require.Equal(t, 1, sub.FailedPaymentCount)
	require.NotNil(t, sub.LastPaymentError)
	require.Equal(t, "insufficient funds", *sub.LastPaymentError)

	rows := env.payments(t, sub.ID.String())
	require.Len(t, rows, 1)
	require.Equal(t, ledgerdomain.PaymentFailure, rows[0].Status)
	require.Equal(t, "CARD_DECLINED", rows[0].ErrorCode)
}

func TestCreateWithTrial(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "99.99", withTrialDays(14))
	start := env.clock.Now()

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID:    env.node.Generate().String(),
		PlanID:    plan.ID.String(),
		WithTrial: true,
	})
	require.NoError(t, err)
	require.Nil(t, result.Payment)

	sub := result.Subscription
	require.Equal(t, subscriptiondomain.StatusTrialing, sub.Status)
	require.NotNil(t, sub.TrialEndDate)
	require.True(t, sub.TrialEndDate.Equal(start.AddDate(0, 0, 14)))
	require.True(t, sub.NextBillingDate.Equal(start.AddDate(0, 0, 14)))
	require.Empty(t, env.payments(t, sub.ID.String()))
	require.Zero(t, env.gw.Calls())
}

func TestCreatePlanUnavailable(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "10.00", withInactive())

	_, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.ErrorIs(t, err, plandomain.ErrPlanNotAvailable)
}

func TestCreateCapacityEnforced(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "10.00", withMaxSubscribers(1))

	_, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)

	_, err = env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.ErrorIs(t, err, plandomain.ErrPlanAtCapacity)
	require.Contains(t, err.Error(), "capacity")
}

func TestCreateSameUserHoldsOneSeatOnCappedPlan(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "10.00", withMaxSubscribers(5))
	userID := env.node.Generate().String()

	first, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: userID,
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)

	_, err = env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: userID,
		PlanID: plan.ID.String(),
	})
	require.ErrorIs(t, err, billingdomain.ErrAlreadySubscribed)

	// A released seat can be taken again by the same user.
	_, err = env.svc.Cancel(context.Background(), billingdomain.CancelRequest{
		SubscriptionID: first.Subscription.ID.String(),
	})
	require.NoError(t, err)

	second, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: userID,
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	require.NotEqual(t, first.Subscription.ID, second.Subscription.ID)
}

func TestCreateUncappedPlanAllowsRepeatUser(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "10.00")
	userID := env.node.Generate().String()

	for i := 0; i < 2; i++ {
		_, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
			UserID: userID,
			PlanID: plan.ID.String(),
		})
		require.NoError(t, err)
	}
}

func TestCreateCappedPlanNeverOvershootsUnderContention(t *testing.T) {
	env := newTestEnv(t)
	seatCap := 2
	plan := env.createPlan(t, "10.00", withMaxSubscribers(seatCap))

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Create(context.Background(), billingdomain.CreateRequest{
				UserID: env.node.Generate().String(),
				PlanID: plan.ID.String(),
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, billingdomain.ErrBillingInProgress),
			errors.Is(err, plandomain.ErrPlanAtCapacity):
		default:
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	require.GreaterOrEqual(t, created, 1)

	var seats int64
	require.NoError(t, env.db.Model(&subscriptiondomain.Subscription{}).
		Where("plan_id = ?", plan.ID).Count(&seats).Error)
	require.LessOrEqual(t, seats, int64(seatCap))
}

func TestListByUser(t *testing.T) {
	env := newTestEnv(t)
	planA := env.createPlan(t, "10.00")
	planB := env.createPlan(t, "20.00")
	userA := env.node.Generate().String()
	userB := env.node.Generate().String()

	first, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: userA,
		PlanID: planA.ID.String(),
	})
	require.NoError(t, err)
	second, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: userA,
		PlanID: planB.ID.String(),
	})
	require.NoError(t, err)
	_, err = env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: userB,
		PlanID: planA.ID.String(),
	})
	require.NoError(t, err)

	subs, err := env.svc.ListByUser(context.Background(), userA)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	ids := map[snowflake.ID]bool{}
	for _, sub := range subs {
		ids[sub.ID] = true
	}
	require.True(t, ids[first.Subscription.ID])
	require.True(t, ids[second.Subscription.ID])

	_, err = env.svc.ListByUser(context.Background(), "not-an-id")
	require.ErrorIs(t, err, billingdomain.ErrInvalidUserID)
}

func TestProcessBillingForcedFailureNewPeriod(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "99.99")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	// Step past the dedup window so the next call is a real attempt.
	env.clock.Advance(2 * time.Hour)
	env.gw.Script(declined("CARD_DECLINED", "insufficient funds"))

	payment, err := env.svc.ProcessBilling(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.PaymentFailure, payment.Status)
	require.Equal(t, 1, payment.AttemptNumber)

	sub, err := env.svc.Get(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)
	require.Equal(t, 1, sub.FailedPaymentCount)

	rows := env.payments(t, subID)
	require.Len(t, rows, 2)
	// The failed attempt targets the next period, not the one the
	// creation charge already paid for.
	require.True(t, rows[1].PeriodStart.After(rows[0].PeriodStart))
}

func TestAttemptNumberingMonotonic(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "20.00")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	env.clock.Advance(31 * 24 * time.Hour)
	env.gw.Script(
		declined("CARD_DECLINED", "first failure"),
		declined("CARD_DECLINED", "second failure"),
	)

	for i := 0; i < 2; i++ {
		payment, err := env.svc.ProcessBilling(context.Background(), subID)
		require.NoError(t, err)
		require.Equal(t, ledgerdomain.PaymentFailure, payment.Status)
		require.Equal(t, i+1, payment.AttemptNumber)
	}

	// Third attempt succeeds.
	payment, err := env.svc.ProcessBilling(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.PaymentSuccess, payment.Status)
	require.Equal(t, 3, payment.AttemptNumber)
	require.True(t, payment.IsRetry)

	sub, err := env.svc.Get(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	require.Equal(t, 0, sub.FailedPaymentCount)

	rows := env.payments(t, subID)
	require.Len(t, rows, 4)
	retryPeriodStart := rows[1].PeriodStart
	for i, row := range rows[1:] {
		require.Equal(t, i+1, row.AttemptNumber)
		require.True(t, row.PeriodStart.Equal(retryPeriodStart))
	}
	// Only the attempts after a recorded failure in the period count as
	// retries.
	require.False(t, rows[1].IsRetry)
	require.True(t, rows[2].IsRetry)
	require.True(t, rows[3].IsRetry)
}

func TestDedupShortCircuit(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "99.99")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()
	require.Equal(t, 1, env.gw.Calls())

	// A repeated billing request right after the successful charge
	// returns the existing row and never reaches the gateway.
	payment, err := env.svc.ProcessBilling(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, result.Payment.ID, payment.ID)
	require.Equal(t, 1, env.gw.Calls())
	require.Len(t, env.payments(t, subID), 1)
}

func TestNoDoubleBillingConcurrent(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "99.99")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	env.clock.Advance(31 * 24 * time.Hour)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.ProcessBilling(context.Background(), subID)
		}(i)
	}
	wg.Wait()

	busy := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		require.ErrorIs(t, err, billingdomain.ErrBillingInProgress)
		busy++
	}
	require.Less(t, busy, workers, "at least one worker must complete")

	successes := 0
	for _, row := range env.payments(t, subID) {
		if row.Status == ledgerdomain.PaymentSuccess {
			successes++
		}
	}
	// One from creation, at most one from the concurrent wave.
	require.Equal(t, 2, successes)
}

func TestProcessBillingRejectsUnbillable(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "10.00")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	_, err = env.svc.Pause(context.Background(), subID)
	require.NoError(t, err)

	_, err = env.svc.ProcessBilling(context.Background(), subID)
	require.ErrorIs(t, err, billingdomain.ErrCannotBill)
}

func TestTrialBilledAtExpiry(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "49.90", withTrialDays(7))

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID:    env.node.Generate().String(),
		PlanID:    plan.ID.String(),
		WithTrial: true,
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()
	trialEnd := *result.Subscription.TrialEndDate

	// Mid-trial billing is refused.
	_, err = env.svc.ProcessBilling(context.Background(), subID)
	require.ErrorIs(t, err, billingdomain.ErrCannotBill)

	env.clock.Set(trialEnd.Add(time.Minute))
	payment, err := env.svc.ProcessBilling(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.PaymentSuccess, payment.Status)
	require.True(t, payment.PeriodStart.Equal(trialEnd))

	sub, err := env.svc.Get(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	require.True(t, sub.CurrentPeriodStart.Equal(trialEnd))
	require.True(t, sub.CurrentPeriodEnd.Equal(trialEnd.AddDate(0, 1, 0)))
}

func TestCancelImmediate(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "10.00")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	sub, err := env.svc.Cancel(context.Background(), billingdomain.CancelRequest{
		SubscriptionID: subID,
		Reason:         "too expensive",
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusCancelled, sub.Status)
	require.NotNil(t, sub.CancelledAt)
	require.NotNil(t, sub.EndedAt)
	require.NotNil(t, sub.CancellationReason)
	require.Equal(t, "too expensive", *sub.CancellationReason)
}

func TestCancelIdempotent(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "10.00")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	first, err := env.svc.Cancel(context.Background(), billingdomain.CancelRequest{SubscriptionID: subID})
	require.NoError(t, err)

	second, err := env.svc.Cancel(context.Background(), billingdomain.CancelRequest{SubscriptionID: subID})
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)
	require.True(t, first.EndedAt.Equal(*second.EndedAt))
}

func TestCancelAtPeriodEndThenFinalize(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "10.00")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	sub, err := env.svc.Cancel(context.Background(), billingdomain.CancelRequest{
		SubscriptionID: subID,
		AtPeriodEnd:    true,
		Reason:         "switching providers",
	})
	require.NoError(t, err)
	// Access continues until period end.
	require.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	require.True(t, sub.CancelAtPeriodEnd)
	require.Nil(t, sub.EndedAt)

	// The sweep does nothing before the period ends.
	sub, err = env.svc.FinalizeCancellation(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, sub.Status)

	env.clock.Set(sub.CurrentPeriodEnd.Add(time.Minute))
	sub, err = env.svc.FinalizeCancellation(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusCancelled, sub.Status)
	require.NotNil(t, sub.EndedAt)
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "10.00")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	sub, err := env.svc.Pause(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusPaused, sub.Status)

	// Pausing a paused subscription is rejected.
	_, err = env.svc.Pause(context.Background(), subID)
	require.ErrorIs(t, err, billingdomain.ErrNotActive)

	sub, err = env.svc.Resume(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, sub.Status)

	_, err = env.svc.Resume(context.Background(), subID)
	require.ErrorIs(t, err, billingdomain.ErrNotPaused)
}

func TestUpgradeDirectionGuard(t *testing.T) {
	env := newTestEnv(t)
	cheap := env.createPlan(t, "10.00")
	pricey := env.createPlan(t, "50.00")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: pricey.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	_, err = env.svc.Upgrade(context.Background(), billingdomain.PlanChangeRequest{
		SubscriptionID: subID,
		NewPlanID:      cheap.ID.String(),
	})
	require.ErrorIs(t, err, billingdomain.ErrNotHigherTier)

	_, err = env.svc.Downgrade(context.Background(), billingdomain.PlanChangeRequest{
		SubscriptionID: subID,
		NewPlanID:      pricey.ID.String(),
	})
	require.ErrorIs(t, err, billingdomain.ErrNotLowerTier)
}

func TestUpgradeWithProration(t *testing.T) {
	env := newTestEnv(t)
	basic := env.createPlan(t, "30.00")
	premium := env.createPlan(t, "60.00")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: basic.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()
	sub := result.Subscription

	// Half the period remains.
	half := sub.CurrentPeriodEnd.Sub(sub.CurrentPeriodStart) / 2
	env.clock.Set(sub.CurrentPeriodStart.Add(half))

	upgraded, err := env.svc.Upgrade(context.Background(), billingdomain.PlanChangeRequest{
		SubscriptionID: subID,
		NewPlanID:      premium.ID.String(),
		Prorate:        true,
	})
	require.NoError(t, err)
	require.Equal(t, premium.ID, upgraded.Subscription.PlanID)
	require.NotNil(t, upgraded.Payment)
	require.True(t, upgraded.Payment.IsProrated)
	require.Equal(t, ledgerdomain.PaymentSuccess, upgraded.Payment.Status)
	// Half of the 30.00 delta.
	require.True(t, upgraded.Payment.Amount.Equal(decimal.RequireFromString("15.00")),
		"got %s", upgraded.Payment.Amount)
	// Prorated rows share the current period, at the next attempt slot.
	require.Equal(t, 2, upgraded.Payment.AttemptNumber)
	require.True(t, upgraded.Payment.PeriodStart.Equal(sub.CurrentPeriodStart))
}

func TestUpgradeRequiresActive(t *testing.T) {
	env := newTestEnv(t)
	basic := env.createPlan(t, "30.00")
	premium := env.createPlan(t, "60.00")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: basic.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	_, err = env.svc.Pause(context.Background(), subID)
	require.NoError(t, err)

	_, err = env.svc.Upgrade(context.Background(), billingdomain.PlanChangeRequest{
		SubscriptionID: subID,
		NewPlanID:      premium.ID.String(),
	})
	require.ErrorIs(t, err, billingdomain.ErrNotActive)
}

func TestDowngradeImmediate(t *testing.T) {
	env := newTestEnv(t)
	basic := env.createPlan(t, "30.00")
	premium := env.createPlan(t, "60.00")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: premium.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	sub, err := env.svc.Downgrade(context.Background(), billingdomain.PlanChangeRequest{
		SubscriptionID: subID,
		NewPlanID:      basic.ID.String(),
	})
	require.NoError(t, err)
	require.Equal(t, basic.ID, sub.PlanID)
}

func TestDowngradeAtPeriodEndAppliedAtRollover(t *testing.T) {
	env := newTestEnv(t)
	basic := env.createPlan(t, "30.00")
	premium := env.createPlan(t, "60.00")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: premium.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	sub, err := env.svc.Downgrade(context.Background(), billingdomain.PlanChangeRequest{
		SubscriptionID: subID,
		NewPlanID:      basic.ID.String(),
		AtPeriodEnd:    true,
	})
	require.NoError(t, err)
	// Plan unchanged until rollover, stashed in metadata instead.
	require.Equal(t, premium.ID, sub.PlanID)
	require.Contains(t, sub.Metadata, subscriptiondomain.MetadataKeyPendingDowngrade)

	env.clock.Set(sub.CurrentPeriodEnd.Add(time.Minute))
	payment, err := env.svc.ProcessBilling(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.PaymentSuccess, payment.Status)
	// The rollover charge uses the downgraded plan's price.
	require.True(t, payment.Amount.Equal(decimal.RequireFromString("30.00")))

	sub, err = env.svc.Get(context.Background(), subID)
	require.NoError(t, err)
	require.Equal(t, basic.ID, sub.PlanID)
	require.NotContains(t, sub.Metadata, subscriptiondomain.MetadataKeyPendingDowngrade)
}

func TestGatewayTransportErrorBecomesPastDue(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "25.00")
	env.gw.Script(gateway.FakeOutcome{Err: gateway.ErrUnavailable})

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err, "transport failures must not propagate")

	sub := result.Subscription
	require.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)

	rows := env.payments(t, sub.ID.String())
	require.Len(t, rows, 1)
	require.Equal(t, ledgerdomain.PaymentFailure, rows[0].Status)
	require.Equal(t, "api_error", rows[0].ErrorCode)
}

func TestLifecycleEventsEmitted(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "10.00")

	sub := env.hub.Subscribe()
	defer sub.Close()

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)

	_, err = env.svc.Cancel(context.Background(), billingdomain.CancelRequest{
		SubscriptionID: result.Subscription.ID.String(),
	})
	require.NoError(t, err)

	var got []events.Type
	for len(got) < 3 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	require.Equal(t, []events.Type{events.SubscriptionCreated, events.BilledSuccess, events.Cancelled}, got)
}

func TestListPaymentsPaged(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "10.00")

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	// Two more settled charges, one per cycle.
	for i := 0; i < 2; i++ {
		env.clock.Advance(31 * 24 * time.Hour)
		_, err := env.svc.ProcessBilling(context.Background(), subID)
		require.NoError(t, err)
	}

	first, info, err := env.svc.ListPayments(context.Background(), subID, pagination.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.True(t, info.HasMore)
	require.NotEmpty(t, info.NextPageToken)
	// Newest first.
	require.True(t, first[0].ID > first[1].ID)

	rest, info, err := env.svc.ListPayments(context.Background(), subID, pagination.Pagination{
		PageSize:  2,
		PageToken: info.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.False(t, info.HasMore)
	require.True(t, first[1].ID > rest[0].ID)

	_, _, err = env.svc.ListPayments(context.Background(), subID, pagination.Pagination{PageToken: "%%%"})
	require.ErrorIs(t, err, billingdomain.ErrInvalidPageToken)
}

func TestGetUnknownSubscription(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Get(context.Background(), env.node.Generate().String())
	require.ErrorIs(t, err, billingdomain.ErrSubscriptionNotFound)

	_, err = env.svc.Get(context.Background(), "not-a-snowflake")
	require.ErrorIs(t, err, billingdomain.ErrInvalidSubscriptionID)
}

func TestStatusNeverLeavesEnum(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "10.00")

	valid := map[subscriptiondomain.Status]bool{
		subscriptiondomain.StatusPending:   true,
		subscriptiondomain.StatusTrialing:  true,
		subscriptiondomain.StatusActive:    true,
		subscriptiondomain.StatusPastDue:   true,
		subscriptiondomain.StatusPaused:    true,
		subscriptiondomain.StatusCancelled: true,
		subscriptiondomain.StatusExpired:   true,
	}

	result, err := env.svc.Create(context.Background(), billingdomain.CreateRequest{
		UserID: env.node.Generate().String(),
		PlanID: plan.ID.String(),
	})
	require.NoError(t, err)
	subID := result.Subscription.ID.String()

	ops := []func() error{
		func() error { _, err := env.svc.Pause(context.Background(), subID); return err },
		func() error { _, err := env.svc.Resume(context.Background(), subID); return err },
		func() error { _, err := env.svc.ProcessBilling(context.Background(), subID); return err },
		func() error {
			_, err := env.svc.Cancel(context.Background(), billingdomain.CancelRequest{SubscriptionID: subID})
			return err
		},
	}
	for _, op := range ops {
		if err := op(); err != nil {
			require.True(t,
				errors.Is(err, billingdomain.ErrCannotBill) ||
					errors.Is(err, billingdomain.ErrNotActive) ||
					errors.Is(err, billingdomain.ErrNotPaused),
				"unexpected error: %v", err)
		}
		sub, err := env.svc.Get(context.Background(), subID)
		require.NoError(t, err)
		require.True(t, valid[sub.Status], "status %q outside enum", sub.Status)
	}
}
