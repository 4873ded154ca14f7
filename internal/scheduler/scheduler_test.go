package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/kartpay/billing/internal/billing/domain"
	billingservice "github.com/kartpay/billing/internal/billing/service"
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
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type schedEnv struct {
	db    *gorm.DB
	sched *Scheduler
	svc   billingdomain.Service
	gw    *gateway.Fake
	clock *clock.FakeClock
	node  *snowflake.Node
}

func newSchedEnv(t *testing.T) *schedEnv {
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
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	subs := subscriptionrepo.Provide()

	svc := billingservice.NewService(billingservice.ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fc,
		Cfg:    holder,
		Subs:   subs,
		Plans:  planrepo.Provide(),
		Ledger: ledgerrepo.Provide(),
		GW:     fake,
		Locker: locks.NewKeyedMutex(),
		Hub:    events.NewHub(),
	})

	sched, err := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		BillingSvc: svc,
		Subs:       subs,
		BillingCfg: holder,
		Clock:      fc,
		Config:     Config{BatchSize: 10},
	})
	require.NoError(t, err)

	return &schedEnv{db: db, sched: sched, svc: svc, gw: fake, clock: fc, node: node}
}

func (e *schedEnv) createPlan(t *testing.T, price string) *plandomain.Plan {
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
	require.NoError(t, e.db.Create(plan).Error)
	return plan
}

func (e *schedEnv) seedSubscription(t *testing.T, plan *plandomain.Plan, mutate func(*subscriptiondomain.Subscription)) *subscriptiondomain.Subscription {
	t.Helper()
	now := e.clock.Now()
	sub := &subscriptiondomain.Subscription{
		ID:                 e.node.Generate(),
		UserID:             e.node.Generate(),
		PlanID:             plan.ID,
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: now.AddDate(0, -1, 0),
		CurrentPeriodEnd:   now,
		NextBillingDate:    now,
		StartDate:          now.AddDate(0, -1, 0),
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, e.db.Create(sub).Error)
	return sub
}

func (e *schedEnv) reload(t *testing.T, id snowflake.ID) *subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	require.NoError(t, e.db.First(&sub, "id = ?", id).Error)
	return &sub
}

func TestProcessDueSubscriptions(t *testing.T) {
	env := newSchedEnv(t)
	plan := env.createPlan(t, "99.99")
	now := env.clock.Now()

	due := env.seedSubscription(t, plan, nil)
	notDue := env.seedSubscription(t, plan, func(s *subscriptiondomain.Subscription) {
		s.NextBillingDate = now.AddDate(0, 0, 10)
	})
	paused := env.seedSubscription(t, plan, func(s *subscriptiondomain.Subscription) {
		s.Status = subscriptiondomain.StatusPaused
	})

	require.NoError(t, env.sched.RunOnce(context.Background()))
	require.Equal(t, 1, env.gw.Calls())

	billed := env.reload(t, due.ID)
	require.Equal(t, subscriptiondomain.StatusActive, billed.Status)
	require.True(t, billed.NextBillingDate.Equal(now.AddDate(0, 1, 0)))

	require.True(t, env.reload(t, notDue.ID).NextBillingDate.Equal(notDue.NextBillingDate))
	require.Equal(t, subscriptiondomain.StatusPaused, env.reload(t, paused.ID).Status)
}

func TestProcessDueIsolatesFailures(t *testing.T) {
	env := newSchedEnv(t)
	plan := env.createPlan(t, "10.00")

	first := env.seedSubscription(t, plan, nil)
	second := env.seedSubscription(t, plan, nil)
	env.gw.Script(gateway.FakeOutcome{Result: &gateway.Result{
		Success:      false,
		ErrorCode:    "CARD_DECLINED",
		ErrorMessage: "declined",
	}})

	// A declined charge is a settled outcome, not a job error.
	require.NoError(t, env.sched.ProcessDueSubscriptions(context.Background()))
	require.Equal(t, 2, env.gw.Calls())

	require.Equal(t, subscriptiondomain.StatusPastDue, env.reload(t, first.ID).Status)
	require.Equal(t, subscriptiondomain.StatusActive, env.reload(t, second.ID).Status)
}

func TestRetryFailedPaymentsRespectsAttemptBudget(t *testing.T) {
	env := newSchedEnv(t)
	plan := env.createPlan(t, "10.00")
	maxFailed := config.DefaultBillingConfig().MaxFailedAttempts

	retryable := env.seedSubscription(t, plan, func(s *subscriptiondomain.Subscription) {
		s.Status = subscriptiondomain.StatusPastDue
		s.FailedPaymentCount = 1
	})
	exhausted := env.seedSubscription(t, plan, func(s *subscriptiondomain.Subscription) {
		s.Status = subscriptiondomain.StatusPastDue
		s.FailedPaymentCount = maxFailed
	})

	require.NoError(t, env.sched.RetryFailedPayments(context.Background()))
	require.Equal(t, 1, env.gw.Calls())

	recovered := env.reload(t, retryable.ID)
	require.Equal(t, subscriptiondomain.StatusActive, recovered.Status)
	require.Equal(t, 0, recovered.FailedPaymentCount)

	require.Equal(t, subscriptiondomain.StatusPastDue, env.reload(t, exhausted.ID).Status)
}

func TestCheckTrialExpirationBillsExpiredTrials(t *testing.T) {
	env := newSchedEnv(t)
	plan := env.createPlan(t, "49.90")
	now := env.clock.Now()

	expiredEnd := now.Add(-time.Hour)
	expired := env.seedSubscription(t, plan, func(s *subscriptiondomain.Subscription) {
		s.Status = subscriptiondomain.StatusTrialing
		s.TrialEndDate = &expiredEnd
		s.CurrentPeriodStart = now.AddDate(0, 0, -14)
		s.CurrentPeriodEnd = expiredEnd
		s.NextBillingDate = expiredEnd
	})

	ongoingEnd := now.AddDate(0, 0, 7)
	ongoing := env.seedSubscription(t, plan, func(s *subscriptiondomain.Subscription) {
		s.Status = subscriptiondomain.StatusTrialing
		s.TrialEndDate = &ongoingEnd
		s.NextBillingDate = ongoingEnd
	})

	require.NoError(t, env.sched.CheckTrialExpiration(context.Background()))
	require.Equal(t, 1, env.gw.Calls())

	converted := env.reload(t, expired.ID)
	require.Equal(t, subscriptiondomain.StatusActive, converted.Status)
	require.True(t, converted.CurrentPeriodStart.Equal(expiredEnd))

	require.Equal(t, subscriptiondomain.StatusTrialing, env.reload(t, ongoing.ID).Status)
}

func TestExpireCancelledSubscriptions(t *testing.T) {
	env := newSchedEnv(t)
	plan := env.createPlan(t, "10.00")
	now := env.clock.Now()

	sweepable := env.seedSubscription(t, plan, func(s *subscriptiondomain.Subscription) {
		s.CancelAtPeriodEnd = true
		s.CurrentPeriodEnd = now.Add(-time.Hour)
		s.NextBillingDate = now.AddDate(0, 0, 7)
	})
	stillRunning := env.seedSubscription(t, plan, func(s *subscriptiondomain.Subscription) {
		s.CancelAtPeriodEnd = true
		s.CurrentPeriodEnd = now.AddDate(0, 0, 7)
		s.NextBillingDate = now.AddDate(0, 0, 7)
	})

	require.NoError(t, env.sched.ExpireCancelledSubscriptions(context.Background()))

	ended := env.reload(t, sweepable.ID)
	require.Equal(t, subscriptiondomain.StatusCancelled, ended.Status)
	require.NotNil(t, ended.EndedAt)

	require.Equal(t, subscriptiondomain.StatusActive, env.reload(t, stillRunning.ID).Status)
	require.Zero(t, env.gw.Calls())
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	env := newSchedEnv(t)
	plan := env.createPlan(t, "10.00")
	env.seedSubscription(t, plan, nil)

	env.sched.cfg.EnabledJobs = []string{"expire_cancelled_subscriptions"}

	require.NoError(t, env.sched.RunOnce(context.Background()))
	require.Zero(t, env.gw.Calls(), "disabled jobs must not bill")
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
