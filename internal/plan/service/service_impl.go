package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/kartpay/billing/internal/clock"
	plandomain "github.com/kartpay/billing/internal/plan/domain"
	"github.com/kartpay/billing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  plandomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  plandomain.Repository
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("plan.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req plandomain.CreatePlanRequest) (plandomain.Plan, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return plandomain.Plan{}, plandomain.ErrInvalidPlanName
	}
	if !req.Price.IsPositive() {
		return plandomain.Plan{}, plandomain.ErrInvalidPrice
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "TRY"
	}
	if len(currency) != 3 {
		return plandomain.Plan{}, plandomain.ErrInvalidCurrency
	}

	interval := req.BillingInterval
	if interval == "" {
		interval = plandomain.IntervalMonthly
	}
	if !plandomain.ValidInterval(interval) {
		return plandomain.Plan{}, plandomain.ErrInvalidInterval
	}

	intervalCount := req.BillingIntervalCount
	if intervalCount == 0 {
		intervalCount = 1
	}
	if intervalCount < 1 {
		return plandomain.Plan{}, plandomain.ErrInvalidIntervalCount
	}

	if req.TrialPeriodDays < 0 {
		return plandomain.Plan{}, plandomain.ErrInvalidTrialDays
	}
	if req.MaxSubscribers != nil && *req.MaxSubscribers < 1 {
		return plandomain.Plan{}, plandomain.ErrInvalidMaxSubs
	}

	planSlug := strings.TrimSpace(req.Slug)
	if planSlug == "" {
		planSlug = slug.Make(name)
	}

	now := s.clock.Now()
	plan := plandomain.Plan{
		ID:                   s.genID.Generate(),
		Name:                 name,
		Slug:                 planSlug,
		Description:          strings.TrimSpace(req.Description),
		Price:                req.Price.Round(2),
		Currency:             currency,
		BillingInterval:      interval,
		BillingIntervalCount: intervalCount,
		TrialPeriodDays:      req.TrialPeriodDays,
		IsActive:             true,
		MaxSubscribers:       req.MaxSubscribers,
		SortOrder:            req.SortOrder,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if req.Features != nil {
		plan.Features = datatypes.JSONMap(req.Features)
	}

	if err := s.repo.Insert(ctx, s.db, &plan); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return plandomain.Plan{}, plandomain.ErrDuplicatePlan
		}
		return plandomain.Plan{}, err
	}

	s.log.Info("plan created",
		zap.String("plan_id", plan.ID.String()),
		zap.String("slug", plan.Slug),
		zap.String("price", plan.Price.StringFixed(2)),
	)
	return plan, nil
}

func (s *Service) Update(ctx context.Context, id string, req plandomain.UpdatePlanRequest) (plandomain.Plan, error) {
	plan, err := s.load(ctx, id)
	if err != nil {
		return plandomain.Plan{}, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return plandomain.Plan{}, plandomain.ErrInvalidPlanName
		}
		plan.Name = name
	}
	if req.Description != nil {
		plan.Description = strings.TrimSpace(*req.Description)
	}
	if req.Price != nil {
		if !req.Price.IsPositive() {
			return plandomain.Plan{}, plandomain.ErrInvalidPrice
		}
		plan.Price = req.Price.Round(2)
	}
	if req.TrialPeriodDays != nil {
		if *req.TrialPeriodDays < 0 {
			return plandomain.Plan{}, plandomain.ErrInvalidTrialDays
		}
		plan.TrialPeriodDays = *req.TrialPeriodDays
	}
	if req.Features != nil {
		plan.Features = datatypes.JSONMap(req.Features)
	}
	if req.IsActive != nil {
		plan.IsActive = *req.IsActive
	}
	if req.MaxSubscribers != nil {
		if *req.MaxSubscribers < 1 {
			return plandomain.Plan{}, plandomain.ErrInvalidMaxSubs
		}
		plan.MaxSubscribers = req.MaxSubscribers
	}
	if req.SortOrder != nil {
		plan.SortOrder = *req.SortOrder
	}

	plan.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, plan); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return plandomain.Plan{}, plandomain.ErrDuplicatePlan
		}
		return plandomain.Plan{}, err
	}
	return *plan, nil
}

func (s *Service) Deactivate(ctx context.Context, id string) (plandomain.Plan, error) {
	inactive := false
	return s.Update(ctx, id, plandomain.UpdatePlanRequest{IsActive: &inactive})
}

// Delete removes a plan from the catalog. Plans referenced by any
// subscription, terminal or not, are protected: the audit trail keeps
// pointing at them.
func (s *Service) Delete(ctx context.Context, id string) error {
	plan, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		referenced, err := s.repo.CountSubscriptions(ctx, tx, plan.ID)
		if err != nil {
			return err
		}
		if referenced > 0 {
			return plandomain.ErrPlanReferenced
		}
		if err := s.repo.Delete(ctx, tx, plan.ID); err != nil {
			if db.IsForeignKeyErr(err) {
				return plandomain.ErrPlanReferenced
			}
			return err
		}
		return nil
	})
}

func (s *Service) GetByID(ctx context.Context, id string) (plandomain.Plan, error) {
	plan, err := s.load(ctx, id)
	if err != nil {
		return plandomain.Plan{}, err
	}
	return *plan, nil
}

func (s *Service) GetBySlug(ctx context.Context, value string) (plandomain.Plan, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return plandomain.Plan{}, plandomain.ErrInvalidPlanID
	}
	plan, err := s.repo.FindBySlug(ctx, s.db, value)
	if err != nil {
		return plandomain.Plan{}, err
	}
	if plan == nil {
		return plandomain.Plan{}, plandomain.ErrPlanNotFound
	}
	return *plan, nil
}

func (s *Service) List(ctx context.Context, req plandomain.ListPlanRequest) ([]plandomain.Plan, error) {
	return s.repo.List(ctx, s.db, req.ActiveOnly)
}

func (s *Service) load(ctx context.Context, id string) (*plandomain.Plan, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || parsed == 0 {
		return nil, plandomain.ErrInvalidPlanID
	}
	plan, err := s.repo.FindByID(ctx, s.db, parsed)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	return plan, nil
}
