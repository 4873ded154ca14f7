// Package server exposes the plan catalog and subscription lifecycle
// operations over a thin JSON API.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kartpay/billing/internal/billing"
	billingdomain "github.com/kartpay/billing/internal/billing/domain"
	"github.com/kartpay/billing/internal/config"
	"github.com/kartpay/billing/internal/events"
	"github.com/kartpay/billing/internal/gateway/iyzico"
	"github.com/kartpay/billing/internal/ledger"
	"github.com/kartpay/billing/internal/locks"
	"github.com/kartpay/billing/internal/plan"
	plandomain "github.com/kartpay/billing/internal/plan/domain"
	"github.com/kartpay/billing/internal/subscription"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	events.Module,
	locks.Module,
	iyzico.Module,
	plan.Module,
	subscription.Module,
	ledger.Module,
	billing.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	planSvc    plandomain.Service
	billingSvc billingdomain.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	PlanSvc    plandomain.Service
	BillingSvc billingdomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		planSvc:    p.PlanSvc,
		billingSvc: p.BillingSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	plans := v1.Group("/plans")
	plans.POST("", s.CreatePlan)
	plans.GET("", s.ListPlans)
	plans.GET("/:id", s.GetPlan)
	plans.PATCH("/:id", s.UpdatePlan)
	plans.POST("/:id/deactivate", s.DeactivatePlan)
	plans.DELETE("/:id", s.DeletePlan)

	subs := v1.Group("/subscriptions")
	subs.POST("", s.CreateSubscription)
	subs.GET("/:id", s.GetSubscription)
	subs.GET("/:id/payments", s.ListSubscriptionPayments)
	subs.POST("/:id/bill", s.BillSubscription)
	subs.POST("/:id/cancel", s.CancelSubscription)
	subs.POST("/:id/pause", s.PauseSubscription)
	subs.POST("/:id/resume", s.ResumeSubscription)
	subs.POST("/:id/upgrade", s.UpgradeSubscription)
	subs.POST("/:id/downgrade", s.DowngradeSubscription)

	users := v1.Group("/users")
	users.GET("/:id/subscriptions", s.ListUserSubscriptions)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
