package main

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/kartpay/billing/internal/billing"
	"github.com/kartpay/billing/internal/clock"
	"github.com/kartpay/billing/internal/config"
	"github.com/kartpay/billing/internal/events"
	"github.com/kartpay/billing/internal/gateway/iyzico"
	"github.com/kartpay/billing/internal/ledger"
	"github.com/kartpay/billing/internal/locks"
	"github.com/kartpay/billing/internal/plan"
	"github.com/kartpay/billing/internal/scheduler"
	"github.com/kartpay/billing/internal/subscription"
	"github.com/kartpay/billing/pkg/db"
	"github.com/kartpay/billing/pkg/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		events.Module,
		locks.Module,
		iyzico.Module,
		plan.Module,
		subscription.Module,
		ledger.Module,
		billing.Module,
		scheduler.Module,

		fx.Invoke(scheduler.Run),
		fx.Invoke(serveMetrics),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func serveMetrics(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Warn("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
