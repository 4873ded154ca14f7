// Package db opens the gorm connection and migrates the billing schema.
package db

import (
	"time"

	"github.com/kartpay/billing/internal/config"
	ledgerdomain "github.com/kartpay/billing/internal/ledger/domain"
	plandomain "github.com/kartpay/billing/internal/plan/domain"
	subscriptiondomain "github.com/kartpay/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var Module = fx.Module("db",
	fx.Provide(Open),
	fx.Invoke(Migrate),
)

func Open(cfg config.Config) (*gorm.DB, error) {
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConn)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConn)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetime) * time.Second)

	return gdb, nil
}

// Migrate applies the billing schema. The unique attempt tuple on the
// ledger and the period check on subscriptions are schema invariants, not
// application-level checks, so they live in the model tags.
func Migrate(gdb *gorm.DB, log *zap.Logger) error {
	if err := gdb.AutoMigrate(
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&ledgerdomain.SubscriptionPayment{},
	); err != nil {
		log.Error("schema migration failed", zap.Error(err))
		return err
	}
	return nil
}
