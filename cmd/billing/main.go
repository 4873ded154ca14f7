// The billing monolith: HTTP API and scheduler in one process.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/kartpay/billing/internal/clock"
	"github.com/kartpay/billing/internal/config"
	"github.com/kartpay/billing/internal/scheduler"
	"github.com/kartpay/billing/internal/server"
	"github.com/kartpay/billing/pkg/db"
	"github.com/kartpay/billing/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		server.Module,
		scheduler.Module,
		fx.Invoke(scheduler.Run),
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
