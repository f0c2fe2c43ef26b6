package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chama/internal/chama"
	"github.com/smallbiznis/chama/internal/clock"
	"github.com/smallbiznis/chama/internal/config"
	"github.com/smallbiznis/chama/internal/contribution"
	"github.com/smallbiznis/chama/internal/custody"
	"github.com/smallbiznis/chama/internal/lifecycle"
	"github.com/smallbiznis/chama/internal/lock"
	"github.com/smallbiznis/chama/internal/migration"
	"github.com/smallbiznis/chama/internal/notification"
	"github.com/smallbiznis/chama/internal/observability"
	"github.com/smallbiznis/chama/internal/onchain"
	"github.com/smallbiznis/chama/internal/payoutcycle"
	"github.com/smallbiznis/chama/internal/scheduler"
	"github.com/smallbiznis/chama/internal/seed"
	"github.com/smallbiznis/chama/internal/server"
	"github.com/smallbiznis/chama/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,

		// Functional Domains
		custody.Module,
		onchain.Module,
		notification.Module,
		chama.Module,
		lifecycle.Module,
		payoutcycle.Module,
		contribution.Module,
		scheduler.Module,
		seed.Module,

		// The rotation pass is driven by POST /internal/cron/rotation.
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
