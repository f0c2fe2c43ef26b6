// Command tick runs a single rotation pass and exits. It is meant for
// platform schedulers that launch a process per run instead of calling
// the HTTP trigger. Exit status is 1 when the pass could not list its
// work or any chama failed.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/chama/internal/chama"
	"github.com/smallbiznis/chama/internal/clock"
	"github.com/smallbiznis/chama/internal/config"
	"github.com/smallbiznis/chama/internal/custody"
	"github.com/smallbiznis/chama/internal/lifecycle"
	"github.com/smallbiznis/chama/internal/lock"
	"github.com/smallbiznis/chama/internal/metricspush"
	"github.com/smallbiznis/chama/internal/migration"
	"github.com/smallbiznis/chama/internal/notification"
	"github.com/smallbiznis/chama/internal/observability"
	obscontext "github.com/smallbiznis/chama/internal/observability/context"
	obsmetrics "github.com/smallbiznis/chama/internal/observability/metrics"
	"github.com/smallbiznis/chama/internal/onchain"
	"github.com/smallbiznis/chama/internal/payoutcycle"
	"github.com/smallbiznis/chama/internal/scheduler"
	"github.com/smallbiznis/chama/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lifecycleTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		sched  *scheduler.Scheduler
		pusher metricspush.Pusher
		log    *zap.Logger
	)

	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,

		custody.Module,
		onchain.Module,
		notification.Module,
		chama.Module,
		lifecycle.Module,
		payoutcycle.Module,
		scheduler.Module,

		fx.Provide(metricspush.NewPusher),
		fx.Populate(&sched, &pusher, &log),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		// fx has not handed out a logger yet.
		fmt.Fprintf(os.Stderr, "tick: start failed: %v\n", err)
		return 1
	}

	code := runPass(sched, pusher, log)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		log.Warn("tick: stop failed", zap.Error(err))
	}
	return code
}

func runPass(sched *scheduler.Scheduler, pusher metricspush.Pusher, log *zap.Logger) int {
	ctx := obscontext.WithActor(context.Background(), "system", "tick")

	summary, err := sched.RunOnce(ctx)
	if pusher != nil {
		if pushErr := pusher.Push(ctx, prometheus.DefaultGatherer); pushErr != nil {
			log.Warn("tick: metrics push failed", zap.Error(pushErr))
		}
	}
	if err != nil {
		log.Error("tick: rotation pass failed", zap.String("run_id", summary.RunID), zap.Error(err))
		return 1
	}

	log.Info("tick: rotation pass finished", summaryFields(summary)...)
	if summary.Failed() > 0 {
		return 1
	}
	return 0
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

func summaryFields(summary scheduler.BatchSummary) []zap.Field {
	starts := summary.Job(obsmetrics.JobAdvanceStarts)
	payouts := summary.Job(obsmetrics.JobProcessPayouts)
	return []zap.Field{
		zap.String("run_id", summary.RunID),
		zap.Int("started", starts.Outcomes[obsmetrics.OutcomeStarted]),
		zap.Int("disbursed", payouts.Outcomes[obsmetrics.OutcomeDisbursed]),
		zap.Int("refunded", payouts.Outcomes[obsmetrics.OutcomeRefunded]),
		zap.Int("failed", summary.Failed()),
	}
}
