package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
	"github.com/smallbiznis/chama/internal/clock"
	"github.com/smallbiznis/chama/internal/config"
	"github.com/smallbiznis/chama/internal/lifecycle"
	"github.com/smallbiznis/chama/internal/lock"
	obscontext "github.com/smallbiznis/chama/internal/observability/context"
	obsmetrics "github.com/smallbiznis/chama/internal/observability/metrics"
	"github.com/smallbiznis/chama/internal/observability/tracing"
	"github.com/smallbiznis/chama/internal/onchain"
	"github.com/smallbiznis/chama/internal/payoutcycle"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const (
	lockReleaseTimeout = 5 * time.Second
	maxErrorLength     = 1024
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      chamadomain.Repository
	Starter   *lifecycle.Starter
	Processor *payoutcycle.Processor
	Locker    lock.Locker
	Rotation  *config.RotationConfigHolder
	Metrics   *obsmetrics.RotationMetrics `optional:"true"`
	Config    Config                      `optional:"true"`
}

// Scheduler is the batch driver. One RunOnce call advances every pending
// start and then settles every due payout, isolating chamas from each other.
type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	repo      chamadomain.Repository
	starter   *lifecycle.Starter
	processor *payoutcycle.Processor
	locker    lock.Locker
	rotation  *config.RotationConfigHolder
	metrics   *obsmetrics.RotationMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Repo == nil ||
		p.Starter == nil || p.Processor == nil || p.Locker == nil || p.Rotation == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		starter:   p.Starter,
		processor: p.Processor,
		locker:    p.Locker,
		rotation:  p.Rotation,
		metrics:   p.Metrics,
	}, nil
}

// handler runs one chama and reports the outcome label and transaction hash.
type handler func(ctx context.Context, chamaID snowflake.ID) (string, string, error)

// RunOnce is safe to call repeatedly. The returned error is set only when a
// job could not list its work; per-chama failures are in the summary.
func (s *Scheduler) RunOnce(parent context.Context) (BatchSummary, error) {
	runID := s.genID.Generate().String()
	ctx := obscontext.WithRunID(parent, runID)
	summary := BatchSummary{RunID: runID, StartedAt: s.clock.Now().UTC()}

	jobs := []struct {
		name string
		run  func(context.Context) (JobSummary, error)
	}{
		{obsmetrics.JobAdvanceStarts, s.AdvanceStartsJob},
		{obsmetrics.JobProcessPayouts, s.ProcessPayoutsJob},
	}

	var err error
	for _, job := range jobs {
		jobSummary, jobErr := s.runJob(ctx, job.name, s.cfg.JobTimeout, job.run)
		summary.Jobs = append(summary.Jobs, jobSummary)
		err = errors.Join(err, jobErr)
		if job.name == obsmetrics.JobAdvanceStarts {
			ctx = withStartedInRun(ctx, jobSummary)
		}
	}
	summary.FinishedAt = s.clock.Now().UTC()
	return summary, err
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) (JobSummary, error),
) (JobSummary, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, span := tracing.Start(ctx, "scheduler."+name)
	ctx, run, owner := s.ensureJobRun(ctx, name, s.rotation.Get().BatchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	s.metrics.IncJobRun(name)

	summary, err := fn(ctx)
	if summary.Job == "" {
		summary = newJobSummary(name, nil)
	}
	run.AddProcessed(summary.Processed)
	run.AddErrors(summary.Failed)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	tracing.End(span, err)
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return summary, nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return summary, nil
	}
	return summary, fmt.Errorf("%s: %w", name, err)
}

// AdvanceStartsJob starts every pending chama whose start date has passed.
func (s *Scheduler) AdvanceStartsJob(ctx context.Context) (JobSummary, error) {
	cfg := s.rotation.Get()
	chamas, err := s.repo.ListPendingStarts(ctx, s.db, s.clock.Now().UTC(), cfg.BatchSize)
	if err != nil {
		return newJobSummary(obsmetrics.JobAdvanceStarts, nil), err
	}
	return s.fanOut(ctx, obsmetrics.JobAdvanceStarts, cfg, chamas, s.startChama), nil
}

// ProcessPayoutsJob settles every started chama whose pay date has passed.
func (s *Scheduler) ProcessPayoutsJob(ctx context.Context) (JobSummary, error) {
	cfg := s.rotation.Get()
	chamas, err := s.repo.ListDuePayouts(ctx, s.db, s.clock.Now().UTC(), cfg.BatchSize)
	if err != nil {
		return newJobSummary(obsmetrics.JobProcessPayouts, nil), err
	}
	chamas = s.withoutStartedInRun(ctx, chamas)
	return s.fanOut(ctx, obsmetrics.JobProcessPayouts, cfg, chamas, s.settleChama), nil
}

type startedInRunKey struct{}

func withStartedInRun(ctx context.Context, starts JobSummary) context.Context {
	started := make(map[snowflake.ID]struct{}, len(starts.Items))
	for _, item := range starts.Items {
		if item.Outcome == obsmetrics.OutcomeStarted {
			started[item.ChamaID] = struct{}{}
		}
	}
	return context.WithValue(ctx, startedInRunKey{}, started)
}

// withoutStartedInRun drops chamas started earlier in the same run. Their
// first round is due on the start date, and members can only deposit once
// the order is on-chain, so round one settles on the next trigger.
func (s *Scheduler) withoutStartedInRun(ctx context.Context, chamas []chamadomain.Chama) []chamadomain.Chama {
	started, _ := ctx.Value(startedInRunKey{}).(map[snowflake.ID]struct{})
	if len(started) == 0 {
		return chamas
	}
	out := chamas[:0]
	for _, chama := range chamas {
		if _, ok := started[chama.ID]; ok {
			s.logger(ctx).Debug("scheduler.chama.deferred",
				zap.String("job", obsmetrics.JobProcessPayouts),
				zap.String("chama_id", chama.ID.String()),
			)
			continue
		}
		out = append(out, chama)
	}
	return out
}

func (s *Scheduler) startChama(ctx context.Context, chamaID snowflake.ID) (string, string, error) {
	result, err := s.starter.Start(ctx, chamaID)
	if err != nil {
		return "", "", err
	}
	if !result.Started {
		return obsmetrics.OutcomeSkipped, "", nil
	}
	return obsmetrics.OutcomeStarted, result.TxHash, nil
}

func (s *Scheduler) settleChama(ctx context.Context, chamaID snowflake.ID) (string, string, error) {
	result, err := s.processor.Process(ctx, chamaID)
	if err != nil {
		return "", "", err
	}
	switch result.Kind {
	case onchain.SettlementDisburse:
		return obsmetrics.OutcomeDisbursed, result.TxHash, nil
	case onchain.SettlementRefund:
		return obsmetrics.OutcomeRefunded, result.TxHash, nil
	default:
		return obsmetrics.OutcomeSkipped, "", nil
	}
}

// fanOut runs handle for every chama with bounded parallelism. Item errors
// are values in the result slice so the group never cancels siblings.
func (s *Scheduler) fanOut(ctx context.Context, job string, cfg config.RotationConfig, chamas []chamadomain.Chama, handle handler) JobSummary {
	results := make([]ItemResult, len(chamas))

	var g errgroup.Group
	g.SetLimit(cfg.Parallelism)
	for i, chama := range chamas {
		g.Go(func() error {
			results[i] = s.processItem(ctx, job, cfg, chama, handle)
			return nil
		})
	}
	_ = g.Wait()

	return newJobSummary(job, results)
}

func (s *Scheduler) processItem(ctx context.Context, job string, cfg config.RotationConfig, chama chamadomain.Chama, handle handler) (result ItemResult) {
	result = ItemResult{ChamaID: chama.ID, OnchainID: chama.OnchainID, Job: job}
	ctx = s.withLogContext(ctx, chama.ID)
	ctx, span := tracing.Start(ctx, "scheduler.chama",
		attribute.String("job", job),
		attribute.String("chama.id", chama.ID.String()),
		attribute.Int64("chama.onchain_id", chama.OnchainID),
	)
	defer func() { tracing.End(span, result.Err) }()

	key := lock.ChamaKey(chama.ID)
	token, acquired, err := s.locker.TryLock(ctx, key, cfg.LockTTL)
	if err != nil {
		s.fail(ctx, job, chama, &result, fmt.Errorf("acquire chama lock: %w", err))
		return result
	}
	if !acquired {
		result.Outcome = obsmetrics.OutcomeSkipped
		s.metrics.IncLockContention(job)
		s.metrics.IncOutcome(job, result.Outcome)
		s.logger(ctx).Info("scheduler.chama.locked",
			zap.String("job", job),
			zap.String("chama_id", chama.ID.String()),
		)
		return result
	}
	defer s.release(ctx, key, token)

	itemCtx, cancel := context.WithTimeout(ctx, cfg.ChamaTimeout)
	defer cancel()

	outcome, txHash, err := handle(itemCtx, chama.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.metrics.IncJobTimeout(job)
		}
		s.fail(ctx, job, chama, &result, err)
		return result
	}
	result.Outcome = outcome
	result.TxHash = txHash
	s.metrics.IncOutcome(job, outcome)
	return result
}

func (s *Scheduler) fail(ctx context.Context, job string, chama chamadomain.Chama, result *ItemResult, err error) {
	result.Outcome = obsmetrics.OutcomeFailed
	result.Operation = chamadomain.OperationOf(err)
	result.Error = err.Error()
	result.Err = err

	s.metrics.IncOutcome(job, obsmetrics.OutcomeFailed)
	s.metrics.IncJobError(job, err)
	s.logSchedulerError(ctx, "scheduler.chama.process.failed", job, chama, err)
	s.recordChamaError(ctx, chama.ID, err)
}

// recordChamaError keeps the last failure on the chama row for operators.
// It runs detached so an expired per-chama deadline still gets recorded.
func (s *Scheduler) recordChamaError(ctx context.Context, chamaID snowflake.ID, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()

	message := err.Error()
	if len(message) > maxErrorLength {
		message = message[:maxErrorLength]
	}
	if recErr := s.repo.RecordError(ctx, s.db, chamaID, message, s.clock.Now().UTC()); recErr != nil {
		s.logger(ctx).Warn("failed to record chama error",
			zap.String("chama_id", chamaID.String()),
			zap.Error(recErr),
		)
	}
}

func (s *Scheduler) release(ctx context.Context, key, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()
	if err := s.locker.Release(ctx, key, token); err != nil {
		s.logger(ctx).Warn("failed to release chama lock",
			zap.String("lock_key", key),
			zap.Error(err),
		)
	}
}
