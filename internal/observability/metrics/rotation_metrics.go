package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	chamadomain "github.com/smallbiznis/chama/internal/chama/domain"
	"gorm.io/gorm"
)

const (
	ErrorTypeDeadlineExceeded = "deadline_exceeded"
	ErrorTypeConfiguration    = "configuration"
	ErrorTypeDataIntegrity    = "data_integrity"
	ErrorTypeChainExecution   = "chain_execution"
	ErrorTypePersistence      = "persistence"
	ErrorTypeDB               = "db"
	ErrorTypeUnknown          = "unknown"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonConcurrentUpdate     = "concurrent_update"
	JobReasonNoSettlementEvent    = "no_settlement_event"
	JobReasonOrderMismatch        = "payout_order_mismatch"
	JobReasonRecipientNotFound    = "recipient_not_found"
	JobReasonChainTimeout         = "chain_timeout"
	JobReasonChainReverted        = "chain_reverted"
	JobReasonUnknown              = "unknown"
)

// Per-chama outcomes of one batch pass.
const (
	OutcomeStarted   = "started"
	OutcomeDisbursed = "disbursed"
	OutcomeRefunded  = "refunded"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// RotationMetrics captures batch driver health and rotation outcomes.
type RotationMetrics struct {
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobTimeouts       *prometheus.CounterVec
	jobErrors         *prometheus.CounterVec
	chamasProcessed   *prometheus.CounterVec
	lockContention    *prometheus.CounterVec
	divergence        *prometheus.CounterVec
	chainCallDuration *prometheus.HistogramVec
	chainCallErrors   *prometheus.CounterVec
	outcomeCounters   map[string]map[string]prometheus.Counter
}

var (
	rotationMetricsOnce sync.Once
	rotationMetrics     *RotationMetrics
)

// Rotation returns the singleton rotation metrics registry.
func Rotation() *RotationMetrics {
	return RotationWithConfig(Config{})
}

// RotationWithConfig returns the singleton using config labels on first use.
func RotationWithConfig(cfg Config) *RotationMetrics {
	rotationMetricsOnce.Do(func() {
		rotationMetrics = newRotationMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return rotationMetrics
}

// ResetRotationMetricsForTest resets the singleton for tests.
func ResetRotationMetricsForTest() {
	rotationMetricsOnce = sync.Once{}
	rotationMetrics = nil
}

func newRotationMetrics(registerer prometheus.Registerer, cfg Config) *RotationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "chama"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "chama_rotation_job_runs_total",
		Help:        "Rotation batch job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "chama_rotation_job_duration_seconds",
		Help:        "Rotation batch job latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "chama_rotation_job_timeouts_total",
		Help:        "Rotation batch jobs that hit their deadline.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "chama_rotation_job_errors_total",
		Help:        "Rotation errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	chamasProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "chama_rotation_chamas_processed_total",
		Help:        "Chamas handled by the batch driver by outcome.",
		ConstLabels: constLabels,
	}, []string{"job", "outcome"})
	lockContention := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "chama_rotation_lock_contention_total",
		Help:        "Per-chama locks that were already held by another trigger.",
		ConstLabels: constLabels,
	}, []string{"job"})
	divergence := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "chama_rotation_persistence_divergence_total",
		Help:        "Confirmed on-chain effects that could not be persisted.",
		ConstLabels: constLabels,
	}, []string{"operation"})
	chainCallDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "chama_chain_call_duration_seconds",
		Help:        "Latency from submission to confirmed receipt.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
		ConstLabels: constLabels,
	}, []string{"method"})
	chainCallErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "chama_chain_call_errors_total",
		Help:        "Failed chain calls by method and reason.",
		ConstLabels: constLabels,
	}, []string{"method", "reason"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		chamasProcessed,
		lockContention,
		divergence,
		chainCallDuration,
		chainCallErrors,
	)

	outcomeCounters := map[string]map[string]prometheus.Counter{}
	for _, job := range []string{JobAdvanceStarts, JobProcessPayouts} {
		counters := map[string]prometheus.Counter{}
		for _, outcome := range []string{OutcomeStarted, OutcomeDisbursed, OutcomeRefunded, OutcomeSkipped, OutcomeFailed} {
			counters[outcome] = chamasProcessed.WithLabelValues(job, outcome)
		}
		outcomeCounters[job] = counters
	}

	return &RotationMetrics{
		jobRuns:           jobRuns,
		jobDuration:       jobDuration,
		jobTimeouts:       jobTimeouts,
		jobErrors:         jobErrors,
		chamasProcessed:   chamasProcessed,
		lockContention:    lockContention,
		divergence:        divergence,
		chainCallDuration: chainCallDuration,
		chainCallErrors:   chainCallErrors,
		outcomeCounters:   outcomeCounters,
	}
}

// Batch job names.
const (
	JobAdvanceStarts  = "advance_starts"
	JobProcessPayouts = "process_payouts"
)

func (m *RotationMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *RotationMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *RotationMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError counts err under its classified reason.
func (m *RotationMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

// IncOutcome counts one chama handled by job.
func (m *RotationMetrics) IncOutcome(job, outcome string) {
	if m == nil {
		return
	}
	if counters, ok := m.outcomeCounters[job]; ok {
		if counter, ok := counters[outcome]; ok {
			counter.Inc()
			return
		}
	}
	m.chamasProcessed.WithLabelValues(job, outcome).Inc()
}

func (m *RotationMetrics) IncLockContention(job string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(job).Inc()
}

// IncDivergence counts a chain effect the state store failed to record.
func (m *RotationMetrics) IncDivergence(operation string) {
	if m == nil {
		return
	}
	m.divergence.WithLabelValues(operation).Inc()
}

// ObserveChainCall records a chain call latency and, on failure, its reason.
func (m *RotationMetrics) ObserveChainCall(method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.chainCallDuration.WithLabelValues(method).Observe(duration.Seconds())
	if err != nil {
		m.chainCallErrors.WithLabelValues(method, ClassifyJobReason(err)).Inc()
	}
}

// ClassifyErrorType returns the error kind label used in logs.
func ClassifyErrorType(err error) string {
	switch {
	case err == nil:
		return ErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return ErrorTypeDeadlineExceeded
	case errors.Is(err, chamadomain.ErrConfiguration):
		return ErrorTypeConfiguration
	case errors.Is(err, chamadomain.ErrDataIntegrity):
		return ErrorTypeDataIntegrity
	case errors.Is(err, chamadomain.ErrChainExecution):
		return ErrorTypeChainExecution
	case errors.Is(err, chamadomain.ErrPersistence):
		return ErrorTypePersistence
	case isDBError(err):
		return ErrorTypeDB
	default:
		return ErrorTypeUnknown
	}
}

// IsRetryable reports whether the next tick may succeed without operator
// action. Configuration and integrity failures need a human.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, chamadomain.ErrConfiguration) || errors.Is(err, chamadomain.ErrDataIntegrity) {
		return false
	}
	if errors.Is(err, chamadomain.ErrTransactionReverted) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, chamadomain.ErrChainExecution) ||
		errors.Is(err, chamadomain.ErrPersistence) ||
		errors.Is(err, chamadomain.ErrConcurrentUpdate) {
		return true
	}
	return isDBError(err)
}

// ClassifyJobReason maps errors to low-cardinality metric reasons.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return JobReasonUnknown
	case errors.Is(err, chamadomain.ErrConfirmationTimeout):
		return JobReasonChainTimeout
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return JobReasonDeadlineExceeded
	case errors.Is(err, chamadomain.ErrTransactionReverted):
		return JobReasonChainReverted
	case errors.Is(err, chamadomain.ErrConcurrentUpdate):
		return JobReasonConcurrentUpdate
	case errors.Is(err, chamadomain.ErrNoSettlementEvent):
		return JobReasonNoSettlementEvent
	case errors.Is(err, chamadomain.ErrPayoutOrderMismatch):
		return JobReasonOrderMismatch
	case errors.Is(err, chamadomain.ErrRecipientNotFound):
		return JobReasonRecipientNotFound
	case hasPGCode(err, "55P03"):
		return JobReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return JobReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505"):
		return JobReasonUniqueViolation
	default:
		return JobReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
