package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	PipelineErrorTypeDeadlineExceeded = "deadline_exceeded"
	PipelineErrorTypeQuota            = "quota"
	PipelineErrorTypeCredential       = "credential"
	PipelineErrorTypeStage            = "stage"
	PipelineErrorTypeDB               = "db"
	PipelineErrorTypeUnknown          = "unknown"
)

// PipelineMetrics captures consolidation pipeline health signals.
type PipelineMetrics struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runErrors     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageRows     *prometheus.CounterVec
	quotaRejected *prometheus.CounterVec
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	if pipelineMetrics != nil {
		prometheus.DefaultRegisterer.Unregister(pipelineMetrics.runsStarted)
		prometheus.DefaultRegisterer.Unregister(pipelineMetrics.runsCompleted)
		prometheus.DefaultRegisterer.Unregister(pipelineMetrics.runErrors)
		prometheus.DefaultRegisterer.Unregister(pipelineMetrics.stageDuration)
		prometheus.DefaultRegisterer.Unregister(pipelineMetrics.stageRows)
		prometheus.DefaultRegisterer.Unregister(pipelineMetrics.quotaRejected)
	}
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

func newPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &PipelineMetrics{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "costplane_pipeline_runs_started_total",
			Help: "Pipeline runs started by pipeline and trigger type.",
		}, []string{"pipeline_id", "trigger_type"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "costplane_pipeline_runs_completed_total",
			Help: "Pipeline runs reaching a terminal status.",
		}, []string{"pipeline_id", "status"}),
		runErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "costplane_pipeline_run_errors_total",
			Help: "Pipeline run failures by error type.",
		}, []string{"pipeline_id", "error_type"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "costplane_pipeline_stage_duration_seconds",
			Help:    "Stage execution latency by pipeline and stage.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"pipeline_id", "stage"}),
		stageRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "costplane_pipeline_stage_rows_total",
			Help: "Rows written by stage.",
		}, []string{"pipeline_id", "stage"}),
		quotaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "costplane_quota_rejected_total",
			Help: "Submissions rejected by the quota ledger, by limit type.",
		}, []string{"limit_type"}),
	}

	registerer.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runErrors,
		m.stageDuration,
		m.stageRows,
		m.quotaRejected,
	)
	return m
}

func (m *PipelineMetrics) IncRunStarted(pipelineID, triggerType string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(normalize(pipelineID), normalize(triggerType)).Inc()
}

func (m *PipelineMetrics) IncRunCompleted(pipelineID, status string) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(normalize(pipelineID), normalize(status)).Inc()
}

func (m *PipelineMetrics) IncRunError(pipelineID, errorType string) {
	if m == nil {
		return
	}
	m.runErrors.WithLabelValues(normalize(pipelineID), normalize(errorType)).Inc()
}

func (m *PipelineMetrics) ObserveStage(pipelineID, stage string, d time.Duration, rows int64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(normalize(pipelineID), normalize(stage)).Observe(d.Seconds())
	if rows > 0 {
		m.stageRows.WithLabelValues(normalize(pipelineID), normalize(stage)).Add(float64(rows))
	}
}

func (m *PipelineMetrics) IncQuotaRejected(limitType string) {
	if m == nil {
		return
	}
	m.quotaRejected.WithLabelValues(normalize(limitType)).Inc()
}

// ClassifyRunErrorType maps run errors to low-cardinality error types.
func ClassifyRunErrorType(err error) string {
	if err == nil {
		return PipelineErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return PipelineErrorTypeDeadlineExceeded
	}
	if isDBError(err) {
		return PipelineErrorTypeDB
	}
	return PipelineErrorTypeStage
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

func normalize(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "unknown"
	}
	return label
}
