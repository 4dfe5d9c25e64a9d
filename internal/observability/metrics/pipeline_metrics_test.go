package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyRunErrorType(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil",
			err:  nil,
			want: PipelineErrorTypeUnknown,
		},
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: PipelineErrorTypeDeadlineExceeded,
		},
		{
			name: "wrapped_deadline",
			err:  fmt.Errorf("stage consolidate_usage: %w", context.DeadlineExceeded),
			want: PipelineErrorTypeDeadlineExceeded,
		},
		{
			name: "pg_error",
			err:  &pgconn.PgError{Code: "40001"},
			want: PipelineErrorTypeDB,
		},
		{
			name: "duplicated_key",
			err:  gorm.ErrDuplicatedKey,
			want: PipelineErrorTypeDB,
		},
		{
			name: "record_not_found_is_not_db",
			err:  gorm.ErrRecordNotFound,
			want: PipelineErrorTypeStage,
		},
		{
			name: "stage",
			err:  errors.New("boom"),
			want: PipelineErrorTypeStage,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyRunErrorType(tc.err); got != tc.want {
				t.Fatalf("expected type %q, got %q", tc.want, got)
			}
		})
	}
}

func TestPipelineMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newPipelineMetrics(registry)

	m.IncRunStarted("genai.unified.consolidate", "manual")
	m.IncRunStarted("genai.unified.consolidate", "manual")
	m.IncQuotaRejected("daily")
	m.IncQuotaRejected("")

	started := testutil.ToFloat64(m.runsStarted.WithLabelValues("genai.unified.consolidate", "manual"))
	if started != 2 {
		t.Fatalf("expected 2 started runs, got %v", started)
	}
	rejected := testutil.ToFloat64(m.quotaRejected.WithLabelValues("unknown"))
	if rejected != 1 {
		t.Fatalf("expected empty limit type to normalize to unknown, got %v", rejected)
	}
}
