package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/costplane/costplane/internal/clock"
	"github.com/costplane/costplane/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidSchedule  = errors.New("invalid_schedule")
	ErrInvalidInterval  = errors.New("invalid_interval")
	ErrScheduleNotFound = errors.New("schedule_not_found")
)

// Intervals are bounded to one sweep per hour at most and one per week at
// least.
const (
	minIntervalHours = 1
	maxIntervalHours = 168
)

type StoreParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	GenID *snowflake.Node
}

// Store manages the scheduled_pipelines rows the sweep claims from. All
// reads and writes are scoped to the organization in context.
type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	genID *snowflake.Node
}

func NewStore(p StoreParams) *Store {
	return &Store{
		db:    p.DB,
		log:   p.Log.Named("scheduler.store"),
		clock: p.Clock,
		genID: p.GenID,
	}
}

type CreateScheduleRequest struct {
	PipelineID    string `json:"pipeline_id"`
	Provider      string `json:"provider"`
	CredentialID  string `json:"credential_id"`
	IntervalHours int    `json:"interval_hours"`
}

type ScheduleResponse struct {
	ID            string    `json:"id"`
	PipelineID    string    `json:"pipeline_id"`
	Provider      string    `json:"provider"`
	CredentialID  string    `json:"credential_id,omitempty"`
	IntervalHours int       `json:"interval_hours"`
	NextRunAt     time.Time `json:"next_run_at"`
	Enabled       bool      `json:"enabled"`
	LastRunID     string    `json:"last_run_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Store) Create(ctx context.Context, req CreateScheduleRequest) (*ScheduleResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, ErrInvalidSchedule
	}
	orgSlug, ok := orgcontext.OrgSlugFromContext(ctx)
	if !ok {
		return nil, ErrInvalidSchedule
	}

	pipelineID := strings.TrimSpace(req.PipelineID)
	provider := strings.TrimSpace(req.Provider)
	if pipelineID == "" || provider == "" {
		return nil, ErrInvalidSchedule
	}
	if req.IntervalHours < minIntervalHours || req.IntervalHours > maxIntervalHours {
		return nil, ErrInvalidInterval
	}

	now := s.clock.Now().UTC()
	sp := ScheduledPipeline{
		ID:            s.genID.Generate(),
		OrgID:         orgID,
		OrgSlug:       orgSlug,
		PipelineID:    pipelineID,
		Provider:      provider,
		IntervalHours: req.IntervalHours,
		NextRunAt:     now,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if credID := strings.TrimSpace(req.CredentialID); credID != "" {
		sp.CredentialID = &credID
	}

	if err := s.db.WithContext(ctx).Create(&sp).Error; err != nil {
		return nil, err
	}

	s.log.Info("schedule created",
		zap.String("org_slug", orgSlug),
		zap.String("schedule_id", sp.ID.String()),
		zap.String("pipeline_id", pipelineID),
		zap.Int("interval_hours", req.IntervalHours),
	)

	resp := toScheduleResponse(&sp)
	return &resp, nil
}

func (s *Store) List(ctx context.Context) ([]ScheduleResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, ErrInvalidSchedule
	}

	var rows []ScheduledPipeline
	if err := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	resp := make([]ScheduleResponse, 0, len(rows))
	for i := range rows {
		resp = append(resp, toScheduleResponse(&rows[i]))
	}
	return resp, nil
}

// SetEnabled flips a schedule on or off. Re-enabling pushes next_run_at
// forward so a long-disabled schedule does not fire a backlog immediately.
func (s *Store) SetEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return ErrInvalidSchedule
	}
	id, err := snowflake.ParseString(strings.TrimSpace(scheduleID))
	if err != nil || id == 0 {
		return ErrScheduleNotFound
	}

	now := s.clock.Now().UTC()
	updates := map[string]any{
		"enabled":    enabled,
		"updated_at": now,
	}
	if enabled {
		updates["next_run_at"] = now
	}

	result := s.db.WithContext(ctx).
		Model(&ScheduledPipeline{}).
		Where("id = ? AND org_id = ?", id, orgID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, scheduleID string) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return ErrInvalidSchedule
	}
	id, err := snowflake.ParseString(strings.TrimSpace(scheduleID))
	if err != nil || id == 0 {
		return ErrScheduleNotFound
	}

	result := s.db.WithContext(ctx).
		Where("id = ? AND org_id = ?", id, orgID).
		Delete(&ScheduledPipeline{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func toScheduleResponse(sp *ScheduledPipeline) ScheduleResponse {
	resp := ScheduleResponse{
		ID:            sp.ID.String(),
		PipelineID:    sp.PipelineID,
		Provider:      sp.Provider,
		IntervalHours: sp.IntervalHours,
		NextRunAt:     sp.NextRunAt,
		Enabled:       sp.Enabled,
		CreatedAt:     sp.CreatedAt,
	}
	if sp.CredentialID != nil {
		resp.CredentialID = *sp.CredentialID
	}
	if sp.LastRunID != nil {
		resp.LastRunID = *sp.LastRunID
	}
	return resp
}
