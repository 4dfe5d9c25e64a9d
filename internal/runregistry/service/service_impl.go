package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/costplane/costplane/internal/orgcontext"
	registrydomain "github.com/costplane/costplane/internal/runregistry/domain"
	"github.com/costplane/costplane/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  registrydomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  registrydomain.Repository
}

func New(p Params) registrydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("runregistry.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, run *registrydomain.PipelineRun) error {
	if run == nil || run.RunID == "" || run.OrgID == 0 || run.PipelineID == "" {
		return registrydomain.ErrInvalidRun
	}
	if run.ID == 0 {
		run.ID = s.genID.Generate()
	}
	run.Status = registrydomain.StatusPending
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.CreatedAt = run.StartedAt
	run.UpdatedAt = run.StartedAt
	return s.repo.Insert(ctx, s.db, run)
}

func (s *Service) MarkRunning(ctx context.Context, runID string) error {
	affected, err := s.repo.MarkRunning(ctx, s.db, runID)
	if err != nil {
		return err
	}
	if affected == 0 {
		run, err := s.repo.FindByRunID(ctx, s.db, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return registrydomain.ErrRunNotFound
		}
		return registrydomain.ErrRunFinalized
	}
	return nil
}

func (s *Service) AppendStep(ctx context.Context, runID string, step registrydomain.PipelineRunStep) error {
	if runID == "" || step.StepName == "" {
		return registrydomain.ErrInvalidRun
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := s.repo.FindByRunID(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return registrydomain.ErrRunNotFound
		}
		if registrydomain.Terminal(run.Status) {
			return registrydomain.ErrRunFinalized
		}

		if step.Seq == 0 {
			seq, err := s.repo.NextSeq(ctx, tx, runID)
			if err != nil {
				return err
			}
			step.Seq = seq
		}
		step.ID = s.genID.Generate()
		step.RunID = runID
		return s.repo.InsertStep(ctx, tx, &step)
	})
}

func (s *Service) Finalize(ctx context.Context, runID, status string, errorMessage string) error {
	if status != registrydomain.StatusCompleted && status != registrydomain.StatusFailed {
		return registrydomain.ErrInvalidStatus
	}

	var msg *string
	if trimmed := strings.TrimSpace(errorMessage); trimmed != "" {
		msg = &trimmed
	}

	affected, err := s.repo.Finalize(ctx, s.db, runID, status, msg)
	if err != nil {
		return err
	}
	if affected == 0 {
		run, err := s.repo.FindByRunID(ctx, s.db, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return registrydomain.ErrRunNotFound
		}
		return registrydomain.ErrRunFinalized
	}

	s.log.Info("run finalized",
		zap.String("run_id", runID),
		zap.String("status", status),
	)
	return nil
}

func (s *Service) Get(ctx context.Context, runID string) (*registrydomain.RunDetail, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, registrydomain.ErrInvalidOrganization
	}

	detail, err := s.get(ctx, runID)
	if err != nil {
		return nil, err
	}
	// Org scoping: a foreign run is indistinguishable from a missing one.
	if detail.orgID != orgID {
		return nil, registrydomain.ErrRunNotFound
	}
	return &detail.RunDetail, nil
}

func (s *Service) AdminGet(ctx context.Context, runID string) (*registrydomain.RunDetail, error) {
	detail, err := s.get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &detail.RunDetail, nil
}

type scopedDetail struct {
	registrydomain.RunDetail
	orgID snowflake.ID
}

func (s *Service) get(ctx context.Context, runID string) (*scopedDetail, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, registrydomain.ErrInvalidRun
	}

	run, err := s.repo.FindByRunID(ctx, s.db, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, registrydomain.ErrRunNotFound
	}

	steps, err := s.repo.ListSteps(ctx, s.db, runID)
	if err != nil {
		return nil, err
	}

	detail := &scopedDetail{orgID: run.OrgID}
	detail.Run = toSummary(run)
	detail.Steps = make([]registrydomain.StepLogSummary, 0, len(steps))
	for i := range steps {
		detail.Steps = append(detail.Steps, toStepSummary(&steps[i]))
	}
	return detail, nil
}

func (s *Service) List(ctx context.Context, req registrydomain.ListRequest) (*registrydomain.ListResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, registrydomain.ErrInvalidOrganization
	}
	return s.list(ctx, orgID, req)
}

func (s *Service) AdminList(ctx context.Context, req registrydomain.ListRequest) (*registrydomain.ListResponse, error) {
	return s.list(ctx, 0, req)
}

func (s *Service) list(ctx context.Context, orgID snowflake.ID, req registrydomain.ListRequest) (*registrydomain.ListResponse, error) {
	limit := req.Pagination.PageSize
	if limit <= 0 {
		limit = 20
	}
	if limit > 250 {
		limit = 250
	}

	filter := registrydomain.ListFilter{
		OrgID:      orgID,
		Status:     strings.TrimSpace(req.Status),
		PipelineID: strings.TrimSpace(req.PipelineID),
		Limit:      limit + 1,
	}
	if token := strings.TrimSpace(req.Pagination.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, registrydomain.ErrInvalidRun
		}
		beforeID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, registrydomain.ErrInvalidRun
		}
		filter.BeforeStartedAt = cursor.StartedAt
		filter.BeforeID = beforeID
	}

	runs, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}

	pageInfo, trimmed := pagination.BuildCursorPageInfo(runs, limit, func(run *registrydomain.PipelineRun) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        run.ID.String(),
			StartedAt: run.StartedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	resp := &registrydomain.ListResponse{
		Runs:     make([]registrydomain.RunSummary, 0, len(trimmed)),
		PageInfo: pageInfo,
	}
	for _, run := range trimmed {
		resp.Runs = append(resp.Runs, toSummary(run))
	}
	return resp, nil
}

func toSummary(run *registrydomain.PipelineRun) registrydomain.RunSummary {
	summary := registrydomain.RunSummary{
		RunID:       run.RunID,
		PipelineID:  run.PipelineID,
		OrgSlug:     run.OrgSlug,
		Provider:    run.Provider,
		TargetDate:  run.TargetDate,
		TriggerType: run.TriggerType,
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	if run.CredentialID != nil {
		summary.CredentialID = *run.CredentialID
	}
	if run.ErrorMessage != nil {
		summary.ErrorMessage = *run.ErrorMessage
	}
	return summary
}

func toStepSummary(step *registrydomain.PipelineRunStep) registrydomain.StepLogSummary {
	summary := registrydomain.StepLogSummary{
		Seq:           step.Seq,
		StepName:      step.StepName,
		StepType:      step.StepType,
		Status:        step.Status,
		RowsProcessed: step.RowsProcessed,
		DurationMs:    step.DurationMs,
		StartedAt:     step.StartedAt,
		CompletedAt:   step.CompletedAt,
	}
	if step.ErrorMessage != nil {
		summary.ErrorMessage = *step.ErrorMessage
	}
	return summary
}
