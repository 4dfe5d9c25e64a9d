package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/costplane/costplane/internal/clock"
	"github.com/costplane/costplane/internal/config"
	"github.com/costplane/costplane/internal/consolidation"
	consdomain "github.com/costplane/costplane/internal/consolidation/domain"
	credentialdomain "github.com/costplane/costplane/internal/credential/domain"
	"github.com/costplane/costplane/internal/observability/metrics"
	orchdomain "github.com/costplane/costplane/internal/orchestrator/domain"
	orgdomain "github.com/costplane/costplane/internal/organization/domain"
	"github.com/costplane/costplane/internal/orgcontext"
	quotadomain "github.com/costplane/costplane/internal/quota/domain"
	registrydomain "github.com/costplane/costplane/internal/runregistry/domain"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const targetDateLayout = "2006-01-02"

type Params struct {
	fx.In

	Config      config.Config
	Log         *zap.Logger
	Clock       clock.Clock
	Orgs        orgdomain.Service
	Quota       quotadomain.Service
	Credentials credentialdomain.Service
	Registry    registrydomain.Service
	Catalog     *consolidation.Catalog
	Engine      consdomain.Engine
}

type Service struct {
	cfg         config.Config
	log         *zap.Logger
	clock       clock.Clock
	orgs        orgdomain.Service
	quota       quotadomain.Service
	credentials credentialdomain.Service
	registry    registrydomain.Service
	catalog     *consolidation.Catalog
	engine      consdomain.Engine

	inflight sync.WaitGroup
}

func New(p Params) orchdomain.Service {
	return &Service{
		cfg:         p.Config,
		log:         p.Log.Named("orchestrator.service"),
		clock:       p.Clock,
		orgs:        p.Orgs,
		quota:       p.Quota,
		credentials: p.Credentials,
		registry:    p.Registry,
		catalog:     p.Catalog,
		engine:      p.Engine,
	}
}

// admission carries everything Submit resolved before handing off to the
// run loop. Every field in it must be settled on every exit path.
type admission struct {
	run         *registrydomain.PipelineRun
	pipeline    consdomain.Pipeline
	reservation *quotadomain.Reservation
	cred        *credentialdomain.Decrypted
	shared      bool
}

func (s *Service) Submit(ctx context.Context, req orchdomain.SubmitRequest) (*orchdomain.SubmitResult, error) {
	trigger := strings.TrimSpace(req.TriggerType)
	if trigger == "" {
		trigger = registrydomain.TriggerManual
	}
	switch trigger {
	case registrydomain.TriggerManual, registrydomain.TriggerScheduled, registrydomain.TriggerAdmin:
	default:
		return nil, orchdomain.ErrInvalidTrigger
	}

	slug, ok := orgcontext.OrgSlugFromContext(ctx)
	if !ok {
		return nil, orgdomain.ErrInvalidOrganization
	}
	org, err := s.orgs.ResolveBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !org.CanRunPipelines() {
		return nil, orgdomain.ErrSubscriptionInactive
	}
	plan, err := s.orgs.PlanFor(ctx, org)
	if err != nil {
		return nil, err
	}

	pipeline, err := s.catalog.Get(strings.TrimSpace(req.PipelineID))
	if err != nil {
		return nil, err
	}

	targetDate, err := s.resolveTargetDate(req.TargetDate)
	if err != nil {
		return nil, err
	}

	// Quota is the admission gate: a rejection here leaves no trace beyond
	// a metric, no run row is ever written for a rejected submission.
	reservation, err := s.quota.Reserve(ctx, org, plan)
	if err != nil {
		return nil, err
	}

	adm, err := s.admit(ctx, reservation, org, pipeline, req, trigger, targetDate)
	if err != nil {
		// The slot was claimed, so the reservation must settle even though
		// the run never started. A canceled request must not block the
		// release.
		if ferr := s.quota.Finalize(context.WithoutCancel(ctx), reservation, quotadomain.OutcomeFailed); ferr != nil {
			s.log.Error("finalize rejected admission", zap.Error(ferr))
		}
		return nil, err
	}

	if req.Wait {
		// Synchronous runs get the same wall-clock budget as background
		// ones.
		runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunBudget)
		status := s.execute(runCtx, adm)
		cancel()
		return &orchdomain.SubmitResult{
			RunID:      adm.run.RunID,
			PipelineID: pipeline.ID,
			Status:     status,
			TargetDate: targetDate,
		}, nil
	}

	// Background execution outlives the request. The run budget is the
	// only deadline it runs under.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RunBudget)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		s.execute(runCtx, adm)
	}()

	return &orchdomain.SubmitResult{
		RunID:      adm.run.RunID,
		PipelineID: pipeline.ID,
		Status:     registrydomain.StatusPending,
		TargetDate: targetDate,
	}, nil
}

func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit resolves the credential and writes the PENDING run row. The quota
// reservation is already held; the caller settles it if admit fails.
func (s *Service) admit(
	ctx context.Context,
	reservation *quotadomain.Reservation,
	org *orgdomain.Organization,
	pipeline consdomain.Pipeline,
	req orchdomain.SubmitRequest,
	trigger, targetDate string,
) (*admission, error) {
	shared := req.CredentialID == "" && s.cfg.AllowSharedConsolidation

	cred, err := s.credentials.FetchForRun(ctx, req.Provider, req.CredentialID)
	if err != nil {
		// Legacy shared runs predate stored credentials, so an org with
		// none configured may still consolidate its ingested data.
		if !(shared && errors.Is(err, credentialdomain.ErrCredentialNotConfigured)) {
			return nil, err
		}
		cred = nil
	}

	run := &registrydomain.PipelineRun{
		RunID:       ulid.Make().String(),
		PipelineID:  pipeline.ID,
		OrgID:       org.ID,
		OrgSlug:     org.Slug,
		Provider:    strings.ToLower(strings.TrimSpace(req.Provider)),
		TargetDate:  targetDate,
		TriggerType: trigger,
		StartedAt:   s.clock.Now(),
	}
	if cred != nil {
		id := cred.CredentialID
		run.CredentialID = &id
	}
	if err := s.registry.Create(ctx, run); err != nil {
		if cred != nil {
			cred.Zero()
		}
		return nil, err
	}

	return &admission{
		run:         run,
		pipeline:    pipeline,
		reservation: reservation,
		cred:        cred,
		shared:      shared,
	}, nil
}

// execute runs one admitted pipeline to a terminal state. It settles the
// quota reservation and zeroes the credential plaintext on every path.
func (s *Service) execute(ctx context.Context, adm *admission) string {
	run := adm.run
	log := s.log.With(
		zap.String("run_id", run.RunID),
		zap.String("pipeline_id", run.PipelineID),
		zap.String("org_slug", run.OrgSlug),
		zap.String("target_date", run.TargetDate),
	)

	if adm.cred != nil {
		defer adm.cred.Zero()
	}

	// Settlement writes run outside the budget: a timed-out run still gets
	// its FAILED row and its concurrency slot back.
	settleCtx := context.WithoutCancel(ctx)

	quotaOutcome := quotadomain.OutcomeFailed
	defer func() {
		if err := s.quota.Finalize(settleCtx, adm.reservation, quotaOutcome); err != nil {
			log.Error("finalize quota reservation", zap.Error(err))
		}
	}()

	if err := s.registry.MarkRunning(ctx, run.RunID); err != nil {
		log.Error("mark run running", zap.Error(err))
		s.settleRun(settleCtx, log, run, registrydomain.StatusFailed, err.Error())
		return registrydomain.StatusFailed
	}
	metrics.Pipeline().IncRunStarted(run.PipelineID, run.TriggerType)

	sc := consdomain.StageContext{
		OrgSlug:                  run.OrgSlug,
		TargetDate:               run.TargetDate,
		PipelineID:               run.PipelineID,
		RunID:                    run.RunID,
		IngestedAt:               s.clock.Now(),
		AllowSharedConsolidation: adm.shared,
	}
	if adm.cred != nil && !adm.shared {
		sc.CredentialID = adm.cred.CredentialID
	}

	outcome := s.engine.Execute(ctx, adm.pipeline, sc, func(event consdomain.StepEvent) {
		step := registrydomain.PipelineRunStep{
			Seq:           event.Seq,
			StepName:      event.Name,
			StepType:      event.Type,
			Status:        event.Status,
			RowsProcessed: event.Rows,
			DurationMs:    event.Duration.Milliseconds(),
			StartedAt:     s.clock.Now().Add(-event.Duration),
		}
		if event.Status != consdomain.StatusSkipped {
			completed := s.clock.Now()
			step.CompletedAt = &completed
		}
		if event.Err != nil {
			msg := event.Err.Error()
			step.ErrorMessage = &msg
		}
		if err := s.registry.AppendStep(ctx, run.RunID, step); err != nil {
			log.Error("append run step",
				zap.String("step", event.Name),
				zap.Error(err),
			)
		}
	})

	status := registrydomain.StatusCompleted
	errMsg := ""
	if outcome.Status != consdomain.StatusCompleted {
		status = registrydomain.StatusFailed
		if outcome.Err != nil {
			errMsg = outcome.Err.Error()
		}
		metrics.Pipeline().IncRunError(run.PipelineID, classifyRunError(ctx, outcome.Err))
	} else {
		quotaOutcome = quotadomain.OutcomeSucceeded
	}

	s.settleRun(settleCtx, log, run, status, errMsg)
	return status
}

func (s *Service) settleRun(ctx context.Context, log *zap.Logger, run *registrydomain.PipelineRun, status, errMsg string) {
	err := s.registry.Finalize(ctx, run.RunID, status, errMsg)
	switch {
	case err == nil:
		metrics.Pipeline().IncRunCompleted(run.PipelineID, status)
		log.Info("run settled", zap.String("status", status))
	case errors.Is(err, registrydomain.ErrRunFinalized):
		// A watchdog got there first; its verdict stands.
		log.Warn("run already finalized", zap.String("status", status))
	default:
		log.Error("finalize run", zap.Error(err))
	}
}

func (s *Service) resolveTargetDate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		// Consolidation lags ingestion by a day.
		return s.clock.Now().AddDate(0, 0, -1).Format(targetDateLayout), nil
	}
	parsed, err := time.Parse(targetDateLayout, raw)
	if err != nil {
		return "", orchdomain.ErrInvalidTargetDate
	}
	if parsed.After(s.clock.Now()) {
		return "", orchdomain.ErrInvalidTargetDate
	}
	return raw, nil
}

func classifyRunError(ctx context.Context, err error) string {
	// The budget watchdog cancels the context; the stage error it surfaces
	// may not wrap the deadline itself.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return metrics.PipelineErrorTypeDeadlineExceeded
	}
	return metrics.ClassifyRunErrorType(err)
}
