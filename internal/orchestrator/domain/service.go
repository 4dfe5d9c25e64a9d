// Package domain defines the pipeline submission surface. The orchestrator
// is the only component allowed to start a run: it holds the quota
// reservation, the decrypted credential, and the run log together so every
// exit path settles all three.
package domain

import (
	"context"
	"errors"
)

type Service interface {
	// Submit admits and executes one pipeline run for the organization in
	// context. A quota rejection leaves no run row behind. With Wait set
	// the call returns after the run settles; otherwise it returns as soon
	// as the run is admitted and executes in the background under the
	// configured run budget.
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)

	// Drain blocks until in-flight background runs settle or ctx expires.
	Drain(ctx context.Context) error
}

type SubmitRequest struct {
	PipelineID   string `json:"pipeline_id"`
	Provider     string `json:"provider"`
	CredentialID string `json:"credential_id"`
	TargetDate   string `json:"target_date"`
	TriggerType  string `json:"-"`
	Wait         bool   `json:"-"`
}

type SubmitResult struct {
	RunID      string `json:"run_id"`
	PipelineID string `json:"pipeline_id"`
	Status     string `json:"status"`
	TargetDate string `json:"target_date"`
}

var (
	ErrInvalidTargetDate = errors.New("invalid_target_date")
	ErrInvalidTrigger    = errors.New("invalid_trigger_type")
)
