package domain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	orgdomain "github.com/costplane/costplane/internal/organization/domain"
)

// Limit types reported on rejection.
const (
	LimitDaily      = "daily"
	LimitMonthly    = "monthly"
	LimitConcurrent = "concurrent"
)

// Outcomes accepted by Finalize.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

type Service interface {
	// Reserve atomically claims one daily slot and one concurrency slot
	// for the organization, or rejects with QuotaExceededError. A
	// successful reservation must always be finalized, on every exit
	// path of the run it admitted.
	Reserve(ctx context.Context, org *orgdomain.Organization, plan *orgdomain.Plan) (*Reservation, error)

	// Finalize releases the concurrency slot and records the outcome.
	// The daily counter is never decremented, failed runs still consume
	// daily quota. Finalizing a reservation twice is an error.
	Finalize(ctx context.Context, res *Reservation, outcome string) error

	// Usage returns the ledger row for the organization's current day,
	// plus the month-to-date run total.
	Usage(ctx context.Context, org *orgdomain.Organization) (*UsageSnapshot, error)
}

// Reservation is the token returned by a successful Reserve. It pins the
// org and day the slots were claimed against so Finalize hits the same
// row even across a midnight boundary.
type Reservation struct {
	Token string
	OrgID int64
	Day   string

	finalized atomic.Bool
}

// MarkFinalized flips the reservation to finalized. It reports false if
// the reservation was already finalized.
func (r *Reservation) MarkFinalized() bool {
	return r.finalized.CompareAndSwap(false, true)
}

// ClearFinalized reopens the reservation after a failed release so a
// retry can still settle it.
func (r *Reservation) ClearFinalized() {
	r.finalized.Store(false)
}

type UsageSnapshot struct {
	Day               string `json:"day"`
	PipelinesRunToday int    `json:"pipelines_run_today"`
	PipelinesRunMonth int    `json:"pipelines_run_month"`
	ConcurrentRunning int    `json:"concurrent_running"`
	DailyLimit        int    `json:"daily_limit"`
	MonthlyLimit      int    `json:"monthly_limit"`
	ConcurrentLimit   int    `json:"concurrent_limit"`
}

// QuotaExceededError reports which limit rejected the reservation.
type QuotaExceededError struct {
	LimitType string
	Limit     int
	Current   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota_exceeded: %s limit %d reached (current %d)", e.LimitType, e.Limit, e.Current)
}

var (
	ErrSubscriptionInactive = errors.New("subscription_inactive")
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidReservation   = errors.New("invalid_reservation")
	ErrAlreadyFinalized     = errors.New("reservation_already_finalized")
	ErrInvalidOutcome       = errors.New("invalid_outcome")
)
