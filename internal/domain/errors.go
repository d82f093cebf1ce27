package domain

import "errors"

var (
	// ErrNotFound is returned by repositories when a campaign, arm, or
	// posterior does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEmptyField marks a required field that was blank.
	ErrEmptyField = errors.New("required field is empty")

	// ErrNegativeBid rejects arms configured with a bid below zero.
	ErrNegativeBid = errors.New("bid must be non-negative")

	// ErrInvalidBudget rejects campaigns without a positive total budget.
	ErrInvalidBudget = errors.New("total budget must be positive")

	// ErrDuplicateArm rejects a second arm with the same arm key in one
	// campaign.
	ErrDuplicateArm = errors.New("duplicate arm key")

	// ErrBudgetExceeded signals the spend ledger passed the campaign
	// budget. The campaign transitions to errored and stops optimizing.
	ErrBudgetExceeded = errors.New("spend exceeds total budget")

	// ErrDuplicateMetric is returned when a metric row for the same
	// (arm, ts, source) already exists. Callers treat it as a no-op.
	ErrDuplicateMetric = errors.New("metric already recorded")
)
