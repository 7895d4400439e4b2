package crawler

import (
	"context"
	"errors"
)

// OutcomeKind tags the variant held by an Outcome.
type OutcomeKind int

// Outcome variants.
const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFailure
	OutcomeCancelled
)

// String implements fmt.Stringer.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is what the pipeline hands back to the coordinator for every
// admitted resource: Success carries newly discovered candidates, Failure
// carries the cause, Cancelled acknowledges the shared cancellation signal.
type Outcome struct {
	Kind       OutcomeKind
	Resource   *Resource
	Candidates []*Resource
	Err        error
}

// Success builds a successful Outcome.
func Success(r *Resource, candidates []*Resource) Outcome {
	return Outcome{Kind: OutcomeSuccess, Resource: r, Candidates: candidates}
}

// Failure builds a failed Outcome. A cancellation error yields Cancelled.
func Failure(r *Resource, err error) Outcome {
	if IsCanceled(err) {
		return Cancelled(r)
	}
	return Outcome{Kind: OutcomeFailure, Resource: r, Err: err}
}

// Cancelled builds a cancellation acknowledgement.
func Cancelled(r *Resource) Outcome {
	return Outcome{Kind: OutcomeCancelled, Resource: r, Err: context.Canceled}
}

// IsCanceled reports whether err stems from the shared cancellation signal.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
