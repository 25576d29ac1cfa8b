package transfer

import (
	"context"
	"errors"
)

// Status is the terminal state of a transfer operation.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusDeferredNoNetwork Status = "deferred_no_network"
)

// Reason is a machine-readable failure classification surfaced to observers
// and notification layers.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonUnauthorized Reason = "unauthorized"
	ReasonNotFound     Reason = "not_found"
	ReasonNetwork      Reason = "network"
	ReasonServer       Reason = "server"
	ReasonValidation   Reason = "validation"
	ReasonLocalStorage Reason = "local_storage"
	ReasonUnknown      Reason = "unknown"
)

// Result is the outcome of one executed transfer operation.
type Result struct {
	Status Status
	Reason Reason
	Err    error
}

func SuccessResult() Result {
	return Result{Status: StatusSuccess}
}

func CancelledResult() Result {
	return Result{Status: StatusCancelled}
}

// FailureResult classifies err into a failed Result.
func FailureResult(err error) Result {
	return Result{Status: StatusFailed, Reason: classifyReason(err), Err: err}
}

func (r Result) IsSuccess() bool {
	return r.Status == StatusSuccess
}

func (r Result) IsCancelled() bool {
	return r.Status == StatusCancelled
}

// NeedsCredentialRefresh reports whether the failure can only be resolved by
// the user re-authorizing the account.
func (r Result) NeedsCredentialRefresh() bool {
	return r.Reason == ReasonUnauthorized
}

func classifyReason(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}

	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return ReasonUnauthorized
	}

	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		return ReasonNotFound
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return ReasonValidation
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		if netErr.StatusCode >= 500 {
			return ReasonServer
		}
		return ReasonNetwork
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonNetwork
	}

	return ReasonUnknown
}
