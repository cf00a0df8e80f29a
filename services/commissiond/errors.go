package commissiond

import (
	"context"
	"errors"
	"fmt"

	"refwallet/ledger"
	"refwallet/native/referral"
	"refwallet/storage"
)

var (
	// ErrPaused is returned when an approval is attempted while the distributor is paused.
	ErrPaused = errors.New("commissiond: distributor paused")
	// ErrInFlight is returned when another operation holds the account's advisory lock.
	ErrInFlight = errors.New("commissiond: operation already in flight for account")
	// ErrInsufficientBalance is returned when a withdrawal would overdraw the account.
	ErrInsufficientBalance = errors.New("commissiond: insufficient balance")
	// ErrInvalidInput marks caller supplied fields that fail validation.
	ErrInvalidInput = errors.New("commissiond: invalid input")
)

// Outcome labels used for metrics, logs and the journal.
const (
	outcomeApproved         = "approved"
	outcomeRejected         = "rejected"
	outcomeSubmitted        = "submitted"
	outcomePaused           = "paused"
	outcomeInFlight         = "in_flight"
	outcomeInvalidState     = "invalid_state"
	outcomeUnknownAccount   = "unknown_account"
	outcomeUnknownRequest   = "unknown_request"
	outcomeInvalidInput     = "invalid_input"
	outcomeInsufficient     = "insufficient_balance"
	outcomeStoreUnavailable = "store_unavailable"
	outcomePartialCommit    = "partial_commit"
	outcomeError            = "error"
)

func outcomeOf(err error, success string) string {
	switch {
	case err == nil:
		return success
	case errors.Is(err, ErrPaused):
		return outcomePaused
	case errors.Is(err, ErrInFlight):
		return outcomeInFlight
	case errors.Is(err, ErrInsufficientBalance):
		return outcomeInsufficient
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ledger.ErrInvalidMethod), errors.Is(err, ledger.ErrInvalidKind):
		return outcomeInvalidInput
	case errors.Is(err, referral.ErrPartialCommit):
		return outcomePartialCommit
	case errors.Is(err, referral.ErrInvalidState):
		return outcomeInvalidState
	case errors.Is(err, referral.ErrUnknownAccount):
		return outcomeUnknownAccount
	case errors.Is(err, referral.ErrUnknownRequest):
		return outcomeUnknownRequest
	case errors.Is(err, referral.ErrStoreUnavailable):
		return outcomeStoreUnavailable
	default:
		return outcomeError
	}
}

// readError maps a failed store read. Missing records become notFound.
func readError(err, notFound error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return notFound
	}
	return unavailable(err)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", referral.ErrStoreUnavailable, err)
}

// submitError maps a failed Apply. conflict is the error a failed precondition
// stands for in the calling operation.
func submitError(err, conflict error) error {
	var partial *storage.PartialWriteError
	switch {
	case errors.As(err, &partial):
		return fmt.Errorf("%w: %w", referral.ErrPartialCommit, err)
	case errors.Is(err, storage.ErrConflict):
		return conflict
	default:
		return fmt.Errorf("%w: %w", referral.ErrStoreUnavailable, err)
	}
}

// failedUnknown reports whether a submit error leaves the outcome undetermined.
func failedUnknown(err error) bool {
	var partial *storage.PartialWriteError
	return errors.As(err, &partial) || errors.Is(err, context.DeadlineExceeded)
}
