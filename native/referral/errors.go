package referral

import "errors"

var (
	ErrInvalidState       = errors.New("referral: request not pending")
	ErrUnknownAccount     = errors.New("referral: unknown account")
	ErrUnknownRequest     = errors.New("referral: unknown request")
	ErrDirectoryAmbiguous = errors.New("referral: duplicate referral code")
	ErrStoreUnavailable   = errors.New("referral: store unavailable")
	ErrPartialCommit      = errors.New("referral: partial commit")
	ErrInvalidSchedule    = errors.New("referral: invalid schedule")
)
