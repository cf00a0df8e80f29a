package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"refwallet/native/referral"
)

// Kind separates the two request queues.
type Kind string

const (
	KindActivation Kind = "activation"
	KindWithdrawal Kind = "withdrawal"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Method is the mobile money rail a request was paid through.
type Method string

const (
	MethodBkash Method = "bkash"
	MethodNagad Method = "nagad"
)

var (
	ErrInvalidKind   = errors.New("ledger: invalid request kind")
	ErrInvalidMethod = errors.New("ledger: invalid payment method")
	ErrInvalidStatus = errors.New("ledger: invalid status")
	ErrAccountExists = errors.New("ledger: account already exists")
)

// ParseKind validates a request kind.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindActivation, KindWithdrawal:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
}

// ParseMethod validates a payment method.
func ParseMethod(raw string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(raw))); m {
	case MethodBkash, MethodNagad:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, raw)
	}
}

// ParseStatus validates a status filter.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusApproved, StatusRejected:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Profile holds the immutable part of an account.
type Profile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone,omitempty"`
	Role         string    `json:"role"`
	ReferralCode string    `json:"referral_code"`
	ReferrerCode string    `json:"referrer_code"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account is a profile joined with its mutable balance and activation flag.
type Account struct {
	Profile
	Balance  referral.Amount `json:"balance"`
	IsActive bool            `json:"is_active"`
}

// Referral projects the account onto the fields the commission engine uses.
func (a Account) Referral() referral.Account {
	return referral.Account{
		ID:           a.ID,
		ReferralCode: a.ReferralCode,
		ReferrerCode: a.ReferrerCode,
		Balance:      a.Balance,
		IsActive:     a.IsActive,
	}
}

// Request is an activation or withdrawal claim. Status lives under its own key and
// is joined on read.
type Request struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	AccountID    string          `json:"account_id"`
	Amount       referral.Amount `json:"amount"`
	Method       Method          `json:"method"`
	MobileNumber string          `json:"mobile_number"`
	Reference    string          `json:"reference,omitempty"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}
