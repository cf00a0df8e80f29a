package referral

import (
	"fmt"
	"strings"
)

// RootCode is the referrer value meaning "no upline". Accounts registered without a
// referral code carry it.
const RootCode = "admin"

// ActivationFee is the flat fee, in whole currency units, paid to activate an account.
const ActivationFee Amount = 300

// Amount is a monetary value in whole currency units (Taka).
type Amount int64

func (a Amount) String() string { return fmt.Sprintf("%d", int64(a)) }

// Account is the part of a wallet account the commission engine reads.
type Account struct {
	ID           string
	ReferralCode string
	ReferrerCode string
	Balance      Amount
	IsActive     bool
}

// Credit is one commission payout emitted by the walker.
type Credit struct {
	Depth     int    `json:"depth"`
	AccountID string `json:"account_id"`
	Amount    Amount `json:"amount"`
}

// SumCredits totals the amounts of the supplied credits.
func SumCredits(credits []Credit) Amount {
	var total Amount
	for _, c := range credits {
		total += c.Amount
	}
	return total
}

// NormalizeCode canonicalises a referral code for lookups.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsRoot reports whether a referrer code terminates the chain.
func IsRoot(code string) bool {
	trimmed := strings.TrimSpace(code)
	return trimmed == "" || strings.EqualFold(trimmed, RootCode)
}
