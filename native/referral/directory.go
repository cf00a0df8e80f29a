package referral

import (
	"fmt"
	"strings"
)

// Duplicate records a referral code claimed by more than one account.
type Duplicate struct {
	Code      string
	KeptID    string
	DroppedID string
}

type node struct {
	id       string
	referrer string
}

// Directory resolves referral codes to accounts for one distribution. It is built
// from a single snapshot and never changes afterwards.
type Directory struct {
	byCode     map[string]string
	byID       map[string]node
	duplicates []Duplicate
}

// NewDirectory indexes the snapshot. When two accounts share a referral code the
// one appearing first in accounts keeps it; later claimants are recorded in
// Duplicates and cannot be resolved by that code.
func NewDirectory(accounts []Account) *Directory {
	dir := &Directory{
		byCode: make(map[string]string, len(accounts)),
		byID:   make(map[string]node, len(accounts)),
	}
	for _, acct := range accounts {
		id := strings.TrimSpace(acct.ID)
		if id == "" {
			continue
		}
		if _, seen := dir.byID[id]; !seen {
			dir.byID[id] = node{id: id, referrer: acct.ReferrerCode}
		}
		code := NormalizeCode(acct.ReferralCode)
		if code == "" {
			continue
		}
		if kept, taken := dir.byCode[code]; taken {
			if kept != id {
				dir.duplicates = append(dir.duplicates, Duplicate{Code: code, KeptID: kept, DroppedID: id})
			}
			continue
		}
		dir.byCode[code] = id
	}
	return dir
}

// Resolve returns the account owning code.
func (d *Directory) Resolve(code string) (string, bool) {
	if d == nil {
		return "", false
	}
	id, ok := d.byCode[NormalizeCode(code)]
	return id, ok
}

// Referrer returns the referrer code the account registered under.
func (d *Directory) Referrer(id string) (string, bool) {
	if d == nil {
		return "", false
	}
	n, ok := d.byID[id]
	if !ok {
		return "", false
	}
	return n.referrer, true
}

// Len reports how many accounts were indexed.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.byID)
}

// Duplicates lists every code collision found while building the directory.
func (d *Directory) Duplicates() []Duplicate {
	if d == nil {
		return nil
	}
	return append([]Duplicate(nil), d.duplicates...)
}

// Ambiguity returns an error wrapping ErrDirectoryAmbiguous when any code collided.
// It is informational: the directory is still usable.
func (d *Directory) Ambiguity() error {
	if d == nil || len(d.duplicates) == 0 {
		return nil
	}
	first := d.duplicates[0]
	return fmt.Errorf("%w: %d collision(s), first %s kept %s dropped %s",
		ErrDirectoryAmbiguous, len(d.duplicates), first.Code, first.KeptID, first.DroppedID)
}
