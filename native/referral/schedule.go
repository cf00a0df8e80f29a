package referral

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// MaxDepth bounds how many uplines a single activation can pay.
const MaxDepth = 20

// Tier is the payout owed to the ancestor at Depth.
type Tier struct {
	Depth  int    `json:"depth" toml:"depth"`
	Amount Amount `json:"amount" toml:"amount"`
	Label  string `json:"label" toml:"label"`
}

// Schedule maps upline depth to payout. The zero value pays nothing.
type Schedule struct {
	tiers []Tier
}

// NewSchedule validates the tiers and returns an immutable schedule. Depths must be
// unique, contiguous from 1 and no deeper than MaxDepth.
func NewSchedule(tiers []Tier) (Schedule, error) {
	if len(tiers) == 0 {
		return Schedule{}, fmt.Errorf("%w: at least one tier required", ErrInvalidSchedule)
	}
	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Depth < sorted[j].Depth })
	for i, tier := range sorted {
		if tier.Depth != i+1 {
			if i > 0 && tier.Depth == sorted[i-1].Depth {
				return Schedule{}, fmt.Errorf("%w: duplicate depth %d", ErrInvalidSchedule, tier.Depth)
			}
			return Schedule{}, fmt.Errorf("%w: depth %d missing", ErrInvalidSchedule, i+1)
		}
		if tier.Depth > MaxDepth {
			return Schedule{}, fmt.Errorf("%w: depth %d exceeds maximum %d", ErrInvalidSchedule, tier.Depth, MaxDepth)
		}
		if tier.Amount < 0 {
			return Schedule{}, fmt.Errorf("%w: depth %d amount cannot be negative", ErrInvalidSchedule, tier.Depth)
		}
		if strings.TrimSpace(tier.Label) == "" {
			sorted[i].Label = defaultLabel(tier.Depth)
		}
	}
	return Schedule{tiers: sorted}, nil
}

// DefaultSchedule is the production payout table: 80, 35, 25, 15 for the first four
// uplines and 2 for each of depths 5 through 20.
func DefaultSchedule() Schedule {
	tiers := []Tier{
		{Depth: 1, Amount: 80, Label: "Direct Referral"},
		{Depth: 2, Amount: 35, Label: "2nd Level Upline"},
		{Depth: 3, Amount: 25, Label: "3rd Level Upline"},
		{Depth: 4, Amount: 15, Label: "4th Level Upline"},
	}
	for depth := 5; depth <= MaxDepth; depth++ {
		tiers = append(tiers, Tier{Depth: depth, Amount: 2, Label: defaultLabel(depth)})
	}
	return Schedule{tiers: tiers}
}

// AmountAt returns the payout for depth, or false past the end of the schedule.
func (s Schedule) AmountAt(depth int) (Amount, bool) {
	if depth < 1 || depth > len(s.tiers) {
		return 0, false
	}
	return s.tiers[depth-1].Amount, true
}

// Depth reports how many uplines the schedule pays.
func (s Schedule) Depth() int { return len(s.tiers) }

// Tiers returns a copy of the tiers ordered by depth.
func (s Schedule) Tiers() []Tier { return append([]Tier(nil), s.tiers...) }

// Total is the amount paid out when every tier is credited.
func (s Schedule) Total() Amount {
	var total Amount
	for _, tier := range s.tiers {
		total += tier.Amount
	}
	return total
}

// Retained is what the platform keeps from fee after a full-depth payout.
func (s Schedule) Retained(fee Amount) Amount {
	return fee - s.Total()
}

type fileSchedule struct {
	Tiers []Tier `json:"tiers" toml:"tiers"`
}

// LoadSchedule reads a schedule from a .toml or .json file.
func LoadSchedule(path string) (Schedule, error) {
	if strings.TrimSpace(path) == "" {
		return Schedule{}, errors.New("referral: schedule path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, fmt.Errorf("referral: read schedule: %w", err)
	}
	var parsed fileSchedule
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&parsed); err != nil {
			return Schedule{}, fmt.Errorf("referral: decode schedule json: %w", err)
		}
	case ".toml", ".tml":
		meta, err := toml.Decode(string(data), &parsed)
		if err != nil {
			return Schedule{}, fmt.Errorf("referral: decode schedule toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Schedule{}, fmt.Errorf("referral: unknown schedule fields %v", undecoded)
		}
	default:
		return Schedule{}, fmt.Errorf("referral: unsupported schedule format %q", ext)
	}
	return NewSchedule(parsed.Tiers)
}

func defaultLabel(depth int) string {
	switch depth {
	case 1:
		return "Direct Referral"
	case 2:
		return "2nd Level Upline"
	case 3:
		return "3rd Level Upline"
	default:
		return fmt.Sprintf("%dth Level Upline", depth)
	}
}
