package referral

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultSchedule(t *testing.T) {
	s := DefaultSchedule()
	require.Equal(t, MaxDepth, s.Depth())
	expected := map[int]Amount{1: 80, 2: 35, 3: 25, 4: 15}
	for depth := 1; depth <= MaxDepth; depth++ {
		amount, ok := s.AmountAt(depth)
		require.True(t, ok)
		want, special := expected[depth]
		if !special {
			want = 2
		}
		require.Equal(t, want, amount, "depth %d", depth)
	}
	_, ok := s.AmountAt(21)
	require.False(t, ok)
	_, ok = s.AmountAt(0)
	require.False(t, ok)
	require.Equal(t, Amount(187), s.Total())
	require.Equal(t, "Direct Referral", s.Tiers()[0].Label)
	require.Equal(t, "20th Level Upline", s.Tiers()[19].Label)
}

func TestNewScheduleValidation(t *testing.T) {
	_, err := NewSchedule(nil)
	require.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = NewSchedule([]Tier{{Depth: 1, Amount: 10}, {Depth: 3, Amount: 5}})
	require.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = NewSchedule([]Tier{{Depth: 1, Amount: 10}, {Depth: 1, Amount: 5}})
	require.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = NewSchedule([]Tier{{Depth: 1, Amount: -1}})
	require.ErrorIs(t, err, ErrInvalidSchedule)

	tooDeep := make([]Tier, 0, MaxDepth+1)
	for d := 1; d <= MaxDepth+1; d++ {
		tooDeep = append(tooDeep, Tier{Depth: d, Amount: 1})
	}
	_, err = NewSchedule(tooDeep)
	require.ErrorIs(t, err, ErrInvalidSchedule)

	s, err := NewSchedule([]Tier{{Depth: 2, Amount: 5}, {Depth: 1, Amount: 10}})
	require.NoError(t, err)
	amount, ok := s.AmountAt(2)
	require.True(t, ok)
	require.Equal(t, Amount(5), amount)
	require.Equal(t, "2nd Level Upline", s.Tiers()[1].Label)
}

func TestLoadScheduleTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[tiers]]
depth = 1
amount = 100
label = "Direct"

[[tiers]]
depth = 2
amount = 20
`), 0o600))
	s, err := LoadSchedule(path)
	require.NoError(t, err)
	require.Equal(t, 2, s.Depth())
	require.Equal(t, Amount(120), s.Total())

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[[tiers]]\ndepth = 1\namount = 1\nbonus = 3\n"), 0o600))
	_, err = LoadSchedule(bad)
	require.Error(t, err)
}

func TestLoadScheduleJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tiers":[{"depth":1,"amount":80,"label":"Direct Referral"}]}`), 0o600))
	s, err := LoadSchedule(path)
	require.NoError(t, err)
	amount, ok := s.AmountAt(1)
	require.True(t, ok)
	require.Equal(t, Amount(80), amount)

	_, err = LoadSchedule(filepath.Join(t.TempDir(), "schedule.yaml"))
	require.Error(t, err)
}
