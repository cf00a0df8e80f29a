package commissiond

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"refwallet/native/referral"
	"refwallet/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "admin:\n  bearer_token: \" secret \"\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, storage.BackendLevelDB, cfg.Store.Backend)
	require.Equal(t, "data/wallet", cfg.Store.Path)
	require.Equal(t, 5*time.Second, cfg.Store.Timeout.Duration)
	require.Equal(t, int64(300), cfg.Wallet.ActivationFee)
	require.Equal(t, int64(150), cfg.Wallet.MinWithdrawal)
	require.Equal(t, "secret", cfg.Admin.BearerToken)
	require.Equal(t, 2*time.Minute, cfg.Admin.JWT.ClockSkew.Duration)
	require.Equal(t, float64(120), cfg.Admin.RateLimit.RequestsPerMinute)

	schedule, err := cfg.Schedule()
	require.NoError(t, err)
	require.Equal(t, referral.Amount(187), schedule.Total())
}

func TestLoadConfigSecretsIndirection(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("from-file\n"), 0o600))
	t.Setenv("TEST_COMMISSIOND_JWT", "jwt-from-env")

	path := writeConfig(t, `
store:
  backend: bolt
  path: `+filepath.Join(dir, "wallet.db")+`
  timeout: 750ms
admin:
  bearer_token_file: `+tokenPath+`
  jwt:
    hmac_secret_env: TEST_COMMISSIOND_JWT
log:
  level: debug
  file:
    path: `+filepath.Join(dir, "commissiond.log")+`
    max_size_mb: 10
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Admin.BearerToken)
	require.Equal(t, "jwt-from-env", cfg.Admin.JWT.HMACSecret)
	require.Equal(t, 750*time.Millisecond, cfg.Store.Timeout.Duration)
	require.Equal(t, 10, cfg.Log.File.MaxSizeMB)
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "admin:\n  bearer_token: x\nbogus: true\n",
		"no auth":        "listen: \":9000\"\n",
		"bad backend":    "store:\n  backend: redis\nadmin:\n  bearer_token: x\n",
		"bad duration":   "store:\n  timeout: soon\nadmin:\n  bearer_token: x\n",
		"negative fee":   "wallet:\n  activation_fee: -1\nadmin:\n  bearer_token: x\n",
		"empty env":      "admin:\n  jwt:\n    hmac_secret_env: TEST_COMMISSIOND_UNSET_SECRET\n",
		"missing tokens": "admin:\n  bearer_token_file: /nonexistent/token\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigScheduleFromFile(t *testing.T) {
	dir := t.TempDir()
	schedulePath := filepath.Join(dir, "schedule.toml")
	require.NoError(t, os.WriteFile(schedulePath, []byte("[[tiers]]\ndepth = 1\namount = 100\n"), 0o600))
	cfg := Config{SchedulePath: schedulePath}
	schedule, err := cfg.Schedule()
	require.NoError(t, err)
	require.Equal(t, 1, schedule.Depth())
	require.Equal(t, referral.Amount(100), schedule.Total())
}

func TestShippedScheduleMatchesDefault(t *testing.T) {
	schedule, err := referral.LoadSchedule("schedule.toml")
	require.NoError(t, err)
	require.Equal(t, referral.DefaultSchedule().Tiers(), schedule.Tiers())
}
