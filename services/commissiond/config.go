package commissiond

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"refwallet/native/referral"
	"refwallet/observability/logging"
	"refwallet/storage"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for commissiond.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	PauseOnStart  bool          `yaml:"pause"`
	SchedulePath  string        `yaml:"schedule"`
	Store         StoreConfig   `yaml:"store"`
	Journal       JournalConfig `yaml:"journal"`
	Wallet        WalletConfig  `yaml:"wallet"`
	Admin         AdminConfig   `yaml:"admin"`
	Log           LogConfig     `yaml:"log"`
}

// StoreConfig selects the account store backend.
type StoreConfig struct {
	Backend string   `yaml:"backend"`
	Path    string   `yaml:"path"`
	Timeout Duration `yaml:"timeout"`
}

// JournalConfig configures the reconciliation journal database.
type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

// WalletConfig holds the business constants of the wallet.
type WalletConfig struct {
	ActivationFee int64 `yaml:"activation_fee"`
	MinWithdrawal int64 `yaml:"min_withdrawal"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string          `yaml:"bearer_token"`
	BearerTokenFile string          `yaml:"bearer_token_file"`
	JWT             JWTConfig       `yaml:"jwt"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// JWTConfig enables scoped operator tokens.
type JWTConfig struct {
	HMACSecret    string   `yaml:"hmac_secret"`
	HMACSecretEnv string   `yaml:"hmac_secret_env"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	ClockSkew     Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds admin API traffic per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LogConfig controls log verbosity and the optional rotating file.
type LogConfig struct {
	Level string             `yaml:"level"`
	File  logging.FileConfig `yaml:"file"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = storage.BackendLevelDB
	}
	if cfg.Store.Path == "" && cfg.Store.Backend != storage.BackendMemory {
		cfg.Store.Path = "data/wallet"
	}
	if cfg.Store.Timeout.Duration == 0 {
		cfg.Store.Timeout.Duration = 5 * time.Second
	}
	if cfg.Journal.DSN == "" {
		cfg.Journal.DSN = "data/journal.db"
	}
	if cfg.Wallet.ActivationFee == 0 {
		cfg.Wallet.ActivationFee = int64(referral.ActivationFee)
	}
	if cfg.Wallet.MinWithdrawal == 0 {
		cfg.Wallet.MinWithdrawal = 150
	}
	if cfg.Admin.JWT.ClockSkew.Duration == 0 {
		cfg.Admin.JWT.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Admin.RateLimit.RequestsPerMinute == 0 {
		cfg.Admin.RateLimit.RequestsPerMinute = 120
	}
	if cfg.Admin.RateLimit.Burst == 0 {
		cfg.Admin.RateLimit.Burst = 20
	}
}

func validateConfig(cfg Config) error {
	switch strings.ToLower(cfg.Store.Backend) {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("store backend %q not supported", cfg.Store.Backend)
	}
	if cfg.Wallet.ActivationFee < 0 {
		return fmt.Errorf("activation_fee cannot be negative")
	}
	if cfg.Wallet.MinWithdrawal < 0 {
		return fmt.Errorf("min_withdrawal cannot be negative")
	}
	if cfg.Admin.BearerToken == "" && cfg.Admin.JWT.HMACSecret == "" {
		return fmt.Errorf("configure either bearer_token or jwt.hmac_secret for admin authentication")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	a.JWT.HMACSecret = strings.TrimSpace(a.JWT.HMACSecret)
	if env := strings.TrimSpace(a.JWT.HMACSecretEnv); env != "" && a.JWT.HMACSecret == "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("hmac_secret_env %s is empty", env)
		}
		a.JWT.HMACSecret = value
	}
	return nil
}

// Schedule loads the configured payout schedule, falling back to the default table.
func (c Config) Schedule() (referral.Schedule, error) {
	if strings.TrimSpace(c.SchedulePath) == "" {
		return referral.DefaultSchedule(), nil
	}
	return referral.LoadSchedule(c.SchedulePath)
}
