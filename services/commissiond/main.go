package commissiond

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"refwallet/ledger"
	"refwallet/native/referral"
	"refwallet/observability/logging"
	telemetry "refwallet/observability/otel"
	"refwallet/storage"
)

// Main initialises and runs the commission daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/commissiond/config.yaml", "path to commissiond configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("REFWALLET_ENV"))
	logger := logging.SetupWithOptions("commissiond", env, logging.Options{
		Level: logging.ParseLevel(cfg.Log.Level),
		File:  cfg.Log.File,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("commissiond", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	schedule, err := cfg.Schedule()
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}

	db, err := storage.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	journal, err := OpenJournal(cfg.Journal.DSN)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = journal.Close() }()

	distributor := NewDistributor(ledger.NewStore(db),
		WithSchedule(schedule),
		WithActivationFee(referral.Amount(cfg.Wallet.ActivationFee)),
		WithMinWithdrawal(referral.Amount(cfg.Wallet.MinWithdrawal)),
		WithStoreTimeout(cfg.Store.Timeout.Duration),
		WithJournal(journal),
		WithMetrics(NewMetrics()),
		WithLogger(logger),
	)
	if cfg.PauseOnStart {
		distributor.Pause()
	}

	auth, err := NewAuthenticator(AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		HMACSecret:  cfg.Admin.JWT.HMACSecret,
		Issuer:      cfg.Admin.JWT.Issuer,
		Audience:    cfg.Admin.JWT.Audience,
		ClockSkew:   cfg.Admin.JWT.ClockSkew.Duration,
	})
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}
	adminServer := NewAdminServer(distributor, journal, auth, NewRateLimiter(cfg.Admin.RateLimit), logger)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      adminServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("commissiond listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("store", cfg.Store.Backend),
			slog.Int("schedule_depth", schedule.Depth()),
			slog.Int64("schedule_total", int64(schedule.Total())))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
