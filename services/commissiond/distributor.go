package commissiond

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"refwallet/ledger"
	"refwallet/native/referral"
	"refwallet/storage"
)

const tracerName = "refwallet/services/commissiond"

// Result describes a committed activation approval.
type Result struct {
	RequestID   string              `json:"request_id"`
	AccountID   string              `json:"account_id"`
	Credits     []referral.Credit   `json:"credits"`
	Credited    int                 `json:"credited"`
	Distributed referral.Amount     `json:"distributed"`
	Retained    referral.Amount     `json:"retained"`
	Stop        referral.StopReason `json:"stop"`
}

// Distributor approves activation requests and fans the commission out to the
// activating account's uplines in a single atomic batch. It also owns the
// withdrawal transitions since they share the balance counters.
type Distributor struct {
	store         *ledger.Store
	schedule      referral.Schedule
	fee           referral.Amount
	minWithdrawal referral.Amount
	storeTimeout  time.Duration
	journal       Recorder
	metrics       *Metrics
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time

	mu        sync.Mutex
	paused    bool
	inFlight  map[string]string
	approved  int
	rejected  int
	anomalies int
}

// DistributorOption customises the distributor instance.
type DistributorOption func(*Distributor)

// WithSchedule replaces the default payout schedule.
func WithSchedule(s referral.Schedule) DistributorOption {
	return func(d *Distributor) { d.schedule = s }
}

// WithActivationFee sets the fee an activation request must declare.
func WithActivationFee(fee referral.Amount) DistributorOption {
	return func(d *Distributor) { d.fee = fee }
}

// WithMinWithdrawal sets the smallest accepted withdrawal.
func WithMinWithdrawal(amount referral.Amount) DistributorOption {
	return func(d *Distributor) { d.minWithdrawal = amount }
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(timeout time.Duration) DistributorOption {
	return func(d *Distributor) { d.storeTimeout = timeout }
}

// WithJournal records every submitted outcome.
func WithJournal(r Recorder) DistributorOption {
	return func(d *Distributor) { d.journal = r }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) DistributorOption {
	return func(d *Distributor) { d.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) DistributorOption {
	return func(d *Distributor) { d.logger = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) DistributorOption {
	return func(d *Distributor) { d.now = clock }
}

// NewDistributor constructs a distributor over store.
func NewDistributor(store *ledger.Store, opts ...DistributorOption) *Distributor {
	d := &Distributor{
		store:         store,
		schedule:      referral.DefaultSchedule(),
		fee:           referral.ActivationFee,
		minWithdrawal: 150,
		storeTimeout:  5 * time.Second,
		metrics:       NewMetrics(),
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
		now:           time.Now,
		inFlight:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.storeTimeout <= 0 {
		d.storeTimeout = 5 * time.Second
	}
	d.logger = d.logger.With("component", "distributor")
	return d
}

// Schedule returns the schedule in use.
func (d *Distributor) Schedule() referral.Schedule { return d.schedule }

// ActivationFee returns the configured activation fee.
func (d *Distributor) ActivationFee() referral.Amount { return d.fee }

// ApproveActivation moves a pending activation to approved, activates the account
// and credits its uplines. Either the whole batch commits or nothing does; when
// the store cannot guarantee that, ErrPartialCommit is returned.
func (d *Distributor) ApproveActivation(ctx context.Context, requestID string) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "commissiond.approve_activation",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()
	start := d.now()
	result, err := d.approveActivation(ctx, strings.TrimSpace(requestID))
	d.finish(span, "approve_activation", start, err, outcomeApproved)
	if err == nil {
		span.SetAttributes(
			attribute.Int("credited", result.Credited),
			attribute.Int64("distributed", int64(result.Distributed)),
			attribute.String("stop", string(result.Stop)),
		)
	}
	return result, err
}

func (d *Distributor) approveActivation(ctx context.Context, requestID string) (Result, error) {
	if requestID == "" {
		return Result{}, fmt.Errorf("%w: request id required", ErrInvalidInput)
	}
	if d.isPaused() {
		return Result{}, ErrPaused
	}
	req, err := d.loadRequest(ctx, ledger.KindActivation, requestID)
	if err != nil {
		return Result{}, err
	}
	if req.Status != ledger.StatusPending {
		return Result{}, fmt.Errorf("%w: request %s is %s", referral.ErrInvalidState, req.ID, req.Status)
	}
	if err := d.acquire(req.AccountID, "approve_activation"); err != nil {
		return Result{}, err
	}
	defer d.release(req.AccountID)

	acct, err := d.loadAccount(ctx, req.AccountID)
	if err != nil {
		return Result{}, err
	}
	if acct.IsActive {
		return Result{}, fmt.Errorf("%w: account %s already active", referral.ErrInvalidState, acct.ID)
	}

	batch := ledger.TransitionBatch(ledger.KindActivation, req.ID, ledger.StatusPending, ledger.StatusApproved)
	batch = append(batch, ledger.ActivateMutation(acct.ID))
	result := Result{RequestID: req.ID, AccountID: acct.ID, Credits: []referral.Credit{}, Stop: referral.StopRoot}
	if !referral.IsRoot(acct.ReferrerCode) {
		credits, stop, err := d.walk(ctx, acct)
		if err != nil {
			return Result{}, err
		}
		result.Credits = credits
		result.Stop = stop
		batch = append(batch, ledger.CreditMutations(credits)...)
	}
	result.Credited = len(result.Credits)
	result.Distributed = referral.SumCredits(result.Credits)
	result.Retained = d.fee - result.Distributed

	if err := d.submit(ctx, req, result.Credits, batch, outcomeApproved); err != nil {
		return Result{}, err
	}
	d.mu.Lock()
	d.approved++
	d.mu.Unlock()
	d.metrics.RecordDistribution(result.Credited, int64(result.Distributed), string(result.Stop))
	d.logger.Info("activation approved",
		"request_id", req.ID,
		"account_id", acct.ID,
		"credited", result.Credited,
		"distributed", int64(result.Distributed),
		"retained", int64(result.Retained),
		"stop", string(result.Stop))
	return result, nil
}

// RejectActivation moves a pending activation to rejected. No balance changes.
func (d *Distributor) RejectActivation(ctx context.Context, requestID string) error {
	ctx, span := d.tracer.Start(ctx, "commissiond.reject_activation",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()
	start := d.now()
	err := d.reject(ctx, ledger.KindActivation, strings.TrimSpace(requestID))
	d.finish(span, "reject_activation", start, err, outcomeRejected)
	return err
}

// reject handles both request kinds. Rejected withdrawals are refunded in the
// same batch as the status change.
func (d *Distributor) reject(ctx context.Context, kind ledger.Kind, requestID string) error {
	if requestID == "" {
		return fmt.Errorf("%w: request id required", ErrInvalidInput)
	}
	if d.isPaused() {
		return ErrPaused
	}
	req, err := d.loadRequest(ctx, kind, requestID)
	if err != nil {
		return err
	}
	if req.Status != ledger.StatusPending {
		return fmt.Errorf("%w: request %s is %s", referral.ErrInvalidState, req.ID, req.Status)
	}
	if err := d.acquire(req.AccountID, "reject_"+string(kind)); err != nil {
		return err
	}
	defer d.release(req.AccountID)

	batch := ledger.TransitionBatch(kind, req.ID, ledger.StatusPending, ledger.StatusRejected)
	if kind == ledger.KindWithdrawal {
		batch = append(batch, ledger.RefundMutation(req.AccountID, req.Amount))
	}
	if err := d.submit(ctx, req, nil, batch, outcomeRejected); err != nil {
		return err
	}
	d.mu.Lock()
	d.rejected++
	d.mu.Unlock()
	d.logger.Info("request rejected", "request_id", req.ID, "account_id", req.AccountID, "kind", string(kind))
	return nil
}

// submit applies batch detached from caller cancellation and journals the outcome.
func (d *Distributor) submit(ctx context.Context, req ledger.Request, credits []referral.Credit, batch []storage.Mutation, success string) error {
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.storeTimeout)
	defer cancel()
	applyErr := d.store.Apply(submitCtx, batch)
	var mapped error
	if applyErr != nil {
		mapped = submitError(applyErr, fmt.Errorf("%w: request %s is no longer pending", referral.ErrInvalidState, req.ID))
	}
	anomaly := applyErr != nil && failedUnknown(applyErr)
	if anomaly {
		d.mu.Lock()
		d.anomalies++
		d.mu.Unlock()
		d.metrics.RecordAnomaly()
		d.logger.Error("submission needs reconciliation",
			"request_id", req.ID,
			"account_id", req.AccountID,
			"kind", string(req.Kind),
			"reconcile", true,
			"error", applyErr)
	}
	d.record(ctx, req, credits, mapped, anomaly, success)
	return mapped
}

// record journals a submitted batch. Credits are kept only when they may have
// been applied, so a failed-unknown entry lists what to reconcile.
func (d *Distributor) record(ctx context.Context, req ledger.Request, credits []referral.Credit, err error, anomaly bool, success string) {
	if d.journal == nil {
		return
	}
	if err != nil && !anomaly {
		credits = nil
	}
	entry := JournalEntry{
		RequestID:   req.ID,
		Kind:        string(req.Kind),
		AccountID:   req.AccountID,
		Outcome:     outcomeOf(err, success),
		Credits:     credits,
		Distributed: referral.SumCredits(credits),
		Anomaly:     anomaly,
		At:          d.now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	journalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.storeTimeout)
	defer cancel()
	if err := d.journal.Record(journalCtx, entry); err != nil {
		d.logger.Warn("journal write failed", "request_id", req.ID, "error", err)
	}
}

func (d *Distributor) walk(ctx context.Context, acct ledger.Account) ([]referral.Credit, referral.StopReason, error) {
	readCtx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	snapshot, err := d.store.Snapshot(readCtx)
	if err != nil {
		return nil, "", fmt.Errorf("%w: snapshot accounts: %w", referral.ErrStoreUnavailable, err)
	}
	dir := referral.NewDirectory(snapshot)
	d.metrics.SetDuplicates(len(dir.Duplicates()))
	if err := dir.Ambiguity(); err != nil {
		d.logger.Warn("referral directory ambiguous", "account_id", acct.ID, "error", err)
	}
	credits, stop := referral.WalkTrace(acct.ReferrerCode, dir, d.schedule, acct.ID)
	return credits, stop, nil
}

func (d *Distributor) loadRequest(ctx context.Context, kind ledger.Kind, id string) (ledger.Request, error) {
	readCtx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	req, err := d.store.Request(readCtx, kind, id)
	if err != nil {
		return ledger.Request{}, readError(err, fmt.Errorf("%w: %s %s", referral.ErrUnknownRequest, kind, id))
	}
	return req, nil
}

func (d *Distributor) loadAccount(ctx context.Context, id string) (ledger.Account, error) {
	readCtx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	acct, err := d.store.Account(readCtx, id)
	if err != nil {
		return ledger.Account{}, readError(err, fmt.Errorf("%w: %s", referral.ErrUnknownAccount, id))
	}
	return acct, nil
}

func (d *Distributor) finish(span trace.Span, operation string, start time.Time, err error, success string) {
	outcome := outcomeOf(err, success)
	d.metrics.RecordOutcome(operation, outcome)
	d.metrics.ObserveLatency(operation, d.now().Sub(start))
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
}

func (d *Distributor) isPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// acquire takes the advisory lock for accountID, failing while paused.
func (d *Distributor) acquire(accountID, operation string) error {
	return d.lock(accountID, operation, true)
}

func (d *Distributor) lock(accountID, operation string, honourPause bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if honourPause && d.paused {
		return ErrPaused
	}
	if holder, busy := d.inFlight[accountID]; busy {
		return fmt.Errorf("%w: %s holds %s", ErrInFlight, holder, accountID)
	}
	d.inFlight[accountID] = operation
	return nil
}

func (d *Distributor) release(accountID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, accountID)
}

// Pause halts approvals, rejections and withdrawal intake.
func (d *Distributor) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
	d.metrics.SetPause(true)
}

// Resume re-enables processing.
func (d *Distributor) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	d.metrics.SetPause(false)
}

// Status summarises distributor state for administrative endpoints.
type Status struct {
	Paused        bool            `json:"paused"`
	InFlight      int             `json:"in_flight"`
	Approved      int             `json:"approved"`
	Rejected      int             `json:"rejected"`
	Anomalies     int             `json:"anomalies"`
	ScheduleDepth int             `json:"schedule_depth"`
	ScheduleTotal referral.Amount `json:"schedule_total"`
	ActivationFee referral.Amount `json:"activation_fee"`
}

// Status reports the current distributor status snapshot.
func (d *Distributor) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Paused:        d.paused,
		InFlight:      len(d.inFlight),
		Approved:      d.approved,
		Rejected:      d.rejected,
		Anomalies:     d.anomalies,
		ScheduleDepth: d.schedule.Depth(),
		ScheduleTotal: d.schedule.Total(),
		ActivationFee: d.fee,
	}
}
