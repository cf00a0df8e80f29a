package commissiond

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"refwallet/ledger"
	"refwallet/native/referral"
	"refwallet/observability/logging"
)

// ActivationClaim is a user's declaration that the activation fee was paid.
type ActivationClaim struct {
	AccountID    string          `json:"account_id"`
	Amount       referral.Amount `json:"amount"`
	Method       string          `json:"method"`
	MobileNumber string          `json:"mobile_number"`
	Reference    string          `json:"reference"`
}

// WithdrawalClaim asks for part of the balance to be paid out.
type WithdrawalClaim struct {
	AccountID    string          `json:"account_id"`
	Amount       referral.Amount `json:"amount"`
	Method       string          `json:"method"`
	MobileNumber string          `json:"mobile_number"`
}

// SubmitActivation records a pending activation request. The account must exist,
// be inactive and have no other pending activation.
func (d *Distributor) SubmitActivation(ctx context.Context, claim ActivationClaim) (ledger.Request, error) {
	ctx, span := d.tracer.Start(ctx, "commissiond.submit_activation",
		trace.WithAttributes(attribute.String("account_id", claim.AccountID)))
	defer span.End()
	start := d.now()
	req, err := d.submitActivation(ctx, claim)
	d.finish(span, "submit_activation", start, err, outcomeSubmitted)
	return req, err
}

func (d *Distributor) submitActivation(ctx context.Context, claim ActivationClaim) (ledger.Request, error) {
	accountID := strings.TrimSpace(claim.AccountID)
	if accountID == "" {
		return ledger.Request{}, fmt.Errorf("%w: account id required", ErrInvalidInput)
	}
	method, err := ledger.ParseMethod(claim.Method)
	if err != nil {
		return ledger.Request{}, err
	}
	mobile := strings.TrimSpace(claim.MobileNumber)
	if mobile == "" {
		return ledger.Request{}, fmt.Errorf("%w: mobile number required", ErrInvalidInput)
	}
	reference := strings.TrimSpace(claim.Reference)
	if reference == "" {
		return ledger.Request{}, fmt.Errorf("%w: payment reference required", ErrInvalidInput)
	}
	amount := claim.Amount
	if amount == 0 {
		amount = d.fee
	}
	if amount != d.fee {
		return ledger.Request{}, fmt.Errorf("%w: activation fee is %s", ErrInvalidInput, d.fee)
	}
	acct, err := d.loadAccount(ctx, accountID)
	if err != nil {
		return ledger.Request{}, err
	}
	if acct.IsActive {
		return ledger.Request{}, fmt.Errorf("%w: account %s already active", referral.ErrInvalidState, acct.ID)
	}
	// Intake keeps working while approvals are paused.
	if err := d.lock(acct.ID, "submit_activation", false); err != nil {
		return ledger.Request{}, err
	}
	defer d.release(acct.ID)

	readCtx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	pending, err := d.store.ListPending(readCtx, ledger.KindActivation)
	if err != nil {
		return ledger.Request{}, unavailable(err)
	}
	for _, existing := range pending {
		if existing.AccountID == acct.ID {
			return ledger.Request{}, fmt.Errorf("%w: activation %s already pending for %s", referral.ErrInvalidState, existing.ID, acct.ID)
		}
	}
	req, err := d.store.CreateRequest(readCtx, ledger.Request{
		Kind:         ledger.KindActivation,
		AccountID:    acct.ID,
		Amount:       amount,
		Method:       method,
		MobileNumber: mobile,
		Reference:    reference,
	})
	if err != nil {
		return ledger.Request{}, submitError(err, fmt.Errorf("%w: %w", referral.ErrInvalidState, err))
	}
	d.logger.Info("activation requested",
		"request_id", req.ID,
		"account_id", acct.ID,
		"method", string(method),
		logging.MaskField("mobile_number", logging.MaskTail(mobile, 3)),
		logging.MaskField("reference", reference))
	return req, nil
}

// SubmitWithdrawal records a pending withdrawal and debits the balance in the
// same batch. The debit is floored at zero so concurrent requests cannot overdraw.
func (d *Distributor) SubmitWithdrawal(ctx context.Context, claim WithdrawalClaim) (ledger.Request, error) {
	ctx, span := d.tracer.Start(ctx, "commissiond.submit_withdrawal",
		trace.WithAttributes(attribute.String("account_id", claim.AccountID)))
	defer span.End()
	start := d.now()
	req, err := d.submitWithdrawal(ctx, claim)
	d.finish(span, "submit_withdrawal", start, err, outcomeSubmitted)
	return req, err
}

func (d *Distributor) submitWithdrawal(ctx context.Context, claim WithdrawalClaim) (ledger.Request, error) {
	accountID := strings.TrimSpace(claim.AccountID)
	if accountID == "" {
		return ledger.Request{}, fmt.Errorf("%w: account id required", ErrInvalidInput)
	}
	if claim.Amount < d.minWithdrawal || claim.Amount <= 0 {
		return ledger.Request{}, fmt.Errorf("%w: minimum withdrawal is %s", ErrInvalidInput, d.minWithdrawal)
	}
	method, err := ledger.ParseMethod(claim.Method)
	if err != nil {
		return ledger.Request{}, err
	}
	mobile := strings.TrimSpace(claim.MobileNumber)
	if mobile == "" {
		return ledger.Request{}, fmt.Errorf("%w: mobile number required", ErrInvalidInput)
	}
	if d.isPaused() {
		return ledger.Request{}, ErrPaused
	}
	acct, err := d.loadAccount(ctx, accountID)
	if err != nil {
		return ledger.Request{}, err
	}
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.storeTimeout)
	defer cancel()
	req, err := d.store.CreateRequest(submitCtx, ledger.Request{
		Kind:         ledger.KindWithdrawal,
		AccountID:    acct.ID,
		Amount:       claim.Amount,
		Method:       method,
		MobileNumber: mobile,
	}, ledger.DebitMutation(acct.ID, claim.Amount))
	if err != nil {
		return ledger.Request{}, submitError(err, fmt.Errorf("%w: %s has less than %s", ErrInsufficientBalance, acct.ID, claim.Amount))
	}
	d.logger.Info("withdrawal requested",
		"request_id", req.ID,
		"account_id", acct.ID,
		"amount", int64(req.Amount),
		"method", string(method),
		logging.MaskField("mobile_number", logging.MaskTail(mobile, 3)))
	return req, nil
}

// ApproveWithdrawal marks a pending withdrawal as paid. The balance was already
// debited at intake.
func (d *Distributor) ApproveWithdrawal(ctx context.Context, requestID string) (ledger.Request, error) {
	ctx, span := d.tracer.Start(ctx, "commissiond.approve_withdrawal",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()
	start := d.now()
	req, err := d.approveWithdrawal(ctx, strings.TrimSpace(requestID))
	d.finish(span, "approve_withdrawal", start, err, outcomeApproved)
	return req, err
}

func (d *Distributor) approveWithdrawal(ctx context.Context, requestID string) (ledger.Request, error) {
	if requestID == "" {
		return ledger.Request{}, fmt.Errorf("%w: request id required", ErrInvalidInput)
	}
	if d.isPaused() {
		return ledger.Request{}, ErrPaused
	}
	req, err := d.loadRequest(ctx, ledger.KindWithdrawal, requestID)
	if err != nil {
		return ledger.Request{}, err
	}
	if req.Status != ledger.StatusPending {
		return ledger.Request{}, fmt.Errorf("%w: request %s is %s", referral.ErrInvalidState, req.ID, req.Status)
	}
	if err := d.acquire(req.AccountID, "approve_withdrawal"); err != nil {
		return ledger.Request{}, err
	}
	defer d.release(req.AccountID)
	batch := ledger.TransitionBatch(ledger.KindWithdrawal, req.ID, ledger.StatusPending, ledger.StatusApproved)
	if err := d.submit(ctx, req, nil, batch, outcomeApproved); err != nil {
		return ledger.Request{}, err
	}
	d.mu.Lock()
	d.approved++
	d.mu.Unlock()
	req.Status = ledger.StatusApproved
	d.logger.Info("withdrawal approved", "request_id", req.ID, "account_id", req.AccountID, "amount", int64(req.Amount))
	return req, nil
}

// RejectWithdrawal marks a pending withdrawal rejected and refunds the debit.
func (d *Distributor) RejectWithdrawal(ctx context.Context, requestID string) error {
	ctx, span := d.tracer.Start(ctx, "commissiond.reject_withdrawal",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()
	start := d.now()
	err := d.reject(ctx, ledger.KindWithdrawal, strings.TrimSpace(requestID))
	d.finish(span, "reject_withdrawal", start, err, outcomeRejected)
	return err
}

// Pending lists pending requests of kind, newest first.
func (d *Distributor) Pending(ctx context.Context, kind ledger.Kind) ([]ledger.Request, error) {
	return d.Requests(ctx, kind, ledger.StatusPending)
}

// Requests lists requests of kind filtered by status, newest first.
func (d *Distributor) Requests(ctx context.Context, kind ledger.Kind, status ledger.Status) ([]ledger.Request, error) {
	readCtx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	requests, err := d.store.ListRequests(readCtx, kind, status)
	if err != nil {
		return nil, unavailable(err)
	}
	return requests, nil
}

// Account loads one account.
func (d *Distributor) Account(ctx context.Context, id string) (ledger.Account, error) {
	return d.loadAccount(ctx, strings.TrimSpace(id))
}
