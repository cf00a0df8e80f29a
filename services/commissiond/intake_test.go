package commissiond

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"refwallet/ledger"
	"refwallet/native/referral"
	"refwallet/storage"
)

func (f *fixture) fund(t *testing.T, id string, amount int64) {
	t.Helper()
	require.NoError(t, f.db.Apply(context.Background(), []storage.Mutation{
		storage.Increment(ledger.BalanceKey(id), amount),
	}))
}

func TestSubmitActivationValidation(t *testing.T) {
	f := newFixture(t)
	f.chain(t, 2)
	ctx := context.Background()

	cases := []struct {
		name  string
		claim ActivationClaim
		want  error
	}{
		{"missing account", ActivationClaim{Method: "bkash", MobileNumber: "017", Reference: "T"}, ErrInvalidInput},
		{"bad method", ActivationClaim{AccountID: "u02", Method: "paypal", MobileNumber: "017", Reference: "T"}, ledger.ErrInvalidMethod},
		{"missing mobile", ActivationClaim{AccountID: "u02", Method: "bkash", Reference: "T"}, ErrInvalidInput},
		{"missing reference", ActivationClaim{AccountID: "u02", Method: "bkash", MobileNumber: "017"}, ErrInvalidInput},
		{"wrong fee", ActivationClaim{AccountID: "u02", Amount: 250, Method: "bkash", MobileNumber: "017", Reference: "T"}, ErrInvalidInput},
		{"unknown account", ActivationClaim{AccountID: "nobody", Method: "bkash", MobileNumber: "017", Reference: "T"}, referral.ErrUnknownAccount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.d.SubmitActivation(ctx, tc.claim)
			require.ErrorIs(t, err, tc.want)
		})
	}

	req, err := f.d.SubmitActivation(ctx, ActivationClaim{AccountID: "u02", Method: "NAGAD", MobileNumber: " 01911000000 ", Reference: "T9"})
	require.NoError(t, err)
	require.Equal(t, ledger.MethodNagad, req.Method)
	require.Equal(t, "01911000000", req.MobileNumber)
	require.Equal(t, referral.ActivationFee, req.Amount)
	require.Equal(t, ledger.StatusPending, req.Status)

	_, err = f.d.SubmitActivation(ctx, ActivationClaim{AccountID: "u02", Method: "bkash", MobileNumber: "017", Reference: "T10"})
	require.ErrorIs(t, err, referral.ErrInvalidState)

	_, err = f.d.ApproveActivation(ctx, req.ID)
	require.NoError(t, err)
	_, err = f.d.SubmitActivation(ctx, ActivationClaim{AccountID: "u02", Method: "bkash", MobileNumber: "017", Reference: "T11"})
	require.ErrorIs(t, err, referral.ErrInvalidState)
}

func TestWithdrawalLifecycle(t *testing.T) {
	f := newFixture(t)
	f.account(t, "w", "WALLET", "")
	f.fund(t, "w", 500)
	ctx := context.Background()

	req, err := f.d.SubmitWithdrawal(ctx, WithdrawalClaim{AccountID: "w", Amount: 200, Method: "bkash", MobileNumber: "01711000000"})
	require.NoError(t, err)
	require.Equal(t, ledger.KindWithdrawal, req.Kind)
	require.Equal(t, referral.Amount(300), f.balance(t, "w"))

	approved, err := f.d.ApproveWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusApproved, approved.Status)
	require.Equal(t, referral.Amount(300), f.balance(t, "w"))

	require.ErrorIs(t, f.d.RejectWithdrawal(ctx, req.ID), referral.ErrInvalidState)
	require.Equal(t, referral.Amount(300), f.balance(t, "w"))

	second, err := f.d.SubmitWithdrawal(ctx, WithdrawalClaim{AccountID: "w", Amount: 150, Method: "nagad", MobileNumber: "01811000000"})
	require.NoError(t, err)
	require.Equal(t, referral.Amount(150), f.balance(t, "w"))
	require.NoError(t, f.d.RejectWithdrawal(ctx, second.ID))
	require.Equal(t, referral.Amount(300), f.balance(t, "w"))
	require.Equal(t, ledger.StatusRejected, f.status(t, ledger.KindWithdrawal, second.ID))

	_, err = f.d.ApproveWithdrawal(ctx, second.ID)
	require.ErrorIs(t, err, referral.ErrInvalidState)
}

func TestSubmitWithdrawalRejections(t *testing.T) {
	f := newFixture(t)
	f.account(t, "w", "WALLET", "")
	f.fund(t, "w", 200)
	ctx := context.Background()

	_, err := f.d.SubmitWithdrawal(ctx, WithdrawalClaim{AccountID: "w", Amount: 149, Method: "bkash", MobileNumber: "017"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.d.SubmitWithdrawal(ctx, WithdrawalClaim{AccountID: "w", Amount: 150, Method: "rocket", MobileNumber: "017"})
	require.ErrorIs(t, err, ledger.ErrInvalidMethod)
	_, err = f.d.SubmitWithdrawal(ctx, WithdrawalClaim{AccountID: "w", Amount: 150, Method: "bkash"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.d.SubmitWithdrawal(ctx, WithdrawalClaim{AccountID: "ghost", Amount: 150, Method: "bkash", MobileNumber: "017"})
	require.ErrorIs(t, err, referral.ErrUnknownAccount)

	_, err = f.d.SubmitWithdrawal(ctx, WithdrawalClaim{AccountID: "w", Amount: 250, Method: "bkash", MobileNumber: "017"})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, referral.Amount(200), f.balance(t, "w"))

	pending, err := f.d.Pending(ctx, ledger.KindWithdrawal)
	require.NoError(t, err)
	require.Empty(t, pending)

	f.d.Pause()
	_, err = f.d.SubmitWithdrawal(ctx, WithdrawalClaim{AccountID: "w", Amount: 150, Method: "bkash", MobileNumber: "017"})
	require.ErrorIs(t, err, ErrPaused)
}

func TestSubmitWithdrawalConcurrentNeverOverdraws(t *testing.T) {
	f := newFixture(t)
	f.account(t, "w", "WALLET", "")
	f.fund(t, "w", 600)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, refused := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.d.SubmitWithdrawal(ctx, WithdrawalClaim{AccountID: "w", Amount: 150, Method: "bkash", MobileNumber: "017"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			if !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
			refused++
		}()
	}
	wg.Wait()
	require.Equal(t, 4, accepted)
	require.Equal(t, 6, refused)
	require.Equal(t, referral.Amount(0), f.balance(t, "w"))

	pending, err := f.d.Pending(ctx, ledger.KindWithdrawal)
	require.NoError(t, err)
	require.Len(t, pending, 4)
}
