package commissiond

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"refwallet/ledger"
	"refwallet/native/referral"
)

const (
	testOperatorToken = "operator-secret"
	testJWTSecret     = "jwt-signing-secret"
)

type apiFixture struct {
	*fixture
	journal *Journal
	server  *httptest.Server
}

func newAPIFixture(t *testing.T, limit RateLimitConfig) *apiFixture {
	t.Helper()
	journal := newTestJournal(t)
	f := newFixture(t, WithJournal(journal))
	auth, err := NewAuthenticator(AuthConfig{
		BearerToken: testOperatorToken,
		HMACSecret:  testJWTSecret,
		Issuer:      "refwallet",
		Audience:    "commissiond",
	})
	require.NoError(t, err)
	var limiter *RateLimiter
	if limit.RequestsPerMinute > 0 {
		limiter = NewRateLimiter(limit)
	}
	admin := NewAdminServer(f.d, journal, auth, limiter, discardLogger())
	server := httptest.NewServer(admin.Handler())
	t.Cleanup(server.Close)
	return &apiFixture{fixture: f, journal: journal, server: server}
}

func mintToken(t *testing.T, scopes string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "cashier-7",
		"iss":   "refwallet",
		"aud":   "commissiond",
		"scope": scopes,
		"exp":   time.Now().Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (a *apiFixture) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestAdminActivationFlow(t *testing.T) {
	api := newAPIFixture(t, RateLimitConfig{})
	api.chain(t, 3)

	resp, body := api.do(t, http.MethodPost, "/activations", testOperatorToken, ActivationClaim{
		AccountID: "u03", Method: "bkash", MobileNumber: "01711000000", Reference: "8N7A6B5C",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created ledger.Request
	require.NoError(t, json.Unmarshal(body, &created))
	require.Equal(t, ledger.StatusPending, created.Status)

	resp, body = api.do(t, http.MethodGet, "/activations", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Requests []ledger.Request `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed.Requests, 1)

	resp, body = api.do(t, http.MethodPost, "/activations/"+created.ID+"/approve", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result Result
	require.NoError(t, json.Unmarshal(body, &result))
	require.Equal(t, 2, result.Credited)
	require.Equal(t, referral.Amount(115), result.Distributed)

	resp, _ = api.do(t, http.MethodPost, "/activations/"+created.ID+"/approve", testOperatorToken, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/activations/missing/approve", testOperatorToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, "/accounts/u02", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var acct ledger.Account
	require.NoError(t, json.Unmarshal(body, &acct))
	require.Equal(t, referral.Amount(80), acct.Balance)

	resp, body = api.do(t, http.MethodGet, "/activations?status=approved", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed.Requests, 1)

	resp, _ = api.do(t, http.MethodGet, "/activations?status=bogus", testOperatorToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminWithdrawalFlow(t *testing.T) {
	api := newAPIFixture(t, RateLimitConfig{})
	api.account(t, "w", "WALLET", "")
	api.fund(t, "w", 400)

	resp, body := api.do(t, http.MethodPost, "/withdrawals", testOperatorToken, WithdrawalClaim{
		AccountID: "w", Amount: 100, Method: "bkash", MobileNumber: "017",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, body = api.do(t, http.MethodPost, "/withdrawals", testOperatorToken, WithdrawalClaim{
		AccountID: "w", Amount: 500, Method: "bkash", MobileNumber: "017",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	resp, body = api.do(t, http.MethodPost, "/withdrawals", testOperatorToken, WithdrawalClaim{
		AccountID: "w", Amount: 250, Method: "nagad", MobileNumber: "017",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created ledger.Request
	require.NoError(t, json.Unmarshal(body, &created))

	resp, _ = api.do(t, http.MethodPost, "/withdrawals/"+created.ID+"/reject", testOperatorToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, referral.Amount(400), api.balance(t, "w"))

	resp, _ = api.do(t, http.MethodPost, "/withdrawals/"+created.ID+"/approve", testOperatorToken, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/withdrawals", testOperatorToken, map[string]any{"account_id": "w", "unknown": true})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminAuthScopes(t *testing.T) {
	api := newAPIFixture(t, RateLimitConfig{})
	api.chain(t, 2)
	req := api.activation(t, "u02")

	resp, _ := api.do(t, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/status", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	reader := mintToken(t, ScopeReadRequests, time.Hour)
	resp, _ = api.do(t, http.MethodGet, "/activations", reader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = api.do(t, http.MethodPost, "/activations/"+req.ID+"/approve", reader, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = api.do(t, http.MethodPost, "/pause", reader, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	expired := mintToken(t, ScopeApproveActivations, -time.Hour)
	resp, _ = api.do(t, http.MethodPost, "/activations/"+req.ID+"/approve", expired, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	approver := mintToken(t, ScopeApproveActivations+" "+ScopeReadRequests, time.Hour)
	resp, body := api.do(t, http.MethodPost, "/activations/"+req.ID+"/approve", approver, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = api.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminPauseStatusAndReconciliation(t *testing.T) {
	api := newAPIFixture(t, RateLimitConfig{})
	api.chain(t, 2)
	req := api.activation(t, "u02")

	resp, _ := api.do(t, http.MethodPost, "/pause", testOperatorToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = api.do(t, http.MethodPost, "/activations/"+req.ID+"/approve", testOperatorToken, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body := api.do(t, http.MethodGet, "/status", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status Status
	require.NoError(t, json.Unmarshal(body, &status))
	require.True(t, status.Paused)
	require.Equal(t, 20, status.ScheduleDepth)

	resp, _ = api.do(t, http.MethodPost, "/resume", testOperatorToken, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	api.db.failApply(fmt.Errorf("replica lost: %w", context.DeadlineExceeded))
	resp, _ = api.do(t, http.MethodPost, "/activations/"+req.ID+"/approve", testOperatorToken, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	api.db.failApply(nil)

	resp, body = api.do(t, http.MethodGet, "/reconciliation?limit=5", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recon struct {
		Entries []Distribution `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &recon))
	require.Len(t, recon.Entries, 1)
	require.True(t, recon.Entries[0].Anomaly)

	resp, body = api.do(t, http.MethodGet, "/reconciliation?request_id="+req.ID, testOperatorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &recon))
	require.Len(t, recon.Entries, 1)

	resp, _ = api.do(t, http.MethodGet, "/reconciliation?limit=zero", testOperatorToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, "/schedule", testOperatorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var schedule scheduleResponse
	require.NoError(t, json.Unmarshal(body, &schedule))
	require.Len(t, schedule.Tiers, 20)
	require.Equal(t, referral.Amount(187), schedule.Total)
	require.Equal(t, referral.Amount(113), schedule.Retained)
}

func TestAdminRateLimit(t *testing.T) {
	api := newAPIFixture(t, RateLimitConfig{RequestsPerMinute: 1, Burst: 2})
	for i := 0; i < 2; i++ {
		resp, _ := api.do(t, http.MethodGet, "/schedule", testOperatorToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := api.do(t, http.MethodGet, "/schedule", testOperatorToken, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Health checks bypass the limiter.
	resp, _ = api.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		referral.ErrPartialCommit:    http.StatusInternalServerError,
		referral.ErrStoreUnavailable: http.StatusServiceUnavailable,
		ErrPaused:                    http.StatusServiceUnavailable,
		referral.ErrInvalidState:     http.StatusConflict,
		ErrInFlight:                  http.StatusConflict,
		referral.ErrUnknownAccount:   http.StatusNotFound,
		referral.ErrUnknownRequest:   http.StatusNotFound,
		ErrInvalidInput:              http.StatusBadRequest,
		ledger.ErrInvalidMethod:      http.StatusBadRequest,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}
