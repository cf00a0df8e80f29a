package ledger

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"refwallet/native/referral"
	"refwallet/storage"
)

// ErrNotFound is returned when an account or request does not exist.
var ErrNotFound = storage.ErrNotFound

const (
	codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeLength   = 6

	valueTrue  = "true"
	valueFalse = "false"
)

// Store is the typed view of accounts and requests over a key-value Database.
type Store struct {
	db     storage.Database
	now    func() time.Time
	codeFn func() (string, error)
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithClock sets the function used to stamp new records.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.now = clock }
}

// WithCodeGenerator replaces the random referral code generator.
func WithCodeGenerator(fn func() (string, error)) StoreOption {
	return func(s *Store) { s.codeFn = fn }
}

// NewStore wraps db.
func NewStore(db storage.Database, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now, codeFn: randomCode}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying database.
func (s *Store) DB() storage.Database { return s.db }

// NewAccount describes an account registration.
type NewAccount struct {
	ID           string
	Name         string
	Phone        string
	Role         string
	ReferralCode string
	ReferrerCode string
}

// CreateAccount registers an inactive, zero-balance account. A blank referral code
// is generated; a blank referrer places the account directly under the root.
func (s *Store) CreateAccount(ctx context.Context, in NewAccount) (Account, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := validateID(id); err != nil {
		return Account{}, err
	}
	if _, err := s.db.Get(ctx, accountKey(id)); err == nil {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountExists, id)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Account{}, err
	}
	code := referral.NormalizeCode(in.ReferralCode)
	if code == "" {
		generated, err := s.codeFn()
		if err != nil {
			return Account{}, fmt.Errorf("ledger: generate referral code: %w", err)
		}
		code = generated
	}
	referrer := referral.NormalizeCode(in.ReferrerCode)
	if referral.IsRoot(referrer) {
		referrer = referral.RootCode
	}
	role := strings.ToLower(strings.TrimSpace(in.Role))
	if role == "" {
		role = "user"
	}
	profile := Profile{
		ID:           id,
		Name:         strings.TrimSpace(in.Name),
		Phone:        strings.TrimSpace(in.Phone),
		Role:         role,
		ReferralCode: code,
		ReferrerCode: referrer,
		CreatedAt:    s.now().UTC(),
	}
	encoded, err := json.Marshal(profile)
	if err != nil {
		return Account{}, err
	}
	if err := s.db.Apply(ctx, []storage.Mutation{
		storage.ExpectAbsent(accountKey(id)),
		storage.Set(accountKey(id), encoded),
		storage.Set(BalanceKey(id), storage.EncodeCounter(0)),
		storage.Set(ActiveKey(id), []byte(valueFalse)),
	}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Account{}, fmt.Errorf("%w: %s", ErrAccountExists, id)
		}
		return Account{}, err
	}
	return Account{Profile: profile}, nil
}

// Account loads one account with its balance and activation flag.
func (s *Store) Account(ctx context.Context, id string) (Account, error) {
	raw, err := s.db.Get(ctx, accountKey(id))
	if err != nil {
		return Account{}, err
	}
	var acct Account
	if err := json.Unmarshal(raw, &acct.Profile); err != nil {
		return Account{}, fmt.Errorf("ledger: decode account %s: %w", id, err)
	}
	balance, err := s.Balance(ctx, id)
	if err != nil {
		return Account{}, err
	}
	acct.Balance = balance
	active, err := s.db.Get(ctx, ActiveKey(id))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return Account{}, err
	default:
		acct.IsActive = string(active) == valueTrue
	}
	return acct, nil
}

// Balance reads an account's balance counter. A missing counter is zero.
func (s *Store) Balance(ctx context.Context, id string) (referral.Amount, error) {
	raw, err := s.db.Get(ctx, BalanceKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	value, err := storage.DecodeCounter(raw)
	if err != nil {
		return 0, err
	}
	return referral.Amount(value), nil
}

// Snapshot returns every account's referral fields in ascending id order. Balances
// and flags are not read.
func (s *Store) Snapshot(ctx context.Context) ([]referral.Account, error) {
	accounts := make([]referral.Account, 0)
	err := s.db.Iterate(ctx, accountPrefix, func(key string, value []byte) error {
		var profile Profile
		if err := json.Unmarshal(value, &profile); err != nil {
			return fmt.Errorf("ledger: decode %s: %w", key, err)
		}
		accounts = append(accounts, referral.Account{
			ID:           profile.ID,
			ReferralCode: profile.ReferralCode,
			ReferrerCode: profile.ReferrerCode,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// Accounts returns every account joined with its balance and flag.
func (s *Store) Accounts(ctx context.Context) ([]Account, error) {
	balances := make(map[string]referral.Amount)
	if err := s.db.Iterate(ctx, balancePrefix, func(key string, value []byte) error {
		amount, err := storage.DecodeCounter(value)
		if err != nil {
			return err
		}
		balances[strings.TrimPrefix(key, balancePrefix)] = referral.Amount(amount)
		return nil
	}); err != nil {
		return nil, err
	}
	active := make(map[string]bool)
	if err := s.db.Iterate(ctx, activePrefix, func(key string, value []byte) error {
		active[strings.TrimPrefix(key, activePrefix)] = string(value) == valueTrue
		return nil
	}); err != nil {
		return nil, err
	}
	accounts := make([]Account, 0, len(balances))
	err := s.db.Iterate(ctx, accountPrefix, func(key string, value []byte) error {
		var acct Account
		if err := json.Unmarshal(value, &acct.Profile); err != nil {
			return fmt.Errorf("ledger: decode %s: %w", key, err)
		}
		acct.Balance = balances[acct.ID]
		acct.IsActive = active[acct.ID]
		accounts = append(accounts, acct)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// CreateRequest persists a pending request. extra mutations commit in the same
// batch, which lets withdrawal intake debit the balance atomically.
func (s *Store) CreateRequest(ctx context.Context, req Request, extra ...storage.Mutation) (Request, error) {
	if _, err := ParseKind(string(req.Kind)); err != nil {
		return Request{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := validateID(req.ID); err != nil {
		return Request{}, err
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now().UTC()
	}
	req.Status = StatusPending
	encoded, err := json.Marshal(req)
	if err != nil {
		return Request{}, err
	}
	batch := []storage.Mutation{
		storage.Set(requestKey(req.Kind, req.ID), encoded),
		storage.Set(StatusKey(req.Kind, req.ID), []byte(StatusPending)),
	}
	batch = append(batch, extra...)
	if err := s.db.Apply(ctx, batch); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Request loads a request with its current status.
func (s *Store) Request(ctx context.Context, kind Kind, id string) (Request, error) {
	raw, err := s.db.Get(ctx, requestKey(kind, id))
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("ledger: decode request %s: %w", id, err)
	}
	status, err := s.db.Get(ctx, StatusKey(kind, id))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return Request{}, err
	default:
		req.Status = Status(status)
	}
	return req, nil
}

// ListRequests returns requests of kind, newest first. An empty status lists all.
func (s *Store) ListRequests(ctx context.Context, kind Kind, status Status) ([]Request, error) {
	statuses := make(map[string]Status)
	prefix := statusPrefix + string(kind) + "/"
	if err := s.db.Iterate(ctx, prefix, func(key string, value []byte) error {
		statuses[strings.TrimPrefix(key, prefix)] = Status(value)
		return nil
	}); err != nil {
		return nil, err
	}
	requests := make([]Request, 0)
	err := s.db.Iterate(ctx, requestPrefix+string(kind)+"/", func(key string, value []byte) error {
		var req Request
		if err := json.Unmarshal(value, &req); err != nil {
			return fmt.Errorf("ledger: decode %s: %w", key, err)
		}
		if current, ok := statuses[req.ID]; ok {
			req.Status = current
		}
		if status == "" || req.Status == status {
			requests = append(requests, req)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})
	return requests, nil
}

// ListPending returns the pending requests of kind, newest first.
func (s *Store) ListPending(ctx context.Context, kind Kind) ([]Request, error) {
	return s.ListRequests(ctx, kind, StatusPending)
}

// SetStatus moves a request from one status to another with a compare-and-set.
func (s *Store) SetStatus(ctx context.Context, kind Kind, id string, from, to Status) error {
	return s.db.Apply(ctx, TransitionBatch(kind, id, from, to))
}

// Apply submits a batch built from the helpers below.
func (s *Store) Apply(ctx context.Context, batch []storage.Mutation) error {
	return s.db.Apply(ctx, batch)
}

// TransitionBatch asserts the request is in from and moves it to to.
func TransitionBatch(kind Kind, id string, from, to Status) []storage.Mutation {
	return []storage.Mutation{
		storage.Expect(StatusKey(kind, id), []byte(from)),
		storage.Set(StatusKey(kind, id), []byte(to)),
	}
}

// ActivateMutation flips the account's activation flag.
func ActivateMutation(accountID string) storage.Mutation {
	return storage.Set(ActiveKey(accountID), []byte(valueTrue))
}

// CreditMutations turns walker credits into balance increments.
func CreditMutations(credits []referral.Credit) []storage.Mutation {
	out := make([]storage.Mutation, 0, len(credits))
	for _, c := range credits {
		out = append(out, storage.Increment(BalanceKey(c.AccountID), int64(c.Amount)))
	}
	return out
}

// DebitMutation withdraws amount from the balance, refusing to overdraw.
func DebitMutation(accountID string, amount referral.Amount) storage.Mutation {
	return storage.IncrementFloor(BalanceKey(accountID), -int64(amount), 0)
}

// RefundMutation returns amount to the balance.
func RefundMutation(accountID string, amount referral.Amount) storage.Mutation {
	return storage.Increment(BalanceKey(accountID), int64(amount))
}

func randomCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
