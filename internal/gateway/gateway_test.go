package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tradeguard/internal/clock"
	"github.com/quantrail/tradeguard/internal/domain"
)

type fakeBreaker struct {
	halted       map[string]bool
	marketHalted bool
}

func (b *fakeBreaker) IsHalted(symbol string) bool { return b.halted[symbol] }
func (b *fakeBreaker) IsMarketHalted() bool        { return b.marketHalted }

type fakeQuota struct {
	mu     sync.Mutex
	allow  bool
	peeks  int
	checks int
}

func (q *fakeQuota) Peek(context.Context, string, string, string, int) domain.RateLimitDecision {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.peeks++
	return domain.RateLimitDecision{Allowed: q.allow, Reason: "limit_exceeded"}
}

func (q *fakeQuota) Check(context.Context, string, string, string, int) domain.RateLimitDecision {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checks++
	return domain.RateLimitDecision{Allowed: q.allow, Reason: "limit_exceeded"}
}

type fakeAccountStore struct {
	account domain.Account
}

func (s *fakeAccountStore) GetByID(_ context.Context, id string) (domain.Account, error) {
	if id != s.account.ID {
		return domain.Account{}, domain.ErrNotFound
	}
	return s.account, nil
}

func (s *fakeAccountStore) List(context.Context) ([]domain.Account, error) {
	return []domain.Account{s.account}, nil
}

func (s *fakeAccountStore) UpdateBalance(context.Context, string, float64) error { return nil }

func (s *fakeAccountStore) SetState(context.Context, string, domain.AccountState, ...domain.AccountState) (bool, error) {
	return false, nil
}

func (s *fakeAccountStore) SetEmergencyStop(context.Context, string, bool, string) (bool, error) {
	return false, nil
}

// fakeConfirmationStore reproduces the atomic consume contract in memory.
type fakeConfirmationStore struct {
	mu    sync.Mutex
	byTok map[string]*domain.TradeConfirmation
}

func newFakeConfirmationStore() *fakeConfirmationStore {
	return &fakeConfirmationStore{byTok: make(map[string]*domain.TradeConfirmation)}
}

func (s *fakeConfirmationStore) Create(_ context.Context, c domain.TradeConfirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byTok[c.Token]; ok {
		return domain.ErrAlreadyExists
	}
	s.byTok[c.Token] = &c
	return nil
}

func (s *fakeConfirmationStore) GetByToken(_ context.Context, token string) (domain.TradeConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byTok[token]
	if !ok {
		return domain.TradeConfirmation{}, domain.ErrNotFound
	}
	return *c, nil
}

func (s *fakeConfirmationStore) Consume(_ context.Context, token string, now time.Time) (domain.TradeConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byTok[token]
	if !ok {
		return domain.TradeConfirmation{}, domain.ErrNotFound
	}
	if c.Expired(now) {
		return domain.TradeConfirmation{}, domain.ErrConfirmationExpired
	}
	if c.Confirmed {
		return domain.TradeConfirmation{}, domain.ErrConfirmationUsed
	}
	c.Confirmed = true
	return *c, nil
}

func (s *fakeConfirmationStore) SetOutcome(_ context.Context, token string, outcome domain.ConfirmationOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byTok[token]
	if !ok {
		return domain.ErrNotFound
	}
	c.Outcome = outcome
	return nil
}

func (s *fakeConfirmationStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for tok, c := range s.byTok {
		if !c.Confirmed && c.Expired(before) {
			delete(s.byTok, tok)
			n++
		}
	}
	return n, nil
}

func (s *fakeConfirmationStore) outcome(token string) domain.ConfirmationOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byTok[token].Outcome
}

type fakeTradeStore struct {
	mu      sync.Mutex
	records []domain.TradeRecord
}

func (s *fakeTradeStore) Insert(_ context.Context, trade domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, trade)
	return nil
}

func (s *fakeTradeStore) GetByID(context.Context, string) (domain.TradeRecord, error) {
	return domain.TradeRecord{}, domain.ErrNotFound
}

func (s *fakeTradeStore) ListByAccount(context.Context, string, domain.ListOpts) ([]domain.TradeRecord, error) {
	return nil, nil
}

func (s *fakeTradeStore) SumRealizedLoss(context.Context, string, time.Time) (float64, error) {
	return 0, nil
}

func (s *fakeTradeStore) ListOlderThan(context.Context, time.Time, int) ([]domain.TradeRecord, error) {
	return nil, nil
}

func (s *fakeTradeStore) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *fakeTradeStore) statuses() []domain.TradeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TradeStatus, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Status)
	}
	return out
}

type fakeExchange struct {
	mu      sync.Mutex
	fill    domain.OrderFill
	err     error
	submits int
}

func (e *fakeExchange) Name() string { return "paper" }

func (e *fakeExchange) KnownSymbol(symbol string) bool {
	return symbol == "BTC-USD" || symbol == "ETH-USD"
}

func (e *fakeExchange) SubmitOrder(context.Context, domain.OrderRequest) (domain.OrderFill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submits++
	return e.fill, e.err
}

func (e *fakeExchange) submitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submits
}

type fixture struct {
	gw            *Gateway
	clk           *clock.Fake
	breaker       *fakeBreaker
	quota         *fakeQuota
	accounts      *fakeAccountStore
	confirmations *fakeConfirmationStore
	trades        *fakeTradeStore
	exchange      *fakeExchange
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clk:           clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		breaker:       &fakeBreaker{halted: make(map[string]bool)},
		quota:         &fakeQuota{allow: true},
		confirmations: newFakeConfirmationStore(),
		trades:        &fakeTradeStore{},
		exchange: &fakeExchange{fill: domain.OrderFill{
			OrderID:       "ord-1",
			FilledAmount:  0.5,
			ExecutedPrice: 50100,
			Fee:           25.05,
		}},
	}
	f.accounts = &fakeAccountStore{account: domain.Account{
		ID:             "acct-1",
		InitialBalance: 100000,
		Balance:        100000,
		State:          domain.AccountStateNormal,
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.gw = New(Config{ConfirmationTTL: 30 * time.Second, ExecuteEndpoint: "order"},
		f.clk, f.breaker, f.quota, f.accounts, f.confirmations, f.trades, f.exchange, nil, logger)
	return f
}

func buyRequest() domain.TradeRequest {
	return domain.TradeRequest{
		AccountID: "acct-1",
		Exchange:  "paper",
		Symbol:    "BTC-USD",
		Side:      domain.OrderSideBuy,
		OrderType: domain.OrderTypeLimit,
		Amount:    0.5,
		Price:     50000,
		Source:    domain.TradeSourceManual,
	}
}

func TestValidateAllowsHealthyRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	dec, err := f.gw.Validate(context.Background(), buyRequest())

	require.NoError(t, err)
	assert.True(t, dec.Valid)
	// Validate peeks; it must not consume quota.
	assert.Equal(t, 1, f.quota.peeks)
	assert.Equal(t, 0, f.quota.checks)
}

func TestGateOrdering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(*fixture)
		gate    string
		wantErr error
	}{
		{
			name: "emergency stop first",
			setup: func(f *fixture) {
				f.accounts.account.EmergencyStop = true
				f.accounts.account.State = domain.AccountStateStopped
				f.breaker.halted["BTC-USD"] = true
				f.quota.allow = false
			},
			gate:    GateEmergencyStop,
			wantErr: domain.ErrEmergencyStop,
		},
		{
			name: "account state before halts",
			setup: func(f *fixture) {
				f.accounts.account.State = domain.AccountStatePaused
				f.breaker.halted["BTC-USD"] = true
			},
			gate:    GateAccountState,
			wantErr: domain.ErrAccountPaused,
		},
		{
			name: "symbol halt before market halt",
			setup: func(f *fixture) {
				f.breaker.halted["BTC-USD"] = true
				f.breaker.marketHalted = true
			},
			gate:    GateSymbolHalt,
			wantErr: domain.ErrSymbolHalted,
		},
		{
			name: "market halt before rate limit",
			setup: func(f *fixture) {
				f.breaker.marketHalted = true
				f.quota.allow = false
			},
			gate:    GateMarketHalt,
			wantErr: domain.ErrMarketHalted,
		},
		{
			name: "rate limit before domain checks",
			setup: func(f *fixture) {
				f.quota.allow = false
			},
			gate:    GateRateLimit,
			wantErr: domain.ErrRateLimited,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.setup(f)
			req := buyRequest()
			req.Amount = -1 // domain gate would also fail; it must lose

			dec, err := f.gw.Validate(context.Background(), req)

			require.NoError(t, err)
			assert.False(t, dec.Valid)
			assert.Equal(t, tt.gate, dec.Gate)
			assert.ErrorIs(t, dec.Err, tt.wantErr)
		})
	}
}

func TestDomainGates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*domain.TradeRequest)
	}{
		{"non-positive amount", func(r *domain.TradeRequest) { r.Amount = 0 }},
		{"unknown symbol", func(r *domain.TradeRequest) { r.Symbol = "DOGE-USD" }},
		{"insufficient balance", func(r *domain.TradeRequest) { r.Amount = 100; r.Price = 50000 }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			req := buyRequest()
			tt.mutate(&req)

			dec, err := f.gw.Validate(context.Background(), req)

			require.NoError(t, err)
			assert.False(t, dec.Valid)
			assert.Equal(t, GateDomain, dec.Gate)
			assert.ErrorIs(t, dec.Err, domain.ErrInvalidTrade)
		})
	}
}

func TestSellIgnoresBalance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := buyRequest()
	req.Side = domain.OrderSideSell
	req.Amount = 100 // notional far above balance

	dec, err := f.gw.Validate(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, dec.Valid)
}

func TestUnknownAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := buyRequest()
	req.AccountID = "nope"

	_, err := f.gw.Validate(context.Background(), req)

	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConfirmThenExecute(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	conf, err := f.gw.CreateConfirmation(ctx, buyRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, conf.Token)
	assert.Equal(t, f.clk.Now().Add(30*time.Second), conf.ExpiresAt)

	res, err := f.gw.Execute(ctx, conf.Token)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", res.OrderID)
	assert.InDelta(t, 0.5, res.FilledAmount, 1e-9)

	// Exactly one recording quota check: confirm peeked, execute checked.
	assert.Equal(t, 1, f.quota.peeks)
	assert.Equal(t, 1, f.quota.checks)

	assert.Equal(t, domain.ConfirmationOutcomeExecuted, f.confirmations.outcome(conf.Token))
	require.Len(t, f.trades.statuses(), 1)
	assert.Equal(t, domain.TradeStatusExecuted, f.trades.statuses()[0])
}

func TestConfirmationBlockedWhenGateFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.breaker.halted["BTC-USD"] = true

	_, err := f.gw.CreateConfirmation(context.Background(), buyRequest())

	assert.ErrorIs(t, err, domain.ErrSymbolHalted)
}

func TestExecuteExpiredToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	conf, err := f.gw.CreateConfirmation(ctx, buyRequest())
	require.NoError(t, err)

	f.clk.Advance(31 * time.Second)

	_, err = f.gw.Execute(ctx, conf.Token)
	assert.ErrorIs(t, err, domain.ErrConfirmationExpired)
	assert.Zero(t, f.exchange.submitCount())
}

func TestExecuteUsedToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	conf, err := f.gw.CreateConfirmation(ctx, buyRequest())
	require.NoError(t, err)

	_, err = f.gw.Execute(ctx, conf.Token)
	require.NoError(t, err)

	_, err = f.gw.Execute(ctx, conf.Token)
	assert.ErrorIs(t, err, domain.ErrConfirmationUsed)
	assert.Equal(t, 1, f.exchange.submitCount())
}

func TestExecuteUnknownToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.gw.Execute(context.Background(), "no-such-token")

	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentExecuteExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	conf, err := f.gw.CreateConfirmation(ctx, buyRequest())
	require.NoError(t, err)

	const goroutines = 16
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gw.Execute(ctx, conf.Token)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, used int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrConfirmationUsed):
			used++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, goroutines-1, used)
	assert.Equal(t, 1, f.exchange.submitCount())
}

func TestRecheckBlockConsumesToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	conf, err := f.gw.CreateConfirmation(ctx, buyRequest())
	require.NoError(t, err)

	// The halt lands between confirm and execute.
	f.breaker.halted["BTC-USD"] = true

	_, err = f.gw.Execute(ctx, conf.Token)
	require.ErrorIs(t, err, domain.ErrSymbolHalted)
	assert.Zero(t, f.exchange.submitCount())
	assert.Equal(t, domain.ConfirmationOutcomeBlocked, f.confirmations.outcome(conf.Token))

	// The spent token cannot be replayed after the halt clears.
	f.breaker.halted["BTC-USD"] = false
	_, err = f.gw.Execute(ctx, conf.Token)
	assert.ErrorIs(t, err, domain.ErrConfirmationUsed)
}

func TestUpstreamFailureSpendsToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.exchange.err = errors.New("venue unavailable")
	ctx := context.Background()

	conf, err := f.gw.CreateConfirmation(ctx, buyRequest())
	require.NoError(t, err)

	_, err = f.gw.Execute(ctx, conf.Token)

	var upstream *domain.UpstreamExecutionError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, domain.ConfirmationOutcomeFailed, f.confirmations.outcome(conf.Token))
	require.Len(t, f.trades.statuses(), 1)
	assert.Equal(t, domain.TradeStatusFailed, f.trades.statuses()[0])

	// No automatic retry path: the token is gone.
	_, err = f.gw.Execute(ctx, conf.Token)
	assert.ErrorIs(t, err, domain.ErrConfirmationUsed)
}

func TestCleanupExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	conf, err := f.gw.CreateConfirmation(ctx, buyRequest())
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	f.gw.CleanupExpired(ctx, f.clk.Now())

	_, err = f.confirmations.GetByToken(ctx, conf.Token)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(domain.ErrRateLimited))
	assert.False(t, IsRetryable(domain.ErrSymbolHalted))
	assert.False(t, IsRetryable(domain.ErrConfirmationUsed))
}
