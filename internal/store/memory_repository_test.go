package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mopatas/transaction-service/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOperatorShort = errors.New("operator short")

func seedAccount(t *testing.T, repo *MemoryRepository, id string, balance int64, kind domain.AccountKind) {
	t.Helper()
	require.NoError(t, repo.CreateAccount(context.Background(), &domain.Account{
		ID:      id,
		Name:    id,
		Balance: decimal.NewFromInt(balance),
		Kind:    kind,
	}))
}

func seedSession(t *testing.T, repo *MemoryRepository, code string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, repo.CreateSession(context.Background(), &domain.Session{
		Code:        code,
		SenderID:    "alice",
		RecipientID: "bob",
		Amount:      decimal.NewFromInt(100),
		Kind:        domain.KindTransfer,
		Status:      domain.SessionPending,
		CreatedAt:   createdAt,
	}))
}

func transferPlan(code string, amount int64, now time.Time) SettlementPlan {
	debit := decimal.NewFromInt(amount)
	return SettlementPlan{
		SessionCode:  code,
		SettlementID: "stl-" + code,
		Postings: []Posting{
			{AccountID: "alice", Delta: debit.Neg(), Minimum: &debit},
			{AccountID: "bob", Delta: debit},
		},
		StaleCutoff: now.Add(-10 * time.Minute),
		SettledAt:   now,
	}
}

func balanceOf(t *testing.T, repo *MemoryRepository, id string) decimal.Decimal {
	t.Helper()
	account, err := repo.FindAccountByID(context.Background(), id)
	require.NoError(t, err)
	return account.Balance
}

func TestMemoryRepositoryCreateAccountRejectsDuplicate(t *testing.T) {
	repo := NewMemoryRepository()
	seedAccount(t, repo, "alice", 0, domain.AccountStandard)

	err := repo.CreateAccount(context.Background(), &domain.Account{ID: "alice", Kind: domain.AccountStandard})
	assert.ErrorIs(t, err, ErrAccountExists)

	_, err = repo.FindAccountByID(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryRepositoryCreateAccountReturnsTimestamps(t *testing.T) {
	repo := NewMemoryRepository()
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	account := &domain.Account{ID: "carol", Name: "Carol", Balance: decimal.Zero, Kind: domain.AccountStandard}
	require.NoError(t, repo.CreateAccount(context.Background(), account))
	assert.Equal(t, fixed, account.CreatedAt)
	assert.Equal(t, fixed, account.UpdatedAt)

	stored, err := repo.FindAccountByID(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, stored.CreatedAt, account.CreatedAt)
}

func TestMemoryRepositoryEnsureOperatorAccountRefusesWalletID(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedAccount(t, repo, "company", 700, domain.AccountStandard)

	_, err := repo.EnsureOperatorAccount(ctx, "company", decimal.NewFromInt(5000))
	assert.ErrorIs(t, err, ErrAccountExists)

	_, err = repo.OperatorAccount(ctx)
	assert.ErrorIs(t, err, ErrOperatorAccountNotFound)
	assert.True(t, balanceOf(t, repo, "company").Equal(decimal.NewFromInt(700)))
}

func TestMemoryRepositoryEnsureOperatorAccountIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.OperatorAccount(ctx)
	require.ErrorIs(t, err, ErrOperatorAccountNotFound)

	first, err := repo.EnsureOperatorAccount(ctx, "company", decimal.NewFromInt(5000))
	require.NoError(t, err)
	assert.Equal(t, domain.AccountOperator, first.Kind)

	_, err = repo.ApplyDelta(ctx, "company", decimal.NewFromInt(-1000))
	require.NoError(t, err)

	second, err := repo.EnsureOperatorAccount(ctx, "company", decimal.NewFromInt(5000))
	require.NoError(t, err)
	assert.True(t, second.Balance.Equal(decimal.NewFromInt(4000)), "existing balance must be kept, got %s", second.Balance)

	_, err = repo.EnsureOperatorAccount(ctx, "other", decimal.Zero)
	assert.Error(t, err)
}

func TestMemoryRepositoryApplyDeltaNeverGoesNegative(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedAccount(t, repo, "alice", 100, domain.AccountStandard)

	_, err := repo.ApplyDelta(ctx, "alice", decimal.NewFromInt(-101))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, balanceOf(t, repo, "alice").Equal(decimal.NewFromInt(100)))

	balance, err := repo.ApplyDelta(ctx, "alice", decimal.NewFromInt(-100))
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestMemoryRepositoryCompareAndApplyMinimum(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedAccount(t, repo, "alice", 100, domain.AccountStandard)

	_, err := repo.CompareAndApplyMinimum(ctx, "alice", decimal.NewFromInt(150), decimal.NewFromInt(10))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	balance, err := repo.CompareAndApplyMinimum(ctx, "alice", decimal.NewFromInt(100), decimal.NewFromInt(-40))
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(60)))
}

func TestMemoryRepositoryCreateSessionNeverOverwrites(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	seedSession(t, repo, "ABCD1234", now)

	err := repo.CreateSession(context.Background(), &domain.Session{Code: "ABCD1234", Status: domain.SessionPending})
	assert.ErrorIs(t, err, ErrSessionCodeTaken)

	_, err = repo.FindSessionByCode(context.Background(), "ZZZZ0000")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestMemoryRepositorySettleSessionAppliesPostings(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	seedAccount(t, repo, "alice", 500, domain.AccountStandard)
	seedAccount(t, repo, "bob", 0, domain.AccountStandard)
	seedSession(t, repo, "S1", now)

	outcome, err := repo.SettleSession(context.Background(), transferPlan("S1", 200, now))
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, outcome.Session.Status)
	require.NotNil(t, outcome.Session.SettlementID)
	assert.Equal(t, "stl-S1", *outcome.Session.SettlementID)
	assert.True(t, outcome.Balances["alice"].Equal(decimal.NewFromInt(300)))
	assert.True(t, balanceOf(t, repo, "bob").Equal(decimal.NewFromInt(200)))

	_, err = repo.SettleSession(context.Background(), transferPlan("S1", 200, now))
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
	assert.True(t, balanceOf(t, repo, "alice").Equal(decimal.NewFromInt(300)))
}

func TestMemoryRepositorySettleSessionIsAllOrNothing(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	seedAccount(t, repo, "alice", 500, domain.AccountStandard)
	seedAccount(t, repo, "bob", 0, domain.AccountStandard)
	seedAccount(t, repo, "company", 10, domain.AccountOperator)
	seedSession(t, repo, "S1", now)

	plan := transferPlan("S1", 200, now)
	fifty := decimal.NewFromInt(50)
	plan.Postings = append(plan.Postings, Posting{AccountID: "company", Delta: fifty.Neg(), Minimum: &fifty, Shortfall: errOperatorShort})

	_, err := repo.SettleSession(context.Background(), plan)
	require.ErrorIs(t, err, errOperatorShort)

	assert.True(t, balanceOf(t, repo, "alice").Equal(decimal.NewFromInt(500)))
	assert.True(t, balanceOf(t, repo, "bob").IsZero())
	session, err := repo.FindSessionByCode(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPending, session.Status)
}

func TestMemoryRepositorySettleSessionExpiresStaleSession(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	seedAccount(t, repo, "alice", 500, domain.AccountStandard)
	seedAccount(t, repo, "bob", 0, domain.AccountStandard)
	seedSession(t, repo, "OLD", now.Add(-11*time.Minute))

	_, err := repo.SettleSession(context.Background(), transferPlan("OLD", 100, now))
	require.ErrorIs(t, err, domain.ErrSessionExpired)

	session, err := repo.FindSessionByCode(context.Background(), "OLD")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, session.Status)
	assert.True(t, balanceOf(t, repo, "alice").Equal(decimal.NewFromInt(500)))

	_, err = repo.SettleSession(context.Background(), transferPlan("OLD", 100, now))
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestMemoryRepositorySettleSessionExactlyOnceUnderContention(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	seedAccount(t, repo, "alice", 1000, domain.AccountStandard)
	seedAccount(t, repo, "bob", 0, domain.AccountStandard)
	seedSession(t, repo, "RACE", now)

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		settled   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.SettleSession(context.Background(), transferPlan("RACE", 100, now))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrAlreadySettled):
				settled++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, settled)
	assert.True(t, balanceOf(t, repo, "alice").Equal(decimal.NewFromInt(900)))
	assert.True(t, balanceOf(t, repo, "bob").Equal(decimal.NewFromInt(100)))
}

func TestMemoryRepositoryConcurrentDebitsNeverOverdraw(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	seedAccount(t, repo, "alice", 1000, domain.AccountStandard)
	seedAccount(t, repo, "bob", 0, domain.AccountStandard)

	const sessions = 20
	codes := make([]string, sessions)
	for i := range codes {
		codes[i] = "C" + string(rune('A'+i))
		seedSession(t, repo, codes[i], now)
	}

	var wg sync.WaitGroup
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			_, _ = repo.SettleSession(context.Background(), transferPlan(code, 100, now))
		}(code)
	}
	wg.Wait()

	alice := balanceOf(t, repo, "alice")
	bob := balanceOf(t, repo, "bob")
	assert.False(t, alice.IsNegative())
	assert.True(t, alice.IsZero(), "ten debits of 100 should drain the wallet, got %s", alice)
	assert.True(t, alice.Add(bob).Equal(decimal.NewFromInt(1000)))
}

func TestMemoryRepositoryExpireStaleSessions(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	seedSession(t, repo, "FRESH", now)
	seedSession(t, repo, "STALE1", now.Add(-20*time.Minute))
	seedSession(t, repo, "STALE2", now.Add(-30*time.Minute))

	count, err := repo.ExpireStaleSessions(context.Background(), now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = repo.ExpireStaleSessions(context.Background(), now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, count)

	expired, err := repo.ExpireSession(context.Background(), "FRESH", now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestMemoryRepositoryListSettlementRecordsByPayer(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	seedAccount(t, repo, "alice", 1000, domain.AccountStandard)
	seedAccount(t, repo, "bob", 0, domain.AccountPremium)

	for i, code := range []string{"P1", "P2", "P3"} {
		seedSession(t, repo, code, now)
		plan := transferPlan(code, 10, now)
		plan.Record = &domain.SettlementRecord{
			SettlementID: "stl-" + code,
			SessionCode:  code,
			PayerID:      "alice",
			RecipientID:  "bob",
			Amount:       decimal.NewFromInt(10),
			CreatedAt:    now.Add(time.Duration(i) * time.Second),
		}
		_, err := repo.SettleSession(context.Background(), plan)
		require.NoError(t, err)
	}

	records, err := repo.ListSettlementRecordsByPayer(context.Background(), "alice", 2, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "P3", records[0].SessionCode)
	assert.Equal(t, "P2", records[1].SessionCode)

	records, err = repo.ListSettlementRecordsByPayer(context.Background(), "alice", 2, 2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "P1", records[0].SessionCode)

	records, err = repo.ListSettlementRecordsByPayer(context.Background(), "bob", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}
