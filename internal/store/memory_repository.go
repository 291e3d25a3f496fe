package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mopatas/transaction-service/internal/domain"
	"github.com/shopspring/decimal"
)

type memoryAccount struct {
	mu      sync.Mutex
	account domain.Account
}

type memorySession struct {
	mu      sync.Mutex
	session domain.Session
}

// MemoryRepository is a process-local Repository. Every account and every
// session carries its own mutex; the maps' lock only guards lookup and insert.
type MemoryRepository struct {
	mu         sync.RWMutex
	accounts   map[string]*memoryAccount
	sessions   map[string]*memorySession
	operatorID string

	ledgerMu sync.Mutex
	ledger   []domain.SettlementRecord

	now func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[string]*memoryAccount),
		sessions: make(map[string]*memorySession),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[account.ID]; ok {
		return ErrAccountExists
	}
	now := r.now()
	stored := cloneAccount(account)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.accounts[account.ID] = &memoryAccount{account: *stored}
	account.CreatedAt = stored.CreatedAt
	account.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *MemoryRepository) FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error) {
	entry := r.account(accountID)
	if entry == nil {
		return nil, ErrAccountNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneAccount(&entry.account), nil
}

func (r *MemoryRepository) OperatorAccount(ctx context.Context) (*domain.Account, error) {
	r.mu.RLock()
	operatorID := r.operatorID
	r.mu.RUnlock()
	if operatorID == "" {
		return nil, ErrOperatorAccountNotFound
	}
	return r.FindAccountByID(ctx, operatorID)
}

func (r *MemoryRepository) EnsureOperatorAccount(ctx context.Context, accountID string, initialBalance decimal.Decimal) (*domain.Account, error) {
	r.mu.Lock()
	if r.operatorID != "" && r.operatorID != accountID {
		r.mu.Unlock()
		return nil, fmt.Errorf("operator account already provisioned as %s", r.operatorID)
	}
	if existing, ok := r.accounts[accountID]; ok {
		if existing.account.Kind != domain.AccountOperator {
			r.mu.Unlock()
			return nil, fmt.Errorf("operator id %s is taken by a wallet: %w", accountID, ErrAccountExists)
		}
	} else {
		now := r.now()
		r.accounts[accountID] = &memoryAccount{account: domain.Account{
			ID:        accountID,
			Name:      "Operator",
			Balance:   initialBalance,
			Kind:      domain.AccountOperator,
			CreatedAt: now,
			UpdatedAt: now,
		}}
	}
	r.operatorID = accountID
	r.mu.Unlock()

	return r.FindAccountByID(ctx, accountID)
}

func (r *MemoryRepository) ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, error) {
	return r.applyWithFloor(accountID, Posting{AccountID: accountID, Delta: delta})
}

func (r *MemoryRepository) CompareAndApplyMinimum(ctx context.Context, accountID string, minimum, delta decimal.Decimal) (decimal.Decimal, error) {
	return r.applyWithFloor(accountID, Posting{AccountID: accountID, Delta: delta, Minimum: &minimum})
}

func (r *MemoryRepository) applyWithFloor(accountID string, p Posting) (decimal.Decimal, error) {
	entry := r.account(accountID)
	if entry == nil {
		return decimal.Zero, ErrAccountNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if floor, ok := balanceFloor(p); ok && entry.account.Balance.LessThan(floor) {
		return entry.account.Balance, shortfall(p)
	}
	entry.account.Balance = entry.account.Balance.Add(p.Delta)
	entry.account.UpdatedAt = r.now()
	return entry.account.Balance, nil
}

func (r *MemoryRepository) CreateSession(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.Code]; ok {
		return ErrSessionCodeTaken
	}
	r.sessions[session.Code] = &memorySession{session: *cloneSession(session)}
	return nil
}

func (r *MemoryRepository) FindSessionByCode(ctx context.Context, code string) (*domain.Session, error) {
	entry := r.session(code)
	if entry == nil {
		return nil, domain.ErrSessionNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneSession(&entry.session), nil
}

func (r *MemoryRepository) ExpireSession(ctx context.Context, code string, cutoff time.Time) (bool, error) {
	entry := r.session(code)
	if entry == nil {
		return false, domain.ErrSessionNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return expireLocked(&entry.session, cutoff), nil
}

func (r *MemoryRepository) ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.RLock()
	entries := make([]*memorySession, 0, len(r.sessions))
	for _, entry := range r.sessions {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	var expired int64
	for _, entry := range entries {
		entry.mu.Lock()
		if expireLocked(&entry.session, cutoff) {
			expired++
		}
		entry.mu.Unlock()
	}
	return expired, nil
}

func expireLocked(s *domain.Session, cutoff time.Time) bool {
	if s.Status != domain.SessionPending || !s.CreatedAt.Before(cutoff) {
		return false
	}
	s.Status = domain.SessionExpired
	return true
}

func (r *MemoryRepository) SettleSession(ctx context.Context, plan SettlementPlan) (*SettlementOutcome, error) {
	entry := r.session(plan.SessionCode)
	if entry == nil {
		return nil, domain.ErrSessionNotFound
	}

	// The session lock is the serialisation point for exactly-once settlement.
	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch entry.session.Status {
	case domain.SessionCompleted:
		return nil, domain.ErrAlreadySettled
	case domain.SessionExpired:
		return nil, domain.ErrSessionExpired
	}
	if expireLocked(&entry.session, plan.StaleCutoff) {
		return nil, domain.ErrSessionExpired
	}

	ids := lockOrder(plan.Postings)
	accounts := make(map[string]*memoryAccount, len(ids))
	for _, id := range ids {
		acct := r.account(id)
		if acct == nil {
			return nil, fmt.Errorf("settle %s: account %s: %w", plan.SessionCode, id, ErrAccountNotFound)
		}
		accounts[id] = acct
	}
	for _, id := range ids {
		accounts[id].mu.Lock()
		defer accounts[id].mu.Unlock()
	}

	balances := make(map[string]decimal.Decimal, len(ids))
	for _, id := range ids {
		balances[id] = accounts[id].account.Balance
	}
	for _, p := range plan.Postings {
		current := balances[p.AccountID]
		if floor, ok := balanceFloor(p); ok && current.LessThan(floor) {
			return nil, shortfall(p)
		}
		balances[p.AccountID] = current.Add(p.Delta)
	}

	for id, balance := range balances {
		accounts[id].account.Balance = balance
		accounts[id].account.UpdatedAt = plan.SettledAt
	}
	if plan.Record != nil {
		r.ledgerMu.Lock()
		r.ledger = append(r.ledger, *plan.Record)
		r.ledgerMu.Unlock()
	}

	settledAt := plan.SettledAt
	settlementID := plan.SettlementID
	entry.session.Status = domain.SessionCompleted
	entry.session.SettledAt = &settledAt
	entry.session.SettlementID = &settlementID

	return &SettlementOutcome{Session: cloneSession(&entry.session), Balances: balances}, nil
}

func (r *MemoryRepository) ListSettlementRecordsByPayer(ctx context.Context, payerID string, limit int, offset int) ([]domain.SettlementRecord, error) {
	limit, offset = normalizePage(limit, offset)

	r.ledgerMu.Lock()
	matches := make([]domain.SettlementRecord, 0)
	for _, record := range r.ledger {
		if record.PayerID == payerID {
			matches = append(matches, record)
		}
	}
	r.ledgerMu.Unlock()

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if offset >= len(matches) {
		return []domain.SettlementRecord{}, nil
	}
	end := offset + limit
	if end > len(matches) {
		end = len(matches)
	}
	return matches[offset:end], nil
}

func (r *MemoryRepository) account(id string) *memoryAccount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accounts[id]
}

func (r *MemoryRepository) session(code string) *memorySession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[code]
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func cloneAccount(a *domain.Account) *domain.Account {
	out := *a
	if a.AccessCodeHash != nil {
		hash := *a.AccessCodeHash
		out.AccessCodeHash = &hash
	}
	return &out
}

func cloneSession(s *domain.Session) *domain.Session {
	out := *s
	if s.Descriptor != nil {
		d := *s.Descriptor
		out.Descriptor = &d
	}
	if s.SettledAt != nil {
		t := *s.SettledAt
		out.SettledAt = &t
	}
	if s.SettlementID != nil {
		id := *s.SettlementID
		out.SettlementID = &id
	}
	return &out
}
