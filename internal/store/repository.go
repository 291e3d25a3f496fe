/**
 * @description
 * This file defines the storage contracts required by the transaction-service.
 * Accounts, sessions and the premium-service ledger are split into three narrow
 * interfaces so the engine can be tested against the in-memory implementation
 * and run in production against PostgreSQL.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Money amounts.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mopatas/transaction-service/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountExists           = errors.New("account already exists")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrOperatorAccountNotFound = errors.New("operator account not provisioned")
	ErrSessionCodeTaken        = errors.New("session code already in use")
)

// AccountStore holds wallet balances, including the operator account.
type AccountStore interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error)
	OperatorAccount(ctx context.Context) (*domain.Account, error)
	EnsureOperatorAccount(ctx context.Context, accountID string, initialBalance decimal.Decimal) (*domain.Account, error)

	// ApplyDelta adds delta to the balance. A delta that would make the
	// balance negative fails with ErrInsufficientFunds and changes nothing.
	ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, error)
	// CompareAndApplyMinimum applies delta only when the pre-delta balance is
	// at least minimum, otherwise it fails with ErrInsufficientFunds.
	CompareAndApplyMinimum(ctx context.Context, accountID string, minimum, delta decimal.Decimal) (decimal.Decimal, error)
}

// SessionStore persists transaction sessions and settles them.
type SessionStore interface {
	// CreateSession inserts a pending session. It never overwrites: an
	// existing code yields ErrSessionCodeTaken.
	CreateSession(ctx context.Context, session *domain.Session) error
	FindSessionByCode(ctx context.Context, code string) (*domain.Session, error)
	// ExpireSession moves a pending session created before cutoff to expired.
	ExpireSession(ctx context.Context, code string, cutoff time.Time) (bool, error)
	ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int64, error)
	// SettleSession applies a settlement plan as one atomic unit.
	SettleSession(ctx context.Context, plan SettlementPlan) (*SettlementOutcome, error)
}

// LedgerStore exposes the premium-service ledger to reporting callers.
// Rows are appended only by SettleSession.
type LedgerStore interface {
	ListSettlementRecordsByPayer(ctx context.Context, payerID string, limit int, offset int) ([]domain.SettlementRecord, error)
}

// Repository is the full storage surface used by the service.
type Repository interface {
	AccountStore
	SessionStore
	LedgerStore
}

// Posting is one balance delta within a settlement.
type Posting struct {
	AccountID string
	Delta     decimal.Decimal
	// Minimum, when set, is the balance the account must hold before Delta applies.
	Minimum *decimal.Decimal
	// Shortfall is returned when Minimum is not met or the balance would go negative.
	Shortfall error
}

// SettlementPlan is everything SettleSession needs to close a session.
type SettlementPlan struct {
	SessionCode  string
	SettlementID string
	Postings     []Posting
	Record       *domain.SettlementRecord
	// Sessions created before StaleCutoff are expired instead of settled.
	StaleCutoff time.Time
	SettledAt   time.Time
}

// SettlementOutcome reports the committed state after a settlement.
type SettlementOutcome struct {
	Session  *domain.Session
	Balances map[string]decimal.Decimal
}

// lockOrder returns the distinct account ids of a plan in the order locks must be taken.
func lockOrder(postings []Posting) []string {
	seen := make(map[string]struct{}, len(postings))
	ids := make([]string, 0, len(postings))
	for _, p := range postings {
		if _, ok := seen[p.AccountID]; ok {
			continue
		}
		seen[p.AccountID] = struct{}{}
		ids = append(ids, p.AccountID)
	}
	sort.Strings(ids)
	return ids
}

// balanceFloor is the smallest pre-delta balance that satisfies a posting.
// ok is false for postings that cannot fail.
func balanceFloor(p Posting) (floor decimal.Decimal, ok bool) {
	if p.Delta.IsNegative() {
		floor, ok = p.Delta.Neg(), true
	}
	if p.Minimum != nil && (!ok || p.Minimum.GreaterThan(floor)) {
		floor, ok = *p.Minimum, true
	}
	return floor, ok
}

func shortfall(p Posting) error {
	if p.Shortfall != nil {
		return p.Shortfall
	}
	return ErrInsufficientFunds
}
