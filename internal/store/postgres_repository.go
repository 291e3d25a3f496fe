/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for wallet accounts, transaction sessions and the
 * premium-service settlement ledger.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC balances are read as text and parsed.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - Every balance change is a conditional UPDATE guarded by a floor, so a
 *   concurrent writer can never drive a balance below zero.
 * - SettleSession locks the session row first, then the account rows in id order.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mopatas/transaction-service/internal/domain"
	"github.com/shopspring/decimal"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const accountColumns = `id, name, balance::text, kind, access_code_hash, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		account domain.Account
		balance string
		kind    string
	)
	if err := row.Scan(&account.ID, &account.Name, &balance, &kind, &account.AccessCodeHash, &account.CreatedAt, &account.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance of %s: %w", account.ID, err)
	}
	account.Balance = parsed
	account.Kind = domain.AccountKind(kind)
	return &account, nil
}

// CreateAccount inserts a new wallet.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, name, balance, kind, access_code_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, account.ID, account.Name, account.Balance, string(account.Kind), account.AccessCodeHash).
		Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return err
	}
	return nil
}

// FindAccountByID retrieves a wallet by its identifier.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID string) (*domain.Account, error) {
	return findAccount(ctx, r.db, accountID, false)
}

func findAccount(ctx context.Context, q querier, accountID string, forUpdate bool) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	account, err := scanAccount(q.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// OperatorAccount returns the single operator-kind account.
func (r *PostgresRepository) OperatorAccount(ctx context.Context) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE kind = 'operator' LIMIT 1`
	account, err := scanAccount(r.db.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// EnsureOperatorAccount creates the operator account on first boot. An existing
// operator account keeps its balance.
func (r *PostgresRepository) EnsureOperatorAccount(ctx context.Context, accountID string, initialBalance decimal.Decimal) (*domain.Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var existing string
	err = tx.QueryRow(ctx, `SELECT id FROM accounts WHERE kind = 'operator' LIMIT 1`).Scan(&existing)
	switch {
	case err == nil && existing != accountID:
		return nil, fmt.Errorf("operator account already provisioned as %s", existing)
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
			INSERT INTO accounts (id, name, balance, kind, created_at, updated_at)
			VALUES ($1, 'Operator', $2, 'operator', NOW(), NOW())
		`, accountID, initialBalance)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("operator id %s is taken by a wallet: %w", accountID, ErrAccountExists)
			}
			return nil, fmt.Errorf("failed to create operator account: %w", err)
		}
	default:
		return nil, err
	}

	account, err := findAccount(ctx, tx, accountID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

// ApplyDelta atomically adds delta to a balance without letting it go negative.
func (r *PostgresRepository) ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, error) {
	return applyPosting(ctx, r.db, Posting{AccountID: accountID, Delta: delta})
}

// CompareAndApplyMinimum atomically applies delta when the balance is at least minimum.
func (r *PostgresRepository) CompareAndApplyMinimum(ctx context.Context, accountID string, minimum, delta decimal.Decimal) (decimal.Decimal, error) {
	return applyPosting(ctx, r.db, Posting{AccountID: accountID, Delta: delta, Minimum: &minimum})
}

// applyPosting runs one guarded UPDATE. When no row matches it tells a missing
// account apart from a floor violation.
func applyPosting(ctx context.Context, q querier, p Posting) (decimal.Decimal, error) {
	floor, guarded := balanceFloor(p)
	if !guarded {
		floor = decimal.Zero
	}

	var balance string
	err := q.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2 AND balance >= $3
		RETURNING balance::text
	`, p.Delta, p.AccountID, floor).Scan(&balance)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, err
		}
		if _, findErr := findAccount(ctx, q, p.AccountID, false); findErr != nil {
			return decimal.Zero, findErr
		}
		return decimal.Zero, shortfall(p)
	}
	return decimal.NewFromString(balance)
}

const sessionColumns = `
	code, sender_id, recipient_field, recipient_id, client_ref, product_ref, collector_ref,
	amount::text, kind, status, created_at, settled_at, settlement_id
`

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		session                          domain.Session
		clientRef, productRef, collector *string
		amount, kind, status             string
	)
	err := row.Scan(
		&session.Code, &session.SenderID, &session.RecipientField, &session.RecipientID,
		&clientRef, &productRef, &collector,
		&amount, &kind, &status, &session.CreatedAt, &session.SettledAt, &session.SettlementID,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount of session %s: %w", session.Code, err)
	}
	session.Amount = parsed
	session.Kind = domain.TransactionKind(kind)
	session.Status = domain.SessionStatus(status)
	if clientRef != nil {
		session.Descriptor = &domain.BillDescriptor{ClientRef: *clientRef}
		if productRef != nil {
			session.Descriptor.ProductRef = *productRef
		}
		if collector != nil {
			session.Descriptor.CollectorRef = *collector
		}
	}
	return &session, nil
}

// CreateSession inserts a pending session. The primary key on code rejects duplicates.
func (r *PostgresRepository) CreateSession(ctx context.Context, session *domain.Session) error {
	var clientRef, productRef, collector *string
	if d := session.Descriptor; d != nil {
		clientRef, productRef, collector = &d.ClientRef, &d.ProductRef, &d.CollectorRef
	}
	query := `
		INSERT INTO sessions (
			code, sender_id, recipient_field, recipient_id, client_ref, product_ref, collector_ref,
			amount, kind, status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		session.Code, session.SenderID, session.RecipientField, session.RecipientID,
		clientRef, productRef, collector,
		session.Amount, string(session.Kind), string(session.Status), session.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSessionCodeTaken
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// FindSessionByCode retrieves a session by its code.
func (r *PostgresRepository) FindSessionByCode(ctx context.Context, code string) (*domain.Session, error) {
	return findSession(ctx, r.db, code, false)
}

func findSession(ctx context.Context, q querier, code string, forUpdate bool) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE code = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	session, err := scanSession(q.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

// ExpireSession moves a single stale pending session to expired.
func (r *PostgresRepository) ExpireSession(ctx context.Context, code string, cutoff time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sessions SET status = 'expired'
		WHERE code = $1 AND status = 'pending' AND created_at < $2
	`, code, cutoff)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindSessionByCode(ctx, code); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ExpireStaleSessions expires every pending session created before cutoff.
func (r *PostgresRepository) ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sessions SET status = 'expired'
		WHERE status = 'pending' AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SettleSession applies every posting of the plan, writes the ledger row and
// completes the session inside one database transaction.
func (r *PostgresRepository) SettleSession(ctx context.Context, plan SettlementPlan) (*SettlementOutcome, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	session, err := findSession(ctx, tx, plan.SessionCode, true)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case domain.SessionCompleted:
		return nil, domain.ErrAlreadySettled
	case domain.SessionExpired:
		return nil, domain.ErrSessionExpired
	}
	if session.CreatedAt.Before(plan.StaleCutoff) {
		if _, err := tx.Exec(ctx, `UPDATE sessions SET status = 'expired' WHERE code = $1`, plan.SessionCode); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return nil, domain.ErrSessionExpired
	}

	for _, id := range lockOrder(plan.Postings) {
		if _, err := findAccount(ctx, tx, id, true); err != nil {
			return nil, fmt.Errorf("settle %s: account %s: %w", plan.SessionCode, id, err)
		}
	}

	balances := make(map[string]decimal.Decimal, len(plan.Postings))
	for _, p := range plan.Postings {
		balance, err := applyPosting(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		balances[p.AccountID] = balance
	}

	if rec := plan.Record; rec != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO settlement_records (
				settlement_id, session_code, payer_id, recipient_id, client_ref, product_ref,
				collector_ref, amount, fee, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, rec.SettlementID, rec.SessionCode, rec.PayerID, rec.RecipientID, rec.ClientRef, rec.ProductRef,
			rec.CollectorRef, rec.Amount, rec.Fee, rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert settlement record: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE sessions
		SET status = 'completed', settled_at = $2, settlement_id = $3
		WHERE code = $1 AND status = 'pending'
	`, plan.SessionCode, plan.SettledAt, plan.SettlementID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() != 1 {
		return nil, domain.ErrAlreadySettled
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	settledAt := plan.SettledAt
	settlementID := plan.SettlementID
	session.Status = domain.SessionCompleted
	session.SettledAt = &settledAt
	session.SettlementID = &settlementID
	return &SettlementOutcome{Session: session, Balances: balances}, nil
}

// ListSettlementRecordsByPayer returns a payer's ledger rows, newest first.
func (r *PostgresRepository) ListSettlementRecordsByPayer(ctx context.Context, payerID string, limit int, offset int) ([]domain.SettlementRecord, error) {
	limit, offset = normalizePage(limit, offset)
	query := `
		SELECT settlement_id, session_code, payer_id, recipient_id, client_ref, product_ref,
		       collector_ref, amount::text, fee::text, created_at
		FROM settlement_records
		WHERE payer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, payerID, limit, offset)
	if err != nil {
		if isUndefinedTableError(err) {
			return []domain.SettlementRecord{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.SettlementRecord, 0, limit)
	for rows.Next() {
		var (
			rec         domain.SettlementRecord
			amount, fee string
		)
		if err := rows.Scan(
			&rec.SettlementID, &rec.SessionCode, &rec.PayerID, &rec.RecipientID, &rec.ClientRef, &rec.ProductRef,
			&rec.CollectorRef, &amount, &fee, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if rec.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
