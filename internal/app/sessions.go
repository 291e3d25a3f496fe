package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mopatas/transaction-service/internal/domain"
	"github.com/mopatas/transaction-service/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultSessionTTL        = 10 * time.Minute
	DefaultSessionCodeLength = 8
	maxSessionCodeAttempts   = 5
)

// OpenParams describes a session to open. RecipientID is already resolved.
type OpenParams struct {
	SenderID       string
	RecipientField string
	RecipientID    string
	Descriptor     *domain.BillDescriptor
	Amount         decimal.Decimal
	Kind           domain.TransactionKind
}

// SessionRegistry owns the pending -> completed/expired lifecycle of sessions.
type SessionRegistry struct {
	store      store.SessionStore
	ttl        time.Duration
	codeLength int
	now        func() time.Time
	newCode    func(length int) string
	logger     *zap.Logger
}

func NewSessionRegistry(sessions store.SessionStore, ttl time.Duration, codeLength int, logger *zap.Logger) *SessionRegistry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if codeLength < 6 || codeLength > 32 {
		codeLength = DefaultSessionCodeLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRegistry{
		store:      sessions,
		ttl:        ttl,
		codeLength: codeLength,
		now:        func() time.Time { return time.Now().UTC() },
		newCode:    uuidSessionCode,
		logger:     logger.With(zap.String("component", "session_registry")),
	}
}

// TTL is the confirmation window of a session.
func (r *SessionRegistry) TTL() time.Duration {
	return r.ttl
}

// uuidSessionCode derives an upper-case code from a random UUID. The
// dash-free form has 32 hex characters, so length is capped there.
func uuidSessionCode(length int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:length])
}

// Open persists a new pending session. A code collision regenerates the code
// and never overwrites the existing session.
func (r *SessionRegistry) Open(ctx context.Context, params OpenParams) (*domain.Session, error) {
	if !params.Amount.IsPositive() {
		return nil, domain.Errorf(domain.KindInvalidInput, "amount must be positive")
	}
	if strings.TrimSpace(params.SenderID) == "" || strings.TrimSpace(params.RecipientID) == "" || params.Kind == "" {
		return nil, domain.Errorf(domain.KindInvalidInput, "sender, recipient and kind are required")
	}

	session := &domain.Session{
		SenderID:       params.SenderID,
		RecipientField: params.RecipientField,
		RecipientID:    params.RecipientID,
		Descriptor:     params.Descriptor,
		Amount:         params.Amount,
		Kind:           params.Kind,
		Status:         domain.SessionPending,
		CreatedAt:      r.now(),
	}

	for attempt := 1; attempt <= maxSessionCodeAttempts; attempt++ {
		session.Code = r.newCode(r.codeLength)
		err := r.store.CreateSession(ctx, session)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, store.ErrSessionCodeTaken) {
			return nil, fmt.Errorf("failed to persist session: %w", err)
		}
		r.logger.Warn("session code collision; regenerating", zap.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("could not allocate a unique session code after %d attempts", maxSessionCodeAttempts)
}

// Lookup returns the session for code or SessionNotFound.
func (r *SessionRegistry) Lookup(ctx context.Context, code string) (*domain.Session, error) {
	code = normalizeSessionCode(code)
	if code == "" {
		return nil, domain.Errorf(domain.KindInvalidInput, "session code is required")
	}
	return r.store.FindSessionByCode(ctx, code)
}

// ExpireIfStale moves a stale pending session to expired. It reports whether
// the session is stale, whether or not this call performed the transition.
func (r *SessionRegistry) ExpireIfStale(ctx context.Context, session *domain.Session) (bool, error) {
	now := r.now()
	if !session.StaleAt(now, r.ttl) {
		return false, nil
	}
	if session.Status != domain.SessionPending {
		return true, nil
	}
	if _, err := r.store.ExpireSession(ctx, session.Code, now.Add(-r.ttl)); err != nil {
		return true, err
	}
	session.Status = domain.SessionExpired
	return true, nil
}

// Close settles a pending session. Staleness is checked again under the
// store's session lock, so an expiring session can never complete.
func (r *SessionRegistry) Close(ctx context.Context, plan store.SettlementPlan) (*store.SettlementOutcome, error) {
	now := r.now()
	plan.StaleCutoff = now.Add(-r.ttl)
	if plan.SettledAt.IsZero() {
		plan.SettledAt = now
	}
	return r.store.SettleSession(ctx, plan)
}

// SweepExpired bulk-expires stale pending sessions.
func (r *SessionRegistry) SweepExpired(ctx context.Context) (int64, time.Time, error) {
	cutoff := r.now().Add(-r.ttl)
	count, err := r.store.ExpireStaleSessions(ctx, cutoff)
	return count, cutoff, err
}

func normalizeSessionCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
