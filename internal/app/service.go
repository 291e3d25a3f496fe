/**
 * @description
 * This file contains the core business logic for the transaction-service. The
 * `Engine` runs the two-phase request/confirm protocol: a request validates the
 * parties and opens a session, a confirmation turns that session into one
 * atomic set of balance postings.
 *
 * Key features:
 * - Tiered fees with a recipient bonus for withdrawals and bill payments.
 * - Exactly-once settlement, delegated to the store's session lock.
 * - Access codes checked with bcrypt before any balance is disclosed or moved.
 * - Publishes settlement events to RabbitMQ after commit.
 *
 * @dependencies
 * - github.com/google/uuid: Settlement identifiers.
 * - github.com/shopspring/decimal: Money arithmetic.
 * - golang.org/x/crypto/bcrypt: Access code hashing.
 * - go.uber.org/zap: Structured logging.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publishing.
 */

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
	"github.com/mopatas/transaction-service/pkg/rabbitmq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	RoutingKeyTransactionSettled = "transaction.settled"
	RoutingKeySessionsExpired    = "transaction.expired"
	RoutingKeyAccountRegistered  = "account.registered"

	DefaultEventExchange = "mopatas.events"

	minAccessCodeLength = 4
	maxAccessCodeLength = 72
	maxAccountIDLength  = 32
)

// EngineConfig holds the engine's tunables.
type EngineConfig struct {
	EventExchange string
	// AccessCodeCost is the bcrypt cost for new access codes.
	AccessCodeCost int
}

// Engine provides the core business logic for transactions.
type Engine struct {
	repo          store.Repository
	sessions      *SessionRegistry
	fees          *FeeSchedule
	eventProducer rabbitmq.Publisher
	exchange      string
	hashCost      int
	logger        *zap.Logger
	now           func() time.Time
}

// NewEngine creates a new transaction engine instance.
func NewEngine(repo store.Repository, sessions *SessionRegistry, fees *FeeSchedule, producer rabbitmq.Publisher, cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	if cfg.EventExchange == "" {
		cfg.EventExchange = DefaultEventExchange
	}
	if cfg.AccessCodeCost < bcrypt.MinCost || cfg.AccessCodeCost > bcrypt.MaxCost {
		cfg.AccessCodeCost = bcrypt.DefaultCost
	}
	return &Engine{
		repo:          repo,
		sessions:      sessions,
		fees:          fees,
		eventProducer: producer,
		exchange:      cfg.EventExchange,
		hashCost:      cfg.AccessCodeCost,
		logger:        logger.With(zap.String("component", "transaction_engine")),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Sessions exposes the registry for read-only lookups by the API.
func (e *Engine) Sessions() *SessionRegistry {
	return e.sessions
}

// Request validates a transaction intent and opens a pending session for it.
// No balance changes here.
func (e *Engine) Request(ctx context.Context, req domain.TransactionRequest) (*domain.RequestResult, error) {
	kind, err := domain.ParseTransactionKind(req.Kind)
	if err != nil {
		return nil, err
	}
	amount := e.fees.RoundAmount(req.Amount)
	if !amount.IsPositive() {
		return nil, domain.Errorf(domain.KindInvalidInput, "amount must be positive")
	}
	senderID := strings.TrimSpace(req.SenderID)
	if senderID == "" {
		return nil, domain.Errorf(domain.KindInvalidInput, "sender is required")
	}

	sender, err := e.findParty(ctx, senderID, domain.KindSenderNotFound, "sender")
	if err != nil {
		return nil, err
	}
	if err := e.verifyAccessCode(sender, req.AccessCode); err != nil {
		return nil, err
	}

	parsed, err := ParseRecipientField(kind, req.RecipientField, sender.ID)
	if err != nil {
		return nil, err
	}
	if kind == domain.KindAgentFunding {
		if parsed.AccountID != sender.ID {
			return nil, domain.Errorf(domain.KindInvalidInput, "agent funding credits the requesting agent only")
		}
		if !sender.Kind.CanFundFromOperator() {
			return nil, domain.Errorf(domain.KindNotAnAgentAccount, "account %s is not an agent account", sender.ID)
		}
	} else if parsed.AccountID == sender.ID {
		return nil, domain.Errorf(domain.KindInvalidInput, "sender and recipient must differ")
	}

	recipient, err := e.findParty(ctx, parsed.AccountID, domain.KindRecipientNotFound, "recipient")
	if err != nil {
		return nil, err
	}

	session, err := e.sessions.Open(ctx, OpenParams{
		SenderID:       sender.ID,
		RecipientField: strings.TrimSpace(req.RecipientField),
		RecipientID:    recipient.ID,
		Descriptor:     parsed.Descriptor,
		Amount:         amount,
		Kind:           kind,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("session opened",
		zap.String("session_code", session.Code),
		zap.String("kind", string(kind)),
		zap.String("sender_id", sender.ID),
		zap.String("recipient_id", recipient.ID),
		zap.String("amount", amount.String()),
	)

	return &domain.RequestResult{
		SessionCode: session.Code,
		Message:     confirmationPrompt(kind, amount, recipient, session.Code),
		ExpiresAt:   session.CreatedAt.Add(e.sessions.TTL()),
	}, nil
}

func confirmationPrompt(kind domain.TransactionKind, amount decimal.Decimal, recipient *domain.Account, code string) string {
	name := recipient.Name
	if strings.TrimSpace(name) == "" {
		name = recipient.ID
	}
	label := strings.ReplaceAll(string(kind), "_", " ")
	return fmt.Sprintf("You are requesting a %s of %s to %s. Confirm with session code %s.", label, amount.String(), name, code)
}

// Confirm settles a pending session exactly once. Any failure leaves the
// session pending and every balance untouched.
func (e *Engine) Confirm(ctx context.Context, code string) (*domain.SettlementResult, error) {
	session, err := e.sessions.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case domain.SessionCompleted:
		return nil, domain.ErrAlreadySettled
	case domain.SessionExpired:
		return nil, domain.ErrSessionExpired
	}
	stale, err := e.sessions.ExpireIfStale(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to expire session %s: %w", session.Code, err)
	}
	if stale {
		return nil, domain.ErrSessionExpired
	}

	sender, err := e.findParty(ctx, session.SenderID, domain.KindSenderNotFound, "sender")
	if err != nil {
		return nil, err
	}
	recipient, err := e.findParty(ctx, session.RecipientID, domain.KindRecipientNotFound, "recipient")
	if err != nil {
		return nil, err
	}
	operator, err := e.repo.OperatorAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load operator account: %w", err)
	}

	fee := e.fees.Fee(session.Amount, session.Kind)
	if session.Kind == domain.KindAgentFunding {
		fee = decimal.Zero
	}
	split := e.fees.Split(fee, session.Kind)
	settlementID := uuid.NewString()
	settledAt := e.now()

	plan, err := buildSettlementPlan(session, sender, recipient, operator, fee, split)
	if err != nil {
		return nil, err
	}
	plan.SettlementID = settlementID
	plan.SettledAt = settledAt
	if plan.Record != nil {
		plan.Record.SettlementID = settlementID
		plan.Record.CreatedAt = settledAt
	}

	outcome, err := e.sessions.Close(ctx, plan)
	if err != nil {
		if domain.KindOf(err) != "" {
			e.logger.Info("settlement rejected", zap.String("session_code", session.Code), zap.Error(err))
			return nil, err
		}
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, domain.Errorf(domain.KindRecipientNotFound, "an account of session %s no longer exists", session.Code)
		}
		return nil, fmt.Errorf("failed to settle session %s: %w", session.Code, err)
	}

	result := &domain.SettlementResult{
		SessionCode:    session.Code,
		SettlementID:   settlementID,
		Kind:           session.Kind,
		Amount:         session.Amount,
		Fee:            fee,
		TotalDebit:     session.Amount.Add(fee),
		RecipientBonus: split.RecipientBonus,
		OperatorCredit: operatorCredit(plan, operator.ID),
		SenderBalance:  outcome.Balances[sender.ID],
		SettledAt:      settledAt,
	}

	e.logger.Info("session settled",
		zap.String("session_code", session.Code),
		zap.String("settlement_id", settlementID),
		zap.String("kind", string(session.Kind)),
		zap.String("fee", fee.String()),
	)
	e.publishSettled(ctx, session, result)
	return result, nil
}

// buildSettlementPlan turns a session into balance postings. Postings always
// sum to zero across sender, recipient and operator.
func buildSettlementPlan(session *domain.Session, sender, recipient, operator *domain.Account, fee decimal.Decimal, split FeeSplit) (store.SettlementPlan, error) {
	amount := session.Amount
	total := amount.Add(fee)
	plan := store.SettlementPlan{SessionCode: session.Code}

	debitSender := store.Posting{AccountID: sender.ID, Delta: total.Neg(), Minimum: &total, Shortfall: domain.ErrInsufficientFunds}

	switch session.Kind {
	case domain.KindWithdrawal:
		// The operator books the cash leaving the system plus its fee share.
		plan.Postings = []store.Posting{
			debitSender,
			{AccountID: recipient.ID, Delta: split.RecipientBonus},
			{AccountID: operator.ID, Delta: amount.Add(split.OperatorShare)},
		}
	case domain.KindTransfer, domain.KindDeposit:
		plan.Postings = []store.Posting{
			debitSender,
			{AccountID: recipient.ID, Delta: amount},
		}
	case domain.KindBillPayment:
		if session.Descriptor == nil {
			return plan, domain.Errorf(domain.KindMalformedRecipientField, "bill payment session %s has no descriptor", session.Code)
		}
		plan.Postings = []store.Posting{
			debitSender,
			{AccountID: recipient.ID, Delta: amount.Add(split.RecipientBonus)},
			{AccountID: operator.ID, Delta: split.OperatorShare},
		}
		plan.Record = &domain.SettlementRecord{
			SessionCode:  session.Code,
			PayerID:      sender.ID,
			RecipientID:  recipient.ID,
			ClientRef:    session.Descriptor.ClientRef,
			ProductRef:   session.Descriptor.ProductRef,
			CollectorRef: session.Descriptor.CollectorRef,
			Amount:       amount,
			Fee:          fee,
		}
	case domain.KindAgentFunding:
		if !sender.Kind.CanFundFromOperator() {
			return plan, domain.Errorf(domain.KindNotAnAgentAccount, "account %s is not an agent account", sender.ID)
		}
		plan.Postings = []store.Posting{
			{AccountID: operator.ID, Delta: amount.Neg(), Minimum: &amount, Shortfall: domain.ErrInsufficientOperatorFunds},
			{AccountID: sender.ID, Delta: amount},
		}
	default:
		return plan, domain.Errorf(domain.KindUnknownTransactionKind, "unknown transaction kind %q", session.Kind)
	}
	return plan, nil
}

func operatorCredit(plan store.SettlementPlan, operatorID string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range plan.Postings {
		if p.AccountID == operatorID {
			total = total.Add(p.Delta)
		}
	}
	return total
}

func (e *Engine) publishSettled(ctx context.Context, session *domain.Session, result *domain.SettlementResult) {
	event := domain.TransactionSettledEvent{
		EventID:        uuid.NewString(),
		SessionCode:    session.Code,
		SettlementID:   result.SettlementID,
		Kind:           session.Kind,
		SenderID:       session.SenderID,
		RecipientID:    session.RecipientID,
		Amount:         result.Amount,
		Fee:            result.Fee,
		RecipientBonus: result.RecipientBonus,
		OperatorCredit: result.OperatorCredit,
		OccurredAt:     result.SettledAt,
	}
	if err := e.eventProducer.Publish(ctx, e.exchange, RoutingKeyTransactionSettled, event); err != nil {
		e.logger.Warn("failed to publish settlement event", zap.String("session_code", session.Code), zap.Error(err))
	}
}

// findParty loads an account, mapping absence to the given error kind. The
// operator account never takes part as a sender or recipient.
func (e *Engine) findParty(ctx context.Context, accountID string, missing domain.ErrorKind, role string) (*domain.Account, error) {
	account, err := e.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, domain.Errorf(missing, "%s %s not found", role, accountID)
		}
		return nil, fmt.Errorf("failed to load %s %s: %w", role, accountID, err)
	}
	if account.Kind == domain.AccountOperator {
		return nil, domain.Errorf(domain.KindInvalidInput, "the operator account cannot be a %s", role)
	}
	return account, nil
}

func (e *Engine) verifyAccessCode(account *domain.Account, supplied *string) error {
	if !account.HasAccessCode() {
		return nil
	}
	if supplied == nil || *supplied == "" {
		return domain.Errorf(domain.KindInvalidAccessCode, "access code required for %s", account.ID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*account.AccessCodeHash), []byte(*supplied)); err != nil {
		return domain.Errorf(domain.KindInvalidAccessCode, "invalid access code for %s", account.ID)
	}
	return nil
}

// RegisterAccount opens a standard wallet with a zero balance for a
// self-service caller. Agent and premium wallets draw on the operator float
// and are opened through ProvisionAccount instead.
func (e *Engine) RegisterAccount(ctx context.Context, req domain.RegisterAccountRequest) (*domain.Account, error) {
	kind, ok := domain.ParseAccountKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if !ok {
		return nil, domain.Errorf(domain.KindInvalidInput, "unsupported account kind %q", req.Kind)
	}
	if kind != domain.AccountStandard {
		return nil, domain.Errorf(domain.KindInvalidInput, "%s accounts are provisioned by the operator", kind)
	}
	return e.openAccount(ctx, req, kind)
}

// ProvisionAccount opens a wallet of any registrable kind. It is reserved
// for operator tooling behind the internal API key.
func (e *Engine) ProvisionAccount(ctx context.Context, req domain.RegisterAccountRequest) (*domain.Account, error) {
	kind, ok := domain.ParseAccountKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if !ok {
		return nil, domain.Errorf(domain.KindInvalidInput, "unsupported account kind %q", req.Kind)
	}
	return e.openAccount(ctx, req, kind)
}

func (e *Engine) openAccount(ctx context.Context, req domain.RegisterAccountRequest, kind domain.AccountKind) (*domain.Account, error) {
	id := strings.TrimSpace(req.ID)
	if err := validateAccountID(id); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.Errorf(domain.KindInvalidInput, "name is required")
	}

	account := &domain.Account{ID: id, Name: name, Balance: decimal.Zero, Kind: kind}
	if req.AccessCode != "" {
		if len(req.AccessCode) < minAccessCodeLength || len(req.AccessCode) > maxAccessCodeLength {
			return nil, domain.Errorf(domain.KindInvalidInput, "access code must be %d to %d characters", minAccessCodeLength, maxAccessCodeLength)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.AccessCode), e.hashCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash access code: %w", err)
		}
		hashed := string(hash)
		account.AccessCodeHash = &hashed
	}

	if err := e.repo.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			return nil, domain.Errorf(domain.KindAccountExists, "account %s is already registered", id)
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	e.logger.Info("account registered", zap.String("account_id", id), zap.String("kind", string(kind)))
	return account, nil
}

// ImportRegisteredAccount creates an account announced by the onboarding
// service. Replays of the same event are acknowledged without changes.
func (e *Engine) ImportRegisteredAccount(ctx context.Context, event domain.AccountRegisteredEvent) error {
	id := strings.TrimSpace(event.AccountID)
	if err := validateAccountID(id); err != nil {
		return err
	}
	kind, ok := domain.ParseAccountKind(string(event.Kind))
	if !ok {
		return domain.Errorf(domain.KindInvalidInput, "unsupported account kind %q", event.Kind)
	}
	account := &domain.Account{ID: id, Name: strings.TrimSpace(event.Name), Balance: decimal.Zero, Kind: kind}
	if account.Name == "" {
		account.Name = id
	}
	if event.AccessCodeHash != "" {
		hash := event.AccessCodeHash
		account.AccessCodeHash = &hash
	}
	if err := e.repo.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			return nil
		}
		return err
	}
	return nil
}

func validateAccountID(id string) error {
	if id == "" {
		return domain.Errorf(domain.KindInvalidInput, "account id is required")
	}
	if len(id) > maxAccountIDLength {
		return domain.Errorf(domain.KindInvalidInput, "account id is longer than %d characters", maxAccountIDLength)
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '+', r == '-', r == '_':
		default:
			return domain.Errorf(domain.KindInvalidInput, "account id %q contains %q", id, r)
		}
	}
	return nil
}

// Balance returns an account's balance after checking its access code.
func (e *Engine) Balance(ctx context.Context, accountID string, accessCode *string) (*domain.AccountBalance, error) {
	account, err := e.findParty(ctx, strings.TrimSpace(accountID), domain.KindSenderNotFound, "account")
	if err != nil {
		return nil, err
	}
	if err := e.verifyAccessCode(account, accessCode); err != nil {
		return nil, err
	}
	return &domain.AccountBalance{AccountID: account.ID, Balance: account.Balance, AsOf: e.now()}, nil
}

// AdjustOperatorFloat tops up (positive delta) or withdraws from (negative
// delta) the operator account.
func (e *Engine) AdjustOperatorFloat(ctx context.Context, delta decimal.Decimal) (*domain.AccountBalance, error) {
	if delta.IsZero() {
		return nil, domain.Errorf(domain.KindInvalidInput, "delta must be non-zero")
	}
	operator, err := e.repo.OperatorAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load operator account: %w", err)
	}

	var balance decimal.Decimal
	if delta.IsPositive() {
		balance, err = e.repo.ApplyDelta(ctx, operator.ID, delta)
	} else {
		balance, err = e.repo.CompareAndApplyMinimum(ctx, operator.ID, delta.Neg(), delta)
	}
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, domain.Errorf(domain.KindInsufficientOperatorFunds, "operator float cannot cover %s", delta.Neg())
		}
		return nil, fmt.Errorf("failed to adjust operator float: %w", err)
	}

	e.logger.Info("operator float adjusted", zap.String("delta", delta.String()), zap.String("balance", balance.String()))
	return &domain.AccountBalance{AccountID: operator.ID, Balance: balance, AsOf: e.now()}, nil
}

// ListSettlements returns a payer's premium-service ledger rows, newest first.
func (e *Engine) ListSettlements(ctx context.Context, payerID string, limit, offset int) ([]domain.SettlementRecord, error) {
	payerID = strings.TrimSpace(payerID)
	if payerID == "" {
		return nil, domain.Errorf(domain.KindInvalidInput, "payer is required")
	}
	return e.repo.ListSettlementRecordsByPayer(ctx, payerID, limit, offset)
}

// FeeQuote previews the fee of a transaction without opening a session.
type FeeQuote struct {
	Kind           domain.TransactionKind `json:"kind"`
	Amount         decimal.Decimal        `json:"amount"`
	Fee            decimal.Decimal        `json:"fee"`
	TotalDebit     decimal.Decimal        `json:"total_debit"`
	RecipientBonus decimal.Decimal        `json:"recipient_bonus"`
	OperatorShare  decimal.Decimal        `json:"operator_share"`
}

// QuoteFee computes what a confirmation of this kind and amount would charge.
func (e *Engine) QuoteFee(rawKind string, amount decimal.Decimal) (*FeeQuote, error) {
	kind, err := domain.ParseTransactionKind(rawKind)
	if err != nil {
		return nil, err
	}
	amount = e.fees.RoundAmount(amount)
	if !amount.IsPositive() {
		return nil, domain.Errorf(domain.KindInvalidInput, "amount must be positive")
	}
	fee := e.fees.Fee(amount, kind)
	if kind == domain.KindAgentFunding {
		fee = decimal.Zero
	}
	split := e.fees.Split(fee, kind)
	return &FeeQuote{
		Kind:           kind,
		Amount:         amount,
		Fee:            fee,
		TotalDebit:     amount.Add(fee),
		RecipientBonus: split.RecipientBonus,
		OperatorShare:  split.OperatorShare,
	}, nil
}
