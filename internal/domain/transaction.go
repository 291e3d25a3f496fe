/**
 * @description
 * This file defines the core domain models for the transaction-service.
 * These structs represent the transaction sessions opened by a request, the
 * settlement records kept for bill payments, and the DTOs exchanged with the
 * API layer.
 *
 * @notes
 * - Amounts are `decimal.Decimal` so fee interpolation and the bonus split
 *   never go through floating point.
 * - A session moves pending -> completed or pending -> expired, never back.
 */

package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind is the kind of money movement a session will settle.
type TransactionKind string

const (
	KindWithdrawal   TransactionKind = "withdrawal"
	KindTransfer     TransactionKind = "transfer"
	KindBillPayment  TransactionKind = "bill_payment"
	KindDeposit      TransactionKind = "deposit"
	KindAgentFunding TransactionKind = "agent_funding"
)

var transactionKindAliases = map[string]TransactionKind{
	"withdrawal":    KindWithdrawal,
	"retrait":       KindWithdrawal,
	"transfer":      KindTransfer,
	"envoi":         KindTransfer,
	"bill_payment":  KindBillPayment,
	"bill-payment":  KindBillPayment,
	"liquidation":   KindBillPayment,
	"liquider":      KindBillPayment,
	"payer":         KindBillPayment,
	"paie":          KindBillPayment,
	"deposit":       KindDeposit,
	"depot":         KindDeposit,
	"agent_funding": KindAgentFunding,
	"agent-funding": KindAgentFunding,
	"deposit_pro":   KindAgentFunding,
}

// ParseTransactionKind normalises a kind name, including the legacy French names.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	kind, ok := transactionKindAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", Errorf(KindUnknownTransactionKind, "unknown transaction kind %q", raw)
	}
	return kind, nil
}

// SessionStatus is the lifecycle state of a transaction session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// BillDescriptor carries the payment metadata of a bill payment.
type BillDescriptor struct {
	ClientRef    string `json:"client_ref"`
	ProductRef   string `json:"product_ref"`
	CollectorRef string `json:"collector_ref"`
}

// Session is a short-lived transaction intent keyed by a human-relayable code.
type Session struct {
	Code           string          `json:"code"`
	SenderID       string          `json:"sender_id"`
	RecipientField string          `json:"recipient_field"`
	RecipientID    string          `json:"recipient_id"`
	Descriptor     *BillDescriptor `json:"descriptor,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Kind           TransactionKind `json:"kind"`
	Status         SessionStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
	SettlementID   *string         `json:"settlement_id,omitempty"`
}

// StaleAt reports whether the session's confirmation window has elapsed at now.
func (s *Session) StaleAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}

// SettlementRecord is the premium-service ledger row written for a settled bill payment.
type SettlementRecord struct {
	SettlementID string          `json:"settlement_id"`
	SessionCode  string          `json:"session_code"`
	PayerID      string          `json:"payer_id"`
	RecipientID  string          `json:"recipient_id"`
	ClientRef    string          `json:"client_ref"`
	ProductRef   string          `json:"product_ref"`
	CollectorRef string          `json:"collector_ref"`
	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TransactionRequest is the validated input of the request phase.
type TransactionRequest struct {
	SenderID       string          `json:"sender_id"`
	RecipientField string          `json:"recipient"`
	Amount         decimal.Decimal `json:"amount"`
	Kind           string          `json:"type"`
	AccessCode     *string         `json:"access_code,omitempty"`
}

// ConfirmRequest is the input of the confirm phase.
type ConfirmRequest struct {
	SessionCode string `json:"session_code"`
}

// RequestResult is returned once a session has been opened.
type RequestResult struct {
	SessionCode string    `json:"session_code"`
	Message     string    `json:"message"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SettlementResult describes the balance effects of a confirmed session.
type SettlementResult struct {
	SessionCode    string          `json:"session_code"`
	SettlementID   string          `json:"settlement_id"`
	Kind           TransactionKind `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	TotalDebit     decimal.Decimal `json:"total_debit"`
	RecipientBonus decimal.Decimal `json:"recipient_bonus"`
	OperatorCredit decimal.Decimal `json:"operator_credit"`
	SenderBalance  decimal.Decimal `json:"sender_balance"`
	SettledAt      time.Time       `json:"settled_at"`
}
