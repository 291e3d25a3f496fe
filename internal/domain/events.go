package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionSettledEvent is published after a session settles.
type TransactionSettledEvent struct {
	EventID        string          `json:"event_id"`
	SessionCode    string          `json:"session_code"`
	SettlementID   string          `json:"settlement_id"`
	Kind           TransactionKind `json:"kind"`
	SenderID       string          `json:"sender_id"`
	RecipientID    string          `json:"recipient_id"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	RecipientBonus decimal.Decimal `json:"recipient_bonus"`
	OperatorCredit decimal.Decimal `json:"operator_credit"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// SessionsExpiredEvent is published by the sweeper when it expires stale sessions.
type SessionsExpiredEvent struct {
	EventID    string    `json:"event_id"`
	Count      int64     `json:"count"`
	Cutoff     time.Time `json:"cutoff"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AccountRegisteredEvent is emitted by the onboarding collaborator when a wallet is opened.
type AccountRegisteredEvent struct {
	EventID        string      `json:"event_id"`
	AccountID      string      `json:"account_id"`
	Name           string      `json:"name"`
	Kind           AccountKind `json:"kind"`
	AccessCodeHash string      `json:"access_code_hash,omitempty"`
	OccurredAt     time.Time   `json:"occurred_at"`
}
