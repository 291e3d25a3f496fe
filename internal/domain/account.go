package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind distinguishes what an account may do in the engine.
type AccountKind string

const (
	AccountStandard AccountKind = "standard"
	AccountAgent    AccountKind = "agent"
	AccountPremium  AccountKind = "premium"
	// AccountOperator is reserved for the single company account.
	AccountOperator AccountKind = "operator"
)

// ParseAccountKind accepts the registrable kinds. An empty value means standard.
func ParseAccountKind(raw string) (AccountKind, bool) {
	switch AccountKind(raw) {
	case "", AccountStandard:
		return AccountStandard, true
	case AccountAgent:
		return AccountAgent, true
	case AccountPremium:
		return AccountPremium, true
	default:
		return "", false
	}
}

// CanFundFromOperator reports whether the account may receive agent funding.
func (k AccountKind) CanFundFromOperator() bool {
	return k == AccountAgent || k == AccountPremium
}

// Account is a wallet identified by a phone-number-like string.
// Balance is only ever mutated by settlement.
type Account struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Balance        decimal.Decimal `json:"balance"`
	Kind           AccountKind     `json:"kind"`
	AccessCodeHash *string         `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HasAccessCode reports whether balance operations on this account require a code.
func (a *Account) HasAccessCode() bool {
	return a.AccessCodeHash != nil && *a.AccessCodeHash != ""
}

// RegisterAccountRequest is the payload for opening a wallet.
type RegisterAccountRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	AccessCode string `json:"access_code,omitempty"`
}

// AccountBalance is returned by balance inquiries.
type AccountBalance struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	AsOf      time.Time       `json:"as_of"`
}
