package app

import (
	"github.com/mopatas/transaction-service/internal/domain"
	"github.com/shopspring/decimal"
)

// feeBand is one segment of the piecewise rate schedule. Bands with equal
// rates are flat; the others interpolate linearly from rateLo to rateHi.
type feeBand struct {
	lo, hi         decimal.Decimal
	rateLo, rateHi decimal.Decimal
}

var (
	twentyThousand = decimal.NewFromInt(20_000)
	hundredK       = decimal.NewFromInt(100_000)
	twoHundredK    = decimal.NewFromInt(200_000)
	oneMillion     = decimal.NewFromInt(1_000_000)

	defaultBands = []feeBand{
		{lo: decimal.Zero, hi: twentyThousand, rateLo: decimal.RequireFromString("0.05"), rateHi: decimal.RequireFromString("0.05")},
		{lo: twentyThousand, hi: hundredK, rateLo: decimal.RequireFromString("0.05"), rateHi: decimal.RequireFromString("0.035")},
		{lo: hundredK, hi: twoHundredK, rateLo: decimal.RequireFromString("0.03"), rateHi: decimal.RequireFromString("0.03")},
		{lo: twoHundredK, hi: oneMillion, rateLo: decimal.RequireFromString("0.03"), rateHi: decimal.RequireFromString("0.015")},
	}
	defaultTopRate = decimal.RequireFromString("0.01")
)

// FeeSchedule computes transaction fees and the bonus split.
type FeeSchedule struct {
	bands       []feeBand
	topRate     decimal.Decimal
	bonusShare  decimal.Decimal
	amountScale int32
	feeScale    int32
}

// FeeSplit is how a fee is shared between the recipient and the operator.
type FeeSplit struct {
	RecipientBonus decimal.Decimal
	OperatorShare  decimal.Decimal
}

// NewFeeSchedule builds the standard schedule. bonusPercent is the share of a
// fee credited to the recipient of withdrawals and bill payments.
func NewFeeSchedule(bonusPercent int, amountScale, feeScale int32) *FeeSchedule {
	return &FeeSchedule{
		bands:       defaultBands,
		topRate:     defaultTopRate,
		bonusShare:  decimal.NewFromInt(int64(bonusPercent)).Div(decimal.NewFromInt(100)),
		amountScale: amountScale,
		feeScale:    feeScale,
	}
}

// DefaultFeeSchedule is the reference configuration: 20% bonus, whole-unit
// amounts and fees rounded to two decimals.
func DefaultFeeSchedule() *FeeSchedule {
	return NewFeeSchedule(20, 0, 2)
}

// RoundAmount applies the minor-unit rounding used before any fee computation.
// Rounding is half away from zero.
func (f *FeeSchedule) RoundAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(f.amountScale)
}

// Rate returns the rate applied to a rounded amount.
func (f *FeeSchedule) Rate(amount decimal.Decimal) decimal.Decimal {
	for _, band := range f.bands {
		if amount.GreaterThan(band.hi) {
			continue
		}
		if band.rateLo.Equal(band.rateHi) || !amount.GreaterThan(band.lo) {
			return band.rateLo
		}
		// rate = rLo - (amount-lo) * (rLo-rHi) / (hi-lo)
		drop := amount.Sub(band.lo).Mul(band.rateLo.Sub(band.rateHi)).Div(band.hi.Sub(band.lo))
		return band.rateLo.Sub(drop)
	}
	return f.topRate
}

// Fee is pure: transfers and deposits are free, everything else follows the schedule.
func (f *FeeSchedule) Fee(amount decimal.Decimal, kind domain.TransactionKind) decimal.Decimal {
	if kind == domain.KindTransfer || kind == domain.KindDeposit {
		return decimal.Zero
	}
	rounded := f.RoundAmount(amount)
	if !rounded.IsPositive() {
		return decimal.Zero
	}
	return rounded.Mul(f.Rate(rounded)).Round(f.feeScale)
}

// Split divides a fee. Only withdrawals and bill payments pay a recipient
// bonus; the two shares always sum to the fee.
func (f *FeeSchedule) Split(fee decimal.Decimal, kind domain.TransactionKind) FeeSplit {
	if kind != domain.KindWithdrawal && kind != domain.KindBillPayment {
		return FeeSplit{RecipientBonus: decimal.Zero, OperatorShare: fee}
	}
	bonus := fee.Mul(f.bonusShare).Round(f.feeScale)
	return FeeSplit{RecipientBonus: bonus, OperatorShare: fee.Sub(bonus)}
}
