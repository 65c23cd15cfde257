package commission

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradeyard/tradeyard-backend/pkg/enums"
	pkgerrors "github.com/tradeyard/tradeyard-backend/pkg/errors"
)

// Terms is the fulfillment-mode variant consumed by Calculate. Exactly two
// implementations exist; the calculator matches exhaustively and rejects
// anything else before a single cent is written to the ledger.
type Terms interface {
	Mode() enums.FulfillmentMode
}

// StockTerms applies when the seller fulfills from own inventory: the
// platform takes its fee out of the sale amount.
type StockTerms struct {
	PlatformRate decimal.Decimal
}

func (StockTerms) Mode() enums.FulfillmentMode { return enums.FulfillmentModeStock }

// DropshipTerms applies when the platform bears the supplier cost: the
// seller earns the margin plus the fee instead of losing the fee.
type DropshipTerms struct {
	DropshipRate      decimal.Decimal
	SupplierCostCents int64
}

func (DropshipTerms) Mode() enums.FulfillmentMode { return enums.FulfillmentModeDropshipping }

// Result is what a single order line yields. FeeCents is the platform's
// share of the sale; OwnerCreditCents is what the seller's account is
// credited with.
type Result struct {
	FeeCents         int64
	OwnerCreditCents int64
}

var (
	rateFloor = decimal.Zero
	rateCeil  = decimal.NewFromInt(1)
)

func validRate(rate decimal.Decimal) bool {
	return rate.GreaterThanOrEqual(rateFloor) && rate.LessThanOrEqual(rateCeil)
}

// Calculate produces the fee and owner credit for one order line.
//
// STOCK:        fee = sale x rate, ownerCredit = sale - fee.
// DROPSHIPPING: fee = sale x rate, ownerCredit = (sale - supplierCost) + fee.
// The fee changes sign relative to the owner between the two modes.
func Calculate(saleAmountCents int64, terms Terms) (Result, error) {
	if saleAmountCents <= 0 {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "sale amount must be positive").
			WithDetails(map[string]any{"sale_amount_cents": saleAmountCents})
	}
	if terms == nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "fulfillment terms required")
	}

	sale := decimal.NewFromInt(saleAmountCents)

	switch t := terms.(type) {
	case StockTerms:
		if !validRate(t.PlatformRate) {
			return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "platform rate out of range").
				WithDetails(map[string]any{"rate": t.PlatformRate.String()})
		}
		fee := sale.Mul(t.PlatformRate).Round(0).IntPart()
		return Result{
			FeeCents:         fee,
			OwnerCreditCents: saleAmountCents - fee,
		}, nil
	case DropshipTerms:
		if !validRate(t.DropshipRate) {
			return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "dropship rate out of range").
				WithDetails(map[string]any{"rate": t.DropshipRate.String()})
		}
		if t.SupplierCostCents < 0 {
			return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "supplier cost must not be negative").
				WithDetails(map[string]any{"supplier_cost_cents": t.SupplierCostCents})
		}
		if t.SupplierCostCents > saleAmountCents {
			return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "supplier cost exceeds sale amount").
				WithDetails(map[string]any{
					"supplier_cost_cents": t.SupplierCostCents,
					"sale_amount_cents":   saleAmountCents,
				})
		}
		fee := sale.Mul(t.DropshipRate).Round(0).IntPart()
		return Result{
			FeeCents:         fee,
			OwnerCreditCents: (saleAmountCents - t.SupplierCostCents) + fee,
		}, nil
	default:
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("unsupported fulfillment terms %T", terms))
	}
}

// RateShare computes a single-rate share of an amount, used for affiliate
// commissions and cashback grants where no cost basis applies.
func RateShare(amountCents int64, rate decimal.Decimal) (int64, error) {
	if amountCents <= 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive").
			WithDetails(map[string]any{"amount_cents": amountCents})
	}
	if !validRate(rate) {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "rate out of range").
			WithDetails(map[string]any{"rate": rate.String()})
	}
	return decimal.NewFromInt(amountCents).Mul(rate).Round(0).IntPart(), nil
}
