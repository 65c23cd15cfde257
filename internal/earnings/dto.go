package earnings

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeyard/tradeyard-backend/pkg/enums"
)

// OrderLine is one order line carried by an OrderPaid event. SupplierCost
// is only meaningful for dropshipped lines; the commission calculator
// rejects mismatched inputs before any ledger write.
type OrderLine struct {
	LineID            uuid.UUID             `json:"line_id" validate:"required"`
	SellerID          uuid.UUID             `json:"seller_id" validate:"required"`
	SaleAmountCents   int64                 `json:"sale_amount_cents" validate:"required,gt=0"`
	FulfillmentMode   enums.FulfillmentMode `json:"fulfillment_mode" validate:"required"`
	CommissionRate    decimal.Decimal       `json:"commission_rate"`
	SupplierCostCents int64                 `json:"supplier_cost_cents" validate:"gte=0"`
}

// OrderPaidInput is the payment-confirmed boundary event.
type OrderPaidInput struct {
	OrderID uuid.UUID   `json:"order_id" validate:"required"`
	Lines   []OrderLine `json:"lines" validate:"required,min=1,dive"`
}

// CashbackGrant rides the delivery event when the buyer earns cashback.
type CashbackGrant struct {
	CustomerID      uuid.UUID       `json:"customer_id" validate:"required"`
	OrderTotalCents int64           `json:"order_total_cents" validate:"required,gt=0"`
	Rate            decimal.Decimal `json:"rate"`
}

// OrderDeliveredInput is the terminal-success boundary event. It releases
// the sellers' sale credits, starts the affiliate grace clock and grants
// cashback when present.
type OrderDeliveredInput struct {
	OrderID     uuid.UUID      `json:"order_id" validate:"required"`
	DeliveredAt time.Time      `json:"delivered_at" validate:"required"`
	Cashback    *CashbackGrant `json:"cashback,omitempty" validate:"omitempty"`
}

// OrderRefundedInput reverses every credit the order produced.
type OrderRefundedInput struct {
	OrderID uuid.UUID `json:"order_id" validate:"required"`
}

// ReferralConfirmedInput records an affiliate commission held until the
// referred order is delivered plus the configured grace period.
type ReferralConfirmedInput struct {
	AffiliateID     uuid.UUID       `json:"affiliate_id" validate:"required"`
	OrderID         uuid.UUID       `json:"order_id" validate:"required"`
	OrderTotalCents int64           `json:"order_total_cents" validate:"required,gt=0"`
	CommissionRate  decimal.Decimal `json:"commission_rate"`
}

// lineBreakdown is the per-line audit detail stored in the aggregated sale
// credit's metadata.
type lineBreakdown struct {
	LineID           uuid.UUID             `json:"line_id"`
	FulfillmentMode  enums.FulfillmentMode `json:"fulfillment_mode"`
	SaleAmountCents  int64                 `json:"sale_amount_cents"`
	FeeCents         int64                 `json:"fee_cents"`
	OwnerCreditCents int64                 `json:"owner_credit_cents"`
}
