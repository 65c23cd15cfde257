package earnings

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeyard/tradeyard-backend/internal/ledger"
	"github.com/tradeyard/tradeyard-backend/pkg/db/models"
	"github.com/tradeyard/tradeyard-backend/pkg/enums"
	pkgerrors "github.com/tradeyard/tradeyard-backend/pkg/errors"
	"github.com/tradeyard/tradeyard-backend/pkg/logger"
)

type promoteCall struct {
	sourceType enums.SourceType
	sourceRef  string
	txType     enums.LedgerTransactionType
}

type stampCall struct {
	sourceType enums.SourceType
	sourceRef  string
	txType     enums.LedgerTransactionType
	at         time.Time
}

type fakeGateway struct {
	credits   []ledger.CreditInput
	promotes  []promoteCall
	stamps    []stampCall
	reversals []string
	creditErr error
}

func (f *fakeGateway) Credit(_ context.Context, input ledger.CreditInput) (*models.LedgerTransaction, error) {
	if f.creditErr != nil {
		return nil, f.creditErr
	}
	f.credits = append(f.credits, input)
	return &models.LedgerTransaction{ID: uuid.New()}, nil
}

func (f *fakeGateway) PromoteBySource(_ context.Context, sourceType enums.SourceType, sourceRef string, txType enums.LedgerTransactionType) (int, error) {
	f.promotes = append(f.promotes, promoteCall{sourceType, sourceRef, txType})
	return 1, nil
}

func (f *fakeGateway) StampAvailableAt(_ context.Context, sourceType enums.SourceType, sourceRef string, txType enums.LedgerTransactionType, at time.Time) (int, error) {
	f.stamps = append(f.stamps, stampCall{sourceType, sourceRef, txType, at})
	return 1, nil
}

func (f *fakeGateway) ReverseBySource(_ context.Context, sourceType enums.SourceType, sourceRef string) (int, error) {
	f.reversals = append(f.reversals, sourceRef)
	return 2, nil
}

func newTestService(t *testing.T) (Service, *fakeGateway) {
	t.Helper()

	gateway := &fakeGateway{}
	svc, err := NewService(ServiceParams{
		Ledger:         gateway,
		Logger:         logger.New(logger.Options{ServiceName: "earnings-test", Output: io.Discard}),
		AffiliateGrace: 7 * 24 * time.Hour,
		CashbackExpiry: 90 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	return svc, gateway
}

func TestOrderPaid_AggregatesPerSellerWithModeAsymmetry(t *testing.T) {
	svc, gateway := newTestService(t)
	orderID := uuid.New()
	sellerID := uuid.New()

	err := svc.OrderPaid(context.Background(), OrderPaidInput{
		OrderID: orderID,
		Lines: []OrderLine{
			{
				LineID:          uuid.New(),
				SellerID:        sellerID,
				SaleAmountCents: 10000,
				FulfillmentMode: enums.FulfillmentModeStock,
				CommissionRate:  decimal.NewFromFloat(0.10),
			},
			{
				LineID:            uuid.New(),
				SellerID:          sellerID,
				SaleAmountCents:   10000,
				FulfillmentMode:   enums.FulfillmentModeDropshipping,
				CommissionRate:    decimal.NewFromFloat(0.10),
				SupplierCostCents: 6000,
			},
		},
	})
	if err != nil {
		t.Fatalf("OrderPaid error: %v", err)
	}

	if len(gateway.credits) != 1 {
		t.Fatalf("expected 1 aggregated credit, got %d", len(gateway.credits))
	}
	credit := gateway.credits[0]
	// stock line nets 9000, dropship line nets (10000-6000)+1000 = 5000.
	if credit.AmountCents != 14000 {
		t.Fatalf("aggregated amount = %d, want 14000", credit.AmountCents)
	}
	if credit.OwnerType != enums.OwnerTypeSeller || credit.OwnerID != sellerID {
		t.Fatalf("credit owner = %s/%s, want seller/%s", credit.OwnerType, credit.OwnerID, sellerID)
	}
	if credit.Type != enums.LedgerTransactionTypeCreditSale {
		t.Fatalf("credit type = %s, want credit_sale", credit.Type)
	}
	if credit.Hold.Kind != ledger.HoldKindOnEvent {
		t.Fatalf("hold kind = %s, want on_event", credit.Hold.Kind)
	}
	if credit.SourceRef != orderID.String() {
		t.Fatalf("source ref = %s, want %s", credit.SourceRef, orderID)
	}

	var breakdown struct {
		Lines []lineBreakdown `json:"lines"`
	}
	if err := json.Unmarshal(credit.Metadata, &breakdown); err != nil {
		t.Fatalf("metadata unmarshal: %v", err)
	}
	if len(breakdown.Lines) != 2 {
		t.Fatalf("expected 2 breakdown lines, got %d", len(breakdown.Lines))
	}
}

func TestOrderPaid_RejectsBadPolicyBeforeAnyCredit(t *testing.T) {
	svc, gateway := newTestService(t)

	err := svc.OrderPaid(context.Background(), OrderPaidInput{
		OrderID: uuid.New(),
		Lines: []OrderLine{
			{
				LineID:          uuid.New(),
				SellerID:        uuid.New(),
				SaleAmountCents: 10000,
				FulfillmentMode: enums.FulfillmentModeStock,
				CommissionRate:  decimal.NewFromInt(3),
			},
		},
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(gateway.credits) != 0 {
		t.Fatalf("no credit may be recorded for malformed policy input")
	}
}

func TestOrderPaid_RequiresLines(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.OrderPaid(context.Background(), OrderPaidInput{OrderID: uuid.New()})
	if !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOrderDelivered_ReleasesStampsAndGrantsCashback(t *testing.T) {
	svc, gateway := newTestService(t)
	orderID := uuid.New()
	customerID := uuid.New()
	deliveredAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	err := svc.OrderDelivered(context.Background(), OrderDeliveredInput{
		OrderID:     orderID,
		DeliveredAt: deliveredAt,
		Cashback: &CashbackGrant{
			CustomerID:      customerID,
			OrderTotalCents: 20000,
			Rate:            decimal.NewFromFloat(0.02),
		},
	})
	if err != nil {
		t.Fatalf("OrderDelivered error: %v", err)
	}

	if len(gateway.promotes) != 1 {
		t.Fatalf("expected 1 promote call, got %d", len(gateway.promotes))
	}
	promote := gateway.promotes[0]
	if promote.txType != enums.LedgerTransactionTypeCreditSale || promote.sourceRef != orderID.String() {
		t.Fatalf("unexpected promote call %+v", promote)
	}

	if len(gateway.stamps) != 1 {
		t.Fatalf("expected 1 stamp call, got %d", len(gateway.stamps))
	}
	stamp := gateway.stamps[0]
	if stamp.txType != enums.LedgerTransactionTypeCreditCommission {
		t.Fatalf("stamp type = %s, want credit_commission", stamp.txType)
	}
	wantGrace := deliveredAt.Add(7 * 24 * time.Hour)
	if !stamp.at.Equal(wantGrace) {
		t.Fatalf("stamp at = %s, want %s", stamp.at, wantGrace)
	}

	if len(gateway.credits) != 1 {
		t.Fatalf("expected 1 cashback credit, got %d", len(gateway.credits))
	}
	cashback := gateway.credits[0]
	if cashback.Type != enums.LedgerTransactionTypeCreditCashback || cashback.AmountCents != 400 {
		t.Fatalf("cashback credit = %s/%d, want credit_cashback/400", cashback.Type, cashback.AmountCents)
	}
	if cashback.Hold.Kind != ledger.HoldKindExpiring || cashback.Hold.ExpiresAt == nil {
		t.Fatalf("cashback hold = %+v, want expiring", cashback.Hold)
	}
	wantExpiry := deliveredAt.Add(90 * 24 * time.Hour)
	if !cashback.Hold.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("cashback expiry = %s, want %s", cashback.Hold.ExpiresAt, wantExpiry)
	}
}

func TestOrderRefunded_ReversesBySource(t *testing.T) {
	svc, gateway := newTestService(t)
	orderID := uuid.New()

	if err := svc.OrderRefunded(context.Background(), OrderRefundedInput{OrderID: orderID}); err != nil {
		t.Fatalf("OrderRefunded error: %v", err)
	}
	if len(gateway.reversals) != 1 || gateway.reversals[0] != orderID.String() {
		t.Fatalf("expected reversal for %s, got %v", orderID, gateway.reversals)
	}
}

func TestReferralConfirmed_CreditsAffiliateHeldUntilDelivery(t *testing.T) {
	svc, gateway := newTestService(t)
	affiliateID := uuid.New()
	orderID := uuid.New()

	err := svc.ReferralConfirmed(context.Background(), ReferralConfirmedInput{
		AffiliateID:     affiliateID,
		OrderID:         orderID,
		OrderTotalCents: 50000,
		CommissionRate:  decimal.NewFromFloat(0.05),
	})
	if err != nil {
		t.Fatalf("ReferralConfirmed error: %v", err)
	}

	if len(gateway.credits) != 1 {
		t.Fatalf("expected 1 affiliate credit, got %d", len(gateway.credits))
	}
	credit := gateway.credits[0]
	if credit.OwnerType != enums.OwnerTypeAffiliate || credit.OwnerID != affiliateID {
		t.Fatalf("credit owner = %s/%s, want affiliate/%s", credit.OwnerType, credit.OwnerID, affiliateID)
	}
	if credit.AmountCents != 2500 {
		t.Fatalf("credit amount = %d, want 2500", credit.AmountCents)
	}
	if credit.Hold.Kind != ledger.HoldKindOnEvent {
		t.Fatalf("hold kind = %s, want on_event", credit.Hold.Kind)
	}
}
