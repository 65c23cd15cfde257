package earnings

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tradeyard/tradeyard-backend/internal/commission"
	"github.com/tradeyard/tradeyard-backend/internal/ledger"
	"github.com/tradeyard/tradeyard-backend/pkg/db/models"
	"github.com/tradeyard/tradeyard-backend/pkg/enums"
	pkgerrors "github.com/tradeyard/tradeyard-backend/pkg/errors"
	"github.com/tradeyard/tradeyard-backend/pkg/logger"
)

// ledgerGateway is the slice of the ledger mutation gateway the intake
// drives.
type ledgerGateway interface {
	Credit(ctx context.Context, input ledger.CreditInput) (*models.LedgerTransaction, error)
	PromoteBySource(ctx context.Context, sourceType enums.SourceType, sourceRef string, txType enums.LedgerTransactionType) (int, error)
	StampAvailableAt(ctx context.Context, sourceType enums.SourceType, sourceRef string, txType enums.LedgerTransactionType, at time.Time) (int, error)
	ReverseBySource(ctx context.Context, sourceType enums.SourceType, sourceRef string) (int, error)
}

// Service consumes order lifecycle and referral boundary events and turns
// them into ledger credits with the hold policy each source requires.
// Every operation is duplicate-safe: the ledger's idempotency key absorbs
// webhook retries.
type Service interface {
	OrderPaid(ctx context.Context, input OrderPaidInput) error
	OrderDelivered(ctx context.Context, input OrderDeliveredInput) error
	OrderRefunded(ctx context.Context, input OrderRefundedInput) error
	ReferralConfirmed(ctx context.Context, input ReferralConfirmedInput) error
}

type service struct {
	ledger         ledgerGateway
	logg           *logger.Logger
	validate       *validator.Validate
	affiliateGrace time.Duration
	cashbackExpiry time.Duration
}

// ServiceParams wires the earnings intake dependencies.
type ServiceParams struct {
	Ledger         ledgerGateway
	Logger         *logger.Logger
	AffiliateGrace time.Duration
	CashbackExpiry time.Duration
}

// NewService builds the earnings intake service.
func NewService(params ServiceParams) (Service, error) {
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger gateway required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.AffiliateGrace <= 0 {
		return nil, fmt.Errorf("affiliate grace period must be positive")
	}
	if params.CashbackExpiry <= 0 {
		return nil, fmt.Errorf("cashback expiry must be positive")
	}
	return &service{
		ledger:         params.Ledger,
		logg:           params.Logger,
		validate:       newValidator(),
		affiliateGrace: params.AffiliateGrace,
		cashbackExpiry: params.CashbackExpiry,
	}, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

// OrderPaid runs the commission calculator over every line and credits each
// seller once per order, held until delivery. The per-line math lands in
// the credit's metadata for audit.
func (s *service) OrderPaid(ctx context.Context, input OrderPaidInput) error {
	if err := s.validateInput(input); err != nil {
		return err
	}

	type sellerTotal struct {
		cents int64
		lines []lineBreakdown
	}
	totals := map[uuid.UUID]*sellerTotal{}
	order := make([]uuid.UUID, 0, len(input.Lines))

	for _, line := range input.Lines {
		terms, err := termsForLine(line)
		if err != nil {
			return err
		}
		result, err := commission.Calculate(line.SaleAmountCents, terms)
		if err != nil {
			return err
		}

		total, ok := totals[line.SellerID]
		if !ok {
			total = &sellerTotal{}
			totals[line.SellerID] = total
			order = append(order, line.SellerID)
		}
		total.cents += result.OwnerCreditCents
		total.lines = append(total.lines, lineBreakdown{
			LineID:           line.LineID,
			FulfillmentMode:  line.FulfillmentMode,
			SaleAmountCents:  line.SaleAmountCents,
			FeeCents:         result.FeeCents,
			OwnerCreditCents: result.OwnerCreditCents,
		})
	}

	for _, sellerID := range order {
		total := totals[sellerID]
		metadata, err := json.Marshal(map[string]any{"lines": total.lines})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal line breakdown")
		}
		if _, err := s.ledger.Credit(ctx, ledger.CreditInput{
			OwnerType:   enums.OwnerTypeSeller,
			OwnerID:     sellerID,
			Type:        enums.LedgerTransactionTypeCreditSale,
			AmountCents: total.cents,
			SourceType:  enums.SourceTypeOrder,
			SourceRef:   input.OrderID.String(),
			Hold:        ledger.HoldUntilEvent(),
			Metadata:    metadata,
		}); err != nil {
			return err
		}
	}

	logCtx := s.logg.WithOrderID(ctx, input.OrderID.String())
	s.logg.Info(logCtx, fmt.Sprintf("order paid, %d seller credit(s) recorded", len(order)))
	return nil
}

// OrderDelivered releases the order's sale credits, converts affiliate
// credits to a time hold ending after the grace period, and grants any
// cashback with its expiry attached.
func (s *service) OrderDelivered(ctx context.Context, input OrderDeliveredInput) error {
	if err := s.validateInput(input); err != nil {
		return err
	}
	orderRef := input.OrderID.String()

	promoted, err := s.ledger.PromoteBySource(ctx, enums.SourceTypeOrder, orderRef, enums.LedgerTransactionTypeCreditSale)
	if err != nil {
		return err
	}

	graceEnd := input.DeliveredAt.Add(s.affiliateGrace)
	stamped, err := s.ledger.StampAvailableAt(ctx, enums.SourceTypeOrder, orderRef, enums.LedgerTransactionTypeCreditCommission, graceEnd)
	if err != nil {
		return err
	}

	if input.Cashback != nil {
		amount, err := commission.RateShare(input.Cashback.OrderTotalCents, input.Cashback.Rate)
		if err != nil {
			return err
		}
		if amount > 0 {
			if _, err := s.ledger.Credit(ctx, ledger.CreditInput{
				OwnerType:   enums.OwnerTypeCustomerCashback,
				OwnerID:     input.Cashback.CustomerID,
				Type:        enums.LedgerTransactionTypeCreditCashback,
				AmountCents: amount,
				SourceType:  enums.SourceTypeOrder,
				SourceRef:   orderRef,
				Hold:        ledger.ImmediateWithExpiry(input.DeliveredAt.Add(s.cashbackExpiry)),
			}); err != nil {
				return err
			}
		}
	}

	logCtx := s.logg.WithOrderID(ctx, orderRef)
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"promoted": promoted,
		"stamped":  stamped,
	})
	s.logg.Info(logCtx, "order delivered, holds updated")
	return nil
}

// OrderRefunded claws back every credit the order produced.
func (s *service) OrderRefunded(ctx context.Context, input OrderRefundedInput) error {
	if err := s.validateInput(input); err != nil {
		return err
	}

	reversed, err := s.ledger.ReverseBySource(ctx, enums.SourceTypeOrder, input.OrderID.String())
	if err != nil {
		return err
	}

	logCtx := s.logg.WithOrderID(ctx, input.OrderID.String())
	s.logg.Info(logCtx, fmt.Sprintf("order refunded, %d credit(s) reversed", reversed))
	return nil
}

// ReferralConfirmed records the affiliate's cut as a pending credit. It
// stays event-held until delivery stamps the grace deadline on it.
func (s *service) ReferralConfirmed(ctx context.Context, input ReferralConfirmedInput) error {
	if err := s.validateInput(input); err != nil {
		return err
	}

	amount, err := commission.RateShare(input.OrderTotalCents, input.CommissionRate)
	if err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}

	_, err = s.ledger.Credit(ctx, ledger.CreditInput{
		OwnerType:   enums.OwnerTypeAffiliate,
		OwnerID:     input.AffiliateID,
		Type:        enums.LedgerTransactionTypeCreditCommission,
		AmountCents: amount,
		SourceType:  enums.SourceTypeOrder,
		SourceRef:   input.OrderID.String(),
		Hold:        ledger.HoldUntilEvent(),
	})
	return err
}

func (s *service) validateInput(input any) error {
	if err := s.validate.Struct(input); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			details := map[string]string{}
			for _, fieldErr := range errs {
				details[fieldErr.Namespace()] = fieldErr.Tag()
			}
			return pkgerrors.New(pkgerrors.CodeValidation, "invalid earning event").WithDetails(details)
		}
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid earning event")
	}
	return nil
}

func termsForLine(line OrderLine) (commission.Terms, error) {
	switch line.FulfillmentMode {
	case enums.FulfillmentModeStock:
		return commission.StockTerms{PlatformRate: line.CommissionRate}, nil
	case enums.FulfillmentModeDropshipping:
		return commission.DropshipTerms{
			DropshipRate:      line.CommissionRate,
			SupplierCostCents: line.SupplierCostCents,
		}, nil
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("unknown fulfillment mode %q", line.FulfillmentMode))
	}
}
