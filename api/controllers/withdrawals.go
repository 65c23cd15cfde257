package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tradeyard/tradeyard-backend/api/responses"
	"github.com/tradeyard/tradeyard-backend/api/validators"
	"github.com/tradeyard/tradeyard-backend/internal/withdrawals"
	"github.com/tradeyard/tradeyard-backend/pkg/logger"
	"github.com/tradeyard/tradeyard-backend/pkg/pagination"
)

type withdrawalRequestBody struct {
	AccountID   string `json:"account_id" validate:"required,uuid"`
	AmountCents int64  `json:"amount_cents" validate:"required,gt=0"`
	RequestedBy string `json:"requested_by" validate:"required,uuid"`
}

type withdrawalCancelBody struct {
	CancelledBy string `json:"cancelled_by" validate:"required,uuid"`
}

type withdrawalActionBody struct {
	OperatorID string `json:"operator_id" validate:"required,uuid"`
}

type withdrawalCompleteBody struct {
	OperatorID           string `json:"operator_id" validate:"required,uuid"`
	TransactionReference string `json:"transaction_reference" validate:"required"`
}

type withdrawalRejectBody struct {
	OperatorID string `json:"operator_id" validate:"required,uuid"`
	Reason     string `json:"reason" validate:"required"`
}

// WithdrawalRequest creates a payout request and reserves its funds.
func WithdrawalRequest(svc withdrawals.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body withdrawalRequestBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		accountID, err := validators.ParseUUIDParam(body.AccountID, "account id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		requestedBy, err := validators.ParseUUIDParam(body.RequestedBy, "requested by")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		withdrawal, err := svc.Request(r.Context(), withdrawals.RequestInput{
			AccountID:   accountID,
			AmountCents: body.AmountCents,
			RequestedBy: requestedBy,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, withdrawal)
	}
}

// WithdrawalDetail returns one withdrawal row.
func WithdrawalDetail(svc withdrawals.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		withdrawalID, err := validators.ParseUUIDParam(chi.URLParam(r, "withdrawalId"), "withdrawal id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		withdrawal, err := svc.Get(r.Context(), withdrawalID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, withdrawal)
	}
}

// WithdrawalList pages an account's withdrawals newest first.
func WithdrawalList(svc withdrawals.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := validators.ParseUUIDParam(chi.URLParam(r, "accountId"), "account id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		list, err := svc.ListByAccount(r.Context(), accountID, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

// WithdrawalCancel is the owner-side cancellation.
func WithdrawalCancel(svc withdrawals.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		withdrawalID, err := validators.ParseUUIDParam(chi.URLParam(r, "withdrawalId"), "withdrawal id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body withdrawalCancelBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		cancelledBy, err := validators.ParseUUIDParam(body.CancelledBy, "cancelled by")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		withdrawal, err := svc.Cancel(r.Context(), withdrawals.CancelInput{
			WithdrawalID: withdrawalID,
			CancelledBy:  cancelledBy,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, withdrawal)
	}
}

// WithdrawalApprove is the operator approval step. No money moves here;
// the reservation made at request time stays in place.
func WithdrawalApprove(svc withdrawals.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		withdrawalID, operatorID, err := decodeOperatorAction(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		withdrawal, err := svc.Approve(r.Context(), withdrawals.ActionInput{
			WithdrawalID: withdrawalID,
			OperatorID:   operatorID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, withdrawal)
	}
}

// WithdrawalStartProcessing marks the payout as handed to the external rail.
func WithdrawalStartProcessing(svc withdrawals.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		withdrawalID, operatorID, err := decodeOperatorAction(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		withdrawal, err := svc.StartProcessing(r.Context(), withdrawals.ActionInput{
			WithdrawalID: withdrawalID,
			OperatorID:   operatorID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, withdrawal)
	}
}

// WithdrawalComplete finalizes the payout with the external reference.
func WithdrawalComplete(svc withdrawals.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		withdrawalID, err := validators.ParseUUIDParam(chi.URLParam(r, "withdrawalId"), "withdrawal id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body withdrawalCompleteBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		operatorID, err := validators.ParseUUIDParam(body.OperatorID, "operator id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		withdrawal, err := svc.Complete(r.Context(), withdrawals.CompleteInput{
			WithdrawalID:         withdrawalID,
			OperatorID:           operatorID,
			TransactionReference: body.TransactionReference,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, withdrawal)
	}
}

// WithdrawalReject declines a pending payout and releases its reservation.
func WithdrawalReject(svc withdrawals.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		withdrawalID, err := validators.ParseUUIDParam(chi.URLParam(r, "withdrawalId"), "withdrawal id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body withdrawalRejectBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		operatorID, err := validators.ParseUUIDParam(body.OperatorID, "operator id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		withdrawal, err := svc.Reject(r.Context(), withdrawals.RejectInput{
			WithdrawalID: withdrawalID,
			OperatorID:   operatorID,
			Reason:       body.Reason,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, withdrawal)
	}
}

func decodeOperatorAction(r *http.Request) (withdrawalID, operatorID uuid.UUID, err error) {
	withdrawalID, err = validators.ParseUUIDParam(chi.URLParam(r, "withdrawalId"), "withdrawal id")
	if err != nil {
		return
	}
	var body withdrawalActionBody
	if err = validators.DecodeJSONBody(r, &body); err != nil {
		return
	}
	operatorID, err = validators.ParseUUIDParam(body.OperatorID, "operator id")
	return
}
