package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradeyard/tradeyard-backend/api/responses"
	"github.com/tradeyard/tradeyard-backend/api/validators"
	"github.com/tradeyard/tradeyard-backend/internal/ledger"
	"github.com/tradeyard/tradeyard-backend/pkg/db/models"
	"github.com/tradeyard/tradeyard-backend/pkg/enums"
	pkgerrors "github.com/tradeyard/tradeyard-backend/pkg/errors"
	"github.com/tradeyard/tradeyard-backend/pkg/logger"
	"github.com/tradeyard/tradeyard-backend/pkg/pagination"
)

type accountResponse struct {
	ID                  string     `json:"id"`
	OwnerType           string     `json:"owner_type"`
	OwnerID             string     `json:"owner_id"`
	AvailableCents      int64      `json:"available_cents"`
	PendingCents        int64      `json:"pending_cents"`
	BlockedCents        int64      `json:"blocked_cents"`
	TotalEarnedCents    int64      `json:"total_earned_cents"`
	TotalWithdrawnCents int64      `json:"total_withdrawn_cents"`
	Frozen              bool       `json:"frozen"`
	DriftFlaggedAt      *time.Time `json:"drift_flagged_at,omitempty"`
}

func newAccountResponse(account *models.LedgerAccount) accountResponse {
	return accountResponse{
		ID:                  account.ID.String(),
		OwnerType:           string(account.OwnerType),
		OwnerID:             account.OwnerID.String(),
		AvailableCents:      account.AvailableCents,
		PendingCents:        account.PendingCents,
		BlockedCents:        account.BlockedCents,
		TotalEarnedCents:    account.TotalEarnedCents,
		TotalWithdrawnCents: account.TotalWithdrawnCents,
		Frozen:              account.Frozen(),
		DriftFlaggedAt:      account.DriftFlaggedAt,
	}
}

// AccountDetail returns the buckets and lifetime counters for one account.
func AccountDetail(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := validators.ParseUUIDParam(chi.URLParam(r, "accountId"), "account id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		account, err := svc.GetAccount(r.Context(), accountID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newAccountResponse(account))
	}
}

// AccountByOwner resolves an owner pair to its ledger account.
func AccountByOwner(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerType, err := enums.ParseOwnerType(strings.TrimSpace(chi.URLParam(r, "ownerType")))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid owner type"))
			return
		}
		ownerID, err := validators.ParseUUIDParam(chi.URLParam(r, "ownerId"), "owner id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		account, err := svc.GetAccountByOwner(r.Context(), ownerType, ownerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newAccountResponse(account))
	}
}

// AccountBalance returns the bucket triple only.
func AccountBalance(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := validators.ParseUUIDParam(chi.URLParam(r, "accountId"), "account id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		balance, err := svc.GetBalance(r.Context(), accountID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, balance)
	}
}

type transactionPage struct {
	Transactions []models.LedgerTransaction `json:"transactions"`
	NextCursor   string                     `json:"next_cursor,omitempty"`
}

// AccountTransactions pages the account's log newest first, optionally
// narrowed by type and status.
func AccountTransactions(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
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

		filter := ledger.TransactionFilter{}
		if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
			txType, err := enums.ParseLedgerTransactionType(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid transaction type"))
				return
			}
			filter.Type = &txType
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseLedgerTransactionStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid transaction status"))
				return
			}
			filter.Status = &status
		}

		rows, nextCursor, err := svc.ListTransactions(r.Context(), ledger.ListTransactionsInput{
			AccountID: accountID,
			Filter:    filter,
			Limit:     limit,
			Cursor:    strings.TrimSpace(r.URL.Query().Get("cursor")),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, transactionPage{Transactions: rows, NextCursor: nextCursor})
	}
}
