package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradeyard/tradeyard-backend/api/controllers"
	"github.com/tradeyard/tradeyard-backend/api/middleware"
	"github.com/tradeyard/tradeyard-backend/internal/earnings"
	"github.com/tradeyard/tradeyard-backend/internal/ledger"
	"github.com/tradeyard/tradeyard-backend/internal/withdrawals"
	"github.com/tradeyard/tradeyard-backend/pkg/config"
	"github.com/tradeyard/tradeyard-backend/pkg/logger"
)

// RouterParams carries everything the HTTP surface depends on.
type RouterParams struct {
	Config      *config.Config
	Logger      *logger.Logger
	Pingers     map[string]controllers.Pinger
	Ledger      ledger.Service
	Withdrawals withdrawals.Service
	Earnings    earnings.Service
}

func NewRouter(params RouterParams) http.Handler {
	cfg := params.Config
	logg := params.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, params.Pingers))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/{accountId}", controllers.AccountDetail(params.Ledger, logg))
			r.Get("/{accountId}/balance", controllers.AccountBalance(params.Ledger, logg))
			r.Get("/{accountId}/transactions", controllers.AccountTransactions(params.Ledger, logg))
			r.Get("/{accountId}/withdrawals", controllers.WithdrawalList(params.Withdrawals, logg))
		})
		r.Get("/owners/{ownerType}/{ownerId}/account", controllers.AccountByOwner(params.Ledger, logg))

		r.Route("/withdrawals", func(r chi.Router) {
			r.Post("/", controllers.WithdrawalRequest(params.Withdrawals, logg))
			r.Get("/{withdrawalId}", controllers.WithdrawalDetail(params.Withdrawals, logg))
			r.Post("/{withdrawalId}/cancel", controllers.WithdrawalCancel(params.Withdrawals, logg))
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/order-paid", controllers.OrderPaid(params.Earnings, logg))
			r.Post("/order-delivered", controllers.OrderDelivered(params.Earnings, logg))
			r.Post("/order-refunded", controllers.OrderRefunded(params.Earnings, logg))
			r.Post("/referral-confirmed", controllers.ReferralConfirmed(params.Earnings, logg))
		})
	})

	r.Route("/api/admin/v1/withdrawals", func(r chi.Router) {
		r.Post("/{withdrawalId}/approve", controllers.WithdrawalApprove(params.Withdrawals, logg))
		r.Post("/{withdrawalId}/start-processing", controllers.WithdrawalStartProcessing(params.Withdrawals, logg))
		r.Post("/{withdrawalId}/complete", controllers.WithdrawalComplete(params.Withdrawals, logg))
		r.Post("/{withdrawalId}/reject", controllers.WithdrawalReject(params.Withdrawals, logg))
	})

	return r
}
