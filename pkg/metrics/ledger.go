package metrics

import "github.com/prometheus/client_golang/prometheus"

// LedgerMetrics tracks settlement health signals.
type LedgerMetrics struct {
	driftDetected         *prometheus.CounterVec
	creditsRecorded       *prometheus.CounterVec
	withdrawalTransitions *prometheus.CounterVec
	stalledWithdrawals    prometheus.Gauge
}

// NewLedgerMetrics registers the ledger metrics on the provided registerer.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	drift := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_drift_detected_total",
		Help: "Accounts whose recomputed balance diverged from the stored one.",
	}, []string{"owner_type"})
	credits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_credits_total",
		Help: "Ledger credit entries recorded, by transaction type.",
	}, []string{"type"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "withdrawal_transitions_total",
		Help: "Withdrawal state machine transitions, by action and outcome.",
	}, []string{"action", "outcome"})
	stalled := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "withdrawals_stalled_processing",
		Help: "Withdrawals stuck in processing beyond the operational timeout.",
	})
	reg.MustRegister(drift, credits, transitions, stalled)
	return &LedgerMetrics{
		driftDetected:         drift,
		creditsRecorded:       credits,
		withdrawalTransitions: transitions,
		stalledWithdrawals:    stalled,
	}
}

// IncDrift counts one drift-flagged account.
func (m *LedgerMetrics) IncDrift(ownerType string) {
	if m == nil || m.driftDetected == nil {
		return
	}
	m.driftDetected.WithLabelValues(normalizeLabel(ownerType)).Inc()
}

// IncCredit counts one recorded credit entry.
func (m *LedgerMetrics) IncCredit(txType string) {
	if m == nil || m.creditsRecorded == nil {
		return
	}
	m.creditsRecorded.WithLabelValues(normalizeLabel(txType)).Inc()
}

// IncTransition counts one withdrawal action attempt.
func (m *LedgerMetrics) IncTransition(action, outcome string) {
	if m == nil || m.withdrawalTransitions == nil {
		return
	}
	m.withdrawalTransitions.WithLabelValues(normalizeLabel(action), normalizeLabel(outcome)).Inc()
}

// SetStalledWithdrawals records how many withdrawals exceeded the
// processing timeout during the latest sweep.
func (m *LedgerMetrics) SetStalledWithdrawals(count int) {
	if m == nil || m.stalledWithdrawals == nil {
		return
	}
	m.stalledWithdrawals.Set(float64(count))
}
