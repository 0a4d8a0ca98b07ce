// Package metrics records settlement counters and latencies.
package metrics

import "time"

// Recorder is implemented by metric sinks.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Counter names.
const (
	Settled             = "settlement_settled"
	Replayed            = "settlement_replayed"
	VerificationFailed  = "settlement_verification_failed"
	SlotsExhausted      = "settlement_slots_exhausted"
	CustodyPurchase     = "custody_purchase"
	InsufficientBalance = "custody_insufficient_balance"
	ReceiptReconciled   = "receipt_reconciled"
	DropFallbackCreated = "drop_fallback_created"
	PreCheckoutAnswered = "precheckout_answered"
	OperatorAlertRaised = "operator_alert_raised"
	SettleLatency       = "settle"
	CustodyLatency      = "custody_execute"
	OracleLatency       = "oracle_quote"
	VerificationLatency = "verify_payment"
)

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
