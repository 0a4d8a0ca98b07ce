package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOracleUnavailable            = errors.New("pricing oracle unavailable")
	ErrVerificationFailed           = errors.New("payment verification failed")
	ErrInsufficientCustodialBalance = errors.New("insufficient custodial balance")
	ErrPurchaseTxReverted           = errors.New("custodial purchase transaction reverted")
	ErrExecutionUnknown             = errors.New("custodial purchase outcome unknown")
	ErrTokenIDNotFound              = errors.New("receipt token id not found")
	ErrSlotsExhausted               = errors.New("drop slots exhausted")
	ErrInvalidDrop                  = errors.New("invalid drop")
	ErrInvalidQuantity              = errors.New("invalid quantity")
	ErrQuoteShortfall               = errors.New("collected amount below current quote")
	ErrOrderNotFound                = errors.New("order not found")
	ErrDropNotFound                 = errors.New("drop not found")
	ErrCustodyDisabled              = errors.New("custodial execution not configured")
	ErrInvalidRequest               = errors.New("invalid settlement request")
)

// VerificationReason enumerates why an on-chain payment claim was rejected.
type VerificationReason string

const (
	ReasonNoTransferFound   VerificationReason = "no_transfer_found"
	ReasonAmountMismatch    VerificationReason = "amount_mismatch"
	ReasonRecipientMismatch VerificationReason = "recipient_mismatch"
	ReasonTxNotFound        VerificationReason = "tx_not_found"
	ReasonTxReverted        VerificationReason = "tx_reverted"
)

// VerificationError carries the rejection reason. errors.Is(err, ErrVerificationFailed)
// holds for every VerificationError.
type VerificationError struct {
	Reason VerificationReason
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", ErrVerificationFailed.Error(), e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrVerificationFailed.Error(), e.Reason, e.Detail)
}

func (e *VerificationError) Unwrap() error {
	return ErrVerificationFailed
}

// NewVerificationError builds a VerificationError with a formatted detail.
func NewVerificationError(reason VerificationReason, format string, args ...any) *VerificationError {
	return &VerificationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// VerificationReasonOf extracts the reason from err, if any.
func VerificationReasonOf(err error) (VerificationReason, bool) {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Reason, true
	}
	return "", false
}

// IsPaymentReceivedOutcome reports whether err leaves a received payment waiting on
// downstream work (custody or receipt) rather than rejecting it.
func IsPaymentReceivedOutcome(err error) bool {
	return errors.Is(err, ErrInsufficientCustodialBalance) ||
		errors.Is(err, ErrPurchaseTxReverted) ||
		errors.Is(err, ErrExecutionUnknown) ||
		errors.Is(err, ErrQuoteShortfall) ||
		errors.Is(err, ErrCustodyDisabled)
}
