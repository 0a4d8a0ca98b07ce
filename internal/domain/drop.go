/**
 * @description
 * Core ledger models for the settlement-service. A Drop mirrors the on-chain
 * FlashCargo drop; Order and User are owned by the ledger.
 *
 * @notes
 * - Settlement-token amounts are carried in micro-units (USDC has 6 decimals) as int64
 *   in the ledger and as *big.Int at the chain boundary. Floating point is never used on money.
 */

package domain

import (
	"fmt"
	"strings"
	"time"
)

// DropStatus mirrors the uint8 status enum of the FlashCargo contract.
type DropStatus uint8

const (
	DropStatusFunding DropStatus = iota
	DropStatusFunded
	DropStatusCancelled
	DropStatusFulfilled
)

func (s DropStatus) String() string {
	switch s {
	case DropStatusFunding:
		return "FUNDING"
	case DropStatusFunded:
		return "FUNDED"
	case DropStatusCancelled:
		return "CANCELLED"
	case DropStatusFulfilled:
		return "FULFILLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// ParseDropStatus accepts the ledger's textual representation.
func ParseDropStatus(raw string) (DropStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "FUNDING":
		return DropStatusFunding, nil
	case "FUNDED":
		return DropStatusFunded, nil
	case "CANCELLED":
		return DropStatusCancelled, nil
	case "FULFILLED":
		return DropStatusFulfilled, nil
	}
	return 0, fmt.Errorf("unknown drop status %q", raw)
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle monotonic:
// Funding -> {Funded, Cancelled} -> Fulfilled. Staying in place is always allowed.
func (s DropStatus) CanTransitionTo(next DropStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case DropStatusFunding:
		return next == DropStatusFunded || next == DropStatusCancelled
	case DropStatusFunded, DropStatusCancelled:
		return next == DropStatusFulfilled
	}
	return false
}

// Drop is the ledger row for a liquidation lot. ID is the on-chain drop id.
type Drop struct {
	ID                uint64     `json:"id"`
	Name              string     `json:"name"`
	TargetAmount      int64      `json:"target_amount"`
	RaisedAmount      int64      `json:"raised_amount"`
	Deadline          time.Time  `json:"deadline"`
	SlotPrice         int64      `json:"slot_price"`
	TotalSlots        int64      `json:"total_slots"`
	SlotsSold         int64      `json:"slots_sold"`
	Status            DropStatus `json:"status"`
	ManifestURI       string     `json:"manifest_uri"`
	CreatedByFallback bool       `json:"created_by_fallback"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// RemainingSlots never goes negative even if the mirror lags the chain.
func (d *Drop) RemainingSlots() int64 {
	if d.SlotsSold >= d.TotalSlots {
		return 0
	}
	return d.TotalSlots - d.SlotsSold
}

// IsFundingOpen is the cheap local check used by the pre-checkout gate.
func (d *Drop) IsFundingOpen(now time.Time) bool {
	if d.Status != DropStatusFunding {
		return false
	}
	if !d.Deadline.IsZero() && now.After(d.Deadline) {
		return false
	}
	return d.RemainingSlots() > 0
}

// DropState is the decoded result of FlashCargo.getDrop.
type DropState struct {
	ID           uint64
	TargetAmount int64
	RaisedAmount int64
	Deadline     time.Time
	SlotPrice    int64
	TotalSlots   int64
	SlotsSold    int64
	Status       DropStatus
	ManifestURI  string
}

// Exists reports whether the contract returned a populated drop. Unknown ids decode to zeros.
func (s DropState) Exists() bool {
	return s.TotalSlots > 0
}

// ToDrop converts on-chain state into a ledger row.
func (s DropState) ToDrop() Drop {
	return Drop{
		ID:           s.ID,
		Name:         fmt.Sprintf("Drop #%d", s.ID),
		TargetAmount: s.TargetAmount,
		RaisedAmount: s.RaisedAmount,
		Deadline:     s.Deadline,
		SlotPrice:    s.SlotPrice,
		TotalSlots:   s.TotalSlots,
		SlotsSold:    s.SlotsSold,
		Status:       s.Status,
		ManifestURI:  s.ManifestURI,
	}
}
