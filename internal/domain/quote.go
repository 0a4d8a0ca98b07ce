package domain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// USDCDecimals is the settlement token's fixed-point scale.
	USDCDecimals = 6
	// MicrosPerPoint is the number of micro-USDC one chat-platform point (Telegram Star) is worth.
	MicrosPerPoint = 10_000
	// MaxQuantity bounds a single order.
	MaxQuantity = 100
)

// Quote is the priced result for a quantity of slots of one drop.
type Quote struct {
	DropID      uint64
	Quantity    int64
	SlotPrice   *big.Int
	TotalAmount *big.Int
	TotalUSD    decimal.Decimal
	TotalPoints int64
	// Preview quotes come from the static table and must never drive settlement.
	Preview bool
}

// NewQuote multiplies the current slot price by quantity in integer arithmetic and derives
// the chat-platform points, rounding up.
func NewQuote(dropID uint64, quantity int64, slotPrice *big.Int) (Quote, error) {
	if quantity < 1 || quantity > MaxQuantity {
		return Quote{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if slotPrice == nil || slotPrice.Sign() < 0 {
		return Quote{}, fmt.Errorf("%w: slot price unavailable", ErrOracleUnavailable)
	}
	total := new(big.Int).Mul(slotPrice, big.NewInt(quantity))
	points := PointsForMicros(total)
	if !points.IsInt64() {
		return Quote{}, fmt.Errorf("points overflow for total %s", total)
	}
	return Quote{
		DropID:      dropID,
		Quantity:    quantity,
		SlotPrice:   new(big.Int).Set(slotPrice),
		TotalAmount: total,
		TotalUSD:    MicrosToUSD(total),
		TotalPoints: points.Int64(),
	}, nil
}

// PointsForMicros is ceil(micros / MicrosPerPoint).
func PointsForMicros(micros *big.Int) *big.Int {
	if micros == nil || micros.Sign() <= 0 {
		return big.NewInt(0)
	}
	per := big.NewInt(MicrosPerPoint)
	n := new(big.Int).Add(micros, new(big.Int).Sub(per, big.NewInt(1)))
	return n.Quo(n, per)
}

// MicrosToUSD renders micro-units as a decimal USD amount.
func MicrosToUSD(micros *big.Int) decimal.Decimal {
	if micros == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(micros, -USDCDecimals)
}

// USDToMicros converts a decimal USD amount to micro-units, rounding up any sub-micro remainder.
func USDToMicros(usd decimal.Decimal) int64 {
	return usd.Shift(USDCDecimals).Ceil().IntPart()
}

// PointsToMicros converts chat-platform points to their USD value in micro-units.
func PointsToMicros(points int64) int64 {
	return points * MicrosPerPoint
}

type quoteJSON struct {
	DropID      uint64 `json:"dropId"`
	Quantity    int64  `json:"quantity"`
	SlotPrice   string `json:"slotPrice"`
	TotalAmount string `json:"totalAmount"`
	TotalUSD    string `json:"totalUsd"`
	TotalPoints int64  `json:"totalPoints"`
	Preview     bool   `json:"preview,omitempty"`
}

// MarshalJSON encodes big amounts as decimal strings.
func (q Quote) MarshalJSON() ([]byte, error) {
	out := quoteJSON{
		DropID:      q.DropID,
		Quantity:    q.Quantity,
		TotalUSD:    q.TotalUSD.StringFixed(2),
		TotalPoints: q.TotalPoints,
		Preview:     q.Preview,
	}
	if q.SlotPrice != nil {
		out.SlotPrice = q.SlotPrice.String()
	}
	if q.TotalAmount != nil {
		out.TotalAmount = q.TotalAmount.String()
	}
	return json.Marshal(out)
}
