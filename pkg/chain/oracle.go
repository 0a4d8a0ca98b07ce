package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/outlier/settlement-service/internal/domain"
	"go.uber.org/zap"
)

const defaultOracleTimeout = 10 * time.Second

// Oracle reads authoritative slot pricing and drop state from the FlashCargo contract.
// Tiered pricing lives in the contract; the oracle only multiplies.
type Oracle struct {
	backend    Backend
	flashCargo common.Address
	timeout    time.Duration
	logger     *zap.Logger
}

// NewOracle creates an Oracle. A zero flashCargo address yields an oracle whose reads all
// fail with domain.ErrOracleUnavailable.
func NewOracle(backend Backend, flashCargo common.Address, timeout time.Duration, logger *zap.Logger) *Oracle {
	if timeout <= 0 {
		timeout = defaultOracleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{
		backend:    backend,
		flashCargo: flashCargo,
		timeout:    timeout,
		logger:     logger.With(zap.String("component", "oracle")),
	}
}

// Configured reports whether the oracle has a backend and contract address.
func (o *Oracle) Configured() bool {
	return o != nil && o.backend != nil && o.flashCargo != (common.Address{})
}

// CurrentSlotPrice returns getCurrentSlotPrice(dropId) in micro-units.
func (o *Oracle) CurrentSlotPrice(ctx context.Context, dropID uint64) (*big.Int, error) {
	values, err := o.read(ctx, "getCurrentSlotPrice", new(big.Int).SetUint64(dropID))
	if err != nil {
		return nil, err
	}
	price, err := firstBigInt(values, "getCurrentSlotPrice")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err)
	}
	return price, nil
}

// Quote prices quantity slots of dropID at the current on-chain price.
func (o *Oracle) Quote(ctx context.Context, dropID uint64, quantity int64) (domain.Quote, error) {
	if quantity < 1 || quantity > domain.MaxQuantity {
		return domain.Quote{}, fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, quantity)
	}
	price, err := o.CurrentSlotPrice(ctx, dropID)
	if err != nil {
		return domain.Quote{}, err
	}
	if price.Sign() == 0 {
		// An unknown drop reads back as a zero price.
		return domain.Quote{}, fmt.Errorf("%w: drop %d has no slot price", domain.ErrInvalidDrop, dropID)
	}
	return domain.NewQuote(dropID, quantity, price)
}

// ReadDrop decodes getDrop(dropId).
func (o *Oracle) ReadDrop(ctx context.Context, dropID uint64) (domain.DropState, error) {
	values, err := o.read(ctx, "getDrop", new(big.Int).SetUint64(dropID))
	if err != nil {
		return domain.DropState{}, err
	}
	state, err := decodeDropState(dropID, values)
	if err != nil {
		return domain.DropState{}, fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err)
	}
	return state, nil
}

func (o *Oracle) read(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if !o.Configured() {
		return nil, fmt.Errorf("%w: flash cargo contract address not configured", domain.ErrOracleUnavailable)
	}
	readCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	values, err := callContract(readCtx, o.backend, FlashCargoABI, o.flashCargo, common.Address{}, method, args...)
	if err != nil {
		if errors.Is(readCtx.Err(), context.DeadlineExceeded) {
			o.logger.Warn("oracle read timed out", zap.String("method", method), zap.Duration("timeout", o.timeout))
		} else {
			o.logger.Warn("oracle read failed", zap.String("method", method), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err)
	}
	return values, nil
}

func decodeDropState(dropID uint64, values []interface{}) (domain.DropState, error) {
	if len(values) != 8 {
		return domain.DropState{}, fmt.Errorf("getDrop returned %d values", len(values))
	}
	ints := make([]int64, 6)
	for i := 0; i < 6; i++ {
		v, ok := values[i].(*big.Int)
		if !ok {
			return domain.DropState{}, fmt.Errorf("getDrop value %d is %T", i, values[i])
		}
		if !v.IsInt64() {
			return domain.DropState{}, fmt.Errorf("getDrop value %d overflows int64", i)
		}
		ints[i] = v.Int64()
	}
	status, ok := values[6].(uint8)
	if !ok {
		return domain.DropState{}, fmt.Errorf("getDrop status is %T", values[6])
	}
	manifest, _ := values[7].(string)

	state := domain.DropState{
		ID:           dropID,
		TargetAmount: ints[0],
		RaisedAmount: ints[1],
		SlotPrice:    ints[3],
		TotalSlots:   ints[4],
		SlotsSold:    ints[5],
		Status:       domain.DropStatus(status),
		ManifestURI:  manifest,
	}
	if ints[2] > 0 {
		state.Deadline = time.Unix(ints[2], 0).UTC()
	}
	return state, nil
}

// previewSlotPrices backs the storefront's price preview when the chain is unreachable.
// Values are micro-USDC per slot keyed by box type.
var previewSlotPrices = map[string]int64{
	"mystery":  35_000_000,
	"standard": 35_000_000,
	"premium":  75_000_000,
	"mega":     150_000_000,
}

// PreviewQuote prices from the static table. The result is marked Preview and must only be
// shown to users, never settled against.
func PreviewQuote(dropID uint64, boxType string, quantity int64) (domain.Quote, error) {
	price, ok := previewSlotPrices[boxType]
	if !ok {
		price = previewSlotPrices["standard"]
	}
	quote, err := domain.NewQuote(dropID, quantity, big.NewInt(price))
	if err != nil {
		return domain.Quote{}, err
	}
	quote.Preview = true
	return quote, nil
}
