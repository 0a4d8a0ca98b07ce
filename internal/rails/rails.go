/**
 * @description
 * Rail adapters turn provider-specific payment callbacks into the canonical
 * domain.SettlementRequest. Each adapter authenticates its callback the way the provider
 * defines and never trusts amounts it can re-derive elsewhere.
 *
 * @dependencies
 * - github.com/shopspring/decimal: provider USD amounts.
 * - github.com/go-playground/validator/v10: callback validation.
 * - go.uber.org/zap: structured logging.
 */
package rails

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrUnauthorized is returned when a callback fails provider authentication.
	ErrUnauthorized = errors.New("webhook authentication failed")
	// ErrMalformedPayload is returned for callbacks that cannot be turned into a request.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrNotConfigured is returned when the rail has no credentials.
	ErrNotConfigured = errors.New("rail not configured")
)

func parseUint(raw string) (uint64, bool) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	return value, err == nil
}

func parseQuantity(raw string) (int64, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 1, true
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	return value, err == nil
}
