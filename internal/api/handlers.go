/**
 * @description
 * HTTP handlers for the settlement service. Handlers parse requests, call the application
 * service and translate domain errors into fixed client-facing messages; internal error
 * text never reaches a payment provider or storefront.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/google/uuid: order ids on operator routes.
 * - github.com/go-playground/validator/v10: payment intent validation.
 * - go.uber.org/zap: structured logging.
 * - internal/app, internal/domain, internal/rails: service logic, models and rail adapters.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/outlier/settlement-service/internal/app"
	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/internal/rails"
	"github.com/outlier/settlement-service/pkg/chain"
	"go.uber.org/zap"
)

const (
	// ReplayHeader marks a response that returns a previously settled order.
	ReplayHeader = "Idempotent-Replayed"

	maxWebhookBodyBytes = 1 << 20
)

// SettlementService is the application surface the handlers call.
type SettlementService interface {
	Settle(ctx context.Context, req domain.SettlementRequest) (*domain.SettlementResult, error)
	Quote(ctx context.Context, dropID uint64, quantity int64) (domain.Quote, error)
	CreateHostedCharge(ctx context.Context, intent domain.PaymentIntent) (*domain.HostedCharge, error)
	CreateChatInvoice(ctx context.Context, intent domain.PaymentIntent) (*domain.ChatInvoice, error)
	OnchainPaymentInstructions(ctx context.Context, intent domain.PaymentIntent, resource string) (*domain.PaymentRequirements, error)
	EnqueueChatPayment(ctx context.Context, req domain.SettlementRequest)
	ReconcilePendingReceipts(ctx context.Context, limit int) (*domain.ReceiptReconcileResult, error)
	SyncDrop(ctx context.Context, dropID uint64) (*domain.Drop, error)
	RetryCustody(ctx context.Context, orderID uuid.UUID) (*domain.SettlementResult, error)
	Status(ctx context.Context, cache *app.DropCache) app.Status
}

// PreCheckoutAnswerer decides and answers Telegram pre-checkout queries.
type PreCheckoutAnswerer interface {
	Answer(query rails.PreCheckoutQuery) error
}

// SettlementHandlers holds the collaborators the handlers use.
type SettlementHandlers struct {
	service  SettlementService
	coinbase *rails.CoinbaseAdapter
	telegram *rails.TelegramAdapter
	gate     PreCheckoutAnswerer
	cache    *app.DropCache
	validate *validator.Validate
	logger   *zap.Logger
}

// NewSettlementHandlers creates a new instance of SettlementHandlers.
func NewSettlementHandlers(service SettlementService, coinbase *rails.CoinbaseAdapter, telegram *rails.TelegramAdapter, gate PreCheckoutAnswerer, cache *app.DropCache, logger *zap.Logger) *SettlementHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if coinbase == nil {
		coinbase = rails.NewCoinbaseAdapter("", logger)
	}
	if telegram == nil {
		telegram = rails.NewTelegramAdapter("", logger)
	}
	return &SettlementHandlers{
		service:  service,
		coinbase: coinbase,
		telegram: telegram,
		gate:     gate,
		cache:    cache,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With(zap.String("component", "api")),
	}
}

type settlementResponse struct {
	Order   *domain.Order         `json:"order"`
	Status  string                `json:"status"`
	Receipt domain.ReceiptOutcome `json:"receipt,omitempty"`
	Message string                `json:"message,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// QuoteHandler returns the authoritative on-chain price.
func (h *SettlementHandlers) QuoteHandler(w http.ResponseWriter, r *http.Request) {
	dropID, quantity, ok := h.quoteParams(w, r)
	if !ok {
		return
	}
	quote, err := h.service.Quote(r.Context(), dropID, quantity)
	if err != nil {
		h.writeServiceError(w, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// PreviewQuoteHandler prices from the static table. Its result is display-only.
func (h *SettlementHandlers) PreviewQuoteHandler(w http.ResponseWriter, r *http.Request) {
	dropID, quantity, ok := h.quoteParams(w, r)
	if !ok {
		return
	}
	quote, err := chain.PreviewQuote(dropID, r.URL.Query().Get("boxType"), quantity)
	if err != nil {
		h.writeServiceError(w, "quote_preview", err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (h *SettlementHandlers) quoteParams(w http.ResponseWriter, r *http.Request) (uint64, int64, bool) {
	dropID, err := strconv.ParseUint(chi.URLParam(r, "dropId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid drop id")
		return 0, 0, false
	}
	quantity := int64(1)
	if raw := strings.TrimSpace(r.URL.Query().Get("quantity")); raw != "" {
		quantity, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || quantity < 1 || quantity > domain.MaxQuantity {
			writeError(w, http.StatusBadRequest, "Invalid quantity")
			return 0, 0, false
		}
	}
	return dropID, quantity, true
}

// CreateCoinbasePaymentHandler creates a hosted Commerce charge.
func (h *SettlementHandlers) CreateCoinbasePaymentHandler(w http.ResponseWriter, r *http.Request) {
	intent, ok := h.decodeIntent(w, r, "create_coinbase_payment")
	if !ok {
		return
	}
	charge, err := h.service.CreateHostedCharge(r.Context(), intent)
	if err != nil {
		h.writeServiceError(w, "create_coinbase_payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, charge)
}

// CreateTelegramPaymentHandler creates a Stars invoice link.
func (h *SettlementHandlers) CreateTelegramPaymentHandler(w http.ResponseWriter, r *http.Request) {
	intent, ok := h.decodeIntent(w, r, "create_telegram_payment")
	if !ok {
		return
	}
	invoice, err := h.service.CreateChatInvoice(r.Context(), intent)
	if err != nil {
		h.writeServiceError(w, "create_telegram_payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, invoice)
}

// CreateOnchainPaymentHandler answers 402 with the transfer the payer must make.
func (h *SettlementHandlers) CreateOnchainPaymentHandler(w http.ResponseWriter, r *http.Request) {
	intent, ok := h.decodeIntent(w, r, "create_onchain_payment")
	if !ok {
		return
	}
	requirements, err := h.service.OnchainPaymentInstructions(r.Context(), intent, requestURL(r))
	if err != nil {
		h.writeServiceError(w, "create_onchain_payment", err)
		return
	}
	writeJSON(w, http.StatusPaymentRequired, map[string]any{
		"x402Version": 1,
		"accepts":     []*domain.PaymentRequirements{requirements},
	})
}

func (h *SettlementHandlers) decodeIntent(w http.ResponseWriter, r *http.Request, endpoint string) (domain.PaymentIntent, bool) {
	var intent domain.PaymentIntent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)).Decode(&intent); err != nil {
		h.logger.Warn("invalid request body", zap.String("endpoint", endpoint), zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return intent, false
	}
	if intent.Quantity == 0 {
		intent.Quantity = 1
	}
	if err := h.validate.Struct(intent); err != nil {
		h.logger.Warn("payment intent rejected", zap.String("endpoint", endpoint), zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request")
		return intent, false
	}
	return intent, true
}

// CoinbaseWebhookHandler settles confirmed Commerce charges.
func (h *SettlementHandlers) CoinbaseWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r, "coinbase_webhook")
	if !ok {
		return
	}
	if err := h.coinbase.VerifySignature(body, r.Header.Get(rails.CoinbaseSignatureHeader)); err != nil {
		h.logger.Warn("commerce webhook rejected", zap.String("endpoint", "coinbase_webhook"), zap.Error(err))
		h.writeServiceError(w, "coinbase_webhook", err)
		return
	}

	req, settleable, err := h.coinbase.Parse(body)
	if err != nil {
		h.writeServiceError(w, "coinbase_webhook", err)
		return
	}
	if !settleable {
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "ignored": true})
		return
	}

	result, err := h.service.Settle(r.Context(), req)
	h.writeSettlement(w, "coinbase_webhook", result, err)
}

// OnchainWebhookHandler settles a USDC transfer reported by the paying wallet.
func (h *SettlementHandlers) OnchainWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r, "onchain_webhook")
	if !ok {
		return
	}
	req, err := rails.ParseOnchainCallback(body)
	if err != nil {
		h.logger.Warn("on-chain callback rejected", zap.String("endpoint", "onchain_webhook"), zap.Error(err))
		h.writeServiceError(w, "onchain_webhook", err)
		return
	}

	result, err := h.service.Settle(r.Context(), req)
	h.writeSettlement(w, "onchain_webhook", result, err)
}

// TelegramWebhookHandler answers pre-checkout queries and queues successful payments.
// Once authenticated, every update is acknowledged with 200 so Telegram does not redeliver.
func (h *SettlementHandlers) TelegramWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.telegram.Authenticate(r.Header.Get(rails.TelegramSecretHeader)); err != nil {
		h.logger.Warn("telegram webhook rejected", zap.String("endpoint", "telegram_webhook"), zap.Error(err))
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	body, ok := h.readBody(w, r, "telegram_webhook")
	if !ok {
		return
	}
	update, err := h.telegram.ParseUpdate(body)
	if err != nil {
		h.logger.Warn("unreadable telegram update", zap.String("endpoint", "telegram_webhook"), zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	switch {
	case update.PreCheckoutQuery != nil:
		if h.gate == nil {
			h.logger.Error("pre-checkout gate not configured", zap.String("query_id", update.PreCheckoutQuery.ID))
			break
		}
		if err := h.gate.Answer(*update.PreCheckoutQuery); err != nil {
			h.logger.Error("pre-checkout answer failed", zap.String("query_id", update.PreCheckoutQuery.ID), zap.Error(err))
		}
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		req, err := h.telegram.PaymentRequest(update.Message)
		if err != nil {
			h.logger.Error("successful payment could not be parsed",
				zap.Int64("update_id", update.UpdateID),
				zap.String("charge_id", update.Message.SuccessfulPayment.TelegramPaymentChargeID),
				zap.Error(err),
			)
			break
		}
		h.service.EnqueueChatPayment(r.Context(), req)
	default:
		h.logger.Debug("ignoring telegram update", zap.Int64("update_id", update.UpdateID))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// StatusHandler reports service and collaborator health.
func (h *SettlementHandlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status(r.Context(), h.cache))
}

// ReconcileReceiptsHandler runs one receipt reconciliation pass.
func (h *SettlementHandlers) ReconcileReceiptsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}
	operatorID, _ := GetOperatorID(r.Context())
	h.logger.Info("receipt reconciliation requested", zap.String("operator", operatorID), zap.Int("limit", limit))

	result, err := h.service.ReconcilePendingReceipts(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, "reconcile_receipts", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SyncDropHandler refreshes the ledger mirror of one drop from the chain.
func (h *SettlementHandlers) SyncDropHandler(w http.ResponseWriter, r *http.Request) {
	dropID, err := strconv.ParseUint(chi.URLParam(r, "dropId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid drop id")
		return
	}
	drop, err := h.service.SyncDrop(r.Context(), dropID)
	if err != nil {
		h.writeServiceError(w, "sync_drop", err)
		return
	}
	writeJSON(w, http.StatusOK, drop)
}

// RetryCustodyHandler re-runs custodial execution for a pending off-chain order.
func (h *SettlementHandlers) RetryCustodyHandler(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order id")
		return
	}
	operatorID, _ := GetOperatorID(r.Context())
	h.logger.Info("custody retry requested", zap.String("operator", operatorID), zap.String("order_id", orderID.String()))

	result, err := h.service.RetryCustody(r.Context(), orderID)
	h.writeSettlement(w, "retry_custody", result, err)
}

func (h *SettlementHandlers) readBody(w http.ResponseWriter, r *http.Request, endpoint string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read request body", zap.String("endpoint", endpoint), zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	return body, true
}

// writeSettlement renders a settlement outcome. Payment-received failures still carry the
// pending order and answer 202 so the provider does not retry as a new charge.
func (h *SettlementHandlers) writeSettlement(w http.ResponseWriter, endpoint string, result *domain.SettlementResult, err error) {
	if err != nil {
		if domain.IsPaymentReceivedOutcome(err) && result != nil && result.Order != nil {
			h.logger.Warn("payment received; fulfilment pending",
				zap.String("endpoint", endpoint),
				zap.String("idempotency_key", result.Order.IdempotencyKey),
				zap.Error(err),
			)
			writeJSON(w, http.StatusAccepted, settlementResponse{
				Order:   result.Order,
				Status:  result.Order.Status,
				Message: "Payment received; fulfilment pending",
			})
			return
		}
		h.writeServiceError(w, endpoint, err)
		return
	}

	// A replay answers with the first response body; only the header tells them apart.
	if result.Replayed {
		w.Header().Set(ReplayHeader, "true")
	}
	writeJSON(w, http.StatusOK, settlementResponse{
		Order:   result.Order,
		Status:  result.Order.Status,
		Receipt: result.Receipt,
	})
}

func (h *SettlementHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status, message := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Int("status", status), zap.Error(err))
	} else {
		h.logger.Warn("request rejected", zap.String("endpoint", endpoint), zap.Int("status", status), zap.Error(err))
	}
	response := errorResponse{Error: message}
	if reason, ok := domain.VerificationReasonOf(err); ok {
		response.Reason = string(reason)
	}
	writeJSON(w, status, response)
}

// statusForError maps a domain error to its HTTP status and fixed client message.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, rails.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, rails.ErrNotConfigured), errors.Is(err, app.ErrRailNotConfigured):
		return http.StatusServiceUnavailable, "Payment method not available"
	case errors.Is(err, rails.ErrMalformedPayload), errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, domain.ErrInvalidQuantity):
		return http.StatusBadRequest, "Invalid quantity"
	case errors.Is(err, domain.ErrOracleUnavailable):
		return http.StatusServiceUnavailable, "Pricing temporarily unavailable"
	case errors.Is(err, domain.ErrVerificationFailed):
		return http.StatusUnprocessableEntity, "Payment could not be verified"
	case errors.Is(err, domain.ErrSlotsExhausted):
		return http.StatusConflict, "Drop is sold out"
	case errors.Is(err, domain.ErrInvalidDrop), errors.Is(err, domain.ErrDropNotFound):
		return http.StatusNotFound, "Drop not found"
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, "Order not found"
	case errors.Is(err, app.ErrOrderNotRetryable):
		return http.StatusConflict, "Order cannot be retried"
	case domain.IsPaymentReceivedOutcome(err):
		return http.StatusAccepted, "Payment received; fulfilment pending"
	}
	return http.StatusInternalServerError, "Internal server error"
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
