/**
 * @description
 * PostgreSQL implementation of the Repository interface. Finalization locks the drop and
 * order rows so concurrent settlements of one drop serialize on the slot counter, and the
 * unique idempotency key keeps duplicate webhook deliveries on a single order row.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - internal/domain: ledger models.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/outlier/settlement-service/internal/domain"
)

const (
	defaultReconcileLimit  = 100
	maxReconcileLimit      = 500
	referralCodeAttempts   = 3
	uniqueViolationCode    = "23505"
	referralCodeConstraint = "users_referral_code_key"
)

const orderColumns = `
	id, drop_id, customer_wallet, customer_email, customer_name, telegram_id,
	shipping_address, shipping_cost, quantity, box_type, payment_method,
	payment_amount, payment_currency, settlement_micros, payment_reference,
	idempotency_key, token_id, receipt_tx_hash, custodial_tx_hash, failure_reason,
	status, paid_at, shipped_at, delivered_at, created_at, updated_at`

const dropColumns = `
	id, name, target_amount, raised_amount, deadline, slot_price, total_slots,
	slots_sold, status, manifest_uri, created_by_fallback, created_at, updated_at`

// PostgresRepository is the pgx-backed Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// FindDropByID looks a drop up by its on-chain id.
func (r *PostgresRepository) FindDropByID(ctx context.Context, dropID uint64) (*domain.Drop, error) {
	query := `SELECT ` + dropColumns + ` FROM drops WHERE id = $1`
	drop, err := scanDrop(r.db.QueryRow(ctx, query, dropID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDropNotFound
		}
		return nil, err
	}
	return drop, nil
}

// ListOpenDrops returns drops still accepting purchases, for the pre-checkout cache.
func (r *PostgresRepository) ListOpenDrops(ctx context.Context) ([]domain.Drop, error) {
	query := `
		SELECT ` + dropColumns + `
		FROM drops
		WHERE status = 'FUNDING' AND slots_sold < total_slots
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list open drops: %w", err)
	}
	defer rows.Close()

	var drops []domain.Drop
	for rows.Next() {
		drop, err := scanDrop(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan drop: %w", err)
		}
		drops = append(drops, *drop)
	}
	return drops, rows.Err()
}

// UpsertDrop writes the on-chain view of a drop. An existing row keeps its status when the
// incoming one would move backwards, and keeps the larger slots_sold.
func (r *PostgresRepository) UpsertDrop(ctx context.Context, drop domain.Drop) (*domain.Drop, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanDrop(tx.QueryRow(ctx, `SELECT `+dropColumns+` FROM drops WHERE id = $1 FOR UPDATE`, drop.ID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to lock drop: %w", err)
	}

	if existing != nil {
		drop = mergeDropState(*existing, drop)
		if drop.Name == "" {
			drop.Name = existing.Name
		}
	}
	if drop.Name == "" {
		drop.Name = fmt.Sprintf("Drop #%d", drop.ID)
	}

	query := `
		INSERT INTO drops (
			id, name, target_amount, raised_amount, deadline, slot_price, total_slots,
			slots_sold, status, manifest_uri, created_by_fallback
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			target_amount = EXCLUDED.target_amount,
			raised_amount = EXCLUDED.raised_amount,
			deadline = EXCLUDED.deadline,
			slot_price = EXCLUDED.slot_price,
			total_slots = EXCLUDED.total_slots,
			slots_sold = EXCLUDED.slots_sold,
			status = EXCLUDED.status,
			manifest_uri = EXCLUDED.manifest_uri,
			updated_at = NOW()
		RETURNING ` + dropColumns
	saved, err := scanDrop(tx.QueryRow(ctx, query,
		drop.ID, drop.Name, drop.TargetAmount, drop.RaisedAmount, nullableTime(drop.Deadline),
		drop.SlotPrice, drop.TotalSlots, drop.SlotsSold, drop.Status.String(), drop.ManifestURI,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert drop: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit drop upsert: %w", err)
	}
	return saved, nil
}

// mergeDropState applies incoming on top of existing without moving status backwards or
// shrinking the sold counter.
func mergeDropState(existing, incoming domain.Drop) domain.Drop {
	merged := incoming
	if !existing.Status.CanTransitionTo(incoming.Status) {
		merged.Status = existing.Status
	}
	if existing.SlotsSold > merged.SlotsSold {
		merged.SlotsSold = existing.SlotsSold
	}
	if merged.TotalSlots < merged.SlotsSold {
		merged.TotalSlots = merged.SlotsSold
	}
	return merged
}

// CreateDropFallback inserts a drop flagged as created outside the admin flow.
func (r *PostgresRepository) CreateDropFallback(ctx context.Context, drop domain.Drop) (*domain.Drop, bool, error) {
	if drop.Name == "" {
		drop.Name = fmt.Sprintf("Drop #%d", drop.ID)
	}
	query := `
		INSERT INTO drops (
			id, name, target_amount, raised_amount, deadline, slot_price, total_slots,
			slots_sold, status, manifest_uri, created_by_fallback
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + dropColumns
	saved, err := scanDrop(r.db.QueryRow(ctx, query,
		drop.ID, drop.Name, drop.TargetAmount, drop.RaisedAmount, nullableTime(drop.Deadline),
		drop.SlotPrice, drop.TotalSlots, drop.SlotsSold, drop.Status.String(), drop.ManifestURI,
	))
	if err == nil {
		return saved, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create fallback drop: %w", err)
	}
	existing, err := r.FindDropByID(ctx, drop.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PostgresRepository) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

func (r *PostgresRepository) FindOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// UpsertPendingOrder relies on the unique idempotency_key. The update branch only fires
// while the row is still pending, so a settled order is never rewritten. Quantity and the
// amounts priced from it move together, and only until a custodial purchase is broadcast.
func (r *PostgresRepository) UpsertPendingOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	query := `
		INSERT INTO orders (
			id, drop_id, customer_wallet, customer_email, customer_name, telegram_id,
			shipping_address, shipping_cost, quantity, box_type, payment_method,
			payment_amount, payment_currency, settlement_micros, payment_reference,
			idempotency_key, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 'pending')
		ON CONFLICT (idempotency_key) DO UPDATE SET
			customer_wallet = EXCLUDED.customer_wallet,
			customer_email = COALESCE(EXCLUDED.customer_email, orders.customer_email),
			customer_name = COALESCE(EXCLUDED.customer_name, orders.customer_name),
			telegram_id = COALESCE(EXCLUDED.telegram_id, orders.telegram_id),
			shipping_address = COALESCE(EXCLUDED.shipping_address, orders.shipping_address),
			shipping_cost = EXCLUDED.shipping_cost,
			box_type = COALESCE(EXCLUDED.box_type, orders.box_type),
			quantity = CASE WHEN orders.custodial_tx_hash IS NULL THEN EXCLUDED.quantity ELSE orders.quantity END,
			payment_amount = CASE WHEN orders.custodial_tx_hash IS NULL THEN EXCLUDED.payment_amount ELSE orders.payment_amount END,
			settlement_micros = CASE WHEN orders.custodial_tx_hash IS NULL THEN EXCLUDED.settlement_micros ELSE orders.settlement_micros END,
			updated_at = NOW()
		WHERE orders.status = 'pending'
		RETURNING ` + orderColumns
	saved, err := scanOrder(r.db.QueryRow(ctx, query,
		order.ID, order.DropID, order.CustomerWallet, order.CustomerEmail, order.CustomerName, order.TelegramID,
		nullableJSON(order.ShippingAddress), order.ShippingCost, order.Quantity, order.BoxType, string(order.PaymentMethod),
		order.PaymentAmount, order.PaymentCurrency, order.SettlementMicros, order.PaymentReference,
		order.IdempotencyKey,
	))
	if err == nil {
		return saved, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to upsert pending order: %w", err)
	}
	// Conflict with a settled row: hand it back for replay.
	return r.FindOrderByIdempotencyKey(ctx, order.IdempotencyKey)
}

func (r *PostgresRepository) UpdateOrderMetadata(ctx context.Context, orderID uuid.UUID, params UpdateOrderMetadataParams) error {
	setClauses := []string{"updated_at = NOW()"}
	args := []any{orderID}
	if params.CustodialTxHash != nil {
		args = append(args, nullableString(*params.CustodialTxHash))
		setClauses = append(setClauses, fmt.Sprintf("custodial_tx_hash = $%d", len(args)))
	}
	if params.FailureReason != nil {
		args = append(args, nullableString(*params.FailureReason))
		setClauses = append(setClauses, fmt.Sprintf("failure_reason = $%d", len(args)))
	}
	if len(args) == 1 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE orders SET %s WHERE id = $1`, strings.Join(setClauses, ", "))
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update order metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// CancelOrder moves a pending order to cancelled. Settled orders are left alone.
func (r *PostgresRepository) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) error {
	query := `
		UPDATE orders
		SET status = 'cancelled', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, orderID, nullableString(reason))
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderAlreadySettled
	}
	return nil
}

// FinalizeSettlement is the single transaction behind the paid transition.
func (r *PostgresRepository) FinalizeSettlement(ctx context.Context, params FinalizeSettlementParams) (*domain.Order, error) {
	if params.Quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the drop so concurrent settlements serialize on the counter.
	var totalSlots, slotsSold int64
	err = tx.QueryRow(ctx, `SELECT total_slots, slots_sold FROM drops WHERE id = $1 FOR UPDATE`, params.DropID).
		Scan(&totalSlots, &slotsSold)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDropNotFound
		}
		return nil, fmt.Errorf("failed to get and lock drop: %w", err)
	}

	// 2. Lock the order and make sure nobody settled it meanwhile.
	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, params.OrderID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get and lock order: %w", err)
	}
	if status != domain.OrderStatusPending {
		return nil, ErrOrderAlreadySettled
	}

	// 3. Compare-and-increment the slot counter.
	nextSold, err := nextSlotsSold(slotsSold, totalSlots, params.Quantity, params.EnforceSlotLimit)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `UPDATE drops SET slots_sold = $2, updated_at = NOW() WHERE id = $1`, params.DropID, nextSold)
	if err != nil {
		return nil, fmt.Errorf("failed to update drop slots: %w", err)
	}

	// 4. Mark the order paid.
	paidAt := params.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	updateOrder := `
		UPDATE orders SET
			status = 'paid',
			paid_at = $2,
			token_id = COALESCE($3, token_id),
			receipt_tx_hash = COALESCE($4, receipt_tx_hash),
			custodial_tx_hash = COALESCE($5, custodial_tx_hash),
			failure_reason = NULL,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + orderColumns
	order, err := scanOrder(tx.QueryRow(ctx, updateOrder, params.OrderID, paidAt, params.TokenID, params.ReceiptTxHash, params.CustodialTxHash))
	if err != nil {
		return nil, fmt.Errorf("failed to mark order paid: %w", err)
	}

	// 5. Upsert the user aggregate.
	if err := upsertUserInTx(ctx, tx, params); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return order, nil
}

// nextSlotsSold applies quantity to the counter. Enforced mode rejects overflow; mirror
// mode clamps at total.
func nextSlotsSold(sold, total, quantity int64, enforce bool) (int64, error) {
	next := sold + quantity
	if next <= total {
		return next, nil
	}
	if enforce {
		return 0, fmt.Errorf("%w: %d remaining, %d requested", domain.ErrSlotsExhausted, max(total-sold, 0), quantity)
	}
	return total, nil
}

// upsertUserInTx creates the user on the first settled order and increments the
// aggregates afterwards. The referral code is only written on insert; a code collision is
// retried inside a savepoint.
func upsertUserInTx(ctx context.Context, tx pgx.Tx, params FinalizeSettlementParams) error {
	query := `
		INSERT INTO users (wallet_address, email, telegram_id, referral_code, total_orders, total_spent_micros)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (wallet_address) DO UPDATE SET
			email = COALESCE(EXCLUDED.email, users.email),
			telegram_id = COALESCE(EXCLUDED.telegram_id, users.telegram_id),
			total_orders = users.total_orders + 1,
			total_spent_micros = users.total_spent_micros + EXCLUDED.total_spent_micros,
			updated_at = NOW()
	`
	newCode := params.NewReferralCode
	if newCode == nil {
		newCode = func() string { return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8]) }
	}

	var lastErr error
	for attempt := 0; attempt < referralCodeAttempts; attempt++ {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to open user savepoint: %w", err)
		}
		_, err = sp.Exec(ctx, query, params.Wallet, params.Email, params.TelegramID, newCode(), params.SpentMicros)
		if err == nil {
			if err := sp.Commit(ctx); err != nil {
				return fmt.Errorf("failed to release user savepoint: %w", err)
			}
			return nil
		}
		_ = sp.Rollback(ctx)
		if !isReferralCodeCollision(err) {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("failed to allocate referral code: %w", lastErr)
}

func isReferralCodeCollision(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode && pgErr.ConstraintName == referralCodeConstraint
}

// LinkOrderReceipt fills in the receipt for a settled order that lacked one.
func (r *PostgresRepository) LinkOrderReceipt(ctx context.Context, orderID uuid.UUID, tokenID string, txHash string) error {
	query := `
		UPDATE orders
		SET token_id = $2, receipt_tx_hash = COALESCE($3, receipt_tx_hash), updated_at = NOW()
		WHERE id = $1 AND token_id IS NULL
	`
	tag, err := r.db.Exec(ctx, query, orderID, tokenID, nullableString(txHash))
	if err != nil {
		return fmt.Errorf("failed to link order receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// ListReceiptReconcileCandidates claims paid orders still missing a receipt and pending
// orders whose custodial purchase was submitted. Each claimed row has last_reconciled_at
// stamped; rows never examined or examined longest ago come first, so rows that stay
// unresolved rotate to the back.
func (r *PostgresRepository) ListReceiptReconcileCandidates(ctx context.Context, olderThan time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	if limit > maxReconcileLimit {
		limit = maxReconcileLimit
	}
	query := `
		WITH candidates AS (
			SELECT id AS candidate_id
			FROM orders
			WHERE ((status = 'paid' AND token_id IS NULL AND (receipt_tx_hash IS NOT NULL OR custodial_tx_hash IS NOT NULL))
				OR (status = 'pending' AND custodial_tx_hash IS NOT NULL))
			  AND updated_at < $1
			ORDER BY last_reconciled_at ASC NULLS FIRST, updated_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE orders
		SET last_reconciled_at = NOW()
		FROM candidates
		WHERE orders.id = candidates.candidate_id
		RETURNING ` + orderColumns + `
	`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipt reconcile candidates: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (r *PostgresRepository) FindUserByWallet(ctx context.Context, wallet string) (*domain.User, error) {
	var user domain.User
	query := `
		SELECT id, wallet_address, email, telegram_id, referral_code, total_orders,
			total_spent_micros, created_at, updated_at
		FROM users
		WHERE wallet_address = $1
	`
	err := r.db.QueryRow(ctx, query, wallet).Scan(
		&user.ID, &user.WalletAddress, &user.Email, &user.TelegramID, &user.ReferralCode,
		&user.TotalOrders, &user.TotalSpentMicros, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ErrUserNotFound is returned when no user exists for a wallet.
var ErrUserNotFound = errors.New("user not found")

func scanDrop(row pgx.Row) (*domain.Drop, error) {
	var (
		drop     domain.Drop
		deadline *time.Time
		status   string
	)
	err := row.Scan(
		&drop.ID, &drop.Name, &drop.TargetAmount, &drop.RaisedAmount, &deadline, &drop.SlotPrice,
		&drop.TotalSlots, &drop.SlotsSold, &status, &drop.ManifestURI, &drop.CreatedByFallback,
		&drop.CreatedAt, &drop.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if deadline != nil {
		drop.Deadline = *deadline
	}
	drop.Status, err = domain.ParseDropStatus(status)
	if err != nil {
		return nil, err
	}
	return &drop, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		order         domain.Order
		method        string
		shippingBytes []byte
	)
	err := row.Scan(
		&order.ID, &order.DropID, &order.CustomerWallet, &order.CustomerEmail, &order.CustomerName, &order.TelegramID,
		&shippingBytes, &order.ShippingCost, &order.Quantity, &order.BoxType, &method,
		&order.PaymentAmount, &order.PaymentCurrency, &order.SettlementMicros, &order.PaymentReference,
		&order.IdempotencyKey, &order.TokenID, &order.ReceiptTxHash, &order.CustodialTxHash, &order.FailureReason,
		&order.Status, &order.PaidAt, &order.ShippedAt, &order.DeliveredAt, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.PaymentMethod = domain.PaymentMethod(method)
	if len(shippingBytes) > 0 {
		order.ShippingAddress = json.RawMessage(shippingBytes)
	}
	return &order, nil
}

func nullableString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func nullableTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}

func nullableJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
