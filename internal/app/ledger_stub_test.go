package app

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/outlier/settlement-service/internal/domain"
	"github.com/outlier/settlement-service/internal/store"
	"github.com/outlier/settlement-service/pkg/custody"
	"github.com/outlier/settlement-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memoryLedger is a mutex-guarded store.Repository with the same transition rules as the
// PostgreSQL repository.
type memoryLedger struct {
	mu     sync.Mutex
	drops  map[uint64]*domain.Drop
	orders map[uuid.UUID]*domain.Order
	byKey  map[string]uuid.UUID
	users  map[string]*domain.User

	// reconciled mirrors last_reconciled_at as a pass sequence number; zero sorts first.
	reconciled    map[uuid.UUID]int
	reconcileSeq  int
	finalizeCalls int
	pingErr       error
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		drops:  make(map[uint64]*domain.Drop),
		orders: make(map[uuid.UUID]*domain.Order),
		byKey:  make(map[string]uuid.UUID),
		users:  make(map[string]*domain.User),

		reconciled: make(map[uuid.UUID]int),
	}
}

func (m *memoryLedger) addDrop(drop domain.Drop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := drop
	m.drops[drop.ID] = &copied
}

func (m *memoryLedger) drop(id uint64) domain.Drop {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.drops[id]
}

func (m *memoryLedger) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memoryLedger) orderByKey(key string) *domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil
	}
	copied := *m.orders[id]
	return &copied
}

func (m *memoryLedger) FindDropByID(ctx context.Context, dropID uint64) (*domain.Drop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop, ok := m.drops[dropID]
	if !ok {
		return nil, domain.ErrDropNotFound
	}
	copied := *drop
	return &copied, nil
}

func (m *memoryLedger) ListOpenDrops(ctx context.Context) ([]domain.Drop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Drop
	for _, drop := range m.drops {
		if drop.Status == domain.DropStatusFunding {
			out = append(out, *drop)
		}
	}
	return out, nil
}

func (m *memoryLedger) UpsertDrop(ctx context.Context, drop domain.Drop) (*domain.Drop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.drops[drop.ID]
	if !ok {
		copied := drop
		m.drops[drop.ID] = &copied
		return &copied, nil
	}
	if existing.Status.CanTransitionTo(drop.Status) {
		existing.Status = drop.Status
	}
	if drop.SlotsSold > existing.SlotsSold {
		existing.SlotsSold = drop.SlotsSold
	}
	existing.RaisedAmount = drop.RaisedAmount
	existing.SlotPrice = drop.SlotPrice
	copied := *existing
	return &copied, nil
}

func (m *memoryLedger) CreateDropFallback(ctx context.Context, drop domain.Drop) (*domain.Drop, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.drops[drop.ID]; ok {
		copied := *existing
		return &copied, false, nil
	}
	copied := drop
	m.drops[drop.ID] = &copied
	result := copied
	return &result, true, nil
}

func (m *memoryLedger) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}

func (m *memoryLedger) FindOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	copied := *m.orders[id]
	return &copied, nil
}

func (m *memoryLedger) UpsertPendingOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[order.IdempotencyKey]; ok {
		existing := m.orders[id]
		if existing.Status == domain.OrderStatusPending && existing.CustodialTxHash == nil {
			existing.Quantity = order.Quantity
			existing.PaymentAmount = order.PaymentAmount
			existing.SettlementMicros = order.SettlementMicros
		}
		copied := *existing
		return &copied, nil
	}
	copied := *order
	m.orders[order.ID] = &copied
	m.byKey[order.IdempotencyKey] = order.ID
	result := copied
	return &result, nil
}

func (m *memoryLedger) UpdateOrderMetadata(ctx context.Context, orderID uuid.UUID, params store.UpdateOrderMetadataParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok || order.Status != domain.OrderStatusPending {
		return domain.ErrOrderNotFound
	}
	if params.CustodialTxHash != nil {
		order.CustodialTxHash = nullable(*params.CustodialTxHash)
	}
	if params.FailureReason != nil {
		order.FailureReason = nullable(*params.FailureReason)
	}
	return nil
}

func (m *memoryLedger) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok || order.Status != domain.OrderStatusPending {
		return store.ErrOrderAlreadySettled
	}
	order.Status = domain.OrderStatusCancelled
	order.FailureReason = nullable(reason)
	return nil
}

func (m *memoryLedger) FinalizeSettlement(ctx context.Context, params store.FinalizeSettlementParams) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizeCalls++
	order, ok := m.orders[params.OrderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if order.Status != domain.OrderStatusPending {
		return nil, store.ErrOrderAlreadySettled
	}
	drop, ok := m.drops[params.DropID]
	if !ok {
		return nil, domain.ErrDropNotFound
	}
	sold := drop.SlotsSold + params.Quantity
	if sold > drop.TotalSlots {
		if params.EnforceSlotLimit {
			return nil, domain.ErrSlotsExhausted
		}
		sold = drop.TotalSlots
	}
	drop.SlotsSold = sold

	paidAt := params.PaidAt
	order.Status = domain.OrderStatusPaid
	order.PaidAt = &paidAt
	order.TokenID = params.TokenID
	order.ReceiptTxHash = params.ReceiptTxHash
	if params.CustodialTxHash != nil {
		order.CustodialTxHash = params.CustodialTxHash
	}
	order.FailureReason = nil

	user, ok := m.users[params.Wallet]
	if !ok {
		user = &domain.User{ID: uuid.New(), WalletAddress: params.Wallet, ReferralCode: params.NewReferralCode()}
		m.users[params.Wallet] = user
	}
	user.TotalOrders++
	user.TotalSpentMicros += params.SpentMicros

	copied := *order
	return &copied, nil
}

func (m *memoryLedger) LinkOrderReceipt(ctx context.Context, orderID uuid.UUID, tokenID string, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	order.TokenID = &tokenID
	order.ReceiptTxHash = &txHash
	return nil
}

func (m *memoryLedger) ListReceiptReconcileCandidates(ctx context.Context, olderThan time.Time, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, order := range m.orders {
		if order.CreatedAt.After(olderThan) {
			continue
		}
		missingReceipt := order.Status == domain.OrderStatusPaid && !order.HasReceipt()
		pendingPurchase := order.Status == domain.OrderStatusPending && order.CustodialTxHash != nil
		if missingReceipt || pendingPurchase {
			out = append(out, *order)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := m.reconciled[out[i].ID], m.reconciled[out[j].ID]
		if a != b {
			return a < b
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	m.reconcileSeq++
	for _, order := range out {
		m.reconciled[order.ID] = m.reconcileSeq
	}
	return out, nil
}

func (m *memoryLedger) FindUserByWallet(ctx context.Context, wallet string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[wallet]
	if !ok {
		return nil, errors.New("user not found")
	}
	copied := *user
	return &copied, nil
}

func (m *memoryLedger) Ping(ctx context.Context) error {
	return m.pingErr
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

type stubOracle struct {
	slotPrice *big.Int
	state     domain.DropState
	err       error
}

func (o *stubOracle) Quote(ctx context.Context, dropID uint64, quantity int64) (domain.Quote, error) {
	if o.err != nil {
		return domain.Quote{}, o.err
	}
	return domain.NewQuote(dropID, quantity, o.slotPrice)
}

func (o *stubOracle) ReadDrop(ctx context.Context, dropID uint64) (domain.DropState, error) {
	if o.err != nil {
		return domain.DropState{}, o.err
	}
	state := o.state
	state.ID = dropID
	return state, nil
}

type stubVerifier struct {
	mu            sync.Mutex
	verifyErr     error
	verification  domain.Verification
	tokenID       *big.Int
	tokenErr      error
	receipts      map[string]domain.ReceiptStatus
	verifyCalls   int
	lastExpected  *big.Int
	lastRecipient *common.Address
}

func (v *stubVerifier) Verify(ctx context.Context, txRef string, expectedAmount *big.Int, expectedRecipient *common.Address) (domain.Verification, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verifyCalls++
	v.lastExpected = expectedAmount
	v.lastRecipient = expectedRecipient
	if v.verifyErr != nil {
		return domain.Verification{}, v.verifyErr
	}
	verification := v.verification
	verification.Verified = true
	verification.TxHash = strings.ToLower(txRef)
	if verification.ActualAmount == nil {
		verification.ActualAmount = new(big.Int).Set(expectedAmount)
	}
	return verification, nil
}

func (v *stubVerifier) ExtractPurchasedTokenID(ctx context.Context, txRef string, buyer common.Address) (*big.Int, error) {
	if v.tokenErr != nil {
		return nil, v.tokenErr
	}
	if v.tokenID == nil {
		return nil, domain.ErrTokenIDNotFound
	}
	return v.tokenID, nil
}

func (v *stubVerifier) ReceiptStatus(ctx context.Context, txRef string, buyer common.Address) (domain.ReceiptStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if status, ok := v.receipts[txRef]; ok {
		return status, nil
	}
	return domain.ReceiptStatus{}, nil
}

type stubCustody struct {
	mu      sync.Mutex
	address common.Address
	balance *big.Int
	calls   int
	txHash  string
	tokenID *big.Int
	err     error
	// broadcast controls whether the submitted callback fires before err is returned.
	broadcast bool
	// beforeSubmit runs just before the submitted callback.
	beforeSubmit func()
}

func (c *stubCustody) Address() common.Address { return c.address }

func (c *stubCustody) Balance(ctx context.Context) (*big.Int, error) {
	if c.balance == nil {
		return big.NewInt(0), nil
	}
	return c.balance, nil
}

func (c *stubCustody) ExecutePurchase(ctx context.Context, dropID uint64, quantity int64, onBehalfOf string, collected *big.Int, submitted custody.SubmittedFunc) (domain.PurchaseResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.beforeSubmit != nil {
		c.beforeSubmit()
	}
	if c.err != nil {
		if c.broadcast && submitted != nil {
			submitted(ctx, c.txHash)
		}
		return domain.PurchaseResult{Success: errors.Is(c.err, domain.ErrTokenIDNotFound), TxHash: c.txHash}, c.err
	}
	if submitted != nil {
		submitted(ctx, c.txHash)
	}
	return domain.PurchaseResult{Success: true, TxHash: c.txHash, TokenID: c.tokenID}, nil
}

func (c *stubCustody) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordedEvent struct {
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu         sync.Mutex
	events     []recordedEvent
	publishErr error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.events = append(p.events, recordedEvent{routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) PublishSettlementEvent(ctx context.Context, routingKey string, event rabbitmq.SettlementEvent) error {
	return p.Publish(ctx, "", routingKey, event)
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, event := range p.events {
		if event.routingKey == routingKey {
			n++
		}
	}
	return n
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (a *recordingAlerter) Alert(ctx context.Context, alert Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return a.err
}

func (a *recordingAlerter) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.alerts))
	for _, alert := range a.alerts {
		out = append(out, alert.Kind)
	}
	return out
}

type fixture struct {
	ledger    *memoryLedger
	oracle    *stubOracle
	verifier  *stubVerifier
	custody   *stubCustody
	publisher *recordingPublisher
	alerter   *recordingAlerter
	service   *Service
}

const (
	testDropID    = 7
	testSlotPrice = 35_000_000
)

var (
	testRecipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testCustodian = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func newFixture(withCustody bool) *fixture {
	f := &fixture{
		ledger:    newMemoryLedger(),
		oracle:    &stubOracle{slotPrice: big.NewInt(testSlotPrice), state: domain.DropState{TotalSlots: 10, SlotPrice: testSlotPrice, Status: domain.DropStatusFunding}},
		verifier:  &stubVerifier{receipts: make(map[string]domain.ReceiptStatus)},
		publisher: &recordingPublisher{},
		alerter:   &recordingAlerter{},
	}
	f.ledger.addDrop(domain.Drop{ID: testDropID, TotalSlots: 10, SlotPrice: testSlotPrice, Status: domain.DropStatusFunding})

	var executor CustodialExecutor
	if withCustody {
		f.custody = &stubCustody{address: testCustodian, txHash: "0xcustody1", tokenID: big.NewInt(41)}
		executor = f.custody
	}
	f.service = NewService(f.ledger, f.oracle, f.verifier, executor, f.publisher, Options{
		PaymentRecipient: testRecipient,
		Alerter:          f.alerter,
		Logger:           zap.NewNop(),
		Now:              func() time.Time { return testNow },
	})
	return f
}

func hostedRequest(ref string, quantity int64) domain.SettlementRequest {
	return domain.SettlementRequest{
		Method:          domain.PaymentMethodHostedCheckout,
		Reference:       ref,
		DropID:          testDropID,
		Quantity:        quantity,
		CustomerWallet:  "0x1111111111111111111111111111111111111111",
		CustomerEmail:   "buyer@example.com",
		PaymentAmount:   testSlotPrice * quantity,
		PaymentCurrency: domain.CurrencyUSDC,
	}
}

func onchainRequest(ref string, quantity int64) domain.SettlementRequest {
	return domain.SettlementRequest{
		Method:          domain.PaymentMethodOnchain,
		Reference:       ref,
		DropID:          testDropID,
		Quantity:        quantity,
		CustomerWallet:  "0x2222222222222222222222222222222222222222",
		PaymentAmount:   testSlotPrice * quantity,
		PaymentCurrency: domain.CurrencyUSDC,
	}
}

func ptrString(value string) *string {
	return &value
}
