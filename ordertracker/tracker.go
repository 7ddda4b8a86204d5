package ordertracker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/robotter-hq/mango-connect/orderid"
)

var ErrDuplicateClientOrderID = errors.New("ordertracker: client order id already tracked")

// SnapshotStore persists the full order map after each mutation and restores
// it on startup. Implementations return an empty map, not an error, when no
// snapshot exists yet.
type SnapshotStore interface {
	Save(orders map[orderid.ClientOrderID]Order) error
	Load() (map[orderid.ClientOrderID]Order, error)
}

// Tracker holds all locally-known orders. Every method is safe for
// concurrent use; the push and poll fill paths both mutate through here and
// rely on fill-id dedup for cross-path consistency.
type Tracker struct {
	logger *slog.Logger
	store  SnapshotStore

	mu         sync.Mutex
	orders     map[orderid.ClientOrderID]*Order
	byExchange map[orderid.ExchangeOrderID]orderid.ClientOrderID
}

type Option func(*Tracker)

// WithSnapshotStore enables persistence. The tracker loads the latest
// snapshot during construction and saves after every mutation.
func WithSnapshotStore(store SnapshotStore) Option {
	return func(t *Tracker) { t.store = store }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func New(opts ...Option) (*Tracker, error) {
	t := &Tracker{
		logger:     slog.Default(),
		orders:     make(map[orderid.ClientOrderID]*Order),
		byExchange: make(map[orderid.ExchangeOrderID]orderid.ClientOrderID),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithGroup("ordertracker")

	if t.store != nil {
		restored, err := t.store.Load()
		if err != nil {
			return nil, fmt.Errorf("ordertracker: load snapshot: %w", err)
		}
		for id, order := range restored {
			o := order.clone()
			t.orders[id] = &o
			if o.ExchangeOrderID != "" {
				t.byExchange[o.ExchangeOrderID] = id
			}
		}
		if len(restored) > 0 {
			t.logger.Info("restored orders from snapshot", slog.Int("count", len(restored)))
		}
	}
	return t, nil
}

// NewOrder carries the caller-supplied fields of a fresh order.
type NewOrder struct {
	ClientOrderID orderid.ClientOrderID
	Market        orderid.MarketID
	Side          Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	CreatedAt     time.Time
}

// Add registers a new order in state CREATED. A client order id that is
// already tracked is a caller bug and fails loudly without touching the
// existing record.
func (t *Tracker) Add(params NewOrder) error {
	if err := params.ClientOrderID.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.orders[params.ClientOrderID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateClientOrderID, params.ClientOrderID)
	}
	t.orders[params.ClientOrderID] = &Order{
		ClientOrderID: params.ClientOrderID,
		Market:        params.Market,
		Status:        StatusCreated,
		Side:          params.Side,
		Price:         params.Price,
		OrderAmount:   params.Amount,
		CreatedAt:     params.CreatedAt,
		UpdatedAt:     params.CreatedAt,
	}
	t.saveLocked()
	return nil
}

// SetExchangeOrderID links the venue-assigned id to a tracked order. Unknown
// client order ids are logged and ignored.
func (t *Tracker) SetExchangeOrderID(clientOrderID orderid.ClientOrderID, exchangeOrderID orderid.ExchangeOrderID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[clientOrderID]
	if !ok {
		t.logger.Warn("exchange order id for untracked order",
			slog.String("client_order_id", clientOrderID.String()),
			slog.String("exchange_order_id", exchangeOrderID.String()))
		return
	}
	order.ExchangeOrderID = exchangeOrderID
	order.UpdatedAt = time.Now().UTC()
	t.byExchange[exchangeOrderID] = clientOrderID
	t.saveLocked()
}

// SetExpiryTag records the correlation tag embedded in the placement
// instruction, so a later open-orders pass can recover the venue id.
func (t *Tracker) SetExpiryTag(clientOrderID orderid.ClientOrderID, tag orderid.ExpiryTag) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[clientOrderID]
	if !ok {
		t.logger.Warn("expiry tag for untracked order",
			slog.String("client_order_id", clientOrderID.String()))
		return
	}
	order.ExpiryTag = tag
	order.UpdatedAt = time.Now().UTC()
	t.saveLocked()
}

// UpdateStatus applies a status transition and optionally records a fill.
// Unknown orders are a logged no-op. Fills repeat across the push and poll
// paths, so a fill whose id is already recorded changes nothing. Terminal
// orders never transition again.
func (t *Tracker) UpdateStatus(clientOrderID orderid.ClientOrderID, status OrderStatus, fill *FillEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[clientOrderID]
	if !ok {
		t.logger.Warn("status update for untracked order",
			slog.String("client_order_id", clientOrderID.String()),
			slog.String("status", string(status)))
		return
	}
	t.updateLocked(order, status, fill)
}

// UpdateStatusByExchangeOrderID is UpdateStatus resolved via the secondary
// index.
func (t *Tracker) UpdateStatusByExchangeOrderID(exchangeOrderID orderid.ExchangeOrderID, status OrderStatus, fill *FillEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clientOrderID, ok := t.byExchange[exchangeOrderID]
	if !ok {
		t.logger.Warn("status update for untracked exchange order id",
			slog.String("exchange_order_id", exchangeOrderID.String()),
			slog.String("status", string(status)))
		return
	}
	t.updateLocked(t.orders[clientOrderID], status, fill)
}

// ApplyFill records a fill and derives the resulting status from the
// deduplicated cumulative quantity: FILLED when it reaches the order amount,
// PARTIALLY_FILLED otherwise.
func (t *Tracker) ApplyFill(clientOrderID orderid.ClientOrderID, fill FillEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[clientOrderID]
	if !ok {
		t.logger.Warn("fill for untracked order",
			slog.String("client_order_id", clientOrderID.String()),
			slog.String("fill_id", fill.FillID))
		return
	}
	if order.HasFill(fill.FillID) {
		return
	}
	if order.Status.Terminal() {
		t.logger.Warn("dropping fill for terminal order",
			slog.String("client_order_id", clientOrderID.String()),
			slog.String("status", string(order.Status)),
			slog.String("fill_id", fill.FillID))
		return
	}
	if order.FilledQuantity().Add(fill.Quantity).GreaterThan(order.OrderAmount) {
		t.logger.Warn("dropping overfilling fill",
			slog.String("client_order_id", clientOrderID.String()),
			slog.String("fill_id", fill.FillID),
			slog.String("quantity", fill.Quantity.String()))
		return
	}

	order.Fills = append(order.Fills, fill)
	if order.FilledQuantity().Equal(order.OrderAmount) {
		order.Status = StatusFilled
	} else if order.Status != StatusPendingCancel {
		order.Status = StatusPartiallyFilled
	}
	order.UpdatedAt = time.Now().UTC()
	t.saveLocked()
}

// RemoveFill retracts a previously recorded fill after the stream announces
// a revoke. This is the one path allowed to pull a FILLED order back: the
// status is recomputed from the remaining fill set.
func (t *Tracker) RemoveFill(clientOrderID orderid.ClientOrderID, fillID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[clientOrderID]
	if !ok {
		return
	}
	idx := -1
	for i, f := range order.Fills {
		if f.FillID == fillID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	order.Fills = append(order.Fills[:idx], order.Fills[idx+1:]...)

	switch order.Status {
	case StatusOpen, StatusPartiallyFilled, StatusFilled:
		remaining := order.FilledQuantity()
		switch {
		case remaining.IsZero():
			order.Status = StatusOpen
		case remaining.Equal(order.OrderAmount):
			order.Status = StatusFilled
		default:
			order.Status = StatusPartiallyFilled
		}
	}
	order.UpdatedAt = time.Now().UTC()
	t.logger.Info("revoked fill",
		slog.String("client_order_id", clientOrderID.String()),
		slog.String("fill_id", fillID),
		slog.String("status", string(order.Status)))
	t.saveLocked()
}

// Get returns a copy of the order, or false if the id is unknown.
func (t *Tracker) Get(clientOrderID orderid.ClientOrderID) (Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return order.clone(), true
}

func (t *Tracker) GetByExchangeOrderID(exchangeOrderID orderid.ExchangeOrderID) (Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clientOrderID, ok := t.byExchange[exchangeOrderID]
	if !ok {
		return Order{}, false
	}
	return t.orders[clientOrderID].clone(), true
}

// All returns copies of every tracked order.
func (t *Tracker) All() []Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Order, 0, len(t.orders))
	for _, order := range t.orders {
		out = append(out, order.clone())
	}
	return out
}

// Open returns every order not in CANCELLED. EXPIRED and FILLED orders stay
// visible here so callers can still inspect their final fill state.
func (t *Tracker) Open() []Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Order, 0, len(t.orders))
	for _, order := range t.orders {
		if order.Status == StatusCancelled {
			continue
		}
		out = append(out, order.clone())
	}
	return out
}

func (t *Tracker) updateLocked(order *Order, status OrderStatus, fill *FillEntry) {
	if fill != nil && !order.HasFill(fill.FillID) {
		if order.FilledQuantity().Add(fill.Quantity).GreaterThan(order.OrderAmount) {
			t.logger.Warn("dropping overfilling fill",
				slog.String("client_order_id", order.ClientOrderID.String()),
				slog.String("fill_id", fill.FillID))
		} else {
			order.Fills = append(order.Fills, *fill)
		}
	}
	if order.Status.Terminal() && status != order.Status {
		t.logger.Debug("ignoring transition out of terminal status",
			slog.String("client_order_id", order.ClientOrderID.String()),
			slog.String("from", string(order.Status)),
			slog.String("to", string(status)))
	} else {
		order.Status = status
	}
	order.UpdatedAt = time.Now().UTC()
	t.saveLocked()
}

// saveLocked mirrors the full map to the snapshot store. Persistence is best
// effort: a failed write is logged, never surfaced, so a flaky disk cannot
// take down the live state machine.
func (t *Tracker) saveLocked() {
	if t.store == nil {
		return
	}
	snapshot := make(map[orderid.ClientOrderID]Order, len(t.orders))
	for id, order := range t.orders {
		snapshot[id] = order.clone()
	}
	if err := t.store.Save(snapshot); err != nil {
		t.logger.Error("snapshot save failed", slog.String("error", err.Error()))
	}
}
