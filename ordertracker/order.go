// Package ordertracker is the local source of truth for order state. Orders
// are keyed by client order id with a secondary index by exchange order id,
// fills are deduplicated by fill id, and every mutation can be mirrored to a
// snapshot store so a restart picks up where the process left off.
package ordertracker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/robotter-hq/mango-connect/orderid"
)

// OrderStatus is the lifecycle state of a tracked order.
type OrderStatus string

const (
	StatusCreated         OrderStatus = "CREATED"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status ends the order's lifecycle. Terminal
// orders never transition again, with one carve-out: a revoked fill may pull
// a FILLED order back to PARTIALLY_FILLED via RemoveFill.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// FillEntry is one observed execution of an order. Entries are immutable and
// identified by FillID across both the push and the poll delivery paths.
type FillEntry struct {
	FillID    string          `json:"fill_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp time.Time       `json:"timestamp"`
}

// FillID builds the canonical fill identity from the ledger slot and the
// event-queue sequence number. Both delivery paths derive the same id for
// the same execution, which is what makes cross-path dedup work.
func FillID(slot, seqNum uint64) string {
	return fmt.Sprintf("%d-%d", slot, seqNum)
}

// Order is the tracked view of one order. Values handed out by the tracker
// are copies; mutate through tracker methods only.
type Order struct {
	ClientOrderID   orderid.ClientOrderID   `json:"client_order_id"`
	ExchangeOrderID orderid.ExchangeOrderID `json:"exchange_order_id,omitempty"`
	Market          orderid.MarketID        `json:"market"`
	ExpiryTag       orderid.ExpiryTag       `json:"expiry_tag,omitempty"`
	Status          OrderStatus             `json:"status"`
	Side            Side                    `json:"side"`
	Price           decimal.Decimal         `json:"price"`
	OrderAmount     decimal.Decimal         `json:"order_amount"`
	Fills           []FillEntry             `json:"fills,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// FilledQuantity sums the deduplicated fill set. Cumulative progress is
// always recomputed from the full set, never carried incrementally.
func (o Order) FilledQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Quantity)
	}
	return total
}

// HasFill reports whether a fill with the given id is already recorded.
func (o Order) HasFill(fillID string) bool {
	for _, f := range o.Fills {
		if f.FillID == fillID {
			return true
		}
	}
	return false
}

func (o Order) clone() Order {
	if o.Fills != nil {
		o.Fills = append([]FillEntry(nil), o.Fills...)
	}
	return o
}
