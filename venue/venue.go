// Package venue defines the narrow surface this connector needs from the
// remote perp venue: building and submitting signed instructions, and
// reading account state back. Implementations wrap the chain SDK; the
// reconciliation engine only sees these interfaces.
package venue

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/robotter-hq/mango-connect/orderid"
	"github.com/robotter-hq/mango-connect/ordertracker"
)

// Instruction is one signable venue operation. Payload stays opaque to the
// engine; it only routes instructions into SubmitAndConfirm.
type Instruction struct {
	Market  orderid.MarketID
	Payload []byte
}

// Confirmation is the ledger acknowledgement of a submitted instruction
// batch.
type Confirmation struct {
	Signature string
}

// OpenOrder is one row of the venue's open-orders listing. ExpiryTag carries
// the correlation token the placement embedded.
type OpenOrder struct {
	ExchangeOrderID orderid.ExchangeOrderID
	ExpiryTag       orderid.ExpiryTag
	Side            ordertracker.Side
	Price           decimal.Decimal
	Quantity        decimal.Decimal
}

// MarketMetadata describes a perp market's trading parameters.
type MarketMetadata struct {
	MarketID     orderid.MarketID
	Name         string
	BaseSymbol   string
	QuoteSymbol  string
	TickSize     decimal.Decimal
	StepSize     decimal.Decimal
	MinOrderSize decimal.Decimal
}

// PlaceOrderParams carries everything a placement instruction needs. The
// expiry tag doubles as time-in-force and correlation token.
type PlaceOrderParams struct {
	Market    orderid.MarketID
	Side      ordertracker.Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	ExpiryTag orderid.ExpiryTag
	PostOnly  bool
}

// OrderSubmitter builds and submits venue instructions.
type OrderSubmitter interface {
	PlaceOrder(ctx context.Context, params PlaceOrderParams) (Instruction, error)
	CancelOrder(ctx context.Context, market orderid.MarketID, exchangeOrderID orderid.ExchangeOrderID) (Instruction, error)
	SubmitAndConfirm(ctx context.Context, instructions []Instruction) (Confirmation, error)
}

// AccountReader fetches on-chain account and market state.
type AccountReader interface {
	ListOpenOrders(ctx context.Context, account orderid.AccountID, market orderid.MarketID) ([]OpenOrder, error)
	GetMarketMetadata(ctx context.Context, market orderid.MarketID) (MarketMetadata, error)
}

// SubmissionError wraps a venue rejection with its diagnostic text.
type SubmissionError struct {
	Op      string
	Market  orderid.MarketID
	Message string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("venue: %s on %s failed: %s", e.Op, e.Market, e.Message)
}

func (e *SubmissionError) Unwrap() error { return e.Err }
