package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/robotter-hq/mango-connect/dataapi"
	"github.com/robotter-hq/mango-connect/fillsfeed"
	"github.com/robotter-hq/mango-connect/orderid"
	"github.com/robotter-hq/mango-connect/ordertracker"
)

// Bind wires the engine into a fills feed as its fill consumer.
func (e *Engine) Bind(feed *fillsfeed.FillsFeed) {
	feed.OnFill(e.HandleFill)
}

// HandleFill applies one push-delivered fill event. The stream is public:
// the event only concerns us if the maker or taker client order id is
// tracked. A self-trade matches both sides; the maker side wins the
// tie-break, so the maker fee is the one recorded.
func (e *Engine) HandleFill(event fillsfeed.FillEvent) {
	fillID := event.FillID()

	clientOrderID, fee, ok := e.matchRole(
		orderid.ClientOrderID(event.Event.MakerClientOrderID.String()),
		orderid.ClientOrderID(event.Event.TakerClientOrderID.String()),
		event.Event.MakerFee, event.Event.TakerFee,
	)
	if !ok {
		return
	}

	if event.Status == fillsfeed.FillStatusRevoke {
		e.tracker.RemoveFill(clientOrderID, fillID)
		return
	}

	e.logger.Debug("applying streamed fill",
		slog.String("client_order_id", clientOrderID.String()),
		slog.String("fill_id", fillID),
		slog.String("quantity", event.Event.Quantity.String()))
	e.tracker.ApplyFill(clientOrderID, ordertracker.FillEntry{
		FillID:    fillID,
		Price:     event.Event.Price,
		Quantity:  event.Event.Quantity,
		Fee:       fee,
		Timestamp: event.Event.Timestamp,
	})
}

// PollFills fetches recent trade history and applies every entry involving a
// tracked order. Fill-id dedup makes replays of push-delivered fills
// harmless, so this path can run on a timer as a catch-all.
func (e *Engine) PollFills(ctx context.Context, limit int) (int, error) {
	if e.history == nil {
		return 0, ErrVenueNotConfigured
	}

	trades, err := e.history.PerpTradeHistory(ctx, e.account, limit, 0)
	if err != nil {
		return 0, fmt.Errorf("reconcile: poll fills: %w", err)
	}

	applied := 0
	for _, trade := range trades {
		if e.applyTrade(trade) {
			applied++
		}
	}
	return applied, nil
}

func (e *Engine) applyTrade(trade dataapi.PerpTrade) bool {
	clientOrderID, fee, ok := e.matchRole(
		orderid.ClientOrderID(trade.MakerClientOrderID.String()),
		orderid.ClientOrderID(trade.TakerClientOrderID.String()),
		trade.MakerFee, trade.TakerFee,
	)
	if !ok {
		return false
	}

	fillID := trade.FillID()
	if order, tracked := e.tracker.Get(clientOrderID); tracked && order.HasFill(fillID) {
		return false
	}

	e.logger.Debug("applying polled fill",
		slog.String("client_order_id", clientOrderID.String()),
		slog.String("fill_id", fillID))
	e.tracker.ApplyFill(clientOrderID, ordertracker.FillEntry{
		FillID:    fillID,
		Price:     trade.Price,
		Quantity:  trade.Quantity,
		Fee:       fee,
		Timestamp: trade.BlockDatetime,
	})
	return true
}

// matchRole resolves which side of a trade belongs to this process, maker
// side first.
func (e *Engine) matchRole(maker, taker orderid.ClientOrderID, makerFee, takerFee decimal.Decimal) (orderid.ClientOrderID, decimal.Decimal, bool) {
	if _, ok := e.tracker.Get(maker); ok {
		return maker, makerFee, true
	}
	if _, ok := e.tracker.Get(taker); ok {
		return taker, takerFee, true
	}
	return "", decimal.Decimal{}, false
}
