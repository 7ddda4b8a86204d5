package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/robotter-hq/mango-connect/orderid"
	"github.com/robotter-hq/mango-connect/ordertracker"
)

const refreshConcurrency = 3

// ReconcileOpenOrders diffs tracked orders on a market against a fresh
// open-orders snapshot.
//
// Orders present in the snapshot are left alone; their fill state advances
// only through the fill paths. Orders absent from the snapshot resolve by
/// prior status: PENDING_CANCEL confirms as CANCELLED, OPEN and
// PARTIALLY_FILLED become EXPIRED. A CREATED order is first given a chance
// to recover its venue id by expiry-tag match; if the tag's deadline has
// passed without it ever appearing, the venue can no longer be holding it
// and it expires too.
func (e *Engine) ReconcileOpenOrders(ctx context.Context, market orderid.MarketID) error {
	if e.reader == nil {
		return ErrVenueNotConfigured
	}

	open, err := e.reader.ListOpenOrders(ctx, e.account, market)
	if err != nil {
		return fmt.Errorf("reconcile: list open orders on %s: %w", market, err)
	}

	byExchangeID := make(map[orderid.ExchangeOrderID]struct{}, len(open))
	byTag := make(map[orderid.ExpiryTag]orderid.ExchangeOrderID, len(open))
	for _, o := range open {
		byExchangeID[o.ExchangeOrderID] = struct{}{}
		if o.ExpiryTag != 0 {
			byTag[o.ExpiryTag] = o.ExchangeOrderID
		}
	}

	now := e.now()
	for _, order := range e.tracker.All() {
		if order.Market != market {
			continue
		}

		switch order.Status {
		case ordertracker.StatusCreated:
			if exchangeOrderID, ok := byTag[order.ExpiryTag]; ok && order.ExpiryTag != 0 {
				e.logger.Info("recovered venue id for pending order",
					slog.String("client_order_id", order.ClientOrderID.String()),
					slog.String("exchange_order_id", exchangeOrderID.String()))
				e.tracker.SetExchangeOrderID(order.ClientOrderID, exchangeOrderID)
				e.tracker.UpdateStatus(order.ClientOrderID, ordertracker.StatusOpen, nil)
				continue
			}
			deadline := order.ExpiryTag.Time()
			if order.ExpiryTag == 0 {
				// Snapshot predates the tag; assume the widest window the
				// tag could have encoded.
				deadline = order.CreatedAt.Add(orderid.MaxExpiryWindow)
			}
			if now.After(deadline) {
				e.logger.Warn("pending order never appeared on the book",
					slog.String("client_order_id", order.ClientOrderID.String()))
				e.tracker.UpdateStatus(order.ClientOrderID, ordertracker.StatusExpired, nil)
			}

		case ordertracker.StatusOpen, ordertracker.StatusPartiallyFilled:
			if _, ok := byExchangeID[order.ExchangeOrderID]; ok {
				continue
			}
			e.logger.Info("tracked order dropped by venue",
				slog.String("client_order_id", order.ClientOrderID.String()),
				slog.String("filled", order.FilledQuantity().String()))
			e.tracker.UpdateStatus(order.ClientOrderID, ordertracker.StatusExpired, nil)

		case ordertracker.StatusPendingCancel:
			if _, ok := byExchangeID[order.ExchangeOrderID]; ok {
				continue
			}
			e.tracker.UpdateStatus(order.ClientOrderID, ordertracker.StatusCancelled, nil)
		}
	}
	return nil
}

// RefreshAll reconciles every given market, a few at a time. Failures are
// collected per market; one unreachable market does not stop the rest.
func (e *Engine) RefreshAll(ctx context.Context, markets []orderid.MarketID) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	errs := make([]error, len(markets))
	for i, market := range markets {
		g.Go(func() error {
			errs[i] = e.ReconcileOpenOrders(ctx, market)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// TrackedMarkets returns the distinct markets of all non-cancelled orders,
// which is the subscription set a fresh process should establish.
func (e *Engine) TrackedMarkets() []orderid.MarketID {
	seen := make(map[orderid.MarketID]struct{})
	var markets []orderid.MarketID
	for _, order := range e.tracker.Open() {
		if _, ok := seen[order.Market]; ok {
			continue
		}
		seen[order.Market] = struct{}{}
		markets = append(markets, order.Market)
	}
	return markets
}
