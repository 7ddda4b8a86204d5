package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/robotter-hq/mango-connect/orderid"
	"github.com/robotter-hq/mango-connect/ordertracker"
	"github.com/robotter-hq/mango-connect/venue"
)

const batchConcurrency = 4

// PlaceParams describes one order to put on the book. ClientOrderID must be
// supplied by the caller; the engine never invents externally visible ids.
type PlaceParams struct {
	ClientOrderID orderid.ClientOrderID
	Market        orderid.MarketID
	Side          ordertracker.Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	PostOnly      bool
}

// PlaceResult reports a successful placement. ExchangeOrderID is empty when
// the expiry-tag match against the open-orders listing did not land; the
// order then stays pending confirmation until a later reconciliation pass.
type PlaceResult struct {
	ClientOrderID   orderid.ClientOrderID
	ExchangeOrderID orderid.ExchangeOrderID
	Signature       string
	Status          ordertracker.OrderStatus
}

// PlaceOrder runs the placement protocol: register the order locally,
// submit it tagged with a fresh expiry token, then recover the venue id by
// matching that token against the account's open orders.
func (e *Engine) PlaceOrder(ctx context.Context, params PlaceParams) (PlaceResult, error) {
	if err := params.ClientOrderID.Validate(); err != nil {
		return PlaceResult{}, fmt.Errorf("%w: %w", ErrClientOrderIDRequired, err)
	}
	if e.submitter == nil {
		return PlaceResult{}, ErrVenueNotConfigured
	}

	err := e.tracker.Add(ordertracker.NewOrder{
		ClientOrderID: params.ClientOrderID,
		Market:        params.Market,
		Side:          params.Side,
		Price:         params.Price,
		Amount:        params.Amount,
		CreatedAt:     e.now().UTC(),
	})
	if err != nil {
		return PlaceResult{}, err
	}

	tag := e.newTag(e.now())
	e.tracker.SetExpiryTag(params.ClientOrderID, tag)

	instruction, err := e.submitter.PlaceOrder(ctx, venue.PlaceOrderParams{
		Market:    params.Market,
		Side:      params.Side,
		Price:     params.Price,
		Quantity:  params.Amount,
		ExpiryTag: tag,
		PostOnly:  params.PostOnly,
	})
	if err != nil {
		return PlaceResult{}, fmt.Errorf("build placement for %s: %w", params.ClientOrderID, err)
	}

	confirmation, err := e.submitter.SubmitAndConfirm(ctx, []venue.Instruction{instruction})
	if err != nil {
		return PlaceResult{}, fmt.Errorf("submit placement for %s: %w", params.ClientOrderID, err)
	}

	result := PlaceResult{
		ClientOrderID: params.ClientOrderID,
		Signature:     confirmation.Signature,
		Status:        ordertracker.StatusCreated,
	}

	exchangeOrderID, ok := e.matchExpiryTag(ctx, params.Market, tag)
	if !ok {
		// Not fatal: the next open-orders pass recovers the id, or the
		// order eventually expires.
		e.logger.Warn("placement confirmed but venue id not recovered",
			slog.String("client_order_id", params.ClientOrderID.String()),
			slog.String("market", params.Market.String()),
			slog.String("expiry_tag", tag.String()))
		return result, nil
	}

	e.tracker.SetExchangeOrderID(params.ClientOrderID, exchangeOrderID)
	e.tracker.UpdateStatus(params.ClientOrderID, ordertracker.StatusOpen, nil)
	result.ExchangeOrderID = exchangeOrderID
	result.Status = ordertracker.StatusOpen
	return result, nil
}

func (e *Engine) matchExpiryTag(ctx context.Context, market orderid.MarketID, tag orderid.ExpiryTag) (orderid.ExchangeOrderID, bool) {
	if e.reader == nil {
		return "", false
	}
	open, err := e.reader.ListOpenOrders(ctx, e.account, market)
	if err != nil {
		e.logger.Warn("open orders fetch failed during placement",
			slog.String("market", market.String()),
			slog.String("error", err.Error()))
		return "", false
	}
	for _, o := range open {
		if o.ExpiryTag == tag {
			return o.ExchangeOrderID, true
		}
	}
	return "", false
}

// BatchOutcome is the per-order result of a batch placement.
type BatchOutcome struct {
	ClientOrderID orderid.ClientOrderID
	Result        PlaceResult
	Err           error
}

// BatchPlace places several orders. The underlying venue operations are
// independent, so each order succeeds or fails on its own and the batch
// never aborts as a whole.
func (e *Engine) BatchPlace(ctx context.Context, orders []PlaceParams) []BatchOutcome {
	outcomes := make([]BatchOutcome, len(orders))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, params := range orders {
		g.Go(func() error {
			result, err := e.PlaceOrder(ctx, params)
			outcomes[i] = BatchOutcome{
				ClientOrderID: params.ClientOrderID,
				Result:        result,
				Err:           err,
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// CancelResult reports the state a cancellation request left the order in.
type CancelResult struct {
	ClientOrderID orderid.ClientOrderID
	Signature     string
	Status        ordertracker.OrderStatus
}

// CancelOrder marks the order PENDING_CANCEL and submits the cancel
// instruction; the next open-orders pass confirms CANCELLED. Cancelling an
// order already in a terminal state is a no-op reporting that state.
func (e *Engine) CancelOrder(ctx context.Context, exchangeOrderID orderid.ExchangeOrderID) (CancelResult, error) {
	order, ok := e.tracker.GetByExchangeOrderID(exchangeOrderID)
	if !ok {
		return CancelResult{}, fmt.Errorf("%w: exchange order id %s", ErrUnknownOrder, exchangeOrderID)
	}
	if order.Status.Terminal() {
		return CancelResult{
			ClientOrderID: order.ClientOrderID,
			Status:        order.Status,
		}, nil
	}
	if e.submitter == nil {
		return CancelResult{}, ErrVenueNotConfigured
	}

	previous := order.Status
	e.tracker.UpdateStatusByExchangeOrderID(exchangeOrderID, ordertracker.StatusPendingCancel, nil)

	rollback := func() {
		e.tracker.UpdateStatusByExchangeOrderID(exchangeOrderID, previous, nil)
	}

	instruction, err := e.submitter.CancelOrder(ctx, order.Market, exchangeOrderID)
	if err != nil {
		rollback()
		return CancelResult{}, fmt.Errorf("build cancel for %s: %w", order.ClientOrderID, err)
	}
	confirmation, err := e.submitter.SubmitAndConfirm(ctx, []venue.Instruction{instruction})
	if err != nil {
		rollback()
		return CancelResult{}, fmt.Errorf("submit cancel for %s: %w", order.ClientOrderID, err)
	}

	return CancelResult{
		ClientOrderID: order.ClientOrderID,
		Signature:     confirmation.Signature,
		Status:        ordertracker.StatusPendingCancel,
	}, nil
}
