// Package reconcile merges every source of order truth into one consistent
// tracker view. It owns the placement and cancellation protocols against the
// venue, consumes push fills from the stream, polls trade history as the
// fallback path, and diffs tracked orders against open-orders snapshots to
// detect cancellation and expiry.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robotter-hq/mango-connect/dataapi"
	"github.com/robotter-hq/mango-connect/orderid"
	"github.com/robotter-hq/mango-connect/ordertracker"
	"github.com/robotter-hq/mango-connect/venue"
)

var (
	ErrClientOrderIDRequired = errors.New("reconcile: client order id is required")
	ErrUnknownOrder          = errors.New("reconcile: order is not tracked")
	ErrVenueNotConfigured    = errors.New("reconcile: venue client not configured")
)

// TradeHistory is the poll-side fill source. *dataapi.Client satisfies it.
type TradeHistory interface {
	PerpTradeHistory(ctx context.Context, account orderid.AccountID, limit, offset int) ([]dataapi.PerpTrade, error)
}

// Engine drives ordertracker transitions. All venue collaborators are
// optional; operations needing an unconfigured one fail with
// ErrVenueNotConfigured, which lets a watch-only deployment run on the fill
// stream and trade history alone.
type Engine struct {
	tracker   *ordertracker.Tracker
	submitter venue.OrderSubmitter
	reader    venue.AccountReader
	history   TradeHistory
	account   orderid.AccountID
	logger    *slog.Logger

	now    func() time.Time
	newTag func(time.Time) orderid.ExpiryTag
}

type Option func(*Engine)

func WithOrderSubmitter(s venue.OrderSubmitter) Option {
	return func(e *Engine) { e.submitter = s }
}

func WithAccountReader(r venue.AccountReader) Option {
	return func(e *Engine) { e.reader = r }
}

func WithTradeHistory(h TradeHistory) Option {
	return func(e *Engine) { e.history = h }
}

func WithAccount(account orderid.AccountID) Option {
	return func(e *Engine) { e.account = account }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock fixes the time source. Tests use this to make expiry
// deterministic.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTagger overrides expiry-tag generation.
func WithTagger(newTag func(time.Time) orderid.ExpiryTag) Option {
	return func(e *Engine) { e.newTag = newTag }
}

func New(tracker *ordertracker.Tracker, opts ...Option) *Engine {
	e := &Engine{
		tracker: tracker,
		logger:  slog.Default(),
		now:     time.Now,
		newTag:  orderid.NewExpiryTag,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithGroup("reconcile")
	return e
}

// Tracker exposes the underlying state for read paths (order queries).
func (e *Engine) Tracker() *ordertracker.Tracker { return e.tracker }
