package fillsfeed

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robotter-hq/mango-connect/orderid"
)

// SubscribeParams selects what the feed should deliver. Markets and accounts
// accumulate across calls.
type SubscribeParams struct {
	MarketIDs   []orderid.MarketID
	Accounts    []orderid.AccountID
	HeadUpdates bool
}

type subscribeCommand struct {
	Command     string   `json:"command"`
	MarketIDs   []string `json:"marketIds,omitempty"`
	Account     []string `json:"account,omitempty"`
	HeadUpdates bool     `json:"headUpdates,omitempty"`
}

type unsubscribeCommand struct {
	Command  string `json:"command"`
	MarketID string `json:"marketId"`
}

// FillsFeed layers typed subscriptions over Feed. It remembers the desired
// subscription set and re-issues it after every (re)connect, so consumers
// never observe a connected feed without their subscriptions in place.
type FillsFeed struct {
	feed   *Feed
	logger *slog.Logger

	retryInterval time.Duration
	retryBudget   int

	mu          sync.Mutex
	markets     map[orderid.MarketID]struct{}
	accounts    map[orderid.AccountID]struct{}
	headUpdates bool
	retrying    bool

	onConnect    func()
	onDisconnect func(exhausted bool)
	onFill       func(FillEvent)
	onHead       func(HeadUpdate)
}

func NewFillsFeed(cfg FeedConfig) *FillsFeed {
	cfg = cfg.withDefaults()
	f := &FillsFeed{
		feed:          NewFeed(cfg),
		logger:        cfg.Logger.WithGroup("fillsfeed"),
		retryInterval: cfg.ReconnectInterval,
		retryBudget:   cfg.ReconnectMaxAttempts,
		markets:       make(map[orderid.MarketID]struct{}),
		accounts:      make(map[orderid.AccountID]struct{}),
	}
	f.feed.OnConnect(f.handleConnect)
	f.feed.OnDisconnect(f.handleDisconnect)
	f.feed.OnMessage(f.handleMessage)
	f.feed.OnStatus(func(st StatusMessage) {
		if st.Success {
			f.logger.Debug("feed ack", slog.String("message", st.Message))
			return
		}
		f.logger.Warn("feed rejected command", slog.String("message", st.Message))
	})
	return f
}

func (f *FillsFeed) Connect(ctx context.Context) error { return f.feed.Connect(ctx) }
func (f *FillsFeed) Disconnect()                       { f.feed.Disconnect() }
func (f *FillsFeed) Connected() bool                   { return f.feed.Connected() }

func (f *FillsFeed) OnConnect(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = cb
}

func (f *FillsFeed) OnDisconnect(cb func(exhausted bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = cb
}

func (f *FillsFeed) OnFill(cb func(FillEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFill = cb
}

func (f *FillsFeed) OnHead(cb func(HeadUpdate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onHead = cb
}

// Subscribe merges params into the desired subscription set and pushes the
// set to the feed. While disconnected, delivery is retried in the background
// until the connection comes back or the attempt budget is spent; the
// automatic resubscription on reconnect covers the set either way.
func (f *FillsFeed) Subscribe(params SubscribeParams) {
	f.mu.Lock()
	for _, m := range params.MarketIDs {
		f.markets[m] = struct{}{}
	}
	for _, a := range params.Accounts {
		f.accounts[a] = struct{}{}
	}
	if params.HeadUpdates {
		f.headUpdates = true
	}
	f.mu.Unlock()

	if f.feed.Connected() {
		if err := f.sendSubscriptions(); err != nil {
			f.logger.Warn("subscribe failed", slog.String("error", err.Error()))
		}
		return
	}

	f.mu.Lock()
	alreadyRetrying := f.retrying
	f.retrying = true
	f.mu.Unlock()
	if !alreadyRetrying {
		go f.retrySubscribe()
	}
}

// Unsubscribe removes one market from the desired set and tells the feed to
// stop delivering it.
func (f *FillsFeed) Unsubscribe(marketID orderid.MarketID) {
	f.mu.Lock()
	delete(f.markets, marketID)
	f.mu.Unlock()

	if !f.feed.Connected() {
		// Nothing to tear down; the next resubscription omits the market.
		return
	}
	cmd := unsubscribeCommand{Command: "unsubscribe", MarketID: marketID.String()}
	if err := f.feed.Send(cmd); err != nil {
		f.logger.Warn("unsubscribe failed",
			slog.String("market", marketID.String()),
			slog.String("error", err.Error()))
	}
}

func (f *FillsFeed) retrySubscribe() {
	defer func() {
		f.mu.Lock()
		f.retrying = false
		f.mu.Unlock()
	}()

	for attempt := 0; f.retryBudget == UnlimitedReconnects || attempt < f.retryBudget; attempt++ {
		time.Sleep(f.retryInterval)
		if f.feed.Closed() {
			return
		}
		if !f.feed.Connected() {
			continue
		}
		if err := f.sendSubscriptions(); err != nil {
			f.logger.Warn("deferred subscribe failed", slog.String("error", err.Error()))
		}
		return
	}
	f.logger.Warn("gave up waiting for connection to subscribe")
}

func (f *FillsFeed) sendSubscriptions() error {
	cmd := f.subscriptionCommand()
	if len(cmd.MarketIDs) == 0 && len(cmd.Account) == 0 {
		return nil
	}
	return f.feed.Send(cmd)
}

func (f *FillsFeed) subscriptionCommand() subscribeCommand {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := subscribeCommand{Command: "subscribe", HeadUpdates: f.headUpdates}
	for m := range f.markets {
		cmd.MarketIDs = append(cmd.MarketIDs, m.String())
	}
	for a := range f.accounts {
		cmd.Account = append(cmd.Account, a.String())
	}
	sort.Strings(cmd.MarketIDs)
	sort.Strings(cmd.Account)
	return cmd
}

func (f *FillsFeed) handleConnect() {
	if err := f.sendSubscriptions(); err != nil {
		f.logger.Warn("resubscribe failed", slog.String("error", err.Error()))
	}

	f.mu.Lock()
	cb := f.onConnect
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (f *FillsFeed) handleDisconnect(exhausted bool) {
	f.mu.Lock()
	cb := f.onDisconnect
	f.mu.Unlock()
	if cb != nil {
		cb(exhausted)
	}
}

func (f *FillsFeed) handleMessage(raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		f.logger.Warn("dropping undecodable payload", slog.String("error", err.Error()))
		return
	}

	f.mu.Lock()
	onFill := f.onFill
	onHead := f.onHead
	f.mu.Unlock()

	switch msg.Kind {
	case KindFill:
		if onFill != nil {
			onFill(*msg.Fill)
		}
	case KindHead:
		if onHead != nil {
			onHead(*msg.Head)
		}
	default:
		f.logger.Debug("ignoring unrecognized payload")
	}
}
