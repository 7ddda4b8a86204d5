package fillsfeed

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/robotter-hq/mango-connect/orderid"
)

func decodeCommand(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var cmd map[string]any
	require.NoError(t, json.Unmarshal(raw, &cmd))
	return cmd
}

func TestFillsFeedResubscribesAfterReconnect(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t)
	feed := NewFillsFeed(FeedConfig{
		URL:               srv.url(),
		ReconnectInterval: 10 * time.Millisecond,
	})
	t.Cleanup(feed.Disconnect)

	require.NoError(t, feed.Connect(context.Background()))
	conn := srv.waitConn()

	feed.Subscribe(SubscribeParams{
		MarketIDs:   []orderid.MarketID{"BTC-PERP", "ETH-PERP"},
		HeadUpdates: true,
	})
	first := decodeCommand(t, srv.waitMessage())
	require.Equal(t, "subscribe", first["command"])
	require.ElementsMatch(t, []any{"BTC-PERP", "ETH-PERP"}, first["marketIds"])
	require.Equal(t, true, first["headUpdates"])

	// Drop the connection; the full set must arrive again unprompted.
	conn.Close()
	srv.waitConn()

	second := decodeCommand(t, srv.waitMessage())
	require.Equal(t, "subscribe", second["command"])
	require.ElementsMatch(t, []any{"BTC-PERP", "ETH-PERP"}, second["marketIds"])
}

func TestFillsFeedSubscribeWhileDisconnectedIsDeferred(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t)
	feed := NewFillsFeed(FeedConfig{
		URL:               srv.url(),
		ReconnectInterval: 10 * time.Millisecond,
	})
	t.Cleanup(feed.Disconnect)

	feed.Subscribe(SubscribeParams{
		MarketIDs: []orderid.MarketID{"SOL-PERP"},
		Accounts:  []orderid.AccountID{"acct-1"},
	})

	require.NoError(t, feed.Connect(context.Background()))
	srv.waitConn()

	cmd := decodeCommand(t, srv.waitMessage())
	require.Equal(t, "subscribe", cmd["command"])
	require.ElementsMatch(t, []any{"SOL-PERP"}, cmd["marketIds"])
	require.ElementsMatch(t, []any{"acct-1"}, cmd["account"])
}

func TestFillsFeedDeferredSubscribeStopsAfterDisconnect(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t)
	feed := NewFillsFeed(FeedConfig{
		URL:                  srv.url(),
		ReconnectInterval:    10 * time.Millisecond,
		ReconnectMaxAttempts: UnlimitedReconnects,
	})

	// Never connected, so the subscription is parked with the retry loop.
	feed.Subscribe(SubscribeParams{MarketIDs: []orderid.MarketID{"BTC-PERP"}})
	feed.mu.Lock()
	retrying := feed.retrying
	feed.mu.Unlock()
	require.True(t, retrying)

	feed.Disconnect()

	require.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return !feed.retrying
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFillsFeedUnsubscribeShrinksTheSet(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t)
	feed := NewFillsFeed(FeedConfig{URL: srv.url()})
	t.Cleanup(feed.Disconnect)

	require.NoError(t, feed.Connect(context.Background()))
	srv.waitConn()

	feed.Subscribe(SubscribeParams{MarketIDs: []orderid.MarketID{"BTC-PERP", "ETH-PERP"}})
	decodeCommand(t, srv.waitMessage())

	feed.Unsubscribe("ETH-PERP")
	cmd := decodeCommand(t, srv.waitMessage())
	require.Equal(t, "unsubscribe", cmd["command"])
	require.Equal(t, "ETH-PERP", cmd["marketId"])

	require.Equal(t, []string{"BTC-PERP"}, feed.subscriptionCommand().MarketIDs)
}

func TestFillsFeedDispatchesTypedEvents(t *testing.T) {
	t.Parallel()

	srv := newFeedServer(t)
	feed := NewFillsFeed(FeedConfig{URL: srv.url()})
	t.Cleanup(feed.Disconnect)

	fills := make(chan FillEvent, 1)
	heads := make(chan HeadUpdate, 1)
	feed.OnFill(func(e FillEvent) { fills <- e })
	feed.OnHead(func(h HeadUpdate) { heads <- h })

	require.NoError(t, feed.Connect(context.Background()))
	conn := srv.waitConn()

	fillPayload := `{
		"event": {
			"eventType": "perp",
			"maker": "maker-acct",
			"taker": "taker-acct",
			"takerSide": "bid",
			"timestamp": "2023-11-23T06:58:17+00:00",
			"seqNum": 132420,
			"makerClientOrderId": 1700722516,
			"takerClientOrderId": 1700722600,
			"makerFee": -0.0003,
			"takerFee": 0.0006,
			"price": 16.3,
			"quantity": 5.4
		},
		"marketKey": "key-1",
		"marketName": "BTC-PERP",
		"status": "new",
		"slot": 232133629,
		"writeVersion": 1
	}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(fillPayload)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"head":10,"previousHead":9,"headSeqNum":132421,"previousHeadSeqNum":132420,"marketName":"BTC-PERP","slot":232133630}`)))

	select {
	case fill := <-fills:
		require.Equal(t, FillStatusNew, fill.Status)
		require.Equal(t, "232133629-132420", fill.FillID())
		require.Equal(t, "1700722516", fill.Event.MakerClientOrderID.String())
		require.Equal(t, "16.3", fill.Event.Price.String())
	case <-time.After(5 * time.Second):
		t.Fatal("fill callback never fired")
	}
	select {
	case head := <-heads:
		require.EqualValues(t, 10, head.Head)
		require.EqualValues(t, 132421, head.HeadSeqNum)
	case <-time.After(5 * time.Second):
		t.Fatal("head callback never fired")
	}
}

func TestDecodeMessageClassifiesByStructure(t *testing.T) {
	t.Parallel()

	fill, err := DecodeMessage([]byte(`{"event":{"seqNum":3},"slot":11,"status":"revoke"}`))
	require.NoError(t, err)
	require.Equal(t, KindFill, fill.Kind)
	require.Equal(t, FillStatusRevoke, fill.Fill.Status)
	require.Equal(t, "11-3", fill.Fill.FillID())

	head, err := DecodeMessage([]byte(`{"head":4,"previousHead":3}`))
	require.NoError(t, err)
	require.Equal(t, KindHead, head.Kind)
	require.EqualValues(t, 4, head.Head.Head)

	unknown, err := DecodeMessage([]byte(`{"something":"else"}`))
	require.NoError(t, err)
	require.Equal(t, KindUnknown, unknown.Kind)
	require.Nil(t, unknown.Fill)
	require.Nil(t, unknown.Head)

	_, err = DecodeMessage([]byte(`not json`))
	require.Error(t, err)
}
