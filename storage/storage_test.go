package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/robotter-hq/mango-connect/orderid"
	"github.com/robotter-hq/mango-connect/ordertracker"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "orders.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func sampleOrder(id string, status ordertracker.OrderStatus) ordertracker.Order {
	return ordertracker.Order{
		ClientOrderID:   orderid.ClientOrderID(id),
		ExchangeOrderID: "venue-" + orderid.ExchangeOrderID(id),
		Market:          "BTC-PERP",
		ExpiryTag:       1700722516,
		Status:          status,
		Side:            ordertracker.SideBuy,
		Price:           decimal.RequireFromString("16.3"),
		OrderAmount:     decimal.RequireFromString("10"),
		Fills: []ordertracker.FillEntry{
			{
				FillID:    "5-1",
				Price:     decimal.RequireFromString("16.3"),
				Quantity:  decimal.RequireFromString("4"),
				Fee:       decimal.RequireFromString("0.002"),
				Timestamp: time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC),
			},
		},
		CreatedAt: time.Date(2024, 1, 10, 11, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestLoadEmptyDatabase(t *testing.T) {
	t.Parallel()

	store := newTestStorage(t)
	orders, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStorage(t)
	snapshot := map[orderid.ClientOrderID]ordertracker.Order{
		"c1": sampleOrder("c1", ordertracker.StatusPartiallyFilled),
		"c2": sampleOrder("c2", ordertracker.StatusOpen),
	}
	require.NoError(t, store.Save(snapshot))

	restored, err := store.Load()
	require.NoError(t, err)
	require.Len(t, restored, 2)

	c1 := restored["c1"]
	require.Equal(t, ordertracker.StatusPartiallyFilled, c1.Status)
	require.Equal(t, orderid.ExchangeOrderID("venue-c1"), c1.ExchangeOrderID)
	require.Equal(t, orderid.ExpiryTag(1700722516), c1.ExpiryTag)
	require.Len(t, c1.Fills, 1)
	require.True(t, c1.Fills[0].Quantity.Equal(decimal.RequireFromString("4")))
	require.True(t, c1.Price.Equal(decimal.RequireFromString("16.3")))
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	t.Parallel()

	store := newTestStorage(t)
	require.NoError(t, store.Save(map[orderid.ClientOrderID]ordertracker.Order{
		"c1": sampleOrder("c1", ordertracker.StatusOpen),
		"c2": sampleOrder("c2", ordertracker.StatusOpen),
	}))
	require.NoError(t, store.Save(map[orderid.ClientOrderID]ordertracker.Order{
		"c2": sampleOrder("c2", ordertracker.StatusFilled),
	}))

	restored, err := store.Load()
	require.NoError(t, err)
	require.Len(t, restored, 1)
	require.Equal(t, ordertracker.StatusFilled, restored["c2"].Status)
}

func TestStorageBacksTracker(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "orders.db")

	store, err := New(path, nil)
	require.NoError(t, err)

	tracker, err := ordertracker.New(ordertracker.WithSnapshotStore(store))
	require.NoError(t, err)
	require.NoError(t, tracker.Add(ordertracker.NewOrder{
		ClientOrderID: "c1",
		Market:        "ETH-PERP",
		Side:          ordertracker.SideSell,
		Price:         decimal.RequireFromString("2000"),
		Amount:        decimal.RequireFromString("1"),
		CreatedAt:     time.Now().UTC(),
	}))
	tracker.SetExchangeOrderID("c1", "venue-9")
	require.NoError(t, store.Close())

	reopened, err := New(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, reopened.Close()) })

	restored, err := ordertracker.New(ordertracker.WithSnapshotStore(reopened))
	require.NoError(t, err)
	order, ok := restored.GetByExchangeOrderID("venue-9")
	require.True(t, ok)
	require.Equal(t, orderid.ClientOrderID("c1"), order.ClientOrderID)
	require.Equal(t, ordertracker.StatusCreated, order.Status)
}
