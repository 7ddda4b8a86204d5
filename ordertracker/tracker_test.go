package ordertracker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/robotter-hq/mango-connect/orderid"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestOrder(id string, amount string) NewOrder {
	return NewOrder{
		ClientOrderID: orderid.ClientOrderID(id),
		Market:        "BTC-PERP",
		Side:          SideBuy,
		Price:         dec("16.3"),
		Amount:        dec(amount),
		CreatedAt:     time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC),
	}
}

func fill(id, qty string) FillEntry {
	return FillEntry{
		FillID:    id,
		Price:     dec("16.3"),
		Quantity:  dec(qty),
		Fee:       dec("0.001"),
		Timestamp: time.Now().UTC(),
	}
}

type memoryStore struct {
	mu     sync.Mutex
	orders map[orderid.ClientOrderID]Order
	saves  int
	err    error
}

func (s *memoryStore) Save(orders map[orderid.ClientOrderID]Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.orders = orders
	s.saves++
	return nil
}

func (s *memoryStore) Load() (map[orderid.ClientOrderID]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.orders, nil
}

func TestAddRejectsDuplicateClientOrderID(t *testing.T) {
	t.Parallel()

	tracker, err := New()
	require.NoError(t, err)

	require.NoError(t, tracker.Add(newTestOrder("c1", "10")))

	dup := newTestOrder("c1", "99")
	require.ErrorIs(t, tracker.Add(dup), ErrDuplicateClientOrderID)

	// The existing record is untouched.
	order, ok := tracker.Get("c1")
	require.True(t, ok)
	require.Equal(t, StatusCreated, order.Status)
	require.True(t, order.OrderAmount.Equal(dec("10")))
}

func TestAddRejectsEmptyClientOrderID(t *testing.T) {
	t.Parallel()

	tracker, err := New()
	require.NoError(t, err)
	require.ErrorIs(t, tracker.Add(newTestOrder("  ", "10")), orderid.ErrEmptyClientOrderID)
}

func TestFillDedupAndDerivedStatus(t *testing.T) {
	t.Parallel()

	tracker, err := New()
	require.NoError(t, err)
	require.NoError(t, tracker.Add(newTestOrder("c1", "10")))
	tracker.UpdateStatus("c1", StatusOpen, nil)

	tracker.ApplyFill("c1", fill("5-1", "4"))
	tracker.ApplyFill("c1", fill("5-1", "4")) // duplicate across push/poll
	tracker.ApplyFill("c1", fill("5-2", "6"))

	order, ok := tracker.Get("c1")
	require.True(t, ok)
	require.Equal(t, StatusFilled, order.Status)
	require.Len(t, order.Fills, 2)
	require.True(t, order.FilledQuantity().Equal(dec("10")))
}

func TestPartialFillStatus(t *testing.T) {
	t.Parallel()

	tracker, err := New()
	require.NoError(t, err)
	require.NoError(t, tracker.Add(newTestOrder("c1", "10")))
	tracker.UpdateStatus("c1", StatusOpen, nil)

	tracker.ApplyFill("c1", fill("7-1", "3"))

	order, _ := tracker.Get("c1")
	require.Equal(t, StatusPartiallyFilled, order.Status)
	require.True(t, order.FilledQuantity().Equal(dec("3")))
}

func TestOverfillingFillIsDropped(t *testing.T) {
	t.Parallel()

	tracker, err := New()
	require.NoError(t, err)
	require.NoError(t, tracker.Add(newTestOrder("c1", "10")))
	tracker.UpdateStatus("c1", StatusOpen, nil)

	tracker.ApplyFill("c1", fill("5-1", "8"))
	tracker.ApplyFill("c1", fill("5-2", "8")) // would exceed the order amount

	order, _ := tracker.Get("c1")
	require.Len(t, order.Fills, 1)
	require.True(t, order.FilledQuantity().Equal(dec("8")))
	require.Equal(t, StatusPartiallyFilled, order.Status)
}

func TestTerminalStatusNeverRegresses(t *testing.T) {
	t.Parallel()

	tracker, err := New()
	require.NoError(t, err)
	require.NoError(t, tracker.Add(newTestOrder("c1", "4")))
	tracker.UpdateStatus("c1", StatusOpen, nil)
	tracker.ApplyFill("c1", fill("5-1", "4"))

	order, _ := tracker.Get("c1")
	require.Equal(t, StatusFilled, order.Status)

	tracker.UpdateStatus("c1", StatusOpen, nil)
	tracker.UpdateStatus("c1", StatusCancelled, nil)

	order, _ = tracker.Get("c1")
	require.Equal(t, StatusFilled, order.Status)
}

func TestRevokePullsFilledBack(t *testing.T) {
	t.Parallel()

	tracker, err := New()
	require.NoError(t, err)
	require.NoError(t, tracker.Add(newTestOrder("c1", "10")))
	tracker.UpdateStatus("c1", StatusOpen, nil)
	tracker.ApplyFill("c1", fill("5-1", "4"))
	tracker.ApplyFill("c1", fill("5-2", "6"))

	tracker.RemoveFill("c1", "5-2")

	order, _ := tracker.Get("c1")
	require.Equal(t, StatusPartiallyFilled, order.Status)
	require.Len(t, order.Fills, 1)

	tracker.RemoveFill("c1", "5-1")
	order, _ = tracker.Get("c1")
	require.Equal(t, StatusOpen, order.Status)
	require.Empty(t, order.Fills)
}

func TestUnknownOrderOperationsAreNoOps(t *testing.T) {
	t.Parallel()

	tracker, err := New()
	require.NoError(t, err)

	tracker.UpdateStatus("unknown-id", StatusOpen, nil)
	tracker.UpdateStatusByExchangeOrderID("unknown-eid", StatusOpen, nil)
	tracker.SetExchangeOrderID("unknown-id", "eid-1")
	tracker.ApplyFill("unknown-id", fill("1-1", "1"))
	tracker.RemoveFill("unknown-id", "1-1")

	_, ok := tracker.Get("unknown-id")
	require.False(t, ok)
	require.Empty(t, tracker.All())
}

func TestExchangeOrderIDIndex(t *testing.T) {
	t.Parallel()

	tracker, err := New()
	require.NoError(t, err)
	require.NoError(t, tracker.Add(newTestOrder("c1", "10")))

	tracker.SetExchangeOrderID("c1", "venue-42")
	tracker.UpdateStatusByExchangeOrderID("venue-42", StatusOpen, nil)

	order, ok := tracker.GetByExchangeOrderID("venue-42")
	require.True(t, ok)
	require.Equal(t, orderid.ClientOrderID("c1"), order.ClientOrderID)
	require.Equal(t, StatusOpen, order.Status)
}

func TestOpenExcludesOnlyCancelled(t *testing.T) {
	t.Parallel()

	tracker, err := New()
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, tracker.Add(newTestOrder(id, "1")))
	}
	tracker.UpdateStatus("a", StatusOpen, nil)
	tracker.UpdateStatus("b", StatusCancelled, nil)
	tracker.UpdateStatus("c", StatusExpired, nil)
	tracker.ApplyFill("d", fill("9-1", "1"))

	open := tracker.Open()
	ids := make([]orderid.ClientOrderID, 0, len(open))
	for _, o := range open {
		ids = append(ids, o.ClientOrderID)
	}
	require.ElementsMatch(t, []orderid.ClientOrderID{"a", "c", "d"}, ids)
	require.Len(t, tracker.All(), 4)
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	store := &memoryStore{}
	tracker, err := New(WithSnapshotStore(store))
	require.NoError(t, err)

	require.NoError(t, tracker.Add(newTestOrder("c1", "10")))
	tracker.SetExchangeOrderID("c1", "venue-1")
	tracker.ApplyFill("c1", fill("5-1", "4"))
	require.Equal(t, 3, store.saves)

	restored, err := New(WithSnapshotStore(store))
	require.NoError(t, err)

	order, ok := restored.Get("c1")
	require.True(t, ok)
	require.Equal(t, StatusPartiallyFilled, order.Status)
	require.Len(t, order.Fills, 1)

	// The secondary index is rebuilt from the snapshot too.
	byEID, ok := restored.GetByExchangeOrderID("venue-1")
	require.True(t, ok)
	require.Equal(t, orderid.ClientOrderID("c1"), byEID.ClientOrderID)
}

func TestSnapshotSaveFailureDoesNotPoisonState(t *testing.T) {
	t.Parallel()

	store := &memoryStore{}
	tracker, err := New(WithSnapshotStore(store))
	require.NoError(t, err)

	store.err = errors.New("disk full")
	require.NoError(t, tracker.Add(newTestOrder("c1", "10")))

	order, ok := tracker.Get("c1")
	require.True(t, ok)
	require.Equal(t, StatusCreated, order.Status)
}

func TestLoadFailureSurfacesFromConstructor(t *testing.T) {
	t.Parallel()

	store := &memoryStore{err: errors.New("corrupt snapshot")}
	_, err := New(WithSnapshotStore(store))
	require.Error(t, err)
}

func TestConcurrentFillPathsStayConsistent(t *testing.T) {
	t.Parallel()

	tracker, err := New()
	require.NoError(t, err)
	require.NoError(t, tracker.Add(newTestOrder("c1", "100")))
	tracker.UpdateStatus("c1", StatusOpen, nil)

	// Push and poll deliver the same ten fills concurrently.
	var wg sync.WaitGroup
	for path := 0; path < 2; path++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				tracker.ApplyFill("c1", fill(FillID(7, uint64(i)), "10"))
			}
		}()
	}
	wg.Wait()

	order, _ := tracker.Get("c1")
	require.Len(t, order.Fills, 10)
	require.True(t, order.FilledQuantity().Equal(dec("100")))
	require.Equal(t, StatusFilled, order.Status)
}
