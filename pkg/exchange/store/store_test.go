package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microstock/exchange/pkg/exchange/book"
	"github.com/microstock/exchange/pkg/exchange/ledger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTickers(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveTicker("XYZ"))
	require.NoError(t, s.SaveTicker("ABC"))
	require.NoError(t, s.SaveTicker("ABC")) // overwrite is fine

	tickers, err := s.LoadTickers()
	require.NoError(t, err)
	assert.Equal(t, []string{"ABC", "XYZ"}, tickers)
}

func TestTraderRoundTrip(t *testing.T) {
	s := openTestStore(t)

	now := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	tr := ledger.NewTrader("alice", decimal.RequireFromString("123.45"), map[string]int64{"ABC": 7}, now)
	tr.OrderIDs = []string{"o1", "o2"}
	require.NoError(t, s.SaveTrader(tr))

	traders, err := s.LoadTraders()
	require.NoError(t, err)
	require.Len(t, traders, 1)

	got := traders[0]
	assert.Equal(t, "alice", got.Name)
	assert.True(t, got.Wallet.Equal(decimal.RequireFromString("123.45")))
	assert.Equal(t, int64(7), got.Shares("ABC"))
	assert.Equal(t, []string{"o1", "o2"}, got.OrderIDs)
	require.Len(t, got.WalletHistory, 1)
	assert.True(t, got.WalletHistory[0].Time.Equal(now))
}

func TestOrdersPerTicker(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	abc, err := book.NewOrder("o1", "alice", "ABC", book.Bid, 5, decimal.RequireFromString("4.00"), false, now)
	require.NoError(t, err)
	xyz, err := book.NewOrder("o2", "alice", "XYZ", book.Ask, 3, decimal.RequireFromString("2.00"), false, now)
	require.NoError(t, err)

	require.NoError(t, s.SaveOrder(*abc))
	require.NoError(t, s.SaveOrder(*xyz))

	orders, err := s.LoadOrders("ABC")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "o1", orders[0].ID)
	assert.Equal(t, book.Bid, orders[0].Side)
	assert.Equal(t, book.Open, orders[0].Status)

	// Updated state overwrites in place.
	require.NoError(t, abc.ApplyFill(5, "f1"))
	require.NoError(t, s.SaveOrder(*abc))
	orders, err = s.LoadOrders("ABC")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, book.Filled, orders[0].Status)
}

func TestFillsLoadInTradeOrder(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)

	// Save out of order; keys sort by trade time.
	for _, i := range []int{2, 0, 1} {
		f := &book.Fill{
			ID:     book.NewID(),
			Ticker: "ABC",
			Buyer:  "alice",
			Seller: "bob",
			Size:   int64(i + 1),
			Price:  decimal.NewFromInt(int64(10 + i)),
			Time:   base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.SaveFill(f))
	}

	fills, err := s.LoadFills("ABC", 0)
	require.NoError(t, err)
	require.Len(t, fills, 3)
	assert.Equal(t, int64(1), fills[0].Size)
	assert.Equal(t, int64(2), fills[1].Size)
	assert.Equal(t, int64(3), fills[2].Size)

	limited, err := s.LoadFills("ABC", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	history, err := s.LoadPriceHistory("ABC")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, history[0].Price.Equal(decimal.NewFromInt(10)))
	assert.True(t, history[2].Price.Equal(decimal.NewFromInt(12)))
}

func TestBatchCommitsAtomically(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	o, err := book.NewOrder("o1", "alice", "ABC", book.Bid, 5, decimal.RequireFromString("4.00"), false, now)
	require.NoError(t, err)
	tr := ledger.NewTrader("alice", decimal.RequireFromString("10"), nil, now)
	f := &book.Fill{ID: "f1", Ticker: "ABC", Buyer: "alice", Seller: "bob", Size: 5, Price: decimal.NewFromInt(4), Time: now}

	b := s.NewBatch()
	require.NoError(t, b.SaveOrder(*o))
	require.NoError(t, b.SaveTrader(tr))
	require.NoError(t, b.SaveFill(f))
	require.NoError(t, b.Commit())
	require.NoError(t, b.Close())

	orders, err := s.LoadOrders("ABC")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	traders, err := s.LoadTraders()
	require.NoError(t, err)
	assert.Len(t, traders, 1)
	fills, err := s.LoadFills("ABC", 0)
	require.NoError(t, err)
	assert.Len(t, fills, 1)

	// A discarded batch writes nothing.
	b2 := s.NewBatch()
	require.NoError(t, b2.SaveTrader(ledger.NewTrader("ghost", decimal.Zero, nil, now)))
	require.NoError(t, b2.Close())
	traders, err = s.LoadTraders()
	require.NoError(t, err)
	assert.Len(t, traders, 1)
}
