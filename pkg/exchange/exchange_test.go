package exchange

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microstock/exchange/pkg/exchange/book"
	"github.com/microstock/exchange/pkg/exchange/ledger"
	"github.com/microstock/exchange/pkg/exchange/store"
	"github.com/microstock/exchange/pkg/util"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dptr(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func newTestExchange(t *testing.T, opts ...Option) *Exchange {
	t.Helper()
	clock := &util.StepClock{T: time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC), Step: time.Millisecond}
	ex, err := New(append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, ex.RegisterSecurity("ABC"))
	require.NoError(t, ex.RegisterSecurity("XYZ"))
	return ex
}

func submit(t *testing.T, ex *Exchange, trader, ticker, side string, size int64, price string, mkt bool) (book.Order, []*book.Fill) {
	t.Helper()
	s, err := book.ParseSide(side)
	require.NoError(t, err)
	p := decimal.Zero
	if price != "" {
		p = d(price)
	}
	o, fills, err := ex.SubmitOrder(context.Background(), OrderRequest{
		Trader: trader, Ticker: ticker, Side: s, Size: size, Price: p, Market: mkt,
	})
	require.NoError(t, err)
	return o, fills
}

func TestRegisterSecurity(t *testing.T) {
	ex := newTestExchange(t)
	assert.Equal(t, []string{"ABC", "XYZ"}, ex.ListTickers())
	assert.ErrorIs(t, ex.RegisterSecurity("ABC"), ErrDuplicateSecurity)
	assert.ErrorIs(t, ex.RegisterSecurity(""), ErrUnknownSecurity)
}

func TestRegisterTraderValidation(t *testing.T) {
	ex := newTestExchange(t, WithDefaultWallet(d("500.00")))

	snap, err := ex.RegisterTrader("alice", nil, map[string]int64{"ABC": 10})
	require.NoError(t, err)
	assert.True(t, snap.Wallet.Equal(d("500.00")))
	assert.Equal(t, int64(10), snap.Positions["ABC"])

	snap, err = ex.RegisterTrader("bob", dptr("42.50"), nil)
	require.NoError(t, err)
	assert.True(t, snap.Wallet.Equal(d("42.50")))

	_, err = ex.RegisterTrader("alice", nil, nil)
	assert.ErrorIs(t, err, ledger.ErrDuplicateTrader)
	_, err = ex.RegisterTrader("", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownEntity)
	_, err = ex.RegisterTrader("carol", nil, map[string]int64{"NOPE": 1})
	assert.ErrorIs(t, err, ErrInvalidPortfolio)
	_, err = ex.RegisterTrader("carol", nil, map[string]int64{"ABC": -1})
	assert.ErrorIs(t, err, ErrInvalidPortfolio)
	_, err = ex.RegisterTrader("carol", dptr("-5"), nil)
	assert.ErrorIs(t, err, ErrInvalidPortfolio)
}

// A buyer and a seller cross at one price and both sides of the trade
// land in wallets and positions.
func TestLimitTradeSettles(t *testing.T) {
	ex := newTestExchange(t)
	_, err := ex.RegisterTrader("alice", dptr("100.00"), nil)
	require.NoError(t, err)
	_, err = ex.RegisterTrader("bob", dptr("0"), map[string]int64{"ABC": 10})
	require.NoError(t, err)

	askOrder, fills := submit(t, ex, "bob", "ABC", "sell", 10, "4.00", false)
	assert.Empty(t, fills)
	assert.Equal(t, book.Open, askOrder.Status)

	bidOrder, fills := submit(t, ex, "alice", "ABC", "buy", 10, "4.00", false)
	require.Len(t, fills, 1)
	assert.Equal(t, book.Filled, bidOrder.Status)
	assert.Equal(t, int64(10), fills[0].Size)
	assert.Equal(t, "4.00", fills[0].Price.StringFixed(2))

	a, err := ex.TraderStatus("alice")
	require.NoError(t, err)
	b, err := ex.TraderStatus("bob")
	require.NoError(t, err)
	assert.True(t, a.Wallet.Equal(d("60.00")))
	assert.True(t, b.Wallet.Equal(d("40.00")))
	assert.Equal(t, int64(10), a.Positions["ABC"])
	assert.Equal(t, int64(0), b.Positions["ABC"])

	price, traded, err := ex.MarketPrice("ABC")
	require.NoError(t, err)
	require.True(t, traded)
	assert.Equal(t, "4.00", price.StringFixed(2))

	history, err := ex.PriceHistory("ABC")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// A market buy lifts the best resting ask at the ask's price.
func TestMarketOrderTakesRestingLimit(t *testing.T) {
	ex := newTestExchange(t)
	_, err := ex.RegisterTrader("alice", dptr("100.00"), nil)
	require.NoError(t, err)
	_, err = ex.RegisterTrader("bob", dptr("0"), map[string]int64{"ABC": 5})
	require.NoError(t, err)

	submit(t, ex, "bob", "ABC", "sell", 5, "3.00", false)
	o, fills := submit(t, ex, "alice", "ABC", "buy", 5, "", true)

	require.Len(t, fills, 1)
	assert.Equal(t, "3.00", fills[0].Price.StringFixed(2))
	assert.Equal(t, book.Filled, o.Status)

	a, _ := ex.TraderStatus("alice")
	assert.True(t, a.Wallet.Equal(d("85.00")))
	assert.Equal(t, int64(5), a.Positions["ABC"])
}

// A bid whose owner cannot pay is canceled at settlement time and the
// ask keeps resting for the next buyer.
func TestUnderfundedBidCanceledAtSettlement(t *testing.T) {
	ex := newTestExchange(t)
	_, err := ex.RegisterTrader("pauper", dptr("1.00"), nil)
	require.NoError(t, err)
	_, err = ex.RegisterTrader("bob", dptr("0"), map[string]int64{"ABC": 10})
	require.NoError(t, err)

	bidOrder, fills := submit(t, ex, "pauper", "ABC", "buy", 10, "5.00", false)
	assert.Empty(t, fills)
	assert.Equal(t, book.Open, bidOrder.Status)

	askOrder, fills := submit(t, ex, "bob", "ABC", "sell", 10, "5.00", false)
	assert.Empty(t, fills)
	assert.Equal(t, book.Open, askOrder.Status)

	canceled, err := ex.OrderStatus("ABC", bidOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, book.Canceled, canceled.Status)

	// Nothing moved.
	p, _ := ex.TraderStatus("pauper")
	b, _ := ex.TraderStatus("bob")
	assert.True(t, p.Wallet.Equal(d("1.00")))
	assert.Equal(t, int64(10), b.Positions["ABC"])
}

// An ask whose owner holds no shares is canceled at settlement time and
// the bid keeps resting for the next seller.
func TestShortSellerAskCanceledAtSettlement(t *testing.T) {
	ex := newTestExchange(t)
	_, err := ex.RegisterTrader("naked", dptr("0"), nil)
	require.NoError(t, err)
	_, err = ex.RegisterTrader("alice", dptr("100.00"), nil)
	require.NoError(t, err)

	askOrder, fills := submit(t, ex, "naked", "ABC", "sell", 5, "4.00", false)
	assert.Empty(t, fills)
	assert.Equal(t, book.Open, askOrder.Status)

	bidOrder, fills := submit(t, ex, "alice", "ABC", "buy", 5, "4.00", false)
	assert.Empty(t, fills)
	assert.Equal(t, book.Open, bidOrder.Status)

	canceled, err := ex.OrderStatus("ABC", askOrder.ID)
	require.NoError(t, err)
	assert.Equal(t, book.Canceled, canceled.Status)

	// Nothing moved.
	a, _ := ex.TraderStatus("alice")
	n, _ := ex.TraderStatus("naked")
	assert.True(t, a.Wallet.Equal(d("100.00")))
	assert.Equal(t, int64(0), a.Positions["ABC"])
	assert.Equal(t, int64(0), n.Positions["ABC"])
}

func TestSubmitOrderValidation(t *testing.T) {
	ex := newTestExchange(t)
	_, err := ex.RegisterTrader("alice", dptr("10"), nil)
	require.NoError(t, err)

	_, _, err = ex.SubmitOrder(context.Background(), OrderRequest{
		Trader: "ghost", Ticker: "ABC", Side: book.Bid, Size: 1, Price: d("1"),
	})
	assert.ErrorIs(t, err, ledger.ErrTraderNotFound)

	_, _, err = ex.SubmitOrder(context.Background(), OrderRequest{
		Trader: "alice", Ticker: "NOPE", Side: book.Bid, Size: 1, Price: d("1"),
	})
	assert.ErrorIs(t, err, ErrUnknownSecurity)

	_, _, err = ex.SubmitOrder(context.Background(), OrderRequest{
		Trader: "alice", Ticker: "ABC", Side: book.Bid, Size: 0, Price: d("1"),
	})
	assert.ErrorIs(t, err, book.ErrInvalidOrder)
}

func TestCancelOrder(t *testing.T) {
	ex := newTestExchange(t)
	_, err := ex.RegisterTrader("alice", dptr("100"), nil)
	require.NoError(t, err)

	o, _ := submit(t, ex, "alice", "ABC", "buy", 5, "4.00", false)

	require.NoError(t, ex.CancelOrder("ABC", o.ID))
	got, err := ex.OrderStatus("ABC", o.ID)
	require.NoError(t, err)
	assert.Equal(t, book.Canceled, got.Status)

	// Terminal orders tolerate a second cancel.
	require.NoError(t, ex.CancelOrder("ABC", o.ID))

	assert.ErrorIs(t, ex.CancelOrder("ABC", "no-such-order"), ErrUnknownEntity)
	assert.ErrorIs(t, ex.CancelOrder("NOPE", o.ID), ErrUnknownSecurity)
}

func TestEditPositions(t *testing.T) {
	ex := newTestExchange(t)
	_, err := ex.RegisterTrader("alice", dptr("0"), map[string]int64{"ABC": 5})
	require.NoError(t, err)

	require.NoError(t, ex.EditPositions(map[string]map[string]int64{
		"alice": {"ABC": 2, "XYZ": 9},
	}))
	snap, _ := ex.TraderStatus("alice")
	assert.Equal(t, int64(2), snap.Positions["ABC"])
	assert.Equal(t, int64(9), snap.Positions["XYZ"])

	assert.ErrorIs(t, ex.EditPositions(map[string]map[string]int64{
		"ghost": {"ABC": 1},
	}), ErrUnknownEntity)
	assert.ErrorIs(t, ex.EditPositions(map[string]map[string]int64{
		"alice": {"NOPE": 1},
	}), ErrUnknownEntity)
	assert.ErrorIs(t, ex.EditPositions(map[string]map[string]int64{
		"alice": {"ABC": -1},
	}), ErrInvalidPortfolio)

	// Validation failures apply nothing.
	snap, _ = ex.TraderStatus("alice")
	assert.Equal(t, int64(2), snap.Positions["ABC"])
}

// recordingSink captures published fill events.
type recordingSink struct {
	mu     sync.Mutex
	events []FillEvent
}

func (s *recordingSink) PublishFill(_ context.Context, ev FillEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func TestFillSinkReceivesEvents(t *testing.T) {
	sink := &recordingSink{}
	ex := newTestExchange(t, WithFillSink(sink))
	_, err := ex.RegisterTrader("alice", dptr("100"), nil)
	require.NoError(t, err)
	_, err = ex.RegisterTrader("bob", dptr("0"), map[string]int64{"ABC": 5})
	require.NoError(t, err)

	submit(t, ex, "bob", "ABC", "sell", 5, "2.00", false)
	submit(t, ex, "alice", "ABC", "buy", 5, "2.00", false)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, "ABC", ev.Ticker)
	assert.Equal(t, "alice", ev.Buyer)
	assert.Equal(t, "bob", ev.Seller)
	assert.Equal(t, int64(5), ev.Size)
	assert.Equal(t, "2.00", ev.Price.StringFixed(2))
}

// Random order flow must never create or destroy money or shares.
func TestConservationUnderRandomFlow(t *testing.T) {
	ex := newTestExchange(t)

	names := []string{"t1", "t2", "t3", "t4"}
	for _, n := range names {
		_, err := ex.RegisterTrader(n, dptr("1000.00"), map[string]int64{"ABC": 100})
		require.NoError(t, err)
	}

	wantWallets := d("4000.00")
	wantShares := int64(400)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		trader := names[rng.Intn(len(names))]
		side := book.Bid
		if rng.Intn(2) == 0 {
			side = book.Ask
		}
		req := OrderRequest{
			Trader: trader,
			Ticker: "ABC",
			Side:   side,
			Size:   int64(1 + rng.Intn(5)),
		}
		if rng.Intn(10) == 0 {
			req.Market = true
		} else {
			req.Price = decimal.NewFromInt(int64(1 + rng.Intn(10)))
		}
		_, _, err := ex.SubmitOrder(context.Background(), req)
		require.NoError(t, err)
	}

	totalWallet := decimal.Zero
	var totalShares int64
	for _, n := range names {
		snap, err := ex.TraderStatus(n)
		require.NoError(t, err)
		totalWallet = totalWallet.Add(snap.Wallet)
		totalShares += snap.Positions["ABC"]
		assert.False(t, snap.Wallet.IsNegative(), "%s went negative: %s", n, snap.Wallet)
		assert.GreaterOrEqual(t, snap.Positions["ABC"], int64(0))
	}
	assert.True(t, totalWallet.Equal(wantWallets), "wallets drifted: %s", totalWallet)
	assert.Equal(t, wantShares, totalShares)
}

func TestTickersMatchIndependently(t *testing.T) {
	e := newTestExchange(t)
	_, err := e.RegisterTrader("alice", dptr("100"), map[string]int64{"XYZ": 10})
	require.NoError(t, err)
	_, err = e.RegisterTrader("bob", dptr("100"), map[string]int64{"ABC": 10})
	require.NoError(t, err)

	submit(t, e, "bob", "ABC", "sell", 5, "2.00", false)
	submit(t, e, "alice", "XYZ", "sell", 5, "3.00", false)

	// A bid on ABC never touches XYZ's book.
	_, fills := submit(t, e, "alice", "ABC", "buy", 5, "2.00", false)
	require.Len(t, fills, 1)
	assert.Equal(t, "ABC", fills[0].Ticker)

	xyz, err := e.BookSnapshot("XYZ")
	require.NoError(t, err)
	require.Len(t, xyz.Asks, 1)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exchange.db")

	st, err := store.Open(dir)
	require.NoError(t, err)

	ex, err := New(WithStore(st))
	require.NoError(t, err)
	require.NoError(t, ex.RegisterSecurity("ABC"))
	_, err = ex.RegisterTrader("alice", dptr("100.00"), nil)
	require.NoError(t, err)
	_, err = ex.RegisterTrader("bob", dptr("0"), map[string]int64{"ABC": 10})
	require.NoError(t, err)

	_, _, err = ex.SubmitOrder(context.Background(), OrderRequest{
		Trader: "bob", Ticker: "ABC", Side: book.Ask, Size: 10, Price: d("4.00"),
	})
	require.NoError(t, err)
	_, fills, err := ex.SubmitOrder(context.Background(), OrderRequest{
		Trader: "alice", Ticker: "ABC", Side: book.Bid, Size: 4, Price: d("4.00"),
	})
	require.NoError(t, err)
	require.Len(t, fills, 1)

	// A bid below the ask rests without filling; its ID must still reach
	// the persisted trader record.
	resting, restingFills, err := ex.SubmitOrder(context.Background(), OrderRequest{
		Trader: "alice", Ticker: "ABC", Side: book.Bid, Size: 2, Price: d("3.00"),
	})
	require.NoError(t, err)
	require.Empty(t, restingFills)
	require.Equal(t, book.Open, resting.Status)

	require.NoError(t, st.Close())

	// Second process: same data dir.
	st2, err := store.Open(dir)
	require.NoError(t, err)
	defer st2.Close()

	ex2, err := New(WithStore(st2))
	require.NoError(t, err)

	assert.Equal(t, []string{"ABC"}, ex2.ListTickers())

	a, err := ex2.TraderStatus("alice")
	require.NoError(t, err)
	assert.True(t, a.Wallet.Equal(d("84.00")))
	assert.Equal(t, int64(4), a.Positions["ABC"])
	assert.Len(t, a.OrderIDs, 2)
	assert.Contains(t, a.OrderIDs, resting.ID)

	b, err := ex2.TraderStatus("bob")
	require.NoError(t, err)
	assert.Len(t, b.OrderIDs, 1)

	price, traded, err := ex2.MarketPrice("ABC")
	require.NoError(t, err)
	require.True(t, traded)
	assert.Equal(t, "4.00", price.StringFixed(2))

	// Bob's remaining 6 shares are still on offer and match after restart.
	_, fills, err = ex2.SubmitOrder(context.Background(), OrderRequest{
		Trader: "alice", Ticker: "ABC", Side: book.Bid, Size: 6, Price: d("4.00"),
	})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(6), fills[0].Size)
}
