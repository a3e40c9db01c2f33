// Package book holds the per-ticker order book and the price-time-priority
// matching loop. One OrderBook is a single-writer resource: submissions and
// matching for a ticker are serialized behind its lock, while different
// tickers match concurrently with no coordination.
package book

import (
	"container/heap"
	"errors"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/microstock/exchange/pkg/exchange/ledger"
	"github.com/microstock/exchange/pkg/util"
)

// NewID returns a fresh lexicographically sortable identifier for orders
// and fills.
func NewID() string {
	return ulid.Make().String()
}

// Settler is the ledger surface the matching loop needs: one atomic
// funds-and-shares transfer per fill. Failures are classified with
// ledger.ErrInsufficientFunds (buyer at fault) and
// ledger.ErrInsufficientShares (seller at fault).
type Settler interface {
	Settle(buyer, seller, ticker string, size int64, price decimal.Decimal) error
}

// Level is one aggregated limit price level of a book snapshot.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Size   int64           `json:"size"`
	Orders int             `json:"orders"`
}

// Snapshot is a read-only view of a book: depth per side (best-first),
// resting market-order size, last traded price and the price history.
type Snapshot struct {
	Ticker        string           `json:"ticker"`
	Bids          []Level          `json:"bids"`
	Asks          []Level          `json:"asks"`
	MarketBidSize int64            `json:"marketBidSize"`
	MarketAskSize int64            `json:"marketAskSize"`
	LastPrice     *decimal.Decimal `json:"lastPrice,omitempty"`
	History       []PricePoint     `json:"history"`
}

// OrderBook keeps the live orders of one ticker in two priority heaps and
// runs the matching cascade on every submission.
type OrderBook struct {
	mu     sync.RWMutex
	ticker string

	bids *orderQueue
	asks *orderQueue

	// Every order ever submitted to this book, terminal ones included,
	// so status queries and restore survive matching.
	orders map[string]*Order

	history   []PricePoint
	lastPrice decimal.Decimal
	hasLast   bool

	settler Settler
	clock   util.Clock
	log     *zap.SugaredLogger
}

// New creates an empty book for ticker.
func New(ticker string, settler Settler, clock util.Clock, log *zap.SugaredLogger) *OrderBook {
	bids := newOrderQueue(Bid)
	asks := newOrderQueue(Ask)
	heap.Init(bids)
	heap.Init(asks)

	return &OrderBook{
		ticker:  ticker,
		bids:    bids,
		asks:    asks,
		orders:  make(map[string]*Order),
		settler: settler,
		clock:   clock,
		log:     log,
	}
}

// Ticker returns the symbol this book trades.
func (b *OrderBook) Ticker() string { return b.ticker }

// MatchResult is what one submission produced: the fills of the matching
// cascade and the IDs of orders the loop canceled for failing pre-trade
// validation.
type MatchResult struct {
	Fills    []*Fill
	Canceled []string
}

// Submit appends the order to its side and runs the matching loop. A
// returned error means the loop hit an internal defect
// (ErrInvariantViolation); user-level rejections never surface here, they
// cancel the offending order instead and show up in MatchResult.Canceled.
func (b *OrderBook) Submit(o *Order) (MatchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.orders[o.ID] = o
	if o.Side == Bid {
		heap.Push(b.bids, o)
	} else {
		heap.Push(b.asks, o)
	}
	return b.tryMatch()
}

// Restore re-inserts a live order without matching. Used only while
// rebuilding the book from the store at startup; matching resumes with
// the next submission.
func (b *OrderBook) Restore(o *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.orders[o.ID] = o
	if o.Terminal() {
		return
	}
	if o.Side == Bid {
		heap.Push(b.bids, o)
	} else {
		heap.Push(b.asks, o)
	}
}

// RestoreHistory replaces the price history. Startup only.
func (b *OrderBook) RestoreHistory(history []PricePoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = history
	if n := len(history); n > 0 {
		b.lastPrice = history[n-1].Price
		b.hasLast = true
	}
}

// tryMatch pairs the top bid with the top ask until no further pair can
// be matched. Callers hold b.mu.
func (b *OrderBook) tryMatch() (MatchResult, error) {
	var res MatchResult

	for {
		bid := b.bestLive(b.bids)
		ask := b.bestLive(b.asks)
		if bid == nil || ask == nil {
			return res, nil
		}

		if !compatible(bid, ask) {
			// Tops are the best each side offers; nothing below
			// them can cross either.
			return res, nil
		}

		price, err := b.resolvePrice(bid, ask)
		if err != nil {
			b.log.Debugw("match_unpriceable", "ticker", b.ticker, "bid", bid.ID, "ask", ask.ID)
			return res, nil
		}

		amount := min(bid.CurrentSize, ask.CurrentSize)

		if err := b.settler.Settle(bid.Trader, ask.Trader, b.ticker, amount, price); err != nil {
			switch {
			case errors.Is(err, ledger.ErrInsufficientFunds):
				bid.Cancel()
				res.Canceled = append(res.Canceled, bid.ID)
				b.log.Infow("order_canceled", "ticker", b.ticker, "order", bid.ID, "reason", err.Error())
			case errors.Is(err, ledger.ErrInsufficientShares):
				ask.Cancel()
				res.Canceled = append(res.Canceled, ask.ID)
				b.log.Infow("order_canceled", "ticker", b.ticker, "order", ask.ID, "reason", err.Error())
			default:
				return res, err
			}
			// Re-enter so the next-best order on the canceled side
			// gets its turn.
			continue
		}

		fill := &Fill{
			ID:         NewID(),
			Ticker:     b.ticker,
			BidOrderID: bid.ID,
			AskOrderID: ask.ID,
			Buyer:      bid.Trader,
			Seller:     ask.Trader,
			Size:       amount,
			Price:      price,
			Time:       b.clock.Now(),
		}
		if err := bid.ApplyFill(amount, fill.ID); err != nil {
			return res, err
		}
		if err := ask.ApplyFill(amount, fill.ID); err != nil {
			return res, err
		}

		// A partial fill shrinks CurrentSize in place, which the size
		// tie-break reads; restore the heap property for the survivor.
		if !bid.Terminal() {
			heap.Fix(b.bids, 0)
		}
		if !ask.Terminal() {
			heap.Fix(b.asks, 0)
		}

		b.lastPrice = price
		b.hasLast = true
		b.history = append(b.history, PricePoint{Price: price, Time: fill.Time})
		res.Fills = append(res.Fills, fill)

		b.log.Infow("fill",
			"ticker", b.ticker, "price", price, "size", amount,
			"buyer", bid.Trader, "seller", ask.Trader,
			"bid", bid.ID, "ask", ask.ID)
	}
}

// bestLive returns the top non-terminal order of a side, discarding
// terminal heap entries on the way. Cancellation only marks the order, so
// the heap is cleaned lazily here.
func (b *OrderBook) bestLive(q *orderQueue) *Order {
	for {
		top := q.Peek()
		if top == nil {
			return nil
		}
		if top.Terminal() {
			heap.Pop(q)
			continue
		}
		return top
	}
}

// compatible reports whether the pair can trade: at least one market
// order, or limit prices that cross (bid at or above ask).
func compatible(bid, ask *Order) bool {
	if bid.Market || ask.Market {
		return true
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// resolvePrice picks the fill price. Between two limit orders the resting
// (earlier) order sets the price; against a market order the limit side
// does; between two market orders the last traded price is the only
// reference, and without one the pair is unpriceable.
func (b *OrderBook) resolvePrice(bid, ask *Order) (decimal.Decimal, error) {
	switch {
	case !bid.Market && !ask.Market:
		if ask.Time.Before(bid.Time) {
			return ask.Price, nil
		}
		return bid.Price, nil
	case !bid.Market:
		return bid.Price, nil
	case !ask.Market:
		return ask.Price, nil
	case b.hasLast:
		return b.lastPrice, nil
	default:
		return decimal.Zero, ErrUnpriceable
	}
}

// Cancel marks the order canceled. Idempotent: canceling a terminal order
// reports false and changes nothing.
func (b *OrderBook) Cancel(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok || o.Terminal() {
		return false
	}
	o.Cancel()
	b.log.Infow("order_canceled", "ticker", b.ticker, "order", orderID, "reason", "requested")
	return true
}

// Order returns a copy of the order with the given ID.
func (b *OrderBook) Order(orderID string) (Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	o, ok := b.orders[orderID]
	if !ok {
		return Order{}, false
	}
	cp := *o
	cp.FillIDs = append([]string(nil), o.FillIDs...)
	return cp, true
}

// Orders returns copies of every order the book has seen, live and
// terminal. Used by the store write-through.
func (b *OrderBook) Orders() []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		cp := *o
		cp.FillIDs = append([]string(nil), o.FillIDs...)
		out = append(out, cp)
	}
	return out
}

// LastPrice returns the most recent fill price, false when the ticker has
// never traded.
func (b *OrderBook) LastPrice() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPrice, b.hasLast
}

// PriceHistory returns a copy of the append-only price series.
func (b *OrderBook) PriceHistory() []PricePoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]PricePoint(nil), b.history...)
}

// Snapshot aggregates the live book into per-price levels, best-first.
func (b *OrderBook) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{
		Ticker:  b.ticker,
		History: append([]PricePoint(nil), b.history...),
	}
	if b.hasLast {
		last := b.lastPrice
		snap.LastPrice = &last
	}
	snap.Bids, snap.MarketBidSize = aggregate(b.bids)
	snap.Asks, snap.MarketAskSize = aggregate(b.asks)
	return snap
}

// aggregate folds a side's live orders into price levels ordered
// best-first. Heap order within the slice is unspecified, so levels are
// collected and then sorted by the side's ranking.
func aggregate(q *orderQueue) ([]Level, int64) {
	byPrice := make(map[string]*Level)
	var marketSize int64
	for _, o := range q.orders {
		if o.Terminal() {
			continue
		}
		if o.Market {
			marketSize += o.CurrentSize
			continue
		}
		key := o.Price.String()
		lvl, ok := byPrice[key]
		if !ok {
			lvl = &Level{Price: o.Price}
			byPrice[key] = lvl
		}
		lvl.Size += o.CurrentSize
		lvl.Orders++
	}

	levels := make([]Level, 0, len(byPrice))
	for _, lvl := range byPrice {
		levels = append(levels, *lvl)
	}
	sort.Slice(levels, func(i, j int) bool {
		if q.side == Bid {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels, marketSize
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
