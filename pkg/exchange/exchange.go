// Package exchange is the façade over the matching engine: it registers
// securities and traders, routes order submissions to the per-ticker
// books, coordinates settlement through the ledger and answers read-only
// queries. All engine state is owned by an Exchange instance; there are
// no package-level registries.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/microstock/exchange/pkg/exchange/book"
	"github.com/microstock/exchange/pkg/exchange/ledger"
	"github.com/microstock/exchange/pkg/exchange/store"
	"github.com/microstock/exchange/pkg/util"
)

var (
	// ErrDuplicateSecurity is returned when registering a ticker twice.
	ErrDuplicateSecurity = errors.New("security already registered")

	// ErrUnknownSecurity is returned when an operation names a ticker
	// with no order book.
	ErrUnknownSecurity = errors.New("unknown security")

	// ErrInvalidPortfolio is returned when a trader endowment references
	// unregistered tickers or carries negative values.
	ErrInvalidPortfolio = errors.New("invalid portfolio")

	// ErrUnknownEntity is returned by bulk position edits and cancels
	// that name a trader, ticker or order that does not exist. Nothing
	// is applied.
	ErrUnknownEntity = errors.New("unknown entity")
)

// FillEvent is the outward-facing record of one trade, handed to every
// configured sink (websocket hub, Kafka feed).
type FillEvent struct {
	ID         string          `json:"id"`
	Ticker     string          `json:"ticker"`
	Buyer      string          `json:"buyer"`
	Seller     string          `json:"seller"`
	BidOrderID string          `json:"bidOrderID"`
	AskOrderID string          `json:"askOrderID"`
	Size       int64           `json:"size"`
	Price      decimal.Decimal `json:"price"`
	Time       time.Time       `json:"time"`
}

// FillSink receives fill events after settlement. Sink failures are
// logged and never unwind a trade.
type FillSink interface {
	PublishFill(ctx context.Context, ev FillEvent) error
}

// Exchange coordinates books, ledger, persistence and fill fan-out.
type Exchange struct {
	mu    sync.RWMutex // guards the books map
	books map[string]*book.OrderBook

	ledger *ledger.Ledger
	store  *store.Store // nil = in-memory only
	sinks  []FillSink

	defaultWallet decimal.Decimal
	clock         util.Clock
	log           *zap.SugaredLogger
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithStore attaches a durable store; state is restored from it before
// New returns.
func WithStore(s *store.Store) Option {
	return func(e *Exchange) { e.store = s }
}

// WithClock overrides the wall clock, mainly for tests.
func WithClock(c util.Clock) Option {
	return func(e *Exchange) { e.clock = c }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Exchange) { e.log = log }
}

// WithFillSink adds a fill event sink. May be given multiple times.
func WithFillSink(sink FillSink) Option {
	return func(e *Exchange) { e.sinks = append(e.sinks, sink) }
}

// WithDefaultWallet sets the endowment for traders registered without an
// explicit wallet.
func WithDefaultWallet(w decimal.Decimal) Option {
	return func(e *Exchange) { e.defaultWallet = w }
}

// New builds an Exchange, restoring persisted state when a store is
// attached.
func New(opts ...Option) (*Exchange, error) {
	e := &Exchange{
		books:         make(map[string]*book.OrderBook),
		defaultWallet: decimal.NewFromInt(1000),
		clock:         util.RealClock{},
		log:           zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = ledger.New(e.clock, e.log)

	if e.store != nil {
		if err := e.restore(); err != nil {
			return nil, fmt.Errorf("restore exchange state: %w", err)
		}
	}
	return e, nil
}

// restore rebuilds books and ledger from the store.
func (e *Exchange) restore() error {
	tickers, err := e.store.LoadTickers()
	if err != nil {
		return err
	}
	for _, ticker := range tickers {
		b := book.New(ticker, e.ledger, e.clock, e.log)
		e.books[ticker] = b

		history, err := e.store.LoadPriceHistory(ticker)
		if err != nil {
			return err
		}
		b.RestoreHistory(history)

		orders, err := e.store.LoadOrders(ticker)
		if err != nil {
			return err
		}
		for i := range orders {
			o := orders[i]
			b.Restore(&o)
		}
	}

	traders, err := e.store.LoadTraders()
	if err != nil {
		return err
	}
	for _, t := range traders {
		e.ledger.Restore(t)
	}

	e.log.Infow("state_restored", "tickers", len(tickers), "traders", len(traders))
	return nil
}

// RegisterSecurity creates an empty order book for ticker.
func (e *Exchange) RegisterSecurity(ticker string) error {
	if ticker == "" {
		return fmt.Errorf("%w: empty ticker", ErrUnknownSecurity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.books[ticker]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSecurity, ticker)
	}
	e.books[ticker] = book.New(ticker, e.ledger, e.clock, e.log)

	if e.store != nil {
		if err := e.store.SaveTicker(ticker); err != nil {
			return err
		}
	}
	e.log.Infow("security_registered", "ticker", ticker)
	return nil
}

// RegisterTrader creates a trader. A nil wallet uses the configured
// default endowment; the portfolio must reference registered tickers only
// and is applied all-or-nothing.
func (e *Exchange) RegisterTrader(name string, wallet *decimal.Decimal, portfolio map[string]int64) (ledger.Snapshot, error) {
	if name == "" {
		return ledger.Snapshot{}, fmt.Errorf("%w: empty trader name", ErrUnknownEntity)
	}

	for ticker, shares := range portfolio {
		if !e.hasBook(ticker) {
			return ledger.Snapshot{}, fmt.Errorf("%w: ticker %s is not registered", ErrInvalidPortfolio, ticker)
		}
		if shares < 0 {
			return ledger.Snapshot{}, fmt.Errorf("%w: negative position %d in %s", ErrInvalidPortfolio, shares, ticker)
		}
	}

	w := e.defaultWallet
	if wallet != nil {
		w = *wallet
	}
	if w.IsNegative() {
		return ledger.Snapshot{}, fmt.Errorf("%w: negative wallet %s", ErrInvalidPortfolio, w)
	}

	if err := e.ledger.Register(name, w, portfolio); err != nil {
		return ledger.Snapshot{}, err
	}
	if err := e.persistTrader(name); err != nil {
		return ledger.Snapshot{}, err
	}

	snap, _ := e.ledger.Snapshot(name)
	return snap, nil
}

// OrderRequest is one submission to SubmitOrder.
type OrderRequest struct {
	Trader string
	Ticker string
	Side   book.Side
	Size   int64
	Price  decimal.Decimal // ignored when Market
	Market bool
}

// SubmitOrder validates the request, constructs the order and hands it to
// the ticker's book. It returns the order as matching left it (possibly
// filled or canceled) together with the fills the cascade produced.
func (e *Exchange) SubmitOrder(ctx context.Context, req OrderRequest) (book.Order, []*book.Fill, error) {
	if !e.ledger.Exists(req.Trader) {
		return book.Order{}, nil, fmt.Errorf("%w: %s", ledger.ErrTraderNotFound, req.Trader)
	}
	b, ok := e.book(req.Ticker)
	if !ok {
		return book.Order{}, nil, fmt.Errorf("%w: %s", ErrUnknownSecurity, req.Ticker)
	}

	o, err := book.NewOrder(book.NewID(), req.Trader, req.Ticker, req.Side, req.Size, req.Price, req.Market, e.clock.Now())
	if err != nil {
		return book.Order{}, nil, err
	}
	if err := e.ledger.AttachOrder(req.Trader, o.ID); err != nil {
		return book.Order{}, nil, err
	}

	res, err := b.Submit(o)
	if err != nil {
		// Matching aborted mid-cascade: ledger integrity is suspect,
		// surface loudly.
		e.log.Errorw("matching_aborted", "ticker", req.Ticker, "order", o.ID, "err", err)
		return book.Order{}, res.Fills, err
	}

	if err := e.persistMatch(b, o.ID, res); err != nil {
		return book.Order{}, res.Fills, err
	}
	e.publishFills(ctx, res.Fills)

	placed, _ := b.Order(o.ID)
	return placed, res.Fills, nil
}

// CancelOrder cancels a resting order. Canceling an order that is already
// terminal is a no-op; naming an unknown order or ticker fails.
func (e *Exchange) CancelOrder(ticker, orderID string) error {
	b, ok := e.book(ticker)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSecurity, ticker)
	}
	if _, ok := b.Order(orderID); !ok {
		return fmt.Errorf("%w: order %s on %s", ErrUnknownEntity, orderID, ticker)
	}
	b.Cancel(orderID)

	if e.store != nil {
		if o, ok := b.Order(orderID); ok {
			return e.store.SaveOrder(o)
		}
	}
	return nil
}

// EditPositions sets absolute share counts. Every trader and ticker is
// validated before anything is applied; a single unknown name fails the
// whole call.
func (e *Exchange) EditPositions(changes map[string]map[string]int64) error {
	for name, positions := range changes {
		if !e.ledger.Exists(name) {
			return fmt.Errorf("%w: trader %s", ErrUnknownEntity, name)
		}
		for ticker, shares := range positions {
			if !e.hasBook(ticker) {
				return fmt.Errorf("%w: ticker %s", ErrUnknownEntity, ticker)
			}
			if shares < 0 {
				return fmt.Errorf("%w: negative position %d in %s", ErrInvalidPortfolio, shares, ticker)
			}
		}
	}

	if err := e.ledger.SetPositions(changes); err != nil {
		return err
	}
	for name := range changes {
		if err := e.persistTrader(name); err != nil {
			return err
		}
	}
	return nil
}

// TraderStatus returns a read-only snapshot of a trader.
func (e *Exchange) TraderStatus(name string) (ledger.Snapshot, error) {
	snap, ok := e.ledger.Snapshot(name)
	if !ok {
		return ledger.Snapshot{}, fmt.Errorf("%w: %s", ledger.ErrTraderNotFound, name)
	}
	return snap, nil
}

// ListTickers returns all registered tickers, sorted.
func (e *Exchange) ListTickers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tickers := make([]string, 0, len(e.books))
	for ticker := range e.books {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)
	return tickers
}

// BookSnapshot returns the aggregated depth and price history of a book.
func (e *Exchange) BookSnapshot(ticker string) (book.Snapshot, error) {
	b, ok := e.book(ticker)
	if !ok {
		return book.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownSecurity, ticker)
	}
	return b.Snapshot(), nil
}

// MarketPrice returns the last traded price; traded is false for a ticker
// with no fills yet.
func (e *Exchange) MarketPrice(ticker string) (price decimal.Decimal, traded bool, err error) {
	b, ok := e.book(ticker)
	if !ok {
		return decimal.Zero, false, fmt.Errorf("%w: %s", ErrUnknownSecurity, ticker)
	}
	price, traded = b.LastPrice()
	return price, traded, nil
}

// PriceHistory returns the append-only fill price series of a ticker.
func (e *Exchange) PriceHistory(ticker string) ([]book.PricePoint, error) {
	b, ok := e.book(ticker)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSecurity, ticker)
	}
	return b.PriceHistory(), nil
}

// OrderStatus returns a copy of an order on a ticker.
func (e *Exchange) OrderStatus(ticker, orderID string) (book.Order, error) {
	b, ok := e.book(ticker)
	if !ok {
		return book.Order{}, fmt.Errorf("%w: %s", ErrUnknownSecurity, ticker)
	}
	o, ok := b.Order(orderID)
	if !ok {
		return book.Order{}, fmt.Errorf("%w: order %s on %s", ErrUnknownEntity, orderID, ticker)
	}
	return o, nil
}

func (e *Exchange) book(ticker string) (*book.OrderBook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[ticker]
	return b, ok
}

func (e *Exchange) hasBook(ticker string) bool {
	_, ok := e.book(ticker)
	return ok
}

// persistTrader writes one trader through to the store.
func (e *Exchange) persistTrader(name string) error {
	if e.store == nil {
		return nil
	}
	t, ok := e.ledger.Export(name)
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrTraderNotFound, name)
	}
	return e.store.SaveTrader(t)
}

// persistMatch commits everything one submission touched - the submitted
// order, fills, counterparty orders, validation-canceled orders and both
// traders of every fill - as a single batch.
func (e *Exchange) persistMatch(b *book.OrderBook, submittedID string, res book.MatchResult) error {
	if e.store == nil {
		return nil
	}

	batch := e.store.NewBatch()
	defer batch.Close()

	orderIDs := map[string]struct{}{submittedID: {}}
	traders := map[string]struct{}{}
	for _, f := range res.Fills {
		orderIDs[f.BidOrderID] = struct{}{}
		orderIDs[f.AskOrderID] = struct{}{}
		traders[f.Buyer] = struct{}{}
		traders[f.Seller] = struct{}{}
		if err := batch.SaveFill(f); err != nil {
			return err
		}
	}
	for _, id := range res.Canceled {
		orderIDs[id] = struct{}{}
	}

	// Every touched order's owner is written through too: the submitting
	// trader picked up an order ID even when nothing filled, and canceled
	// orders changed state for traders no fill names.
	for id := range orderIDs {
		if o, ok := b.Order(id); ok {
			traders[o.Trader] = struct{}{}
			if err := batch.SaveOrder(o); err != nil {
				return err
			}
		}
	}
	for name := range traders {
		t, ok := e.ledger.Export(name)
		if !ok {
			continue
		}
		if err := batch.SaveTrader(t); err != nil {
			return err
		}
	}
	return batch.Commit()
}

// publishFills fans fill events out to the configured sinks. A failing
// sink is logged and skipped; the trade has already settled.
func (e *Exchange) publishFills(ctx context.Context, fills []*book.Fill) {
	if len(e.sinks) == 0 {
		return
	}
	for _, f := range fills {
		ev := FillEvent{
			ID:         f.ID,
			Ticker:     f.Ticker,
			Buyer:      f.Buyer,
			Seller:     f.Seller,
			BidOrderID: f.BidOrderID,
			AskOrderID: f.AskOrderID,
			Size:       f.Size,
			Price:      f.Price,
			Time:       f.Time,
		}
		for _, sink := range e.sinks {
			if err := sink.PublishFill(ctx, ev); err != nil {
				e.log.Warnw("fill_publish_failed", "fill", f.ID, "err", err)
			}
		}
	}
}
