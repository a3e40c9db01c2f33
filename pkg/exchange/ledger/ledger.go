// Package ledger owns the money and share side of the exchange: trader
// wallets, per-ticker positions and the settlement primitives the order
// books call when a match fires. Every mutation keeps the conservation
// invariants: wallets and share counts never go negative, and a trade
// only moves value between the two parties involved.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/microstock/exchange/pkg/util"
)

var (
	// ErrDuplicateTrader is returned when registering a name that is taken.
	ErrDuplicateTrader = errors.New("trader already registered")

	// ErrTraderNotFound is returned when an operation names an unknown trader.
	ErrTraderNotFound = errors.New("trader not found")

	// ErrInsufficientFunds is returned when a wallet debit exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientShares is returned when a share debit exceeds the position.
	ErrInsufficientShares = errors.New("insufficient shares")
)

// entry pairs a trader with its exclusive lock. Settlement locks the two
// entries it touches in sorted-name order so concurrent books never deadlock.
type entry struct {
	mu sync.Mutex
	t  *Trader
}

// Ledger is the registry of traders and the only writer of their state.
type Ledger struct {
	mu      sync.RWMutex // guards the traders map, not trader state
	traders map[string]*entry

	clock util.Clock
	log   *zap.SugaredLogger
}

// New creates an empty ledger.
func New(clock util.Clock, log *zap.SugaredLogger) *Ledger {
	return &Ledger{
		traders: make(map[string]*entry),
		clock:   clock,
		log:     log,
	}
}

// Register creates a trader with the given starting wallet and portfolio.
func (l *Ledger) Register(name string, wallet decimal.Decimal, portfolio map[string]int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.traders[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTrader, name)
	}
	l.traders[name] = &entry{t: NewTrader(name, wallet, portfolio, l.clock.Now())}
	l.log.Infow("trader_registered", "name", name, "wallet", wallet)
	return nil
}

// Restore injects a persisted trader, replacing any in-memory state.
// Used only while rebuilding the ledger from the store at startup.
func (l *Ledger) Restore(t *Trader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.Positions == nil {
		t.Positions = make(map[string]*Position)
	}
	l.traders[t.Name] = &entry{t: t}
}

// Exists reports whether a trader is registered.
func (l *Ledger) Exists(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.traders[name]
	return ok
}

// Names returns all registered trader names, sorted.
func (l *Ledger) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.traders))
	for name := range l.traders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a read-only copy of a trader's state.
func (l *Ledger) Snapshot(name string) (Snapshot, bool) {
	e, ok := l.lookup(name)
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.t.snapshot(), true
}

// Export returns a deep copy of a trader's full record, as persisted by
// the store write-through.
func (l *Ledger) Export(name string) (*Trader, bool) {
	e, ok := l.lookup(name)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := &Trader{
		Name:          e.t.Name,
		Wallet:        e.t.Wallet,
		WalletHistory: append([]ValueDatum(nil), e.t.WalletHistory...),
		Positions:     make(map[string]*Position, len(e.t.Positions)),
		OrderIDs:      append([]string(nil), e.t.OrderIDs...),
	}
	for ticker, pos := range e.t.Positions {
		p := *pos
		cp.Positions[ticker] = &p
	}
	return cp, true
}

func (l *Ledger) lookup(name string) (*entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.traders[name]
	return e, ok
}

// AttachOrder records an order ID on the submitting trader.
func (l *Ledger) AttachOrder(name, orderID string) error {
	e, ok := l.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTraderNotFound, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.t.OrderIDs = append(e.t.OrderIDs, orderID)
	return nil
}

// DebitWallet subtracts amount from the trader's wallet and appends a
// wallet-history datum. Fails with ErrInsufficientFunds when the wallet
// does not cover the amount; the wallet is left untouched on failure.
func (l *Ledger) DebitWallet(name string, amount decimal.Decimal) error {
	e, ok := l.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTraderNotFound, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return l.debitWalletLocked(e.t, amount)
}

// CreditWallet adds amount to the trader's wallet and appends a
// wallet-history datum.
func (l *Ledger) CreditWallet(name string, amount decimal.Decimal) error {
	e, ok := l.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTraderNotFound, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l.creditWalletLocked(e.t, amount)
	return nil
}

// DebitShares subtracts shares from the trader's position in ticker.
// Fails with ErrInsufficientShares when the position is missing or short.
func (l *Ledger) DebitShares(name, ticker string, amount int64) error {
	e, ok := l.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTraderNotFound, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return debitSharesLocked(e.t, ticker, amount)
}

// CreditShares adds shares to the trader's position in ticker, creating
// the position on first credit.
func (l *Ledger) CreditShares(name, ticker string, amount int64) error {
	e, ok := l.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTraderNotFound, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	creditSharesLocked(e.t, ticker, amount)
	return nil
}

func (l *Ledger) debitWalletLocked(t *Trader, amount decimal.Decimal) error {
	if t.Wallet.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, t.Name, t.Wallet, amount)
	}
	t.Wallet = t.Wallet.Sub(amount)
	t.WalletHistory = append(t.WalletHistory, ValueDatum{Value: t.Wallet, Time: l.clock.Now()})
	return nil
}

func (l *Ledger) creditWalletLocked(t *Trader, amount decimal.Decimal) {
	t.Wallet = t.Wallet.Add(amount)
	t.WalletHistory = append(t.WalletHistory, ValueDatum{Value: t.Wallet, Time: l.clock.Now()})
}

func debitSharesLocked(t *Trader, ticker string, amount int64) error {
	pos, ok := t.Positions[ticker]
	if !ok || pos.Shares < amount {
		held := int64(0)
		if ok {
			held = pos.Shares
		}
		return fmt.Errorf("%w: %s holds %d %s, needs %d", ErrInsufficientShares, t.Name, held, ticker, amount)
	}
	pos.Shares -= amount
	return nil
}

func creditSharesLocked(t *Trader, ticker string, amount int64) {
	pos, ok := t.Positions[ticker]
	if !ok {
		pos = &Position{Trader: t.Name, Ticker: ticker}
		t.Positions[ticker] = pos
	}
	pos.Shares += amount
}

// Settle atomically transfers funds and shares for one fill: the buyer's
// wallet is debited and the seller's credited by size×price, and size
// shares move from the seller's position to the buyer's. Both checks run
// before any state changes, so a failure leaves the ledger untouched:
// ErrInsufficientFunds points at the buyer, ErrInsufficientShares at the
// seller, and the book cancels the offending order.
func (l *Ledger) Settle(buyer, seller, ticker string, size int64, price decimal.Decimal) error {
	be, ok := l.lookup(buyer)
	if !ok {
		return fmt.Errorf("%w: buyer %s", ErrTraderNotFound, buyer)
	}
	se, ok := l.lookup(seller)
	if !ok {
		return fmt.Errorf("%w: seller %s", ErrTraderNotFound, seller)
	}

	l.lockPair(buyer, be, seller, se)
	defer l.unlockPair(buyer, be, seller, se)

	cost := price.Mul(decimal.NewFromInt(size))

	// Pre-trade validation, before any mutation.
	if be.t.Wallet.LessThan(cost) {
		return fmt.Errorf("%w: buyer %s has %s, fill costs %s", ErrInsufficientFunds, buyer, be.t.Wallet, cost)
	}
	if se.t.Shares(ticker) < size {
		return fmt.Errorf("%w: seller %s holds %d %s, fill needs %d",
			ErrInsufficientShares, seller, se.t.Shares(ticker), ticker, size)
	}

	if err := l.debitWalletLocked(be.t, cost); err != nil {
		return err
	}
	l.creditWalletLocked(se.t, cost)
	if err := debitSharesLocked(se.t, ticker, size); err != nil {
		// Unreachable after the pre-check; kept so a defect cannot
		// silently mint shares.
		return err
	}
	creditSharesLocked(be.t, ticker, size)

	l.log.Debugw("settled",
		"ticker", ticker, "buyer", buyer, "seller", seller,
		"size", size, "price", price, "cost", cost)
	return nil
}

// lockPair acquires both trader locks in sorted-name order. A self-trade
// (buyer == seller) locks once.
func (l *Ledger) lockPair(buyer string, be *entry, seller string, se *entry) {
	switch {
	case buyer == seller:
		be.mu.Lock()
	case buyer < seller:
		be.mu.Lock()
		se.mu.Lock()
	default:
		se.mu.Lock()
		be.mu.Lock()
	}
}

func (l *Ledger) unlockPair(buyer string, be *entry, seller string, se *entry) {
	if buyer == seller {
		be.mu.Unlock()
		return
	}
	be.mu.Unlock()
	se.mu.Unlock()
}

// SetPositions applies absolute share counts (not deltas). Callers are
// expected to have validated every trader and ticker; an unknown trader
// still fails here with ErrTraderNotFound before anything is applied.
func (l *Ledger) SetPositions(changes map[string]map[string]int64) error {
	entries := make(map[string]*entry, len(changes))
	for name := range changes {
		e, ok := l.lookup(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrTraderNotFound, name)
		}
		entries[name] = e
	}

	// Apply in sorted order for a deterministic lock sequence.
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := entries[name]
		e.mu.Lock()
		for ticker, shares := range changes[name] {
			pos, ok := e.t.Positions[ticker]
			if !ok {
				pos = &Position{Trader: name, Ticker: ticker}
				e.t.Positions[ticker] = pos
			}
			pos.Shares = shares
		}
		e.mu.Unlock()
	}
	return nil
}

// TotalWallets sums every wallet. Together with TotalShares it backs the
// conservation checks: matching moves value around but never changes
// either total.
func (l *Ledger) TotalWallets() decimal.Decimal {
	total := decimal.Zero
	for _, name := range l.Names() {
		if snap, ok := l.Snapshot(name); ok {
			total = total.Add(snap.Wallet)
		}
	}
	return total
}

// TotalShares sums every trader's position in ticker.
func (l *Ledger) TotalShares(ticker string) int64 {
	var total int64
	for _, name := range l.Names() {
		if snap, ok := l.Snapshot(name); ok {
			total += snap.Positions[ticker]
		}
	}
	return total
}
