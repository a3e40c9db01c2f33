package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ValueDatum is one snapshot of a wallet balance.
type ValueDatum struct {
	Value decimal.Decimal `json:"value"`
	Time  time.Time       `json:"time"`
}

// Position is a trader's share count in one ticker. Shares never go
// negative: every debit is checked first.
type Position struct {
	Trader string `json:"trader"`
	Ticker string `json:"ticker"`
	Shares int64  `json:"shares"`
}

// Trader holds a wallet, an append-only wallet history, at most one
// position per ticker and the IDs of the orders it has submitted.
// Mutated only through the Ledger, never by API callers.
type Trader struct {
	Name          string               `json:"name"`
	Wallet        decimal.Decimal      `json:"wallet"`
	WalletHistory []ValueDatum         `json:"walletHistory"`
	Positions     map[string]*Position `json:"positions"` // ticker -> position
	OrderIDs      []string             `json:"orderIDs"`
}

// NewTrader builds a trader with the given starting wallet and portfolio.
// The opening balance is recorded as the first wallet-history datum.
func NewTrader(name string, wallet decimal.Decimal, portfolio map[string]int64, now time.Time) *Trader {
	t := &Trader{
		Name:          name,
		Wallet:        wallet,
		WalletHistory: []ValueDatum{{Value: wallet, Time: now}},
		Positions:     make(map[string]*Position),
	}
	for ticker, shares := range portfolio {
		t.Positions[ticker] = &Position{Trader: name, Ticker: ticker, Shares: shares}
	}
	return t
}

// Shares returns the trader's holding in ticker, zero when no position exists.
func (t *Trader) Shares(ticker string) int64 {
	pos, ok := t.Positions[ticker]
	if !ok {
		return 0
	}
	return pos.Shares
}

// Snapshot is a read-only copy of a trader's state, safe to hand to
// concurrent readers while the ledger keeps mutating the original.
type Snapshot struct {
	Name          string           `json:"name"`
	Wallet        decimal.Decimal  `json:"wallet"`
	WalletHistory []ValueDatum     `json:"walletHistory"`
	Positions     map[string]int64 `json:"positions"`
	OrderIDs      []string         `json:"orderIDs"`
}

func (t *Trader) snapshot() Snapshot {
	s := Snapshot{
		Name:          t.Name,
		Wallet:        t.Wallet,
		WalletHistory: append([]ValueDatum(nil), t.WalletHistory...),
		Positions:     make(map[string]int64, len(t.Positions)),
		OrderIDs:      append([]string(nil), t.OrderIDs...),
	}
	for ticker, pos := range t.Positions {
		s.Positions[ticker] = pos.Shares
	}
	return s
}
