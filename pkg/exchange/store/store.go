// Package store persists exchange state in Pebble: registered tickers,
// traders, orders and fills, JSON-encoded under a prefixed key schema.
// The engine itself matches purely in memory; the store is the durable
// collaborator it writes through to and restores from at startup.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/microstock/exchange/pkg/exchange/book"
	"github.com/microstock/exchange/pkg/exchange/ledger"
)

// Store wraps a Pebble database. Thread safety comes from the callers:
// the exchange serializes writes per entity through its own locks.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTicker records a registered security.
func (s *Store) SaveTicker(ticker string) error {
	if err := s.db.Set(tickerKey(ticker), []byte(ticker), pebble.Sync); err != nil {
		return fmt.Errorf("save ticker %s: %w", ticker, err)
	}
	return nil
}

// LoadTickers returns every registered security, in key order.
func (s *Store) LoadTickers() ([]string, error) {
	prefix := []byte(prefixTicker)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var tickers []string
	for iter.First(); iter.Valid(); iter.Next() {
		tickers = append(tickers, string(iter.Value()))
	}
	return tickers, nil
}

// SaveTrader persists a trader snapshot-style record.
func (s *Store) SaveTrader(t *ledger.Trader) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trader %s: %w", t.Name, err)
	}
	if err := s.db.Set(traderKey(t.Name), data, pebble.Sync); err != nil {
		return fmt.Errorf("save trader %s: %w", t.Name, err)
	}
	return nil
}

// LoadTraders returns every persisted trader.
func (s *Store) LoadTraders() ([]*ledger.Trader, error) {
	prefix := []byte(prefixTrader)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var traders []*ledger.Trader
	for iter.First(); iter.Valid(); iter.Next() {
		var t ledger.Trader
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("unmarshal trader at %s: %w", iter.Key(), err)
		}
		traders = append(traders, &t)
	}
	return traders, nil
}

// SaveOrder persists one order state.
func (s *Store) SaveOrder(o book.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", o.ID, err)
	}
	if err := s.db.Set(orderKey(o.Ticker, o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

// LoadOrders returns every persisted order for a ticker, terminal ones
// included; callers filter by status.
func (s *Store) LoadOrders(ticker string) ([]book.Order, error) {
	prefix := orderPrefix(ticker)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []book.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o book.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("unmarshal order at %s: %w", iter.Key(), err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// SaveFill persists one fill.
func (s *Store) SaveFill(f *book.Fill) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fill %s: %w", f.ID, err)
	}
	if err := s.db.Set(fillKey(f.Ticker, f.Time.UnixNano(), f.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save fill %s: %w", f.ID, err)
	}
	return nil
}

// LoadFills returns a ticker's fills in trade order. limit <= 0 loads all.
func (s *Store) LoadFills(ticker string, limit int) ([]*book.Fill, error) {
	prefix := fillPrefix(ticker)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var fills []*book.Fill
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(fills) >= limit {
			break
		}
		var f book.Fill
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			return nil, fmt.Errorf("unmarshal fill at %s: %w", iter.Key(), err)
		}
		fills = append(fills, &f)
	}
	return fills, nil
}

// LoadPriceHistory rebuilds a ticker's price series from its fills: each
// fill contributed exactly one datum.
func (s *Store) LoadPriceHistory(ticker string) ([]book.PricePoint, error) {
	fills, err := s.LoadFills(ticker, 0)
	if err != nil {
		return nil, err
	}
	history := make([]book.PricePoint, 0, len(fills))
	for _, f := range fills {
		history = append(history, book.PricePoint{Price: f.Price, Time: f.Time})
	}
	return history, nil
}

// Batch groups writes so one settlement (two orders, two traders, one
// fill) commits atomically.
type Batch struct {
	batch *pebble.Batch
}

// NewBatch starts an atomic write batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

// SaveTrader adds a trader write to the batch.
func (b *Batch) SaveTrader(t *ledger.Trader) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.batch.Set(traderKey(t.Name), data, nil)
}

// SaveOrder adds an order write to the batch.
func (b *Batch) SaveOrder(o book.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return b.batch.Set(orderKey(o.Ticker, o.ID), data, nil)
}

// SaveFill adds a fill write to the batch.
func (b *Batch) SaveFill(f *book.Fill) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return b.batch.Set(fillKey(f.Ticker, f.Time.UnixNano(), f.ID), data, nil)
}

// Commit writes the batch durably.
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close discards the batch without committing.
func (b *Batch) Close() error {
	return b.batch.Close()
}
