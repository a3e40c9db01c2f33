package book

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidOrder is returned when an order is created with a
	// non-positive size, or with a missing/non-positive price on a
	// limit order.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInvariantViolation indicates a logic defect inside the engine
	// (e.g. a fill larger than the remaining size). It is never caused
	// by user input and aborts the matching loop that produced it.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrUnpriceable marks a bid/ask pair that cannot be priced: both
	// are market orders and the book has no reference price.
	ErrUnpriceable = errors.New("unpriceable match")
)

// Side partitions orders into buyers and sellers.
type Side int8

const (
	Bid Side = 1  // buy side
	Ask Side = -1 // sell side
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// ParseSide maps the wire spellings of a side ("bid"/"buy", "ask"/"sell")
// onto a Side.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "bid", "buy":
		return Bid, nil
	case "ask", "sell":
		return Ask, nil
	default:
		return 0, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, s)
	}
}

// Status is the lifecycle state of an order.
// Open → PartiallyFilled → Filled, or Open/PartiallyFilled → Canceled.
// Filled and Canceled are terminal.
type Status int8

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Canceled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Order is a resting or incoming instruction on one side of a book.
// Relations are identifier-based: the order carries the owning trader's
// name, the target ticker and the IDs of its fills, never live handles.
type Order struct {
	ID           string          `json:"id"`
	Trader       string          `json:"trader"`
	Ticker       string          `json:"ticker"`
	Side         Side            `json:"side"`
	OriginalSize int64           `json:"originalSize"`
	CurrentSize  int64           `json:"currentSize"`
	Price        decimal.Decimal `json:"price"` // zero for market orders
	Market       bool            `json:"market"`
	Time         time.Time       `json:"time"`
	Status       Status          `json:"status"`
	FillIDs      []string        `json:"fillIDs"`
}

// NewOrder validates and builds an order in the Open state.
// Market orders carry no price; a price passed alongside market=true is
// discarded rather than rejected.
func NewOrder(id, trader, ticker string, side Side, size int64, price decimal.Decimal, market bool, now time.Time) (*Order, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d must be positive", ErrInvalidOrder, size)
	}
	if !market && price.Cmp(decimal.Zero) <= 0 {
		return nil, fmt.Errorf("%w: limit order requires a positive price, got %s", ErrInvalidOrder, price)
	}
	if market {
		price = decimal.Zero
	}
	return &Order{
		ID:           id,
		Trader:       trader,
		Ticker:       ticker,
		Side:         side,
		OriginalSize: size,
		CurrentSize:  size,
		Price:        price,
		Market:       market,
		Time:         now,
		Status:       Open,
	}, nil
}

// Terminal reports whether the order is permanently excluded from matching.
func (o *Order) Terminal() bool {
	return o.Status == Filled || o.Status == Canceled
}

// ApplyFill decrements the remaining size by amount and records the fill
// reference. The order becomes Filled when the remaining size reaches zero
// and PartiallyFilled otherwise. A fill exceeding the remaining size is a
// defect in the caller, reported as ErrInvariantViolation.
func (o *Order) ApplyFill(amount int64, fillID string) error {
	if amount <= 0 || amount > o.CurrentSize {
		return fmt.Errorf("%w: fill of %d against remaining %d on order %s",
			ErrInvariantViolation, amount, o.CurrentSize, o.ID)
	}
	o.CurrentSize -= amount
	o.FillIDs = append(o.FillIDs, fillID)
	if o.CurrentSize == 0 {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
	return nil
}

// Cancel moves the order to Canceled. Canceling an already terminal order
// is a no-op, so the call is idempotent and never fails.
func (o *Order) Cancel() {
	if o.Terminal() {
		return
	}
	o.Status = Canceled
}

// Fill is an immutable record of one trade between a bid and an ask.
type Fill struct {
	ID         string          `json:"id"`
	Ticker     string          `json:"ticker"`
	BidOrderID string          `json:"bidOrderID"`
	AskOrderID string          `json:"askOrderID"`
	Buyer      string          `json:"buyer"`
	Seller     string          `json:"seller"`
	Size       int64           `json:"size"`
	Price      decimal.Decimal `json:"price"`
	Time       time.Time       `json:"time"`
}

// PricePoint is one datum of a book's append-only price history.
type PricePoint struct {
	Price decimal.Decimal `json:"price"`
	Time  time.Time       `json:"time"`
}
