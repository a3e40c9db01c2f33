package book

// orderQueue implements heap.Interface over live orders of one side.
// Use container/heap to manipulate it (Init, Push, Pop, Fix).
//
// Best-first ranking:
//  1. market orders outrank all limit orders
//  2. within limit orders, price advantage: bids high-to-low, asks low-to-high
//  3. earlier submission time
//  4. larger remaining size (total order even on equal timestamps)
type orderQueue struct {
	side   Side
	orders []*Order
}

func newOrderQueue(side Side) *orderQueue {
	return &orderQueue{side: side}
}

func (q *orderQueue) Len() int { return len(q.orders) }

func (q *orderQueue) Less(i, j int) bool {
	a, b := q.orders[i], q.orders[j]
	if a.Market != b.Market {
		return a.Market
	}
	if !a.Market && !a.Price.Equal(b.Price) {
		if q.side == Bid {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	return a.CurrentSize > b.CurrentSize
}

func (q *orderQueue) Swap(i, j int) {
	q.orders[i], q.orders[j] = q.orders[j], q.orders[i]
}

func (q *orderQueue) Push(x interface{}) {
	q.orders = append(q.orders, x.(*Order))
}

func (q *orderQueue) Pop() interface{} {
	old := q.orders
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	q.orders = old[:n-1]
	return o
}

// Peek returns the best order without removing it, or nil when empty.
func (q *orderQueue) Peek() *Order {
	if len(q.orders) == 0 {
		return nil
	}
	return q.orders[0]
}
