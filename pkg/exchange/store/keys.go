package store

import "fmt"

// Pebble key schema. Prefix-based so entity families can be range-scanned,
// with zero-padded timestamps where lexicographic order must follow time.
const (
	prefixTicker = "ticker:" // registered securities
	prefixTrader = "trader:" // trader state (wallet, history, positions)
	prefixOrder  = "ord:"    // orders, grouped by ticker
	prefixFill   = "fill:"   // fills, grouped by ticker, time-ordered
)

// tickerKey: "ticker:{ticker}"
func tickerKey(ticker string) []byte {
	return []byte(prefixTicker + ticker)
}

// traderKey: "trader:{name}"
func traderKey(name string) []byte {
	return []byte(prefixTrader + name)
}

// orderKey: "ord:{ticker}:{orderID}"
func orderKey(ticker, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, ticker, orderID))
}

func orderPrefix(ticker string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, ticker))
}

// fillKey: "fill:{ticker}:{timestamp}:{fillID}" with a 20-digit timestamp
// so a prefix scan yields fills in trade order.
func fillKey(ticker string, unixNano int64, fillID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixFill, ticker, unixNano, fillID))
}

func fillPrefix(ticker string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixFill, ticker))
}

// keyUpperBound is the exclusive end of a prefix scan: the prefix with its
// last byte incremented.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
