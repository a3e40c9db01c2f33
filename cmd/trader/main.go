// Robot trader. Registers itself against a running exchange and sends a
// stream of random limit and market orders, anchored around the current
// market price when one exists. Useful for demos and soak testing.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

type client struct {
	base string
	http *http.Client
}

func (c *client) post(path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var e struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %s (%s)", path, e.Error, e.Detail)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *client) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func main() {
	base := flag.String("exchange", "http://localhost:8080", "exchange base URL")
	name := flag.String("name", fmt.Sprintf("robot-%d", rand.Intn(10000)), "trader name")
	wallet := flag.String("wallet", "", "starting wallet, empty for the exchange default")
	shares := flag.Int64("shares", 50, "starting shares per ticker")
	interval := flag.Duration("interval", 2*time.Second, "time between orders")
	marketChance := flag.Float64("market-chance", 0.2, "probability an order is a market order")
	flag.Parse()

	c := &client{base: *base, http: &http.Client{Timeout: 10 * time.Second}}

	var tickersResp struct {
		Tickers []string `json:"tickers"`
	}
	if err := c.get("/list_tickers", &tickersResp); err != nil {
		fmt.Fprintf(os.Stderr, "trader: %v\n", err)
		os.Exit(1)
	}
	if len(tickersResp.Tickers) == 0 {
		fmt.Fprintln(os.Stderr, "trader: exchange lists no tickers")
		os.Exit(1)
	}

	portfolio := make(map[string]int64, len(tickersResp.Tickers))
	for _, t := range tickersResp.Tickers {
		portfolio[t] = *shares
	}
	reg := map[string]interface{}{"name": *name, "portfolio": portfolio}
	if *wallet != "" {
		reg["wallet"] = *wallet
	}
	if err := c.post("/register_trader", reg, nil); err != nil {
		fmt.Fprintf(os.Stderr, "trader: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("registered %s, trading %v every %v\n", *name, tickersResp.Tickers, *interval)

	for range time.Tick(*interval) {
		ticker := tickersResp.Tickers[rand.Intn(len(tickersResp.Tickers))]
		side := "buy"
		if rand.Intn(2) == 0 {
			side = "sell"
		}
		size := int64(1 + rand.Intn(10))

		order := map[string]interface{}{
			"trader": *name,
			"ticker": ticker,
			"side":   side,
			"size":   size,
		}

		quote := "market"
		if rand.Float64() < *marketChance {
			order["market_order"] = true
		} else {
			quote = quotePrice(c, ticker, side)
			order["price"] = quote
		}

		var resp struct {
			Order struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"order"`
			Fills []struct {
				Size  int64  `json:"size"`
				Price string `json:"price"`
			} `json:"fills"`
		}
		if err := c.post("/send_order", order, &resp); err != nil {
			fmt.Printf("order rejected: %v\n", err)
			continue
		}
		fmt.Printf("%s %s x%d on %s -> %s, %d fills\n",
			side, quote, size, ticker, resp.Order.Status, len(resp.Fills))
	}
}

// quotePrice picks a limit price near the last traded price, skewed so
// buys quote a touch under and sells a touch over. With no trade history
// it quotes around 10.00.
func quotePrice(c *client, ticker, side string) string {
	anchor := decimal.NewFromInt(10)
	var mp struct {
		Traded bool   `json:"traded"`
		Price  string `json:"price"`
	}
	if err := c.get("/market_price/"+ticker, &mp); err == nil && mp.Traded {
		if p, err := decimal.NewFromString(mp.Price); err == nil {
			anchor = p
		}
	}

	// Jitter within +-5% of the anchor.
	jitter := decimal.NewFromFloat((rand.Float64() - 0.5) / 10)
	price := anchor.Add(anchor.Mul(jitter))
	if side == "buy" {
		price = price.Mul(decimal.NewFromFloat(0.99))
	} else {
		price = price.Mul(decimal.NewFromFloat(1.01))
	}
	if price.LessThanOrEqual(decimal.Zero) {
		price = decimal.NewFromFloat(0.01)
	}
	return price.Round(2).String()
}
