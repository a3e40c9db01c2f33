package api

// Request and response shapes for the REST endpoints. Amounts travel as
// strings so clients never see binary floating point.

// RegisterTraderRequest creates a trader. Wallet and portfolio are
// optional; a missing wallet uses the server's default endowment policy.
type RegisterTraderRequest struct {
	Name      string           `json:"name"`
	Wallet    *string          `json:"wallet,omitempty"`
	Portfolio map[string]int64 `json:"portfolio,omitempty"`
}

// SendOrderRequest submits an order. Price is required unless
// market_order is true.
type SendOrderRequest struct {
	Trader      string  `json:"trader"`
	Ticker      string  `json:"ticker"`
	Side        string  `json:"side"` // "buy"/"bid" or "sell"/"ask"
	Size        int64   `json:"size"`
	Price       *string `json:"price,omitempty"`
	MarketOrder bool    `json:"market_order"`
}

// CancelOrderRequest cancels a resting order.
type CancelOrderRequest struct {
	Ticker  string `json:"ticker"`
	OrderID string `json:"order_id"`
}

// EditPositionsRequest sets absolute share counts per trader per ticker.
type EditPositionsRequest struct {
	Positions map[string]map[string]int64 `json:"positions"`
}

// OrderInfo mirrors one order's state back to the client.
type OrderInfo struct {
	ID           string   `json:"id"`
	Trader       string   `json:"trader"`
	Ticker       string   `json:"ticker"`
	Side         string   `json:"side"`
	OriginalSize int64    `json:"original_size"`
	CurrentSize  int64    `json:"current_size"`
	Price        string   `json:"price,omitempty"`
	MarketOrder  bool     `json:"market_order"`
	Status       string   `json:"status"`
	Time         string   `json:"time"`
	FillIDs      []string `json:"fill_ids,omitempty"`
}

// FillInfo mirrors one fill.
type FillInfo struct {
	ID     string `json:"id"`
	Ticker string `json:"ticker"`
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Size   int64  `json:"size"`
	Price  string `json:"price"`
	Time   string `json:"time"`
}

// SendOrderResponse returns the submitted order and any fills produced.
type SendOrderResponse struct {
	Order OrderInfo  `json:"order"`
	Fills []FillInfo `json:"fills,omitempty"`
}

// WSSubscribeRequest is the inbound websocket control message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSMessage is the outbound websocket envelope.
type WSMessage struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
