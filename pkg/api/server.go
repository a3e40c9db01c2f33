// Package api is the transport glue: it maps REST routes one-to-one onto
// Exchange operations and streams fills over websockets. No engine logic
// lives here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/microstock/exchange/pkg/exchange"
	"github.com/microstock/exchange/pkg/exchange/book"
	"github.com/microstock/exchange/pkg/exchange/ledger"
)

// Server exposes the exchange over HTTP and websockets.
type Server struct {
	ex     *exchange.Exchange
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

// NewServer wires the routes. The returned server's Hub should be passed
// to the exchange as a fill sink so websocket clients see trades.
func NewServer(ex *exchange.Exchange, log *zap.SugaredLogger) *Server {
	s := &Server{
		ex:     ex,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()
	return s
}

// Hub returns the websocket hub, which implements exchange.FillSink.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/register_trader", s.handleRegisterTrader).Methods("POST")
	s.router.HandleFunc("/send_order", s.handleSendOrder).Methods("POST")
	s.router.HandleFunc("/cancel_order", s.handleCancelOrder).Methods("POST")
	s.router.HandleFunc("/edit_positions", s.handleEditPositions).Methods("POST")

	s.router.HandleFunc("/trader_status/{name}", s.handleTraderStatus).Methods("GET")
	s.router.HandleFunc("/list_tickers", s.handleListTickers).Methods("GET")
	s.router.HandleFunc("/book/{ticker}", s.handleBook).Methods("GET")
	s.router.HandleFunc("/market_price/{ticker}", s.handleMarketPrice).Methods("GET")
	s.router.HandleFunc("/price_history/{ticker}", s.handlePriceHistory).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the full HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves HTTP on addr, blocking.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleRegisterTrader(w http.ResponseWriter, r *http.Request) {
	var req RegisterTraderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	var wallet *decimal.Decimal
	if req.Wallet != nil {
		d, err := decimal.NewFromString(*req.Wallet)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid wallet", err.Error())
			return
		}
		wallet = &d
	}

	snap, err := s.ex.RegisterTrader(req.Name, wallet, req.Portfolio)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleSendOrder(w http.ResponseWriter, r *http.Request) {
	var req SendOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	side, err := book.ParseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}

	price := decimal.Zero
	if req.Price != nil {
		price, err = decimal.NewFromString(*req.Price)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid price", err.Error())
			return
		}
	}

	order, fills, err := s.ex.SubmitOrder(r.Context(), exchange.OrderRequest{
		Trader: req.Trader,
		Ticker: req.Ticker,
		Side:   side,
		Size:   req.Size,
		Price:  price,
		Market: req.MarketOrder,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}

	resp := SendOrderResponse{Order: orderInfo(order)}
	for _, f := range fills {
		resp.Fills = append(resp.Fills, fillInfo(f))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := s.ex.CancelOrder(req.Ticker, req.OrderID); err != nil {
		respondEngineError(w, err)
		return
	}
	order, err := s.ex.OrderStatus(req.Ticker, req.OrderID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orderInfo(order))
}

func (s *Server) handleEditPositions(w http.ResponseWriter, r *http.Request) {
	var req EditPositionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := s.ex.EditPositions(req.Positions); err != nil {
		respondEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTraderStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	snap, err := s.ex.TraderStatus(name)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListTickers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"tickers": s.ex.ListTickers()})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	snap, err := s.ex.BookSnapshot(ticker)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMarketPrice(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	price, traded, err := s.ex.MarketPrice(ticker)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	resp := map[string]interface{}{"ticker": ticker, "traded": traded}
	if traded {
		resp["price"] = price.String()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	history, err := s.ex.PriceHistory(ticker)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"ticker": ticker, "history": history})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func orderInfo(o book.Order) OrderInfo {
	info := OrderInfo{
		ID:           o.ID,
		Trader:       o.Trader,
		Ticker:       o.Ticker,
		Side:         o.Side.String(),
		OriginalSize: o.OriginalSize,
		CurrentSize:  o.CurrentSize,
		MarketOrder:  o.Market,
		Status:       o.Status.String(),
		Time:         o.Time.Format("2006-01-02T15:04:05.000Z07:00"),
		FillIDs:      o.FillIDs,
	}
	if !o.Market {
		info.Price = o.Price.String()
	}
	return info
}

func fillInfo(f *book.Fill) FillInfo {
	return FillInfo{
		ID:     f.ID,
		Ticker: f.Ticker,
		Buyer:  f.Buyer,
		Seller: f.Seller,
		Size:   f.Size,
		Price:  f.Price.String(),
		Time:   f.Time.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// respondEngineError maps the engine's error taxonomy onto HTTP codes.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrTraderNotFound),
		errors.Is(err, exchange.ErrUnknownSecurity),
		errors.Is(err, exchange.ErrUnknownEntity):
		respondError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, ledger.ErrDuplicateTrader),
		errors.Is(err, exchange.ErrDuplicateSecurity):
		respondError(w, http.StatusConflict, "already exists", err.Error())
	case errors.Is(err, book.ErrInvalidOrder),
		errors.Is(err, exchange.ErrInvalidPortfolio):
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientShares):
		respondError(w, http.StatusUnprocessableEntity, "rejected", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg, detail string) {
	respondJSON(w, status, errorResponse{Error: msg, Detail: detail})
}
