package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/ember-markets/ember/pkg/ember"
	"github.com/ember-markets/ember/pkg/metrics"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the market registry.
type JSONRPCServer struct {
	registry *ember.Registry
	metrics  *metrics.EmberMetrics
	stats    *metrics.QuickStats
	logger   log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server. metrics may be nil; the
// quick stats counters are always live.
func NewJSONRPCServer(registry *ember.Registry, m *metrics.EmberMetrics, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		registry: registry,
		metrics:  m,
		stats:    metrics.NewQuickStats(),
		logger:   logger,
	}
}

// Stats returns the server's quick stats counters.
func (s *JSONRPCServer) Stats() *metrics.QuickStats {
	return s.stats
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(r.Context(), req.Method, req.Params)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Order methods
	case "ember_placeLimitOrder":
		return s.placeLimitOrder(params)
	case "ember_cancelOrder":
		return s.cancelOrder(params)
	case "ember_placeMarketOrder":
		return s.placeMarketOrder(ctx, params)
	case "ember_clearExpired":
		return s.clearExpired(params)

	// Balance methods
	case "ember_registerUser":
		return s.registerUser(params)
	case "ember_deposit":
		return s.deposit(ctx, params)
	case "ember_claim":
		return s.claim(ctx, params)
	case "ember_getBalance":
		return s.getBalance(params)

	// Market data methods
	case "ember_getOrderBook":
		return s.getOrderBook(params)
	case "ember_getBestBid":
		return s.getBestQuote(params, ember.Bid)
	case "ember_getBestAsk":
		return s.getBestQuote(params, ember.Ask)
	case "ember_getTrades":
		return s.getTrades(params)

	// Info methods
	case "ember_getMarket":
		return s.getMarket(params)
	case "ember_listMarkets":
		return s.registry.Markets(), nil
	case "ember_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// parseAmount accepts a decimal string and requires a non-negative integer
// that fits the engine's native uint64 units.
func parseAmount(raw string) (uint64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, &RPCError{Code: InvalidParams, Message: "invalid amount: " + raw}
	}
	if d.Sign() < 0 || !d.IsInteger() {
		return 0, &RPCError{Code: InvalidParams, Message: "amount must be a non-negative integer: " + raw}
	}
	big := d.BigInt()
	if !big.IsUint64() {
		return 0, &RPCError{Code: InvalidParams, Message: "amount out of range: " + raw}
	}
	return big.Uint64(), nil
}

func parseSide(raw string) (ember.Side, error) {
	switch raw {
	case "bid", "buy":
		return ember.Bid, nil
	case "ask", "sell":
		return ember.Ask, nil
	default:
		return ember.Bid, &RPCError{Code: InvalidParams, Message: "invalid side: " + raw}
	}
}

type orderParams struct {
	Market   string `json:"market"`
	UID      uint64 `json:"uid"`
	Outcome  int    `json:"outcome"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Size     string `json:"size"`
	ExpireIn int64  `json:"expireInSeconds"`
}

func (s *JSONRPCServer) placeLimitOrder(params json.RawMessage) (interface{}, error) {
	var p orderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	side, err := parseSide(p.Side)
	if err != nil {
		return nil, err
	}
	price, err := parseAmount(p.Price)
	if err != nil {
		return nil, err
	}
	size, err := parseAmount(p.Size)
	if err != nil {
		return nil, err
	}

	var slot uint64
	err = s.registry.Do(p.Market, func(e *ember.Engine) error {
		var err error
		slot, err = e.PlaceLimitOrder(p.UID, p.Outcome, side, price, size, time.Duration(p.ExpireIn)*time.Second)
		return err
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	s.stats.OrdersPlaced.Inc()
	if s.metrics != nil {
		s.metrics.RecordOrderPlaced()
	}

	return map[string]interface{}{
		"slot":   slot,
		"status": "accepted",
	}, nil
}

func (s *JSONRPCServer) cancelOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market  string `json:"market"`
		UID     uint64 `json:"uid"`
		Outcome int    `json:"outcome"`
		Side    string `json:"side"`
		Slot    uint64 `json:"slot"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	side, err := parseSide(p.Side)
	if err != nil {
		return nil, err
	}

	err = s.registry.Do(p.Market, func(e *ember.Engine) error {
		return e.CancelLimitOrder(p.UID, p.Outcome, side, p.Slot)
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	s.stats.OrdersRemoved.Inc()
	if s.metrics != nil {
		s.metrics.RecordOrderCancelled()
	}

	return map[string]interface{}{
		"slot":   p.Slot,
		"status": "cancelled",
	}, nil
}

func (s *JSONRPCServer) placeMarketOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Market    string `json:"market"`
		UID       uint64 `json:"uid"`
		Outcome   int    `json:"outcome"`
		Side      string `json:"side"`
		Amount    string `json:"amount"`
		PayFrom   string `json:"payFrom"`
		ReceiveTo string `json:"receiveTo"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	side, err := parseSide(p.Side)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}

	var report *ember.FillReport
	start := time.Now()
	err = s.registry.Do(p.Market, func(e *ember.Engine) error {
		var err error
		report, err = e.PlaceMarketOrder(ctx, p.UID, p.Outcome, side,
			amount, ember.AccountID(p.PayFrom), ember.AccountID(p.ReceiveTo))
		return err
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	s.stats.TradesExecuted.Add(float64(report.Trades))
	if s.metrics != nil {
		s.metrics.RecordMatchingLatency(time.Since(start))
		s.metrics.RecordTrade(report.Filled)
	}

	return map[string]interface{}{
		"filled":    decimal.NewFromUint64(report.Filled).String(),
		"remaining": decimal.NewFromUint64(report.Remaining).String(),
		"cost":      decimal.NewFromUint64(report.Cost).String(),
		"trades":    report.Trades,
	}, nil
}

func (s *JSONRPCServer) clearExpired(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market  string `json:"market"`
		Outcome int    `json:"outcome"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	var removed int
	err := s.registry.Do(p.Market, func(e *ember.Engine) error {
		var err error
		removed, err = e.ClearExpiredOrders(p.Outcome)
		return err
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	s.stats.OrdersRemoved.Add(float64(removed))
	if s.metrics != nil {
		s.metrics.RecordOrdersExpired(removed)
	}

	return map[string]interface{}{"removed": removed}, nil
}

func (s *JSONRPCServer) registerUser(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market string `json:"market"`
		Owner  string `json:"owner"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	var user *ember.MarketUser
	err := s.registry.Do(p.Market, func(e *ember.Engine) error {
		var err error
		user, err = e.RegisterUser(p.Owner)
		return err
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"uid":   user.UID,
		"owner": user.Owner,
	}, nil
}

type balanceFlowParams struct {
	Market  string `json:"market"`
	UID     uint64 `json:"uid"`
	Leg     string `json:"leg"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func parseLeg(raw string) (ember.Leg, error) {
	switch raw {
	case "quote":
		return ember.LegQuote, nil
	case "outcomeA":
		return ember.LegOutcomeA, nil
	case "outcomeB":
		return ember.LegOutcomeB, nil
	default:
		return ember.LegQuote, &RPCError{Code: InvalidParams, Message: "invalid leg: " + raw}
	}
}

func (s *JSONRPCServer) deposit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p balanceFlowParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	leg, err := parseLeg(p.Leg)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}

	err = s.registry.Do(p.Market, func(e *ember.Engine) error {
		return e.DepositBalance(ctx, p.UID, leg, ember.AccountID(p.Account), amount)
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	s.stats.Deposits.Inc()
	if s.metrics != nil {
		s.metrics.RecordDeposit()
	}

	return map[string]interface{}{"status": "deposited"}, nil
}

func (s *JSONRPCServer) claim(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p balanceFlowParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	leg, err := parseLeg(p.Leg)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}

	err = s.registry.Do(p.Market, func(e *ember.Engine) error {
		return e.ClaimBalance(ctx, p.UID, leg, ember.AccountID(p.Account), amount)
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	s.stats.Claims.Inc()
	if s.metrics != nil {
		s.metrics.RecordClaim()
	}

	return map[string]interface{}{"status": "claimed"}, nil
}

func (s *JSONRPCServer) getBalance(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market string `json:"market"`
		UID    uint64 `json:"uid"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	var bal ember.Balance
	err := s.registry.Do(p.Market, func(e *ember.Engine) error {
		var err error
		bal, err = e.Ledger().BalanceOf(p.UID)
		return err
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"quote":    decimal.NewFromUint64(bal.Quote).String(),
		"outcomeA": decimal.NewFromUint64(bal.OutcomeA).String(),
		"outcomeB": decimal.NewFromUint64(bal.OutcomeB).String(),
	}, nil
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func toLevels(levels []ember.PriceLevel, depth int) []bookLevel {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	out := make([]bookLevel, len(levels))
	for i, l := range levels {
		out[i] = bookLevel{
			Price: decimal.NewFromUint64(l.Price).String(),
			Size:  decimal.NewFromUint64(l.Size).String(),
		}
	}
	return out
}

func (s *JSONRPCServer) getOrderBook(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market  string `json:"market"`
		Outcome int    `json:"outcome"`
		Depth   int    `json:"depth"`
	}
	p.Depth = 10
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	var bids, asks []ember.PriceLevel
	err := s.registry.Do(p.Market, func(e *ember.Engine) error {
		pair, err := e.Market().Pair(p.Outcome)
		if err != nil {
			return err
		}
		bids = pair.Bids.Levels()
		asks = pair.Asks.Levels()
		return nil
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"market":  p.Market,
		"outcome": p.Outcome,
		"bids":    toLevels(bids, p.Depth),
		"asks":    toLevels(asks, p.Depth),
	}, nil
}

func (s *JSONRPCServer) getBestQuote(params json.RawMessage, side ember.Side) (interface{}, error) {
	var p struct {
		Market  string `json:"market"`
		Outcome int    `json:"outcome"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	var best *ember.Order
	err := s.registry.Do(p.Market, func(e *ember.Engine) error {
		pair, err := e.Market().Pair(p.Outcome)
		if err != nil {
			return err
		}
		best = pair.Bids.BestOrder()
		if side == ember.Ask {
			best = pair.Asks.BestOrder()
		}
		return nil
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	if best == nil {
		return map[string]interface{}{"empty": true}, nil
	}

	return map[string]interface{}{
		"price": decimal.NewFromUint64(best.Price).String(),
		"size":  decimal.NewFromUint64(best.Size).String(),
	}, nil
}

func (s *JSONRPCServer) getTrades(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market string `json:"market"`
		Limit  int    `json:"limit"`
	}
	p.Limit = 100
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	var trades []ember.Trade
	err := s.registry.Do(p.Market, func(e *ember.Engine) error {
		trades = e.Trades()
		return nil
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	if p.Limit > 0 && len(trades) > p.Limit {
		trades = trades[len(trades)-p.Limit:]
	}

	return trades, nil
}

func (s *JSONRPCServer) getMarket(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market string `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	var info map[string]interface{}
	err := s.registry.Do(p.Market, func(e *ember.Engine) error {
		m := e.Market()
		info = map[string]interface{}{
			"id":                m.ID,
			"question":          m.Question,
			"condition":         m.ConditionID,
			"rewardsMultiplier": m.RewardsMultiplier,
			"endTime":           m.EndTime,
			"creator":           m.Creator,
			"resolved":          m.Resolved,
			"quoteAsset":        m.QuoteAsset,
			"outcomeAssets":     m.OutcomeAssets,
			"timestamp":         time.Now().Unix(),
		}
		return nil
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return info, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server and blocks until ctx ends.
func StartJSONRPCServer(ctx context.Context, port int, registry *ember.Registry, m *metrics.EmberMetrics, logger log.Logger) error {
	server := NewJSONRPCServer(registry, m, logger)

	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}
