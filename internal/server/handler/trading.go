package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/papertrader/internal/calc"
	"github.com/alanyoungcy/papertrader/internal/codec"
	"github.com/alanyoungcy/papertrader/internal/domain"
	"github.com/alanyoungcy/papertrader/internal/engine"
)

// TradingHandler serves order, position and account endpoints.
type TradingHandler struct {
	sessions Sessions
	prices   domain.PriceFeed
	logger   *slog.Logger
}

// NewTradingHandler creates a TradingHandler.
func NewTradingHandler(sessions Sessions, prices domain.PriceFeed, logger *slog.Logger) *TradingHandler {
	return &TradingHandler{sessions: sessions, prices: prices, logger: logger}
}

type accountResponse struct {
	Account  codec.Account `json:"account"`
	Equity   codec.Equity  `json:"equity"`
	Degraded bool          `json:"degraded"`
}

// GetAccount returns the balance and the equity projection.
// GET /api/account
func (h *TradingHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		Account:  codec.FromAccount(s.Engine.Account()),
		Equity:   codec.FromEquity(s.Engine.EquitySnapshot()),
		Degraded: s.Degraded(),
	})
}

type ordersResponse struct {
	Orders []codec.Order `json:"orders"`
}

// ListPositions returns the open positions.
// GET /api/positions
func (h *TradingHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ordersResponse{Orders: codec.FromOrders(s.Engine.Positions())})
}

// ListPending returns the orders waiting for their entry price.
// GET /api/orders/pending
func (h *TradingHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ordersResponse{Orders: codec.FromOrders(s.Engine.Pending())})
}

// ListHistory returns closed and cancelled records, most recent first.
// GET /api/history?limit=50&offset=0
func (h *TradingHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ordersResponse{
		Orders: codec.FromOrders(page(s.Engine.History(), parseListOpts(r))),
	})
}

// GetOrder returns one record in any state.
// GET /api/orders/{id}
func (h *TradingHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	o, err := s.Engine.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, codec.FromOrder(o))
}

type openRequest struct {
	ID         string   `json:"id"`
	Symbol     string   `json:"symbol"`
	Direction  string   `json:"direction"`
	Kind       string   `json:"kind"`
	TradeMode  string   `json:"trade_mode"`
	EntryPrice float64  `json:"entry_price"`
	LimitPrice *float64 `json:"limit_price"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
	Margin     float64  `json:"margin"`
	Leverage   int      `json:"leverage"`
}

func (req openRequest) spec(marketPrice float64) engine.OrderSpec {
	return engine.OrderSpec{
		ID:          strings.TrimSpace(req.ID),
		Symbol:      normaliseSymbol(req.Symbol),
		Direction:   domain.Direction(strings.ToUpper(req.Direction)),
		Kind:        domain.OrderKind(strings.ToUpper(req.Kind)),
		TradeMode:   strings.ToUpper(req.TradeMode),
		EntryPrice:  req.EntryPrice,
		LimitPrice:  req.LimitPrice,
		MarketPrice: marketPrice,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		Margin:      req.Margin,
		Leverage:    req.Leverage,
	}
}

// OpenOrder opens a new order at the current market snapshot.
// POST /api/orders
func (h *TradingHandler) OpenOrder(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "open order", err)
		return
	}
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	market, err := h.marketPrice(r.Context(), req.Symbol)
	if err != nil {
		writeDomainError(w, r, h.logger, "open order", err)
		return
	}

	o, err := s.Engine.Open(r.Context(), req.spec(market))
	if err != nil {
		writeDomainError(w, r, h.logger, "open order", err)
		return
	}
	writeJSON(w, http.StatusCreated, codec.FromOrder(o))
}

type quoteResponse struct {
	MarketPrice       float64          `json:"market_price"`
	EntryPrice        float64          `json:"entry_price"`
	PositionValue     float64          `json:"position_value"`
	Quantity          float64          `json:"quantity"`
	Margin            float64          `json:"margin"`
	Leverage          int              `json:"leverage"`
	MaintenanceRate   float64          `json:"maintenance_rate"`
	MaintenanceMargin float64          `json:"maintenance_margin"`
	LiquidationPrice  float64          `json:"liquidation_price"`
	TakerFee          float64          `json:"taker_fee"`
	MakerFee          float64          `json:"maker_fee"`
	OpensImmediately  bool             `json:"opens_immediately"`
	Affordable        bool             `json:"affordable"`
	RiskReward        *riskRewardValue `json:"risk_reward,omitempty"`
}

type riskRewardValue struct {
	Risk   float64 `json:"risk"`
	Reward float64 `json:"reward"`
	Ratio  float64 `json:"ratio"`
}

func fromRiskReward(rr *calc.RiskReward) *riskRewardValue {
	if rr == nil {
		return nil
	}
	return &riskRewardValue{Risk: rr.Risk, Reward: rr.Reward, Ratio: rr.Ratio}
}

// PreviewOrder quotes an order without opening it.
// POST /api/orders/preview
func (h *TradingHandler) PreviewOrder(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "preview order", err)
		return
	}
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	market, err := h.marketPrice(r.Context(), req.Symbol)
	if err != nil {
		writeDomainError(w, r, h.logger, "preview order", err)
		return
	}

	q, err := s.Engine.Preview(req.spec(market))
	if err != nil {
		writeDomainError(w, r, h.logger, "preview order", err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		MarketPrice:       market,
		EntryPrice:        q.EntryPrice,
		PositionValue:     q.PositionValue,
		Quantity:          q.Quantity,
		Margin:            q.Margin,
		Leverage:          q.Leverage,
		MaintenanceRate:   q.MaintenanceRate,
		MaintenanceMargin: q.MaintenanceMargin,
		LiquidationPrice:  q.LiquidationPrice,
		TakerFee:          q.TakerFee,
		MakerFee:          q.MakerFee,
		OpensImmediately:  q.OpensImmediately,
		Affordable:        q.Affordable,
		RiskReward:        fromRiskReward(q.RiskReward),
	})
}

// CancelOrder cancels a pending order and refunds its margin.
// DELETE /api/orders/{id}
func (h *TradingHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	o, err := s.Engine.CancelPending(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel order", err)
		return
	}
	s.Notify(r.Context(), domain.EventOrderCancelled, o)
	writeJSON(w, http.StatusOK, codec.FromOrder(o))
}

type closeRequest struct {
	// ExitPrice overrides the market price.
	ExitPrice *float64 `json:"exit_price"`
}

// ClosePosition closes an open position manually.
// POST /api/positions/{id}/close
func (h *TradingHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "close position", err)
		return
	}
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	id := r.PathValue("id")

	var exit float64
	if req.ExitPrice != nil {
		exit = *req.ExitPrice
	} else {
		current, err := s.Engine.Get(id)
		if err != nil {
			writeDomainError(w, r, h.logger, "close position", err)
			return
		}
		if exit, err = h.marketPrice(r.Context(), current.Symbol); err != nil {
			writeDomainError(w, r, h.logger, "close position", err)
			return
		}
	}

	o, err := s.Engine.Close(r.Context(), id, exit, domain.ExitReasonManual)
	if err != nil {
		writeDomainError(w, r, h.logger, "close position", err)
		return
	}
	s.Notify(r.Context(), domain.EventKindForExit(o.ExitReason), o)
	writeJSON(w, http.StatusOK, codec.FromOrder(o))
}

type editRequest struct {
	StopLoss        *float64 `json:"stop_loss"`
	TakeProfit      *float64 `json:"take_profit"`
	ClearStopLoss   bool     `json:"clear_stop_loss"`
	ClearTakeProfit bool     `json:"clear_take_profit"`
	Leverage        *int     `json:"leverage"`
	Margin          *float64 `json:"margin"`
}

// EditPosition changes the protective levels or the size of a position.
// PATCH /api/positions/{id}
func (h *TradingHandler) EditPosition(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "edit position", err)
		return
	}
	s, ok := resolve(w, r, h.sessions, h.logger)
	if !ok {
		return
	}
	o, err := s.Engine.Edit(r.Context(), r.PathValue("id"), engine.EditSpec{
		StopLoss:        req.StopLoss,
		TakeProfit:      req.TakeProfit,
		ClearStopLoss:   req.ClearStopLoss,
		ClearTakeProfit: req.ClearTakeProfit,
		Leverage:        req.Leverage,
		Margin:          req.Margin,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "edit position", err)
		return
	}
	writeJSON(w, http.StatusOK, codec.FromOrder(o))
}

func (h *TradingHandler) marketPrice(ctx context.Context, symbol string) (float64, error) {
	symbol = normaliseSymbol(symbol)
	if symbol == "" {
		return 0, fmt.Errorf("symbol is required: %w", domain.ErrInvalidInput)
	}
	prices, err := h.prices.GetPrices(ctx, []string{symbol})
	if err != nil {
		return 0, fmt.Errorf("price %s: %w: %w", symbol, errNoPrice, err)
	}
	p, ok := prices[symbol]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("price %s: %w", symbol, errNoPrice)
	}
	return p, nil
}
