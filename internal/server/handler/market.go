package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/amm"
	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Engine is the AMM as seen by the market endpoints.
type Engine interface {
	CreateMarket(ctx context.Context, asset string, strike domain.Amount, maturity time.Time, child string) (domain.Market, error)
	Market(id common.Hash) (domain.Market, error)
	Markets(activeOnly bool) []domain.Market
	Position(id common.Hash, owner common.Address) (domain.Position, error)
	Exposure(id common.Hash) (domain.Exposure, error)
	AvailableToBuy(id common.Hash, dir domain.Direction) (domain.Amount, error)
	AvailableToSell(id common.Hash, dir domain.Direction) (domain.Amount, error)
	BuyPriceImpact(id common.Hash, dir domain.Direction, amount domain.Amount) (domain.Amount, error)
	SellPriceImpact(id common.Hash, dir domain.Direction, amount domain.Amount) (domain.Amount, error)
	Quote(ctx context.Context, id common.Hash, dir domain.Direction, side domain.TradeSide, amount domain.Amount, collateral *common.Address) (domain.Quote, error)
	Buy(ctx context.Context, req amm.BuyRequest) (domain.Trade, error)
	Sell(ctx context.Context, req amm.SellRequest) (domain.Trade, error)
	ResolveMarket(ctx context.Context, id common.Hash) (domain.Market, error)
	Exercise(ctx context.Context, id common.Hash, owner common.Address) (domain.Amount, error)
}

// MarketHandler serves market, quote, trade and exercise endpoints. trades
// is the projected trade history and may be nil.
type MarketHandler struct {
	engine Engine
	trades domain.TradeStore
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(engine Engine, trades domain.TradeStore, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{engine: engine, trades: trades, logger: logger}
}

// ListMarkets returns engine markets, optionally only unresolved ones or one
// asset's.
// GET /api/markets?active=true&asset=ETH
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	markets := h.engine.Markets(q.Get("active") == "true")
	if asset := strings.TrimSpace(q.Get("asset")); asset != "" {
		kept := markets[:0]
		for _, m := range markets {
			if m.Asset == asset {
				kept = append(kept, m)
			}
		}
		markets = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": nonNil(markets)})
}

type createMarketRequest struct {
	Asset    string        `json:"asset"`
	Strike   domain.Amount `json:"strike"`
	Maturity time.Time     `json:"maturity"`
	Child    string        `json:"child"`
}

// CreateMarket opens a market.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "create market", err)
		return
	}
	mk, err := h.engine.CreateMarket(r.Context(), req.Asset, req.Strike, req.Maturity, req.Child)
	if err != nil {
		writeDomainError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, mk)
}

type sideLiquidity struct {
	Buy  domain.Amount `json:"buy"`
	Sell domain.Amount `json:"sell"`
}

type marketResponse struct {
	Market    domain.Market   `json:"market"`
	Exposure  domain.Exposure `json:"exposure"`
	Available struct {
		Up   sideLiquidity `json:"up"`
		Down sideLiquidity `json:"down"`
	} `json:"available"`
}

// GetMarket returns a market with its exposure and the liquidity left on
// each side. Resolved markets report zero availability.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	mk, err := h.engine.Market(id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	exp, err := h.engine.Exposure(id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	resp := marketResponse{Market: mk, Exposure: exp}
	if !mk.Resolved {
		resp.Available.Up = h.available(id, domain.DirectionUp)
		resp.Available.Down = h.available(id, domain.DirectionDown)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *MarketHandler) available(id common.Hash, d domain.Direction) sideLiquidity {
	var s sideLiquidity
	s.Buy, _ = h.engine.AvailableToBuy(id, d)
	s.Sell, _ = h.engine.AvailableToSell(id, d)
	return s
}

// GetPosition returns owner's tokens in a market.
// GET /api/markets/{id}/position?owner=0x...
func (h *MarketHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get position", err)
		return
	}
	owner, err := parseAddress(r.URL.Query().Get("owner"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get position", err)
		return
	}
	pos, err := h.engine.Position(id, owner)
	if err != nil {
		writeDomainError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

type quoteResponse struct {
	Quote  domain.Quote  `json:"quote"`
	Impact domain.Amount `json:"impact"`
}

// GetQuote prices a trade without executing it.
// GET /api/markets/{id}/quote?direction=up&side=buy&amount=10&collateral=0x...
func (h *MarketHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := parseHash(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}
	dir, err := domain.ParseDirection(q.Get("direction"))
	if err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}
	side := domain.TradeSide(q.Get("side"))
	if side != domain.SideBuy && side != domain.SideSell {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, "side must be buy or sell")
		return
	}
	amount, err := parseAmount("amount", q.Get("amount"))
	if err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}
	collateral, err := parseOptionalAddress(q.Get("collateral"))
	if err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}
	quote, err := h.engine.Quote(r.Context(), id, dir, side, amount, collateral)
	if err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}
	impact := h.engine.BuyPriceImpact
	if side == domain.SideSell {
		impact = h.engine.SellPriceImpact
	}
	imp, err := impact(id, dir, amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{Quote: quote, Impact: imp})
}

type tradeRequest struct {
	Direction domain.Direction `json:"direction"`
	Amount    domain.Amount    `json:"amount"`
	// Limit is the max cost of a buy or the min proceeds of a sell.
	Limit      domain.Amount   `json:"limit"`
	Collateral *common.Address `json:"collateral,omitempty"`
}

// Buy buys option tokens for the caller.
// POST /api/markets/{id}/buy
func (h *MarketHandler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, domain.SideBuy)
}

// Sell sells the caller's option tokens back to the AMM.
// POST /api/markets/{id}/sell
func (h *MarketHandler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, domain.SideSell)
}

func (h *MarketHandler) trade(w http.ResponseWriter, r *http.Request, side domain.TradeSide) {
	op := string(side)
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := parseHash(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	var req tradeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	var t domain.Trade
	if side == domain.SideBuy {
		t, err = h.engine.Buy(r.Context(), amm.BuyRequest{
			MarketID: id, Trader: caller, Direction: req.Direction,
			Amount: req.Amount, MaxCost: req.Limit, Collateral: req.Collateral,
		})
	} else {
		t, err = h.engine.Sell(r.Context(), amm.SellRequest{
			MarketID: id, Trader: caller, Direction: req.Direction,
			Amount: req.Amount, MinProceeds: req.Limit, Collateral: req.Collateral,
		})
	}
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Resolve settles a matured market at the current oracle price.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve", err)
		return
	}
	mk, err := h.engine.ResolveMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, mk)
}

// Exercise burns the caller's position in a resolved market.
// POST /api/markets/{id}/exercise
func (h *MarketHandler) Exercise(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := parseHash(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "exercise", err)
		return
	}
	payout, err := h.engine.Exercise(r.Context(), id, caller)
	if err != nil {
		writeDomainError(w, r, h.logger, "exercise", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]domain.Amount{"payout": payout})
}

// ListMarketTrades returns projected trades of one market.
// GET /api/markets/{id}/trades?limit=50&offset=0
func (h *MarketHandler) ListMarketTrades(w http.ResponseWriter, r *http.Request) {
	if h.trades == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "trade history not configured")
		return
	}
	id, err := parseHash(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "list trades", err)
		return
	}
	trades, err := h.trades.ListByMarket(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list trades", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": nonNil(trades)})
}

// ListTraderTrades returns projected trades of one trader.
// GET /api/traders/{address}/trades
func (h *MarketHandler) ListTraderTrades(w http.ResponseWriter, r *http.Request) {
	if h.trades == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "trade history not configured")
		return
	}
	trader, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeDomainError(w, r, h.logger, "list trades", err)
		return
	}
	trades, err := h.trades.ListByTrader(r.Context(), trader, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list trades", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": nonNil(trades)})
}
