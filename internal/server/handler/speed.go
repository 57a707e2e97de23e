package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/speed"
)

// SpeedResolver is the speed market resolver as seen by the endpoints.
type SpeedResolver interface {
	Create(ctx context.Context, req speed.CreateRequest) (domain.SpeedMarket, error)
	Get(id string) (domain.SpeedMarket, error)
	ListActive() []domain.SpeedMarket
	ListByUser(user common.Address) []domain.SpeedMarket
	Resolve(ctx context.Context, caller common.Address, id string, updates []domain.PriceUpdate) (domain.SpeedMarket, error)
	ResolveManually(ctx context.Context, caller common.Address, id string, final domain.Amount) (domain.SpeedMarket, error)
}

// PriceOracle is the push oracle as seen by the endpoints.
type PriceOracle interface {
	GetUpdateFee(updates []domain.PriceUpdate) (domain.Amount, error)
	UpdatePriceFeeds(ctx context.Context, payer common.Address, updates []domain.PriceUpdate) error
	LatestPrice(asset string, maxAge time.Duration) (domain.PriceUpdate, error)
}

// SpeedHandler serves speed market and price update endpoints.
type SpeedHandler struct {
	resolver SpeedResolver
	oracle   PriceOracle
	maxAge   time.Duration
	logger   *slog.Logger
}

// NewSpeedHandler creates a SpeedHandler. maxAge bounds prices returned by
// the latest-price endpoint.
func NewSpeedHandler(resolver SpeedResolver, oracle PriceOracle, maxAge time.Duration, logger *slog.Logger) *SpeedHandler {
	return &SpeedHandler{resolver: resolver, oracle: oracle, maxAge: maxAge, logger: logger}
}

// priceUpdate is the wire form of a signed price update.
type priceUpdate struct {
	Asset       string        `json:"asset"`
	Price       domain.Amount `json:"price"`
	PublishTime time.Time     `json:"publish_time"`
	Signature   hexutil.Bytes `json:"signature"`
}

func toUpdates(in []priceUpdate) []domain.PriceUpdate {
	out := make([]domain.PriceUpdate, len(in))
	for i, u := range in {
		out[i] = domain.PriceUpdate{Asset: u.Asset, Price: u.Price, PublishTime: u.PublishTime, Signature: u.Signature}
	}
	return out
}

type createSpeedRequest struct {
	Asset     string           `json:"asset"`
	Direction domain.Direction `json:"direction"`
	// Delta is the time to strike, e.g. "5m".
	Delta   string        `json:"delta"`
	BuyIn   domain.Amount `json:"buy_in"`
	Updates []priceUpdate `json:"updates,omitempty"`
}

// Create opens a speed market for the caller.
// POST /api/speed
func (h *SpeedHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req createSpeedRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "create speed market", err)
		return
	}
	delta, err := time.ParseDuration(req.Delta)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, "delta: "+err.Error())
		return
	}
	m, err := h.resolver.Create(r.Context(), speed.CreateRequest{
		User:      caller,
		Asset:     req.Asset,
		Direction: req.Direction,
		Delta:     delta,
		BuyIn:     req.BuyIn,
		Updates:   toUpdates(req.Updates),
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "create speed market", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// List returns open speed markets, or every market of ?user=.
// GET /api/speed?user=0x...
func (h *SpeedHandler) List(w http.ResponseWriter, r *http.Request) {
	var markets []domain.SpeedMarket
	if s := r.URL.Query().Get("user"); s != "" {
		user, err := parseAddress(s)
		if err != nil {
			writeDomainError(w, r, h.logger, "list speed markets", err)
			return
		}
		markets = h.resolver.ListByUser(user)
	} else {
		markets = h.resolver.ListActive()
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": nonNil(markets)})
}

// Get returns one speed market.
// GET /api/speed/{id}
func (h *SpeedHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.resolver.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get speed market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type resolveSpeedRequest struct {
	Updates []priceUpdate `json:"updates"`
	// FinalPrice resolves manually when set. Owner only.
	FinalPrice *domain.Amount `json:"final_price,omitempty"`
}

// Resolve settles a speed market with signed updates, or manually with a
// final price.
// POST /api/speed/{id}/resolve
func (h *SpeedHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req resolveSpeedRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "resolve speed market", err)
		return
	}
	id := r.PathValue("id")
	var (
		m   domain.SpeedMarket
		err error
	)
	if req.FinalPrice != nil {
		m, err = h.resolver.ResolveManually(r.Context(), caller, id, *req.FinalPrice)
	} else {
		m, err = h.resolver.Resolve(r.Context(), caller, id, toUpdates(req.Updates))
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve speed market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type updatesRequest struct {
	Updates []priceUpdate `json:"updates"`
}

// PushUpdates stores signed price updates; the caller pays the update fee.
// POST /api/oracle/updates
func (h *SpeedHandler) PushUpdates(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req updatesRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "push updates", err)
		return
	}
	updates := toUpdates(req.Updates)
	fee, err := h.oracle.GetUpdateFee(updates)
	if err != nil {
		writeDomainError(w, r, h.logger, "push updates", err)
		return
	}
	if err := h.oracle.UpdatePriceFeeds(r.Context(), caller, updates); err != nil {
		writeDomainError(w, r, h.logger, "push updates", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(updates), "fee": fee})
}

// LatestPrice returns the newest pushed price of an asset.
// GET /api/oracle/prices/{asset}
func (h *SpeedHandler) LatestPrice(w http.ResponseWriter, r *http.Request) {
	u, err := h.oracle.LatestPrice(r.PathValue("asset"), h.maxAge)
	if err != nil {
		writeDomainError(w, r, h.logger, "latest price", err)
		return
	}
	writeJSON(w, http.StatusOK, priceUpdate{Asset: u.Asset, Price: u.Price, PublishTime: u.PublishTime, Signature: u.Signature})
}
