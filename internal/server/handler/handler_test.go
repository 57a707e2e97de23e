package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionamm/internal/amm"
	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/server/middleware"
)

var (
	alice = common.HexToAddress("0xa11ce")
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeEngine serves one market and records trade requests.
type fakeEngine struct {
	market domain.Market
	buys   []amm.BuyRequest
	err    error
}

func (f *fakeEngine) lookup(id common.Hash) (domain.Market, error) {
	if id != f.market.ID {
		return domain.Market{}, domain.Errorf(domain.ErrNotFound, "amm: market %s", id.Hex())
	}
	return f.market, nil
}

func (f *fakeEngine) CreateMarket(_ context.Context, asset string, strike domain.Amount, maturity time.Time, _ string) (domain.Market, error) {
	if f.err != nil {
		return domain.Market{}, f.err
	}
	return domain.Market{ID: domain.MarketID(asset, strike, maturity), Asset: asset, Strike: strike, Maturity: maturity}, nil
}

func (f *fakeEngine) Market(id common.Hash) (domain.Market, error) { return f.lookup(id) }
func (f *fakeEngine) Markets(bool) []domain.Market                 { return []domain.Market{f.market} }

func (f *fakeEngine) Position(id common.Hash, owner common.Address) (domain.Position, error) {
	return domain.Position{MarketID: id, Owner: owner, Up: domain.NewAmount(3)}, nil
}

func (f *fakeEngine) Exposure(id common.Hash) (domain.Exposure, error) {
	if _, err := f.lookup(id); err != nil {
		return domain.Exposure{}, err
	}
	return domain.Exposure{Up: domain.NewAmount(3)}, nil
}

func (f *fakeEngine) AvailableToBuy(common.Hash, domain.Direction) (domain.Amount, error) {
	return domain.NewAmount(100), nil
}

func (f *fakeEngine) AvailableToSell(common.Hash, domain.Direction) (domain.Amount, error) {
	return domain.NewAmount(3), nil
}

func (f *fakeEngine) BuyPriceImpact(common.Hash, domain.Direction, domain.Amount) (domain.Amount, error) {
	return domain.MustAmount("0.01"), nil
}

func (f *fakeEngine) SellPriceImpact(common.Hash, domain.Direction, domain.Amount) (domain.Amount, error) {
	return domain.MustAmount("0.02"), nil
}

func (f *fakeEngine) Quote(_ context.Context, id common.Hash, dir domain.Direction, side domain.TradeSide, amount domain.Amount, _ *common.Address) (domain.Quote, error) {
	if _, err := f.lookup(id); err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{MarketID: id, Direction: dir, Side: side, Amount: amount, Total: domain.MustAmount("5.5")}, nil
}

func (f *fakeEngine) Buy(_ context.Context, req amm.BuyRequest) (domain.Trade, error) {
	f.buys = append(f.buys, req)
	if f.err != nil {
		return domain.Trade{}, f.err
	}
	return domain.Trade{ID: "t1", MarketID: req.MarketID, Trader: req.Trader, Amount: req.Amount, Side: domain.SideBuy}, nil
}

func (f *fakeEngine) Sell(context.Context, amm.SellRequest) (domain.Trade, error) {
	return domain.Trade{}, f.err
}

func (f *fakeEngine) ResolveMarket(_ context.Context, id common.Hash) (domain.Market, error) {
	return f.lookup(id)
}

func (f *fakeEngine) Exercise(context.Context, common.Hash, common.Address) (domain.Amount, error) {
	return domain.NewAmount(3), f.err
}

func newMarketMux(engine Engine) *http.ServeMux {
	h := NewMarketHandler(engine, nil, discard())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/markets", h.ListMarkets)
	mux.HandleFunc("POST /api/markets", h.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", h.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/quote", h.GetQuote)
	mux.HandleFunc("GET /api/markets/{id}/trades", h.ListMarketTrades)
	mux.HandleFunc("POST /api/markets/{id}/buy", h.Buy)
	mux.HandleFunc("POST /api/markets/{id}/exercise", h.Exercise)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string, caller *common.Address) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	if caller != nil {
		r = r.WithContext(middleware.WithCaller(r.Context(), *caller))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func testMarket() domain.Market {
	strike := domain.NewAmount(2000)
	maturity := t0.Add(24 * time.Hour)
	return domain.Market{ID: domain.MarketID("ETH", strike, maturity), Asset: "ETH", Strike: strike, Maturity: maturity}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Errorf(domain.ErrCapExceeded, "x"), http.StatusBadRequest},
		{domain.Errorf(domain.ErrUnauthorized, "x"), http.StatusForbidden},
		{domain.Errorf(domain.ErrNotFound, "x"), http.StatusNotFound},
		{domain.Errorf(domain.ErrAlreadyResolved, "x"), http.StatusConflict},
		{domain.ErrSlippageExceeded, http.StatusPreconditionFailed},
		{domain.ErrOverflow, http.StatusUnprocessableEntity},
		{domain.Errorf(domain.ErrPriceUnavailable, "x"), http.StatusServiceUnavailable},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}

func TestGetMarket(t *testing.T) {
	engine := &fakeEngine{market: testMarket()}
	mux := newMarketMux(engine)

	rec, body := do(t, mux, "GET", "/api/markets/"+engine.market.ID.Hex(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	avail := body["available"].(map[string]any)["up"].(map[string]any)
	assert.Equal(t, "100", avail["buy"])
	assert.Equal(t, "3", avail["sell"])

	rec, body = do(t, mux, "GET", "/api/markets/0x1234", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", body["code"])

	rec, body = do(t, mux, "GET", "/api/markets/"+common.HexToHash("0xff").Hex(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["code"])
}

func TestGetQuote(t *testing.T) {
	engine := &fakeEngine{market: testMarket()}
	mux := newMarketMux(engine)
	base := "/api/markets/" + engine.market.ID.Hex() + "/quote"

	rec, body := do(t, mux, "GET", base+"?direction=up&side=sell&amount=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.02", body["impact"])
	assert.Equal(t, "5.5", body["quote"].(map[string]any)["Total"])

	rec, _ = do(t, mux, "GET", base+"?direction=sideways&side=buy&amount=2", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, mux, "GET", base+"?direction=up&side=hold&amount=2", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, mux, "GET", base+"?direction=up&side=buy&amount=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuyRequiresCaller(t *testing.T) {
	engine := &fakeEngine{market: testMarket()}
	mux := newMarketMux(engine)
	path := "/api/markets/" + engine.market.ID.Hex() + "/buy"
	body := `{"direction":"up","amount":"10","limit":"6"}`

	rec, _ := do(t, mux, "POST", path, body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, engine.buys)

	rec, out := do(t, mux, "POST", path, body, &alice)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, engine.buys, 1)
	assert.Equal(t, alice, engine.buys[0].Trader)
	assert.True(t, engine.buys[0].MaxCost.Eq(domain.NewAmount(6)))
	assert.Equal(t, "t1", out["ID"])
}

func TestBuyReportsDomainErrors(t *testing.T) {
	engine := &fakeEngine{market: testMarket(), err: domain.Errorf(domain.ErrSlippageExceeded, "amm: cost 6.1 above 6")}
	mux := newMarketMux(engine)
	path := "/api/markets/" + engine.market.ID.Hex() + "/buy"

	rec, out := do(t, mux, "POST", path, `{"direction":"up","amount":"10","limit":"6"}`, &alice)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "slippage_exceeded", out["code"])

	rec, out = do(t, mux, "POST", path, `{"direction":"up","amount":"10","bogus":1}`, &alice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", out["code"])

	engine.err = errors.New("ledger offline")
	rec, out = do(t, mux, "POST", path, `{"direction":"up","amount":"10","limit":"6"}`, &alice)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", out["error"])
}

func TestCreateMarketAndTradesUnavailable(t *testing.T) {
	engine := &fakeEngine{market: testMarket()}
	mux := newMarketMux(engine)

	rec, out := do(t, mux, "POST", "/api/markets", `{"asset":"BTC","strike":"60000","maturity":"2026-03-02T12:00:00Z"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "BTC", out["Asset"])
	assert.Equal(t, "60000", out["Strike"])

	rec, _ = do(t, mux, "GET", "/api/markets/"+engine.market.ID.Hex()+"/trades", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeRisk struct {
	RiskSettings
	params  domain.RiskParams
	changes []domain.RiskChange
}

func (f *fakeRisk) Params() domain.RiskParams { return f.params }

func (f *fakeRisk) Changes(since uint64) []domain.RiskChange {
	var out []domain.RiskChange
	for _, c := range f.changes {
		if c.Version > since {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRisk) SetDefaultCap(_ context.Context, caller common.Address, c domain.Amount) error {
	if caller != alice {
		return domain.Errorf(domain.ErrUnauthorized, "risk: %s is not the owner", caller.Hex())
	}
	f.params.DefaultCap = c
	f.params.Version++
	f.changes = append(f.changes, domain.RiskChange{Version: f.params.Version, Setting: "default_cap", NewValue: c.String()})
	return nil
}

func TestRiskEndpoints(t *testing.T) {
	risk := &fakeRisk{}
	h := NewRiskHandler(risk, nil, discard())
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/risk/{setting}", h.SetParam)
	mux.HandleFunc("GET /api/risk/changes", h.ListChanges)

	rec, out := do(t, mux, "PUT", "/api/risk/default_cap", `{"value":"5000"}`, &alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5000", out["DefaultCap"])

	bob := common.HexToAddress("0xb0b")
	rec, out = do(t, mux, "PUT", "/api/risk/default_cap", `{"value":"1"}`, &bob)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized", out["code"])

	rec, _ = do(t, mux, "PUT", "/api/risk/everything", `{}`, &alice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = do(t, mux, "GET", "/api/risk/changes?since=0", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["changes"], 1)
	_, out = do(t, mux, "GET", "/api/risk/changes?since=1", "", nil)
	assert.Empty(t, out["changes"])
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler("dev", map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("dial tcp: refused") },
	}, discard())

	rec, out := do(t, http.HandlerFunc(h.HealthCheck), "GET", "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", out["status"])
	checks := out["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["postgres"])
	assert.Equal(t, "dial tcp: refused", checks["redis"])
}

func TestParseListOpts(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?limit=900&offset=5&since=2026-03-01T00:00:00Z", nil)
	opts := parseListOpts(r)
	assert.Equal(t, 500, opts.Limit)
	assert.Equal(t, 5, opts.Offset)
	require.NotNil(t, opts.Since)
	assert.Nil(t, opts.Until)
}

type fakeAudit struct {
	filter  domain.AuditFilter
	entries []domain.AuditEntry
}

func (f *fakeAudit) Log(context.Context, domain.AuditEntry) error { return nil }

func (f *fakeAudit) List(_ context.Context, filter domain.AuditFilter, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	f.filter = filter
	return f.entries, nil
}

func TestAuditIsOwnerOnly(t *testing.T) {
	store := &fakeAudit{entries: []domain.AuditEntry{{ID: 1, EventID: "e1", Event: "deposit", Key: "2"}}}
	h := NewAuditHandler(store, alice, discard())
	list := http.HandlerFunc(h.List)

	rec, _ := do(t, list, "GET", "/api/audit", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	bob := common.HexToAddress("0xb0b")
	rec, _ = do(t, list, "GET", "/api/audit", "", &bob)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, out := do(t, list, "GET", "/api/audit?event=deposit&key=2", "", &alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.AuditFilter{Event: "deposit", Key: "2"}, store.filter)
	assert.Len(t, out["entries"], 1)
}
