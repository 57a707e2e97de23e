package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// RiskSettings is the risk manager as seen by the owner endpoints.
type RiskSettings interface {
	Params() domain.RiskParams
	Changes(since uint64) []domain.RiskChange
	SetDefaultCap(ctx context.Context, caller common.Address, c domain.Amount) error
	SetCategoryCap(ctx context.Context, caller common.Address, category string, c domain.Amount) error
	SetChildCategoryCap(ctx context.Context, caller common.Address, category, child string, c domain.Amount) error
	SetDynamicLiquidity(ctx context.Context, caller common.Address, category string, window time.Duration, floor domain.Amount) error
	SetMaxRiskPerAsset(ctx context.Context, caller common.Address, asset string, c domain.Amount) error
	SetMaxRiskPerAssetAndDirection(ctx context.Context, caller common.Address, asset string, d domain.Direction, c domain.Amount) error
	SetImpliedVolatility(ctx context.Context, caller common.Address, asset string, v domain.Amount) error
	SetPaused(ctx context.Context, caller common.Address, id common.Hash, paused bool) error
	SetSpeedMaxRisk(ctx context.Context, caller common.Address, asset string, c domain.Amount) error
	SetSpeedMaxRiskPerDirection(ctx context.Context, caller common.Address, asset string, d domain.Direction, c domain.Amount) error
}

// RiskHandler serves the risk configuration and its change log. changes is
// the projected change log and may be nil.
type RiskHandler struct {
	risk    RiskSettings
	changes domain.RiskChangeStore
	logger  *slog.Logger
}

// NewRiskHandler creates a RiskHandler.
func NewRiskHandler(risk RiskSettings, changes domain.RiskChangeStore, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{risk: risk, changes: changes, logger: logger}
}

// GetParams returns the current risk configuration.
// GET /api/risk
func (h *RiskHandler) GetParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.risk.Params())
}

type riskSettingRequest struct {
	Category  string           `json:"category"`
	Child     string           `json:"child"`
	Asset     string           `json:"asset"`
	Direction domain.Direction `json:"direction"`
	Market    common.Hash      `json:"market"`
	Value     domain.Amount    `json:"value"`
	Window    string           `json:"window"`
	Paused    bool             `json:"paused"`
}

// SetParam changes one risk setting. Owner only.
// PUT /api/risk/{setting}
func (h *RiskHandler) SetParam(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req riskSettingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "set risk", err)
		return
	}
	ctx := r.Context()
	var err error
	switch setting := r.PathValue("setting"); setting {
	case "default_cap":
		err = h.risk.SetDefaultCap(ctx, caller, req.Value)
	case "category_cap":
		err = h.risk.SetCategoryCap(ctx, caller, req.Category, req.Value)
	case "child_category_cap":
		err = h.risk.SetChildCategoryCap(ctx, caller, req.Category, req.Child, req.Value)
	case "dynamic_liquidity":
		window, perr := time.ParseDuration(req.Window)
		if perr != nil {
			err = domain.Errorf(domain.ErrInvalidInput, "window: %v", perr)
			break
		}
		err = h.risk.SetDynamicLiquidity(ctx, caller, req.Category, window, req.Value)
	case "max_risk_per_asset":
		err = h.risk.SetMaxRiskPerAsset(ctx, caller, req.Asset, req.Value)
	case "max_risk_per_asset_direction":
		err = h.risk.SetMaxRiskPerAssetAndDirection(ctx, caller, req.Asset, req.Direction, req.Value)
	case "implied_volatility":
		err = h.risk.SetImpliedVolatility(ctx, caller, req.Asset, req.Value)
	case "paused":
		err = h.risk.SetPaused(ctx, caller, req.Market, req.Paused)
	case "speed_max_risk":
		err = h.risk.SetSpeedMaxRisk(ctx, caller, req.Asset, req.Value)
	case "speed_max_risk_direction":
		err = h.risk.SetSpeedMaxRiskPerDirection(ctx, caller, req.Asset, req.Direction, req.Value)
	default:
		err = domain.Errorf(domain.ErrInvalidInput, "unknown risk setting %q", setting)
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "set risk", err)
		return
	}
	writeJSON(w, http.StatusOK, h.risk.Params())
}

// ListChanges returns the change log. With the read model configured it is
// paginated; otherwise ?since=<version> filters the in-memory log.
// GET /api/risk/changes?since=3
func (h *RiskHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	if h.changes != nil {
		changes, err := h.changes.List(r.Context(), parseListOpts(r))
		if err != nil {
			writeDomainError(w, r, h.logger, "list risk changes", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changes": nonNil(changes)})
		return
	}
	var since uint64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, "since must be a version number")
			return
		}
		since = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": nonNil(h.risk.Changes(since))})
}
