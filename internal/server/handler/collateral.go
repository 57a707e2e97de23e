package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// Ramp is the collateral ramp as seen by the collateral endpoints.
type Ramp interface {
	Collaterals() []domain.CollateralConfig
	MinimumNeeded(ctx context.Context, token common.Address, desiredBase domain.Amount) (domain.Amount, error)
	MinimumReceivedOnramp(ctx context.Context, token common.Address, amount domain.Amount) (domain.Amount, error)
	MinimumReceivedOfframp(ctx context.Context, token common.Address, baseAmount domain.Amount) (domain.Amount, error)
	Onramp(ctx context.Context, caller, account, token common.Address, amount domain.Amount) (domain.Amount, error)
	Offramp(ctx context.Context, caller, account, token common.Address, baseAmount domain.Amount) (domain.Amount, error)
	SetCollateral(ctx context.Context, caller common.Address, c domain.CollateralConfig) error
	SetAuthorized(ctx context.Context, caller, account common.Address, allowed bool) error
	SetSlippage(ctx context.Context, caller common.Address, s domain.Amount) error
}

// CollateralHandler serves collateral quotes, conversions and settings.
type CollateralHandler struct {
	ramp   Ramp
	logger *slog.Logger
}

// NewCollateralHandler creates a CollateralHandler.
func NewCollateralHandler(ramp Ramp, logger *slog.Logger) *CollateralHandler {
	return &CollateralHandler{ramp: ramp, logger: logger}
}

// List returns every configured collateral.
// GET /api/collateral
func (h *CollateralHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"collaterals": nonNil(h.ramp.Collaterals())})
}

// Quote returns a conversion bound for token. kind is needed (collateral
// required for a base amount), onramp or offramp (minimum received).
// GET /api/collateral/{token}/quote?kind=needed&amount=100
func (h *CollateralHandler) Quote(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddress(r.PathValue("token"))
	if err != nil {
		writeDomainError(w, r, h.logger, "collateral quote", err)
		return
	}
	q := r.URL.Query()
	amount, err := parseAmount("amount", q.Get("amount"))
	if err != nil {
		writeDomainError(w, r, h.logger, "collateral quote", err)
		return
	}
	var quote func(context.Context, common.Address, domain.Amount) (domain.Amount, error)
	switch kind := q.Get("kind"); kind {
	case "", "needed":
		quote = h.ramp.MinimumNeeded
	case "onramp":
		quote = h.ramp.MinimumReceivedOnramp
	case "offramp":
		quote = h.ramp.MinimumReceivedOfframp
	default:
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, "kind must be needed, onramp or offramp")
		return
	}
	out, err := quote(r.Context(), token, amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "collateral quote", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]domain.Amount{"amount": amount, "result": out})
}

type convertRequest struct {
	Amount domain.Amount `json:"amount"`
}

// Onramp converts the caller's token into base. The caller must be an
// authorized account.
// POST /api/collateral/{token}/onramp
func (h *CollateralHandler) Onramp(w http.ResponseWriter, r *http.Request) {
	h.convert(w, r, "onramp", h.ramp.Onramp)
}

// Offramp converts the caller's base into token.
// POST /api/collateral/{token}/offramp
func (h *CollateralHandler) Offramp(w http.ResponseWriter, r *http.Request) {
	h.convert(w, r, "offramp", h.ramp.Offramp)
}

func (h *CollateralHandler) convert(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, caller, account, token common.Address, amount domain.Amount) (domain.Amount, error)) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	token, err := parseAddress(r.PathValue("token"))
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	var req convertRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	out, err := fn(r.Context(), caller, caller, token, req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]domain.Amount{"in": req.Amount, "out": out})
}

type collateralRequest struct {
	Token      common.Address   `json:"token"`
	Symbol     string           `json:"symbol"`
	Decimals   uint8            `json:"decimals"`
	Route      domain.SwapRoute `json:"route"`
	Enabled    bool             `json:"enabled"`
	PriceAsset string           `json:"price_asset"`
}

// SetCollateral adds or updates a collateral. Owner only.
// PUT /api/collateral
func (h *CollateralHandler) SetCollateral(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req collateralRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "set collateral", err)
		return
	}
	c := domain.CollateralConfig(req)
	if err := h.ramp.SetCollateral(r.Context(), caller, c); err != nil {
		writeDomainError(w, r, h.logger, "set collateral", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type authorizeRequest struct {
	Account common.Address `json:"account"`
	Allowed bool           `json:"allowed"`
}

// SetAuthorized grants or revokes ramp access. Owner only.
// PUT /api/collateral/authorized
func (h *CollateralHandler) SetAuthorized(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req authorizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "set authorized", err)
		return
	}
	if err := h.ramp.SetAuthorized(r.Context(), caller, req.Account, req.Allowed); err != nil {
		writeDomainError(w, r, h.logger, "set authorized", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type slippageRequest struct {
	Slippage domain.Amount `json:"slippage"`
}

// SetSlippage changes the conversion tolerance. Owner only.
// PUT /api/collateral/slippage
func (h *CollateralHandler) SetSlippage(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req slippageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "set slippage", err)
		return
	}
	if err := h.ramp.SetSlippage(r.Context(), caller, req.Slippage); err != nil {
		writeDomainError(w, r, h.logger, "set slippage", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
