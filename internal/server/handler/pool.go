package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// LiquidityPool is the pool as seen by the pool endpoints.
type LiquidityPool interface {
	State() domain.PoolState
	CurrentRound() (domain.Round, error)
	Round(index uint64) (domain.Round, error)
	RoundResults() []domain.RoundResult
	Balances(depositor common.Address) (current, next domain.Amount)
	CanCloseRound() bool
	Start(ctx context.Context, caller common.Address) (domain.Round, error)
	Deposit(ctx context.Context, depositor common.Address, amount domain.Amount) (domain.Deposit, error)
	RequestWithdrawal(ctx context.Context, depositor common.Address, amount domain.Amount, full bool) (domain.WithdrawalRequest, error)
	CloseRound(ctx context.Context) (domain.RoundResult, error)
	SetWhitelisted(ctx context.Context, caller common.Address, depositors []common.Address, allowed bool) error
}

// PoolHandler serves liquidity pool endpoints. rounds is the projected round
// history and may be nil.
type PoolHandler struct {
	pool   LiquidityPool
	rounds domain.RoundStore
	logger *slog.Logger
}

// NewPoolHandler creates a PoolHandler.
func NewPoolHandler(pool LiquidityPool, rounds domain.RoundStore, logger *slog.Logger) *PoolHandler {
	return &PoolHandler{pool: pool, rounds: rounds, logger: logger}
}

type poolResponse struct {
	State        domain.PoolState `json:"state"`
	CurrentRound *domain.Round    `json:"current_round,omitempty"`
	CanClose     bool             `json:"can_close"`
	Balances     *poolBalances    `json:"balances,omitempty"`
}

type poolBalances struct {
	Current domain.Amount `json:"current"`
	Next    domain.Amount `json:"next"`
}

// GetPool reports the pool state and, with ?depositor=, that depositor's
// balances.
// GET /api/pool
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	resp := poolResponse{State: h.pool.State(), CanClose: h.pool.CanCloseRound()}
	if round, err := h.pool.CurrentRound(); err == nil {
		resp.CurrentRound = &round
	}
	if s := r.URL.Query().Get("depositor"); s != "" {
		d, err := parseAddress(s)
		if err != nil {
			writeDomainError(w, r, h.logger, "get pool", err)
			return
		}
		cur, next := h.pool.Balances(d)
		resp.Balances = &poolBalances{Current: cur, Next: next}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Start opens the first round.
// POST /api/pool/start
func (h *PoolHandler) Start(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	round, err := h.pool.Start(r.Context(), caller)
	if err != nil {
		writeDomainError(w, r, h.logger, "start pool", err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

type depositRequest struct {
	Amount domain.Amount `json:"amount"`
}

// Deposit queues the caller's capital for the next round.
// POST /api/pool/deposit
func (h *PoolHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "deposit", err)
		return
	}
	dep, err := h.pool.Deposit(r.Context(), caller, req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

type withdrawRequest struct {
	Amount domain.Amount `json:"amount"`
	Full   bool          `json:"full"`
}

// Withdraw queues a withdrawal processed when the current round closes.
// POST /api/pool/withdraw
func (h *PoolHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "withdraw", err)
		return
	}
	wr, err := h.pool.RequestWithdrawal(r.Context(), caller, req.Amount, req.Full)
	if err != nil {
		writeDomainError(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// CloseRound closes the current round once it has ended.
// POST /api/pool/close
func (h *PoolHandler) CloseRound(w http.ResponseWriter, r *http.Request) {
	res, err := h.pool.CloseRound(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "close round", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetRound returns one round.
// GET /api/pool/rounds/{index}
func (h *PoolHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	idx, err := parseUint("round", r.PathValue("index"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get round", err)
		return
	}
	round, err := h.pool.Round(idx)
	if err != nil && h.rounds != nil {
		round, err = h.rounds.GetRound(r.Context(), idx)
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "get round", err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

// ListResults returns closed round results, from the read model when it is
// configured.
// GET /api/pool/results?limit=50&offset=0
func (h *PoolHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	if h.rounds == nil {
		writeJSON(w, http.StatusOK, map[string]any{"results": nonNil(h.pool.RoundResults())})
		return
	}
	res, err := h.rounds.ListResults(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list results", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": nonNil(res)})
}

type whitelistRequest struct {
	Depositors []common.Address `json:"depositors"`
	Allowed    bool             `json:"allowed"`
}

// SetWhitelist adds or removes depositors from the whitelist. Owner only.
// PUT /api/pool/whitelist
func (h *PoolHandler) SetWhitelist(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req whitelistRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "set whitelist", err)
		return
	}
	if err := h.pool.SetWhitelisted(r.Context(), caller, req.Depositors, req.Allowed); err != nil {
		writeDomainError(w, r, h.logger, "set whitelist", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
