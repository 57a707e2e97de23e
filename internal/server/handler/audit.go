package handler

import (
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// AuditHandler serves the audit log to the owner.
type AuditHandler struct {
	store  domain.AuditStore
	owner  common.Address
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(store domain.AuditStore, owner common.Address, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{store: store, owner: owner, logger: logger}
}

// List returns audit entries, newest first. Owner only.
// GET /api/audit?event=trade_executed&key=0x..&limit=50
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	if caller != h.owner {
		writeDomainError(w, r, h.logger, "list audit", domain.Errorf(domain.ErrUnauthorized, "audit log is owner-only"))
		return
	}
	q := r.URL.Query()
	f := domain.AuditFilter{Event: q.Get("event"), Key: q.Get("key")}
	entries, err := h.store.List(r.Context(), f, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list audit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}
