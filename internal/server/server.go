// Package server exposes the engine over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/alanyoungcy/optionamm/internal/domain"
	"github.com/alanyoungcy/optionamm/internal/server/handler"
	"github.com/alanyoungcy/optionamm/internal/server/middleware"
	"github.com/alanyoungcy/optionamm/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	Auth        middleware.AuthConfig
	// RateLimit is requests per RateWindow per client IP. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
	// TrustedProxies are the peers allowed to report the client address.
	TrustedProxies []netip.Prefix
}

// Handlers aggregates the route handlers. Nil groups are not registered.
type Handlers struct {
	Health     *handler.HealthHandler
	Markets    *handler.MarketHandler
	Pool       *handler.PoolHandler
	Collateral *handler.CollateralHandler
	Speed      *handler.SpeedHandler
	Risk       *handler.RiskHandler
	Audit      *handler.AuditHandler
}

// Server is the HTTP and WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain:
// CORS, rate limit, auth, then request logging. limiter may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	Routes(mux, h, hub)

	var root http.Handler = mux
	root = middleware.Logging(logger)(root)
	root = middleware.Auth(cfg.Auth, logger)(root)
	if cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		root = middleware.RateLimit(limiter, middleware.RateConfig{
			Limit:          cfg.RateLimit,
			Window:         window,
			TrustedProxies: cfg.TrustedProxies,
		}, logger)(root)
	}
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      root,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes registers the API on mux.
func Routes(mux *http.ServeMux, h Handlers, hub *ws.Hub) {
	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	if m := h.Markets; m != nil {
		mux.HandleFunc("GET /api/markets", m.ListMarkets)
		mux.HandleFunc("POST /api/markets", m.CreateMarket)
		mux.HandleFunc("GET /api/markets/{id}", m.GetMarket)
		mux.HandleFunc("GET /api/markets/{id}/position", m.GetPosition)
		mux.HandleFunc("GET /api/markets/{id}/quote", m.GetQuote)
		mux.HandleFunc("GET /api/markets/{id}/trades", m.ListMarketTrades)
		mux.HandleFunc("POST /api/markets/{id}/buy", m.Buy)
		mux.HandleFunc("POST /api/markets/{id}/sell", m.Sell)
		mux.HandleFunc("POST /api/markets/{id}/resolve", m.Resolve)
		mux.HandleFunc("POST /api/markets/{id}/exercise", m.Exercise)
		mux.HandleFunc("GET /api/traders/{address}/trades", m.ListTraderTrades)
	}
	if p := h.Pool; p != nil {
		mux.HandleFunc("GET /api/pool", p.GetPool)
		mux.HandleFunc("POST /api/pool/start", p.Start)
		mux.HandleFunc("POST /api/pool/deposit", p.Deposit)
		mux.HandleFunc("POST /api/pool/withdraw", p.Withdraw)
		mux.HandleFunc("POST /api/pool/close", p.CloseRound)
		mux.HandleFunc("GET /api/pool/rounds/{index}", p.GetRound)
		mux.HandleFunc("GET /api/pool/results", p.ListResults)
		mux.HandleFunc("PUT /api/pool/whitelist", p.SetWhitelist)
	}
	if c := h.Collateral; c != nil {
		mux.HandleFunc("GET /api/collateral", c.List)
		mux.HandleFunc("PUT /api/collateral", c.SetCollateral)
		mux.HandleFunc("PUT /api/collateral/authorized", c.SetAuthorized)
		mux.HandleFunc("PUT /api/collateral/slippage", c.SetSlippage)
		mux.HandleFunc("GET /api/collateral/{token}/quote", c.Quote)
		mux.HandleFunc("POST /api/collateral/{token}/onramp", c.Onramp)
		mux.HandleFunc("POST /api/collateral/{token}/offramp", c.Offramp)
	}
	if s := h.Speed; s != nil {
		mux.HandleFunc("GET /api/speed", s.List)
		mux.HandleFunc("POST /api/speed", s.Create)
		mux.HandleFunc("GET /api/speed/{id}", s.Get)
		mux.HandleFunc("POST /api/speed/{id}/resolve", s.Resolve)
		mux.HandleFunc("POST /api/oracle/updates", s.PushUpdates)
		mux.HandleFunc("GET /api/oracle/prices/{asset}", s.LatestPrice)
	}
	if rk := h.Risk; rk != nil {
		mux.HandleFunc("GET /api/risk", rk.GetParams)
		mux.HandleFunc("PUT /api/risk/{setting}", rk.SetParam)
		mux.HandleFunc("GET /api/risk/changes", rk.ListChanges)
	}
	if a := h.Audit; a != nil {
		mux.HandleFunc("GET /api/audit", a.List)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
