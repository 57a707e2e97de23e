package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionamm/internal/crypto"
)

type callerKey struct{}

// Caller returns the authenticated account of the request, if any.
func Caller(ctx context.Context) (common.Address, bool) {
	a, ok := ctx.Value(callerKey{}).(common.Address)
	return a, ok
}

// WithCaller returns ctx carrying account as the request caller.
func WithCaller(ctx context.Context, account common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, account)
}

// AuthConfig configures request signing.
type AuthConfig struct {
	// Secrets maps account addresses to their HMAC secrets. A request naming
	// an account without a secret is rejected.
	Secrets map[common.Address]string
	// TrustHeader accepts the account header without a signature when no
	// secrets are configured. Local development only.
	TrustHeader bool
	// Skew bounds the age of the signed timestamp.
	Skew time.Duration
	Now  func() time.Time
}

// Auth authenticates requests that carry the X-AMM-Account header and stores
// the account in the request context. Requests without the header pass
// through anonymously; handlers that need a caller reject them.
func Auth(cfg AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.Skew <= 0 {
		cfg.Skew = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(crypto.HeaderAccount))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !common.IsHexAddress(raw) {
				writeUnauthorized(w, "malformed account")
				return
			}
			account := common.HexToAddress(raw)

			if cfg.TrustHeader && len(cfg.Secrets) == 0 {
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), account)))
				return
			}
			secret, ok := cfg.Secrets[account]
			if !ok {
				writeUnauthorized(w, "unknown account")
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				writeUnauthorized(w, "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			err = crypto.Verify(secret,
				r.Header.Get(crypto.HeaderTimestamp), r.Method, r.URL.RequestURI(), string(body),
				r.Header.Get(crypto.HeaderSignature), cfg.Now(), cfg.Skew)
			if err != nil {
				logger.WarnContext(r.Context(), "middleware: auth rejected",
					slog.String("account", account.Hex()),
					slog.String("error", err.Error()),
				)
				writeUnauthorized(w, "invalid signature")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), account)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `","code":"unauthorized"}`))
}
