package app

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/steward-auth/steward/internal/observability"
	"github.com/steward-auth/steward/internal/platform/httpx"
	"github.com/steward-auth/steward/internal/shared"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack builds the default middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMW := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		ReferrerPolicy:     "no-referrer",
		IsDevelopment:      !cfg.Config.IsProduction(),
	})

	stack := []func(http.Handler) http.Handler{
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.Config.AppRequestTimeout),
		secureMW.Handler,
		httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
	if cfg.Metrics != nil {
		stack = append(stack, cfg.Metrics.Middleware)
	}
	return stack
}

// RequireToken guards the admin API with a constant-time bearer token check.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid api token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorHeader is set by admin callers acting on behalf of an account, so
// assignments record who granted them.
const ActorHeader = "X-Acting-Account"

// ActorContext lifts the acting account ID from the request header into the
// request context. An absent or malformed header means a system action.
func ActorContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get(ActorHeader); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				r = r.WithContext(shared.ContextWithActor(r.Context(), id))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// MutationRateLimit throttles state-changing requests harder than reads.
func MutationRateLimit() func(http.Handler) http.Handler {
	limit := httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	return func(next http.Handler) http.Handler {
		limited := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}
