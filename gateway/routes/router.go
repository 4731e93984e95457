package routes

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"blmnsale/gateway/middleware"
)

// Config assembles the gateway router. The single upstream is the settlement
// JSON-RPC endpoint; the gateway fronts it with CORS, JWT auth, rate limiting
// and request observability.
type Config struct {
	Upstream      *url.URL
	RequireAuth   bool
	RequiredScope string
	RateLimitKey  string
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

func New(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	proxy := NewProxy(cfg.Upstream, "/rpc")
	r.Route("/rpc", func(sr chi.Router) {
		if cfg.RateLimiter != nil && cfg.RateLimitKey != "" {
			sr.Use(cfg.RateLimiter.Middleware(cfg.RateLimitKey))
		}
		if cfg.Authenticator != nil && cfg.RequireAuth {
			scopes := []string{}
			if cfg.RequiredScope != "" {
				scopes = append(scopes, cfg.RequiredScope)
			}
			sr.Use(cfg.Authenticator.Middleware(scopes...))
		}
		if obs != nil {
			sr.Use(obs.Middleware("rpc"))
		}
		sr.Handle("/*", proxy)
		sr.Handle("/", proxy)
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r
}
