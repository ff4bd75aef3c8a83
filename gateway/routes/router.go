package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"taolend/gateway/config"
	"taolend/gateway/middleware"
)

// Scopes required by each route group.
const (
	ScopeRead  = "lend:read"
	ScopeWrite = "lend:write"
	ScopeAdmin = "lend:admin"
)

// NewRouter assembles the gateway's route table: health and metrics, the
// REST-to-RPC lending bridge, and a proxied websocket event stream.
func NewRouter(cfg *config.Config, logger *slog.Logger) (http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.AuthSecret(),
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  cfg.Auth.ClockSkew,
	}, logger)

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for name, limit := range cfg.RateLimits {
		limits[name] = middleware.RateLimit{
			RequestsPerMinute: limit.RequestsPerMinute,
			Burst:             limit.Burst,
		}
	}
	limiter := middleware.NewRateLimiter(limits)

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		Enabled:       cfg.Observability.Enabled,
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
	}, logger)

	bridge := NewLendBridge(cfg.Node.RPCURL, cfg.NodeToken(), cfg.Node.RequestTimeout, logger)
	proxy, err := NewNodeProxy(cfg.Node.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("build node proxy: %w", err)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.Node.RequestTimeout + 5*time.Second))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
	}))

	r.Get("/health", healthHandler)
	r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())

	r.Route("/v1/lend", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(obs.Middleware("lend-query"))
			r.Use(limiter.Middleware("lend"))
			r.Use(auth.Middleware(ScopeRead))
			r.Mount("/", bridge.QueryRoutes())
		})
		r.Group(func(r chi.Router) {
			r.Use(obs.Middleware("lend-tx"))
			r.Use(limiter.Middleware("lend"))
			r.Use(auth.Middleware(ScopeWrite))
			r.Mount("/tx", bridge.TxRoutes())
		})
		r.Group(func(r chi.Router) {
			r.Use(obs.Middleware("lend-admin"))
			r.Use(limiter.Middleware("lend-admin"))
			r.Use(auth.Middleware(ScopeAdmin))
			r.Mount("/admin", bridge.AdminRoutes())
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware("lend"))
		r.Use(auth.Middleware(ScopeRead))
		r.Handle("/ws/events", proxy)
	})

	return r, nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}
