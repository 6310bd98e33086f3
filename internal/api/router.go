// Package api exposes the hub over HTTP: submission endpoints for
// collectors and processors, an RPC envelope for the query surface, a
// statistics websocket and the RSS rendering of the recommendation board.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"intelligence-hub/internal/config"
	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/hub"
	"intelligence-hub/internal/logging"
	"intelligence-hub/internal/vectorstore"
	"intelligence-hub/pkg/types"
)

// requestTimeout bounds every route except the websocket upgrade.
const requestTimeout = 30 * time.Second

// maxRequestBytes caps request bodies across the router.
const maxRequestBytes = 10 * 1024 * 1024

// HubService is the slice of the hub the HTTP layer drives. *hub.Hub
// satisfies it; tests substitute a recording fake.
type HubService interface {
	SubmitCollectedData(ctx context.Context, doc types.Document) error
	SubmitProcessedData(ctx context.Context, doc types.Document) error
	Statistics() types.Statistics
	Summary(ctx context.Context) (*hub.SummaryReport, error)
	Get(ctx context.Context, id, db string) (types.Document, error)
	GetMany(ctx context.Context, ids []string, db string) ([]types.Document, error)
	Query(ctx context.Context, q hub.QueryFilter) ([]types.Document, int64, error)
	VectorSearch(ctx context.Context, text string, inSummary, inFullText bool, topN int, scoreThreshold float64) ([]vectorstore.SearchResult, error)
	Recommendations(ctx context.Context) ([]types.Document, error)
	SubmitManualRating(ctx context.Context, id string, rating int) error
	ExecuteTask(id string) error
}

// Options wires the router's collaborators.
type Options struct {
	Config *config.Config
	Logger logging.Logger
	Hub    HubService
	// OpenAPI returns the serialized document served at /openapi.json.
	// Nil disables the route with a 404.
	OpenAPI func() ([]byte, error)
	// Limiter throttles all API routes when set.
	Limiter Limiter
}

// Router is the hub's HTTP front. Build one with New and mount
// Handler() on an http.Server.
type Router struct {
	cfg     *config.Config
	logger  logging.Logger
	hub     HubService
	openAPI func() ([]byte, error)
	limiter Limiter
	mux     *chi.Mux
	started time.Time

	collectorGuard *tokenGuard
	processorGuard *tokenGuard
	rpcGuard       *tokenGuard
}

// New builds the router with the full middleware stack and all routes
// registered.
func New(opts Options) (*Router, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("api: config is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("api: hub is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	r := &Router{
		cfg:     opts.Config,
		logger:  logger.WithComponent("api"),
		hub:     opts.Hub,
		openAPI: opts.OpenAPI,
		limiter: opts.Limiter,
		mux:     chi.NewRouter(),
		started: time.Now(),

		collectorGuard: newTokenGuard("collector", opts.Config.Web.Collector.Tokens),
		processorGuard: newTokenGuard("processor", opts.Config.Web.Processor.Tokens),
		rpcGuard:       newTokenGuard("rpc", opts.Config.Web.RPCAPI.Tokens),
	}

	r.setupMiddleware()
	r.setupRoutes()
	return r, nil
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.mux
}

func (r *Router) setupMiddleware() {
	// Recovery first so every later panic becomes a 500.
	r.mux.Use(chimiddleware.Recoverer)

	// Timeouts would kill long-lived websocket connections.
	r.mux.Use(r.timeoutMiddleware(requestTimeout))

	r.mux.Use(r.requestLogger)
	r.mux.Use(corsMiddleware)

	if r.limiter != nil {
		r.mux.Use(r.rateLimitMiddleware)
	}

	r.mux.Use(chimiddleware.RequestSize(maxRequestBytes))

	// Load balancer liveness probe.
	r.mux.Use(chimiddleware.Heartbeat("/ping"))
}

// timeoutMiddleware applies the request timeout to everything except
// the websocket endpoints.
func (r *Router) timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.HasPrefix(req.URL.Path, "/ws") {
				next.ServeHTTP(w, req)
				return
			}
			chimiddleware.Timeout(d)(next).ServeHTTP(w, req)
		})
	}
}

// requestLogger stamps every request with an X-Request-ID, carries it
// through the context as the trace id, and logs completions. Slow
// requests and error statuses get their own levels; probe paths are
// not logged at all.
func (r *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requestID := req.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := logging.WithTraceID(req.Context(), requestID)

		if req.URL.Path == "/ping" || req.URL.Path == "/health" {
			next.ServeHTTP(w, req.WithContext(ctx))
			return
		}

		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req.WithContext(ctx))

		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", ww.Status(),
			"duration_ms", duration.Milliseconds(),
			"remote", clientIP(req),
		}
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			r.logger.ErrorContext(ctx, "Request failed", fields...)
		case ww.Status() >= http.StatusBadRequest:
			r.logger.WarnContext(ctx, "Request rejected", fields...)
		case duration > time.Second:
			r.logger.WarnContext(ctx, "Slow request", fields...)
		default:
			r.logger.DebugContext(ctx, "Request completed", fields...)
		}
	})
}

// corsMiddleware answers preflights and stamps the usual headers. The
// hub API is token-guarded, so origins are not restricted.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Access-Token, X-Request-ID")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining")

		if req.Method == http.MethodOptions {
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Router) setupRoutes() {
	r.mux.Route("/api", func(api chi.Router) {
		api.Group(func(g chi.Router) {
			g.Use(r.collectorGuard.middleware)
			g.Post("/collector/submit", r.handleCollectorSubmit)
		})
		api.Group(func(g chi.Router) {
			g.Use(r.processorGuard.middleware)
			g.Post("/processor/submit", r.handleProcessorSubmit)
		})
		api.Group(func(g chi.Router) {
			g.Use(r.rpcGuard.middleware)
			g.Post("/rpc", r.handleRPC)
			g.Get("/statistics", r.handleStatistics)
		})
	})

	r.mux.Get("/ws/statistics", r.handleStatisticsSocket)
	r.mux.Get("/rss", r.handleRSS)
	r.mux.Get("/openapi.json", r.handleOpenAPI)
	r.mux.Get("/health", r.handleHealth)

	r.mux.NotFound(func(w http.ResponseWriter, req *http.Request) {
		huberrors.New(huberrors.ErrorCodeNotFound, "Endpoint not found", nil).WriteHTTPError(w)
	})
	r.mux.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		huberrors.New(huberrors.ErrorCodeMethodNotAllowed, "Method not allowed", nil).WriteHTTPError(w)
	})
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeHubError maps hub errors onto the standard envelope. Anything
// that is not already a StandardError becomes an internal error.
func writeHubError(w http.ResponseWriter, err error) {
	var stdErr *huberrors.StandardError
	if errors.As(err, &stdErr) {
		stdErr.WriteHTTPError(w)
		return
	}
	huberrors.NewInternalError("Request failed", err).WriteHTTPError(w)
}
