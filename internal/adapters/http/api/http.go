// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/okian/dropspot/internal/domain/types"
	"github.com/okian/dropspot/pkg/logger"
)

// ParticipantHeader carries the authenticated participant id. Authentication
// itself happens upstream of this service.
const ParticipantHeader = "X-Participant-ID"

const defaultMaxStandingsLimit = 100

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	Join(ctx context.Context, participantID, dropID string) (types.Entry, bool, error)
	Leave(ctx context.Context, participantID, dropID string) (*types.Entry, error)
	Claim(ctx context.Context, participantID, dropID string) (types.Entry, error)
	Entry(ctx context.Context, participantID, dropID string) (types.Entry, error)
	Standings(ctx context.Context, dropID string, limit int) ([]types.Standing, error)
	Drops(ctx context.Context) ([]types.Drop, error)
}

// Server wires HTTP routes for the drop API.
type Server struct {
	healthHandler *HealthHandler
	statsHandler  *StatsHandler
	dropsHandler  *DropsHandler
	limiter       *Limiter
}

// Option applies a configuration option to the Server.
type Option func(*serverConfig)

type serverConfig struct {
	limiter           *Limiter
	maxStandingsLimit int
	logger            logger.Logger
}

// WithRateLimiter guards the mutating routes with l.
func WithRateLimiter(l *Limiter) Option {
	return func(c *serverConfig) {
		c.limiter = l
	}
}

// WithMaxStandingsLimit caps the standings limit parameter.
func WithMaxStandingsLimit(n int) Option {
	return func(c *serverConfig) {
		if n > 0 {
			c.maxStandingsLimit = n
		}
	}
}

// WithLogger sets the logger for server-side failures.
func WithLogger(l logger.Logger) Option {
	return func(c *serverConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	cfg := serverConfig{
		maxStandingsLimit: defaultMaxStandingsLimit,
		logger:            logger.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		healthHandler: NewHealthHandler(),
		statsHandler:  NewStatsHandler(statsProvider),
		dropsHandler:  NewDropsHandler(deps, cfg.maxStandingsLimit, cfg.logger),
		limiter:       cfg.limiter,
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	d := s.dropsHandler
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("GET /drops", MetricsMiddleware(d.HandleList, "drops"))
	mux.HandleFunc("POST /drops/{id}/join", MetricsMiddleware(s.limit(d.HandleJoin), "join"))
	mux.HandleFunc("POST /drops/{id}/leave", MetricsMiddleware(s.limit(d.HandleLeave), "leave"))
	mux.HandleFunc("POST /drops/{id}/claim", MetricsMiddleware(s.limit(d.HandleClaim), "claim"))
	mux.HandleFunc("GET /drops/{id}/entry", MetricsMiddleware(d.HandleEntry, "entry"))
	mux.HandleFunc("GET /drops/{id}/standings", MetricsMiddleware(d.HandleStandings, "standings"))
}

func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return RateLimitMiddleware(s.limiter, next)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
