package server

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vango-go/vai-live/pkg/gateway/config"
	"github.com/vango-go/vai-live/pkg/gateway/handlers"
	"github.com/vango-go/vai-live/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-live/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-live/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-live/pkg/gateway/metrics"
	"github.com/vango-go/vai-live/pkg/gateway/mw"
	"github.com/vango-go/vai-live/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-live/pkg/gateway/upstream"
	"github.com/vango-go/vai-live/pkg/turnlog"
)

// Dependencies are built by the caller so the server never dials anything on
// its own.
type Dependencies struct {
	Providers upstream.Providers
	Metrics   *metrics.Metrics
	// Turns is nil when persistence is disabled.
	Turns *turnlog.Store
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	providers upstream.Providers
	metrics   *metrics.Metrics
	turns     *turnlog.Store
	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
	live      *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics("vai_live")
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		providers: deps.Providers,
		metrics:   deps.Metrics,
		turns:     deps.Turns,
		limiter: ratelimit.New(ratelimit.Config{
			UpgradeRPS:              cfg.LimitUpgradeRPS,
			UpgradeBurst:            cfg.LimitUpgradeBurst,
			MaxConcurrentWSSessions: cfg.MaxSessionsPerPrincipal,
		}),
		lifecycle: &lifecycle.Lifecycle{},
		live:      sessions.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	ready := handlers.ReadyHandler{Config: s.cfg, Providers: s.providers, Lifecycle: s.lifecycle}
	var turns turnlog.Recorder = turnlog.Nop{}
	if s.turns != nil {
		ready.DB = s.turns
		turns = s.turns
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", ready)
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Providers:    s.providers,
		Logger:       s.logger,
		Limiter:      s.limiter,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.live,
		Metrics:      s.metrics,
		Turns:        turns,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, s.metrics, h)
	h = mw.RequestID(h)
	return otelhttp.NewHandler(h, "vai-live",
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/metrics" }))
}

// SetDraining fails readiness and refuses new live sessions.
func (s *Server) SetDraining() {
	s.lifecycle.StartDraining()
}

// WarnLiveSessionsDraining tells every connected client to wrap up.
func (s *Server) WarnLiveSessionsDraining() {
	sent, err := s.live.WarnAll(protocol.WarningDraining, "server is shutting down")
	if err != nil {
		s.logger.Warn("drain warning not delivered to all sessions", "sent", sent, "error", err)
		return
	}
	s.logger.Info("drain warning sent", "sessions", sent)
}

// WaitLiveSessions blocks until every live session ends or ctx is done.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.live.Wait(ctx)
}

func (s *Server) CancelLiveSessions() {
	n := s.live.CancelAll()
	s.logger.Warn("live sessions cancelled after grace period", "sessions", n)
}

func (s *Server) LiveSessionCount() int {
	return s.live.Count()
}
