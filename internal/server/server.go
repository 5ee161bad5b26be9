package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/alert-bridge/internal/config"
	"github.com/Rajchodisetti/alert-bridge/internal/dispatch"
	"github.com/Rajchodisetti/alert-bridge/internal/domain"
	"github.com/Rajchodisetti/alert-bridge/internal/feed"
	"github.com/Rajchodisetti/alert-bridge/internal/intake"
	"github.com/Rajchodisetti/alert-bridge/internal/ledger"
	"github.com/Rajchodisetti/alert-bridge/internal/observ"
	"github.com/Rajchodisetti/alert-bridge/internal/paper"
	"github.com/Rajchodisetti/alert-bridge/internal/pipeline"
)

type Pipeline interface {
	Process(ctx context.Context, req pipeline.Request) pipeline.Response
	PlaceManual(ctx context.Context, m pipeline.ManualOrder) pipeline.ManualResponse
	Cancel(ctx context.Context, orderID string) domain.OrderResult
}

type OrderBook interface {
	Orders(limit int) []domain.OrderResult
	Book() []dispatch.Order
}

type EventFeed interface {
	Recent(limit int) []feed.Event
	History(limit int) []feed.Event
	Subscribe(buf int) (<-chan feed.Event, func())
}

// TradeBook is the read side of a ledger.
type TradeBook interface {
	Trades(limit int) []domain.Trade
	RoundTrips(limit int) []ledger.RoundTrip
	Positions() []ledger.Position
	Snapshot() ledger.Snapshot
}

type PaperBook interface {
	TradeBook
	Clear(ctx context.Context) error
}

type Settings interface {
	Get() paper.Settings
	SetEnabled(v bool) (paper.Settings, error)
	Update(p paper.Patch) (paper.Settings, error)
}

type Instruments interface {
	Search(q, segment string, limit int) []domain.Instrument
	Len() int
	LoadedAt() time.Time
}

// Deps are the collaborators behind the HTTP surface. Live may be nil when
// no broker is configured.
type Deps struct {
	Pipeline    Pipeline
	Orders      OrderBook
	Feed        EventFeed
	Paper       PaperBook
	Live        TradeBook
	Settings    Settings
	Instruments Instruments
	Refresh     func(ctx context.Context) error
}

type Server struct {
	cfg       config.Server
	hook      config.Webhook
	deps      Deps
	engine    *gin.Engine
	heartbeat time.Duration
	started   time.Time
}

type Option func(*Server)

// WithHeartbeat sets the SSE keep-alive interval.
func WithHeartbeat(d time.Duration) Option { return func(s *Server) { s.heartbeat = d } }

func New(cfg config.Server, hook config.Webhook, deps Deps, opts ...Option) *Server {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	s := &Server{
		cfg:       cfg,
		hook:      hook,
		deps:      deps,
		engine:    gin.New(),
		heartbeat: 15 * time.Second,
		started:   time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes() {
	r := s.engine
	r.Use(gin.Recovery(), requestID(), accessLog())

	r.GET("/healthz", s.health)
	r.GET("/metrics", observ.Handler())

	hooks := r.Group("/webhook", ipWhitelist(s.hook.IPWhitelist), perClientLimit(s.hook.RateLimitPerMin))
	hooks.POST("/trade", s.webhook(intake.KindOptions))
	hooks.POST("/futures", s.webhook(intake.KindFutures))
	r.GET("/webhook/alerts", s.alerts)
	r.GET("/feed/stream", s.stream)

	admin := r.Group("", adminAuth(s.cfg.AdminToken))

	p := r.Group("/paper")
	p.GET("/enabled", s.paperEnabled)
	p.GET("/settings", s.paperSettings)
	p.GET("/trades", s.paperTrades)
	p.GET("/trades/open", s.paperOpen)
	p.GET("/roundtrips", s.paperRoundTrips)
	p.GET("/summary", s.paperSummary)
	ap := admin.Group("/paper")
	ap.POST("/enabled", s.setPaperEnabled)
	ap.PUT("/settings", s.updatePaperSettings)
	ap.POST("/clear", s.clearPaper)

	l := r.Group("/live")
	l.GET("/trades", s.liveTrades)
	l.GET("/positions", s.livePositions)
	l.GET("/summary", s.liveSummary)

	r.GET("/orders", s.orders)
	admin.POST("/order/place", s.placeOrder)
	admin.POST("/order/cancel", s.cancelOrder)

	r.GET("/symbol-search", s.symbolSearch)
	admin.POST("/instruments/refresh", s.refreshInstruments)
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		observ.L().Info("http server listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}
	timeout := time.Duration(s.cfg.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	observ.L().Info("http server shutting down")
	return errors.Wrap(srv.Shutdown(sctx), "http shutdown")
}

func (s *Server) health(c *gin.Context) {
	st := s.deps.Settings.Get()
	body := gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"paper_enabled":  st.Enabled,
		"live_ledger":    s.deps.Live != nil,
	}
	if s.deps.Instruments != nil {
		body["instruments"] = s.deps.Instruments.Len()
		if at := s.deps.Instruments.LoadedAt(); !at.IsZero() {
			body["instruments_loaded_at"] = at.UTC().Format(time.RFC3339)
		}
	}
	c.JSON(http.StatusOK, body)
}

func intQuery(c *gin.Context, key string, def int) int {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
