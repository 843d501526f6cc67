// Package server wires the guards, upstream clients and stores into one
// HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/circuitbreaker"
	"github.com/bossbrainz/guardrail/internal/cost"
	"github.com/bossbrainz/guardrail/internal/health"
	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/metrics"
	"github.com/bossbrainz/guardrail/internal/middleware/csrf"
	"github.com/bossbrainz/guardrail/internal/middleware/ratelimit"
	"github.com/bossbrainz/guardrail/internal/safety"
	"github.com/bossbrainz/guardrail/internal/store"
	"github.com/bossbrainz/guardrail/internal/tasks"
	"github.com/bossbrainz/guardrail/internal/upstream"
	"github.com/bossbrainz/guardrail/internal/webhook"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// usageRetention is how long usage events are kept for fallback counting.
const usageRetention = 48 * time.Hour

// Server owns every long-lived component and the HTTP listener.
type Server struct {
	cfg      *config.Config
	resolved *config.Resolved

	collector *metrics.Collector
	alerts    *webhook.Dispatcher
	breakers  *circuitbreaker.Registry
	conn      *ratelimit.Conn
	limiter   *ratelimit.Limiter
	store     *store.Store // nil when no database is configured
	tasks     *tasks.Queue
	guard     *csrf.Guard
	filter    *safety.Filter
	marker    safety.Marker
	ai        *upstream.AIClient
	tts       *upstream.TTSClient
	cost      *cost.Tracker
	health    *health.Reporter

	handler    http.Handler
	httpServer *http.Server

	counterStore ratelimit.Store
	httpClient   *http.Client
	purgeEvery   time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithStore uses st as the durable store instead of opening cfg.Database.
func WithStore(st *store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithCounterStore replaces the Redis counter store.
func WithCounterStore(cs ratelimit.Store) Option {
	return func(s *Server) { s.counterStore = cs }
}

// WithHTTPClient sets the client used for upstream calls and probes.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.httpClient = c }
}

// New builds the server. A database that cannot be reached at startup is
// not fatal: the pool keeps trying on use, the limiter denies fallback checks
// until it answers, and health reports it as down meanwhile.
func New(ctx context.Context, cfg *config.Config, resolved *config.Resolved, opts ...Option) (*Server, error) {
	if cfg == nil || resolved == nil {
		return nil, errors.New("server: config is required")
	}

	s := &Server{
		cfg:        cfg,
		resolved:   resolved,
		collector:  metrics.NewCollector(),
		purgeEvery: time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{}
	}

	alertsCfg := cfg.Alerts
	if !alertsCfg.Enabled {
		alertsCfg.Endpoints = nil
	}
	s.alerts = webhook.NewDispatcher(alertsCfg, webhook.WithCollector(s.collector))

	s.breakers = circuitbreaker.NewRegistry(cfg,
		circuitbreaker.WithCollector(s.collector),
		circuitbreaker.WithAlerts(s.alerts),
	)
	s.tasks = tasks.New(cfg.Tasks, tasks.WithCollector(s.collector))

	if s.store == nil {
		st, err := store.Connect(cfg.Database)
		switch {
		case errors.Is(err, store.ErrNotConfigured):
			logging.Warn("No database configured, rate limits fail closed while Redis is down")
		case err != nil:
			s.tasks.Close(ctx)
			s.alerts.Close()
			return nil, fmt.Errorf("server: %w", err)
		default:
			s.store = st
		}
	}
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			logging.Error("Database unavailable at startup, fallback checks deny until it answers",
				zap.Error(err),
			)
		}
	}

	s.conn = ratelimit.NewConn(cfg.RateLimit.Redis)
	s.conn.SetAlerts(s.alerts)
	if s.counterStore == nil {
		if s.conn.Configured() {
			s.counterStore = ratelimit.NewRedisStore(s.conn)
		} else {
			logging.Warn("No Redis configured, every rate limit check uses the fallback path")
		}
	}

	limiterOpts := []ratelimit.LimiterOption{
		ratelimit.WithCollector(s.collector),
		ratelimit.WithTasks(s.tasks),
	}
	if s.store != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithFallback(s.store))
	}
	s.limiter = ratelimit.NewLimiter(ratelimit.NewCounter(s.counterStore), cfg.RateLimit, limiterOpts...)

	s.guard = csrf.NewGuard(csrf.NewCodec(resolved.Secret), cfg.Security.CSRF, resolved.SecureCookie,
		csrf.WithCollector(s.collector),
	)
	s.filter = safety.NewFilter(
		safety.WithCollector(s.collector),
		safety.WithAlerts(s.alerts),
		safety.WithLeakDetection(cfg.Security.Canary.Enabled),
	)
	s.marker = safety.NewMarker(resolved.Secret)

	s.ai = upstream.NewAIClient(cfg.Upstreams.AIGateway, s.breakers.Get(upstream.AIGateway), s.httpClient)
	s.tts = upstream.NewTTSClient(cfg.Upstreams.TTS, s.breakers.Get(upstream.ElevenLabs), s.httpClient)

	var ledger cost.Ledger
	if s.store != nil {
		ledger = s.store
	}
	s.cost = cost.NewTracker(cfg.Cost, ledger, s.tasks,
		cost.WithAlerts(s.alerts),
		cost.WithCollector(s.collector),
	)

	s.health = s.newHealthReporter()
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

func (s *Server) newHealthReporter() *health.Reporter {
	r := health.NewReporter(s.breakers, s.cfg.Admin.Token)

	if s.store != nil {
		r.AddProbe("database", true, s.store.Ping)
	}
	if s.conn.Configured() {
		r.AddProbe("redis", false, s.conn.Ping)
	}

	r.AddBreaker(upstream.AIGateway, true)
	r.AddBreaker(upstream.ElevenLabs, false)

	ai := s.cfg.Upstreams.AIGateway
	if ai.HealthURL != "" && ai.APIKey != "" {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+ai.APIKey)
		r.AddProbe("openrouter", false, health.HTTPProbe(s.httpClient, ai.HealthURL, header))
	}
	return r
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("Starting guardrail server", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.purgeLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// purgeLoop drops usage events that no fallback window can reach.
func (s *Server) purgeLoop(ctx context.Context) {
	if s.store == nil {
		return
	}
	ticker := time.NewTicker(s.purgeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.store
			s.tasks.Submit("usage.purge", func(ctx context.Context) error {
				n, err := st.PurgeUsageBefore(ctx, time.Now().Add(-usageRetention))
				if err != nil {
					return err
				}
				if n > 0 {
					logging.Debug("Purged usage events", zap.Int64("rows", n))
				}
				return nil
			})
		}
	}
}

// Shutdown stops accepting requests, drains background work and releases
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down gracefully...")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := s.tasks.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.alerts.Close()
	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis: %w", err))
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}

	logging.Info("Server shutdown complete")
	return errors.Join(errs...)
}
