// ABOUTME: Gateway orchestrator that wires the store, relay, AI bridge and HTTP surface
// ABOUTME: Owns startup, background workers and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yuin/goldmark"

	"github.com/2389/concierge/internal/aibridge"
	"github.com/2389/concierge/internal/auth"
	"github.com/2389/concierge/internal/config"
	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/dedupe"
	"github.com/2389/concierge/internal/eventbus"
	"github.com/2389/concierge/internal/store"
	"github.com/2389/concierge/internal/worker"
)

// Gateway serves the customer and admin chat surface.
type Gateway struct {
	config *config.Config
	store  store.Backend
	logger *slog.Logger

	broadcaster *conversation.EventBroadcaster
	bus         *eventbus.RedisBus // nil unless events.backend is redis
	router      *conversation.SessionRouter
	relay       *conversation.Relay
	dispatcher  worker.Dispatcher
	idempotency *dedupe.Cache

	// authn is nil when no jwt_secret is configured
	authn *auth.Authenticator

	markdown   goldmark.Markdown
	upgrader   websocket.Upgrader
	httpServer *http.Server

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	bgOnce   sync.Once

	// closed on Shutdown so SSE streams and websockets end
	stopping     chan struct{}
	stoppingOnce sync.Once

	wsMu     sync.Mutex
	wsConns  map[*wsConn]struct{}
	wsClosed bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the configured backend. CONCIERGE_DB_PATH overrides the
// sqlite path for container deployments.
func initStore(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("CONCIERGE_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// initHub returns the hub the relay publishes on: the local broadcaster, or
// a Redis bus wrapping it.
func initHub(ctx context.Context, cfg *config.Config, broadcaster *conversation.EventBroadcaster, logger *slog.Logger) (conversation.Hub, *eventbus.RedisBus, error) {
	if cfg.Events.Backend != config.BackendRedis {
		return broadcaster, nil, nil
	}
	bus, err := eventbus.NewRedisBus(ctx, broadcaster, eventbus.Config{
		URL:     cfg.Events.RedisURL,
		Channel: cfg.Events.Channel,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing event bus: %w", err)
	}
	logger.Info("cross-instance events enabled", "backend", "redis")
	return bus, bus, nil
}

// initDispatcher builds the worker that runs AI reply tasks.
func initDispatcher(cfg *config.Config, logger *slog.Logger) (worker.Dispatcher, error) {
	if cfg.Queue.Backend == config.BackendRedis {
		d, err := worker.NewAsynqDispatcher(worker.AsynqConfig{
			RedisURL:    cfg.Queue.RedisURL,
			Queue:       cfg.Queue.Name,
			Concurrency: cfg.Queue.Workers,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing task queue: %w", err)
		}
		return d, nil
	}
	return worker.NewPool(worker.PoolConfig{
		Workers: cfg.Queue.Workers,
		Buffer:  cfg.Queue.Buffer,
	}, logger), nil
}

// initAuth returns nil when admin auth is disabled.
func initAuth(cfg *config.Config, admins auth.AdminLookup, logger *slog.Logger) (*auth.Authenticator, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("admin auth disabled - no jwt_secret configured")
		return nil, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("admin auth enabled (JWT)")
	return auth.NewAuthenticator(admins, verifier, cfg.Auth.TokenTTL), nil
}

// New creates a new Gateway instance with the given configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	gw, err := newGateway(ctx, cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func newGateway(ctx context.Context, cfg *config.Config, s store.Backend, logger *slog.Logger) (*Gateway, error) {
	broadcaster := conversation.NewEventBroadcaster(logger)
	hub, bus, err := initHub(ctx, cfg, broadcaster, logger)
	if err != nil {
		return nil, err
	}

	dispatcher, err := initDispatcher(cfg, logger)
	if err != nil {
		if bus != nil {
			_ = bus.Close()
		}
		return nil, err
	}

	authn, err := initAuth(cfg, s, logger)
	if err != nil {
		if bus != nil {
			_ = bus.Close()
		}
		_ = dispatcher.Close()
		return nil, err
	}

	presence := conversation.NewPresence(hub, logger)
	clock := conversation.NewClock(nil)
	idempotency := dedupe.New(cfg.Idempotency.TTL, cfg.Idempotency.MaxEntries)

	relay := conversation.NewRelay(conversation.Deps{
		Store:       s,
		Hub:         hub,
		Presence:    presence,
		Idempotency: idempotency,
		Audit:       s,
		Clock:       clock,
		Logger:      logger,
	})

	gw := &Gateway{
		config:      cfg,
		store:       s,
		logger:      logger.With("component", "gateway"),
		broadcaster: broadcaster,
		bus:         bus,
		router:      conversation.NewSessionRouter(s, presence, clock, logger),
		relay:       relay,
		dispatcher:  dispatcher,
		idempotency: idempotency,
		authn:       authn,
		markdown:    goldmark.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
		},
		stopping: make(chan struct{}),
		wsConns:  make(map[*wsConn]struct{}),
	}

	if cfg.Responder.URL != "" {
		replyDelay := cfg.Responder.ReplyDelay
		if replyDelay == 0 {
			replyDelay = -1
		}
		responder := aibridge.NewHTTPResponder(cfg.Responder.URL, cfg.Responder.Path, cfg.Responder.Timeout)
		bridge := aibridge.NewBridge(responder, relay, aibridge.Config{
			Timeout:    cfg.Responder.Timeout,
			ReplyDelay: replyDelay,
		}, logger)
		relay.SetAIRequester(aibridge.NewScheduler(dispatcher, bridge, logger))
		gw.logger.Info("ai replies enabled", "responder", cfg.Responder.URL+cfg.Responder.Path)
	} else {
		gw.logger.Warn("ai replies disabled - no responder.url configured")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	g.handle(mux, "GET /health", http.HandlerFunc(g.handleHealth))
	g.handle(mux, "GET /health/ready", http.HandlerFunc(g.handleReady))
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.Handler())
	}

	// Customer endpoints
	g.handle(mux, "POST /api/sessions", http.HandlerFunc(g.handleResolveSession))
	g.handle(mux, "POST /api/conversations/{id}/messages", g.optionalAuth(http.HandlerFunc(g.handlePostMessage)))
	g.handle(mux, "GET /api/conversations/{id}/messages", http.HandlerFunc(g.handleHistory))
	g.handle(mux, "GET /api/conversations/{id}/events", http.HandlerFunc(g.handleConversationEvents))
	g.handle(mux, "GET /ws", g.optionalAuth(http.HandlerFunc(g.handleWebSocket)))

	// Admin endpoints - auth required if JWT secret is configured
	g.handle(mux, "POST /api/admin/login", http.HandlerFunc(g.handleLogin))
	g.handle(mux, "GET /api/conversations", g.requireAdmin(http.HandlerFunc(g.handleListConversations)))
	g.handle(mux, "GET /api/conversations/{id}", g.requireAdmin(http.HandlerFunc(g.handleGetConversation)))
	g.handle(mux, "POST /api/conversations/{id}/join", g.requireAdmin(http.HandlerFunc(g.handleJoinConversation)))
	g.handle(mux, "POST /api/conversations/{id}/close", g.requireAdmin(http.HandlerFunc(g.handleCloseConversation)))
	g.handle(mux, "GET /api/admin/events", g.requireAdmin(http.HandlerFunc(g.handleAdminEvents)))
	g.handle(mux, "GET /api/admin/audit", g.requireAdmin(http.HandlerFunc(g.handleListAudit)))

	return mux
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// startBackground runs the task dispatcher and, when configured, the Redis
// event bus until Shutdown.
func (g *Gateway) startBackground(ctx context.Context) {
	g.bgOnce.Do(func() {
		ctx, g.bgCancel = context.WithCancel(ctx)

		g.bgWG.Add(1)
		go func() {
			defer g.bgWG.Done()
			if err := g.dispatcher.Run(ctx); err != nil {
				g.logger.Error("task dispatcher stopped", "error", err)
			}
		}()

		if g.bus != nil {
			g.bgWG.Add(1)
			go func() {
				defer g.bgWG.Done()
				if err := g.bus.Run(ctx); err != nil {
					g.logger.Error("event bus stopped", "error", err)
				}
			}()
		}
	})
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	g.startBackground(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, drains queued AI replies and pending
// deliveries, then releases every resource. Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	// Long-lived streams would otherwise hold http.Server.Shutdown open.
	g.stoppingOnce.Do(func() { close(g.stopping) })
	g.closeWebSockets()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.bgCancel != nil {
		g.bgCancel()
	}
	g.bgWG.Wait()
	errs = appendCloseError(errs, "dispatcher close", g.dispatcher.Close())

	// delayed deliveries still need the broadcaster
	g.relay.Close()

	if g.bus != nil {
		errs = appendCloseError(errs, "event bus close", g.bus.Close())
	}
	g.broadcaster.Close()
	g.idempotency.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store (and event bus, if any) respond.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "dependency", "store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if g.bus != nil {
		if err := g.bus.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "dependency", "event bus", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("event bus unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
