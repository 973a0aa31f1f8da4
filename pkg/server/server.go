package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/connect"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/db"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/handlerutils"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/jobs"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/lock"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/logging"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/metrics"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/oauth/callback"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/oauth/login"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/oauth/profile"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/qqconnect"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/ratelimit"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/session"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/state"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/tokens"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/transport"
	"github.com/tourze/qq-connect-oauth2-bundle-sub000/pkg/types"
	"go.uber.org/zap"
)

const DefaultCallbackPath = "/callback"

// Server wires the storage, provider client, flows, jobs and HTTP routes
type Server struct {
	config      *types.Config
	logger      *zap.Logger
	db          *db.Store
	registry    *prometheus.Registry
	rateLimiter *ratelimit.RateLimiter
	states      *state.Manager
	tokens      *tokens.Manager
	service     *connect.Service
	sessions    *session.Manager
	scheduler   *jobs.Scheduler
	locker      *lock.RedisLock

	ctx    context.Context
	cancel context.CancelFunc
}

type options struct {
	endpoint   qqconnect.Endpoint
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*options)

// WithProviderEndpoint points the provider client somewhere other than graph.qq.com
func WithProviderEndpoint(e qqconnect.Endpoint) Option {
	return func(o *options) { o.endpoint = e }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New(config *types.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	logger = logging.OrNop(logger)
	o := &options{endpoint: qqconnect.DefaultEndpoint, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	if config.Port == "" {
		config.Port = "8080"
	}
	if config.CallbackPath == "" {
		config.CallbackPath = DefaultCallbackPath
	}
	if !strings.HasPrefix(config.CallbackPath, "/") {
		return nil, fmt.Errorf("callback path must start with '/': %s", config.CallbackPath)
	}

	switch {
	case config.DatabaseDSN == "":
		logger.Info("DATABASE_DSN not set, using SQLite database at data/qqconnect.db")
	case strings.HasPrefix(config.DatabaseDSN, "postgres://") || strings.HasPrefix(config.DatabaseDSN, "postgresql://"):
		logger.Info("using PostgreSQL database")
	default:
		logger.Info("using SQLite database", zap.String("path", config.DatabaseDSN))
	}

	store, err := db.New(config.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New()
	if err := m.Register(registry); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	transportOpts := []transport.Option{transport.WithLogger(logger), transport.WithMetrics(m)}
	if o.httpClient != nil {
		transportOpts = append(transportOpts, transport.WithHTTPClient(o.httpClient))
	}
	client := qqconnect.NewClient(transport.New(transportOpts...), qqconnect.WithEndpoint(o.endpoint))

	stateOpts := []state.Option{
		state.WithTTL(config.StateTTL),
		state.WithClock(o.now),
		state.WithLogger(logger),
		state.WithMetrics(m),
	}
	if config.PublicURL != "" {
		stateOpts = append(stateOpts, state.WithCallbackURL(strings.TrimRight(config.PublicURL, "/")+config.CallbackPath))
	}
	states := state.NewManager(store, client, stateOpts...)

	tokenManager := tokens.NewManager(store, client,
		tokens.WithClock(o.now),
		tokens.WithLogger(logger),
		tokens.WithMetrics(m),
	)

	if config.PublicURL == "" {
		logger.Warn("PUBLIC_URL not set, the QQ redirect URI will be built from request headers")
	}
	if config.SessionSecret == "" {
		logger.Warn("SESSION_SECRET not set, sessions will not survive a restart")
	}
	sessions, err := session.NewManager([]byte(config.SessionSecret), 0)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Server{
		config:      config,
		logger:      logger,
		db:          store,
		registry:    registry,
		rateLimiter: ratelimit.NewRateLimiter(15*time.Minute, 300),
		states:      states,
		tokens:      tokenManager,
		service:     connect.NewService(store, states, client, tokenManager, connect.WithClock(o.now), connect.WithLogger(logger)),
		sessions:    sessions,
	}, nil
}

func (s *Server) Store() *db.Store {
	return s.db
}

func (s *Server) Service() *connect.Service {
	return s.service
}

func (s *Server) States() *state.Manager {
	return s.states
}

func (s *Server) Tokens() *tokens.Manager {
	return s.tokens
}

// Start starts the background jobs. With REDIS_URL set the jobs are guarded
// by a distributed lock.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	jobOpts := []jobs.Option{
		jobs.WithLogger(s.logger),
		jobs.WithSchedules(s.config.CleanupSchedule, s.config.RefreshSchedule),
	}
	if s.config.RedisURL != "" {
		locker, err := lock.Open(s.ctx, s.config.RedisURL)
		if err != nil {
			return err
		}
		s.locker = locker
		jobOpts = append(jobOpts, jobs.WithLocker(locker))
	}

	s.scheduler = jobs.NewScheduler(s.states, s.tokens, jobOpts...)
	return s.scheduler.Start()
}

func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.locker != nil {
		if err := s.locker.Close(); err != nil {
			s.logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	loginHandler := login.NewHandler(s.service, s.config.PublicURL, s.config.CallbackPath, s.logger)
	callbackHandler := callback.NewHandler(s.service, s.sessions, s.logger)
	profileHandler := profile.NewHandler(s.service, s.sessions, s.logger)

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /login", s.withRateLimit(loginHandler))
	mux.HandleFunc("GET "+s.config.CallbackPath, s.withRateLimit(callbackHandler))
	mux.HandleFunc("GET /profile", s.withCORS(profileHandler.ServeHTTP))
	mux.HandleFunc("OPTIONS /profile", s.withCORS(profileHandler.ServeHTTP))
}

// GetHandler returns the routes wrapped with access logging and panic recovery
func (s *Server) GetHandler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(handlers.LoggingHandler(os.Stdout, mux))
}

// withCORS wraps a handler with CORS headers
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int((12 * time.Hour).Seconds())))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// withRateLimit wraps a handler with per client IP rate limiting
func (s *Server) withRateLimit(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil {
			if !s.rateLimiter.Allow(handlerutils.GetClientIP(r, s.config.TrustProxy)) {
				handlerutils.JSON(w, http.StatusTooManyRequests, types.OAuthError{
					Error:            "too_many_requests",
					ErrorDescription: "Rate limit exceeded",
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		handlerutils.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	handlerutils.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
