// Package service builds the process-wide collaborators once at startup and
// hands them to every connection.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/backend"
	"github.com/orchestra-mcp/realtime/src/cache"
	"github.com/orchestra-mcp/realtime/src/connection"
	"github.com/orchestra-mcp/realtime/src/handlers"
	"github.com/orchestra-mcp/realtime/src/hub"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/ratelimit"
	"github.com/orchestra-mcp/realtime/src/router"
	"github.com/orchestra-mcp/realtime/src/state"
	"github.com/orchestra-mcp/realtime/src/store"
	"github.com/orchestra-mcp/realtime/src/types"
)

const (
	redisDialTimeout = 3 * time.Second
	localCacheTTL    = 5 * time.Second
)

// Service is the dependency container shared by all connections.
type Service struct {
	cfg    *config.RealtimeConfig
	logger zerolog.Logger
	now    func() time.Time

	store         store.Store
	redis         *redis.Client
	tiered        *cache.Tiered
	bus           *cache.InvalidationBus
	cache         cache.Cache
	conversations store.ConversationStore
	sessions      *state.Synchronizer
	limiter       *ratelimit.Limiter
	completion    backend.CompletionBackend
	audio         backend.AudioBackend
	metrics       *metrics.Metrics
	hub           *hub.Hub
}

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

type options struct {
	redis      *cache.RedisConfig
	redisSet   bool
	completion backend.CompletionBackend
	audio      backend.AudioBackend
	now        func() time.Time
}

// WithRedis connects to cfg instead of the REDIS_* environment. A nil cfg
// runs without Redis.
func WithRedis(cfg *cache.RedisConfig) Option {
	return func(o *options) {
		o.redis = cfg
		o.redisSet = true
	}
}

// WithCompletion replaces the configured completion backend.
func WithCompletion(b backend.CompletionBackend) Option {
	return func(o *options) { o.completion = b }
}

// WithAudio replaces the configured audio backend.
func WithAudio(b backend.AudioBackend) Option {
	return func(o *options) { o.audio = b }
}

// WithClock overrides the clock handed to every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New wires the service from cfg. Redis is optional: when it cannot be
// reached the service runs with in-process cache and conversations.
func New(ctx context.Context, cfg *config.RealtimeConfig, logger zerolog.Logger, opts ...Option) (*Service, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.redisSet {
		o.redis = cache.RedisConfigFromEnv()
	}

	s := &Service{
		cfg:     cfg,
		logger:  logger.With().Str("component", "service").Logger(),
		now:     o.now,
		metrics: metrics.New("realtime"),
		hub:     hub.New(cfg.MaxConnections, logger),
	}

	s.hub.OnConnection(func(string) { s.metrics.ClientRegistered() })
	s.hub.OnDisconnection(func(string) { s.metrics.ClientUnregistered() })

	st, err := openStore(ctx, cfg, o.now)
	if err != nil {
		return nil, err
	}
	s.store = st

	s.initCache(ctx, o.redis)

	s.sessions = state.New(s.store, s.cache, logger,
		state.WithTTL(cfg.SessionTTL), state.WithClock(o.now), state.WithMetrics(s.metrics))
	s.limiter = ratelimit.New(s.store, Policies(cfg), logger,
		ratelimit.WithClock(o.now), ratelimit.WithMetrics(s.metrics))

	s.completion = o.completion
	if s.completion == nil {
		s.completion, err = newCompletion(ctx, cfg, s.logger)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	s.audio = o.audio
	if s.audio == nil {
		s.audio = newAudio(cfg, s.logger)
	}

	s.logger.Info().
		Str("db_driver", cfg.DBDriver).
		Bool("redis", s.redis != nil).
		Int("max_connections", cfg.MaxConnections).
		Msg("service initialized")
	return s, nil
}

// Policies builds rate-limit policies from cfg.
func Policies(cfg *config.RealtimeConfig) []ratelimit.Policy {
	return []ratelimit.Policy{
		{Name: types.LimitRequests, Limit: cfg.RateLimitRequests, Window: cfg.RateLimitWindow},
		{Name: types.LimitTokens, Limit: cfg.RateLimitTokens, Window: cfg.RateLimitWindow},
	}
}

func openStore(ctx context.Context, cfg *config.RealtimeConfig, now func() time.Time) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverMemory, "":
		return store.NewMemoryStore(store.WithClock(now)), nil
	default:
		st, err := store.OpenSQL(ctx, cfg.DBDriver, cfg.DBDSN, store.WithClock(now))
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
		}
		return st, nil
	}
}

// initCache tries Redis first. If Redis is not reachable, sessions and
// conversations stay in process.
func (s *Service) initCache(ctx context.Context, rc *cache.RedisConfig) {
	if rc != nil {
		client, err := cache.Connect(ctx, rc, redisDialTimeout)
		if err == nil {
			bus := cache.NewInvalidationBus(client, rc.Prefix, s.logger)
			tiered := cache.NewTiered(cache.NewRedisCache(client, rc.Prefix), bus, localCacheTTL, s.logger)
			if err := tiered.Start(); err != nil {
				s.logger.Warn().Err(err).Msg("cache invalidation unavailable")
			}
			s.redis = client
			s.bus = bus
			s.tiered = tiered
			s.cache = tiered
			s.conversations = cache.NewRedisConversations(client, rc.Prefix)
			s.logger.Info().Str("redis_addr", rc.Addr).Msg("redis cache connected")
			return
		}
		s.logger.Warn().Err(err).Msg("redis unavailable, running with in-memory cache")
	}
	s.cache = cache.NewMemoryCache()
	s.conversations = store.NewMemoryConversations()
}

func newCompletion(ctx context.Context, cfg *config.RealtimeConfig, logger zerolog.Logger) (backend.CompletionBackend, error) {
	if cfg.GeminiAPIKey == "" {
		logger.Warn().Msg("no completion backend configured, response.create will fail")
		return backend.Unavailable{}, nil
	}
	g, err := backend.NewGemini(ctx, cfg.GeminiAPIKey, cfg.DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("gemini backend: %w", err)
	}
	return g, nil
}

func newAudio(cfg *config.RealtimeConfig, logger zerolog.Logger) backend.AudioBackend {
	if cfg.AudioAPIKey == "" {
		logger.Warn().Msg("no audio backend configured, transcription and speech will fail")
		return backend.Unavailable{}
	}
	return backend.NewAudioClient(
		backend.WithAPIKey(cfg.AudioAPIKey),
		backend.WithBaseURL(cfg.AudioBaseURL),
		backend.WithModels(cfg.STTModel, cfg.TTSModel),
		backend.WithVoice(cfg.DefaultVoice),
		backend.WithCacheDir(cfg.SpeechCacheDir),
	)
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.RealtimeConfig { return s.cfg }

// Hub returns the live connection registry.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Sessions returns the session synchronizer.
func (s *Service) Sessions() *state.Synchronizer { return s.sessions }

// Limiter returns the rate limiter.
func (s *Service) Limiter() *ratelimit.Limiter { return s.limiter }

// Conversations returns the conversation store.
func (s *Service) Conversations() store.ConversationStore { return s.conversations }

// Metrics returns the Prometheus collectors.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// RedisConnected reports whether Redis was reachable at startup.
func (s *Service) RedisConnected() bool { return s.redis != nil }

// InvalidationActive reports whether peer cache evictions are being received.
func (s *Service) InvalidationActive() bool { return s.bus != nil && s.bus.Available() }

// Now reads the service clock.
func (s *Service) Now() time.Time { return s.now() }

// Logger returns the root logger.
func (s *Service) Logger() zerolog.Logger { return s.logger }

// ConnectionDeps returns the collaborators for one connection.
func (s *Service) ConnectionDeps() connection.Deps {
	cfg := s.cfg
	return connection.Deps{
		Sessions: s.sessions,
		Limiter:  s.limiter,
		Handlers: s.handlerFactory,
		Metrics:  s.metrics,
		Logger:   s.logger,
		Now:      s.now,
		Config: connection.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			WriteTimeout:      cfg.WriteTimeout,
			SessionTTL:        cfg.SessionTTL,
			InitAttempts:      cfg.SessionInitAttempts,
			InitBackoff:       cfg.SessionInitBackoff,
			CleanupTimeout:    cfg.CleanupTimeout,
			Defaults: types.SessionDefaults{
				Model:       cfg.DefaultModel,
				Voice:       cfg.DefaultVoice,
				Temperature: cfg.DefaultTemperature,
				Modalities:  cfg.Modalities(),
			},
		},
	}
}

func (s *Service) handlerFactory(sender types.Sender, clientID string) router.Handlers {
	return handlers.New(handlers.Deps{
		Sessions:      s.sessions,
		Conversations: s.conversations,
		Tokens:        s.limiter,
		Completion:    s.completion,
		Audio:         s.audio,
		Sender:        sender,
		Metrics:       s.metrics,
		Logger:        s.logger.With().Str("client_id", clientID).Logger(),
		Now:           s.now,
		Config: handlers.Config{
			SessionTTL:          s.cfg.SessionTTL,
			MaxAudioBufferBytes: s.cfg.MaxAudioBufferBytes,
			ResponseTimeout:     s.cfg.ResponseTimeout,
			CleanupTimeout:      s.cfg.CleanupTimeout,
			STTModel:            s.cfg.STTModel,
			TTSModel:            s.cfg.TTSModel,
		},
	})
}

// NewConnection wraps an upgraded transport with the shared collaborators.
func (s *Service) NewConnection(conn types.Conn, meta connection.Meta) (*connection.Connection, error) {
	return connection.New(conn, meta, s.ConnectionDeps())
}

// Close releases the store and the Redis client.
func (s *Service) Close() error {
	var errs []error
	if s.tiered != nil {
		s.tiered.Stop()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
