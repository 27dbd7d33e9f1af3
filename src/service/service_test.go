package service

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/backend"
	"github.com/orchestra-mcp/realtime/src/cache"
	"github.com/orchestra-mcp/realtime/src/connection"
	"github.com/orchestra-mcp/realtime/src/store"
	"github.com/orchestra-mcp/realtime/src/types"
)

type discardSender struct{}

func (discardSender) Send(context.Context, any) error { return nil }

func newService(t *testing.T, cfg *config.RealtimeConfig, opts ...Option) *Service {
	t.Helper()
	svc, err := New(context.Background(), cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestNewInMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxConnections = 7
	svc := newService(t, cfg, WithRedis(nil))

	assert.Nil(t, svc.redis)
	assert.False(t, svc.RedisConnected())
	assert.False(t, svc.InvalidationActive())
	assert.IsType(t, &cache.MemoryCache{}, svc.cache)
	assert.IsType(t, &store.MemoryConversations{}, svc.Conversations())
	assert.IsType(t, backend.Unavailable{}, svc.completion)
	assert.IsType(t, backend.Unavailable{}, svc.audio)
	assert.Equal(t, 7, svc.Hub().MaxConnections())
	assert.NotNil(t, svc.Metrics())
	assert.Same(t, cfg, svc.Config())
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := cache.DefaultRedisConfig()
	rc.Addr = mr.Addr()

	svc := newService(t, config.DefaultConfig(), WithRedis(rc))
	require.NotNil(t, svc.redis)
	assert.IsType(t, &cache.Tiered{}, svc.cache)
	assert.IsType(t, &cache.RedisConversations{}, svc.Conversations())
	assert.True(t, svc.RedisConnected())
	assert.True(t, svc.InvalidationActive())

	ctx := context.Background()
	sess, err := svc.Sessions().Create(ctx, types.NewSession(types.SessionDefaults{}, "client_1", nil, time.Now()))
	require.NoError(t, err)
	assert.True(t, mr.Exists(rc.Prefix+"session:"+sess.ID))
}

func TestNewFallsBackWhenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := cache.DefaultRedisConfig()
	rc.Addr = mr.Addr()
	mr.Close()

	svc := newService(t, config.DefaultConfig(), WithRedis(rc))
	assert.Nil(t, svc.redis)
	assert.IsType(t, &cache.MemoryCache{}, svc.cache)
}

func TestNewWithSQLite(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DBDriver = config.DriverSQLite
	cfg.DBDSN = filepath.Join(t.TempDir(), "realtime.db")
	svc := newService(t, cfg, WithRedis(nil))
	assert.IsType(t, &store.SQLStore{}, svc.store)

	ctx := context.Background()
	sess, err := svc.Sessions().Create(ctx, types.NewSession(types.SessionDefaults{}, "client_1", nil, time.Now()))
	require.NoError(t, err)
	got, err := svc.Sessions().Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "client_1", got.ClientID)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DBDriver = "oracle"
	_, err := New(context.Background(), cfg, zerolog.Nop(), WithRedis(nil))
	assert.Error(t, err)
}

func TestPolicies(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimitRequests = 10
	cfg.RateLimitTokens = 200
	cfg.RateLimitWindow = 30 * time.Second

	policies := Policies(cfg)
	require.Len(t, policies, 2)
	assert.Equal(t, types.LimitRequests, policies[0].Name)
	assert.Equal(t, 10, policies[0].Limit)
	assert.Equal(t, types.LimitTokens, policies[1].Name)
	assert.Equal(t, 200, policies[1].Limit)
	assert.Equal(t, 30*time.Second, policies[1].Window)
}

func TestConnectionDeps(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AudioEnabled = true
	cfg.SessionInitAttempts = 5
	svc := newService(t, cfg, WithRedis(nil), WithCompletion(backend.Unavailable{}))

	deps := svc.ConnectionDeps()
	assert.Equal(t, 5, deps.Config.InitAttempts)
	assert.Equal(t, cfg.DefaultModel, deps.Config.Defaults.Model)
	assert.Equal(t, []string{"text", "audio"}, deps.Config.Defaults.Modalities)

	h := deps.Handlers(discardSender{}, "client_1")
	assert.NoError(t, h.Validate())

	conn, err := svc.NewConnection(nil, connection.Meta{UserAgent: "test"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(conn.ID(), "client_"))
	assert.Equal(t, "test", conn.Info().UserAgent)
}

func TestHubRegistrationDrivesGauge(t *testing.T) {
	svc := newService(t, config.DefaultConfig(), WithRedis(nil))
	conn, err := svc.NewConnection(nil, connection.Meta{})
	require.NoError(t, err)

	require.NoError(t, svc.Hub().Register(conn))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics().ClientsRegistered))

	svc.Hub().Unregister(conn)
	assert.Equal(t, 0.0, testutil.ToFloat64(svc.Metrics().ClientsRegistered))
}
