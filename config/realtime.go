package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Database drivers accepted by DB_DRIVER.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"
)

// RealtimeConfig holds realtime server configuration.
type RealtimeConfig struct {
	Addr string `json:"addr"`
	Path string `json:"path"`

	MaxConnections    int           `json:"max_connections"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	ReadBufferSize    int           `json:"read_buffer_size"`
	WriteBufferSize   int           `json:"write_buffer_size"`
	MaxMessageBytes   int64         `json:"max_message_bytes"`

	SessionTTL          time.Duration `json:"session_ttl"`
	SessionInitAttempts int           `json:"session_init_attempts"`
	SessionInitBackoff  time.Duration `json:"session_init_backoff"`
	DefaultModel        string        `json:"default_model"`
	DefaultVoice        string        `json:"default_voice"`
	DefaultTemperature  float64       `json:"default_temperature"`
	AudioEnabled        bool          `json:"audio_enabled"`

	RateLimitRequests int           `json:"rate_limit_requests"`
	RateLimitTokens   int           `json:"rate_limit_tokens"`
	RateLimitWindow   time.Duration `json:"rate_limit_window"`

	DBDriver string `json:"db_driver"`
	DBDSN    string `json:"-"`

	GeminiAPIKey        string        `json:"-"`
	AudioBaseURL        string        `json:"audio_base_url"`
	AudioAPIKey         string        `json:"-"`
	STTModel            string        `json:"stt_model"`
	TTSModel            string        `json:"tts_model"`
	SpeechCacheDir      string        `json:"speech_cache_dir"`
	MaxAudioBufferBytes int           `json:"max_audio_buffer_bytes"`
	ResponseTimeout     time.Duration `json:"response_timeout"`
	CleanupTimeout      time.Duration `json:"cleanup_timeout"`
}

// DefaultConfig returns the default realtime configuration.
func DefaultConfig() *RealtimeConfig {
	return &RealtimeConfig{
		Addr:                ":8080",
		Path:                "/v1/realtime",
		MaxConnections:      1000,
		HeartbeatInterval:   30 * time.Second,
		WriteTimeout:        10 * time.Second,
		ReadBufferSize:      1024,
		WriteBufferSize:     1024,
		MaxMessageBytes:     1 << 20,
		SessionTTL:          time.Hour,
		SessionInitAttempts: 3,
		SessionInitBackoff:  time.Second,
		DefaultModel:        "gemini-2.0-flash",
		DefaultVoice:        "alloy",
		DefaultTemperature:  0.8,
		RateLimitRequests:   1000,
		RateLimitTokens:     50000,
		RateLimitWindow:     time.Minute,
		DBDriver:            DriverMemory,
		AudioBaseURL:        "https://api.openai.com/v1",
		STTModel:            "whisper-1",
		TTSModel:            "tts-1",
		SpeechCacheDir:      os.TempDir() + "/realtime-speech",
		MaxAudioBufferBytes: 10 << 20,
		ResponseTimeout:     60 * time.Second,
		CleanupTimeout:      5 * time.Second,
	}
}

// LoadFromEnv reads REALTIME_* variables over the defaults. Files, or ".env"
// when none are given, are loaded first without overriding the environment.
func LoadFromEnv(files ...string) (*RealtimeConfig, error) {
	_ = godotenv.Load(files...)

	d := DefaultConfig()
	cfg := &RealtimeConfig{
		Addr:                envOr("REALTIME_ADDR", d.Addr),
		Path:                envOr("REALTIME_PATH", d.Path),
		MaxConnections:      envIntOr("REALTIME_MAX_CONNECTIONS", d.MaxConnections),
		HeartbeatInterval:   envDurationOr("REALTIME_HEARTBEAT_INTERVAL", d.HeartbeatInterval),
		WriteTimeout:        envDurationOr("REALTIME_WRITE_TIMEOUT", d.WriteTimeout),
		ReadBufferSize:      envIntOr("REALTIME_READ_BUFFER_SIZE", d.ReadBufferSize),
		WriteBufferSize:     envIntOr("REALTIME_WRITE_BUFFER_SIZE", d.WriteBufferSize),
		MaxMessageBytes:     envInt64Or("REALTIME_MAX_MESSAGE_BYTES", d.MaxMessageBytes),
		SessionTTL:          envDurationOr("REALTIME_SESSION_TTL", d.SessionTTL),
		SessionInitAttempts: envIntOr("REALTIME_SESSION_INIT_ATTEMPTS", d.SessionInitAttempts),
		SessionInitBackoff:  envDurationOr("REALTIME_SESSION_INIT_BACKOFF", d.SessionInitBackoff),
		DefaultModel:        envOr("REALTIME_DEFAULT_MODEL", d.DefaultModel),
		DefaultVoice:        envOr("REALTIME_DEFAULT_VOICE", d.DefaultVoice),
		DefaultTemperature:  envFloat64Or("REALTIME_DEFAULT_TEMPERATURE", d.DefaultTemperature),
		AudioEnabled:        envBoolOr("REALTIME_AUDIO_ENABLED", d.AudioEnabled),
		RateLimitRequests:   envIntOr("REALTIME_RATE_LIMIT_REQUESTS", d.RateLimitRequests),
		RateLimitTokens:     envIntOr("REALTIME_RATE_LIMIT_TOKENS", d.RateLimitTokens),
		RateLimitWindow:     envDurationOr("REALTIME_RATE_LIMIT_WINDOW", d.RateLimitWindow),
		DBDriver:            strings.ToLower(envOr("REALTIME_DB_DRIVER", d.DBDriver)),
		DBDSN:               envOr("REALTIME_DB_DSN", d.DBDSN),
		GeminiAPIKey:        envOr("REALTIME_GEMINI_API_KEY", os.Getenv("GEMINI_API_KEY")),
		AudioBaseURL:        envOr("REALTIME_AUDIO_BASE_URL", d.AudioBaseURL),
		AudioAPIKey:         envOr("REALTIME_AUDIO_API_KEY", d.AudioAPIKey),
		STTModel:            envOr("REALTIME_STT_MODEL", d.STTModel),
		TTSModel:            envOr("REALTIME_TTS_MODEL", d.TTSModel),
		SpeechCacheDir:      envOr("REALTIME_SPEECH_CACHE_DIR", d.SpeechCacheDir),
		MaxAudioBufferBytes: envIntOr("REALTIME_MAX_AUDIO_BUFFER_BYTES", d.MaxAudioBufferBytes),
		ResponseTimeout:     envDurationOr("REALTIME_RESPONSE_TIMEOUT", d.ResponseTimeout),
		CleanupTimeout:      envDurationOr("REALTIME_CLEANUP_TIMEOUT", d.CleanupTimeout),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *RealtimeConfig) Validate() error {
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("REALTIME_PATH must start with /")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("REALTIME_MAX_CONNECTIONS must be > 0")
	}
	for name, d := range map[string]time.Duration{
		"REALTIME_HEARTBEAT_INTERVAL": c.HeartbeatInterval,
		"REALTIME_WRITE_TIMEOUT":      c.WriteTimeout,
		"REALTIME_SESSION_TTL":        c.SessionTTL,
		"REALTIME_RATE_LIMIT_WINDOW":  c.RateLimitWindow,
		"REALTIME_RESPONSE_TIMEOUT":   c.ResponseTimeout,
		"REALTIME_CLEANUP_TIMEOUT":    c.CleanupTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.SessionInitBackoff < 0 {
		return fmt.Errorf("REALTIME_SESSION_INIT_BACKOFF must be >= 0")
	}
	if c.SessionInitAttempts < 1 {
		return fmt.Errorf("REALTIME_SESSION_INIT_ATTEMPTS must be >= 1")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("REALTIME_MAX_MESSAGE_BYTES must be > 0")
	}
	if c.MaxAudioBufferBytes <= 0 {
		return fmt.Errorf("REALTIME_MAX_AUDIO_BUFFER_BYTES must be > 0")
	}
	if c.RateLimitRequests <= 0 || c.RateLimitTokens <= 0 {
		return fmt.Errorf("REALTIME_RATE_LIMIT_REQUESTS and REALTIME_RATE_LIMIT_TOKENS must be > 0")
	}
	if c.DefaultTemperature < 0 || c.DefaultTemperature > 2 {
		return fmt.Errorf("REALTIME_DEFAULT_TEMPERATURE must be between 0 and 2")
	}
	switch c.DBDriver {
	case DriverMemory:
	case DriverSQLite, DriverPgx:
		if c.DBDSN == "" {
			return fmt.Errorf("REALTIME_DB_DSN must be set when REALTIME_DB_DRIVER=%s", c.DBDriver)
		}
	default:
		return fmt.Errorf("REALTIME_DB_DRIVER must be one of memory|sqlite|pgx")
	}
	return nil
}

// Modalities returns the default modalities for new sessions.
func (c *RealtimeConfig) Modalities() []string {
	if c.AudioEnabled {
		return []string{"text", "audio"}
	}
	return []string{"text"}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
