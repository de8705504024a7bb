// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Agent registry backends.
const (
	BackendHosted = "hosted"
	BackendSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	CORSOrigins    []string
	DefaultUserID  string
	AgentBackend   string
	DBPath         string
	GRPCHealthAddr string

	OpenAI    OpenAIConfig
	Speech    SpeechConfig
	CosyVoice CosyVoiceConfig

	GenerationTimeout    time.Duration
	SpeechTimeout        time.Duration
	SynthesisConcurrency int
	SessionTTL           time.Duration
	ThreadTTL            time.Duration
	MaxThreads           int
	MaxUploadBytes       int64

	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// OpenAIConfig holds Azure OpenAI settings. Missing values are reported at
// first use, not at startup.
type OpenAIConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	Deployment string
}

// SpeechConfig holds Azure Speech settings.
type SpeechConfig struct {
	Key    string
	Region string
	Voice  string
}

// CosyVoiceConfig controls the voice-cloning synthesis server.
type CosyVoiceConfig struct {
	Enabled bool
	URL     string
}

// RateLimitConfig bounds chat requests per user.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8000"),
		CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "*")),
		DefaultUserID:  getEnv("DEFAULT_USER_ID", "demo-user"),
		AgentBackend:   strings.ToLower(getEnv("AGENT_BACKEND", BackendHosted)),
		DBPath:         getEnv("DB_PATH", "./data/agents.db"),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		OpenAI: OpenAIConfig{
			Endpoint:   getEnv("AZURE_OPENAI_ENDPOINT", ""),
			APIKey:     getEnv("AZURE_OPENAI_API_KEY", ""),
			APIVersion: getEnv("AZURE_OPENAI_API_VERSION", "2024-06-01"),
			Deployment: getEnv("AZURE_OPENAI_DEPLOYMENT", ""),
		},
		Speech: SpeechConfig{
			Key:    getEnv("AZURE_SPEECH_KEY", ""),
			Region: getEnv("AZURE_SPEECH_REGION", ""),
			Voice:  getEnv("AZURE_TTS_VOICE", "zh-CN-XiaoxiaoNeural"),
		},
		CosyVoice: CosyVoiceConfig{
			Enabled: getEnvBool("COSYVOICE_ENABLED", false),
			URL:     getEnv("COSYVOICE_URL", "http://localhost:9880"),
		},
		GenerationTimeout:    getEnvDuration("GENERATION_TIMEOUT", 60*time.Second),
		SpeechTimeout:        getEnvDuration("SPEECH_TIMEOUT", 30*time.Second),
		SynthesisConcurrency: getEnvInt("SYNTHESIS_CONCURRENCY", 4),
		SessionTTL:           getEnvDuration("SESSION_TTL", 2*time.Hour),
		ThreadTTL:            getEnvDuration("THREAD_TTL", 6*time.Hour),
		MaxThreads:           getEnvInt("MAX_THREADS", 10000),
		MaxUploadBytes:       int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.AgentBackend {
	case BackendHosted:
	case BackendSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty when AGENT_BACKEND=sqlite")
		}
	default:
		return fmt.Errorf("AGENT_BACKEND must be %q or %q, got %q", BackendHosted, BackendSQLite, c.AgentBackend)
	}
	if c.GenerationTimeout <= 0 || c.SpeechTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT and SPEECH_TIMEOUT must be > 0")
	}
	if c.SynthesisConcurrency <= 0 {
		return fmt.Errorf("SYNTHESIS_CONCURRENCY must be > 0")
	}
	if c.SessionTTL < 0 || c.ThreadTTL < 0 {
		return fmt.Errorf("SESSION_TTL and THREAD_TTL cannot be negative")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
