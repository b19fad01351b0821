package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/dyno-tavern/backend/internal/provider/ollama"
)

const (
	ProviderOllama = "ollama"
	ProviderArk    = "ark"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Inference InferenceConfig
	Memory    MemoryConfig
	Session   SessionConfig
	Log       LogConfig
	// PersonasFile 为空时使用内置角色。
	PersonasFile     string
	MetricsNamespace string
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	inference, err := loadInferenceConfig()
	if err != nil {
		return nil, err
	}

	memory, err := loadMemoryConfig(inference.Ollama.BaseURL)
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:           server,
		Inference:        inference,
		Memory:           memory,
		Session:          session,
		Log:              loadLogConfig(),
		PersonasFile:     strings.TrimSpace(os.Getenv("PERSONAS_FILE")),
		MetricsNamespace: getEnvOrDefault("METRICS_NAMESPACE", "dyno_tavern"),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, ShutdownTimeout: shutdown}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, ShutdownTimeout: shutdown}, nil
}

// InferenceConfig 描述大模型相关配置。
type InferenceConfig struct {
	Provider    string
	Temperature *float64
	IdleTimeout time.Duration
	Ollama      OllamaConfig
	Ark         ArkConfig
}

type OllamaConfig struct {
	BaseURL        string
	Model          string
	KeepAlive      string
	ConnectTimeout time.Duration
}

type ArkConfig struct {
	APIKey    string
	AccessKey string
	SecretKey string
	Model     string
	BaseURL   string
	Region    string
	TopP      *float64
	MaxTokens *int
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c InferenceConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	temperature := toFloat32(c.Temperature)

	switch c.Provider {
	case ProviderOllama:
		return ollama.NewChatModel(ollama.Config{
			BaseURL:        c.Ollama.BaseURL,
			Model:          c.Ollama.Model,
			Temperature:    temperature,
			KeepAlive:      c.Ollama.KeepAlive,
			ConnectTimeout: c.Ollama.ConnectTimeout,
		})
	case ProviderArk:
		if !c.Ark.Enabled() {
			return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
		}

		var maxTokens *int
		if c.Ark.MaxTokens != nil {
			val := *c.Ark.MaxTokens
			maxTokens = &val
		}

		return ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     c.Ark.BaseURL,
			Region:      c.Ark.Region,
			APIKey:      c.Ark.APIKey,
			AccessKey:   c.Ark.AccessKey,
			SecretKey:   c.Ark.SecretKey,
			Model:       c.Ark.Model,
			MaxTokens:   maxTokens,
			Temperature: temperature,
			TopP:        toFloat32(c.Ark.TopP),
		})
	default:
		return nil, fmt.Errorf("unsupported INFERENCE_PROVIDER %q", c.Provider)
	}
}

func toFloat32(v *float64) *float32 {
	if v == nil {
		return nil
	}
	val := float32(*v)
	return &val
}

func loadInferenceConfig() (InferenceConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("INFERENCE_PROVIDER", ProviderOllama))
	if provider != ProviderOllama && provider != ProviderArk {
		return InferenceConfig{}, fmt.Errorf("invalid INFERENCE_PROVIDER value %q", provider)
	}

	temperature, err := parseOptionalFloatEnv("LLM_TEMPERATURE")
	if err != nil {
		return InferenceConfig{}, err
	}

	idle, err := parseDurationEnv("GENERATION_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return InferenceConfig{}, err
	}

	connect, err := parseDurationEnv("OLLAMA_CONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return InferenceConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return InferenceConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return InferenceConfig{}, err
	}

	return InferenceConfig{
		Provider:    provider,
		Temperature: temperature,
		IdleTimeout: idle,
		Ollama: OllamaConfig{
			BaseURL:        getEnvOrDefault("OLLAMA_BASE_URL", ollama.DefaultBaseURL),
			Model:          getEnvOrDefault("OLLAMA_MODEL", ollama.DefaultModel),
			KeepAlive:      strings.TrimSpace(os.Getenv("OLLAMA_KEEP_ALIVE")),
			ConnectTimeout: connect,
		},
		Ark: ArkConfig{
			APIKey:    strings.TrimSpace(os.Getenv("ARK_API_KEY")),
			AccessKey: strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
			SecretKey: strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
			Model:     strings.TrimSpace(os.Getenv("ARK_MODEL")),
			BaseURL:   getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
			Region:    getEnvOrDefault("ARK_REGION", "cn-beijing"),
			TopP:      topP,
			MaxTokens: maxTokens,
		},
	}, nil
}

// MemoryConfig 描述角色记忆存储配置。
type MemoryConfig struct {
	Backend       string
	Dir           string
	DatabaseURL   string
	EmbedModel    string
	EmbedBaseURL  string
	EmbedCacheMax int64
	OpTimeout     time.Duration
	// ExcerptSize 为上传文档切分后每段的最大字符数。
	ExcerptSize int
}

func loadMemoryConfig(ollamaBaseURL string) (MemoryConfig, error) {
	timeout, err := parseDurationEnv("MEMORY_OP_TIMEOUT", 5*time.Second)
	if err != nil {
		return MemoryConfig{}, err
	}

	cacheMax := int64(4096)
	if override, err := parseOptionalIntEnv("EMBED_CACHE_SIZE"); err != nil {
		return MemoryConfig{}, err
	} else if override != nil {
		cacheMax = int64(*override)
	}

	excerptSize := 1200
	if override, err := parseOptionalIntEnv("DOCUMENT_EXCERPT_SIZE"); err != nil {
		return MemoryConfig{}, err
	} else if override != nil {
		if *override < 200 {
			return MemoryConfig{}, fmt.Errorf("invalid DOCUMENT_EXCERPT_SIZE value %d: must be at least 200", *override)
		}
		excerptSize = *override
	}

	return MemoryConfig{
		Backend:       strings.ToLower(strings.TrimSpace(os.Getenv("MEMORY_BACKEND"))),
		Dir:           getEnvOrDefault("MEMORY_DIR", "./data/memory"),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		EmbedModel:    getEnvOrDefault("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		EmbedBaseURL:  getEnvOrDefault("OLLAMA_EMBED_BASE_URL", ollamaBaseURL),
		EmbedCacheMax: cacheMax,
		OpTimeout:     timeout,
		ExcerptSize:   excerptSize,
	}, nil
}

// SessionConfig 描述会话生命周期配置。
type SessionConfig struct {
	IdleTTL         time.Duration
	JanitorSchedule string
	DefaultWindow   int
}

func loadSessionConfig() (SessionConfig, error) {
	ttl, err := parseDurationEnv("SESSION_IDLE_TTL", 30*time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}

	window := 5
	if override, err := parseOptionalIntEnv("CONTEXT_WINDOW"); err != nil {
		return SessionConfig{}, err
	} else if override != nil {
		if *override < 3 || *override > 15 {
			return SessionConfig{}, fmt.Errorf("invalid CONTEXT_WINDOW value %d: must be between 3 and 15", *override)
		}
		window = *override
	}

	return SessionConfig{
		IdleTTL:         ttl,
		JanitorSchedule: getEnvOrDefault("SESSION_JANITOR_SCHEDULE", "@every 1m"),
		DefaultWindow:   window,
	}, nil
}

// LogConfig 描述日志输出配置。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "json")),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
