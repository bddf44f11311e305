package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server       ServerConfig
	LLM          LLMConfig
	Storage      StorageConfig
	Redis        RedisConfig
	NATS         NATSConfig
	Logging      LoggingConfig
	Conversation ConversationConfig
	Classifier   ClassifierConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	llm, err := loadLLMConfig()
	if err != nil {
		return nil, err
	}

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	redis, err := loadRedisConfig()
	if err != nil {
		return nil, err
	}

	conversation, err := loadConversationConfig()
	if err != nil {
		return nil, err
	}

	classifier, err := loadClassifierConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		LLM:     llm,
		Storage: storage,
		Redis:   redis,
		NATS: NATSConfig{
			URL:     strings.TrimSpace(os.Getenv("NATS_URL")),
			Subject: getEnvOrDefault("NATS_SUBJECT", "agent.exchange"),
		},
		Logging: LoggingConfig{
			Level: getEnvOrDefault("LOG_LEVEL", "info"),
			JSON:  strings.EqualFold(getEnvOrDefault("LOG_FORMAT", "text"), "json"),
		},
		Conversation: conversation,
		Classifier:   classifier,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := splitList(getEnvOrDefault("ALLOWED_ORIGINS", "*"))

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// LLMConfig 描述本地 Ollama 服务的连接与采样参数。
type LLMConfig struct {
	BaseURL        string
	Model          string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	Options        SamplingOptions

	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// SamplingOptions are sent verbatim as the "options" object of a generate call.
type SamplingOptions struct {
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	MaxTokens     int     `json:"max_tokens"`
	NumPredict    int     `json:"num_predict"`
	TopK          int     `json:"top_k"`
	RepeatPenalty float64 `json:"repeat_penalty"`
}

// DefaultSamplingOptions mirrors the values the assistant was tuned with.
func DefaultSamplingOptions() SamplingOptions {
	return SamplingOptions{
		Temperature:   0.7,
		TopP:          0.9,
		MaxTokens:     500,
		NumPredict:    500,
		TopK:          40,
		RepeatPenalty: 1.1,
	}
}

func loadLLMConfig() (LLMConfig, error) {
	opts := DefaultSamplingOptions()

	temperature, err := parseOptionalFloatEnv("LLM_TEMPERATURE")
	if err != nil {
		return LLMConfig{}, err
	}
	if temperature != nil {
		opts.Temperature = *temperature
	}

	topP, err := parseOptionalFloatEnv("LLM_TOP_P")
	if err != nil {
		return LLMConfig{}, err
	}
	if topP != nil {
		opts.TopP = *topP
	}

	topK, err := parseOptionalIntEnv("LLM_TOP_K")
	if err != nil {
		return LLMConfig{}, err
	}
	if topK != nil {
		opts.TopK = *topK
	}

	maxTokens, err := parseOptionalIntEnv("LLM_MAX_TOKENS")
	if err != nil {
		return LLMConfig{}, err
	}
	if maxTokens != nil {
		if *maxTokens < 1 {
			return LLMConfig{}, fmt.Errorf("invalid LLM_MAX_TOKENS value %d: must be positive", *maxTokens)
		}
		opts.MaxTokens = *maxTokens
		opts.NumPredict = *maxTokens
	}

	penalty, err := parseOptionalFloatEnv("LLM_REPEAT_PENALTY")
	if err != nil {
		return LLMConfig{}, err
	}
	if penalty != nil {
		opts.RepeatPenalty = *penalty
	}

	timeout, err := parseDurationEnv("LLM_TIMEOUT", 30*time.Second)
	if err != nil {
		return LLMConfig{}, err
	}

	connectTimeout, err := parseDurationEnv("LLM_CONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return LLMConfig{}, err
	}

	threshold := 5
	if override, err := parseOptionalIntEnv("LLM_BREAKER_THRESHOLD"); err != nil {
		return LLMConfig{}, err
	} else if override != nil {
		// 0 关闭熔断
		if *override < 0 {
			threshold = 0
		} else {
			threshold = *override
		}
	}

	cooldown, err := parseDurationEnv("LLM_BREAKER_COOLDOWN", 30*time.Second)
	if err != nil {
		return LLMConfig{}, err
	}

	return LLMConfig{
		BaseURL:          strings.TrimRight(getEnvOrDefault("OLLAMA_BASE_URL", "http://localhost:11434"), "/"),
		Model:            getEnvOrDefault("OLLAMA_MODEL", "llama3:latest"),
		Timeout:          timeout,
		ConnectTimeout:   connectTimeout,
		Options:          opts,
		BreakerThreshold: threshold,
		BreakerCooldown:  cooldown,
	}, nil
}

// Storage drivers understood by the session store.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// StorageConfig 描述会话存储。
type StorageConfig struct {
	Driver string
	DSN    string
}

func loadStorageConfig() (StorageConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("DB_DRIVER", DriverSQLite))
	switch driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return StorageConfig{}, &Error{Field: "DB_DRIVER", Value: driver, Err: ErrInvalidValue}
	}

	dsn := strings.TrimSpace(os.Getenv("DB_DSN"))
	if dsn == "" {
		switch driver {
		case DriverSQLite:
			dsn = "chat_history.db"
		case DriverPostgres:
			return StorageConfig{}, fmt.Errorf("DB_DSN is required when DB_DRIVER=%s", driver)
		}
	}

	return StorageConfig{Driver: driver, DSN: dsn}, nil
}

// RedisConfig 描述模型列表缓存；URL 为空时不启用。
type RedisConfig struct {
	URL      string
	ModelTTL time.Duration
}

// Enabled reports whether a Redis URL was supplied.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

func loadRedisConfig() (RedisConfig, error) {
	ttl, err := parseDurationEnv("MODEL_CACHE_TTL", time.Minute)
	if err != nil {
		return RedisConfig{}, err
	}
	return RedisConfig{
		URL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
		ModelTTL: ttl,
	}, nil
}

// NATSConfig 描述对话事件的发布目标；URL 为空时不发布。
type NATSConfig struct {
	URL     string
	Subject string
}

// Enabled reports whether a NATS URL was supplied.
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// LoggingConfig 描述日志级别与格式。
type LoggingConfig struct {
	Level string
	JSON  bool
}

// ConversationConfig 描述对话编排参数。
type ConversationConfig struct {
	IdentitiesFile string
	HistoryWindow  int
	// FallbackSeed 为 nil 时使用随机种子。
	FallbackSeed *uint64
}

func loadConversationConfig() (ConversationConfig, error) {
	window := 3
	if override, err := parseOptionalIntEnv("HISTORY_WINDOW"); err != nil {
		return ConversationConfig{}, err
	} else if override != nil {
		if *override < 1 {
			window = 1
		} else {
			window = *override
		}
	}

	var seed *uint64
	if raw := strings.TrimSpace(os.Getenv("FALLBACK_SEED")); raw != "" {
		val, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return ConversationConfig{}, fmt.Errorf("invalid FALLBACK_SEED value %q: %w", raw, err)
		}
		seed = &val
	}

	return ConversationConfig{
		IdentitiesFile: strings.TrimSpace(os.Getenv("IDENTITIES_FILE")),
		HistoryWindow:  window,
		FallbackSeed:   seed,
	}, nil
}

// ClassifierConfig 描述外部情绪分类服务；URL 为空时只接受客户端提供的标签。
type ClassifierConfig struct {
	URL     string
	Timeout time.Duration
}

func loadClassifierConfig() (ClassifierConfig, error) {
	timeout, err := parseDurationEnv("CLASSIFIER_TIMEOUT", 15*time.Second)
	if err != nil {
		return ClassifierConfig{}, err
	}
	return ClassifierConfig{
		URL:     strings.TrimRight(strings.TrimSpace(os.Getenv("CLASSIFIER_URL")), "/"),
		Timeout: timeout,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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

// parseDurationEnv accepts Go durations ("45s") or a bare number of seconds.
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
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
