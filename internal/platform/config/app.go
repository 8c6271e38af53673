package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel  string         `json:"log_level"`
	LogFormat string         `json:"log_format"`
	Server    ServerConfig   `json:"server"`
	Database  DatabaseConfig `json:"database"`
	Redis     RedisConfig    `json:"redis"`
	Auth      AuthConfig     `json:"auth"`
	OpenAI    OpenAIConfig   `json:"openai"`
	Chat      ChatConfig     `json:"chat"`
}

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
	TurnTimeoutSeconds  int    `json:"turn_timeout_seconds"`
}

type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// ChatConfig 对话与记忆配置
type ChatConfig struct {
	Provider         string  `json:"provider"`          // 补全用 LLM provider
	Model            string  `json:"model"`             // 回复模型
	SummaryModel     string  `json:"summary_model"`     // 摘要模型，不配置则复用回复模型
	TitleModel       string  `json:"title_model"`       // 标题模型，不配置则复用摘要模型
	SystemPrompt     string  `json:"system_prompt"`     // 默认系统提示词
	WindowSize       int     `json:"window_size"`       // 滑动窗口消息条数，默认 10
	SummaryThreshold int     `json:"summary_threshold"` // 超此消息总数触发摘要，默认 15
	SummaryCacheTTL  int     `json:"summary_cache_ttl"` // 摘要 Redis 缓存 TTL（秒）
	MaxReplyTokens   int     `json:"max_reply_tokens"`  // 回复 token 上限
	Temperature      float64 `json:"temperature"`       // 回复温度
}

// Default 返回默认配置。
func Default() *AppConfig {
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 120,
			TurnTimeoutSeconds:  60,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Chat: ChatConfig{
			Provider:         "openai",
			Model:            "gpt-4o-mini",
			SystemPrompt:     "你是一个乐于助人的购物助手。",
			WindowSize:       10,
			SummaryThreshold: 15,
			SummaryCacheTTL:  1800,
			MaxReplyTokens:   1024,
			Temperature:      0.7,
		},
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	// .env 非必需
	_ = godotenv.Load()

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)
	applyInt("SERVER_TURN_TIMEOUT", &c.Server.TurnTimeoutSeconds)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyString("JWT_SECRET", &c.Auth.JWTSecret)
	applyString("JWT_ISSUER", &c.Auth.JWTIssuer)

	applyString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	applyString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)

	applyString("CHAT_LLM_PROVIDER", &c.Chat.Provider)
	applyString("CHAT_LLM_MODEL", &c.Chat.Model)
	applyString("SUMMARY_LLM_MODEL", &c.Chat.SummaryModel)
	applyString("TITLE_LLM_MODEL", &c.Chat.TitleModel)
	applyString("CHAT_SYSTEM_PROMPT", &c.Chat.SystemPrompt)
	applyInt("CHAT_WINDOW_SIZE", &c.Chat.WindowSize)
	applyInt("CHAT_SUMMARY_THRESHOLD", &c.Chat.SummaryThreshold)
	applyInt("CHAT_SUMMARY_CACHE_TTL", &c.Chat.SummaryCacheTTL)
	applyInt("CHAT_MAX_REPLY_TOKENS", &c.Chat.MaxReplyTokens)
	applyFloat64("CHAT_TEMPERATURE", &c.Chat.Temperature)
}

func (c *AppConfig) normalize() {
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Chat.SummaryModel == "" {
		c.Chat.SummaryModel = c.Chat.Model
	}
	if c.Chat.TitleModel == "" {
		c.Chat.TitleModel = c.Chat.SummaryModel
	}
	// 窗口必须小于阈值，否则触发摘要时没有可压缩的旧消息
	if c.Chat.SummaryThreshold <= c.Chat.WindowSize {
		c.Chat.SummaryThreshold = c.Chat.WindowSize + 5
	}
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}
