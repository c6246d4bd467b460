package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvConfigPath 是指定配置文件路径的环境变量。
const EnvConfigPath = "BRIDGEAGENT_CONFIG"

// DefaultConfigPath 是未设置环境变量时使用的配置文件路径。
const DefaultConfigPath = "configs/bridgeagent.json"

// Config 描述了桥接助手在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Agent    AgentConfig    `json:"agent"`
	Session  SessionConfig  `json:"session"`
	LLM      LLMConfig      `json:"llm"`
	Web3     Web3Config     `json:"web3"`
	Bridge   BridgeConfig   `json:"bridge"`
	Intent   IntentConfig   `json:"intent"`
	Events   EventsConfig   `json:"events"`
	Archive  ArchiveConfig  `json:"archive"`
	Auth     AuthConfig     `json:"auth"`
	Alerting AlertingConfig `json:"alerting"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string `json:"address"`
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
}

// AgentConfig 控制对话循环。
type AgentConfig struct {
	MaxTurns            int     `json:"max_turns"`
	ModelTimeoutSeconds int     `json:"model_timeout_seconds"`
	InputPricePerMTok   float64 `json:"input_price_per_mtok"`
	OutputPricePerMTok  float64 `json:"output_price_per_mtok"`
	KnowledgePath       string  `json:"knowledge_path"`
}

// ModelTimeout 返回单次模型调用的超时时间，0 表示不限制。
func (a AgentConfig) ModelTimeout() time.Duration {
	return time.Duration(a.ModelTimeoutSeconds) * time.Second
}

// SessionConfig 描述会话存储。
type SessionConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int         `json:"ttl_seconds"`
	KeyPrefix  string      `json:"key_prefix"`
	Redis      RedisConfig `json:"redis"`
}

// TTL 返回会话过期时间。
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address     string `json:"address"`
	PasswordEnv string `json:"password_env"`
	DB          int    `json:"db"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	BaseURL        string `json:"base_url"`
	APIKeyEnv      string `json:"api_key_env"`
	MaxTokens      int    `json:"max_tokens"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Web3Config 包含访问区块链节点所需的配置。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
}

// BridgeConfig 描述跨链报价聚合服务。
type BridgeConfig struct {
	BaseURL         string `json:"base_url"`
	Integrator      string `json:"integrator"`
	APIKeyEnv       string `json:"api_key_env"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	CacheSize       int    `json:"cache_size"`
	QuoteTTLSeconds int    `json:"quote_ttl_seconds"`
	SlippageBps     int    `json:"slippage_bps"`
}

// IntentConfig 描述意图解析器的别名表。
type IntentConfig struct {
	AliasFile string `json:"alias_file"`
}

// EventsConfig 描述会话生命周期事件的发布方式。
type EventsConfig struct {
	Driver   string            `json:"driver"`
	RabbitMQ RabbitMQConfig    `json:"rabbitmq"`
	Redis    RedisEventsConfig `json:"redis"`
}

// RedisEventsConfig 描述基于 Redis 列表的事件队列。
type RedisEventsConfig struct {
	RedisConfig
	List string `json:"list"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	URLEnv   string `json:"url_env"`
	Exchange string `json:"exchange"`
}

// ArchiveConfig 描述终态会话的归档存储。
type ArchiveConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	DSNEnv                 string `json:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	AutoMigrate            bool   `json:"auto_migrate"`
}

// AuthConfig 描述 API 调用方的认证方式。
type AuthConfig struct {
	Mode    string             `json:"mode"`
	Clients []AuthClientConfig `json:"clients"`
}

// AuthClientConfig 描述一个聊天传输层客户端，令牌从环境变量读取。
type AuthClientConfig struct {
	Name        string   `json:"name"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
}

// AlertingConfig 描述会话故障告警。
type AlertingConfig struct {
	WebhookURLEnv string `json:"webhook_url_env"`
	Log           bool   `json:"log"`
}

// LoggingConfig 描述日志输出。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 描述审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultConfigPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default 返回只包含默认值的配置，适用于测试与本地运行。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 30
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 120
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = 25
	}
	if c.Agent.InputPricePerMTok <= 0 {
		c.Agent.InputPricePerMTok = 3
	}
	if c.Agent.OutputPricePerMTok <= 0 {
		c.Agent.OutputPricePerMTok = 15
	}
	c.Agent.KnowledgePath = resolvePath(baseDir, c.Agent.KnowledgePath)

	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}
	if c.Session.TTLSeconds <= 0 {
		c.Session.TTLSeconds = 1800
	}
	if c.Session.KeyPrefix == "" {
		c.Session.KeyPrefix = "bridgeagent:session:"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.APIKeyEnv == "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.APIKeyEnv = "OPENAI_API_KEY"
		default:
			c.LLM.APIKeyEnv = "ANTHROPIC_API_KEY"
		}
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}

	if c.Web3.ChainConfig == "" {
		c.Web3.ChainConfig = "chains.yaml"
	}
	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)

	if c.Bridge.BaseURL == "" {
		c.Bridge.BaseURL = "https://li.quest/v1"
	}
	if c.Bridge.Integrator == "" {
		c.Bridge.Integrator = "openmcp-bridge"
	}
	if c.Bridge.TimeoutSeconds <= 0 {
		c.Bridge.TimeoutSeconds = 15
	}
	if c.Bridge.CacheSize <= 0 {
		c.Bridge.CacheSize = 256
	}
	if c.Bridge.QuoteTTLSeconds <= 0 {
		c.Bridge.QuoteTTLSeconds = 300
	}
	if c.Bridge.SlippageBps <= 0 {
		c.Bridge.SlippageBps = 50
	}

	c.Intent.AliasFile = resolvePath(baseDir, c.Intent.AliasFile)

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "bridgeagent.events"
	}
	if c.Events.Redis.List == "" {
		c.Events.Redis.List = "bridgeagent:events"
	}

	if c.Archive.Driver == "" {
		c.Archive.Driver = "none"
	}
	if c.Archive.MaxOpenConns <= 0 {
		c.Archive.MaxOpenConns = 10
	}
	if c.Archive.MaxIdleConns <= 0 {
		c.Archive.MaxIdleConns = 5
	}
	if c.Archive.ConnMaxLifetimeSeconds <= 0 {
		c.Archive.ConnMaxLifetimeSeconds = 300
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	}
}

// Validate 检查枚举型字段。
func (c *Config) Validate() error {
	switch c.Session.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Session.Redis.Address) == "" {
			return errors.New("session.redis.address 不能为空")
		}
	default:
		return fmt.Errorf("不支持的会话存储驱动: %s", c.Session.Driver)
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("不支持的大模型提供方: %s", c.LLM.Provider)
	}
	switch c.Events.Driver {
	case "none", "memory", "rabbitmq":
	case "redis":
		if strings.TrimSpace(c.Events.Redis.Address) == "" {
			return errors.New("events.redis.address 不能为空")
		}
	default:
		return fmt.Errorf("不支持的事件驱动: %s", c.Events.Driver)
	}
	switch c.Archive.Driver {
	case "none", "memory", "mysql":
	default:
		return fmt.Errorf("不支持的归档驱动: %s", c.Archive.Driver)
	}
	switch c.Auth.Mode {
	case "disabled":
	case "token":
		if len(c.Auth.Clients) == 0 {
			return errors.New("auth.clients 不能为空")
		}
		for _, client := range c.Auth.Clients {
			if strings.TrimSpace(client.Name) == "" || strings.TrimSpace(client.TokenEnv) == "" {
				return errors.New("auth.clients 需要 name 与 token_env")
			}
		}
	default:
		return fmt.Errorf("不支持的认证模式: %s", c.Auth.Mode)
	}
	if c.Agent.MaxTurns > 200 {
		return fmt.Errorf("agent.max_turns 过大: %d", c.Agent.MaxTurns)
	}
	return nil
}

// Secret 读取 *_env 字段指向的环境变量。
func Secret(envName string) string {
	if strings.TrimSpace(envName) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
