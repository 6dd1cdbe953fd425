package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"QueryPilot/pkg/logger"
)

// Config 描述了 QueryPilot 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  logger.Config  `yaml:"logging"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Tools    ToolsConfig    `yaml:"tools"`
	Storage  StorageConfig  `yaml:"storage"`
	Sessions SessionsConfig `yaml:"sessions"`
	Queue    QueueConfig    `yaml:"queue"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Alerting AlertingConfig `yaml:"alerting"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// APIKeys 非空时，除 /healthz 外的接口都需要携带 Bearer 密钥。
	APIKeys []string `yaml:"api_keys"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	// Provider 取值 openai 或 python_bridge。
	Provider    string             `yaml:"provider"`
	Model       string             `yaml:"model"`
	BaseURL     string             `yaml:"base_url"`
	APIKey      string             `yaml:"api_key"`
	APIKeyEnv   string             `yaml:"api_key_env"`
	Timeout     time.Duration      `yaml:"timeout"`
	Temperature float32            `yaml:"temperature"`
	Python      PythonBridgeConfig `yaml:"python_bridge"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `yaml:"python_executable"`
	ScriptPath       string `yaml:"script_path"`
	WorkingDir       string `yaml:"working_dir"`
}

// AgentConfig 控制流水线与推理循环的行为。
type AgentConfig struct {
	MemoryCapacity int           `yaml:"memory_capacity"`
	MaxReplans     int           `yaml:"max_replans"`
	MaxUnclear     int           `yaml:"max_unclear"`
	StageTimeout   time.Duration `yaml:"stage_timeout"`
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
	// ReasoningLoop 打开后，计划执行完仍有待处理项时交给推理循环继续调用工具。
	ReasoningLoop  bool `yaml:"reasoning_loop"`
	MaxIterations  int  `yaml:"max_iterations"`
	Guardrail      bool `yaml:"guardrail"`
	LLMClassifier  bool `yaml:"llm_classifier"`
	LLMSynthesizer bool `yaml:"llm_synthesizer"`
}

// ToolsConfig 声明本地目录工具与远程 HTTP 工具。
type ToolsConfig struct {
	Catalog CatalogConfig      `yaml:"catalog"`
	Remote  []RemoteToolConfig `yaml:"remote"`
}

// CatalogConfig 指向 JSON 文档目录。Path 为空时不注册目录工具。
type CatalogConfig struct {
	Path          string `yaml:"path"`
	MaxResults    int    `yaml:"max_results"`
	ScopeTool     string `yaml:"scope_tool"`
	CandidateTool string `yaml:"candidate_tool"`
	DetailTool    string `yaml:"detail_tool"`
}

// RemoteToolConfig 描述一个通过 HTTP 调用的工具。
type RemoteToolConfig struct {
	Name        string        `yaml:"name"`
	Tier        string        `yaml:"tier"`
	Description string        `yaml:"description"`
	Endpoint    string        `yaml:"endpoint"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	// Turns 取值 file 或 mysql。
	Turns TurnStoreConfig `yaml:"turns"`
	// Jobs 取值 memory 或 mysql。
	Jobs  JobStoreConfig `yaml:"jobs"`
	MySQL MySQLConfig    `yaml:"mysql"`
	Redis RedisConfig    `yaml:"redis"`
}

// TurnStoreConfig 选择轮次记录的存储后端。
type TurnStoreConfig struct {
	Driver string `yaml:"driver"`
}

// JobStoreConfig 选择异步任务状态的存储后端。
type JobStoreConfig struct {
	Driver     string `yaml:"driver"`
	MaxRetries int    `yaml:"max_retries"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig 是会话存储与 Redis 队列共用的连接信息。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SessionsConfig 控制会话记忆的持久化。Driver 取值 memory 或 redis。
type SessionsConfig struct {
	Driver string        `yaml:"driver"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`

	// MaxResident 为进程内常驻会话上限，超出后移出最久未使用的空闲会话。
	MaxResident int `yaml:"max_resident"`
}

// QueueConfig 控制异步轮次任务的队列。Driver 取值 memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver     string         `yaml:"driver"`
	Workers    int            `yaml:"workers"`
	BufferSize int            `yaml:"buffer_size"`
	Redis      RedisQueue     `yaml:"redis"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisQueue 描述 Redis 队列的键名。
type RedisQueue struct {
	Queue     string        `yaml:"queue"`
	Consumer  string        `yaml:"consumer"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// MetricsConfig 控制 Prometheus 指标暴露。Address 为空时挂在 API 服务上。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Address string `yaml:"address"`
}

// AlertingConfig 配置任务失败告警。
type AlertingConfig struct {
	MinSeverity string          `yaml:"min_severity"`
	Webhooks    []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig 描述一个 webhook 渠道，Format 取值 webhook、slack 或 dingtalk。
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Format string `yaml:"format"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 YAML 内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回未提供配置文件时使用的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(".")
	return cfg
}

// applyEnv 使用 QP_* 环境变量覆盖配置。
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Address, "QP_SERVER_ADDRESS")
	set(&c.Logging.Level, "QP_LOG_LEVEL")
	set(&c.LLM.Provider, "QP_LLM_PROVIDER")
	set(&c.LLM.Model, "QP_LLM_MODEL")
	set(&c.LLM.BaseURL, "QP_LLM_BASE_URL")
	set(&c.LLM.APIKey, "QP_LLM_API_KEY")
	set(&c.Tools.Catalog.Path, "QP_CATALOG_PATH")
	set(&c.Storage.MySQL.DSN, "QP_MYSQL_DSN")
	set(&c.Storage.Redis.Address, "QP_REDIS_ADDRESS")
	set(&c.Storage.Redis.Password, "QP_REDIS_PASSWORD")
	set(&c.Queue.RabbitMQ.URL, "QP_RABBITMQ_URL")
	if v := strings.TrimSpace(getenv("QP_QUEUE_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.Workers = n
		}
	}
	if v := strings.TrimSpace(getenv("QP_API_KEYS")); v != "" {
		c.Server.APIKeys = nil
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				c.Server.APIKeys = append(c.Server.APIKeys, key)
			}
		}
	}
	if v := strings.TrimSpace(getenv("QP_ALERT_WEBHOOK_URL")); v != "" {
		c.Alerting.Webhooks = append(c.Alerting.Webhooks, WebhookConfig{URL: v, Format: "webhook"})
	}
	if c.LLM.APIKey == "" {
		keyEnv := c.LLM.APIKeyEnv
		if keyEnv == "" {
			keyEnv = "OPENAI_API_KEY"
		}
		c.LLM.APIKey = strings.TrimSpace(getenv(keyEnv))
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir, baseDir)
	if c.LLM.Python.ScriptPath != "" {
		c.LLM.Python.ScriptPath = resolve(baseDir, c.LLM.Python.ScriptPath, "")
	}

	if c.Agent.MemoryCapacity <= 0 {
		c.Agent.MemoryCapacity = 5
	}
	if c.Agent.MaxReplans <= 0 {
		c.Agent.MaxReplans = 3
	}
	if c.Agent.MaxUnclear <= 0 {
		c.Agent.MaxUnclear = 3
	}
	if c.Agent.StageTimeout <= 0 {
		c.Agent.StageTimeout = 90 * time.Second
	}
	if c.Agent.ToolTimeout <= 0 {
		c.Agent.ToolTimeout = 30 * time.Second
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 8
	}

	if c.Tools.Catalog.Path != "" {
		c.Tools.Catalog.Path = resolve(baseDir, c.Tools.Catalog.Path, "")
	}
	if c.Tools.Catalog.MaxResults <= 0 {
		c.Tools.Catalog.MaxResults = 5
	}
	for i := range c.Tools.Remote {
		if c.Tools.Remote[i].Timeout <= 0 {
			c.Tools.Remote[i].Timeout = c.Agent.ToolTimeout
		}
	}

	if c.Storage.Turns.Driver == "" {
		c.Storage.Turns.Driver = "file"
	}
	if c.Storage.Jobs.Driver == "" {
		c.Storage.Jobs.Driver = "memory"
	}
	if c.Storage.Jobs.MaxRetries <= 0 {
		c.Storage.Jobs.MaxRetries = 3
	}
	if c.Storage.MySQL.MaxOpenConns <= 0 {
		c.Storage.MySQL.MaxOpenConns = 10
	}
	if c.Storage.MySQL.MaxIdleConns <= 0 {
		c.Storage.MySQL.MaxIdleConns = 5
	}
	if c.Storage.MySQL.ConnMaxLifetime <= 0 {
		c.Storage.MySQL.ConnMaxLifetime = time.Hour
	}

	if c.Sessions.Driver == "" {
		c.Sessions.Driver = "memory"
	}
	if c.Sessions.MaxResident <= 0 {
		c.Sessions.MaxResident = 1024
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = 256
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Alerting.MinSeverity == "" {
		c.Alerting.MinSeverity = "warning"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, filepath.Join(baseDir, "data"))
}

// Validate 检查取值范围与相互依赖的字段。
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 取值 %q 无效，可选 %s", field, value, strings.Join(allowed, "|")))
	}
	oneOf("llm.provider", c.LLM.Provider, "openai", "python_bridge")
	oneOf("storage.turns.driver", c.Storage.Turns.Driver, "file", "mysql")
	oneOf("storage.jobs.driver", c.Storage.Jobs.Driver, "memory", "mysql")
	oneOf("sessions.driver", c.Sessions.Driver, "memory", "redis")
	oneOf("queue.driver", c.Queue.Driver, "memory", "redis", "rabbitmq")
	oneOf("alerting.min_severity", c.Alerting.MinSeverity, "info", "warning", "critical")

	if c.LLM.Provider == "python_bridge" && c.LLM.Python.ScriptPath == "" {
		errs = append(errs, errors.New("llm.python_bridge.script_path 不能为空"))
	}
	usesMySQL := c.Storage.Turns.Driver == "mysql" || c.Storage.Jobs.Driver == "mysql"
	if usesMySQL && c.Storage.MySQL.DSN == "" {
		errs = append(errs, errors.New("使用 mysql 时必须配置 storage.mysql.dsn"))
	}
	usesRedis := c.Sessions.Driver == "redis" || c.Queue.Driver == "redis"
	if usesRedis && c.Storage.Redis.Address == "" {
		errs = append(errs, errors.New("使用 redis 时必须配置 storage.redis.address"))
	}
	if c.Queue.Driver == "rabbitmq" && c.Queue.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("使用 rabbitmq 时必须配置 queue.rabbitmq.url"))
	}
	for i, tool := range c.Tools.Remote {
		if tool.Name == "" || tool.Endpoint == "" {
			errs = append(errs, fmt.Errorf("tools.remote[%d] 需要 name 与 endpoint", i))
		}
	}
	return errors.Join(errs...)
}

func resolve(baseDir, path, fallback string) string {
	if path == "" {
		return fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
