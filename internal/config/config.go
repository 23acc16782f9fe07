package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 TaskMesh 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	Storage      StorageConfig      `yaml:"storage"`
	Queue        QueueConfig        `yaml:"queue"`
	Events       EventsConfig       `yaml:"events"`
	Registry     RegistryConfig     `yaml:"registry"`
	Negotiator   NegotiatorConfig   `yaml:"negotiator"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Payment      PaymentConfig      `yaml:"payment"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Alerting     AlertingConfig     `yaml:"alerting"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string        `yaml:"address"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MetricsEnabled *bool         `yaml:"metrics_enabled"`
	// MetricsAddress 非空时在独立端口暴露 /metrics，否则挂载在 API 服务上。
	MetricsAddress string `yaml:"metrics_address"`
}

// AuthConfig 描述 JWT 鉴权参数，关闭后所有请求以匿名用户身份执行。
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Issuer    string `yaml:"issuer"`
	Secret    string `yaml:"secret"`
	SecretEnv string `yaml:"secret_env"`
}

// LoggingConfig 对应 pkg/logger 的配置项。
type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Format  string      `yaml:"format"`
	Outputs []string    `yaml:"outputs"`
	Audit   AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// StorageConfig 统一描述任务存储与集成制品存储。
type StorageConfig struct {
	TaskStore TaskStoreConfig `yaml:"task_store"`
	Artifacts ArtifactConfig  `yaml:"artifacts"`
}

// TaskStoreConfig 支持 memory 与 mysql 两种驱动。
type TaskStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ArtifactConfig 支持 memory 与 redis 两种驱动。
type ArtifactConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
	Prefix string      `yaml:"prefix"`
}

// RedisConfig 是各模块共用的 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig 描述任务队列驱动，支持 memory、redis、rabbitmq。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Buffer   int            `yaml:"buffer"`
	Redis    RedisQueue     `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisQueue 描述基于 Redis 列表的任务队列。
type RedisQueue struct {
	RedisConfig `yaml:",inline"`
	Queue       string        `yaml:"queue"`
	BlockWait   time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 任务队列。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// EventsConfig 控制进度事件的订阅唤醒与外部镜像。
type EventsConfig struct {
	Notifier         string       `yaml:"notifier"`
	Redis            RedisConfig  `yaml:"redis"`
	Channel          string       `yaml:"channel"`
	SubscriberBuffer int          `yaml:"subscriber_buffer"`
	Mirror           MirrorConfig `yaml:"mirror"`
}

// MirrorConfig 控制是否把进度事件广播到 RabbitMQ fanout 交换机。
type MirrorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// RegistryConfig 描述能力注册表的访问方式。
type RegistryConfig struct {
	Driver          string        `yaml:"driver"`
	ChainsFile      string        `yaml:"chains_file"`
	Chain           string        `yaml:"chain"`
	RPCURL          string        `yaml:"rpc_url"`
	ContractAddress string        `yaml:"contract_address"`
	PrivateKeyEnv   string        `yaml:"private_key_env"`
	MetadataGateway string        `yaml:"metadata_gateway"`
	MetadataTimeout time.Duration `yaml:"metadata_timeout"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	Watch           bool          `yaml:"watch"`
	// Seed 仅在 memory 驱动下生效，用于本地联调时预置对手方。
	Seed []SeedAgent `yaml:"seed"`
}

// SeedAgent 是 memory 注册表的预置条目。
type SeedAgent struct {
	ID           string   `yaml:"id"`
	MetadataURI  string   `yaml:"metadata_uri"`
	Capabilities []string `yaml:"capabilities"`
}

// NegotiatorConfig 是候选筛选与议价策略。
type NegotiatorConfig struct {
	MinReputation   float64       `yaml:"min_reputation"`
	RequireVerified bool          `yaml:"require_verified"`
	MaxFallbacks    int           `yaml:"max_fallbacks"`
	Settler         string        `yaml:"settler"`
	SettleTimeout   time.Duration `yaml:"settle_timeout"`
}

// ExecutorConfig 是集成调用与重试策略。
type ExecutorConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	InvokeTimeout  time.Duration `yaml:"invoke_timeout"`
	AllowedSchemes []string      `yaml:"allowed_schemes"`
	AllowedHosts   []string      `yaml:"allowed_hosts"`
	DeniedHosts    []string      `yaml:"denied_hosts"`
}

// PaymentConfig 控制支付前置校验。
type PaymentConfig struct {
	Driver string  `yaml:"driver"`
	Budget float64 `yaml:"budget"`
}

// OrchestratorConfig 控制任务状态机的运行参数。
type OrchestratorConfig struct {
	Workers         int           `yaml:"workers"`
	AutoApprove     *bool         `yaml:"auto_approve"`
	MaxPlanCost     float64       `yaml:"max_plan_cost"`
	RetentionWindow time.Duration `yaml:"retention_window"`
	PurgeWindow     time.Duration `yaml:"purge_window"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// AlertingConfig 描述失败告警的 Webhook。
type AlertingConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load 负责解析指定路径的 YAML 配置文件，JSON 作为 YAML 子集同样可用。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse 解析配置内容并填充默认值。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查驱动组合是否可用。
func (c *Config) Validate() error {
	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.TaskStore.DSN) == "" {
			return errors.New("mysql 任务存储需要配置 dsn")
		}
	default:
		return fmt.Errorf("不支持的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}

	switch c.Storage.Artifacts.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("不支持的制品存储驱动: %s", c.Storage.Artifacts.Driver)
	}

	switch c.Queue.Driver {
	case "memory", "redis":
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 队列需要配置 url")
		}
	default:
		return fmt.Errorf("不支持的任务队列驱动: %s", c.Queue.Driver)
	}

	switch c.Events.Notifier {
	case "memory", "redis":
	default:
		return fmt.Errorf("不支持的事件通知驱动: %s", c.Events.Notifier)
	}
	if c.Events.Mirror.Enabled && c.Events.Mirror.URL == "" {
		return errors.New("事件镜像需要配置 rabbitmq url")
	}

	switch c.Registry.Driver {
	case "memory":
	case "chain":
		if c.Registry.RPCURL == "" && c.Registry.ChainsFile == "" {
			return errors.New("链上注册表需要配置 rpc_url 或 chains_file")
		}
	default:
		return fmt.Errorf("不支持的注册表驱动: %s", c.Registry.Driver)
	}

	if c.Auth.Enabled && c.Auth.Secret == "" {
		return errors.New("启用鉴权时必须提供 JWT 密钥")
	}
	return nil
}

// AutoApprove 返回是否自动批准计划。
func (c *Config) AutoApprove() bool {
	return c.Orchestrator.AutoApprove == nil || *c.Orchestrator.AutoApprove
}

// MetricsEnabled 返回是否暴露 /metrics。
func (c *Config) MetricsEnabled() bool {
	return c.Server.MetricsEnabled == nil || *c.Server.MetricsEnabled
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}

	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "taskmesh"
	}
	if c.Auth.SecretEnv == "" {
		c.Auth.SecretEnv = "TASKMESH_JWT_SECRET"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.MaxOpenConns <= 0 {
		c.Storage.TaskStore.MaxOpenConns = 20
	}
	if c.Storage.TaskStore.MaxIdleConns <= 0 {
		c.Storage.TaskStore.MaxIdleConns = 5
	}
	if c.Storage.TaskStore.ConnMaxLifetime <= 0 {
		c.Storage.TaskStore.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Storage.Artifacts.Driver == "" {
		c.Storage.Artifacts.Driver = "memory"
	}
	if c.Storage.Artifacts.Prefix == "" {
		c.Storage.Artifacts.Prefix = "taskmesh:artifact:"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "taskmesh:tasks"
	}
	if c.Queue.Redis.BlockWait <= 0 {
		c.Queue.Redis.BlockWait = 5 * time.Second
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "taskmesh.tasks"
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = 8
	}

	if c.Events.Notifier == "" {
		c.Events.Notifier = "memory"
	}
	if c.Events.Channel == "" {
		c.Events.Channel = "taskmesh:events"
	}
	if c.Events.SubscriberBuffer <= 0 {
		c.Events.SubscriberBuffer = 64
	}
	if c.Events.Mirror.Exchange == "" {
		c.Events.Mirror.Exchange = "taskmesh.progress"
	}

	if c.Registry.Driver == "" {
		c.Registry.Driver = "memory"
	}
	if c.Registry.MetadataGateway == "" {
		c.Registry.MetadataGateway = "https://ipfs.io/ipfs/"
	}
	if c.Registry.MetadataTimeout <= 0 {
		c.Registry.MetadataTimeout = 10 * time.Second
	}
	if c.Registry.CallTimeout <= 0 {
		c.Registry.CallTimeout = 10 * time.Second
	}
	if c.Registry.RetryAttempts <= 0 {
		c.Registry.RetryAttempts = 3
	}
	if c.Registry.RetryBaseDelay <= 0 {
		c.Registry.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.Registry.PrivateKeyEnv == "" {
		c.Registry.PrivateKeyEnv = "TASKMESH_REGISTRY_KEY"
	}

	if c.Negotiator.MaxFallbacks < 0 {
		c.Negotiator.MaxFallbacks = 0
	} else if c.Negotiator.MaxFallbacks == 0 {
		c.Negotiator.MaxFallbacks = 2
	}
	if c.Negotiator.Settler == "" {
		c.Negotiator.Settler = "accept"
	}
	if c.Negotiator.SettleTimeout <= 0 {
		c.Negotiator.SettleTimeout = 5 * time.Second
	}

	if c.Executor.MaxAttempts <= 0 {
		c.Executor.MaxAttempts = 3
	}
	if c.Executor.BaseBackoff <= 0 {
		c.Executor.BaseBackoff = 250 * time.Millisecond
	}
	if c.Executor.MaxBackoff <= 0 {
		c.Executor.MaxBackoff = 5 * time.Second
	}
	if c.Executor.InvokeTimeout <= 0 {
		c.Executor.InvokeTimeout = 30 * time.Second
	}
	if len(c.Executor.AllowedSchemes) == 0 {
		c.Executor.AllowedSchemes = []string{"https", "http"}
	}

	if c.Payment.Driver == "" {
		c.Payment.Driver = "budget"
	}

	if c.Orchestrator.Workers <= 0 {
		c.Orchestrator.Workers = 4
	}
	if c.Orchestrator.RetentionWindow <= 0 {
		c.Orchestrator.RetentionWindow = 7 * 24 * time.Hour
	}
	if c.Orchestrator.PurgeWindow <= 0 {
		c.Orchestrator.PurgeWindow = 30 * 24 * time.Hour
	}
	if c.Orchestrator.SweepInterval <= 0 {
		c.Orchestrator.SweepInterval = time.Hour
	}

	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}
}

// applyEnv 从环境变量中读取密钥类配置，避免写入配置文件。
func (c *Config) applyEnv() {
	if c.Auth.Secret == "" {
		c.Auth.Secret = os.Getenv(c.Auth.SecretEnv)
	}
	if v := os.Getenv("TASKMESH_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
}

// RegistryPrivateKey 返回注册表写操作使用的私钥，未配置时为空。
func (c *Config) RegistryPrivateKey() string {
	return os.Getenv(c.Registry.PrivateKeyEnv)
}

// resolvePaths 将相对路径转换为相对配置文件目录的绝对路径。
func (c *Config) resolvePaths(baseDir string) {
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Registry.ChainsFile != "" && !filepath.IsAbs(c.Registry.ChainsFile) {
		c.Registry.ChainsFile = filepath.Join(baseDir, c.Registry.ChainsFile)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}
