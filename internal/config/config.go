package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"crowdfund/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "CROWDFUND"

// Config 主配置
type Config struct {
	Server    *ServerConfig      `mapstructure:"server"`
	Ethereum  *EthereumConfig    `mapstructure:"ethereum"`
	Database  *DatabaseConfig    `mapstructure:"database"`
	Redis     *RedisConfig       `mapstructure:"redis"`
	Auth      *AuthConfig        `mapstructure:"auth"`
	Pinata    *PinataConfig      `mapstructure:"pinata"`
	Scheduler *SchedulerConfig   `mapstructure:"scheduler"`
	Kafka     *KafkaConfig       `mapstructure:"kafka"`
	Journal   *JournalConfig     `mapstructure:"journal"`
	Logging   *logging.LogConfig `mapstructure:"logging"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	OperatorAPIKey string        `mapstructure:"operator_api_key"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// EthereumConfig 链上配置
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	PrivateKey     string        `mapstructure:"private_key"`
	FactoryAddress string        `mapstructure:"factory_address"`
	ChainID        int64         `mapstructure:"chain_id"` // 0 表示从节点获取
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	GasBufferPct   int           `mapstructure:"gas_buffer_pct"`
	ReadRetries    int           `mapstructure:"read_retries"`
	PageSize       int           `mapstructure:"page_size"`
}

// DatabaseConfig 存储配置
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres | bolt
	DSN          string `mapstructure:"dsn"`
	BoltPath     string `mapstructure:"bolt_path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Addrs      []string `mapstructure:"addrs"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db"`
	MaxRetries int      `mapstructure:"max_retries"`
	KeyPrefix  string   `mapstructure:"key_prefix"`
}

// AuthConfig 钱包签名登录配置
type AuthConfig struct {
	AccessSecret  string        `mapstructure:"access_secret"`
	RefreshSecret string        `mapstructure:"refresh_secret"`
	AccessTTL     time.Duration `mapstructure:"access_ttl"`
	RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
	NonceTTL      time.Duration `mapstructure:"nonce_ttl"`
}

// PinataConfig IPFS上传配置
type PinataConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	SecretKey   string        `mapstructure:"secret_key"`
	BaseURL     string        `mapstructure:"base_url"`
	GatewayURL  string        `mapstructure:"gateway_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxFileSize int64         `mapstructure:"max_file_size"`
}

// SchedulerConfig 对账调度配置
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	EndInterval     time.Duration `mapstructure:"end_interval"`
	ReleaseInterval time.Duration `mapstructure:"release_interval"`
	RefundInterval  time.Duration `mapstructure:"refund_interval"`
	ImportInterval  time.Duration `mapstructure:"import_interval"` // 0 表示不自动导入
	Workers         int           `mapstructure:"workers"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	PassTimeout     time.Duration `mapstructure:"pass_timeout"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Async   bool              `mapstructure:"async"`
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// JournalConfig 交易提交日志配置
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// LoadConfig 加载配置：.env -> 默认值 -> YAML文件 -> 环境变量
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取.env文件失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("检查配置文件失败: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 注册默认值，AutomaticEnv 只覆盖已知的键
func setDefaults(v *viper.Viper) {
	d := GetDefaultConfig()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.operator_api_key", d.Server.OperatorAPIKey)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("ethereum.rpc_url", d.Ethereum.RPCURL)
	v.SetDefault("ethereum.private_key", d.Ethereum.PrivateKey)
	v.SetDefault("ethereum.factory_address", d.Ethereum.FactoryAddress)
	v.SetDefault("ethereum.chain_id", d.Ethereum.ChainID)
	v.SetDefault("ethereum.confirm_timeout", d.Ethereum.ConfirmTimeout)
	v.SetDefault("ethereum.poll_interval", d.Ethereum.PollInterval)
	v.SetDefault("ethereum.gas_buffer_pct", d.Ethereum.GasBufferPct)
	v.SetDefault("ethereum.read_retries", d.Ethereum.ReadRetries)
	v.SetDefault("ethereum.page_size", d.Ethereum.PageSize)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.bolt_path", d.Database.BoltPath)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addrs", d.Redis.Addrs)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.max_retries", d.Redis.MaxRetries)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)

	v.SetDefault("auth.access_secret", d.Auth.AccessSecret)
	v.SetDefault("auth.refresh_secret", d.Auth.RefreshSecret)
	v.SetDefault("auth.access_ttl", d.Auth.AccessTTL)
	v.SetDefault("auth.refresh_ttl", d.Auth.RefreshTTL)
	v.SetDefault("auth.nonce_ttl", d.Auth.NonceTTL)

	v.SetDefault("pinata.api_key", d.Pinata.APIKey)
	v.SetDefault("pinata.secret_key", d.Pinata.SecretKey)
	v.SetDefault("pinata.base_url", d.Pinata.BaseURL)
	v.SetDefault("pinata.gateway_url", d.Pinata.GatewayURL)
	v.SetDefault("pinata.timeout", d.Pinata.Timeout)
	v.SetDefault("pinata.max_file_size", d.Pinata.MaxFileSize)

	v.SetDefault("scheduler.enabled", d.Scheduler.Enabled)
	v.SetDefault("scheduler.end_interval", d.Scheduler.EndInterval)
	v.SetDefault("scheduler.release_interval", d.Scheduler.ReleaseInterval)
	v.SetDefault("scheduler.refund_interval", d.Scheduler.RefundInterval)
	v.SetDefault("scheduler.import_interval", d.Scheduler.ImportInterval)
	v.SetDefault("scheduler.workers", d.Scheduler.Workers)
	v.SetDefault("scheduler.lock_ttl", d.Scheduler.LockTTL)
	v.SetDefault("scheduler.pass_timeout", d.Scheduler.PassTimeout)

	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.async", d.Kafka.Async)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topics", d.Kafka.Topics)

	v.SetDefault("journal.path", d.Journal.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			CORSOrigins:  []string{"*"},
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ethereum: &EthereumConfig{
			RPCURL:         "", // 需要在YAML配置或环境变量中指定
			ConfirmTimeout: 2 * time.Minute,
			PollInterval:   2 * time.Second,
			GasBufferPct:   20,
			ReadRetries:    3,
			PageSize:       50,
		},
		Database: &DatabaseConfig{
			Driver:       "bolt",
			BoltPath:     "./data/crowdfund.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Redis: &RedisConfig{
			Enabled:    false,
			Addrs:      []string{"localhost:6379"},
			MaxRetries: 3,
			KeyPrefix:  "API",
		},
		Auth: &AuthConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			NonceTTL:   5 * time.Minute,
		},
		Pinata: &PinataConfig{
			BaseURL:     "https://api.pinata.cloud",
			GatewayURL:  "https://gateway.pinata.cloud/ipfs/",
			Timeout:     30 * time.Second,
			MaxFileSize: 5 * 1024 * 1024,
		},
		Scheduler: &SchedulerConfig{
			Enabled:         true,
			EndInterval:     time.Minute,
			ReleaseInterval: time.Minute,
			RefundInterval:  time.Minute,
			Workers:         4,
			LockTTL:         5 * time.Minute,
			PassTimeout:     10 * time.Minute,
		},
		Kafka: &KafkaConfig{
			Enabled: false,
			Async:   true,
			Brokers: []string{"localhost:9092"},
			Topics: map[string]string{
				"lifecycle": "crowdfund_lifecycle",
				"donations": "crowdfund_donations",
			},
		},
		Journal: &JournalConfig{
			Path: "./data/journal.db",
		},
		Logging: logging.DefaultLogConfig(),
	}
}

// Validate 校验配置，返回第一个无效字段
func (c *Config) Validate() error {
	if c.Server == nil || c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("无效的配置 server.port")
	}
	if c.Ethereum == nil {
		return fmt.Errorf("缺少配置 ethereum")
	}
	if c.Ethereum.ConfirmTimeout <= 0 {
		return fmt.Errorf("无效的配置 ethereum.confirm_timeout")
	}
	if c.Ethereum.PollInterval <= 0 {
		return fmt.Errorf("无效的配置 ethereum.poll_interval")
	}
	if c.Database == nil {
		return fmt.Errorf("缺少配置 database")
	}
	switch c.Database.Driver {
	case "bolt":
		if c.Database.BoltPath == "" {
			return fmt.Errorf("缺少配置 database.bolt_path")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("缺少配置 database.dsn")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Database.Driver)
	}
	if c.Scheduler == nil || c.Scheduler.Workers <= 0 {
		return fmt.Errorf("无效的配置 scheduler.workers")
	}
	// 锁必须覆盖一次提交的完整确认等待
	if c.Scheduler.LockTTL <= c.Ethereum.ConfirmTimeout {
		return fmt.Errorf("scheduler.lock_ttl (%s) 必须大于 ethereum.confirm_timeout (%s)", c.Scheduler.LockTTL, c.Ethereum.ConfirmTimeout)
	}
	if c.Scheduler.Enabled && (c.Scheduler.EndInterval <= 0 || c.Scheduler.ReleaseInterval <= 0 || c.Scheduler.RefundInterval <= 0) {
		return fmt.Errorf("无效的配置 scheduler 间隔")
	}
	if c.Redis != nil && c.Redis.Enabled && len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("缺少配置 redis.addrs")
	}
	if c.Kafka != nil && c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("缺少配置 kafka.brokers")
	}
	if c.Journal == nil || c.Journal.Path == "" {
		return fmt.Errorf("缺少配置 journal.path")
	}
	return nil
}

// ReconcilerReady 运行对账所需的链上配置是否齐全
func (c *Config) ReconcilerReady() error {
	if c.Ethereum.RPCURL == "" {
		return fmt.Errorf("缺少配置 ethereum.rpc_url")
	}
	if c.Ethereum.PrivateKey == "" {
		return fmt.Errorf("缺少配置 ethereum.private_key")
	}
	if c.Ethereum.FactoryAddress == "" {
		return fmt.Errorf("缺少配置 ethereum.factory_address")
	}
	return nil
}
