// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Log             LogConfig             `mapstructure:"log"`
	LLM             LLMConfig             `mapstructure:"llm"`
	Chain           ChainConfig           `mapstructure:"chain"`
	ConversationLog ConversationLogConfig `mapstructure:"conversation_log"`
	Flow            FlowConfig            `mapstructure:"flow"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Kafka           KafkaConfig           `mapstructure:"kafka"`
	Elasticsearch   ElasticsearchConfig   `mapstructure:"elasticsearch"`
	MinIO           MinIOConfig           `mapstructure:"minio"`
	JWT             JWTConfig             `mapstructure:"jwt"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Persona    string              `mapstructure:"persona"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// ChainConfig 存储链上合约交互的配置。
// ChainID 与 ABI 在启动时加载一次，不在代码中写死。
type ChainConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ChainID         int64         `mapstructure:"chain_id"`
	ContractAddress string        `mapstructure:"contract_address"`
	PrivateKey      string        `mapstructure:"private_key"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ABI             string        `mapstructure:"abi"`
}

// ConversationLogConfig 存储对话日志的存储配置。
type ConversationLogConfig struct {
	Backend  string `mapstructure:"backend"` // "file" 或 "redis"
	Path     string `mapstructure:"path"`
	RedisKey string `mapstructure:"redis_key"`
}

// FlowConfig 存储消息编排流程的配置。
type FlowConfig struct {
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。DSN 为空时不记录流程审计。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	BucketName      string        `mapstructure:"bucket_name"`
	URLExpiry       time.Duration `mapstructure:"url_expiry"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// DefaultPersona 是每次补全请求携带的固定系统指令。
const DefaultPersona = "You are a professional blogger. Provide clear, concise, and natural responses. Avoid using special formatting or mathematical notation unless specifically requested."

// DefaultMessageABI 描述了 Message 合约对外暴露的两个方法。
const DefaultMessageABI = `[
	{"inputs":[],"name":"currentMessage","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"string","name":"newMessage","type":"string"}],"name":"setMessage","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}

// Load 读取配置文件并返回解析后的 Config。configPath 为空时只使用默认值与环境变量。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖，例如 MSGCHAIN_LLM_API_KEY、MSGCHAIN_CHAIN_PRIVATE_KEY
	v.SetEnvPrefix("MSGCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "10888")
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("llm.base_url", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1")
	v.SetDefault("llm.model", "qwen-max")
	v.SetDefault("llm.persona", DefaultPersona)
	v.SetDefault("llm.timeout", 60*time.Second)
	// AutomaticEnv 只对已知键生效，凭据类键需要显式登记
	v.SetDefault("llm.api_key", "")

	v.SetDefault("chain.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("chain.chain_id", 31337)
	v.SetDefault("chain.contract_address", "")
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.confirm_timeout", 2*time.Minute)
	v.SetDefault("chain.poll_interval", time.Second)
	v.SetDefault("chain.abi", DefaultMessageABI)

	v.SetDefault("conversation_log.backend", "file")
	v.SetDefault("conversation_log.path", "conversation_log.json")
	v.SetDefault("conversation_log.redis_key", "conversation_log")

	v.SetDefault("flow.lock_ttl", 5*time.Minute)

	v.SetDefault("database.mysql.dsn", "")
	v.SetDefault("database.redis.enabled", false)
	v.SetDefault("database.redis.addr", "127.0.0.1:6379")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "conversation-events")
	v.SetDefault("kafka.group_id", "msgchain-indexer")

	v.SetDefault("elasticsearch.enabled", false)
	v.SetDefault("elasticsearch.index_name", "conversation_log")

	v.SetDefault("minio.enabled", false)
	v.SetDefault("minio.bucket_name", "conversation-snapshots")
	v.SetDefault("minio.url_expiry", time.Hour)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.access_token_expire_hours", 24)
}
