package config

import (
	"fmt"
	"os"
	"strings"

	seiserrors "seismic/internal/errors"
	"seismic/internal/logging"
	"seismic/pkg/tx"

	"github.com/spf13/viper"
)

// Config 主配置
type Config struct {
	Client  *ClientConfig      `mapstructure:"client"`
	Node    *NodeConfig        `mapstructure:"node"`
	Output  *OutputConfig      `mapstructure:"output"`
	Logging *logging.LogConfig `mapstructure:"logging"`
}

// ClientConfig 客户端配置
type ClientConfig struct {
	RPCURL            string `mapstructure:"rpc_url"`            // RPC节点地址
	ExpiryWindow      uint64 `mapstructure:"expiry_window"`      // 交易过期窗口（区块数）
	StructuredSigning bool   `mapstructure:"structured_signing"` // 启用EIP-712结构化签名模式
	Timeout           string `mapstructure:"timeout"`            // RPC超时时间
}

// NodeConfig 开发节点配置
type NodeConfig struct {
	Port            int    `mapstructure:"port"`             // JSON-RPC监听端口
	ChainID         uint64 `mapstructure:"chain_id"`         // 链ID
	FreshnessWindow uint64 `mapstructure:"freshness_window"` // recent_block_hash新鲜度窗口（区块数）
	DataDir         string `mapstructure:"data_dir"`         // 存储数据目录
	BlockInterval   string `mapstructure:"block_interval"`   // 出块间隔
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// PostgresConfig Postgres归档配置
type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// OutputConfig 已接受交易的输出配置
type OutputConfig struct {
	Format    string          `mapstructure:"format"` // file / kafka / postgres
	Directory string          `mapstructure:"directory"`
	Kafka     *KafkaConfig    `mapstructure:"kafka"`
	Postgres  *PostgresConfig `mapstructure:"postgres"`
}

// LoadConfig 从文件加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	applyDefaults(&config)
	applyEnvOverrides(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	config := &Config{}
	applyDefaults(config)
	applyEnvOverrides(config)
	return config
}

// applyDefaults 填充默认值
func applyDefaults(config *Config) {
	if config.Client == nil {
		config.Client = &ClientConfig{}
	}
	if config.Client.RPCURL == "" {
		config.Client.RPCURL = "http://127.0.0.1:8545"
	}
	if config.Client.ExpiryWindow == 0 {
		config.Client.ExpiryWindow = tx.DefaultFreshnessWindow
	}
	if config.Client.Timeout == "" {
		config.Client.Timeout = "30s"
	}

	if config.Node == nil {
		config.Node = &NodeConfig{}
	}
	if config.Node.Port == 0 {
		config.Node.Port = 8545
	}
	if config.Node.ChainID == 0 {
		config.Node.ChainID = 5124
	}
	if config.Node.FreshnessWindow == 0 {
		config.Node.FreshnessWindow = tx.DefaultFreshnessWindow
	}
	if config.Node.DataDir == "" {
		config.Node.DataDir = "./data"
	}
	if config.Node.BlockInterval == "" {
		config.Node.BlockInterval = "2s"
	}

	if config.Output == nil {
		config.Output = &OutputConfig{
			Format:    "file",
			Directory: "./outputs",
		}
	}

	if config.Logging == nil {
		config.Logging = logging.DefaultLogConfig
	}
}

// applyEnvOverrides 环境变量覆盖
func applyEnvOverrides(config *Config) {
	if url := os.Getenv("SEISMIC_RPC_URL"); url != "" {
		config.Client.RPCURL = url
	}
	if dsn := os.Getenv("SEISMIC_PG_DSN"); dsn != "" {
		if config.Output.Postgres == nil {
			config.Output.Postgres = &PostgresConfig{}
		}
		config.Output.Postgres.DSN = dsn
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		if config.Output.Kafka == nil {
			config.Output.Kafka = &KafkaConfig{}
		}
		config.Output.Kafka.Brokers = splitBrokers(brokers)
	}
}

func splitBrokers(s string) []string {
	var out []string
	for _, broker := range strings.Split(s, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			out = append(out, broker)
		}
	}
	return out
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Client == nil || c.Client.RPCURL == "" {
		return fmt.Errorf("%w: 缺少RPC地址", seiserrors.ErrConfigInvalid)
	}
	if c.Client.ExpiryWindow == 0 {
		return fmt.Errorf("%w: 过期窗口必须大于0", seiserrors.ErrConfigInvalid)
	}
	if c.Node != nil && c.Node.FreshnessWindow == 0 {
		return fmt.Errorf("%w: 新鲜度窗口必须大于0", seiserrors.ErrConfigInvalid)
	}
	switch c.Output.Format {
	case "file", "kafka", "postgres":
	default:
		return fmt.Errorf("%w: 不支持的输出格式 %s", seiserrors.ErrConfigInvalid, c.Output.Format)
	}
	return nil
}
