// config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Server    ServerConfig    `yaml:"server"`
	Network   NetworkConfig   `yaml:"network"`
	Transport TransportConfig `yaml:"transport"`
	Slots     SlotsConfig     `yaml:"slots"`
	Cache     CacheConfig     `yaml:"cache"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Database  DatabaseConfig  `yaml:"database"`
	Sender    SenderConfig    `yaml:"sender"`
}

// NodeConfig 节点自身信息，会作为响应头返回给调用方
type NodeConfig struct {
	Magic    string `yaml:"magic"`    // 网络标识，跨网请求直接拒绝
	Version  string `yaml:"version"`  // "1.0.0"
	OS       string `yaml:"os"`       // 为空时取 runtime.GOOS
	DataPath string `yaml:"dataPath"` // "./data"
	LogLevel string `yaml:"logLevel"` // "info"
}

// ServerConfig HTTP/3服务器配置
type ServerConfig struct {
	Port        int    `yaml:"port"`        // 7000，QUIC 端口（节点间）
	LocalAddr   string `yaml:"localAddr"`   // "127.0.0.1:4096"，本地提交接口
	CertFile    string `yaml:"certFile"`    // 为空时自动生成自签名证书
	KeyFile     string `yaml:"keyFile"`
	CertOrgName string `yaml:"certOrgName"` // 自签名证书 Organization

	// QUIC配置
	QUICKeepAlivePeriod time.Duration `yaml:"quicKeepAlivePeriod"` // 10 * time.Second
	QUICMaxIdleTimeout  time.Duration `yaml:"quicMaxIdleTimeout"`  // 5 * time.Minute
	QUICAllow0RTT       bool          `yaml:"quicAllow0RTT"`       // true

	// HTTP配置
	HTTPTimeout        time.Duration `yaml:"httpTimeout"`        // 30 * time.Second
	MaxRequestBodySize int64         `yaml:"maxRequestBodySize"` // 8 << 20
	RequestsPerSecond  int           `yaml:"requestsPerSecond"`  // 每个 IP 每秒请求上限，0 表示不限
}

// NetworkConfig 对等节点配置
type NetworkConfig struct {
	Peers             []string      `yaml:"peers"`             // 启动时已知的节点 host:port
	BroadcastFanout   int           `yaml:"broadcastFanout"`   // 0 表示发给全部已知节点
	RequestTimeout    time.Duration `yaml:"requestTimeout"`    // 5 * time.Second
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"` // 5 * time.Second
}

// TransportConfig 传输层协议参数
type TransportConfig struct {
	MaxBlocksPerRequest int `yaml:"maxBlocksPerRequest"` // 200
	MaxProposeIDLength  int `yaml:"maxProposeIdLength"`  // 64
}

// SlotsConfig 时隙配置
type SlotsConfig struct {
	EpochTime         time.Time     `yaml:"epochTime"`         // 创世时间，区块 timestamp 以此为零点（秒）
	Interval          time.Duration `yaml:"interval"`          // 10 * time.Second
	NotReadyThreshold int64         `yaml:"notReadyThreshold"` // 12
	GenesisTimestamp  int64         `yaml:"genesisTimestamp"`  // 创世块 epoch 秒，0 表示取首次启动的时间
}

// CacheConfig 去重缓存容量
type CacheConfig struct {
	ProcessedTxSize  int `yaml:"processedTxSize"`  // 10000
	ChainMessageSize int `yaml:"chainMessageSize"` // 10000
}

// IngestConfig 串行入池队列
type IngestConfig struct {
	QueueSize       int `yaml:"queueSize"`       // 10000
	UnconfirmedSize int `yaml:"unconfirmedSize"` // 100000
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	ValueLogFileSize int64 `yaml:"valueLogFileSize"` // 64 << 20 (64MB)
	SyncWrites       bool  `yaml:"syncWrites"`       // false
}

// SenderConfig 发送器配置
type SenderConfig struct {
	WorkerCount   int `yaml:"workerCount"`   // 16
	QueueCapacity int `yaml:"queueCapacity"` // 10000

	// 重试配置
	MaxRetries     int           `yaml:"maxRetries"`     // 1
	BaseRetryDelay time.Duration `yaml:"baseRetryDelay"` // 500 * time.Millisecond
	MaxRetryDelay  time.Duration `yaml:"maxRetryDelay"`  // 5 * time.Second
	TaskExpire     time.Duration `yaml:"taskExpire"`     // 10 * time.Second
	JitterFactor   float64       `yaml:"jitterFactor"`   // 0.3，退避时间上下浮动比例

	MaxInflightPerTarget int `yaml:"maxInflightPerTarget"` // 8，0 表示不限
}

// DefaultEpochTime 区块时间戳的零点
var DefaultEpochTime = time.Date(2016, 6, 27, 20, 0, 0, 0, time.UTC)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Magic:    "594fe0f3",
			Version:  "1.0.0",
			DataPath: "./data",
			LogLevel: "info",
		},
		Server: ServerConfig{
			Port:                7000,
			LocalAddr:           "127.0.0.1:4096",
			CertOrgName:         "Relay Node",
			QUICKeepAlivePeriod: 10 * time.Second,
			QUICMaxIdleTimeout:  5 * time.Minute,
			QUICAllow0RTT:       true,
			HTTPTimeout:         30 * time.Second,
			MaxRequestBodySize:  8 << 20,
			RequestsPerSecond:   0,
		},
		Network: NetworkConfig{
			BroadcastFanout:   0,
			RequestTimeout:    5 * time.Second,
			ConnectionTimeout: 5 * time.Second,
		},
		Transport: TransportConfig{
			MaxBlocksPerRequest: 200,
			MaxProposeIDLength:  64,
		},
		Slots: SlotsConfig{
			EpochTime:         DefaultEpochTime,
			Interval:          10 * time.Second,
			NotReadyThreshold: 12,
		},
		Cache: CacheConfig{
			ProcessedTxSize:  10000,
			ChainMessageSize: 10000,
		},
		Ingest: IngestConfig{
			QueueSize:       10000,
			UnconfirmedSize: 100000,
		},
		Database: DatabaseConfig{
			ValueLogFileSize: 64 << 20,
		},
		Sender: SenderConfig{
			WorkerCount:    16,
			QueueCapacity:  10000,
			MaxRetries:     1,
			BaseRetryDelay: 500 * time.Millisecond,
			MaxRetryDelay:  5 * time.Second,
			TaskExpire:     10 * time.Second,
			JitterFactor:   0.3,

			MaxInflightPerTarget: 8,
		},
	}
}

// LoadFromFile 在默认配置上叠加 YAML 文件里的字段
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	if c.Node.Magic == "" {
		return fmt.Errorf("node.magic must not be empty")
	}
	if c.Slots.Interval <= 0 {
		return fmt.Errorf("slots.interval must be positive")
	}
	if c.Slots.NotReadyThreshold <= 0 {
		return fmt.Errorf("slots.notReadyThreshold must be positive")
	}
	if c.Slots.GenesisTimestamp < 0 {
		return fmt.Errorf("slots.genesisTimestamp must not be negative")
	}
	if c.Transport.MaxBlocksPerRequest <= 0 {
		return fmt.Errorf("transport.maxBlocksPerRequest must be positive")
	}
	if c.Cache.ProcessedTxSize <= 0 || c.Cache.ChainMessageSize <= 0 {
		return fmt.Errorf("cache sizes must be positive")
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.queueSize must be positive")
	}
	if c.Sender.WorkerCount <= 0 || c.Sender.QueueCapacity <= 0 {
		return fmt.Errorf("sender.workerCount and sender.queueCapacity must be positive")
	}
	if c.Sender.JitterFactor < 0 || c.Sender.JitterFactor >= 1 {
		return fmt.Errorf("sender.jitterFactor must be in [0, 1)")
	}
	return nil
}
