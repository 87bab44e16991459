package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Config represents the gateway configuration
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway"`
	Radio       RadioConfig       `yaml:"radio"`
	Forwarding  ForwardingConfig  `yaml:"forwarding"`
	Nodes       NodesConfig       `yaml:"nodes"`
	Statistics  StatisticsConfig  `yaml:"statistics"`
	Backend     BackendConfig     `yaml:"backend"`
	Codec       CodecConfig       `yaml:"codec"`
	Downlink    DownlinkConfig    `yaml:"downlink"`
	Timers      TimersConfig      `yaml:"timers"`
	GatewayNode GatewayNodeConfig `yaml:"gateway_node"`
	Storage     StorageConfig     `yaml:"storage"`
	NATS        NATSConfig        `yaml:"nats"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	API         APIConfig         `yaml:"api"`
	JWT         JWTConfig         `yaml:"jwt"`
	Log         LogConfig         `yaml:"log"`
}

// GatewayConfig 网关身份
type GatewayConfig struct {
	EUI         lorawan.EUI64 `yaml:"eui"`
	Description string        `yaml:"description"`
	Email       string        `yaml:"email"`
	Platform    string        `yaml:"platform"`
	Latitude    float64       `yaml:"latitude"`
	Longitude   float64       `yaml:"longitude"`
	Altitude    int           `yaml:"altitude"`
}

// RadioConfig 单信道射频参数
type RadioConfig struct {
	Driver          string                  `yaml:"driver"`
	Frequency       uint32                  `yaml:"frequency"`
	SpreadingFactor lorawan.SpreadingFactor `yaml:"spreading_factor"`
	Bandwidth       int                     `yaml:"bandwidth"`
	CodingRate      string                  `yaml:"coding_rate"`
	TxPower         int                     `yaml:"tx_power"`
	CAD             bool                    `yaml:"cad"`
	CADDwell        time.Duration           `yaml:"cad_dwell"`
	PreambleLength  int                     `yaml:"preamble_length"`
	ReceiveTimeout  time.Duration           `yaml:"receive_timeout"`
	Channels        []uint32                `yaml:"channels"`
}

// ForwardingConfig 转发模式
type ForwardingConfig struct {
	Mode         string `yaml:"mode"` // passthrough | strict
	CountUnknown bool   `yaml:"count_unknown"`
}

// NodesConfig 可信节点表
type NodesConfig struct {
	Max     int           `yaml:"max"`
	Decode  bool          `yaml:"decode"`
	Trusted []TrustedNode `yaml:"trusted"`
}

// TrustedNode 预配置的可信节点
type TrustedNode struct {
	Address lorawan.DevAddr   `yaml:"address"`
	Name    string            `yaml:"name"`
	NwkSKey lorawan.AES128Key `yaml:"nwk_s_key"`
	AppSKey lorawan.AES128Key `yaml:"app_s_key"`
}

// StatisticsConfig 统计
type StatisticsConfig struct {
	Granularity   int           `yaml:"granularity"`
	HistorySize   int           `yaml:"history_size"`
	Interval      time.Duration `yaml:"interval"`
	Log           bool          `yaml:"log"`
	LogCapacity   int64         `yaml:"log_capacity"`
	HighWaterMark float64       `yaml:"high_water_mark"`
}

// BackendConfig 后端服务器 (Semtech UDP)
type BackendConfig struct {
	Servers           []string      `yaml:"servers"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	MaxPending        int           `yaml:"max_pending"`
	SendQueue         int           `yaml:"send_queue"`
}

// CodecConfig 解码/MIC 校验
type CodecConfig struct {
	CheckMIC   bool              `yaml:"check_mic"`
	NetworkKey lorawan.AES128Key `yaml:"network_key"`
}

// DownlinkConfig 下行调度
type DownlinkConfig struct {
	Rewrite       bool          `yaml:"rewrite"`
	LateTolerance time.Duration `yaml:"late_tolerance"`
}

// TimersConfig 看门狗
type TimersConfig struct {
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	StuckLimit       time.Duration `yaml:"stuck_limit"`
}

// GatewayNodeConfig 网关自身作为节点上报
type GatewayNodeConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Address  lorawan.DevAddr   `yaml:"address"`
	NwkSKey  lorawan.AES128Key `yaml:"nwk_s_key"`
	AppSKey  lorawan.AES128Key `yaml:"app_s_key"`
	FPort    uint8             `yaml:"fport"`
	Interval time.Duration     `yaml:"interval"`
}

// StorageConfig 持久化存储
type StorageConfig struct {
	Driver        string `yaml:"driver"` // file | postgres | redis
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents MQTT configuration
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// APIConfig 管理接口
type APIConfig struct {
	Bind              string  `yaml:"bind"`
	AdminPasswordHash string  `yaml:"admin_password_hash"`
	RateLimit         float64 `yaml:"rate_limit"`
	RateBurst         int     `yaml:"rate_burst"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Forwarding modes
const (
	ModePassthrough = "passthrough"
	ModeStrict      = "strict"
)

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration, applies env overrides and defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration of a freshly flashed gateway
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Description: "Single Channel Gateway",
			Platform:    "sc-gateway",
		},
		Radio: RadioConfig{
			Driver:          "stub",
			Frequency:       868100000,
			SpreadingFactor: lorawan.SF9,
			Bandwidth:       125,
			CodingRate:      "4/5",
			TxPower:         14,
			CAD:             true,
			CADDwell:        2 * time.Millisecond,
			PreambleLength:  lorawan.DefaultPreambleLength,
			ReceiveTimeout:  3 * time.Second,
		},
		Forwarding: ForwardingConfig{Mode: ModePassthrough},
		Nodes:      NodesConfig{Max: 100, Decode: true},
		Statistics: StatisticsConfig{
			Granularity:   3,
			HistorySize:   20,
			Interval:      120 * time.Second,
			Log:           true,
			LogCapacity:   1000,
			HighWaterMark: 0.9,
		},
		Backend: BackendConfig{
			KeepaliveInterval: 55 * time.Second,
			AckTimeout:        5 * time.Second,
			MaxPending:        4,
			SendQueue:         32,
		},
		Downlink: DownlinkConfig{Rewrite: true},
		Timers:   TimersConfig{WatchdogInterval: 15 * time.Second},
		GatewayNode: GatewayNodeConfig{
			FPort:    1,
			Interval: 300 * time.Second,
		},
		Storage: StorageConfig{
			Driver:    "file",
			Path:      "data",
			KeyPrefix: "scgw",
		},
		NATS: NATSConfig{
			MaxReconnects:     -1,
			ReconnectInterval: 2 * time.Second,
		},
		MQTT: MQTTConfig{TopicPrefix: "gateway"},
		API: APIConfig{
			RateLimit: 5,
			RateBurst: 10,
		},
		JWT: JWTConfig{AccessTokenTTL: time.Hour},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Storage.DSN = dsn
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		c.Storage.RedisAddr = redisAddr
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if servers := os.Getenv("SCGW_SERVERS"); servers != "" {
		c.Backend.Servers = strings.Split(servers, ",")
	}

	if mode := os.Getenv("SCGW_FORWARDING_MODE"); mode != "" {
		c.Forwarding.Mode = mode
	}

	if sf := os.Getenv("SCGW_SPREADING_FACTOR"); sf != "" {
		if v, err := strconv.Atoi(sf); err == nil {
			c.Radio.SpreadingFactor = lorawan.SpreadingFactor(v)
		}
	}

	if freq := os.Getenv("SCGW_FREQUENCY"); freq != "" {
		if v, err := strconv.ParseUint(freq, 10, 32); err == nil {
			c.Radio.Frequency = uint32(v)
		}
	}
}

// MaxDownlinkLead is the furthest ahead a tmst downlink may be scheduled
const MaxDownlinkLead = 16 * time.Second

// MinStuckLimit leaves room for a downlink scheduled MaxDownlinkLead
// ahead plus its airtime.
const MinStuckLimit = MaxDownlinkLead + 4*time.Second

// validateAndSetDefaults 验证配置并设置默认值
func (c *Config) validateAndSetDefaults() error {
	mode, err := NormalizeMode(c.Forwarding.Mode)
	if err != nil {
		return err
	}
	c.Forwarding.Mode = mode

	if !c.Radio.SpreadingFactor.Valid() {
		return fmt.Errorf("invalid spreading factor: %d", c.Radio.SpreadingFactor)
	}
	if c.Radio.Frequency == 0 {
		return fmt.Errorf("radio frequency is required")
	}
	switch c.Radio.Bandwidth {
	case 125, 250, 500:
	default:
		return fmt.Errorf("invalid bandwidth: %d", c.Radio.Bandwidth)
	}
	if _, err := lorawan.ParseCodingRate(c.Radio.CodingRate); err != nil {
		return err
	}
	if c.Radio.PreambleLength <= 0 {
		c.Radio.PreambleLength = lorawan.DefaultPreambleLength
	}
	if c.Radio.CADDwell <= 0 {
		return fmt.Errorf("cad_dwell must be positive")
	}

	// 信道表至少包含固定信道
	if len(c.Radio.Channels) == 0 {
		c.Radio.Channels = []uint32{c.Radio.Frequency}
	}
	if c.Statistics.Granularity < 0 || c.Statistics.Granularity > 3 {
		return fmt.Errorf("invalid statistics granularity: %d", c.Statistics.Granularity)
	}
	if c.Statistics.Granularity == 3 && len(c.Radio.Channels) < 2 {
		fmt.Printf("Warning: per-channel statistics need more than one channel, using granularity 2\n")
		c.Statistics.Granularity = 2
	}
	if c.Statistics.HistorySize <= 0 {
		c.Statistics.HistorySize = 20
	}
	if c.Statistics.Interval <= 0 {
		return fmt.Errorf("statistics interval must be positive")
	}
	if c.Statistics.HighWaterMark <= 0 || c.Statistics.HighWaterMark >= 1 {
		return fmt.Errorf("high_water_mark must be within (0,1): %v", c.Statistics.HighWaterMark)
	}
	if c.Statistics.LogCapacity <= 0 {
		c.Statistics.LogCapacity = 1000
	}

	if c.Nodes.Max <= 0 {
		return fmt.Errorf("nodes.max must be positive")
	}
	if len(c.Nodes.Trusted) > c.Nodes.Max {
		return fmt.Errorf("%d trusted nodes exceed nodes.max %d", len(c.Nodes.Trusted), c.Nodes.Max)
	}

	for i, s := range c.Backend.Servers {
		s = strings.TrimSpace(s)
		if s == "" {
			return fmt.Errorf("backend server %d is empty", i)
		}
		if !strings.Contains(s, ":") {
			s += ":1700"
		}
		c.Backend.Servers[i] = s
	}
	if c.Backend.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive interval must be positive")
	}
	if c.Backend.AckTimeout <= 0 {
		c.Backend.AckTimeout = 5 * time.Second
	}
	if c.Backend.MaxPending <= 0 {
		c.Backend.MaxPending = 4
	}
	if c.Backend.SendQueue <= 0 {
		c.Backend.SendQueue = 32
	}

	if c.Timers.WatchdogInterval <= 0 {
		return fmt.Errorf("watchdog interval must be positive")
	}
	// 已排程的 tmst 下行最多提前 MaxDownlinkLead，期间射频不在 SCAN
	switch {
	case c.Timers.StuckLimit == 0:
		c.Timers.StuckLimit = max(4*c.Timers.WatchdogInterval, MinStuckLimit)
	case c.Timers.StuckLimit < MinStuckLimit:
		return fmt.Errorf("stuck_limit %s below minimum %s", c.Timers.StuckLimit, MinStuckLimit)
	}
	if c.Downlink.LateTolerance < 0 {
		return fmt.Errorf("late_tolerance must not be negative")
	}

	if c.GatewayNode.Enabled && c.GatewayNode.Interval <= 0 {
		return fmt.Errorf("gateway_node interval must be positive")
	}
	if c.GatewayNode.Enabled && c.GatewayNode.FPort == 0 {
		return fmt.Errorf("gateway_node fport must not be 0")
	}

	switch c.Storage.Driver {
	case "file", "postgres", "redis":
	default:
		return fmt.Errorf("invalid storage driver: %s", c.Storage.Driver)
	}

	return nil
}

// NormalizeMode accepts "passthrough"/"strict" and the numeric
// trusted-node levels 0..2 (0 and 1 translate names, 2 is strict).
func NormalizeMode(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModePassthrough, "0", "1":
		return ModePassthrough, nil
	case ModeStrict, "2":
		return ModeStrict, nil
	}
	return "", fmt.Errorf("invalid forwarding mode: %s", mode)
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	out := *c
	out.Radio.Channels = append([]uint32(nil), c.Radio.Channels...)
	out.Nodes.Trusted = append([]TrustedNode(nil), c.Nodes.Trusted...)
	out.Backend.Servers = append([]string(nil), c.Backend.Servers...)
	return &out
}

// PrintConfigSummary 打印配置摘要
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== Single Channel Gateway Configuration ===\n")
	fmt.Printf("Gateway: %s (%s)\n", c.Gateway.EUI, c.Gateway.Description)
	fmt.Printf("Radio: %.3f MHz, %s BW%d, CR %s, CAD %v\n",
		float64(c.Radio.Frequency)/1000000,
		c.Radio.SpreadingFactor,
		c.Radio.Bandwidth,
		c.Radio.CodingRate,
		c.Radio.CAD)
	fmt.Printf("Forwarding: %s (trusted nodes %d/%d)\n",
		c.Forwarding.Mode, len(c.Nodes.Trusted), c.Nodes.Max)
	fmt.Printf("Downlink rewrite: %v\n", c.Downlink.Rewrite)
	fmt.Printf("Statistics: granularity %d, history %d, every %s\n",
		c.Statistics.Granularity, c.Statistics.HistorySize, c.Statistics.Interval)
	for i, s := range c.Backend.Servers {
		fmt.Printf("Backend %d: %s\n", i, s)
	}
	fmt.Printf("Storage: %s\n", c.Storage.Driver)
	fmt.Printf("============================================\n")
}
