package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 过滤模式
const (
	FilterStrict = "strict"
	FilterLoose  = "loose"
)

// 行程查询形态
const (
	DriveDetailsBasic    = "basic"
	DriveDetailsEnriched = "enriched"
)

// Config 进程级配置，启动时构建一次，之后只读
type Config struct {
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`

	// 被跟踪的车辆
	CarID int64 `yaml:"car_id"`

	// Database
	DatabaseURL    string        `yaml:"database_url"`
	DBHost         string        `yaml:"db_host"`
	DBPort         string        `yaml:"db_port"`
	DBName         string        `yaml:"db_name"`
	DBUser         string        `yaml:"db_user"`
	DBPassword     string        `yaml:"db_password"`
	DBQueryTimeout time.Duration `yaml:"db_query_timeout"`

	// 事件源策略
	FilterMode   string `yaml:"filter_mode"`
	DriveDetails string `yaml:"drive_details"`
	DisplayTZ    string `yaml:"display_tz"`

	// ntfy
	NtfyTopic   string        `yaml:"ntfy_topic"`
	NtfyURL     string        `yaml:"ntfy_url"`
	NtfyToken   string        `yaml:"ntfy_token"`
	NtfyTags    string        `yaml:"ntfy_tags"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// Polling
	PollInterval time.Duration `yaml:"poll_interval"`
	WakeMinGap   time.Duration `yaml:"wake_min_gap"`

	// MQTT (TeslaMate)，Broker 为空时不启用
	MQTTBroker      string        `yaml:"mqtt_broker"`
	MQTTClientID    string        `yaml:"mqtt_client_id"`
	MQTTUsername    string        `yaml:"mqtt_username"`
	MQTTPassword    string        `yaml:"mqtt_password"`
	MQTTTopicPrefix string        `yaml:"mqtt_topic_prefix"`
	MQTTSettleDelay time.Duration `yaml:"mqtt_settle_delay"`

	// 状态接口监听地址，为空时不启用
	StatusAddr string `yaml:"status_addr"`

	location *time.Location
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		LogLevel:        "info",
		CarID:           1,
		DBHost:          "database",
		DBPort:          "5432",
		DBName:          "teslamate",
		DBUser:          "teslamate",
		DBPassword:      "password",
		FilterMode:      FilterStrict,
		DriveDetails:    DriveDetailsBasic,
		DisplayTZ:       "Europe/Paris",
		NtfyTopic:       "tesla",
		PollInterval:    60 * time.Second,
		WakeMinGap:      30 * time.Second,
		MQTTClientID:    "tesnotify",
		MQTTTopicPrefix: "teslamate",
		MQTTSettleDelay: 60 * time.Second,
	}
}

// Load 按 默认值 -> CONFIG_FILE(YAML) -> 环境变量 的顺序加载配置
func Load() (*Config, error) {
	// 尝试加载 .env 文件（可选）
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	c.Debug = getEnvBool("DEBUG", c.Debug)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	if c.CarID, err = getEnvInt64("CAR_ID", c.CarID); err != nil {
		return err
	}

	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.DBHost = getEnv("DB_HOST", c.DBHost)
	c.DBPort = getEnv("DB_PORT", c.DBPort)
	c.DBName = getEnv("DB_NAME", c.DBName)
	c.DBUser = getEnv("DB_USER", c.DBUser)
	c.DBPassword = getEnv("DB_PASSWORD", c.DBPassword)

	c.FilterMode = strings.ToLower(getEnv("FILTER_MODE", c.FilterMode))
	c.DriveDetails = strings.ToLower(getEnv("DRIVE_DETAILS", c.DriveDetails))
	c.DisplayTZ = getEnv("DISPLAY_TZ", c.DisplayTZ)

	c.NtfyTopic = getEnv("NTFY_TOPIC", c.NtfyTopic)
	c.NtfyURL = getEnv("NTFY_URL", c.NtfyURL)
	c.NtfyToken = getEnv("NTFY_TOKEN", c.NtfyToken)
	c.NtfyTags = getEnv("NTFY_TAGS", c.NtfyTags)

	c.MQTTBroker = getEnv("MQTT_BROKER", c.MQTTBroker)
	c.MQTTClientID = getEnv("MQTT_CLIENT_ID", c.MQTTClientID)
	c.MQTTUsername = getEnv("MQTT_USERNAME", c.MQTTUsername)
	c.MQTTPassword = getEnv("MQTT_PASSWORD", c.MQTTPassword)
	c.MQTTTopicPrefix = getEnv("MQTT_TOPIC_PREFIX", c.MQTTTopicPrefix)

	c.StatusAddr = getEnv("STATUS_ADDR", c.StatusAddr)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DB_QUERY_TIMEOUT", &c.DBQueryTimeout},
		{"HTTP_TIMEOUT", &c.HTTPTimeout},
		{"POLL_INTERVAL", &c.PollInterval},
		{"WAKE_MIN_GAP", &c.WakeMinGap},
		{"MQTT_SETTLE_DELAY", &c.MQTTSettleDelay},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, *d.dst); err != nil {
			return err
		}
	}

	return nil
}

// Validate 校验配置并解析时区
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll interval must be positive, got %s", c.PollInterval)
	}
	if c.FilterMode != FilterStrict && c.FilterMode != FilterLoose {
		return fmt.Errorf("config: unknown filter mode %q", c.FilterMode)
	}
	if c.DriveDetails != DriveDetailsBasic && c.DriveDetails != DriveDetailsEnriched {
		return fmt.Errorf("config: unknown drive details %q", c.DriveDetails)
	}

	loc, err := time.LoadLocation(c.DisplayTZ)
	if err != nil {
		return fmt.Errorf("config: load timezone %q: %w", c.DisplayTZ, err)
	}
	c.location = loc
	return nil
}

// Location 显示时区
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// DSN 返回数据库连接串，DATABASE_URL 优先
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// NotifyURL 返回推送地址，NTFY_URL 优先
func (c *Config) NotifyURL() string {
	if c.NtfyURL != "" {
		return c.NtfyURL
	}
	return "https://ntfy.sh/" + c.NtfyTopic
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return d, nil
}
