// Package config 提供配置加载和管理功能
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var globalConfig *Config

// Config 应用程序配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Spa       SpaConfig       `yaml:"spa"`
	Database  DatabaseConfig  `yaml:"database"`
	Relay     RelayConfig     `yaml:"relay"`
	SMS       SMSConfig       `yaml:"sms"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig HTTP服务器配置
type ServerConfig struct {
	Host       string `yaml:"host"`        // 服务器监听地址
	Port       int    `yaml:"port"`        // 服务器监听端口
	PublicHost string `yaml:"public_host"` // Twilio回连使用的公网域名
	Mode       string `yaml:"mode"`        // gin运行模式
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`  // 读缓冲区大小
	WriteBufferSize int           `yaml:"write_buffer_size"` // 写缓冲区大小
	PingPeriod      time.Duration `yaml:"ping_period"`       // 心跳间隔
	PongWait        time.Duration `yaml:"pong_wait"`         // 等待Pong响应的超时时间
	WriteWait       time.Duration `yaml:"write_wait"`        // 单次写超时
}

// RealtimeConfig 实时语音模型配置
type RealtimeConfig struct {
	URL          string  `yaml:"url"`          // Realtime接口地址
	Model        string  `yaml:"model"`        // 模型名称
	APIKey       string  `yaml:"api_key"`      // API密钥
	Voice        string  `yaml:"voice"`        // 合成音色
	Temperature  float64 `yaml:"temperature"`  // 采样温度
	Instructions string  `yaml:"instructions"` // 自定义人设，为空时使用内置人设
}

// SpaConfig 水疗中心业务配置
type SpaConfig struct {
	Name     string `yaml:"name"`     // 名称
	Timezone string `yaml:"timezone"` // 所在时区
	Language string `yaml:"language"` // 通话语言
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite 或 postgres
	DSN    string `yaml:"dsn"`    // 连接串，sqlite时为文件路径
}

// RelayConfig 通话中继配置
type RelayConfig struct {
	PreStartBuffer int           `yaml:"pre_start_buffer"` // start之前最多缓存的音频帧数
	OutboundQueue  int           `yaml:"outbound_queue"`   // 发往模型的写队列长度
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`   // 一侧结束后另一侧的退出宽限期
	DrainTimeout   time.Duration `yaml:"drain_timeout"`    // 挂断后等待工具调用完成的时间
	ToolTimeout    time.Duration `yaml:"tool_timeout"`     // 单次工具调用超时
	DialTimeout    time.Duration `yaml:"dial_timeout"`     // 连接模型的握手超时
}

// SMSConfig 短信通知配置
type SMSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // 是否发送短信
	AccountSID string `yaml:"account_sid"` // Twilio账号
	AuthToken  string `yaml:"auth_token"`  // Twilio令牌
	From       string `yaml:"from"`        // 发送号码
	BaseURL    string `yaml:"base_url"`    // Twilio REST地址
	RedisAddr  string `yaml:"redis_addr"`  // asynq使用的Redis地址，为空时同步发送
	RedisDB    int    `yaml:"redis_db"`    // Redis数据库编号
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `yaml:"level"`       // debug/info/warn/error
	Development bool   `yaml:"development"` // 开发模式输出
}

// RateLimitConfig API限流配置
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"` // 每分钟请求数
	Burst     int `yaml:"burst"`      // 突发容量
}

// Addr 返回监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetConfig 获取全局配置实例
func GetConfig() *Config {
	return globalConfig
}

// Load 从文件加载配置
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// 设置全局配置
	globalConfig = cfg

	return cfg, nil
}

// Parse 解析YAML配置内容，补全默认值并校验
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	applyEnv(&config)
	applyDefaults(&config)

	// 验证配置
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// Default 返回全部使用默认值的配置，主要用于模拟器和测试
func Default() *Config {
	var config Config
	applyEnv(&config)
	applyDefaults(&config)
	return &config
}

// applyEnv 环境变量中的密钥优先于配置文件
func applyEnv(config *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		config.Realtime.APIKey = v
	}
	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		config.SMS.AccountSID = v
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		config.SMS.AuthToken = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		config.Database.DSN = v
	}
}

func applyDefaults(config *Config) {
	// 设置默认值
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Server.Mode == "" {
		config.Server.Mode = "release"
	}
	if config.WebSocket.ReadBufferSize == 0 {
		config.WebSocket.ReadBufferSize = 1024
	}
	if config.WebSocket.WriteBufferSize == 0 {
		config.WebSocket.WriteBufferSize = 1024
	}
	if config.WebSocket.PingPeriod == 0 {
		config.WebSocket.PingPeriod = 30 * time.Second
	}
	if config.WebSocket.PongWait == 0 {
		config.WebSocket.PongWait = 60 * time.Second
	}
	if config.WebSocket.WriteWait == 0 {
		config.WebSocket.WriteWait = 10 * time.Second
	}

	if config.Realtime.URL == "" {
		config.Realtime.URL = "wss://api.openai.com/v1/realtime"
	}
	if config.Realtime.Model == "" {
		config.Realtime.Model = "gpt-4o-realtime-preview-2024-10-01"
	}
	if config.Realtime.Voice == "" {
		config.Realtime.Voice = "alloy"
	}
	if config.Realtime.Temperature == 0 {
		config.Realtime.Temperature = 0.8
	}

	if config.Spa.Name == "" {
		config.Spa.Name = "Santa Caterina Beauty Farm"
	}
	if config.Spa.Timezone == "" {
		config.Spa.Timezone = "Europe/Rome"
	}
	if config.Spa.Language == "" {
		config.Spa.Language = "it"
	}

	if config.Database.Driver == "" {
		config.Database.Driver = "sqlite"
	}
	if config.Database.DSN == "" && config.Database.Driver == "sqlite" {
		config.Database.DSN = "spa_bookings.db"
	}

	if config.Relay.PreStartBuffer == 0 {
		config.Relay.PreStartBuffer = 50
	}
	if config.Relay.OutboundQueue == 0 {
		config.Relay.OutboundQueue = 256
	}
	if config.Relay.ShutdownGrace == 0 {
		config.Relay.ShutdownGrace = 2 * time.Second
	}
	if config.Relay.DrainTimeout == 0 {
		config.Relay.DrainTimeout = 10 * time.Second
	}
	if config.Relay.ToolTimeout == 0 {
		config.Relay.ToolTimeout = 15 * time.Second
	}
	if config.Relay.DialTimeout == 0 {
		config.Relay.DialTimeout = 10 * time.Second
	}

	if config.SMS.BaseURL == "" {
		config.SMS.BaseURL = "https://api.twilio.com"
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}

	if config.RateLimit.PerMinute == 0 {
		config.RateLimit.PerMinute = 120
	}
	if config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = 20
	}
}

// validateConfig 验证配置是否有效
func validateConfig(config *Config) error {
	// 验证服务器配置
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return ErrInvalidPort
	}

	// 验证数据库配置
	switch strings.ToLower(config.Database.Driver) {
	case "sqlite":
	case "postgres":
		if config.Database.DSN == "" {
			return ErrEmptyDSN
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownDriver, config.Database.Driver)
	}

	if _, err := time.LoadLocation(config.Spa.Timezone); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTimezone, config.Spa.Timezone)
	}

	// 验证中继配置
	if config.Relay.PreStartBuffer < 0 {
		return ErrInvalidBuffer
	}

	// 验证短信配置
	if config.SMS.Enabled {
		if config.SMS.AccountSID == "" || config.SMS.AuthToken == "" {
			return ErrEmptyTwilioCredentials
		}
		if config.SMS.From == "" {
			return ErrEmptySMSFrom
		}
	}

	return nil
}
