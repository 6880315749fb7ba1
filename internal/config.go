package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 整個服務的配置
//
// 載入順序：預設值 → YAML 檔案 → .env / 環境變數 → 命令列參數（在 cmd/server 處理）
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Auth struct {
		JWTSecret  string `yaml:"jwt_secret"`
		CookieName string `yaml:"cookie_name"`
	} `yaml:"auth"`

	Connection ConnectionConfig `yaml:"connection"`

	Matchmaking MatchmakingConfig `yaml:"matchmaking"`

	Room RoomConfig `yaml:"room"`
}

// ConnectionConfig 單一連線的參數
type ConnectionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // 等待 pong 的上限
	WriteTimeout     time.Duration `yaml:"write_timeout"`     // 單次寫入期限
	InboundBuffer    int           `yaml:"inbound_buffer"`    // 讀取端 frame 緩衝
}

// MatchmakingConfig 快速配對的參數
type MatchmakingConfig struct {
	MaxLobbySize      int           `yaml:"max_lobby_size"`
	EvictionDelay     time.Duration `yaml:"eviction_delay"`     // 湊滿兩人後多久強制開賽
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"` // 比賽中多久沒收到 frame 視為逾時
	MailboxSize       int           `yaml:"mailbox_size"`
}

// RoomConfig 房間的參數
type RoomConfig struct {
	Countdown          time.Duration `yaml:"countdown"`           // prepare 到正式開始的倒數
	InactivityDuration time.Duration `yaml:"inactivity_duration"` // 空房間保留多久
	MailboxSize        int           `yaml:"mailbox_size"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.IdleTimeout = 60 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	cfg.Auth.CookieName = "auth_token"

	cfg.Connection = ConnectionConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		InboundBuffer:    16,
	}

	cfg.Matchmaking = MatchmakingConfig{
		MaxLobbySize:      5,
		EvictionDelay:     5 * time.Second,
		InactivityTimeout: 20 * time.Second,
		MailboxSize:       32,
	}

	cfg.Room = RoomConfig{
		Countdown:          10 * time.Second,
		InactivityDuration: 60 * time.Second,
		MailboxSize:        32,
	}

	return cfg
}

// LoadConfig 載入配置檔案
//
// path 為空或檔案不存在時沿用預設值；.env 檔案可選。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// .env 只補上尚未設定的環境變數
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	return nil
}

// Validate 檢查配置是否可用
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port 超出範圍: %d", c.Server.Port))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret 不能為空"))
	}
	if c.Connection.HandshakeTimeout <= 0 || c.Connection.WriteTimeout <= 0 {
		errs = append(errs, errors.New("connection 逾時必須大於 0"))
	}
	if c.Matchmaking.MaxLobbySize < 2 {
		errs = append(errs, fmt.Errorf("matchmaking.max_lobby_size 至少為 2: %d", c.Matchmaking.MaxLobbySize))
	}
	if c.Matchmaking.EvictionDelay <= 0 || c.Matchmaking.InactivityTimeout <= 0 {
		errs = append(errs, errors.New("matchmaking 計時器必須大於 0"))
	}
	if c.Room.InactivityDuration <= 0 || c.Room.Countdown < 0 {
		errs = append(errs, errors.New("room 計時器設定無效"))
	}
	if c.Matchmaking.MailboxSize <= 0 || c.Room.MailboxSize <= 0 || c.Connection.InboundBuffer <= 0 {
		errs = append(errs, errors.New("mailbox 與緩衝大小必須大於 0"))
	}

	return errors.Join(errs...)
}
