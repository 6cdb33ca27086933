// Package config 中繼伺服器設定
//
// 設定檔為 YAML；沒有設定檔時全部使用 Default()。
// 時間欄位寫成字串（"3m"、"500ms"）。
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Room      RoomConfig      `yaml:"room"`
	Directory DirectoryConfig `yaml:"directory"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig 監聽位址與連線參數
type ServerConfig struct {
	// Host 對外公布的主機名稱（寫進伺服器紀錄）
	Host          string `yaml:"host"`
	QUICAddr      string `yaml:"quic_addr"`
	WebSocketAddr string `yaml:"websocket_addr"` // 空字串表示不啟用
	WebSocketPath string `yaml:"websocket_path"`
	APIAddr       string `yaml:"api_addr"`

	WorkerCount      int           `yaml:"worker_count"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SendQueueSize    int           `yaml:"send_queue_size"`

	// 每條連線的入站速率限制（frame/s）
	FrameRate  float64 `yaml:"frame_rate"`
	FrameBurst int     `yaml:"frame_burst"`

	MaxIdleTimeout  time.Duration `yaml:"max_idle_timeout"`
	KeepAlivePeriod time.Duration `yaml:"keep_alive_period"`
	CloseGrace      time.Duration `yaml:"close_grace"` // 關閉連線前等待對方讀完最後訊框

	TLS struct {
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"tls"`
}

// RoomConfig 房間預設值與活性參數
type RoomConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	MinUsers          int           `yaml:"min_users"`
	MaxUsers          int           `yaml:"max_users"` // 客戶端要求的 max_user 上限
	RPCBufferLimit    int           `yaml:"rpc_buffer_limit"`
	PasswordCost      int           `yaml:"password_cost"`
}

// DirectoryConfig 目錄服務
type DirectoryConfig struct {
	Backend              string        `yaml:"backend"` // memory | redis | nats
	ServerUpdateInterval time.Duration `yaml:"server_update_interval"`
	QueueSize            int           `yaml:"queue_size"`
	MaxRetries           uint64        `yaml:"max_retries"`
	PublishTimeout       time.Duration `yaml:"publish_timeout"`

	Redis struct {
		Addr           string `yaml:"addr"`
		Password       string `yaml:"password"`
		DB             int    `yaml:"db"`
		ServerIDKey    string `yaml:"server_id_key"`
		ChannelServers string `yaml:"channel_servers"`
		ChannelRooms   string `yaml:"channel_rooms"`
	} `yaml:"redis"`

	NATS struct {
		URL            string `yaml:"url"`
		SubjectServers string `yaml:"subject_servers"`
		SubjectRooms   string `yaml:"subject_rooms"`
		Bucket         string `yaml:"bucket"`
	} `yaml:"nats"`
}

// LogConfig 日誌
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // text | json
	AddSource bool   `yaml:"add_source"`
	// Subsystems 子系統個別日誌級別，例如 {engine: debug}
	Subsystems map[string]string `yaml:"subsystems"`
}

// 目錄後端
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

// Default 預設設定
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:             "localhost",
			QUICAddr:         ":4000",
			WebSocketAddr:    ":4001",
			WebSocketPath:    "/relay",
			APIAddr:          ":8080",
			WorkerCount:      4,
			HandshakeTimeout: 10 * time.Second,
			SendQueueSize:    256,
			FrameRate:        200,
			FrameBurst:       400,
			MaxIdleTimeout:   30 * time.Second,
			KeepAlivePeriod:  10 * time.Second,
			CloseGrace:       time.Second,
		},
		Room: RoomConfig{
			TickInterval:      5 * time.Second,
			InactivityTimeout: time.Minute,
			DrainTimeout:      3 * time.Minute,
			MinUsers:          1,
			MaxUsers:          64,
			RPCBufferLimit:    256,
			PasswordCost:      10,
		},
		Directory: DirectoryConfig{
			Backend:              BackendMemory,
			ServerUpdateInterval: 30 * time.Second,
			QueueSize:            1024,
			MaxRetries:           3,
			PublishTimeout:       3 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
	cfg.Directory.Redis.Addr = "localhost:6379"
	cfg.Directory.NATS.URL = "nats://localhost:4222"
	return cfg
}

// Load 載入設定檔，檔案不存在時回傳預設值
//
// 檔案中沒寫的欄位保留預設值。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	// #nosec G304 - path 來自命令列參數
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.QUICAddr != "", "server.quic_addr is required")
	check(c.Server.WorkerCount >= 1, "server.worker_count must be >= 1, got %d", c.Server.WorkerCount)
	check(c.Server.HandshakeTimeout > 0, "server.handshake_timeout must be positive")
	check(c.Server.SendQueueSize > 0, "server.send_queue_size must be positive")
	check(c.Server.FrameRate > 0, "server.frame_rate must be positive")
	check(c.Server.FrameBurst > 0, "server.frame_burst must be positive")
	check(c.Server.CloseGrace >= 0, "server.close_grace must be >= 0")
	check((c.Server.TLS.CertFile == "") == (c.Server.TLS.KeyFile == ""),
		"server.tls.cert_file and key_file must be set together")

	check(c.Room.TickInterval > 0, "room.tick_interval must be positive")
	check(c.Room.InactivityTimeout > 0, "room.inactivity_timeout must be positive")
	check(c.Room.DrainTimeout > 0, "room.drain_timeout must be positive")
	check(c.Room.MinUsers >= 0, "room.min_users must be >= 0")
	check(c.Room.MaxUsers >= 1 && c.Room.MaxUsers <= 1<<16,
		"room.max_users must be in [1, 65536], got %d", c.Room.MaxUsers)
	check(c.Room.RPCBufferLimit >= 0, "room.rpc_buffer_limit must be >= 0")
	check(c.Room.PasswordCost >= 4 && c.Room.PasswordCost <= 31,
		"room.password_cost must be in [4, 31], got %d", c.Room.PasswordCost)

	switch c.Directory.Backend {
	case BackendMemory, BackendRedis, BackendNATS:
	default:
		errs = append(errs, fmt.Errorf("directory.backend: unknown backend %q", c.Directory.Backend))
	}
	check(c.Directory.ServerUpdateInterval > 0, "directory.server_update_interval must be positive")
	check(c.Directory.QueueSize > 0, "directory.queue_size must be positive")
	check(c.Directory.PublishTimeout > 0, "directory.publish_timeout must be positive")

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
