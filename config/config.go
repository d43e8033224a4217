package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port          int    `toml:"port"`
	DBPath        string `toml:"db_path"`
	DBMaxConns    int    `toml:"db_max_conns"`
	OfflineStore  string `toml:"offline_store"` // "sqlite" or "memory"
	ControlSocket string `toml:"control_socket"`
	MetricsAddr   string `toml:"metrics_addr"`

	StoreTimeout      Duration `toml:"store_timeout"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	ReconnectTimeout  Duration `toml:"reconnect_timeout"`
	WriteTimeout      Duration `toml:"write_timeout"`

	MaxFrameSize    int     `toml:"max_frame_size"`
	SendQueueSize   int     `toml:"send_queue_size"`
	RateLimit       float64 `toml:"rate_limit"` // frames per second, 0 disables
	RateBurst       int     `toml:"rate_burst"`
	HistoryLimit    int     `toml:"history_limit"`
	FriendCacheSize int     `toml:"friend_cache_size"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
}

// Duration is a time.Duration that decodes from TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func Default() *Config {
	return &Config{
		Port:              8888,
		DBPath:            "chatd.db",
		DBMaxConns:        8,
		OfflineStore:      "sqlite",
		ControlSocket:     "/tmp/chatd.sock",
		StoreTimeout:      Duration{5 * time.Second},
		HeartbeatInterval: Duration{30 * time.Second},
		ReconnectTimeout:  Duration{60 * time.Second},
		WriteTimeout:      Duration{10 * time.Second},
		MaxFrameSize:      1 << 20,
		SendQueueSize:     64,
		RateLimit:         20,
		RateBurst:         40,
		HistoryLimit:      50,
		FriendCacheSize:   1024,
		LogLevel:          "info",
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path, a .env file in the working directory and CHATD_* variables, in that
// order of precedence (later wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envInt("CHATD_PORT", &cfg.Port)
	envString("CHATD_DB_PATH", &cfg.DBPath)
	envInt("CHATD_DB_MAX_CONNS", &cfg.DBMaxConns)
	envString("CHATD_OFFLINE_STORE", &cfg.OfflineStore)
	envString("CHATD_CONTROL_SOCKET", &cfg.ControlSocket)
	envString("CHATD_METRICS_ADDR", &cfg.MetricsAddr)
	envDuration("CHATD_STORE_TIMEOUT", &cfg.StoreTimeout)
	envDuration("CHATD_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	envDuration("CHATD_RECONNECT_TIMEOUT", &cfg.ReconnectTimeout)
	envDuration("CHATD_WRITE_TIMEOUT", &cfg.WriteTimeout)
	envInt("CHATD_MAX_FRAME_SIZE", &cfg.MaxFrameSize)
	envInt("CHATD_SEND_QUEUE_SIZE", &cfg.SendQueueSize)
	envInt("CHATD_RATE_BURST", &cfg.RateBurst)
	envInt("CHATD_HISTORY_LIMIT", &cfg.HistoryLimit)
	envInt("CHATD_FRIEND_CACHE_SIZE", &cfg.FriendCacheSize)
	envString("CHATD_LOG_LEVEL", &cfg.LogLevel)
	envString("CHATD_LOG_FILE", &cfg.LogFile)

	if s := os.Getenv("CHATD_RATE_LIMIT"); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			cfg.RateLimit = v
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			*dst = v
		}
	}
}

func envDuration(key string, dst *Duration) {
	if s := os.Getenv(key); s != "" {
		if v, err := time.ParseDuration(s); err == nil {
			dst.Duration = v
		}
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.DBPath == "":
		return errors.New("db_path is required")
	case c.OfflineStore != "sqlite" && c.OfflineStore != "memory":
		return fmt.Errorf("unknown offline_store %q", c.OfflineStore)
	case c.HeartbeatInterval.Duration <= 0:
		return errors.New("heartbeat_interval must be positive")
	case c.ReconnectTimeout.Duration < c.HeartbeatInterval.Duration:
		return errors.New("reconnect_timeout must not be shorter than heartbeat_interval")
	case c.MaxFrameSize <= 0:
		return errors.New("max_frame_size must be positive")
	case c.SendQueueSize <= 0:
		return errors.New("send_queue_size must be positive")
	case c.HistoryLimit <= 0:
		return errors.New("history_limit must be positive")
	}
	return nil
}
