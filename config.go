package linkup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the engine configuration, stored as TOML.
type Config struct {
	API      APIConfig          `toml:"api"`
	Realtime RealtimeConfigFile `toml:"realtime"`
	Cache    CacheConfig        `toml:"cache"`
	Chat     ChatConfig         `toml:"chat"`
	Auth     AuthConfig         `toml:"auth"`
	Log      LogConfig          `toml:"log"`
}

// APIConfig holds REST settings.
type APIConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
}

// RealtimeConfigFile holds realtime connection settings.
type RealtimeConfigFile struct {
	URL                  string   `toml:"url"`
	Offline              bool     `toml:"offline"` // use the in-process backend
	AutoReconnect        bool     `toml:"auto_reconnect"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	RequestTimeout       Duration `toml:"request_timeout"`
}

// CacheConfig selects and tunes the persistent store.
type CacheConfig struct {
	Backend       string           `toml:"backend"` // memory, sqlite or redis
	Path          string           `toml:"path"`
	RedisAddr     string           `toml:"redis_addr"`
	RedisDB       int              `toml:"redis_db"`
	Namespace     string           `toml:"namespace"`
	PruneInterval Duration         `toml:"prune_interval"`
	Collections   []CollectionRule `toml:"collections"`
}

// ChatConfig tunes sessions, the inbox and the feed.
type ChatConfig struct {
	PageSize     int  `toml:"page_size"`
	InboxSize    int  `toml:"inbox_size"`
	FeedPageSize int  `toml:"feed_page_size"`
	AutoRead     bool `toml:"auto_read"`
}

// AuthConfig holds the signed-in user.
type AuthConfig struct {
	Token       string `toml:"token"`
	UID         string `toml:"uid"`
	DisplayName string `toml:"display_name"`
	DeviceID    string `toml:"device_id"`
}

// LogConfig configures NewLogger.
type LogConfig struct {
	Level string `toml:"level"`
	Debug bool   `toml:"debug"`
	File  string `toml:"file"`
}

// Duration is a time.Duration written as a string ("15s") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: DefaultBaseURL,
			Timeout: Duration{DefaultTimeout},
		},
		Realtime: RealtimeConfigFile{
			AutoReconnect:        true,
			MaxReconnectAttempts: 10,
			HeartbeatInterval:    Duration{25 * time.Second},
			RequestTimeout:       Duration{10 * time.Second},
		},
		Cache: CacheConfig{
			Backend:       "sqlite",
			PruneInterval: Duration{DefaultPruneInterval},
			Collections:   DefaultCollections(),
		},
		Chat: ChatConfig{
			PageSize:     DefaultPageSize,
			InboxSize:    DefaultInboxSize,
			FeedPageSize: DefaultFeedPageSize,
			AutoRead:     true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultCollections bounds the collections the engine writes.
func DefaultCollections() []CollectionRule {
	return []CollectionRule{
		{Prefix: "messages:", MaxSize: 200, SortField: "createdAt", Direction: Desc},
		{Prefix: "inbox:", MaxSize: 100, SortField: "updatedAt", Direction: Desc},
		{Prefix: "feed:", MaxSize: 100, SortField: "createdAt", Direction: Desc},
	}
}

// ============================================================================
// Load / Save
// ============================================================================

// DefaultConfigPath returns ~/.linkup/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".linkup", "config.toml"), nil
}

// LoadConfig reads path over DefaultConfig. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	// Collections in the file replace the defaults rather than appending.
	cfg.Cache.Collections = nil
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	if cfg.Cache.Collections == nil {
		cfg.Cache.Collections = DefaultCollections()
	}
	return cfg, nil
}

// SaveConfig writes cfg to path, creating the directory if needed.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// SetValue sets a field using dot notation (e.g. "auth.token").
func (cfg *Config) SetValue(key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	var err error
	switch section {
	case "api":
		switch field {
		case "base_url":
			cfg.API.BaseURL = value
		case "timeout":
			err = cfg.API.Timeout.UnmarshalText([]byte(value))
		default:
			return unknownField(section, field)
		}
	case "realtime":
		switch field {
		case "url":
			cfg.Realtime.URL = value
		case "offline":
			cfg.Realtime.Offline, err = strconv.ParseBool(value)
		case "auto_reconnect":
			cfg.Realtime.AutoReconnect, err = strconv.ParseBool(value)
		case "max_reconnect_attempts":
			cfg.Realtime.MaxReconnectAttempts, err = strconv.Atoi(value)
		case "heartbeat_interval":
			err = cfg.Realtime.HeartbeatInterval.UnmarshalText([]byte(value))
		case "request_timeout":
			err = cfg.Realtime.RequestTimeout.UnmarshalText([]byte(value))
		default:
			return unknownField(section, field)
		}
	case "cache":
		switch field {
		case "backend":
			switch value {
			case "memory", "sqlite", "redis":
				cfg.Cache.Backend = value
			default:
				return fmt.Errorf("unknown cache backend %q (valid: memory, sqlite, redis)", value)
			}
		case "path":
			cfg.Cache.Path = value
		case "redis_addr":
			cfg.Cache.RedisAddr = value
		case "redis_db":
			cfg.Cache.RedisDB, err = strconv.Atoi(value)
		case "namespace":
			cfg.Cache.Namespace = value
		case "prune_interval":
			err = cfg.Cache.PruneInterval.UnmarshalText([]byte(value))
		default:
			return unknownField(section, field)
		}
	case "chat":
		switch field {
		case "page_size":
			cfg.Chat.PageSize, err = strconv.Atoi(value)
		case "inbox_size":
			cfg.Chat.InboxSize, err = strconv.Atoi(value)
		case "feed_page_size":
			cfg.Chat.FeedPageSize, err = strconv.Atoi(value)
		case "auto_read":
			cfg.Chat.AutoRead, err = strconv.ParseBool(value)
		default:
			return unknownField(section, field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "uid":
			cfg.Auth.UID = value
		case "display_name":
			cfg.Auth.DisplayName = value
		case "device_id":
			cfg.Auth.DeviceID = value
		default:
			return unknownField(section, field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "debug":
			cfg.Log.Debug, err = strconv.ParseBool(value)
		case "file":
			cfg.Log.File = value
		default:
			return unknownField(section, field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: api, realtime, cache, chat, auth, log)", section)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

func unknownField(section, field string) error {
	return fmt.Errorf("unknown field %q in section [%s]", field, section)
}
