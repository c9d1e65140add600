package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Auth     AuthConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Realtime RealtimeConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	redis, err := loadRedisConfig()
	if err != nil {
		return nil, err
	}

	realtime, err := loadRealtimeConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Log:      logCfg,
		Auth:     loadAuthConfig(),
		Storage:  storage,
		Redis:    redis,
		Realtime: realtime,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	origins := splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"))

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

func loadLogConfig() (LogConfig, error) {
	level := strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info"))
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value %q", level)
	}

	format := strings.ToLower(getEnvOrDefault("LOG_FORMAT", "json"))
	if format != "json" && format != "console" {
		return LogConfig{}, fmt.Errorf("invalid LOG_FORMAT value %q", format)
	}

	return LogConfig{Level: level, Format: format}, nil
}

// AuthConfig 描述身份校验配置。JWTSecret 为空时进入开发模式，直接信任请求携带的用户 ID。
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// Enabled 表示是否启用 JWT 校验。
func (c AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET")),
		Issuer:    strings.TrimSpace(os.Getenv("AUTH_JWT_ISSUER")),
	}
}

// Storage drivers understood by the message store.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StorageConfig 描述聊天消息持久化配置。
type StorageConfig struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string
	Debug       bool
}

func loadStorageConfig() (StorageConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("STORAGE_DRIVER", DriverMemory))

	debug, err := parseBoolEnv("DB_DEBUG", false)
	if err != nil {
		return StorageConfig{}, err
	}

	cfg := StorageConfig{
		Driver:      driver,
		SQLitePath:  getEnvOrDefault("SQLITE_PATH", "soundwave.db"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Debug:       debug,
	}

	switch driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return StorageConfig{}, fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=%s", driver)
		}
	default:
		return StorageConfig{}, fmt.Errorf("invalid STORAGE_DRIVER value %q", driver)
	}

	return cfg, nil
}

// RedisConfig 描述在线状态镜像使用的 Redis。Addr 为空时不启用。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled 表示是否配置了 Redis 地址。
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

func loadRedisConfig() (RedisConfig, error) {
	db, err := parseIntEnv("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}
	if db < 0 {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_DB value %d", db)
	}

	return RedisConfig{
		Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

// RealtimeConfig 描述 WebSocket 连接与事件循环的参数。
type RealtimeConfig struct {
	SendBuffer       int
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxMessageBytes  int64
	EventBuffer      int
	LaneBuffer       int
	MaxContentLength int
}

// DefaultRealtimeConfig 返回默认参数，测试中直接使用。
func DefaultRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		SendBuffer:       64,
		PingInterval:     54 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
		MaxMessageBytes:  64 << 10,
		EventBuffer:      256,
		LaneBuffer:       32,
		MaxContentLength: 4000,
	}
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	cfg := DefaultRealtimeConfig()

	ints := []struct {
		key string
		dst *int
	}{
		{"WS_SEND_BUFFER", &cfg.SendBuffer},
		{"HUB_EVENT_BUFFER", &cfg.EventBuffer},
		{"HUB_LANE_BUFFER", &cfg.LaneBuffer},
		{"CHAT_MAX_CONTENT_LENGTH", &cfg.MaxContentLength},
	}
	for _, item := range ints {
		val, err := parseIntEnv(item.key, *item.dst)
		if err != nil {
			return RealtimeConfig{}, err
		}
		if val < 1 {
			return RealtimeConfig{}, fmt.Errorf("invalid %s value %d: must be positive", item.key, val)
		}
		*item.dst = val
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"WS_PING_INTERVAL_SECONDS", &cfg.PingInterval},
		{"WS_PONG_WAIT_SECONDS", &cfg.PongWait},
		{"WS_WRITE_WAIT_SECONDS", &cfg.WriteWait},
	}
	for _, item := range durations {
		seconds, err := parseOptionalIntEnv(item.key)
		if err != nil {
			return RealtimeConfig{}, err
		}
		if seconds == nil {
			continue
		}
		if *seconds < 1 {
			return RealtimeConfig{}, fmt.Errorf("invalid %s value %d: must be positive", item.key, *seconds)
		}
		*item.dst = time.Duration(*seconds) * time.Second
	}

	if cfg.PingInterval >= cfg.PongWait {
		return RealtimeConfig{}, fmt.Errorf("WS_PING_INTERVAL_SECONDS (%s) must be shorter than WS_PONG_WAIT_SECONDS (%s)", cfg.PingInterval, cfg.PongWait)
	}

	maxBytes, err := parseIntEnv("WS_MAX_MESSAGE_BYTES", int(cfg.MaxMessageBytes))
	if err != nil {
		return RealtimeConfig{}, err
	}
	if maxBytes < 1 {
		return RealtimeConfig{}, fmt.Errorf("invalid WS_MAX_MESSAGE_BYTES value %d", maxBytes)
	}
	cfg.MaxMessageBytes = int64(maxBytes)

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
