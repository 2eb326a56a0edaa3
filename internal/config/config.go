package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents the application configuration sourced from the environment.
type Config struct {
	AppName string

	HTTPListenAddr string
	RawListenAddr  string
	WSPath         string
	MetricsAddr    string
	OTLPEndpoint   string

	LogLevel   string
	LogPretty  bool
	FrameTrace bool

	EchoReplies       bool
	ReadBufferSize    int
	WriteTimeout      time.Duration
	MaxHandshakeBytes int
	SendQueueSize     int
	NPoller           int
	MaxPendingBytes   int

	PostgresURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RelayChannel  string

	ObjectEndpoint  string
	ObjectRegion    string
	ObjectBucket    string
	ObjectAccessKey string
	ObjectSecretKey string
	ObjectUseSSL    bool
	ArchiveInterval time.Duration
	ArchiveBatch    int

	ShutdownTimeout time.Duration
	HealthInterval  time.Duration
}

// Load reads configuration from the environment while applying sensible defaults
// for local development. Postgres, Redis and object storage are optional and
// stay disabled while their address is empty.
func Load() (Config, error) {
	cfg := Config{
		AppName:           getEnv("APP_NAME", "socketcore"),
		HTTPListenAddr:    getEnv("HTTP_LISTEN_ADDR", ":8080"),
		RawListenAddr:     os.Getenv("RAW_LISTEN_ADDR"),
		WSPath:            getEnv("WS_PATH", "/ws"),
		MetricsAddr:       getEnv("METRICS_LISTEN_ADDR", ":9090"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         getBool("LOG_PRETTY", false),
		FrameTrace:        getBool("FRAME_TRACE", false),
		EchoReplies:       getBool("ECHO_REPLIES", true),
		ReadBufferSize:    getInt("READ_BUFFER_SIZE", 4096),
		WriteTimeout:      getDuration("WRITE_TIMEOUT", 5*time.Second),
		MaxHandshakeBytes: getInt("MAX_HANDSHAKE_BYTES", 8<<10),
		SendQueueSize:     getInt("SEND_QUEUE_SIZE", 64),
		NPoller:           getInt("NPOLLER", 0),
		MaxPendingBytes:   getInt("MAX_PENDING_BYTES", 4<<20),
		PostgresURL:       os.Getenv("POSTGRES_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getInt("REDIS_DB", 0),
		RelayChannel:      getEnv("RELAY_CHANNEL", "socketcore:messages"),
		ObjectEndpoint:    os.Getenv("OBJECT_ENDPOINT"),
		ObjectRegion:      getEnv("OBJECT_REGION", "us-east-1"),
		ObjectBucket:      getEnv("OBJECT_BUCKET", "socketcore"),
		ObjectAccessKey:   os.Getenv("OBJECT_ACCESS_KEY"),
		ObjectSecretKey:   os.Getenv("OBJECT_SECRET_KEY"),
		ObjectUseSSL:      getBool("OBJECT_USE_SSL", false),
		ArchiveInterval:   getDuration("ARCHIVE_INTERVAL", 30*time.Second),
		ArchiveBatch:      getInt("ARCHIVE_BATCH", 1000),
		ShutdownTimeout:   getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		HealthInterval:    getDuration("HEALTHCHECK_INTERVAL", 30*time.Second),
	}

	if cfg.HTTPListenAddr == "off" {
		cfg.HTTPListenAddr = ""
	}
	if cfg.HTTPListenAddr == "" && cfg.RawListenAddr == "" {
		return Config{}, fmt.Errorf("at least one of HTTP_LISTEN_ADDR or RAW_LISTEN_ADDR must be set")
	}
	if cfg.ObjectEndpoint != "" && (cfg.ObjectAccessKey == "" || cfg.ObjectSecretKey == "") {
		return Config{}, fmt.Errorf("object storage credentials must be provided")
	}
	if cfg.ObjectEndpoint != "" && cfg.PostgresURL == "" {
		return Config{}, fmt.Errorf("object storage archiving requires POSTGRES_URL")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
