package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	CacheNone  = "none"
	CacheMongo = "mongo"
	CacheRedis = "redis"
)

type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	TorrentDataDir   string        `yaml:"torrent_data_dir"`
	StorageMode      string        `yaml:"torrent_storage_mode"`
	MemoryLimitBytes int64         `yaml:"torrent_memory_limit_bytes"`
	MetadataTimeout  time.Duration `yaml:"torrent_metadata_timeout"`
	ListenPort       int           `yaml:"torrent_listen_port"`
	NoDHT            bool          `yaml:"torrent_no_dht"`
	MaxConns         int           `yaml:"torrent_max_conns"`
	Trackers         []string      `yaml:"torrent_trackers"`

	StreamReadaheadBytes int64    `yaml:"stream_readahead_bytes"`
	MaxUploadBytes       int64    `yaml:"max_upload_bytes"`
	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`

	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`

	CacheBackend    string        `yaml:"cache_backend"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	MongoURI        string        `yaml:"mongo_uri"`
	MongoDatabase   string        `yaml:"mongo_db"`
	MongoCollection string        `yaml:"mongo_collection"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`

	OTelEndpoint   string  `yaml:"otel_exporter_otlp_endpoint"`
	OTelSampleRate float64 `yaml:"otel_trace_sample_rate"`
}

// publicTrackers are announced as an extra tier on every torrent so magnets
// without trackers still find peers quickly.
var publicTrackers = []string{
	"udp://tracker.opentrackr.org:1337",
	"udp://tracker.openbittorrent.com:80",
	"udp://exodus.desync.com:6969",
	"udp://tracker.torrent.eu.org:451",
	"udp://tracker.tiny-vps.com:6969",
	"udp://open.stealth.si:80",
	"udp://explodie.org:6969",
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:             ":8080",
		LogLevel:             "info",
		LogFormat:            "text",
		TorrentDataDir:       "data",
		StorageMode:          "memory",
		MemoryLimitBytes:     1 << 30,
		MetadataTimeout:      90 * time.Second,
		MaxConns:             35,
		Trackers:             append([]string(nil), publicTrackers...),
		StreamReadaheadBytes: 16 << 20,
		MaxUploadBytes:       50 << 20,
		CORSAllowedOrigins:   []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		RateLimitRPS:         100,
		RateLimitBurst:       200,
		ShutdownGrace:        10 * time.Second,
		MetricsInterval:      5 * time.Second,
		CacheBackend:         CacheNone,
		CacheTTL:             7 * 24 * time.Hour,
		MongoURI:             "mongodb://localhost:27017",
		MongoDatabase:        "animestream",
		MongoCollection:      "torrents",
		RedisAddr:            "localhost:6379",
		OTelSampleRate:       0.1,
	}
}

// LoadConfig layers defaults, the optional YAML file named by CONFIG_FILE and
// environment variables, in that order.
func LoadConfig() (Config, error) {
	cfg := defaultConfig()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.StorageMode = strings.ToLower(cfg.StorageMode)
	cfg.CacheBackend = strings.ToLower(cfg.CacheBackend)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.TorrentDataDir = getEnv("TORRENT_DATA_DIR", cfg.TorrentDataDir)
	cfg.StorageMode = getEnv("TORRENT_STORAGE_MODE", cfg.StorageMode)
	cfg.MemoryLimitBytes = getEnvInt64("TORRENT_MEMORY_LIMIT_BYTES", cfg.MemoryLimitBytes)
	cfg.MetadataTimeout = getEnvDuration("TORRENT_METADATA_TIMEOUT", cfg.MetadataTimeout)
	cfg.ListenPort = int(getEnvInt64("TORRENT_LISTEN_PORT", int64(cfg.ListenPort)))
	cfg.NoDHT = getEnvBool("TORRENT_NO_DHT", cfg.NoDHT)
	cfg.MaxConns = int(getEnvInt64("TORRENT_MAX_CONNS", int64(cfg.MaxConns)))
	cfg.Trackers = getEnvList("TORRENT_TRACKERS", cfg.Trackers)

	cfg.StreamReadaheadBytes = getEnvInt64("STREAM_READAHEAD_BYTES", cfg.StreamReadaheadBytes)
	cfg.MaxUploadBytes = getEnvInt64("MAX_UPLOAD_BYTES", cfg.MaxUploadBytes)
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.RateLimitRPS = getEnvFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = int(getEnvInt64("RATE_LIMIT_BURST", int64(cfg.RateLimitBurst)))

	cfg.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", cfg.ShutdownGrace)
	cfg.MetricsInterval = getEnvDuration("METRICS_INTERVAL", cfg.MetricsInterval)

	cfg.CacheBackend = getEnv("CACHE_BACKEND", cfg.CacheBackend)
	cfg.CacheTTL = getEnvDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.MongoURI = getEnv("MONGO_URI", cfg.MongoURI)
	cfg.MongoDatabase = getEnv("MONGO_DB", cfg.MongoDatabase)
	cfg.MongoCollection = getEnv("MONGO_COLLECTION", cfg.MongoCollection)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = int(getEnvInt64("REDIS_DB", int64(cfg.RedisDB)))

	cfg.OTelEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTelEndpoint)
	cfg.OTelSampleRate = getEnvFloat("OTEL_TRACE_SAMPLE_RATE", cfg.OTelSampleRate)
}

func (c Config) validate() error {
	switch c.StorageMode {
	case "memory", "disk":
	default:
		return fmt.Errorf("invalid TORRENT_STORAGE_MODE %q (want memory or disk)", c.StorageMode)
	}
	switch c.CacheBackend {
	case CacheNone, CacheMongo, CacheRedis:
	default:
		return fmt.Errorf("invalid CACHE_BACKEND %q (want none, mongo or redis)", c.CacheBackend)
	}
	if c.MetadataTimeout <= 0 {
		return fmt.Errorf("TORRENT_METADATA_TIMEOUT must be positive, got %s", c.MetadataTimeout)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs <= 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// getEnvList splits a comma-separated value. "*" clears the list: for CORS
// that allows any origin, for trackers it disables the extra tier.
func getEnvList(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if value == "*" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
