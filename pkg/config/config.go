package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Q-table storage backends.
const (
	QTableBackendMemory   = "memory"
	QTableBackendPostgres = "postgres"
	QTableBackendRedis    = "redis"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Log      LogConfig
	Engine   EngineConfig
	Monitor  MonitorConfig
	Jobs     JobsConfig
	Progress ProgressConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// EngineConfig tunes the generation pipeline independent of hardware tier.
type EngineConfig struct {
	DefaultQuality    string
	Seed              int64
	EdgeThreshold     float64
	MaxClusterSize    int
	StrategyTablePath string
	QTableBackend     string
	QTableScope       string
	ResultTTL         time.Duration
	GPUOverride       string
	DatasetPath       string
}

// MonitorConfig drives the background memory sampler.
type MonitorConfig struct {
	Interval         time.Duration
	WarningRatio     float64
	CriticalRatio    float64
	MemoryLimitBytes uint64
}

// JobsConfig sizes the in-process generation queue.
type JobsConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
}

// ProgressConfig controls progress event fan-out.
type ProgressConfig struct {
	RedisChannel string
	Publish      bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Engine = EngineConfig{
		DefaultQuality:    strings.ToLower(v.GetString("ENGINE_DEFAULT_QUALITY")),
		Seed:              v.GetInt64("ENGINE_SEED"),
		EdgeThreshold:     v.GetFloat64("ENGINE_EDGE_THRESHOLD"),
		MaxClusterSize:    v.GetInt("ENGINE_MAX_CLUSTER_SIZE"),
		StrategyTablePath: v.GetString("ENGINE_STRATEGY_TABLE"),
		QTableBackend:     strings.ToLower(v.GetString("ENGINE_QTABLE_BACKEND")),
		QTableScope:       v.GetString("ENGINE_QTABLE_SCOPE"),
		ResultTTL:         parseDuration(v.GetString("ENGINE_RESULT_TTL"), time.Hour),
		GPUOverride:       v.GetString("TIMETABLE_GPU"),
		DatasetPath:       v.GetString("ENGINE_DATASET_PATH"),
	}

	cfg.Monitor = MonitorConfig{
		Interval:         parseDuration(v.GetString("MONITOR_INTERVAL"), 500*time.Millisecond),
		WarningRatio:     v.GetFloat64("MONITOR_WARNING_RATIO"),
		CriticalRatio:    v.GetFloat64("MONITOR_CRITICAL_RATIO"),
		MemoryLimitBytes: v.GetUint64("MONITOR_MEMORY_LIMIT_BYTES"),
	}

	cfg.Jobs = JobsConfig{
		Workers:    v.GetInt("JOBS_WORKERS"),
		BufferSize: v.GetInt("JOBS_BUFFER_SIZE"),
		MaxRetries: v.GetInt("JOBS_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("JOBS_RETRY_DELAY"), time.Second),
	}

	cfg.Progress = ProgressConfig{
		RedisChannel: v.GetString("PROGRESS_REDIS_CHANNEL"),
		Publish:      v.GetBool("PROGRESS_PUBLISH"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "timetable_engine")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENGINE_DEFAULT_QUALITY", "balanced")
	v.SetDefault("ENGINE_SEED", 42)
	v.SetDefault("ENGINE_EDGE_THRESHOLD", 1.0)
	v.SetDefault("ENGINE_MAX_CLUSTER_SIZE", 24)
	v.SetDefault("ENGINE_STRATEGY_TABLE", "")
	v.SetDefault("ENGINE_QTABLE_BACKEND", QTableBackendMemory)
	v.SetDefault("ENGINE_QTABLE_SCOPE", "default")
	v.SetDefault("ENGINE_RESULT_TTL", "1h")
	v.SetDefault("TIMETABLE_GPU", "")
	v.SetDefault("ENGINE_DATASET_PATH", "")

	v.SetDefault("MONITOR_INTERVAL", "500ms")
	v.SetDefault("MONITOR_WARNING_RATIO", 0.80)
	v.SetDefault("MONITOR_CRITICAL_RATIO", 0.92)
	v.SetDefault("MONITOR_MEMORY_LIMIT_BYTES", 0)

	v.SetDefault("JOBS_WORKERS", 1)
	v.SetDefault("JOBS_BUFFER_SIZE", 16)
	v.SetDefault("JOBS_MAX_RETRIES", 1)
	v.SetDefault("JOBS_RETRY_DELAY", "1s")

	v.SetDefault("PROGRESS_REDIS_CHANNEL", "timetable:progress")
	v.SetDefault("PROGRESS_PUBLISH", false)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
