package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	cfg := fromViper(v)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "balanced", cfg.Engine.DefaultQuality)
	assert.Equal(t, QTableBackendMemory, cfg.Engine.QTableBackend)
	assert.Equal(t, 24, cfg.Engine.MaxClusterSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Monitor.Interval)
	assert.InDelta(t, 0.92, cfg.Monitor.CriticalRatio, 1e-9)
	assert.Equal(t, time.Hour, cfg.Engine.ResultTTL)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ENGINE_DEFAULT_QUALITY", "BEST")
	t.Setenv("MONITOR_INTERVAL", "2s")
	t.Setenv("ENGINE_RESULT_TTL", "not-a-duration")

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	cfg := fromViper(v)

	assert.Equal(t, "best", cfg.Engine.DefaultQuality)
	assert.Equal(t, 2*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, time.Hour, cfg.Engine.ResultTTL)
}

func TestAllowedOriginsSplit(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	cfg := fromViper(v)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.False(t, cfg.Redis.Enabled)
}
