package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/timetable-engine/pkg/config"
)

func TestNewRedisDisabled(t *testing.T) {
	client, err := NewRedis(context.Background(), config.RedisConfig{Host: "localhost", Port: 6379})
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestAddr(t *testing.T) {
	assert.Equal(t, "cache:6380", Addr(config.RedisConfig{Host: "cache", Port: 6380}))
}
