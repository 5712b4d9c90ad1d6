package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestForJobAddsJobField(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	ForJob(zap.New(core), "job-1").Info("started")

	entries := logs.FilterField(zap.String("job_id", "job-1")).All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "started", entries[0].Message)
	}
}

func TestForJobWithoutLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		ForJob(nil, "job-1").Info("discarded")
	})
}
