package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultMatchesDocumentedConstants(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 100000, cfg.MaxShadows)
	assert.Equal(t, 5000, cfg.LockWaitMs)
	assert.Equal(t, 1883, cfg.MqttPort)
	assert.Equal(t, 8883, cfg.GoogleCloudMqttPort)
	assert.Equal(t, 8883, cfg.IotHubPort)
	assert.Equal(t, uint(4), cfg.GoogleCloudMqttVersion)
	assert.Equal(t, time.Minute, cfg.AsyncSweepInterval)
	assert.Equal(t, 10*time.Minute, cfg.AsyncMaxAge)
	assert.True(t, cfg.MqttObsAutoSubscribe)
	assert.True(t, cfg.MqttCleanSession)
}
