package configloader

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	ListenAddress string        `config:"listen_address" flag:"listen-address"`
	Port          int           `config:"port" flag:"port"`
	Debug         bool          `config:"debug" flag:"debug"`
	SweepInterval time.Duration `config:"sweep_interval" flag:"sweep-interval"`
}

func TestLoadAppliesFlagOverridesOverDefaults(t *testing.T) {
	dst := testConfig{ListenAddress: ":8080", Port: 1883, SweepInterval: time.Minute}
	l := &Loader{
		LoadFromArgs: true,
		Args:         []string{"bridge", "--port=9999", "--debug"},
	}
	require.NoError(t, l.Load(&dst))
	assert.Equal(t, ":8080", dst.ListenAddress, "unset flags keep the struct default")
	assert.Equal(t, 9999, dst.Port)
	assert.True(t, dst.Debug)
	assert.Equal(t, time.Minute, dst.SweepInterval)
}

func TestLoadAppliesEnvOverridesOverDefaults(t *testing.T) {
	os.Setenv("PORT", "7070")
	defer os.Unsetenv("PORT")

	dst := testConfig{Port: 1883}
	l := &Loader{
		LoadFromArgs: true,
		Args:         []string{"bridge"},
		LoadFromEnv:  true,
	}
	require.NoError(t, l.Load(&dst))
	assert.Equal(t, 7070, dst.Port)
}

func TestLoadRejectsNonPointerDestination(t *testing.T) {
	l := &Loader{LoadFromArgs: true, Args: []string{"bridge"}}
	err := l.Load(testConfig{})
	assert.Error(t, err)
}

func TestConvertFieldNameSplitsOnCase(t *testing.T) {
	assert.Equal(t, "mqtt-port", convertFieldName("MqttPort", '-', true, toLowerRune))
}

func toLowerRune(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}
