package config

import (
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hookTarget struct {
	Wait        time.Duration
	Enabled     bool
	Groups      []string
	Compression pulsar.CompressionType
}

func decode(t *testing.T, in map[string]interface{}) (hookTarget, error) {
	var out hookTarget
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(CustomHooks...),
		WeaklyTypedInput: true,
		Result:           &out,
	})
	require.NoError(t, err)
	return out, decoder.Decode(in)
}

func TestCustomHooks(t *testing.T) {
	out, err := decode(t, map[string]interface{}{
		"Wait":        "30",
		"Enabled":     "YES",
		"Groups":      "wheel,users",
		"Compression": "zlib",
	})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, out.Wait)
	assert.True(t, out.Enabled)
	assert.Equal(t, []string{"wheel", "users"}, out.Groups)
	assert.Equal(t, pulsar.ZLib, out.Compression)

	out, err = decode(t, map[string]interface{}{"Wait": "1m30s", "Enabled": "no"})
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, out.Wait)
	assert.False(t, out.Enabled)
}

func TestCustomHooks_Invalid(t *testing.T) {
	tests := map[string]map[string]interface{}{
		"duration":    {"Wait": "soon"},
		"bool":        {"Enabled": "maybe"},
		"compression": {"Compression": "brotli"},
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := decode(t, in)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.Error(t, Validate(RedisConfig{}))
	assert.NoError(t, Validate(RedisConfig{Addrs: []string{"localhost:6379"}}))
	assert.Error(t, Validate(PulsarConfig{URL: "pulsar://localhost:6650"}))
}
