package jasmine

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	assert.NoError(t, structValidator.Struct(cfg))
}

func TestConfigRequiresToken(t *testing.T) {
	cfg := DefaultConfig()
	err := structValidator.Struct(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Token")
}

func TestConfigRequiresOllamaURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.Ollama.URL = "not a url"
	assert.Error(t, structValidator.Struct(cfg))
}

func TestConfigListenNetwork(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.API.ListenNetwork = "carrier-pigeon"
	assert.Error(t, structValidator.Struct(cfg))
}

func TestValidateQueueConfig(t *testing.T) {
	for _, tc := range []struct {
		name     string
		queue    QueueConfig
		expected any
	}{
		{
			name: "valid",
			queue: QueueConfig{
				Size:          DefaultQueueSize,
				ChatCooldown:  DefaultChatCooldown,
				ImageCooldown: DefaultImageCooldown,
			},
			expected: nil,
		},
		{
			name:     "negative size",
			queue:    QueueConfig{Size: -1},
			expected: "size must be >= 0",
		},
		{
			name:     "negative chat cooldown",
			queue:    QueueConfig{ChatCooldown: -time.Second},
			expected: "chat_cooldown must be >= 0",
		},
		{
			name:     "negative image cooldown",
			queue:    QueueConfig{ImageCooldown: -time.Second},
			expected: "image_cooldown must be >= 0",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rv := validateQueueConfig(reflect.ValueOf(tc.queue))
			assert.Equal(t, tc.expected, rv)
		})
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultQueueSize, cfg.Queue.Size)
	assert.Equal(t, DefaultChatCooldown, cfg.Queue.ChatCooldown)
	assert.Equal(t, DefaultImageCooldown, cfg.Queue.ImageCooldown)
	assert.Equal(t, DefaultOllamaURL, cfg.Ollama.URL)
	assert.Equal(t, DefaultChatModel, cfg.Ollama.ChatModel)
	assert.Equal(t, DefaultVisionModel, cfg.Ollama.VisionModel)
	assert.Equal(t, DefaultImageModel, cfg.Ollama.ImageModel)
	assert.Equal(t, DefaultGPULayers, cfg.Ollama.GPULayers)
	assert.Equal(t, DefaultBotName, cfg.Discord.BotName)
	assert.Equal(t, DefaultPrefix, cfg.Discord.Prefix)
	assert.Equal(t, DefaultTrigger, cfg.Discord.Trigger)
	assert.Equal(t, DefaultPersonality, cfg.Discord.Personality)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
	assert.NotNil(t, cfg.HTTPClient)
}
