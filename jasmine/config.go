//nolint:lll // struct tags can't be split
package jasmine

import (
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "JASMINE_ENV_PREFIX"
	DefaultEnvPrefix   = "JASMINE"

	DefaultDataDir  = "."
	DefaultDatabase = "jasmine.sqlite3"

	DefaultLogLevel          = slog.LevelInfo
	DefaultDatabaseLogLevel  = slog.LevelInfo
	DefaultOllamaLogLevel    = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	// DefaultQueueSize bounds each dispatch queue. A full queue
	// rejects new tasks rather than blocking the gateway handler.
	DefaultQueueSize = 64

	// DefaultChatCooldown is the pause after each general-queue task,
	// DefaultImageCooldown the pause between (and after) image descriptions.
	DefaultChatCooldown  = 3000 * time.Millisecond
	DefaultImageCooldown = 1000 * time.Millisecond

	DefaultOllamaURL                  = "http://localhost:11434"
	DefaultChatModel                  = "phi"
	DefaultVisionModel                = "llava"
	DefaultImageModel                 = "flux"
	DefaultGPULayers                  = -1
	DefaultOllamaTimeout              = 120 * time.Second
	DefaultOllamaMaxRequestsPerSecond = 1

	DefaultBotName        = "Jasmine 🌼"
	DefaultPrefix         = "!"
	DefaultTrigger        = "map"
	DefaultPersonality    = "concise"
	DefaultStartupMessage = "I'm here!"
	DefaultGatewayIntents = discordgo.IntentsAllWithoutPrivileged

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultListenNetwork     = "tcp"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	discordMaxMessageLength = 2000
)

var structValidator = validator.New()

//nolint:gochecknoinits
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(validateQueueConfig, QueueConfig{})
}

func validateQueueConfig(field reflect.Value) any {
	if value, ok := field.Interface().(QueueConfig); ok {
		if value.Size < 0 {
			return "size must be >= 0"
		}
		if value.ChatCooldown < 0 {
			return "chat_cooldown must be >= 0"
		}
		if value.ImageCooldown < 0 {
			return "image_cooldown must be >= 0"
		}
	}
	return nil
}

// Config is the top-level configuration for the bot and its
// supporting services.
type Config struct {
	// DataDir is the directory holding the per-guild memory files
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" json:"data_dir" binding:"required"`

	// Database is the SQLite connection string for the audit log
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Queue holds the configuration for the two dispatch queues
	Queue *QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue"`

	// Ollama holds the configuration for the model endpoint
	Ollama *OllamaConfig `yaml:"ollama" mapstructure:"ollama" json:"ollama"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the diagnostics HTTP server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// QueueConfig configures the capacity and cool-down behavior of the
// dispatch queues.
type QueueConfig struct {
	// Maximum queue size. 0=unlimited
	Size int `yaml:"size" mapstructure:"size" json:"size"`

	// ChatCooldown is the pause after each chat/search task
	ChatCooldown time.Duration `yaml:"chat_cooldown" mapstructure:"chat_cooldown" json:"chat_cooldown"`

	// ImageCooldown is the pause between individual image descriptions,
	// and after each image task batch
	ImageCooldown time.Duration `yaml:"image_cooldown" mapstructure:"image_cooldown" json:"image_cooldown"`
}

// OllamaConfig configures the Ollama endpoint, model names and
// resource options merged into every generation request.
type OllamaConfig struct {
	// Base URL of the Ollama host (ex: http://localhost:11434)
	URL string `yaml:"url" mapstructure:"url" json:"url" binding:"required,url"`

	// ChatModel is used for chat completion and search-style Q&A
	ChatModel string `yaml:"chat_model" mapstructure:"chat_model" json:"chat_model" binding:"required"`

	// VisionModel is used for image description
	VisionModel string `yaml:"vision_model" mapstructure:"vision_model" json:"vision_model" binding:"required"`

	// ImageModel is used for image generation (ex: flux, sdxl)
	ImageModel string `yaml:"image_model" mapstructure:"image_model" json:"image_model" binding:"required"`

	// GPUEnabled toggles GPU offload entirely. When false, num_gpu is
	// forced to 0 so the model runs on CPU.
	GPUEnabled bool `yaml:"gpu_enabled" mapstructure:"gpu_enabled" json:"gpu_enabled"`

	// GPULayers is the number of layers to offload to the GPU.
	// -1 offloads all layers.
	GPULayers int `yaml:"gpu_layers" mapstructure:"gpu_layers" json:"gpu_layers"`

	// NumThreads is the CPU thread count. 0 lets the model runner
	// auto-detect.
	NumThreads int `yaml:"num_threads" mapstructure:"num_threads" json:"num_threads"`

	// GPUCount is the number of GPUs available on the host. Informational
	// only - the model runner decides placement on its own.
	GPUCount int `yaml:"gpu_count" mapstructure:"gpu_count" json:"gpu_count"`

	// Timeout for individual generation requests
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`

	// MaxRequestsPerSecond throttles upstream calls
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// Ollama base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BotName is the display name used in seeded memory and prompts
	BotName string `yaml:"bot_name" mapstructure:"bot_name" json:"bot_name"`

	// Prefix for bang-style commands (ex: `!remember`)
	Prefix string `yaml:"prefix" mapstructure:"prefix" json:"prefix" binding:"required"`

	// Trigger is the keyword that addresses the bot in chat (ex: `map how do I ...`)
	Trigger string `yaml:"trigger" mapstructure:"trigger" json:"trigger" binding:"required"`

	// Personality is the default personality set at startup. Only the
	// owner can change it at runtime, via the `mood` command.
	Personality string `yaml:"personality" mapstructure:"personality" json:"personality"`

	// HomeGuildID/HomeChannelID identify the channel that receives the
	// startup greeting. Both empty disables the greeting.
	HomeGuildID   string `yaml:"home_guild_id" mapstructure:"home_guild_id" json:"home_guild_id"`
	HomeChannelID string `yaml:"home_channel_id" mapstructure:"home_channel_id" json:"home_channel_id"`

	// StartupMessage is sent to the home channel on connect
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	httpClient *http.Client
}

// APIConfig configures the diagnostics HTTP server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	ollamaLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	ollamaLogLevel.Set(DefaultOllamaLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DataDir:               DefaultDataDir,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Queue: &QueueConfig{
			Size:          DefaultQueueSize,
			ChatCooldown:  DefaultChatCooldown,
			ImageCooldown: DefaultImageCooldown,
		},
		Ollama: &OllamaConfig{
			URL:                  DefaultOllamaURL,
			ChatModel:            DefaultChatModel,
			VisionModel:          DefaultVisionModel,
			ImageModel:           DefaultImageModel,
			GPUEnabled:           true,
			GPULayers:            DefaultGPULayers,
			NumThreads:           0,
			GPUCount:             1,
			Timeout:              DefaultOllamaTimeout,
			MaxRequestsPerSecond: DefaultOllamaMaxRequestsPerSecond,
			LogLevel:             ollamaLogLevel,
		},
		Discord: &DiscordConfig{
			BotName:           DefaultBotName,
			Prefix:            DefaultPrefix,
			Trigger:           DefaultTrigger,
			Personality:       DefaultPersonality,
			StartupMessage:    DefaultStartupMessage,
			GatewayIntents:    DefaultGatewayIntents,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     DefaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
