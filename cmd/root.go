package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/MiraBellierr/jasmine/jasmine"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg     = jasmine.DefaultConfig()
	envFile string
)

var rootCmd = &cobra.Command{
	Use: "jasmine [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func levelStringToLevelVar(level string) (*slog.LevelVar, error) {
	lvl, err := getLogLevel(level)
	if err != nil {
		return nil, err
	}
	lvlVar := &slog.LevelVar{}
	lvlVar.Set(lvl)
	return lvlVar, nil
}

// LevelToStringHookFunc decodes a level string (ex: `INFO`) into
// a *slog.LevelVar set to that level.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvlVar, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if envFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", envFile)
		if err := godotenv.Load(envFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("data_dir", jasmine.DefaultDataDir)
	viper.SetDefault("database", jasmine.DefaultDatabase)
	viper.SetDefault(
		"database_slow_threshold",
		jasmine.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		jasmine.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", jasmine.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", jasmine.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", jasmine.DefaultShutdownTimeout)

	// Queue config
	viper.SetDefault("queue.size", jasmine.DefaultQueueSize)
	viper.SetDefault("queue.chat_cooldown", jasmine.DefaultChatCooldown)
	viper.SetDefault("queue.image_cooldown", jasmine.DefaultImageCooldown)

	// Ollama config
	viper.SetDefault("ollama.url", jasmine.DefaultOllamaURL)
	viper.SetDefault("ollama.chat_model", jasmine.DefaultChatModel)
	viper.SetDefault("ollama.vision_model", jasmine.DefaultVisionModel)
	viper.SetDefault("ollama.image_model", jasmine.DefaultImageModel)
	viper.SetDefault("ollama.gpu_enabled", true)
	viper.SetDefault("ollama.gpu_layers", jasmine.DefaultGPULayers)
	viper.SetDefault("ollama.num_threads", 0)
	viper.SetDefault("ollama.gpu_count", 1)
	viper.SetDefault("ollama.timeout", jasmine.DefaultOllamaTimeout)
	viper.SetDefault(
		"ollama.max_requests_per_second",
		jasmine.DefaultOllamaMaxRequestsPerSecond,
	)
	viper.SetDefault("ollama.log_level", jasmine.DefaultOllamaLogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.bot_name", jasmine.DefaultBotName)
	viper.SetDefault("discord.prefix", jasmine.DefaultPrefix)
	viper.SetDefault("discord.trigger", jasmine.DefaultTrigger)
	viper.SetDefault("discord.personality", jasmine.DefaultPersonality)
	viper.SetDefault("discord.home_guild_id", "")
	viper.SetDefault("discord.home_channel_id", "")
	viper.SetDefault("discord.startup_message", jasmine.DefaultStartupMessage)
	viper.SetDefault("discord.gateway_intents", jasmine.DefaultGatewayIntents)
	viper.SetDefault("discord.log_level", jasmine.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		jasmine.DefaultDiscordgoLogLevel.String(),
	)

	// API config
	viper.SetDefault("api.listen", jasmine.DefaultAPIListen)
	viper.SetDefault("api.listen_network", jasmine.DefaultListenNetwork)
	viper.SetDefault("api.read_timeout", jasmine.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", jasmine.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", jasmine.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", jasmine.DefaultIdleTimeout)
	viper.SetDefault("api.log_level", jasmine.DefaultAPILogLevel.String())

	envPrefix := os.Getenv(jasmine.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = jasmine.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"ollama.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(
		&envFile,
		"env-file",
		"",
		"Path to an env file to load (default: .env in the working directory)",
	)
}
