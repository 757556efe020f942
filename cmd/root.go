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

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/reddit-diabetes/diabot/diabot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = diabot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "diabot [flags]",
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
	switch level {
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
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
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
	fmt.Println(err)
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", diabot.DefaultDatabase)
	viper.SetDefault("database_type", diabot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		diabot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		diabot.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("api.development", false)

	viper.SetDefault("runtime_config_ttl", diabot.DefaultRuntimeConfigTTL)
	viper.SetDefault("user_cache_ttl", diabot.DefaultUserCacheTTL)

	viper.SetDefault("log_level", diabot.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", diabot.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", diabot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", diabot.DefaultShutdownTimeout)

	// Nightscout config
	viper.SetDefault(
		"nightscout.max_requests_per_second",
		diabot.DefaultNightscoutMaxRequestsPerSecond,
	)
	viper.SetDefault(
		"nightscout.request_timeout",
		diabot.DefaultNightscoutRequestTimeout,
	)
	viper.SetDefault(
		"nightscout.log_level",
		diabot.DefaultNightscoutLogLevel.String(),
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		diabot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		diabot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		diabot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", diabot.DefaultDiscordStartupMessage)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", diabot.DefaultAPIListen)
	viper.SetDefault("api.secret", "")

	viper.SetDefault(
		"api.session_max_age",
		diabot.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", diabot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		diabot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", diabot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", diabot.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		diabot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		diabot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		diabot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", diabot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		diabot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(diabot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = diabot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for k, v := range viper.AllSettings() {
		log.Printf("config: %s: %v", k, v)
	}
	logLevelKeys := []string{
		"log_level",
		"discord.log_level",
		"nightscout.log_level",
		"discord.discordgo_log_level",
		"database_log_level",
		"api.log_level",
	}
	for _, key := range logLevelKeys {
		// already converted on a previous call
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
