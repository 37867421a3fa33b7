package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// cliConfig is a flat, mapstructure-tagged config struct loaded
// through viper: target, protocol knobs, and the ambient
// logging/session settings.
type cliConfig struct {
	Target       string   `mapstructure:"target"`
	ServerName   string   `mapstructure:"server_name"`
	ALPN         []string `mapstructure:"alpn"`
	Insecure     bool     `mapstructure:"insecure"`
	MinTLS12     bool     `mapstructure:"min_tls12"`
	KeyLogFile   string   `mapstructure:"key_log_file"`
	TargetListURL string  `mapstructure:"target_list_url"`

	ClientCertFile       string `mapstructure:"client_cert_file"`
	ClientKeyFile        string `mapstructure:"client_key_file"`
	ClientKeyEncrypted   bool   `mapstructure:"client_key_encrypted"`

	SessionBackend string `mapstructure:"session_backend"` // "memory" or "redis"
	RedisAddr      string `mapstructure:"redis_addr"`

	Watch         bool   `mapstructure:"watch"`
	WatchInterval string `mapstructure:"watch_interval"` // cron expression

	Log logConfig `mapstructure:"log"`
}

type logConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func defaultConfig() cliConfig {
	return cliConfig{
		ServerName:     "",
		ALPN:           nil,
		SessionBackend: "memory",
		WatchInterval:  "@every 30s",
		Log: logConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// loadConfig reads a single optional YAML file, environment variables
// and command-line flags; flags take precedence over environment
// variables, which take precedence over the file and the defaults. Each
// dashed flag is bound to its underscored config key (--server-name to
// server_name).
func loadConfig(flags *pflag.FlagSet) (*cliConfig, error) {
	v := viper.New()
	cfg := defaultConfig()

	v.SetConfigName("handshake-client")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("session_backend", cfg.SessionBackend)
	v.SetDefault("watch_interval", cfg.WatchInterval)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		}
	})
	if bindErr != nil {
		return nil, fmt.Errorf("bind flags: %w", bindErr)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("no target configured: pass --target or set \"target\" in handshake-client.yaml")
	}
	return &cfg, nil
}
