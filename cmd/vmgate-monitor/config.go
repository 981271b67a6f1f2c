package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/alfredlabs/vmgate/internal/db"
	"github.com/alfredlabs/vmgate/internal/gateway"
	"github.com/alfredlabs/vmgate/internal/health"
)

type Config struct {
	Log      LogConfig
	Db       db.Config
	Platform PlatformConfig
	Signing  SigningConfig
	Gateway  gateway.Config
	Monitor  health.Config
	Sweep    SweepConfig
	Nats     NatsConfig
}

type PlatformConfig struct {
	BaseDomain string `mapstructure:"base_domain"`
}

type SigningConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// SweepConfig paces the loop mode; -once ignores it.
type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type NatsConfig struct {
	Url string `mapstructure:"url"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/vmgate-monitor")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("db.url", "DATABASE_URL")
	_ = viper.BindEnv("signing.secret", "SIGNING_SECRET")
	_ = viper.BindEnv("nats.url", "NATS_URL")
	_ = viper.BindEnv("platform.base_domain", "BASE_DOMAIN")

	// application.yaml is optional: everything can come from the
	// environment, and the required-key check below catches gaps.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	config.Gateway.BaseDomain = config.Platform.BaseDomain

	required := map[string]string{
		"platform.base_domain": config.Platform.BaseDomain,
		"db.url":               config.Db.Url,
		"signing.secret":       config.Signing.Secret,
	}
	for key, value := range required {
		if value == "" {
			panic(fmt.Sprintf("missing required config: %s", key))
		}
	}

	initLogger(config.Log.Level)
}
