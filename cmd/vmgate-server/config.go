package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/alfredlabs/vmgate/internal/api/http"
	"github.com/alfredlabs/vmgate/internal/auth"
	"github.com/alfredlabs/vmgate/internal/compute"
	"github.com/alfredlabs/vmgate/internal/db"
	"github.com/alfredlabs/vmgate/internal/dns"
	"github.com/alfredlabs/vmgate/internal/gateway"
	"github.com/alfredlabs/vmgate/internal/health"
	"github.com/alfredlabs/vmgate/internal/provisioner"
)

type Config struct {
	Log         LogConfig
	Http        http.Config
	Db          db.Config
	Platform    PlatformConfig
	Jwt         auth.JWTConfig
	Signing     SigningConfig
	Dns         dns.Config
	Compute     compute.Config
	Provisioner provisioner.Config
	Gateway     gateway.Config
	Monitor     health.Config
	Nats        NatsConfig
}

// PlatformConfig carries the values shared by every subsystem: the domain
// VMs live under and the URL VMs call back on.
type PlatformConfig struct {
	BaseDomain string `mapstructure:"base_domain"`
	URL        string `mapstructure:"url"`
}

type SigningConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type NatsConfig struct {
	Url string `mapstructure:"url"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/vmgate-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("db.url", "DATABASE_URL")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("signing.secret", "SIGNING_SECRET")
	_ = viper.BindEnv("dns.api_token", "DNS_API_TOKEN")
	_ = viper.BindEnv("dns.zone_id", "DNS_ZONE_ID")
	_ = viper.BindEnv("compute.api_token", "COMPUTE_API_TOKEN")
	_ = viper.BindEnv("http.admin_api_key", "ADMIN_API_KEY")
	_ = viper.BindEnv("nats.url", "NATS_URL")
	_ = viper.BindEnv("platform.base_domain", "BASE_DOMAIN")
	_ = viper.BindEnv("platform.url", "PLATFORM_URL")

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

	if config.Http.Port == 0 {
		config.Http.Port = 8080
	}

	// base_domain is configured once; the clients each carry their own copy.
	config.Dns.BaseDomain = config.Platform.BaseDomain
	config.Gateway.BaseDomain = config.Platform.BaseDomain
	config.Provisioner.BaseDomain = config.Platform.BaseDomain

	required := map[string]string{
		"platform.base_domain": config.Platform.BaseDomain,
		"platform.url":         config.Platform.URL,
		"db.url":               config.Db.Url,
		"jwt.secret":           config.Jwt.Secret,
		"signing.secret":       config.Signing.Secret,
		"dns.api_token":        config.Dns.APIToken,
		"compute.api_token":    config.Compute.APIToken,
	}
	for key, value := range required {
		if value == "" {
			panic(fmt.Sprintf("missing required config: %s", key))
		}
	}

	initLogger(config.Log.Level)
}
