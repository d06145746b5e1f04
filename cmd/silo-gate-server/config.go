package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	internalhttp "github.com/EternisAI/silo-gate/internal/api/http"
	"github.com/EternisAI/silo-gate/internal/cert"
	"github.com/EternisAI/silo-gate/internal/certificates"
	grpcserver "github.com/EternisAI/silo-gate/internal/grpc/server"
	"github.com/EternisAI/silo-gate/internal/jobs"
	"github.com/EternisAI/silo-gate/internal/mtls"
	"github.com/EternisAI/silo-gate/internal/notify"
	"github.com/EternisAI/silo-gate/internal/provision"
	"github.com/EternisAI/silo-gate/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	RuntimeModeDev  = "dev"
	RuntimeModeProd = "prod"
)

type Config struct {
	Log       LogConfig
	Runtime   RuntimeConfig
	Http      internalhttp.Config
	Grpc      grpcserver.Config
	CA        cert.Config `mapstructure:"ca"`
	Mtls      mtls.Config
	Provision ProvisionConfig
	Store     store.Config
	Notify    notify.WebhookConfig
	Jobs      jobs.Config
}

type RuntimeConfig struct {
	Mode string `mapstructure:"mode"`
}

type ProvisionConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

var config Config

// InitConfig loads .env, application.yaml and the environment into config.
// A missing config file is tolerated so that the ca commands work without one.
func InitConfig(configFile string) error {
	_ = godotenv.Load()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("application")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./cmd/silo-gate-server")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	// No default, so bind explicitly for the environment to be seen.
	_ = viper.BindEnv("mtls.registry_check_mandatory")
	_ = viper.BindEnv("ca.keystore_password", "CA_KEYSTORE_PASSWORD")
	_ = viper.BindEnv("notify.webhook_secret", "NOTIFY_WEBHOOK_SECRET")
	_ = viper.BindEnv("store.url", "DATABASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	config = Config{}
	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	// Initialize logger with configured log level
	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.CA.KeystorePassword = redact(redacted.CA.KeystorePassword)
		redacted.Notify.Secret = redact(redacted.Notify.Secret)
		redacted.Store.Url = redact(redacted.Store.Url)
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
	return nil
}

// setDefaults registers every key so that AutomaticEnv overrides apply even
// when the key is absent from the file.
func setDefaults() {
	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("runtime.mode", RuntimeModeProd)
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("http.protected_prefix", internalhttp.DefaultProtectedPrefix)
	viper.SetDefault("http.issue_rate_limit.rps", 1)
	viper.SetDefault("http.issue_rate_limit.burst", 5)
	viper.SetDefault("grpc.enabled", false)
	viper.SetDefault("grpc.port", 9090)
	viper.SetDefault("grpc.tls.cert_file", "")
	viper.SetDefault("grpc.tls.key_file", "")
	viper.SetDefault("grpc.tls.client_auth", "require")
	viper.SetDefault("ca.cert_file", "")
	viper.SetDefault("ca.key_file", "")
	viper.SetDefault("ca.keystore", "")
	viper.SetDefault("ca.keystore_password", "")
	viper.SetDefault("ca.validity_days", cert.DefaultValidityDays)
	viper.SetDefault("ca.key_bits", cert.DefaultKeyBits)
	viper.SetDefault("ca.expiry_warning_days", jobs.DefaultCAWarningDays)
	viper.SetDefault("mtls.verify_header", mtls.DefaultVerifyHeader)
	viper.SetDefault("mtls.cert_header", mtls.DefaultCertHeader)
	viper.SetDefault("mtls.cache.size", certificates.DefaultCacheSize)
	viper.SetDefault("mtls.cache.ttl", certificates.DefaultCacheTTL)
	viper.SetDefault("mtls.cache.invalidation", string(certificates.InvalidateAll))
	viper.SetDefault("provision.token_ttl", provision.DefaultTokenTTL)
	viper.SetDefault("store.driver", store.DriverBbolt)
	viper.SetDefault("store.path", "./data/certificates.db")
	viper.SetDefault("store.url", "")
	viper.SetDefault("store.schema", "silo_gate")
	viper.SetDefault("notify.webhook_url", "")
	viper.SetDefault("notify.webhook_secret", "")
	viper.SetDefault("jobs.retention_interval", jobs.DefaultRetentionInterval)
	viper.SetDefault("jobs.expiry_interval", jobs.DefaultExpiryInterval)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// validateServeConfig checks the settings serve cannot default.
func validateServeConfig(cfg Config) error {
	if cfg.Mtls.RegistryCheckMandatory == nil {
		return errors.New("mtls.registry_check_mandatory must be set explicitly (true rejects certificates without a record, false allows them)")
	}
	switch cfg.Runtime.Mode {
	case "", RuntimeModeDev, RuntimeModeProd:
	default:
		return fmt.Errorf("invalid runtime.mode: %s (valid: dev, prod)", cfg.Runtime.Mode)
	}
	if _, err := certificates.ParseInvalidationPolicy(cfg.Mtls.Cache.Invalidation); err != nil {
		return err
	}
	return nil
}
