package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log   LogConfig
	Agent AgentConfig
}

type AgentConfig struct {
	Server      string    `mapstructure:"server"`
	DeviceID    string    `mapstructure:"device_id"`
	CertDir     string    `mapstructure:"cert_dir"`
	GrpcAddress string    `mapstructure:"grpc_address"`
	TLS         TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	ServerNameOverride string `mapstructure:"server_name_override"`
	// HTTPSTrustFleetCA verifies the HTTPS endpoint against the fleet CA
	// instead of the system roots. Needed when the proxy certificate is
	// issued by the fleet CA.
	HTTPSTrustFleetCA bool `mapstructure:"https_trust_fleet_ca"`
}

var (
	config     Config
	configPath string
)

func InitConfig(configFile string) error {
	_ = godotenv.Load()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("application")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./cmd/silo-gate-agent")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log.level", "INFO")
	viper.SetDefault("agent.server", "")
	viper.SetDefault("agent.device_id", "")
	viper.SetDefault("agent.cert_dir", "./certs")
	viper.SetDefault("agent.grpc_address", "")
	viper.SetDefault("agent.tls.cert_file", "")
	viper.SetDefault("agent.tls.key_file", "")
	viper.SetDefault("agent.tls.ca_file", "")
	viper.SetDefault("agent.tls.server_name_override", "")
	viper.SetDefault("agent.tls.https_trust_fleet_ca", false)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	configPath = viper.ConfigFileUsed()
	if configPath == "" {
		configPath = configFile
	}

	config = Config{}
	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	initLogger(config.Log.Level)
	return nil
}
