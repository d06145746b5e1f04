package agent

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SaveConfig records the provisioned identity in the agent config file,
// keeping any other settings already in it.
func SaveConfig(configPath, server, deviceID string, paths Paths) error {
	config := map[string]interface{}{}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		if config == nil {
			config = map[string]interface{}{}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("failed to read config file: %w", err)
	}

	agentConfig, ok := config["agent"].(map[string]interface{})
	if !ok {
		agentConfig = make(map[string]interface{})
		config["agent"] = agentConfig
	}
	agentConfig["server"] = server
	agentConfig["device_id"] = deviceID
	agentConfig["tls"] = map[string]interface{}{
		"cert_file": paths.CertFile,
		"key_file":  paths.KeyFile,
		"ca_file":   paths.CAFile,
	}
	delete(agentConfig, "token")

	updatedData, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	comment := "# Device provisioned on " + time.Now().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(configPath, []byte(comment+string(updatedData)), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
