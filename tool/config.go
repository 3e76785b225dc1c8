package tool

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moyoez/doorbell-signal/types"
)

var ConfigPath = "config.yaml" // be aware that it can be changed, default to ./config.yaml

func DefaultConfig() types.AppConfig {
	return types.AppConfig{
		ServiceName:           GenerateServiceName(), // becomes the DNS-SD instance name, persisted on first run
		DisplayName:           NameGenerator(),
		ServiceType:           types.DoorbellAssistant.UID,
		DiscoverTypes:         []string{types.DoorbellAssistant.UID, types.DoorbellClient.UID},
		Domain:                "local.",
		BindAddress:           "0.0.0.0",
		Port:                  0,
		SendTimeout:           10 * time.Second,
		StopGrace:             time.Second,
		ResolveTimeout:        10 * time.Second,
		CriticalRetries:       0,
		MotionEventsPerMinute: 6,
	}
}

// LoadConfig reads path, creating it with defaults when it does not exist.
func LoadConfig(path string) (types.AppConfig, error) {
	if path == "" {
		path = ConfigPath
	}
	ConfigPath = path

	cfg := DefaultConfig()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if writeErr := writeConfig(path, cfg); writeErr != nil {
				return cfg, fmt.Errorf("config file not found, and failed to generate default config: %w", writeErr)
			}
			DefaultLogger.Infof("Created new config file %s (service name %s)", path, cfg.ServiceName)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.IsDir() {
		return cfg, fmt.Errorf("config file path is a directory: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = GenerateServiceName()
		DefaultLogger.Infof("Config has no service name, generated %s", cfg.ServiceName)
		if writeErr := writeConfig(path, cfg); writeErr != nil {
			DefaultLogger.Warnf("Failed to update config file: %v", writeErr)
		}
	}
	return cfg, nil
}

// ApplyFlags merges CLI overrides into cfg.
func ApplyFlags(cfg *types.AppConfig, flags types.Config) {
	if flags.UseServiceName != "" {
		cfg.ServiceName = flags.UseServiceName
	}
	if flags.UseServiceType != "" {
		cfg.ServiceType = strings.ToLower(flags.UseServiceType)
	}
	if flags.UsePort > 0 {
		cfg.Port = flags.UsePort
	}
	if flags.UseInterface != "" {
		cfg.NetworkInterface = flags.UseInterface
	}
	if flags.UseBindAddress != "" {
		cfg.BindAddress = flags.UseBindAddress
	}
	if flags.UseSendTimeout > 0 {
		cfg.SendTimeout = flags.UseSendTimeout
	}
	if len(flags.UseDiscoverTypes) > 0 {
		cfg.DiscoverTypes = flags.UseDiscoverTypes
	}
}

// ValidateConfig fills zero values with defaults and rejects unusable settings.
func ValidateConfig(cfg *types.AppConfig) error {
	def := DefaultConfig()
	if cfg.ServiceName == "" {
		return fmt.Errorf("serviceName must not be empty")
	}
	if len(cfg.ServiceName) > 63 {
		return fmt.Errorf("serviceName %q exceeds 63 bytes", cfg.ServiceName)
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = def.DisplayName
	}
	if cfg.ServiceType == "" {
		cfg.ServiceType = def.ServiceType
	}
	if cfg.Domain == "" {
		cfg.Domain = def.Domain
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = def.BindAddress
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = def.ResolveTimeout
	}
	if cfg.CriticalRetries < 0 {
		cfg.CriticalRetries = 0
	}
	if cfg.MotionEventsPerMinute <= 0 {
		cfg.MotionEventsPerMinute = def.MotionEventsPerMinute
	}
	return nil
}

func writeConfig(path string, cfg types.AppConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
