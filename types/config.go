package types

import "time"

// AppConfig represents the application configuration loaded from config file
type AppConfig struct {
	ServiceName           string        `yaml:"serviceName"`
	DisplayName           string        `yaml:"displayName"` // announced in the TXT record
	ServiceType           string        `yaml:"serviceType"`
	DiscoverTypes         []string      `yaml:"discoverTypes"`
	Domain                string        `yaml:"domain"`
	BindAddress           string        `yaml:"bindAddress"`
	Port                  int           `yaml:"port"` // 0 lets the OS pick an ephemeral port
	NetworkInterface      string        `yaml:"networkInterface,omitempty"`
	SendTimeout           time.Duration `yaml:"sendTimeout"`
	StopGrace             time.Duration `yaml:"stopGrace"`
	ResolveTimeout        time.Duration `yaml:"resolveTimeout"`
	CriticalRetries       int           `yaml:"criticalRetries"` // extra attempts for offer/answer
	MotionEventsPerMinute int           `yaml:"motionEventsPerMinute"`
	ExtraServiceTypes     []ServiceType `yaml:"extraServiceTypes,omitempty"`
	// NotifySocket is a Unix socket of a local UI process that wants peer and call
	// notifications; empty disables it.
	NotifySocket string `yaml:"notifySocket,omitempty"`
}

// Config holds runtime overrides from CLI flags
type Config struct {
	Log              string
	UseConfigPath    string
	UseServiceName   string
	UseServiceType   string
	UsePort          int
	UseInterface     string
	UseBindAddress   string
	UseSendTimeout   time.Duration
	UseDiscoverTypes []string
}
