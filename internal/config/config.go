// Package config loads the bridge's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig            `yaml:"server"`
	ISUP      ISUPConfig              `yaml:"isup"`
	ISAPI     ISAPIConfig             `yaml:"isapi"`
	Features  FeaturesConfig          `yaml:"features"`
	Tenants   map[string]TenantConfig `yaml:"tenants"`
	Objects   []ObjectConfig          `yaml:"objects"`
	Hikvision HikvisionConfig         `yaml:"hikvision"`
	Events    EventsConfig            `yaml:"events"`
}

type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	HealthCheckPort int    `yaml:"health_check_port"`
	LogLevel        string `yaml:"log_level"`
	StoragePath     string `yaml:"storage_path"`
	MaxPendingDays  int    `yaml:"max_pending_days"`
	MaxFrameSize    int    `yaml:"max_frame_size"`
}

type ISUPConfig struct {
	StrictCRC          bool `yaml:"strict_crc"`
	IdleTimeoutSeconds int  `yaml:"idle_timeout_seconds"`
}

type ISAPIConfig struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	WebhookPath       string   `yaml:"webhook_path"`
	WebhookSecret     string   `yaml:"webhook_secret"`
	WebhookBaseURL    string   `yaml:"webhook_base_url"`
	EventTypes        []string `yaml:"event_types"`
	Username          string   `yaml:"username"`
	Password          string   `yaml:"password"`
	SuccessMinorTypes []string `yaml:"success_minor_types"`
}

type FeaturesConfig struct {
	AutoConfigureTerminals bool `yaml:"auto_configure_terminals"`
}

type TenantConfig struct {
	UpstreamURL string     `yaml:"upstream_url"`
	Auth        AuthConfig `yaml:"auth"`
	ObjectID    string     `yaml:"object_id"`
}

type AuthConfig struct {
	Kind     string `yaml:"kind"` // bearer (default) or basic
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type ObjectConfig struct {
	Name      string           `yaml:"name"`
	Terminals []TerminalConfig `yaml:"terminals"`
}

type TerminalConfig struct {
	IP       string `yaml:"ip"`
	Port     int    `yaml:"port"`
	MAC      string `yaml:"mac"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Tenant   string `yaml:"tenant"`
}

type HikvisionConfig struct {
	Devices          []HikDeviceConfig `yaml:"devices"`
	Callback         CallbackConfig    `yaml:"callback"`
	AllowedDeviceIDs []string          `yaml:"allowed_device_ids"`
}

type HikDeviceConfig struct {
	IP       string `yaml:"ip"`
	Name     string `yaml:"name"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Mode     string `yaml:"mode"` // alert_stream or callback
}

type CallbackConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
}

type EventsConfig struct {
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
}

// LoadConfig reads and decodes the YAML file at path, then applies defaults.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 7661
	}
	if c.Server.HealthCheckPort == 0 {
		c.Server.HealthCheckPort = 8080
	}
	if c.Server.StoragePath == "" {
		c.Server.StoragePath = "pending_events"
	}
	if c.Server.MaxPendingDays == 0 {
		c.Server.MaxPendingDays = 30
	}
	if c.ISUP.IdleTimeoutSeconds == 0 {
		c.ISUP.IdleTimeoutSeconds = 30
	}
	if c.ISAPI.Host == "" {
		c.ISAPI.Host = "0.0.0.0"
	}
	if c.ISAPI.Port == 0 {
		c.ISAPI.Port = 8088
	}
	if c.ISAPI.WebhookPath == "" {
		c.ISAPI.WebhookPath = "/ISAPI/Event/notification/alert"
	}
	if len(c.ISAPI.EventTypes) == 0 {
		c.ISAPI.EventTypes = []string{"AccessControllerEvent"}
	}
}

// Terminals flattens every object's terminal list.
func (c *Config) Terminals() []TerminalConfig {
	var all []TerminalConfig
	for _, obj := range c.Objects {
		all = append(all, obj.Terminals...)
	}
	return all
}
