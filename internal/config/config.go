// Package config loads the supervisor settings from configs/config.yml,
// UPSFS_* environment variables and an optional hosts file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ups_failsafe/internal/models"
)

const EnvPrefix = "UPSFS"

var (
	ErrNoDeviceAddress = errors.New("device.address is required")
	ErrNoGracePeriod   = errors.New("failsafe.grace_period must be a positive duration")
)

type Config struct {
	Device    DeviceConfig   `mapstructure:"device"`
	Failsafe  FailsafeConfig `mapstructure:"failsafe"`
	SSH       SSHConfig      `mapstructure:"ssh"`
	Discord   DiscordConfig  `mapstructure:"discord"`
	MQTT      MQTTConfig     `mapstructure:"mqtt"`
	HTTP      HTTPConfig     `mapstructure:"http"`
	DB        DBConfig       `mapstructure:"db"`
	Log       LogConfig      `mapstructure:"log"`
	Hosts     []models.Host  `mapstructure:"hosts"`
	HostsFile string         `mapstructure:"hosts_file"`
}

type DeviceConfig struct {
	Address      string        `mapstructure:"address"`
	Port         uint16        `mapstructure:"port"`
	Community    string        `mapstructure:"community"`
	Version      string        `mapstructure:"version"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Retries      int           `mapstructure:"retries"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type FailsafeConfig struct {
	GracePeriod         time.Duration `mapstructure:"grace_period"`
	ShutdownCommand     string        `mapstructure:"shutdown_command"`
	ShutdownConcurrency int           `mapstructure:"shutdown_concurrency"`
	CommandTimeout      time.Duration `mapstructure:"command_timeout"`
	StatusChannel       string        `mapstructure:"status_channel"`
}

type SSHConfig struct {
	KnownHosts     string        `mapstructure:"known_hosts"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type DiscordConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Username   string `mapstructure:"username"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type HTTPConfig struct {
	Port                 string `mapstructure:"port"`
	JWTSecret            string `mapstructure:"jwt_secret"`
	OperatorUsername     string `mapstructure:"operator_username"`
	OperatorPasswordHash string `mapstructure:"operator_password_hash"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Every key gets a default so AutomaticEnv can override keys missing from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("device.address", "")
	v.SetDefault("device.port", 161)
	v.SetDefault("device.community", "public")
	v.SetDefault("device.version", "2c")
	v.SetDefault("device.timeout", "1s")
	v.SetDefault("device.retries", 0)
	v.SetDefault("device.poll_interval", "160ms")

	v.SetDefault("failsafe.grace_period", "0s")
	v.SetDefault("failsafe.shutdown_command", "")
	v.SetDefault("failsafe.shutdown_concurrency", 1)
	v.SetDefault("failsafe.command_timeout", "30s")
	v.SetDefault("failsafe.status_channel", "power")

	v.SetDefault("ssh.known_hosts", "")
	v.SetDefault("ssh.connect_timeout", "10s")

	v.SetDefault("discord.webhook_url", "")
	v.SetDefault("discord.username", "")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")

	v.SetDefault("http.port", "8080")
	v.SetDefault("http.jwt_secret", "")
	v.SetDefault("http.operator_username", "")
	v.SetDefault("http.operator_password_hash", "")

	v.SetDefault("db.path", "ups_failsafe.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("hosts_file", "")
}

// Load reads path, or configs/config.yml when path is empty, then resolves
// hosts_file relative to the config file and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.HostsFile != "" {
		hostsPath := cfg.HostsFile
		if !filepath.IsAbs(hostsPath) {
			hostsPath = filepath.Join(filepath.Dir(v.ConfigFileUsed()), hostsPath)
		}
		hosts, err := LoadHosts(hostsPath)
		if err != nil {
			return nil, err
		}
		cfg.Hosts = append(cfg.Hosts, hosts...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadHosts reads a host list file. JSON is accepted since it is valid YAML.
func LoadHosts(path string) ([]models.Host, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hosts file: %w", err)
	}
	var hosts []models.Host
	if err := yaml.Unmarshal(b, &hosts); err != nil {
		return nil, fmt.Errorf("parse hosts file %s: %w", path, err)
	}
	return hosts, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Device.Address) == "" {
		return ErrNoDeviceAddress
	}
	if c.Failsafe.GracePeriod <= 0 {
		return ErrNoGracePeriod
	}
	if strings.TrimSpace(c.DB.Path) == "" {
		return errors.New("db.path must not be empty")
	}
	if c.Device.PollInterval <= 0 {
		return fmt.Errorf("device.poll_interval must be positive, got %s", c.Device.PollInterval)
	}
	if c.Failsafe.ShutdownConcurrency < 1 {
		return fmt.Errorf("failsafe.shutdown_concurrency must be at least 1, got %d", c.Failsafe.ShutdownConcurrency)
	}
	if (c.HTTP.OperatorUsername == "") != (c.HTTP.OperatorPasswordHash == "") {
		return errors.New("http.operator_username and http.operator_password_hash must be set together")
	}
	if c.HTTP.OperatorUsername != "" && c.HTTP.JWTSecret == "" {
		return errors.New("http.jwt_secret is required when an operator is configured")
	}
	return validateHosts(c.Hosts)
}

func validateHosts(hosts []models.Host) error {
	seen := make(map[string]struct{}, len(hosts))
	for i, h := range hosts {
		switch {
		case h.Name == "":
			return fmt.Errorf("hosts[%d]: name is required", i)
		case h.IPAddress == "":
			return fmt.Errorf("host %s: ip_address is required", h.Name)
		case h.Username == "":
			return fmt.Errorf("host %s: username is required", h.Name)
		case h.PrivateKey == "" && h.Password == "":
			return fmt.Errorf("host %s: private_key or password is required", h.Name)
		case h.Port < 0 || h.Port > 65535:
			return fmt.Errorf("host %s: invalid port %d", h.Name, h.Port)
		}
		if _, dup := seen[h.Name]; dup {
			return fmt.Errorf("host %s: duplicate name", h.Name)
		}
		seen[h.Name] = struct{}{}
	}
	return nil
}
