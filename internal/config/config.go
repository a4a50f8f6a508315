// Package config provides configuration management for the WaterFurnace bridge.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// EnvPrefix is the prefix of environment overrides, e.g. WATERFURNACE_DEVICE_PORT.
const EnvPrefix = "WATERFURNACE"

// Config holds all configuration for the bridge.
type Config struct {
	Device struct {
		Port    string        `mapstructure:"port"`
		Baud    int           `mapstructure:"baud"`
		Parity  string        `mapstructure:"parity"`
		Address string        `mapstructure:"address"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"device"`

	Polling struct {
		UpdateInterval   time.Duration `mapstructure:"update_interval"`
		ConnectedTimeout time.Duration `mapstructure:"connected_timeout"`
		MaxGap           int           `mapstructure:"max_gap"`
		MaxGroupSize     int           `mapstructure:"max_group_size"`
		WriteCooldown    time.Duration `mapstructure:"write_cooldown"`
	} `mapstructure:"polling"`

	Zones     []int `mapstructure:"zones"`
	AutoZones bool  `mapstructure:"auto_zones"`

	Entities struct {
		CatalogFile string   `mapstructure:"catalog_file"`
		Disabled    []string `mapstructure:"disabled"`
	} `mapstructure:"entities"`

	MQTT struct {
		Enabled     bool   `mapstructure:"enabled"`
		Broker      string `mapstructure:"broker"`
		ClientID    string `mapstructure:"client_id"`
		Username    string `mapstructure:"username"`
		Password    string `mapstructure:"password"`
		TopicPrefix string `mapstructure:"topic_prefix"`
		Retain      bool   `mapstructure:"retain"`
		QoS         int    `mapstructure:"qos"`

		HomeAssistant struct {
			Enabled         bool   `mapstructure:"enabled"`
			DiscoveryPrefix string `mapstructure:"discovery_prefix"`
			NodeID          string `mapstructure:"node_id"`
		} `mapstructure:"home_assistant"`
	} `mapstructure:"mqtt"`

	API struct {
		Enabled    bool   `mapstructure:"enabled"`
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"api"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Device.Baud = 19200
	cfg.Device.Parity = "even"
	cfg.Device.Timeout = time.Second

	cfg.Polling.UpdateInterval = 10 * time.Second
	cfg.Polling.ConnectedTimeout = 30 * time.Second
	cfg.Polling.MaxGap = 8
	cfg.Polling.MaxGroupSize = 25
	cfg.Polling.WriteCooldown = 10 * time.Second

	cfg.Zones = []int{0}

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "waterfurnace"
	cfg.MQTT.TopicPrefix = "waterfurnace"
	cfg.MQTT.Retain = true

	// Home Assistant discovery
	cfg.MQTT.HomeAssistant.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistant.NodeID = "waterfurnace"

	cfg.API.Enabled = true
	cfg.API.ListenAddr = ":8080"

	cfg.Metrics.Enabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	return cfg
}

// setDefaults registers every key with viper so AutomaticEnv can override
// keys the config file does not mention.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("device.port", cfg.Device.Port)
	v.SetDefault("device.baud", cfg.Device.Baud)
	v.SetDefault("device.parity", cfg.Device.Parity)
	v.SetDefault("device.address", cfg.Device.Address)
	v.SetDefault("device.timeout", cfg.Device.Timeout)

	v.SetDefault("polling.update_interval", cfg.Polling.UpdateInterval)
	v.SetDefault("polling.connected_timeout", cfg.Polling.ConnectedTimeout)
	v.SetDefault("polling.max_gap", cfg.Polling.MaxGap)
	v.SetDefault("polling.max_group_size", cfg.Polling.MaxGroupSize)
	v.SetDefault("polling.write_cooldown", cfg.Polling.WriteCooldown)

	v.SetDefault("zones", cfg.Zones)
	v.SetDefault("auto_zones", cfg.AutoZones)

	v.SetDefault("entities.catalog_file", cfg.Entities.CatalogFile)
	v.SetDefault("entities.disabled", cfg.Entities.Disabled)

	v.SetDefault("mqtt.enabled", cfg.MQTT.Enabled)
	v.SetDefault("mqtt.broker", cfg.MQTT.Broker)
	v.SetDefault("mqtt.client_id", cfg.MQTT.ClientID)
	v.SetDefault("mqtt.username", cfg.MQTT.Username)
	v.SetDefault("mqtt.password", cfg.MQTT.Password)
	v.SetDefault("mqtt.topic_prefix", cfg.MQTT.TopicPrefix)
	v.SetDefault("mqtt.retain", cfg.MQTT.Retain)
	v.SetDefault("mqtt.qos", cfg.MQTT.QoS)
	v.SetDefault("mqtt.home_assistant.enabled", cfg.MQTT.HomeAssistant.Enabled)
	v.SetDefault("mqtt.home_assistant.discovery_prefix", cfg.MQTT.HomeAssistant.DiscoveryPrefix)
	v.SetDefault("mqtt.home_assistant.node_id", cfg.MQTT.HomeAssistant.NodeID)

	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.listen_addr", cfg.API.ListenAddr)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/waterfurnace")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			log.Info().Str("component", "config").Msg("No configuration file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Device.Port == "" && c.Device.Address == "" {
		errs = append(errs, errors.New("device: one of port or address is required"))
	}
	if c.Device.Port != "" && c.Device.Address != "" {
		errs = append(errs, errors.New("device: port and address are mutually exclusive"))
	}
	if c.Device.Baud <= 0 {
		errs = append(errs, fmt.Errorf("device: invalid baud %d", c.Device.Baud))
	}
	switch strings.ToLower(c.Device.Parity) {
	case "none", "even", "odd":
	default:
		errs = append(errs, fmt.Errorf("device: invalid parity %q", c.Device.Parity))
	}
	if c.Device.Timeout <= 0 {
		errs = append(errs, errors.New("device: timeout must be positive"))
	}

	if c.Polling.UpdateInterval <= 0 {
		errs = append(errs, errors.New("polling: update_interval must be positive"))
	}
	if c.Polling.ConnectedTimeout < c.Polling.UpdateInterval {
		errs = append(errs, errors.New("polling: connected_timeout must not be shorter than update_interval"))
	}
	if c.Polling.MaxGap < 0 {
		errs = append(errs, fmt.Errorf("polling: invalid max_gap %d", c.Polling.MaxGap))
	}
	if c.Polling.MaxGroupSize < 1 || c.Polling.MaxGroupSize > 100 {
		errs = append(errs, fmt.Errorf("polling: max_group_size %d out of range 1-100", c.Polling.MaxGroupSize))
	}
	if c.Polling.WriteCooldown < 0 {
		errs = append(errs, errors.New("polling: write_cooldown must not be negative"))
	}

	for _, z := range c.Zones {
		if z < 0 || z > registers.MaxIZ2Zones {
			errs = append(errs, fmt.Errorf("zones: invalid zone %d", z))
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt: broker is required"))
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt: invalid qos %d", c.MQTT.QoS))
		}
		if c.MQTT.TopicPrefix == "" {
			errs = append(errs, errors.New("mqtt: topic_prefix is required"))
		}
	}

	if c.API.Enabled && c.API.ListenAddr == "" {
		errs = append(errs, errors.New("api: listen_addr is required"))
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: invalid format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-waterfurnace Configuration:")
	logger.Info().Msg("-----------------------------")

	if c.Device.Address != "" {
		logger.Info().
			Str("address", c.Device.Address).
			Dur("timeout", c.Device.Timeout).
			Msg("Device (TCP)")
	} else {
		logger.Info().
			Str("port", c.Device.Port).
			Int("baud", c.Device.Baud).
			Str("parity", c.Device.Parity).
			Dur("timeout", c.Device.Timeout).
			Msg("Device (serial)")
	}

	logger.Info().
		Dur("update_interval", c.Polling.UpdateInterval).
		Dur("connected_timeout", c.Polling.ConnectedTimeout).
		Int("max_gap", c.Polling.MaxGap).
		Int("max_group_size", c.Polling.MaxGroupSize).
		Dur("write_cooldown", c.Polling.WriteCooldown).
		Msg("Polling")

	logger.Info().Ints("zones", c.Zones).Bool("auto_zones", c.AutoZones).Msg("Zones")
	if c.Entities.CatalogFile != "" || len(c.Entities.Disabled) > 0 {
		logger.Info().
			Str("catalog_file", c.Entities.CatalogFile).
			Strs("disabled", c.Entities.Disabled).
			Msg("Entities")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("broker", c.MQTT.Broker).
			Str("client_id", c.MQTT.ClientID).
			Str("topic_prefix", c.MQTT.TopicPrefix).
			Bool("retain", c.MQTT.Retain).
			Int("qos", c.MQTT.QoS).
			Bool("homeassistant_discovery", c.MQTT.HomeAssistant.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.API.Enabled).Str("listen_addr", c.API.ListenAddr).Msg("API")
	logger.Info().Bool("enabled", c.Metrics.Enabled).Msg("Metrics")
	logger.Info().Str("level", c.Logging.Level).Str("format", c.Logging.Format).Msg("Logging")
	logger.Info().Msg("-----------------------------")
}
