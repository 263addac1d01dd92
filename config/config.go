package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dratasich/onvif2mqtt/mqtt"
	"github.com/dratasich/onvif2mqtt/onvif"
	"github.com/dratasich/onvif2mqtt/templates"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const envPrefix = "ONVIF2MQTT_"

// Config of the service
type Config struct {
	MQTT    mqtt.Config    `mapstructure:"mqtt"`
	Devices []onvif.Device `mapstructure:"onvif"`
	API     API            `mapstructure:"api"`
	Log     Log            `mapstructure:"log"`
	Metrics Metrics        `mapstructure:"metrics"`
}

type API struct {
	Templates []templates.Rule `mapstructure:"templates"`
}

type Log struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
}

type Metrics struct {
	// address of the /metrics and /healthz listener, disabled if empty
	Listen string `mapstructure:"listen"`
}

// Default returns the configuration used for unset keys.
func Default() *Config {
	return &Config{
		MQTT: mqtt.Config{
			Port:           1883,
			TopicPrefix:    "onvif2mqtt",
			KeepAlive:      60,
			ConnectTimeout: 10 * time.Second,
			QoS:            1,
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "onvif2mqtt-" + uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"MQTT_HOST":       &c.MQTT.Host,
		"MQTT_SERVER_URL": &c.MQTT.ServerURL,
		"MQTT_USERNAME":   &c.MQTT.Username,
		"MQTT_PASSWORD":   &c.MQTT.Password,
		"MQTT_CLIENT_ID":  &c.MQTT.ClientID,
		"LOG_LEVEL":       &c.Log.Level,
		"LOG_FORMAT":      &c.Log.Format,
		"METRICS_LISTEN":  &c.Metrics.Listen,
	}
	for key, field := range strs {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*field = v
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "MQTT_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMQTT_PORT %q: %w", envPrefix, v, err)
		}
		c.MQTT.Port = port
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if _, err := c.MQTT.URL(); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if c.MQTT.TopicPrefix == "" {
		return errors.New("mqtt: topic_prefix must not be empty")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt: invalid qos %d", c.MQTT.QoS)
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Hostname == "" {
			return fmt.Errorf("onvif[%d]: hostname is required", i)
		}
		if seen[d.ID()] {
			return fmt.Errorf("onvif[%d]: duplicate device %q", i, d.ID())
		}
		seen[d.ID()] = true
	}

	for i, r := range c.API.Templates {
		if r.Subtopic == "" {
			return fmt.Errorf("api.templates[%d]: subtopic is required", i)
		}
	}
	return nil
}
