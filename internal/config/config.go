package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BusMQTT = "mqtt"
	BusAMQP = "amqp"
)

// MQTT configures the MQTT subscription.
type MQTT struct {
	BrokerURL       string        `yaml:"broker_url"`
	Topic           string        `yaml:"topic"`
	ClientID        string        `yaml:"client_id"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	QoS             int           `yaml:"qos"`
	TLS             bool          `yaml:"tls"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
}

// AMQP configures the alternate AMQP subscription.
type AMQP struct {
	URL         string   `yaml:"url"`
	Exchange    string   `yaml:"exchange"`
	Queue       string   `yaml:"queue"`
	BindingKeys []string `yaml:"binding_keys"`
}

// Database selects the storage backend.
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Config lists the tunable parameters for the ingester.
type Config struct {
	LogLevel     string        `yaml:"log_level"`
	Bus          string        `yaml:"bus"`
	MQTT         MQTT          `yaml:"mqtt"`
	AMQP         AMQP          `yaml:"amqp"`
	Database     Database      `yaml:"database"`
	HTTPPort     int           `yaml:"http_port"`
	MDNS         bool          `yaml:"mdns"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

const (
	defaultLogLevel        = "info"
	defaultBrokerURL       = "tcp://broker.hivemq.com:1883"
	defaultTopic           = "hope/iot/circuit5/living-room/uno-r4/telemetry"
	defaultConnectTimeout  = 10 * time.Second
	defaultConnectAttempts = 5
	defaultAMQPExchange    = "amq.topic"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabaseDSN     = "data/telemetry.db"
	defaultHTTPPort        = 8080
	defaultStoreTimeout    = 2 * time.Second
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		LogLevel: defaultLogLevel,
		Bus:      BusMQTT,
		MQTT: MQTT{
			BrokerURL:       defaultBrokerURL,
			Topic:           defaultTopic,
			ConnectTimeout:  defaultConnectTimeout,
			ConnectAttempts: defaultConnectAttempts,
		},
		AMQP: AMQP{
			Exchange:    defaultAMQPExchange,
			BindingKeys: []string{"#.telemetry"},
		},
		Database: Database{
			Driver: defaultDatabaseDriver,
			DSN:    defaultDatabaseDSN,
		},
		HTTPPort:     defaultHTTPPort,
		StoreTimeout: defaultStoreTimeout,
	}
}

// Load starts from Default, applies the YAML file at path when path is not
// empty, then applies TELEMETRY_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strVars := map[string]*string{
		"TELEMETRY_LOG_LEVEL":      &cfg.LogLevel,
		"TELEMETRY_BUS":            &cfg.Bus,
		"TELEMETRY_MQTT_BROKER":    &cfg.MQTT.BrokerURL,
		"TELEMETRY_MQTT_TOPIC":     &cfg.MQTT.Topic,
		"TELEMETRY_MQTT_CLIENT_ID": &cfg.MQTT.ClientID,
		"TELEMETRY_MQTT_USERNAME":  &cfg.MQTT.Username,
		"TELEMETRY_MQTT_PASSWORD":  &cfg.MQTT.Password,
		"TELEMETRY_AMQP_URL":       &cfg.AMQP.URL,
		"TELEMETRY_AMQP_EXCHANGE":  &cfg.AMQP.Exchange,
		"TELEMETRY_AMQP_QUEUE":     &cfg.AMQP.Queue,
		"TELEMETRY_DB_DRIVER":      &cfg.Database.Driver,
		"TELEMETRY_DB_DSN":         &cfg.Database.DSN,
	}
	for name, dst := range strVars {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("TELEMETRY_AMQP_BINDING_KEYS"); v != "" {
		var keys []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		cfg.AMQP.BindingKeys = keys
	}

	intVars := map[string]*int{
		"TELEMETRY_MQTT_QOS":              &cfg.MQTT.QoS,
		"TELEMETRY_MQTT_CONNECT_ATTEMPTS": &cfg.MQTT.ConnectAttempts,
		"TELEMETRY_HTTP_PORT":             &cfg.HTTPPort,
	}
	for name, dst := range intVars {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
	}

	boolVars := map[string]*bool{
		"TELEMETRY_MQTT_TLS": &cfg.MQTT.TLS,
		"TELEMETRY_MDNS":     &cfg.MDNS,
	}
	for name, dst := range boolVars {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = b
		}
	}

	durVars := map[string]*time.Duration{
		"TELEMETRY_MQTT_CONNECT_TIMEOUT": &cfg.MQTT.ConnectTimeout,
		"TELEMETRY_STORE_TIMEOUT":        &cfg.StoreTimeout,
	}
	for name, dst := range durVars {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = d
		}
	}

	return nil
}

// Validate rejects configurations the ingester cannot run with.
func (c Config) Validate() error {
	switch c.Bus {
	case BusMQTT:
		if c.MQTT.BrokerURL == "" || c.MQTT.Topic == "" {
			return fmt.Errorf("mqtt broker and topic are required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	case BusAMQP:
		if c.AMQP.URL == "" {
			return fmt.Errorf("amqp url is required")
		}
		if len(c.AMQP.BindingKeys) == 0 {
			return fmt.Errorf("at least one amqp binding key is required")
		}
	default:
		return fmt.Errorf("unsupported bus %q", c.Bus)
	}

	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port must be between 0 and 65535, got %d", c.HTTPPort)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	return nil
}
