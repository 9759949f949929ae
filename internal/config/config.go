// Package config loads the broker's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all broker settings. Missing values fall back to defaults
// in Load.
type Config struct {
	// Listen is the TLS listen address for the web server.
	Listen string `yaml:"listen"`
	// WSPath is the websocket mount point endpoints connect to.
	WSPath string `yaml:"ws-path"`
	// Scheme is the endpoint URI scheme.
	Scheme string `yaml:"scheme"`

	// BrokerSpool is the filesystem path for the durable queue backend.
	BrokerSpool string `yaml:"broker-spool"`

	// AcceptConsumers is the number of workers draining the accept queue.
	AcceptConsumers int `yaml:"accept-consumers"`
	// DeliveryConsumers sizes the delivery pool and the redeliver consumers.
	DeliveryConsumers int `yaml:"delivery-consumers"`

	// SSLCert and SSLKey are the server certificate pair; the certificate's
	// CN seeds the broker's own server URI. SSLCACert verifies client
	// certificates.
	SSLCert   string `yaml:"ssl-cert"`
	SSLKey    string `yaml:"ssl-key"`
	SSLCACert string `yaml:"ssl-ca-cert"`

	Debug bool `yaml:"debug"`
}

// Load reads and validates a configuration file, applying defaults for
// missing values.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	config := &Config{}
	config.ApplyDefaults()
	return config
}

// ApplyDefaults fills in unset values.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8142"
	}
	if c.WSPath == "" {
		c.WSPath = "/cth"
	}
	if c.Scheme == "" {
		c.Scheme = "cth"
	}
	if c.BrokerSpool == "" {
		c.BrokerSpool = "spool"
	}
	if c.AcceptConsumers == 0 {
		c.AcceptConsumers = 4
	}
	if c.DeliveryConsumers == 0 {
		c.DeliveryConsumers = 16
	}
}

// Validate rejects values the broker cannot run with.
func (c *Config) Validate() error {
	if c.AcceptConsumers < 0 {
		return fmt.Errorf("accept-consumers cannot be negative: %d", c.AcceptConsumers)
	}
	if c.DeliveryConsumers < 0 {
		return fmt.Errorf("delivery-consumers cannot be negative: %d", c.DeliveryConsumers)
	}
	if (c.SSLCert == "") != (c.SSLKey == "") {
		return fmt.Errorf("ssl-cert and ssl-key must be set together")
	}
	return nil
}
