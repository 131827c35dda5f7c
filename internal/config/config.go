// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mail relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	Relay    RelayConfig   `yaml:"relay"`
	Inbound  InboundConfig `yaml:"inbound"`
	Provider string        `yaml:"provider"`
	SES      SESConfig     `yaml:"ses"`
	SendRate float64       `yaml:"send_rate"`
	Store    StoreConfig   `yaml:"store"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
}

// RelayConfig holds the anonymization domains.
type RelayConfig struct {
	// MailDomain is the domain anonymous aliases live in.
	MailDomain string `yaml:"mail_domain"`
	// TrustedDomains are never anonymized.
	TrustedDomains []string `yaml:"trusted_domains"`
}

// InboundConfig locates the raw messages SES writes to S3.
type InboundConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// StoreConfig holds the record store location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SMTPConfig holds the local SMTP ingress configuration. An empty Listen
// address disables the ingress.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	CheckSPF       bool   `yaml:"check_spf"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Relay.MailDomain == "" {
		errs = append(errs, errors.New("relay mail domain is required"))
	}
	for _, d := range c.Relay.TrustedDomains {
		if strings.EqualFold(d, c.Relay.MailDomain) {
			errs = append(errs, fmt.Errorf("trusted domain %q must differ from the mail domain", d))
		}
	}

	switch c.Provider {
	case "", "stdout":
	case "ses":
		if !c.SESConfigured() {
			errs = append(errs, errors.New("SES provider requires SES_REGION"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	if c.SendRate < 0 {
		errs = append(errs, fmt.Errorf("send rate must not be negative, got %v", c.SendRate))
	}
	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("max message size must be positive, got %d", c.SMTP.MaxMessageSize))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// SESConfigured returns true if an SES region is set. Credentials fall back
// to the default AWS chain when not given.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// InboundConfigured returns true if raw messages are read from S3.
func (c *Config) InboundConfigured() bool {
	return c.Inbound.Bucket != ""
}

// IngressEnabled returns true if the local SMTP ingress should run.
func (c *Config) IngressEnabled() bool {
	return c.SMTP.Listen != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Relay.MailDomain = "mail.tutorbook.org"
	c.Relay.TrustedDomains = []string{"tutorbook.org"}
	c.Store.Path = "relay.db"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("RELAY_MAIL_DOMAIN"); v != "" {
		c.Relay.MailDomain = strings.ToLower(v)
	}
	if v := os.Getenv("RELAY_TRUSTED_DOMAINS"); v != "" {
		c.Relay.TrustedDomains = splitList(v)
	}

	if v := os.Getenv("INBOUND_BUCKET"); v != "" {
		c.Inbound.Bucket = v
	}
	if v := os.Getenv("INBOUND_PREFIX"); v != "" {
		c.Inbound.Prefix = v
	}
	if v := os.Getenv("INBOUND_REGION"); v != "" {
		c.Inbound.Region = v
	}

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_CONFIGURATION_SET"); v != "" {
		c.SES.ConfigurationSet = v
	}
	if v := os.Getenv("SEND_RATE"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			c.SendRate = r
		}
	}

	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	if v := os.Getenv("SMTP_CHECK_SPF"); v != "" {
		if check, err := strconv.ParseBool(v); err == nil {
			c.SMTP.CheckSPF = check
		}
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
