package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap/zapcore"
	"golang.org/x/net/idna"
	"gopkg.in/yaml.v3"

	"tlslb/internal/balancer"
)

// DefaultPreconnectCount is the number of idle backend connections opened
// per domain when the backend does not configure one.
const DefaultPreconnectCount = 3

// Config represents the application configuration
type Config struct {
	Frontends  FrontendsConfig           `yaml:"frontends"`
	Backends   map[string]*BackendConfig `yaml:"backends"`
	Timeouts   TimeoutsConfig            `yaml:"timeouts"`
	Limits     LimitsConfig              `yaml:"limits"`
	IPDatabase string                    `yaml:"ip_database"`
	Logging    LoggingConfig             `yaml:"logging"`
}

// FrontendsConfig holds the listening frontends
type FrontendsConfig struct {
	HTTPS FrontendConfig `yaml:"https"`
}

// FrontendConfig contains listener settings
type FrontendConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// BackendConfig describes the replicas serving one domain
type BackendConfig struct {
	// Addresses are literal socket addresses or host:port pairs resolved
	// through DNS. Every resulting address is used once.
	Addresses []string `yaml:"addresses"`
	// TerminateTLSOnError is accepted for compatibility; this balancer
	// never terminates TLS.
	TerminateTLSOnError *bool  `yaml:"terminate_tls_on_error"`
	PreconnectCount     *int   `yaml:"preconnect_count"`
	Algorithm           string `yaml:"algorithm"`
}

// Preconnect returns the configured preconnect count or the default
func (b *BackendConfig) Preconnect() int {
	if b.PreconnectCount == nil {
		return DefaultPreconnectCount
	}
	return *b.PreconnectCount
}

// TimeoutsConfig bounds the per-connection phases. Zero disables a timeout.
type TimeoutsConfig struct {
	Handshake time.Duration `yaml:"handshake"`
	Connect   time.Duration `yaml:"connect"`
	Idle      time.Duration `yaml:"idle"`
	KeepAlive time.Duration `yaml:"keepalive"`
}

// LimitsConfig contains resource limits
type LimitsConfig struct {
	MaxFallbackDials int `yaml:"max_fallback_dials"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", filePath, err)
	}
	return config, nil
}

// Parse decodes a YAML document on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	config := GetDefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty configuration")
		}
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// GetDefaultConfig returns a default configuration
func GetDefaultConfig() *Config {
	return &Config{
		Frontends: FrontendsConfig{
			HTTPS: FrontendConfig{ListenAddress: "[::]:443"},
		},
		Timeouts: TimeoutsConfig{
			Handshake: 10 * time.Second,
			Connect:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks the configuration and normalises backend domain names.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Frontends.HTTPS.ListenAddress); err != nil {
		return fmt.Errorf("frontends.https.listen_address: %w", err)
	}
	if len(c.Backends) == 0 {
		return errors.New("backends: at least one domain is required")
	}

	normalized := make(map[string]*BackendConfig, len(c.Backends))
	for domain, b := range c.Backends {
		name, err := NormalizeDomain(domain)
		if err != nil {
			return fmt.Errorf("backends.%s: %w", domain, err)
		}
		if _, dup := normalized[name]; dup {
			return fmt.Errorf("backends.%s: duplicate domain %q", domain, name)
		}
		if err := b.validate(); err != nil {
			return fmt.Errorf("backends.%s: %w", domain, err)
		}
		normalized[name] = b
	}
	c.Backends = normalized

	t := c.Timeouts
	if t.Handshake < 0 || t.Connect < 0 || t.Idle < 0 || t.KeepAlive < 0 {
		return errors.New("timeouts: durations must not be negative")
	}
	if c.Limits.MaxFallbackDials < 0 {
		return errors.New("limits.max_fallback_dials must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	return nil
}

func (b *BackendConfig) validate() error {
	if b == nil {
		return errors.New("backend definition is empty")
	}
	if len(b.Addresses) == 0 {
		return errors.New("addresses: at least one address is required")
	}
	for _, addr := range b.Addresses {
		if strings.TrimSpace(addr) == "" {
			return errors.New("addresses: empty address")
		}
	}
	if b.PreconnectCount != nil && *b.PreconnectCount < 0 {
		return errors.New("preconnect_count must not be negative")
	}
	if _, err := balancer.NewAlgorithm(b.Algorithm); err != nil {
		return err
	}
	return nil
}

// ApplyLogLevel overrides the configured log level, e.g. from a CLI flag.
func (c *Config) ApplyLogLevel(level string) error {
	if _, err := zapcore.ParseLevel(level); err != nil {
		return err
	}
	c.Logging.Level = level
	return nil
}

// NormalizeDomain converts a domain name to the lower-case ASCII form used
// for routing lookups. A single trailing dot is dropped. ASCII names are only
// lower-cased, so labels such as "_acme" or "ab--cd" survive; IDNA mapping
// applies to names with non-ASCII runes.
func NormalizeDomain(name string) (string, error) {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return "", errors.New("empty domain name")
	}

	ascii := true
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= utf8.RuneSelf {
			ascii = false
			continue
		}
		if c <= ' ' || c == 0x7f {
			return "", fmt.Errorf("invalid domain name %q: space or control character", name)
		}
	}
	if ascii {
		return strings.ToLower(name), nil
	}

	converted, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("invalid domain name %q: %w", name, err)
	}
	return strings.ToLower(converted), nil
}
