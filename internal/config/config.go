// Package config provides configuration parsing and validation for
// duohop: the two proxy roles, the optional ACL file, and verbosity.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/duohop/duohop/internal/credentials"
)

// Config is the complete hub configuration: both proxy roles, an
// optional ACL file path, and the logging verbosity.
type Config struct {
	Listen    RoleConfig `yaml:"listen"`
	Remote    RoleConfig `yaml:"remote"`
	ACLFile   string     `yaml:"acl_file"`
	Verbosity string     `yaml:"verbosity"`
}

// RoleConfig is one role URL as given on the CLI or in a config file:
// `scheme://[user[:pass]@]host:port`.
type RoleConfig struct {
	URL string `yaml:"url"`
}

// Role is a RoleConfig parsed into its scheme, address, and credentials.
type Role struct {
	Scheme string
	Addr   string
	Creds  credentials.Pair
}

// Parse parses the role's URL form. Only "http" and "socks5" schemes are
// recognized.
func (r RoleConfig) Parse() (Role, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return Role{}, fmt.Errorf("config: invalid role URL %q: %w", r.URL, err)
	}
	switch u.Scheme {
	case "http", "socks5":
	default:
		return Role{}, fmt.Errorf("config: unsupported role scheme %q (want http or socks5)", u.Scheme)
	}
	if u.Host == "" {
		return Role{}, fmt.Errorf("config: role URL %q is missing host:port", r.URL)
	}
	return Role{
		Scheme: u.Scheme,
		Addr:   u.Host,
		Creds:  credentials.FromUserinfo(u),
	}, nil
}

// Load reads and parses a YAML config file.
func Load(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing yaml: %w", err)
	}
	return cfg, nil
}

// Validate rejects a configuration error before anything is bound: the
// listen and remote URLs must parse, and the remote role must be socks5.
func (c *Config) Validate() error {
	if c.Listen.URL == "" {
		return fmt.Errorf("config: listen role is required")
	}
	if c.Remote.URL == "" {
		return fmt.Errorf("config: remote role is required")
	}
	if _, err := c.Listen.Parse(); err != nil {
		return err
	}
	remote, err := c.Remote.Parse()
	if err != nil {
		return err
	}
	if remote.Scheme != "socks5" {
		return fmt.Errorf("config: remote role must be socks5, got %q", remote.Scheme)
	}
	if c.Verbosity != "" {
		if _, err := parseVerbosity(c.Verbosity); err != nil {
			return err
		}
	}
	return nil
}

func parseVerbosity(v string) (string, error) {
	switch strings.ToLower(v) {
	case "off", "error", "warn", "info", "debug", "trace":
		return strings.ToLower(v), nil
	default:
		return "", fmt.Errorf("config: unknown verbosity %q", v)
	}
}

// LogLevel returns the configured verbosity as a lowercase level name for
// logging.NewLogger, defaulting to "info" when unset.
func (c *Config) LogLevel() (string, error) {
	if c.Verbosity == "" {
		return "info", nil
	}
	return parseVerbosity(c.Verbosity)
}

const redactedValue = "[REDACTED]"

// Redacted returns a copy of c with role passwords redacted, safe to log
// or display.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}
	redacted.Listen.URL = redactRoleURL(redacted.Listen.URL)
	redacted.Remote.URL = redactRoleURL(redacted.Remote.URL)
	return redacted
}

func redactRoleURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, hasPass := u.User.Password(); hasPass {
		u.User = url.UserPassword(u.User.Username(), redactedValue)
	}
	return u.String()
}
