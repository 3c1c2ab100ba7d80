// Package config loads the gateway's TOML configuration. Config problems
// are fatal at startup; once loaded, the Config is shared by every
// connection, which reads it (ip_map, timeouts, failure policy, dryrun)
// during event handling.
package config

import (
	"net"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/jawr/mailauth/internal/deadline"
)

// IPMapEntry rewrites the effective client address and/or HELO name for
// peers matching the map key's prefix.
type IPMapEntry struct {
	IP   string `toml:"ip"`
	Helo string `toml:"helo"`
}

// HandlerConfigHook mutates a handler's config clone on each read. Set by
// an embedding process; nil means no external callback processor.
type HandlerConfigHook func(handlerType string, cfg map[string]interface{})

type Config struct {
	Hostname string `toml:"hostname"`

	Debug    bool `toml:"debug"`
	LogToErr bool `toml:"logtoerr"`
	DryRun   bool `toml:"dryrun"`

	// seconds; 0 = unlimited
	ConnectTimeout   int `toml:"connect_timeout"`
	CommandTimeout   int `toml:"command_timeout"`
	ContentTimeout   int `toml:"content_timeout"`
	AddHeaderTimeout int `toml:"addheader_timeout"`

	DNSTimeout   int      `toml:"dns_timeout"`
	DNSRetry     int      `toml:"dns_retry"`
	DNSResolvers []string `toml:"dns_resolvers"`

	IPMap map[string]IPMapEntry `toml:"ip_map"`

	HostsToRemove []string `toml:"hosts_to_remove"`

	HeaderIndentStyle string `toml:"header_indent_style"`
	HeaderIndentBy    int    `toml:"header_indent_by"`
	HeaderFoldAt      int    `toml:"header_fold_at"`

	TempfailOnError              bool `toml:"tempfail_on_error"`
	TempfailOnErrorAuthenticated bool `toml:"tempfail_on_error_authenticated"`
	TempfailOnErrorLocal         bool `toml:"tempfail_on_error_local"`
	TempfailOnErrorTrusted       bool `toml:"tempfail_on_error_trusted"`

	LoadHandlers []string                          `toml:"load_handlers"`
	Handlers     map[string]map[string]interface{} `toml:"handlers"`

	// transports
	MilterListen  string `toml:"milter_listen"`
	ProxyListen   string `toml:"proxy_listen"`
	Downstream    string `toml:"downstream"`
	MetricsListen string `toml:"metrics_listen"`

	// optional AMQP disposition publisher
	LogURL      string `toml:"log_url"`
	LogExchange string `toml:"log_exchange"`

	hook HandlerConfigHook
}

// Defaults returns a Config with the documented default values.
func Defaults() *Config {
	return &Config{
		Hostname:          "localhost.localdomain",
		DNSTimeout:        8,
		DNSRetry:          2,
		HeaderIndentStyle: "entry",
		HeaderIndentBy:    4,
	}
}

// Load reads and validates a TOML config file.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.WithMessage(err, "DecodeFile")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	for prefix := range c.IPMap {
		if _, _, err := net.ParseCIDR(prefix); err != nil {
			return errors.WithMessagef(err, "ip_map prefix %q", prefix)
		}
	}
	for _, entry := range c.IPMap {
		if len(entry.IP) > 0 && net.ParseIP(entry.IP) == nil {
			return errors.Errorf("ip_map ip %q is not an address", entry.IP)
		}
	}
	for _, name := range c.LoadHandlers {
		if len(name) == 0 {
			return errors.New("load_handlers contains an empty name")
		}
	}
	return nil
}

// SetHandlerConfigHook installs the external callback processor.
func (c *Config) SetHandlerConfigHook(hook HandlerConfigHook) {
	c.hook = hook
}

// HandlerConfig returns the sub-table for one handler. The hook, when
// installed, runs against a clone so repeated reads stay stable.
func (c *Config) HandlerConfig(name string) map[string]interface{} {
	clone := make(map[string]interface{})
	for k, v := range c.Handlers[name] {
		clone[k] = v
	}
	if c.hook != nil {
		c.hook(name, clone)
	}
	return clone
}

// SectionTimeouts maps the configured per-class budgets for the deadline
// unit. Zero means unlimited, so absent keys simply never arm.
func (c *Config) SectionTimeouts() map[deadline.Class]time.Duration {
	return map[deadline.Class]time.Duration{
		deadline.ClassConnect:   time.Duration(c.ConnectTimeout) * time.Second,
		deadline.ClassCommand:   time.Duration(c.CommandTimeout) * time.Second,
		deadline.ClassContent:   time.Duration(c.ContentTimeout) * time.Second,
		deadline.ClassAddHeader: time.Duration(c.AddHeaderTimeout) * time.Second,
	}
}
