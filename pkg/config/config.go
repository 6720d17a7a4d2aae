// Package config defines the hook's configuration file schema and loading.
// Values resolve as flags > ACMEDNS_* environment variables > config file >
// defaults; the defaults match the behavior of a bare certbot hook.
package config

import (
	"fmt"
	"net"
	"os"
	"time"
)

// Config is the top-level configuration.
type Config struct {
	AcmeDNS       AcmeDNSConfig        `yaml:"acmedns" mapstructure:"acmedns"`
	DNS           DNSConfig            `yaml:"dns" mapstructure:"dns"`
	OpenIPAM      *OpenIPAMConfig      `yaml:"openipam,omitempty" mapstructure:"openipam"`
	Notifications *NotificationConfig  `yaml:"notifications,omitempty" mapstructure:"notifications"`
	AuditLogDir   string               `yaml:"audit_log_dir,omitempty" mapstructure:"audit_log_dir"`
}

// AcmeDNSConfig configures the acme-dns endpoint and credential storage.
type AcmeDNSConfig struct {
	URL            string   `yaml:"url" mapstructure:"url"`
	Storage        string   `yaml:"storage" mapstructure:"storage"`
	AllowFrom      []string `yaml:"allow_from,omitempty" mapstructure:"allow_from"`
	ForceRegister  bool     `yaml:"force_register,omitempty" mapstructure:"force_register"`
	RequestTimeout int      `yaml:"request_timeout,omitempty" mapstructure:"request_timeout"` // seconds
	LockTimeout    int      `yaml:"lock_timeout,omitempty" mapstructure:"lock_timeout"`       // seconds
}

// DNSConfig configures the optional post-update propagation wait. The wait
// only runs when at least one nameserver is configured.
type DNSConfig struct {
	Nameservers         []string `yaml:"nameservers,omitempty" mapstructure:"nameservers"`
	PropagationPreWait  int      `yaml:"propagation_pre_wait,omitempty" mapstructure:"propagation_pre_wait"`   // seconds
	PropagationWait     int      `yaml:"propagation_wait,omitempty" mapstructure:"propagation_wait"`           // seconds
	PropagationTimeout  int      `yaml:"propagation_timeout,omitempty" mapstructure:"propagation_timeout"`     // seconds
	PropagationPostWait int      `yaml:"propagation_post_wait,omitempty" mapstructure:"propagation_post_wait"` // seconds
}

// OpenIPAMConfig configures automatic CNAME publication through OpenIPAM.
// When unset, the operator publishes the CNAME record manually.
type OpenIPAMConfig struct {
	URL   string `yaml:"url" mapstructure:"url"`
	Token string `yaml:"token,omitempty" mapstructure:"token"`
}

// NotificationConfig configures webhook notifications for registration and
// failure events.
type NotificationConfig struct {
	Webhook        string `yaml:"webhook,omitempty" mapstructure:"webhook"`
	SlackWebhook   string `yaml:"slack_webhook,omitempty" mapstructure:"slack_webhook"`
	DiscordWebhook string `yaml:"discord_webhook,omitempty" mapstructure:"discord_webhook"`
}

// GetRequestTimeout returns the acme-dns request timeout as a duration.
func (c *AcmeDNSConfig) GetRequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// GetLockTimeout returns the store lock acquisition timeout as a duration.
func (c *AcmeDNSConfig) GetLockTimeout() time.Duration {
	return time.Duration(c.LockTimeout) * time.Second
}

// WaitEnabled reports whether the propagation wait should run.
func (c *DNSConfig) WaitEnabled() bool {
	return len(c.Nameservers) > 0
}

// Enabled reports whether automatic CNAME publication is configured. The
// token may also arrive via the OPENIPAM_TOKEN environment variable.
func (c *OpenIPAMConfig) Enabled() bool {
	return c != nil && c.URL != "" && c.GetToken() != ""
}

// GetToken returns the configured token, falling back to OPENIPAM_TOKEN.
func (c *OpenIPAMConfig) GetToken() string {
	if c.Token != "" {
		return c.Token
	}
	return os.Getenv("OPENIPAM_TOKEN")
}

// applyDefaults fills zero values with the hook's defaults.
func applyDefaults(cfg *Config) {
	if cfg.AcmeDNS.Storage == "" {
		cfg.AcmeDNS.Storage = "/etc/letsencrypt/acmedns.json"
	}
	if cfg.AcmeDNS.RequestTimeout <= 0 {
		cfg.AcmeDNS.RequestTimeout = 30
	}
	if cfg.AcmeDNS.LockTimeout <= 0 {
		cfg.AcmeDNS.LockTimeout = 10
	}
	if cfg.DNS.PropagationPreWait <= 0 {
		cfg.DNS.PropagationPreWait = 30
	}
	if cfg.DNS.PropagationWait <= 0 {
		cfg.DNS.PropagationWait = 10
	}
	if cfg.DNS.PropagationTimeout <= 0 {
		cfg.DNS.PropagationTimeout = 300
	}
	if cfg.DNS.PropagationPostWait <= 0 {
		cfg.DNS.PropagationPostWait = 10
	}
}

// Validate checks the configuration for problems that would only surface
// mid-run otherwise.
func Validate(cfg *Config) error {
	if cfg.AcmeDNS.URL == "" {
		return fmt.Errorf("acmedns.url is required")
	}
	for _, cidr := range cfg.AcmeDNS.AllowFrom {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("acmedns.allow_from: invalid CIDR %q: %w", cidr, err)
		}
	}
	if cfg.OpenIPAM != nil && cfg.OpenIPAM.URL == "" && cfg.OpenIPAM.Token != "" {
		return fmt.Errorf("openipam.url is required when an OpenIPAM token is set")
	}
	return nil
}
