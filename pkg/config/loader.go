package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the configuration. path may be empty, in which case the
// default search locations are tried; a completely missing config file is
// fine and yields the defaults (the acme-dns URL must then come from the
// environment or flags).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("acme-dns-hook")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/letsencrypt")
		v.AddConfigPath("/etc/acme-dns-hook")
	}

	v.SetEnvPrefix("ACMEDNS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults double as key declarations: AutomaticEnv only resolves
	// environment values for keys viper knows, so every key gets one even
	// when no config file exists.
	v.SetDefault("acmedns.url", "")
	v.SetDefault("acmedns.storage", "")
	v.SetDefault("acmedns.allow_from", []string{})
	v.SetDefault("acmedns.force_register", false)
	v.SetDefault("acmedns.request_timeout", 0)
	v.SetDefault("acmedns.lock_timeout", 0)
	v.SetDefault("dns.nameservers", []string{})
	v.SetDefault("dns.propagation_pre_wait", 0)
	v.SetDefault("dns.propagation_wait", 0)
	v.SetDefault("dns.propagation_timeout", 0)
	v.SetDefault("dns.propagation_post_wait", 0)
	v.SetDefault("openipam.url", "")
	v.SetDefault("openipam.token", "")
	v.SetDefault("notifications.webhook", "")
	v.SetDefault("notifications.slack_webhook", "")
	v.SetDefault("notifications.discord_webhook", "")
	v.SetDefault("audit_log_dir", "")

	if err := v.ReadInConfig(); err != nil {
		// No config file anywhere: run on defaults and environment.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
