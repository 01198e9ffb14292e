// Package config loads bridge configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the root configuration for the bridge process.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Jira       JiraConfig       `mapstructure:"jira"`
	Cache      CacheConfig      `mapstructure:"cache"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GraphConfig holds Microsoft Graph credentials and subscription targets.
type GraphConfig struct {
	TenantID        string `mapstructure:"tenant_id"`
	ClientID        string `mapstructure:"client_id"`
	ClientSecret    string `mapstructure:"client_secret"`
	GroupID         string `mapstructure:"group_id"`
	ChannelID       string `mapstructure:"channel_id"`
	NotificationURL string `mapstructure:"notification_url"`
	LifecycleURL    string `mapstructure:"lifecycle_url"`
	OAuthRedirect   string `mapstructure:"oauth_redirect"`
	// ConsentRecipient receives the interactive authorization link and is
	// also the identity whose messages are never synced back to Jira.
	ConsentRecipient string `mapstructure:"consent_recipient"`
}

// JiraConfig holds Jira REST credentials and sync behavior.
type JiraConfig struct {
	BaseURL string `mapstructure:"base_url"`
	User    string `mapstructure:"user"`
	Token   string `mapstructure:"token"`
	// WebhookSecret is the shared secret for the x-hub-signature HMAC.
	WebhookSecret string `mapstructure:"webhook_secret"`
	ProjectKey    string `mapstructure:"project_key"`
	IssueType     string `mapstructure:"issue_type"`
	// ThreadLinkField is the custom field id storing the Teams message URL.
	ThreadLinkField string `mapstructure:"thread_link_field"`
	// ThreadLinkJQL is the clause name for that field in JQL searches.
	ThreadLinkJQL string `mapstructure:"thread_link_jql"`
	// ConfirmationStatus is the pre-final status that triggers the
	// auto-close warning in status change replies.
	ConfirmationStatus string `mapstructure:"confirmation_status"`
}

// CacheConfig selects the user lookup cache backend.
type CacheConfig struct {
	Backend   string        `mapstructure:"backend"` // "memory" or "redis"
	TTL       time.Duration `mapstructure:"ttl"`
	MaxEntries int          `mapstructure:"max_entries"`
	RedisAddr string        `mapstructure:"redis_addr"`
}

// DeadLetterConfig controls the failed-webhook redelivery queue.
type DeadLetterConfig struct {
	Path        string `mapstructure:"path"`
	Schedule    string `mapstructure:"schedule"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("jira.issue_type", "Task")
	v.SetDefault("jira.thread_link_jql", "MS Teams link[URL Field]")
	v.SetDefault("jira.confirmation_status", "Implementation/Test")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.max_entries", 1024)
	v.SetDefault("dead_letter.path", "deadletter.db")
	v.SetDefault("dead_letter.schedule", "@every 1m")
	v.SetDefault("dead_letter.max_attempts", 5)
}

// Load reads configuration from the given file (optional) with environment
// overrides (BRIDGE_ prefix, dots replaced by underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Reload the field mapping when the config file changes on disk. Other
	// settings require a restart.
	if path != "" {
		v.OnConfigChange(func(_ fsnotify.Event) {
			var next Config
			if err := v.Unmarshal(&next); err == nil {
				cfg.Jira.ThreadLinkField = next.Jira.ThreadLinkField
				cfg.Jira.ThreadLinkJQL = next.Jira.ThreadLinkJQL
			}
		})
		v.WatchConfig()
	}

	return &cfg, nil
}

// Validate checks the fields without which the bridge cannot start.
func (c *Config) Validate() error {
	var missing []string
	if c.Graph.TenantID == "" {
		missing = append(missing, "graph.tenant_id")
	}
	if c.Graph.ClientID == "" {
		missing = append(missing, "graph.client_id")
	}
	if c.Jira.BaseURL == "" {
		missing = append(missing, "jira.base_url")
	}
	if c.Jira.ProjectKey == "" {
		missing = append(missing, "jira.project_key")
	}
	if c.Jira.ThreadLinkField == "" {
		missing = append(missing, "jira.thread_link_field")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}
