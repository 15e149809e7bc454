package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
)

// EnvPrefix is prepended to every key when reading overrides from the environment.
const EnvPrefix = "HELPDESK"

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Email    EmailConfig    `mapstructure:"email"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
	Markdown MarkdownConfig `mapstructure:"markdown"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is one of postgres, mysql, sqlite3 or memory.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
	// DirPerms is the octal mode string for attachment directories, e.g. "755".
	DirPerms string `mapstructure:"dir_perms"`
}

// DefaultBoxConfig holds the QUEUE_EMAIL_BOX_* settings. Type overrides
// every queue when set; the rest fill in blank queue fields.
type DefaultBoxConfig struct {
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSL      bool   `mapstructure:"ssl"`
}

type EmailConfig struct {
	UpdateOnly                bool             `mapstructure:"update_only"`
	DefaultBox                DefaultBoxConfig `mapstructure:"default_box"`
	MaxAttachmentSize         int64            `mapstructure:"max_attachment_size"`
	ValidExtensions           []string         `mapstructure:"valid_extensions"`
	ValidateAttachmentTypes   bool             `mapstructure:"validate_attachment_types"`
	AlwaysSaveIncomingMessage bool             `mapstructure:"always_save_incoming_message"`
	FullFirstMessage          bool             `mapstructure:"full_first_message"`
	DialTimeout               time.Duration    `mapstructure:"dial_timeout"`
	PollSchedule              string           `mapstructure:"poll_schedule"`
	IMAPDebug                 bool             `mapstructure:"imap_debug"`
}

type OAuthConfig struct {
	// Provider is google, microsoft or empty for a generic token_url.
	Provider     string   `mapstructure:"provider"`
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	Secret       string   `mapstructure:"secret"`
	Scopes       []string `mapstructure:"scopes"`
	Tenant       string   `mapstructure:"tenant"`
	RefreshToken string   `mapstructure:"refresh_token"`
}

// Enabled reports whether enough is configured to request tokens.
func (c *OAuthConfig) Enabled() bool {
	return c.ClientID != "" && (c.TokenURL != "" || c.Provider != "")
}

type WebhooksConfig struct {
	NewTicketURLs []string `mapstructure:"new_ticket_urls"`
	FollowUpURLs  []string `mapstructure:"followup_urls"`
	// Timeout accepts a duration string ("3s") or a bare number of seconds.
	Timeout   string `mapstructure:"timeout"`
	UserAgent string `mapstructure:"user_agent"`
}

// TimeoutDuration parses Timeout, falling back to three seconds.
func (c *WebhooksConfig) TimeoutDuration() time.Duration {
	return parseSecondsOrDuration(c.Timeout, 3*time.Second)
}

type MarkdownConfig struct {
	AllowedSchemes []string `mapstructure:"allowed_schemes"`
}

// envBindings maps config keys to the unprefixed environment variables
// operators already use for the mail importer.
var envBindings = map[string]string{
	"webhooks.new_ticket_urls":           "HELPDESK_NEW_TICKET_WEBHOOK_URLS",
	"webhooks.followup_urls":             "HELPDESK_FOLLOWUP_WEBHOOK_URLS",
	"webhooks.timeout":                   "HELPDESK_WEBHOOK_TIMEOUT",
	"email.max_attachment_size":          "HELPDESK_MAX_EMAIL_ATTACHMENT_SIZE",
	"email.valid_extensions":             "HELPDESK_VALID_EXTENSIONS",
	"email.validate_attachment_types":    "HELPDESK_VALIDATE_ATTACHMENT_TYPES",
	"email.always_save_incoming_message": "HELPDESK_ALWAYS_SAVE_INCOMING_EMAIL_MESSAGE",
	"email.full_first_message":           "HELPDESK_FULL_FIRST_MESSAGE_FROM_EMAIL",
	"email.imap_debug":                   "HELPDESK_IMAP_DEBUG",
	"storage.dir_perms":                  "HELPDESK_ATTACHMENT_DIR_PERMS",
	"email.update_only":                  "QUEUE_EMAIL_BOX_UPDATE_ONLY",
	"email.default_box.type":             "QUEUE_EMAIL_BOX_TYPE",
	"email.default_box.host":             "QUEUE_EMAIL_BOX_HOST",
	"email.default_box.user":             "QUEUE_EMAIL_BOX_USER",
	"email.default_box.password":         "QUEUE_EMAIL_BOX_PASSWORD",
	"email.default_box.ssl":              "QUEUE_EMAIL_BOX_SSL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "helpdesk")
	v.SetDefault("app.env", "development")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("storage.path", "./media/helpdesk/attachments")
	v.SetDefault("storage.dir_perms", "755")

	v.SetDefault("email.update_only", false)
	v.SetDefault("email.default_box.type", "")
	v.SetDefault("email.default_box.host", "")
	v.SetDefault("email.default_box.user", "")
	v.SetDefault("email.default_box.password", "")
	v.SetDefault("email.default_box.ssl", false)
	v.SetDefault("email.max_attachment_size", 512000)
	v.SetDefault("email.valid_extensions", []string{
		".txt", ".asc", ".htm", ".html", ".pdf", ".doc", ".docx", ".odt", ".jpg", ".png", ".eml",
	})
	v.SetDefault("email.validate_attachment_types", true)
	v.SetDefault("email.always_save_incoming_message", false)
	v.SetDefault("email.full_first_message", false)
	v.SetDefault("email.dial_timeout", 30*time.Second)
	v.SetDefault("email.poll_schedule", "@every 1m")
	v.SetDefault("email.imap_debug", false)

	v.SetDefault("oauth.provider", "")
	v.SetDefault("oauth.token_url", "")
	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.secret", "")
	v.SetDefault("oauth.scopes", []string{})
	v.SetDefault("oauth.tenant", "")
	v.SetDefault("oauth.refresh_token", "")

	v.SetDefault("webhooks.new_ticket_urls", []string{})
	v.SetDefault("webhooks.followup_urls", []string{})
	v.SetDefault("webhooks.timeout", "3")
	v.SetDefault("webhooks.user_agent", "helpdesk-webhook/1.0")

	v.SetDefault("markdown.allowed_schemes", []string{})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Environment values arrive as one string; split them the same way for every list.
	c.Webhooks.NewTicketURLs = SplitList(v.Get("webhooks.new_ticket_urls"))
	c.Webhooks.FollowUpURLs = SplitList(v.Get("webhooks.followup_urls"))
	c.Email.ValidExtensions = SplitList(v.Get("email.valid_extensions"))
	c.OAuth.Scopes = SplitList(v.Get("oauth.scopes"))
	c.Markdown.AllowedSchemes = SplitList(v.Get("markdown.allowed_schemes"))
	return c, nil
}

// Load initializes the configuration with hot reload support. An empty
// configPath reads defaults and environment only; otherwise configPath is a
// YAML file or a directory holding config.yaml.
func Load(configPath string) error {
	var err error
	once.Do(func() {
		v := newViper()

		watch := false
		if configPath != "" {
			if st, statErr := os.Stat(configPath); statErr == nil && st.IsDir() {
				v.SetConfigName("config")
				v.AddConfigPath(configPath)
			} else {
				v.SetConfigFile(configPath)
			}
			if err = v.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					err = fmt.Errorf("failed to read config: %w", err)
					return
				}
				err = nil
			} else {
				watch = true
			}
		}

		var loaded *Config
		if loaded, err = decode(v); err != nil {
			return
		}
		mu.Lock()
		cfg = loaded
		mu.Unlock()

		if !watch {
			return
		}
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			newCfg, err := decode(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to reload config %s: %v\n", e.Name, err)
				return
			}
			mu.Lock()
			cfg = newCfg
			mu.Unlock()
		})
	})

	return err
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// LoadFromFile loads configuration from a specific file (useful for testing)
func LoadFromFile(configFile string) error {
	v := newViper()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	loaded, err := decode(v)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	cfg = loaded
	return nil
}

// FromEnv builds a configuration from defaults and the environment only.
func FromEnv() (*Config, error) {
	return decode(newViper())
}

// MustLoad loads configuration and panics on error
func MustLoad(configPath string) {
	if err := Load(configPath); err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
}

// DirMode parses DirPerms as an octal file mode, falling back to 0755.
func (c *StorageConfig) DirMode() os.FileMode {
	s := strings.TrimPrefix(strings.TrimSpace(c.DirPerms), "0o")
	if s == "" {
		return 0o755
	}
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0o755
	}
	return os.FileMode(mode)
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

var listSeparator = regexp.MustCompile(`[\s,]+`)

// SplitList normalizes a viper value into a list of non-empty strings. Strings
// are split on commas and whitespace.
func SplitList(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case nil:
		return nil
	case string:
		parts = listSeparator.Split(val, -1)
	case []string:
		for _, s := range val {
			parts = append(parts, listSeparator.Split(s, -1)...)
		}
	case []any:
		for _, item := range val {
			parts = append(parts, listSeparator.Split(fmt.Sprint(item), -1)...)
		}
	default:
		parts = listSeparator.Split(fmt.Sprint(val), -1)
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseSecondsOrDuration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs <= 0 {
			return fallback
		}
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
