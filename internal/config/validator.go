package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator checks a loaded configuration for settings the importer cannot run with.
type Validator struct {
	config   *Config
	errors   []string
	warnings []string
}

func NewValidator(cfg *Config) *Validator {
	return &Validator{
		config:   cfg,
		errors:   []string{},
		warnings: []string{},
	}
}

// Validate returns an error listing every fatal problem. Warnings are
// collected and available through Warnings.
func (v *Validator) Validate() error {
	v.validateDatabase()
	v.validateWebhooks()
	v.validateEmail()
	v.validateOAuth()

	if len(v.errors) > 0 {
		return fmt.Errorf("config validation failed:\n%s", strings.Join(v.errors, "\n"))
	}
	return nil
}

// Warnings returns non-fatal findings from the last Validate call.
func (v *Validator) Warnings() []string {
	return v.warnings
}

func (v *Validator) validateDatabase() {
	db := v.config.Database
	switch db.Driver {
	case "memory":
		if v.config.App.IsProduction() {
			v.addWarning("database.driver=memory loses all tickets on restart")
		}
	case "postgres", "mysql", "sqlite3":
		if strings.TrimSpace(db.DSN) == "" {
			v.addError(fmt.Sprintf("database.dsn is required for driver %q", db.Driver))
		}
	default:
		v.addError(fmt.Sprintf("database.driver %q is not supported", db.Driver))
	}
}

func (v *Validator) validateWebhooks() {
	check := func(kind string, urls []string) {
		for _, raw := range urls {
			u, err := url.Parse(raw)
			if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
				v.addError(fmt.Sprintf("%s webhook URL %q is not an absolute http(s) URL", kind, raw))
			}
		}
	}
	check("new ticket", v.config.Webhooks.NewTicketURLs)
	check("follow-up", v.config.Webhooks.FollowUpURLs)
}

func (v *Validator) validateEmail() {
	e := v.config.Email
	if e.MaxAttachmentSize <= 0 {
		v.addError("email.max_attachment_size must be positive")
	}
	for _, ext := range e.ValidExtensions {
		if !strings.HasPrefix(ext, ".") {
			v.addWarning(fmt.Sprintf("valid extension %q has no leading dot and will never match", ext))
		}
	}
	if _, err := cron.ParseStandard(e.PollSchedule); err != nil {
		v.addError(fmt.Sprintf("email.poll_schedule %q: %v", e.PollSchedule, err))
	}
	switch strings.ToLower(e.DefaultBox.Type) {
	case "", "pop3", "imap", "oauth", "local":
	default:
		v.addError(fmt.Sprintf("QUEUE_EMAIL_BOX_TYPE %q is not supported", e.DefaultBox.Type))
	}
}

func (v *Validator) validateOAuth() {
	o := v.config.OAuth
	if o.ClientID == "" {
		return
	}
	switch strings.ToLower(o.Provider) {
	case "google":
	case "microsoft":
		if o.Tenant == "" {
			v.addWarning("oauth.tenant is empty; the common tenant endpoint will be used")
		}
	case "":
		if o.TokenURL == "" {
			v.addError("oauth.token_url is required when no provider is set")
		}
	default:
		v.addError(fmt.Sprintf("oauth.provider %q is not supported", o.Provider))
	}
	if o.RefreshToken == "" && o.Secret == "" {
		v.addError("oauth requires either a refresh_token or a client secret")
	}
}

func (v *Validator) addError(message string) {
	v.errors = append(v.errors, "   "+message)
}

func (v *Validator) addWarning(message string) {
	v.warnings = append(v.warnings, "   "+message)
}

// Validate runs a Validator over cfg.
func Validate(cfg *Config) error {
	return NewValidator(cfg).Validate()
}
