package models

import (
	"fmt"
	"strings"
	"time"
)

// Mailbox types a queue can poll.
const (
	MailboxPOP3  = "pop3"
	MailboxIMAP  = "imap"
	MailboxOAuth = "oauth"
	MailboxLocal = "local"
)

const (
	DefaultIMAPFolder       = "INBOX"
	DefaultLocalMailDir     = "/var/lib/mail/helpdesk/"
	DefaultMailboxInterval  = 5
	DefaultSocksProxyHost   = "127.0.0.1"
	DefaultSocksProxyPort   = 9150
	defaultFirstCheckOffset = 30 * time.Minute
)

// Queue is a named mail and ticket routing bucket with its own mailbox settings.
type Queue struct {
	ID                   int        `json:"id" db:"id"`
	Title                string     `json:"title" db:"title"`
	Slug                 string     `json:"slug" db:"slug"`
	EmailAddress         string     `json:"email_address" db:"email_address"`
	AllowEmailSubmission bool       `json:"allow_email_submission" db:"allow_email_submission"`
	EmailBoxType         string     `json:"email_box_type" db:"email_box_type"`
	EmailBoxHost         string     `json:"email_box_host" db:"email_box_host"`
	EmailBoxPort         int        `json:"email_box_port" db:"email_box_port"`
	EmailBoxSSL          bool       `json:"email_box_ssl" db:"email_box_ssl"`
	EmailBoxUser         string     `json:"email_box_user" db:"email_box_user"`
	EmailBoxPass         string     `json:"-" db:"email_box_pass"`
	EmailBoxIMAPFolder   string     `json:"email_box_imap_folder" db:"email_box_imap_folder"`
	EmailBoxLocalDir     string     `json:"email_box_local_dir" db:"email_box_local_dir"`
	EmailBoxInterval     int        `json:"email_box_interval" db:"email_box_interval"`
	EmailBoxLastCheck    *time.Time `json:"email_box_last_check" db:"email_box_last_check"`
	SocksProxyType       string     `json:"socks_proxy_type" db:"socks_proxy_type"`
	SocksProxyHost       string     `json:"socks_proxy_host" db:"socks_proxy_host"`
	SocksProxyPort       int        `json:"socks_proxy_port" db:"socks_proxy_port"`
	LoggingType          string     `json:"logging_type" db:"logging_type"`
	LoggingDir           string     `json:"logging_dir" db:"logging_dir"`
}

// TrackingID returns the subject marker used to thread replies back to a ticket.
func (q *Queue) TrackingID(ticketID int) string {
	return fmt.Sprintf("[%s-%d]", q.Slug, ticketID)
}

// MailboxType returns the normalized mailbox type.
func (q *Queue) MailboxType() string {
	return strings.ToLower(strings.TrimSpace(q.EmailBoxType))
}

// IMAPFolder returns the configured folder or INBOX.
func (q *Queue) IMAPFolder() string {
	if f := strings.TrimSpace(q.EmailBoxIMAPFolder); f != "" {
		return f
	}
	return DefaultIMAPFolder
}

// LocalDir returns the configured local mail directory or the system default.
func (q *Queue) LocalDir() string {
	if d := strings.TrimSpace(q.EmailBoxLocalDir); d != "" {
		return d
	}
	return DefaultLocalMailDir
}

// PollInterval is the minimum time between two mailbox checks.
func (q *Queue) PollInterval() time.Duration {
	minutes := q.EmailBoxInterval
	if minutes < 0 {
		minutes = 0
	}
	return time.Duration(minutes) * time.Minute
}

// DueForCheck reports whether the mailbox should be polled at now.
// A queue that was never checked is treated as last checked 30 minutes ago.
func (q *Queue) DueForCheck(now time.Time) bool {
	last := now.Add(-defaultFirstCheckOffset)
	if q.EmailBoxLastCheck != nil && !q.EmailBoxLastCheck.IsZero() {
		last = *q.EmailBoxLastCheck
	}
	return last.Add(q.PollInterval()).Before(now)
}

// ProxyAddress returns host:port of the SOCKS proxy, or "" when none is configured.
func (q *Queue) ProxyAddress() string {
	if strings.TrimSpace(q.SocksProxyType) == "" {
		return ""
	}
	host := q.SocksProxyHost
	if host == "" {
		host = DefaultSocksProxyHost
	}
	port := q.SocksProxyPort
	if port == 0 {
		port = DefaultSocksProxyPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}
