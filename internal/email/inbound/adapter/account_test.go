package adapter

import (
	"testing"
	"time"

	"github.com/gotrs-io/gotrs-helpdesk/internal/config"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

func TestAccountFromQueueDefaults(t *testing.T) {
	acct := AccountFromQueue(&models.Queue{
		ID:               42,
		Slug:             "support",
		EmailBoxType:     "IMAP",
		EmailBoxHost:     "mail.example",
		EmailBoxUser:     "agent",
		EmailBoxPass:     "secret",
		EmailBoxSSL:      true,
		EmailBoxInterval: 10,
	}, config.DefaultBoxConfig{})

	if acct.ID != 42 || acct.QueueID != 42 {
		t.Fatalf("expected ID 42, got %d/%d", acct.ID, acct.QueueID)
	}
	if acct.Type != "imaps" {
		t.Fatalf("expected imaps account type, got %s", acct.Type)
	}
	if acct.QueueSlug != "support" {
		t.Fatalf("expected slug support, got %s", acct.QueueSlug)
	}
	if string(acct.Password) != "secret" {
		t.Fatalf("expected password bytes, got %s", string(acct.Password))
	}
	if acct.IMAPFolder != "INBOX" {
		t.Fatalf("expected INBOX folder, got %s", acct.IMAPFolder)
	}
	if acct.PollInterval != 10*time.Minute {
		t.Fatalf("expected poll interval 10m, got %v", acct.PollInterval)
	}
	if acct.ProxyType != "" || acct.ProxyAddr != "" {
		t.Fatalf("expected no proxy, got %s %s", acct.ProxyType, acct.ProxyAddr)
	}
}

func TestAccountFromQueueFallsBackToGlobalBox(t *testing.T) {
	acct := AccountFromQueue(&models.Queue{ID: 1, Slug: "q"}, config.DefaultBoxConfig{
		Type:     "pop3",
		Host:     "pop.example",
		User:     "global",
		Password: "pw",
		SSL:      true,
	})
	if acct.Type != "pop3s" {
		t.Fatalf("expected pop3s, got %s", acct.Type)
	}
	if acct.Host != "pop.example" || acct.Username != "global" || string(acct.Password) != "pw" {
		t.Fatalf("expected global box settings, got %+v", acct)
	}
}

func TestAccountFromQueueGlobalTypeWins(t *testing.T) {
	q := &models.Queue{ID: 2, Slug: "q", EmailBoxType: "pop3", EmailBoxHost: "mail.example"}

	acct := AccountFromQueue(q, config.DefaultBoxConfig{Type: "IMAP"})
	if acct.Type != "imap" {
		t.Fatalf("expected global imap to win, got %s", acct.Type)
	}
	if acct.Host != "mail.example" {
		t.Fatalf("expected queue host to be kept, got %s", acct.Host)
	}

	acct = AccountFromQueue(q, config.DefaultBoxConfig{})
	if acct.Type != "pop3" {
		t.Fatalf("expected queue type without a global override, got %s", acct.Type)
	}
}

func TestAccountFromQueueLocalAndProxy(t *testing.T) {
	acct := AccountFromQueue(&models.Queue{
		ID:             3,
		EmailBoxType:   "local",
		SocksProxyType: "SOCKS5",
	}, config.DefaultBoxConfig{})
	if acct.LocalDir != models.DefaultLocalMailDir {
		t.Fatalf("expected default local dir, got %s", acct.LocalDir)
	}
	if acct.ProxyType != "socks5" || acct.ProxyAddr != "127.0.0.1:9150" {
		t.Fatalf("unexpected proxy %s %s", acct.ProxyType, acct.ProxyAddr)
	}
}

func TestAccountFromQueueNil(t *testing.T) {
	if acct := AccountFromQueue(nil, config.DefaultBoxConfig{}); acct.Type != "" {
		t.Fatalf("expected zero account, got %+v", acct)
	}
}
