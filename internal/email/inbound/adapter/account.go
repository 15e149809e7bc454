package adapter

import (
	"strings"

	"github.com/gotrs-io/gotrs-helpdesk/internal/config"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

// AccountFromQueue converts the mailbox settings of a queue into the
// connector payload. A global QUEUE_EMAIL_BOX_TYPE overrides the queue's
// own type, blank queue fields fall back to the other QUEUE_EMAIL_BOX_*
// defaults, and SSL is on when either side enables it.
func AccountFromQueue(q *models.Queue, defaults config.DefaultBoxConfig) connector.Account {
	if q == nil {
		return connector.Account{}
	}

	boxType := strings.ToLower(strings.TrimSpace(defaults.Type))
	if boxType == "" {
		boxType = q.MailboxType()
	}
	ssl := q.EmailBoxSSL || defaults.SSL
	switch boxType {
	case models.MailboxPOP3:
		if ssl {
			boxType = "pop3s"
		}
	case models.MailboxIMAP:
		if ssl {
			boxType = "imaps"
		}
	}

	acct := connector.Account{
		ID:           q.ID,
		QueueID:      q.ID,
		QueueSlug:    q.Slug,
		Type:         boxType,
		Host:         firstNonEmpty(q.EmailBoxHost, defaults.Host),
		Port:         q.EmailBoxPort,
		Username:     firstNonEmpty(q.EmailBoxUser, defaults.User),
		Password:     []byte(firstNonEmpty(q.EmailBoxPass, defaults.Password)),
		IMAPFolder:   q.IMAPFolder(),
		PollInterval: q.PollInterval(),
	}
	if boxType == models.MailboxLocal {
		acct.LocalDir = q.LocalDir()
	}
	if addr := q.ProxyAddress(); addr != "" {
		acct.ProxyType = strings.ToLower(strings.TrimSpace(q.SocksProxyType))
		acct.ProxyAddr = addr
	}
	return acct
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
