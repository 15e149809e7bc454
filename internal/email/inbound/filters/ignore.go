package filters

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

// IgnoreRuleSource returns the ignore rules that apply to a queue, global
// rules included.
type IgnoreRuleSource interface {
	IgnoreRulesForQueue(ctx context.Context, queueID int) ([]*models.IgnoreEmail, error)
}

// IgnoreFilter drops messages whose sender matches an IgnoreEmail rule.
// Rules with KeepInMailbox leave the source message untouched.
type IgnoreFilter struct {
	rules  IgnoreRuleSource
	logger logrus.FieldLogger
}

// NewIgnoreFilter constructs the filter.
func NewIgnoreFilter(rules IgnoreRuleSource, logger logrus.FieldLogger) *IgnoreFilter {
	return &IgnoreFilter{rules: rules, logger: logger}
}

// ID implements Filter.
func (f *IgnoreFilter) ID() string { return "ignore_email" }

// Apply tests the sender against every rule scoped to the message queue.
func (f *IgnoreFilter) Apply(ctx context.Context, m *MessageContext) error {
	if m == nil || f.rules == nil {
		return nil
	}
	sender := senderAddress(m)
	if sender == "" {
		return nil
	}
	queueID := m.Account.QueueID
	if m.Queue != nil {
		queueID = m.Queue.ID
	}
	rules, err := f.rules.IgnoreRulesForQueue(ctx, queueID)
	if err != nil {
		return fmt.Errorf("load ignore rules: %w", err)
	}
	for _, rule := range rules {
		if !rule.AppliesTo(queueID) || !rule.Test(sender) {
			continue
		}
		m.Annotate(AnnotationIgnoreMessage, true)
		m.Annotate(AnnotationKeepInMailbox, rule.KeepInMailbox)
		m.Annotate(AnnotationIgnoreRule, rule.Name)
		f.logf("ignore_email: %s matched rule %q (keep=%t)", sender, rule.Name, rule.KeepInMailbox)
		return nil
	}
	return nil
}

func (f *IgnoreFilter) logf(format string, args ...any) {
	if f == nil || f.logger == nil {
		return
	}
	f.logger.Infof(format, args...)
}

// senderAddress returns the bare From address, falling back to the raw
// header when it does not parse as an address list.
func senderAddress(m *MessageContext) string {
	h, err := m.Header()
	if err != nil {
		return ""
	}
	if list, err := h.AddressList("From"); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Address)
	}
	raw := strings.TrimSpace(h.Get("From"))
	if raw == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return addr.Address
	}
	return raw
}
