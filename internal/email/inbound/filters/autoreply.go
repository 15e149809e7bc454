package filters

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// AutoReplyFilter flags out-of-office replies, bounces and list traffic so
// the processor can avoid answering them.
type AutoReplyFilter struct {
	logger logrus.FieldLogger
}

// NewAutoReplyFilter constructs the filter.
func NewAutoReplyFilter(logger logrus.FieldLogger) *AutoReplyFilter {
	return &AutoReplyFilter{logger: logger}
}

// ID implements Filter.
func (f *AutoReplyFilter) ID() string { return "auto_reply" }

// Apply inspects the header for automation markers.
func (f *AutoReplyFilter) Apply(ctx context.Context, m *MessageContext) error {
	if m == nil {
		return nil
	}
	h, err := m.Header()
	if err != nil {
		return nil
	}
	reason := autoReplyReason(h.Get)
	if reason == "" {
		return nil
	}
	m.Annotate(AnnotationAutoReply, true)
	m.Annotate(AnnotationAutoReplyReason, reason)
	if f.logger != nil {
		f.logger.WithField("reason", reason).Debug("auto_reply: message flagged")
	}
	return nil
}

func autoReplyReason(get func(string) string) string {
	if v := strings.TrimSpace(get("Auto-Submitted")); v != "" && !strings.EqualFold(v, "no") {
		return "auto-submitted"
	}
	for _, v := range strings.Split(get("X-Auto-Response-Suppress"), ",") {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "dr", "autoreply", "all":
			return "auto-response-suppress"
		}
	}
	if strings.TrimSpace(get("List-Id")) != "" {
		return "list-id"
	}
	if strings.TrimSpace(get("List-Unsubscribe")) != "" {
		return "list-unsubscribe"
	}
	return ""
}
