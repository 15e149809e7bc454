package filters

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// SubjectTokenFilter extracts "[<queue-slug>-<id>]" tracking markers from the Subject header.
type SubjectTokenFilter struct {
	logger logrus.FieldLogger
}

// NewSubjectTokenFilter constructs the filter instance.
func NewSubjectTokenFilter(logger logrus.FieldLogger) *SubjectTokenFilter {
	return &SubjectTokenFilter{logger: logger}
}

// ID implements Filter.
func (f *SubjectTokenFilter) ID() string { return "followup_subject_token" }

// Apply scans the decoded subject for the queue's tracking marker and stores
// the ticket id annotation. Whether the ticket exists is checked later.
func (f *SubjectTokenFilter) Apply(ctx context.Context, m *MessageContext) error {
	if m == nil {
		return nil
	}
	slug := m.Account.QueueSlug
	if m.Queue != nil && m.Queue.Slug != "" {
		slug = m.Queue.Slug
	}
	if slug == "" {
		return nil
	}
	h, err := m.Header()
	if err != nil {
		f.logf("followup_subject_token: header parse failed: %v", err)
		return nil
	}
	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	id, ok := FindTrackingID(slug, subject)
	if !ok {
		return nil
	}
	m.Annotate(AnnotationFollowUpTicketID, id)
	f.logf("followup_subject_token: detected ticket %s-%d", slug, id)
	return nil
}

func (f *SubjectTokenFilter) logf(format string, args ...any) {
	if f == nil || f.logger == nil {
		return
	}
	f.logger.Debugf(format, args...)
}

// FindTrackingID returns the ticket id of the last "[<slug>-<id>]" marker in
// subject. The slug is matched literally.
func FindTrackingID(slug, subject string) (int, bool) {
	slug = strings.TrimSpace(slug)
	if slug == "" || subject == "" {
		return 0, false
	}
	match := trackingPattern(slug).FindStringSubmatch(subject)
	if match == nil {
		return 0, false
	}
	id, err := strconv.Atoi(match[1])
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

var trackingPatterns sync.Map

// trackingPattern returns the compiled marker pattern for slug.
func trackingPattern(slug string) *regexp.Regexp {
	if re, ok := trackingPatterns.Load(slug); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`.*\[` + regexp.QuoteMeta(slug) + `-(\d+)\]`)
	actual, _ := trackingPatterns.LoadOrStore(slug, re)
	return actual.(*regexp.Regexp)
}
