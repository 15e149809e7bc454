package filters

import (
	"context"
	"testing"

	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/connector"
)

func TestAutoReplyFilter(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
	}{
		{"auto submitted", "Auto-Submitted: auto-replied\r\n", "auto-submitted"},
		{"auto submitted no", "Auto-Submitted: no\r\n", ""},
		{"suppress all", "X-Auto-Response-Suppress: All\r\n", "auto-response-suppress"},
		{"suppress list", "X-Auto-Response-Suppress: OOF, AutoReply\r\n", "auto-response-suppress"},
		{"suppress other", "X-Auto-Response-Suppress: OOF\r\n", ""},
		{"list id", "List-Id: <dev.lists.example.com>\r\n", "list-id"},
		{"list unsubscribe", "List-Unsubscribe: <mailto:leave@example.com>\r\n", "list-unsubscribe"},
		{"plain", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := "From: a@example.com\r\nSubject: hi\r\n" + tc.header + "\r\nBody"
			m := &MessageContext{Message: &connector.FetchedMessage{Raw: []byte(raw)}}
			if err := NewAutoReplyFilter(nil).Apply(context.Background(), m); err != nil {
				t.Fatalf("Apply returned error: %v", err)
			}
			got, _ := m.Annotations[AnnotationAutoReplyReason].(string)
			if got != tc.want {
				t.Fatalf("reason = %q, want %q", got, tc.want)
			}
			if flagged, _ := m.Annotations[AnnotationAutoReply].(bool); flagged != (tc.want != "") {
				t.Fatalf("auto reply flag = %t", flagged)
			}
		})
	}
}

func TestMessageContextHeaderCachesError(t *testing.T) {
	m := &MessageContext{}
	if _, err := m.Header(); err == nil {
		t.Fatalf("expected error for empty message")
	}
	m.Message = &connector.FetchedMessage{Raw: []byte("Subject: later\r\n\r\n")}
	if _, err := m.Header(); err == nil {
		t.Fatalf("expected cached error")
	}
}
