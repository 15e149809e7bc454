package filters

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

type staticRules struct {
	rules []*models.IgnoreEmail
	err   error
	asked []int
}

func (s *staticRules) IgnoreRulesForQueue(ctx context.Context, queueID int) ([]*models.IgnoreEmail, error) {
	s.asked = append(s.asked, queueID)
	return s.rules, s.err
}

func ignoreContext(from string) *MessageContext {
	raw := "From: " + from + "\r\nSubject: hello\r\n\r\nBody"
	return &MessageContext{
		Account: connector.Account{QueueID: 3},
		Message: &connector.FetchedMessage{Raw: []byte(raw)},
	}
}

func TestIgnoreFilterMatchesWildcardDomain(t *testing.T) {
	rules := &staticRules{rules: []*models.IgnoreEmail{{Name: "bounces", EmailAddress: "*@bounces.example.com"}}}
	m := ignoreContext("Mailer <daemon@bounces.example.com>")

	require.NoError(t, NewIgnoreFilter(rules, nil).Apply(context.Background(), m))

	assert.True(t, m.Ignored())
	assert.Equal(t, false, m.Annotations[AnnotationKeepInMailbox])
	assert.Equal(t, "bounces", m.Annotations[AnnotationIgnoreRule])
	assert.Equal(t, []int{3}, rules.asked)
}

func TestIgnoreFilterKeepInMailbox(t *testing.T) {
	rules := &staticRules{rules: []*models.IgnoreEmail{{Name: "vip", EmailAddress: "boss@*", KeepInMailbox: true}}}
	m := ignoreContext("boss@corp.example")
	m.Queue = &models.Queue{ID: 9}

	require.NoError(t, NewIgnoreFilter(rules, nil).Apply(context.Background(), m))

	assert.True(t, m.Ignored())
	assert.Equal(t, true, m.Annotations[AnnotationKeepInMailbox])
	assert.Equal(t, []int{9}, rules.asked)
}

func TestIgnoreFilterSkipsRulesForOtherQueues(t *testing.T) {
	rules := &staticRules{rules: []*models.IgnoreEmail{{EmailAddress: "*@*", QueueIDs: []int{99}}}}
	m := ignoreContext("someone@example.com")

	require.NoError(t, NewIgnoreFilter(rules, nil).Apply(context.Background(), m))

	assert.False(t, m.Ignored())
}

func TestIgnoreFilterNoMatch(t *testing.T) {
	rules := &staticRules{rules: []*models.IgnoreEmail{{EmailAddress: "spam@example.com"}}}
	m := ignoreContext("customer@example.com")

	require.NoError(t, NewIgnoreFilter(rules, nil).Apply(context.Background(), m))

	assert.False(t, m.Ignored())
	assert.Nil(t, m.Annotations)
}

func TestIgnoreFilterPropagatesSourceError(t *testing.T) {
	rules := &staticRules{err: errors.New("db down")}
	err := NewIgnoreFilter(rules, nil).Apply(context.Background(), ignoreContext("a@b.c"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

type recordingFilter struct {
	id    string
	calls *[]string
	apply func(*MessageContext)
}

func (r recordingFilter) ID() string { return r.id }

func (r recordingFilter) Apply(ctx context.Context, m *MessageContext) error {
	*r.calls = append(*r.calls, r.id)
	if r.apply != nil {
		r.apply(m)
	}
	return nil
}

func TestChainStopsOnceIgnored(t *testing.T) {
	var calls []string
	chain := NewChain(
		recordingFilter{id: "first", calls: &calls},
		recordingFilter{id: "ignore", calls: &calls, apply: func(m *MessageContext) { m.Annotate(AnnotationIgnoreMessage, true) }},
		recordingFilter{id: "never", calls: &calls},
	)
	m := &MessageContext{}

	require.NoError(t, chain.Run(context.Background(), m))
	assert.Equal(t, []string{"first", "ignore"}, calls)
}
