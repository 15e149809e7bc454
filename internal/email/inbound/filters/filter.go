package filters

import (
	"bufio"
	"bytes"
	"context"
	"errors"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

// MessageContext is the mutable envelope filters operate on.
type MessageContext struct {
	Account     connector.Account
	Queue       *models.Queue
	Message     *connector.FetchedMessage
	Annotations map[string]any

	header    *gomail.Header
	headerErr error
}

// Header parses the message header once and caches the result for the
// remaining filters.
func (m *MessageContext) Header() (*gomail.Header, error) {
	if m.header != nil || m.headerErr != nil {
		return m.header, m.headerErr
	}
	if m.Message == nil || len(m.Message.Raw) == 0 {
		m.headerErr = errors.New("message has no content")
		return nil, m.headerErr
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(m.Message.Raw)))
	if err != nil {
		m.headerErr = err
		return nil, err
	}
	m.header = &gomail.Header{Header: gomessage.Header{Header: h}}
	return m.header, nil
}

// Annotate stores a value, allocating the map on first use.
func (m *MessageContext) Annotate(key string, value any) {
	if m.Annotations == nil {
		m.Annotations = make(map[string]any)
	}
	m.Annotations[key] = value
}

// Ignored reports whether an earlier filter dropped the message.
func (m *MessageContext) Ignored() bool {
	v, ok := m.Annotations[AnnotationIgnoreMessage].(bool)
	return ok && v
}

// Filter mutates a message before it hits PostMaster.
type Filter interface {
	ID() string
	Apply(ctx context.Context, m *MessageContext) error
}

// Chain executes filters in order, short-circuiting on error or once a
// filter marks the message as ignored.
type Chain struct {
	filters []Filter
}

// NewChain returns a filter chain that runs the provided filters sequentially.
func NewChain(fs ...Filter) Chain {
	return Chain{filters: fs}
}

// Run executes the chain.
func (c Chain) Run(ctx context.Context, m *MessageContext) error {
	for _, f := range c.filters {
		if err := f.Apply(ctx, m); err != nil {
			return err
		}
		if m.Ignored() {
			return nil
		}
	}
	return nil
}
