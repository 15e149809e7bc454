package postmaster

import (
	"context"

	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/filters"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/parser"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

// Result actions.
const (
	ActionNewTicket   = "new_ticket"
	ActionFollowUp    = "follow_up"
	ActionIgnored     = "ignored"
	ActionDuplicate   = "duplicate"
	ActionSkipped     = "skipped"
	ActionParseFailed = "parse_failed"
)

// Processor orchestrates parsing, threading and persistence of one message.
type Processor interface {
	Process(ctx context.Context, msg *connector.FetchedMessage, meta *filters.MessageContext) (Result, error)
}

// Result tracks what happened to a message.
type Result struct {
	TicketID    int
	FollowUpID  int
	Action      string
	Disposition connector.Disposition
	AutoReply   bool
	Rejected    []parser.Rejection
}

// Service wires connectors, filters, and ticket services together.
type Service struct {
	FilterChain filters.Chain
	Handler     Processor
	// Queue is the queue being polled. When nil the processor loads it
	// from the account snapshot.
	Queue *models.Queue
}

// Handle implements connector.Handler by running the filter chain then
// processor. Errors leave the message in the mailbox.
func (s Service) Handle(ctx context.Context, msg *connector.FetchedMessage) (connector.Disposition, error) {
	ctxMsg := &filters.MessageContext{
		Account:     msg.AccountSnapshot(),
		Queue:       s.Queue,
		Message:     msg,
		Annotations: map[string]any{},
	}
	if err := s.FilterChain.Run(ctx, ctxMsg); err != nil {
		return connector.DispositionKeep, err
	}
	res, err := s.Handler.Process(ctx, msg, ctxMsg)
	if err != nil {
		return connector.DispositionKeep, err
	}
	return res.Disposition, nil
}
