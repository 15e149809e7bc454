package postmaster

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/filters"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
	"github.com/gotrs-io/gotrs-helpdesk/internal/repository"
)

// maxMergeHops bounds how far a merged_to chain is followed.
const maxMergeHops = 10

// Resolution sources.
const (
	SourceNone    = ""
	SourceSubject = "subject"
	SourceHeader  = "header"
)

type ticketLookup interface {
	GetTicket(ctx context.Context, id int) (*models.Ticket, error)
	FindFollowUpByMessageID(ctx context.Context, messageID string) (*models.FollowUp, error)
}

// ResolveInput carries the message fields used for threading.
type ResolveInput struct {
	// QueueID, when set, is the queue a marked ticket must belong to.
	QueueID   int
	QueueSlug string
	Subject   string
	// ThreadIDs lists In-Reply-To first, then References newest to oldest.
	ThreadIDs []string
	// TicketID is a tracking id already extracted by a filter. Zero means
	// the subject is scanned.
	TicketID int
}

// Resolution is the ticket an inbound message belongs to. A nil Ticket
// means a new ticket has to be opened.
type Resolution struct {
	Ticket     *models.Ticket
	Source     string
	MergedFrom []int
}

// IsNew reports whether no existing ticket matched.
func (r Resolution) IsNew() bool { return r.Ticket == nil }

// Resolver maps a message onto an existing ticket.
type Resolver struct {
	store  ticketLookup
	logger logrus.FieldLogger
}

// NewResolver builds a resolver backed by store.
func NewResolver(store ticketLookup, logger logrus.FieldLogger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve checks the subject tracking marker first, then the thread
// headers. Markers naming a missing ticket, or a ticket of another queue,
// are ignored.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (Resolution, error) {
	id := in.TicketID
	if id <= 0 {
		id, _ = filters.FindTrackingID(in.QueueSlug, in.Subject)
	}
	if id > 0 {
		t, err := r.store.GetTicket(ctx, id)
		switch {
		case err == nil && in.QueueID > 0 && t.QueueID != in.QueueID:
			r.logf("Tracking ID %s-%d belongs to queue %d", in.QueueSlug, id, t.QueueID)
		case err == nil:
			r.logf("Matched tracking ID %s-%d", in.QueueSlug, id)
			return r.followMerges(ctx, Resolution{Ticket: t, Source: SourceSubject})
		case errors.Is(err, repository.ErrNotFound):
			r.logf("Tracking ID %s-%d does not exist", in.QueueSlug, id)
		default:
			return Resolution{}, fmt.Errorf("lookup ticket %d: %w", id, err)
		}
	}

	for _, mid := range in.ThreadIDs {
		fu, err := r.store.FindFollowUpByMessageID(ctx, mid)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return Resolution{}, fmt.Errorf("lookup message %s: %w", mid, err)
		}
		t, err := r.store.GetTicket(ctx, fu.TicketID)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return Resolution{}, fmt.Errorf("lookup ticket %d: %w", fu.TicketID, err)
		}
		r.logf("Matched %s to ticket %d", mid, t.ID)
		return r.followMerges(ctx, Resolution{Ticket: t, Source: SourceHeader})
	}

	r.logf("No tracking ID matched.")
	return Resolution{}, nil
}

func (r *Resolver) followMerges(ctx context.Context, res Resolution) (Resolution, error) {
	for hops := 0; res.Ticket.IsMerged(); hops++ {
		if hops == maxMergeHops {
			if r.logger != nil {
				r.logger.WithField("ticket_id", res.Ticket.ID).Warn("merge chain too long, stopping")
			}
			break
		}
		target, err := r.store.GetTicket(ctx, *res.Ticket.MergedToID)
		if errors.Is(err, repository.ErrNotFound) {
			break
		}
		if err != nil {
			return Resolution{}, fmt.Errorf("follow merge of ticket %d: %w", res.Ticket.ID, err)
		}
		r.logf("Ticket %d has been merged to %d", res.Ticket.ID, target.ID)
		res.MergedFrom = append(res.MergedFrom, res.Ticket.ID)
		res.Ticket = target
	}
	return res, nil
}

func (r *Resolver) logf(format string, args ...any) {
	if r == nil || r.logger == nil {
		return
	}
	r.logger.Infof(format, args...)
}
