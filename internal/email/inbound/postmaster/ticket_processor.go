package postmaster

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/filters"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/parser"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
	"github.com/gotrs-io/gotrs-helpdesk/internal/repository"
	"github.com/gotrs-io/gotrs-helpdesk/internal/storage"
	"github.com/gotrs-io/gotrs-helpdesk/internal/webhook"
)

// Notifier receives ticket events once the transaction has committed.
type Notifier interface {
	TicketCreated(ctx context.Context, ticketID int, queueSlug string) []webhook.Delivery
	FollowUpCreated(ctx context.Context, ticketID, followUpID int, queueSlug string) []webhook.Delivery
}

// TicketProcessor turns parsed messages into tickets and follow-ups.
type TicketProcessor struct {
	store            repository.Store
	parser           *parser.Parser
	resolver         *Resolver
	blobs            storage.Backend
	notifier         Notifier
	metrics          *Metrics
	logger           logrus.FieldLogger
	updateOnly       bool
	fullFirstMessage bool
	now              func() time.Time
}

// TicketProcessorOption customizes TicketProcessor.
type TicketProcessorOption func(*TicketProcessor)

// NewTicketProcessor builds a processor persisting through store.
func NewTicketProcessor(store repository.Store, opts ...TicketProcessorOption) *TicketProcessor {
	tp := &TicketProcessor{
		store:  store,
		logger: logrus.StandardLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(tp)
		}
	}
	if tp.parser == nil {
		tp.parser = parser.New(parser.WithLogger(tp.logger))
	}
	if tp.resolver == nil {
		tp.resolver = NewResolver(store, tp.logger)
	}
	return tp
}

// WithTicketProcessorLogger overrides the logger used for diagnostics.
func WithTicketProcessorLogger(logger logrus.FieldLogger) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		if logger != nil {
			tp.logger = logger
		}
	}
}

// WithTicketProcessorParser sets the message parser.
func WithTicketProcessorParser(p *parser.Parser) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		tp.parser = p
	}
}

// WithTicketProcessorStorage sets where attachment bytes are written.
// Without a backend attachments are dropped with a warning.
func WithTicketProcessorStorage(blobs storage.Backend) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		tp.blobs = blobs
	}
}

// WithTicketProcessorNotifier sets the webhook notifier.
func WithTicketProcessorNotifier(n Notifier) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		tp.notifier = n
	}
}

// WithTicketProcessorMetrics enables Prometheus counters.
func WithTicketProcessorMetrics(m *Metrics) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		tp.metrics = m
	}
}

// WithTicketProcessorUpdateOnly disables ticket creation; only follow-ups
// to existing tickets are recorded.
func WithTicketProcessorUpdateOnly(enabled bool) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		tp.updateOnly = enabled
	}
}

// WithTicketProcessorFullFirstMessage stores the unstripped body on the
// first follow-up of a new ticket.
func WithTicketProcessorFullFirstMessage(enabled bool) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		tp.fullFirstMessage = enabled
	}
}

// WithTicketProcessorClock overrides the wall clock, primarily for tests.
func WithTicketProcessorClock(now func() time.Time) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		if now != nil {
			tp.now = now
		}
	}
}

// Process handles one fetched message. Only infrastructure failures are
// returned as errors; everything else is expressed through the Result.
func (tp *TicketProcessor) Process(ctx context.Context, msg *connector.FetchedMessage, meta *filters.MessageContext) (Result, error) {
	if msg == nil {
		return Result{}, errors.New("nil message")
	}
	queue, err := tp.queueFor(ctx, msg, meta)
	if err != nil {
		return Result{}, err
	}
	log := tp.logger.WithFields(logrus.Fields{"queue": queue.Slug, "uid": msg.UID})

	if annotationBool(meta, filters.AnnotationIgnoreMessage) {
		res := Result{Action: ActionIgnored, Disposition: connector.DispositionDelete}
		if annotationBool(meta, filters.AnnotationKeepInMailbox) {
			res.Disposition = connector.DispositionKeep
		}
		log.WithField("rule", annotationString(meta, filters.AnnotationIgnoreRule)).
			Infof("Ignoring message, %s from mailbox", res.Disposition)
		tp.metrics.observeMessage(queue.Slug, res.Action)
		return res, nil
	}

	parsed, err := tp.parser.Parse(msg.Raw)
	if err != nil {
		log.WithError(err).Error("Cannot parse message, leaving it in the mailbox")
		tp.metrics.observeMessage(queue.Slug, ActionParseFailed)
		return Result{Action: ActionParseFailed, Disposition: connector.DispositionKeep}, nil
	}
	if parsed.MessageID != "" {
		log = log.WithField("message_id", parsed.MessageID)
	}
	res := Result{
		AutoReply: annotationBool(meta, filters.AnnotationAutoReply),
		Rejected:  parsed.Rejected,
	}
	for _, r := range parsed.Rejected {
		log.WithFields(logrus.Fields{"file": r.Filename, "size": r.Size}).Warnf("Attachment rejected: %s", r.Reason)
	}
	tp.metrics.observeRejected(len(parsed.Rejected))

	if parsed.MessageID != "" {
		existing, err := tp.store.FindFollowUpByMessageID(ctx, parsed.MessageID)
		switch {
		case err == nil:
			log.WithField("ticket_id", existing.TicketID).Info("Message already imported")
			res.Action = ActionDuplicate
			res.Disposition = connector.DispositionDelete
			res.TicketID = existing.TicketID
			res.FollowUpID = existing.ID
			tp.metrics.observeMessage(queue.Slug, res.Action)
			return res, nil
		case !errors.Is(err, repository.ErrNotFound):
			return Result{}, fmt.Errorf("dedup lookup: %w", err)
		}
	}

	resolution, err := tp.resolver.Resolve(ctx, ResolveInput{
		QueueID:   queue.ID,
		QueueSlug: queue.Slug,
		Subject:   parsed.RawSubject,
		ThreadIDs: parsed.ThreadIDs(),
		TicketID:  annotationInt(meta, filters.AnnotationFollowUpTicketID),
	})
	if err != nil {
		return Result{}, fmt.Errorf("resolve ticket: %w", err)
	}
	if resolution.IsNew() && tp.updateOnly {
		log.Info("Update-only mode, leaving message for a new ticket in the mailbox")
		res.Action = ActionSkipped
		res.Disposition = connector.DispositionKeep
		tp.metrics.observeMessage(queue.Slug, res.Action)
		return res, nil
	}

	out, err := tp.persist(ctx, queue, parsed, resolution)
	if err != nil {
		return Result{}, fmt.Errorf("persist message: %w", err)
	}
	log.Infof("[%s-%d] %s", queue.Slug, out.ticket.ID, out.ticket.Title)
	if res.AutoReply {
		log.Info("Message seems to be auto-reply")
	}

	tp.notify(ctx, queue, out)

	res.TicketID = out.ticket.ID
	res.FollowUpID = out.followUp.ID
	res.Disposition = connector.DispositionDelete
	res.Action = ActionFollowUp
	if out.isNew {
		res.Action = ActionNewTicket
	}
	tp.metrics.observeMessage(queue.Slug, res.Action)
	return res, nil
}

type persisted struct {
	ticket      *models.Ticket
	followUp    *models.FollowUp
	attachments []*models.Attachment
	isNew       bool
	reopened    bool
}

func (tp *TicketProcessor) persist(ctx context.Context, queue *models.Queue, msg *parser.Message, res Resolution) (*persisted, error) {
	now := tp.now()
	var (
		out    *persisted
		stored []*storage.Reference
	)
	err := tp.store.InTx(ctx, func(tx repository.Store) error {
		out = &persisted{}
		ticket := res.Ticket
		if ticket == nil {
			ticket = &models.Ticket{
				QueueID:        queue.ID,
				Title:          msg.Subject,
				Description:    msg.Body,
				SubmitterEmail: msg.From,
				Status:         models.StatusOpen,
				Priority:       msg.Priority,
				Created:        now,
			}
			if err := tx.CreateTicket(ctx, ticket); err != nil {
				return fmt.Errorf("create ticket: %w", err)
			}
			out.isNew = true
		} else if ticket.IsClosed() {
			if err := tx.UpdateTicketStatus(ctx, ticket.ID, models.StatusReopened); err != nil {
				return fmt.Errorf("reopen ticket %d: %w", ticket.ID, err)
			}
			ticket.Status = models.StatusReopened
			out.reopened = true
		}
		out.ticket = ticket

		comment := msg.Body
		if out.isNew && tp.fullFirstMessage && msg.FullBody != "" {
			comment = msg.FullBody
		}
		fu := &models.FollowUp{
			TicketID:  ticket.ID,
			Date:      now,
			Title:     fmt.Sprintf("E-Mail Received from %s", msg.From),
			Comment:   comment,
			Public:    true,
			MessageID: msg.MessageID,
		}
		if ticket.Status == models.StatusReopened {
			fu.NewStatus = models.StatusPtr(models.StatusReopened)
			fu.Title = fmt.Sprintf("Ticket Re-Opened by E-Mail Received from %s", msg.From)
		}
		if err := tx.CreateFollowUp(ctx, fu); err != nil {
			return fmt.Errorf("create follow-up: %w", err)
		}
		out.followUp = fu

		if out.reopened {
			change := &models.TicketChange{
				FollowUpID: fu.ID,
				Field:      "Status",
				OldValue:   models.StatusClosed.String(),
				NewValue:   models.StatusReopened.String(),
			}
			if err := tx.CreateTicketChange(ctx, change); err != nil {
				return fmt.Errorf("record status change: %w", err)
			}
		}

		for _, att := range msg.Attachments {
			a, ref, err := tp.storeAttachment(ctx, tx, fu.ID, att, now)
			if ref != nil {
				stored = append(stored, ref)
			}
			if err != nil {
				return err
			}
			if a != nil {
				out.attachments = append(out.attachments, a)
			}
		}

		for _, addr := range msg.Recipients() {
			addr = strings.TrimSpace(addr)
			if addr == "" || strings.EqualFold(addr, queue.EmailAddress) {
				continue
			}
			if err := tx.AddTicketCC(ctx, &models.TicketCC{TicketID: ticket.ID, Email: addr}); err != nil {
				return fmt.Errorf("add cc %s: %w", addr, err)
			}
		}
		return nil
	})
	if err != nil {
		tp.discardBlobs(stored)
		return nil, err
	}
	return out, nil
}

func (tp *TicketProcessor) storeAttachment(ctx context.Context, tx repository.Store, followUpID int, att parser.Attachment, now time.Time) (*models.Attachment, *storage.Reference, error) {
	if tp.blobs == nil {
		tp.logger.WithField("file", att.Filename).Warn("No attachment storage configured, dropping attachment")
		return nil, nil, nil
	}
	ref, err := tp.blobs.Store(ctx, followUpID, &storage.Content{
		FileName:    att.Filename,
		ContentType: att.ContentType,
		Data:        att.Data,
		CreatedTime: now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("store attachment %s: %w", att.Filename, err)
	}
	a := &models.Attachment{
		FollowUpID: followUpID,
		Filename:   att.Filename,
		MimeType:   att.ContentType,
		Size:       ref.FileSize,
		Location:   ref.Location,
		Checksum:   ref.Checksum,
		Created:    now,
	}
	if err := tx.CreateAttachment(ctx, a); err != nil {
		return nil, ref, fmt.Errorf("record attachment %s: %w", att.Filename, err)
	}
	tp.logger.WithFields(logrus.Fields{"file": a.Filename, "size": a.Size}).Info("Attachment added to ticket from email")
	return a, ref, nil
}

// discardBlobs removes attachment bytes written by a rolled back transaction.
func (tp *TicketProcessor) discardBlobs(refs []*storage.Reference) {
	for _, ref := range refs {
		if err := tp.blobs.Delete(context.Background(), ref); err != nil {
			tp.logger.WithError(err).WithField("location", ref.Location).Warn("Cannot remove orphaned attachment")
		}
	}
}

func (tp *TicketProcessor) notify(ctx context.Context, queue *models.Queue, out *persisted) {
	if tp.notifier == nil {
		return
	}
	if out.isNew {
		for _, d := range tp.notifier.TicketCreated(ctx, out.ticket.ID, queue.Slug) {
			tp.metrics.observeWebhook(string(d.Event), d.Success())
		}
	}
	for _, d := range tp.notifier.FollowUpCreated(ctx, out.ticket.ID, out.followUp.ID, queue.Slug) {
		tp.metrics.observeWebhook(string(d.Event), d.Success())
	}
}

func (tp *TicketProcessor) queueFor(ctx context.Context, msg *connector.FetchedMessage, meta *filters.MessageContext) (*models.Queue, error) {
	if meta != nil && meta.Queue != nil {
		return meta.Queue, nil
	}
	queueID := msg.AccountSnapshot().QueueID
	if meta != nil && meta.Account.QueueID != 0 {
		queueID = meta.Account.QueueID
	}
	if queueID == 0 {
		return nil, errors.New("message is not bound to a queue")
	}
	q, err := tp.store.GetQueue(ctx, queueID)
	if err != nil {
		return nil, fmt.Errorf("load queue %d: %w", queueID, err)
	}
	return q, nil
}

func annotationString(meta *filters.MessageContext, key string) string {
	if meta == nil || meta.Annotations == nil {
		return ""
	}
	if raw, ok := meta.Annotations[key]; ok {
		switch v := raw.(type) {
		case string:
			return strings.TrimSpace(v)
		case fmt.Stringer:
			return strings.TrimSpace(v.String())
		case []byte:
			return strings.TrimSpace(string(v))
		default:
			return strings.TrimSpace(fmt.Sprint(v))
		}
	}
	return ""
}

func annotationInt(meta *filters.MessageContext, key string) int {
	if meta == nil || meta.Annotations == nil {
		return 0
	}
	raw, ok := meta.Annotations[key]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return 0
}

func annotationBool(meta *filters.MessageContext, key string) bool {
	if meta == nil || meta.Annotations == nil {
		return false
	}
	raw, ok := meta.Annotations[key]
	if !ok {
		return false
	}
	switch v := raw.(type) {
	case bool:
		return v
	case int:
		return v != 0
	case string:
		value := strings.TrimSpace(strings.ToLower(v))
		return value == "1" || value == "true" || value == "yes" || value == "y"
	default:
		return false
	}
}
