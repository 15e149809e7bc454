// Package webhook posts ticket snapshots to external HTTP endpoints after
// the mail importer persists a ticket or follow-up.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gotrs-io/gotrs-helpdesk/internal/config"
	"github.com/gotrs-io/gotrs-helpdesk/internal/markdown"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

const (
	defaultTimeout   = 3 * time.Second
	defaultUserAgent = "GOTRS-Helpdesk-Webhook/1.0"
	maxResponseBody  = 4096
)

// TicketReader loads the rows a ticket snapshot is built from.
type TicketReader interface {
	GetTicket(ctx context.Context, id int) (*models.Ticket, error)
	ListFollowUps(ctx context.Context, ticketID int) ([]*models.FollowUp, error)
	ListAttachments(ctx context.Context, followUpID int) ([]*models.Attachment, error)
}

// Notifier delivers ticket events synchronously. Failures are logged and
// reported in the returned deliveries, never retried.
type Notifier struct {
	source        TicketReader
	newTicketURLs []string
	followUpURLs  []string
	timeout       time.Duration
	userAgent     string
	client        *http.Client
	renderer      *markdown.Renderer
	logger        logrus.FieldLogger
	newID         func() string
}

// Option customizes a Notifier.
type Option func(*Notifier)

// NewNotifier returns a notifier reading snapshots from source.
func NewNotifier(source TicketReader, opts ...Option) *Notifier {
	n := &Notifier{
		source:    source,
		timeout:   defaultTimeout,
		userAgent: defaultUserAgent,
		renderer:  markdown.NewRenderer(nil),
		logger:    logrus.StandardLogger(),
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if n.client == nil {
		n.client = &http.Client{}
	}
	return n
}

// FromConfig builds a notifier from the webhooks config section.
func FromConfig(cfg config.WebhooksConfig, source TicketReader, opts ...Option) *Notifier {
	base := []Option{
		WithNewTicketURLs(cfg.NewTicketURLs...),
		WithFollowUpURLs(cfg.FollowUpURLs...),
		WithTimeout(cfg.TimeoutDuration()),
		WithUserAgent(cfg.UserAgent),
	}
	return NewNotifier(source, append(base, opts...)...)
}

// WithNewTicketURLs sets the endpoints notified about new tickets.
func WithNewTicketURLs(urls ...string) Option {
	return func(n *Notifier) { n.newTicketURLs = cleanURLs(urls) }
}

// WithFollowUpURLs sets the endpoints notified about new follow-ups.
func WithFollowUpURLs(urls ...string) Option {
	return func(n *Notifier) { n.followUpURLs = cleanURLs(urls) }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(n *Notifier) {
		if strings.TrimSpace(ua) != "" {
			n.userAgent = ua
		}
	}
}

// WithHTTPClient swaps the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithRenderer sets the markdown renderer used for comment_html.
func WithRenderer(r *markdown.Renderer) Option {
	return func(n *Notifier) {
		if r != nil {
			n.renderer = r
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// Enabled reports whether any endpoint is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && (len(n.newTicketURLs) > 0 || len(n.followUpURLs) > 0)
}

// TicketCreated posts the ticket snapshot to every new-ticket URL.
func (n *Notifier) TicketCreated(ctx context.Context, ticketID int, queueSlug string) []Delivery {
	if n == nil || len(n.newTicketURLs) == 0 {
		return nil
	}
	snapshot, err := n.snapshot(ctx, ticketID)
	if err != nil {
		n.logger.WithError(err).WithField("ticket_id", ticketID).Error("webhook: cannot serialize ticket")
		return nil
	}
	payload := TicketCreatedPayload{Ticket: snapshot, QueueSlug: queueSlug}
	return n.broadcast(ctx, EventTicketCreated, n.newTicketURLs, payload)
}

// FollowUpCreated posts the ticket snapshot and the follow-up id to every
// follow-up URL.
func (n *Notifier) FollowUpCreated(ctx context.Context, ticketID, followUpID int, queueSlug string) []Delivery {
	if n == nil || len(n.followUpURLs) == 0 {
		return nil
	}
	snapshot, err := n.snapshot(ctx, ticketID)
	if err != nil {
		n.logger.WithError(err).WithField("ticket_id", ticketID).Error("webhook: cannot serialize ticket")
		return nil
	}
	payload := FollowUpCreatedPayload{Ticket: snapshot, QueueSlug: queueSlug, FollowUpID: followUpID}
	return n.broadcast(ctx, EventFollowUpCreated, n.followUpURLs, payload)
}

func (n *Notifier) snapshot(ctx context.Context, ticketID int) (TicketPayload, error) {
	t, err := n.source.GetTicket(ctx, ticketID)
	if err != nil {
		return TicketPayload{}, fmt.Errorf("load ticket %d: %w", ticketID, err)
	}
	followUps, err := n.source.ListFollowUps(ctx, ticketID)
	if err != nil {
		return TicketPayload{}, fmt.Errorf("load follow-ups: %w", err)
	}
	attachments := make(map[int][]*models.Attachment, len(followUps))
	for _, f := range followUps {
		list, err := n.source.ListAttachments(ctx, f.ID)
		if err != nil {
			return TicketPayload{}, fmt.Errorf("load attachments of follow-up %d: %w", f.ID, err)
		}
		attachments[f.ID] = list
	}
	return BuildTicketPayload(t, followUps, attachments, n.renderer.Render), nil
}

func (n *Notifier) broadcast(ctx context.Context, event Event, urls []string, payload any) []Delivery {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.WithError(err).Error("webhook: marshal payload")
		return nil
	}
	deliveries := make([]Delivery, 0, len(urls))
	for _, url := range urls {
		d := n.post(ctx, event, url, body)
		fields := logrus.Fields{
			"event":    event,
			"url":      url,
			"delivery": d.ID,
			"status":   d.StatusCode,
			"duration": d.Duration,
		}
		if d.Success() {
			n.logger.WithFields(fields).Debug("webhook: delivered")
		} else {
			n.logger.WithFields(fields).WithError(d.Err).Warn("webhook: delivery failed")
		}
		deliveries = append(deliveries, d)
	}
	return deliveries
}

func (n *Notifier) post(ctx context.Context, event Event, url string, body []byte) Delivery {
	d := Delivery{ID: n.newID(), URL: url, Event: event}

	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.Err = fmt.Errorf("build request: %w", err)
		return d
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("X-Webhook-Event", string(event))
	req.Header.Set("X-Webhook-Delivery", d.ID)

	start := time.Now()
	resp, err := n.client.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Err = err
		return d
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	d.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.Err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	return d
}

func cleanURLs(urls []string) []string {
	var out []string
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
