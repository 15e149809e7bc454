package postmaster

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/filters"
	"github.com/gotrs-io/gotrs-helpdesk/internal/email/inbound/parser"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
	"github.com/gotrs-io/gotrs-helpdesk/internal/repository"
	"github.com/gotrs-io/gotrs-helpdesk/internal/storage"
	"github.com/gotrs-io/gotrs-helpdesk/internal/webhook"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type event struct {
	name       string
	ticketID   int
	followUpID int
	slug       string
}

type recordingNotifier struct {
	events []event
}

func (r *recordingNotifier) TicketCreated(_ context.Context, ticketID int, slug string) []webhook.Delivery {
	r.events = append(r.events, event{name: "ticket", ticketID: ticketID, slug: slug})
	return []webhook.Delivery{{Event: webhook.EventTicketCreated, StatusCode: 200}}
}

func (r *recordingNotifier) FollowUpCreated(_ context.Context, ticketID, followUpID int, slug string) []webhook.Delivery {
	r.events = append(r.events, event{name: "followup", ticketID: ticketID, followUpID: followUpID, slug: slug})
	return []webhook.Delivery{{Event: webhook.EventFollowUpCreated, StatusCode: 500}}
}

type fixture struct {
	store    *repository.MemoryStore
	blobs    *storage.MemoryBackend
	notifier *recordingNotifier
	queue    *models.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	store.SetClock(func() time.Time { return fixedNow })
	queue := &models.Queue{Title: "Support", Slug: "support", EmailAddress: "support@example.com", AllowEmailSubmission: true, EmailBoxType: "imap"}
	store.SaveQueue(queue)
	return &fixture{store: store, blobs: storage.NewMemoryBackend(), notifier: &recordingNotifier{}, queue: queue}
}

func (f *fixture) processor(opts ...TicketProcessorOption) *TicketProcessor {
	base := []TicketProcessorOption{
		WithTicketProcessorStorage(f.blobs),
		WithTicketProcessorNotifier(f.notifier),
		WithTicketProcessorClock(func() time.Time { return fixedNow }),
	}
	return NewTicketProcessor(f.store, append(base, opts...)...)
}

func (f *fixture) process(t *testing.T, tp *TicketProcessor, raw string, annotations map[string]any) Result {
	t.Helper()
	msg := &connector.FetchedMessage{Raw: []byte(raw)}
	msg.WithAccount(connector.Account{QueueID: f.queue.ID, QueueSlug: f.queue.Slug})
	meta := &filters.MessageContext{Account: msg.AccountSnapshot(), Queue: f.queue, Message: msg, Annotations: annotations}
	res, err := tp.Process(context.Background(), msg, meta)
	require.NoError(t, err)
	return res
}

func mail(headers, body string) string {
	return strings.ReplaceAll(headers, "\n", "\r\n") + "\r\n" + body
}

func TestProcessCreatesTicketFromNewMessage(t *testing.T) {
	f := newFixture(t)
	raw := mail("From: Jane <jane@example.com>\nTo: support@example.com, boss@example.com\nCc: team@example.com\nSubject: Re: Printer on fire\nMessage-ID: <m1@example.com>\nImportance: High\n",
		"The printer is on fire.\r\n\r\n-- \r\nJane")

	res := f.process(t, f.processor(), raw, nil)

	assert.Equal(t, ActionNewTicket, res.Action)
	assert.Equal(t, connector.DispositionDelete, res.Disposition)
	ticket, err := f.store.GetTicket(context.Background(), res.TicketID)
	require.NoError(t, err)
	assert.Equal(t, "Printer on fire", ticket.Title)
	assert.Equal(t, "jane@example.com", ticket.SubmitterEmail)
	assert.Equal(t, "The printer is on fire.", ticket.Description)
	assert.Equal(t, models.PriorityHigh, ticket.Priority)
	assert.Equal(t, models.StatusOpen, ticket.Status)
	assert.Equal(t, f.queue.ID, ticket.QueueID)

	fus, err := f.store.ListFollowUps(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.Len(t, fus, 1)
	assert.Equal(t, res.FollowUpID, fus[0].ID)
	assert.Equal(t, "E-Mail Received from jane@example.com", fus[0].Title)
	assert.Equal(t, "m1@example.com", fus[0].MessageID)
	assert.True(t, fus[0].Public)
	assert.Nil(t, fus[0].NewStatus)

	assert.ElementsMatch(t, []string{"boss@example.com", "team@example.com"}, f.store.TicketCCs(ticket.ID))

	assert.Equal(t, []event{
		{name: "ticket", ticketID: ticket.ID, slug: "support"},
		{name: "followup", ticketID: ticket.ID, followUpID: res.FollowUpID, slug: "support"},
	}, f.notifier.events)
}

func TestProcessFullFirstMessageKeepsQuotedText(t *testing.T) {
	f := newFixture(t)
	raw := mail("From: jane@example.com\nSubject: Question\n", "New text\r\n\r\nOn Mon, Bob wrote:\r\n> old text")

	res := f.process(t, f.processor(WithTicketProcessorFullFirstMessage(true)), raw, nil)

	fus, err := f.store.ListFollowUps(context.Background(), res.TicketID)
	require.NoError(t, err)
	require.Len(t, fus, 1)
	assert.Contains(t, fus[0].Comment, "> old text")
	ticket, _ := f.store.GetTicket(context.Background(), res.TicketID)
	assert.Equal(t, "New text", ticket.Description)
}

func TestProcessFollowUpBySubjectMarker(t *testing.T) {
	f := newFixture(t)
	existing := &models.Ticket{QueueID: f.queue.ID, Title: "Printer", Status: models.StatusOpen, Priority: 3}
	f.store.PutTicket(existing)

	raw := mail("From: jane@example.com\nSubject: Re: [support-"+strconv.Itoa(existing.ID)+"] Printer\nMessage-ID: <m2@example.com>\n", "Still burning")
	res := f.process(t, f.processor(), raw, nil)

	assert.Equal(t, ActionFollowUp, res.Action)
	assert.Equal(t, existing.ID, res.TicketID)
	assert.Equal(t, []event{{name: "followup", ticketID: existing.ID, followUpID: res.FollowUpID, slug: "support"}}, f.notifier.events)
	assert.Len(t, f.store.Tickets(), 1)
}

func TestProcessUsesFilterAnnotation(t *testing.T) {
	f := newFixture(t)
	existing := &models.Ticket{QueueID: f.queue.ID, Title: "Printer", Status: models.StatusOpen}
	f.store.PutTicket(existing)

	raw := mail("From: jane@example.com\nSubject: no marker here\n", "body")
	res := f.process(t, f.processor(), raw, map[string]any{filters.AnnotationFollowUpTicketID: existing.ID})

	assert.Equal(t, ActionFollowUp, res.Action)
	assert.Equal(t, existing.ID, res.TicketID)
}

func TestProcessUnknownMarkerOpensNewTicket(t *testing.T) {
	f := newFixture(t)
	raw := mail("From: jane@example.com\nSubject: [support-999] Lost\n", "body")

	res := f.process(t, f.processor(), raw, nil)

	assert.Equal(t, ActionNewTicket, res.Action)
	assert.NotEqual(t, 999, res.TicketID)
}

func TestProcessFollowUpByInReplyTo(t *testing.T) {
	f := newFixture(t)
	existing := &models.Ticket{QueueID: f.queue.ID, Title: "Printer", Status: models.StatusOpen}
	f.store.PutTicket(existing)
	f.store.PutFollowUp(&models.FollowUp{TicketID: existing.ID, MessageID: "orig@example.com", Date: fixedNow})

	raw := mail("From: jane@example.com\nSubject: Re: Printer\nIn-Reply-To: <orig@example.com>\n", "Any news?")
	res := f.process(t, f.processor(), raw, nil)

	assert.Equal(t, ActionFollowUp, res.Action)
	assert.Equal(t, existing.ID, res.TicketID)
}

func TestProcessReopensClosedTicket(t *testing.T) {
	f := newFixture(t)
	existing := &models.Ticket{QueueID: f.queue.ID, Title: "Printer", Status: models.StatusClosed}
	f.store.PutTicket(existing)

	raw := mail("From: jane@example.com\nSubject: [support-"+strconv.Itoa(existing.ID)+"] it is back\n", "Broken again")
	res := f.process(t, f.processor(), raw, nil)

	assert.Equal(t, ActionFollowUp, res.Action)
	ticket, _ := f.store.GetTicket(context.Background(), existing.ID)
	assert.Equal(t, models.StatusReopened, ticket.Status)

	fus, _ := f.store.ListFollowUps(context.Background(), existing.ID)
	require.Len(t, fus, 1)
	assert.Equal(t, "Ticket Re-Opened by E-Mail Received from jane@example.com", fus[0].Title)
	require.NotNil(t, fus[0].NewStatus)
	assert.Equal(t, models.StatusReopened, *fus[0].NewStatus)

	changes := f.store.TicketChanges(fus[0].ID)
	require.Len(t, changes, 1)
	assert.Equal(t, "Status", changes[0].Field)
	assert.Equal(t, "Closed", changes[0].OldValue)
	assert.Equal(t, "Reopened", changes[0].NewValue)
}

func TestProcessFollowsMergedTicket(t *testing.T) {
	f := newFixture(t)
	target := &models.Ticket{ID: 20, QueueID: f.queue.ID, Title: "Target", Status: models.StatusOpen}
	f.store.PutTicket(target)
	merged := &models.Ticket{ID: 10, QueueID: f.queue.ID, Title: "Old", Status: models.StatusDuplicate, MergedToID: &target.ID}
	f.store.PutTicket(merged)

	raw := mail("From: jane@example.com\nSubject: [support-10] ping\n", "body")
	res := f.process(t, f.processor(), raw, nil)

	assert.Equal(t, target.ID, res.TicketID)
}

func TestProcessIgnoredMessage(t *testing.T) {
	f := newFixture(t)
	tp := f.processor()
	raw := mail("From: spam@example.com\nSubject: buy\n", "body")

	res := f.process(t, tp, raw, map[string]any{filters.AnnotationIgnoreMessage: true})
	assert.Equal(t, ActionIgnored, res.Action)
	assert.Equal(t, connector.DispositionDelete, res.Disposition)

	res = f.process(t, tp, raw, map[string]any{filters.AnnotationIgnoreMessage: true, filters.AnnotationKeepInMailbox: true})
	assert.Equal(t, connector.DispositionKeep, res.Disposition)

	assert.Empty(t, f.store.Tickets())
	assert.Empty(t, f.notifier.events)
}

func TestProcessDuplicateMessageID(t *testing.T) {
	f := newFixture(t)
	tp := f.processor()
	raw := mail("From: jane@example.com\nSubject: hello\nMessage-ID: <dup@example.com>\n", "body")

	first := f.process(t, tp, raw, nil)
	second := f.process(t, tp, raw, nil)

	assert.Equal(t, ActionNewTicket, first.Action)
	assert.Equal(t, ActionDuplicate, second.Action)
	assert.Equal(t, connector.DispositionDelete, second.Disposition)
	assert.Equal(t, first.TicketID, second.TicketID)
	assert.Len(t, f.store.Tickets(), 1)
}

func TestProcessUpdateOnlySkipsNewTickets(t *testing.T) {
	f := newFixture(t)
	raw := mail("From: jane@example.com\nSubject: hello\n", "body")

	res := f.process(t, f.processor(WithTicketProcessorUpdateOnly(true)), raw, nil)

	assert.Equal(t, ActionSkipped, res.Action)
	assert.Equal(t, connector.DispositionKeep, res.Disposition)
	assert.Empty(t, f.store.Tickets())
}

func TestProcessParseFailureKeepsMessage(t *testing.T) {
	f := newFixture(t)
	res := f.process(t, f.processor(), "   ", nil)

	assert.Equal(t, ActionParseFailed, res.Action)
	assert.Equal(t, connector.DispositionKeep, res.Disposition)
}

func TestProcessStoresAttachmentsAndReportsRejections(t *testing.T) {
	f := newFixture(t)
	raw := mail("From: jane@example.com\nSubject: logs\nMIME-Version: 1.0\nContent-Type: multipart/mixed; boundary=BOUND\n",
		"--BOUND\r\nContent-Type: text/plain\r\n\r\nSee attached\r\n"+
			"--BOUND\r\nContent-Type: text/plain\r\nContent-Disposition: attachment; filename=\"log.txt\"\r\n\r\nline one\r\n"+
			"--BOUND\r\nContent-Type: application/octet-stream\r\nContent-Disposition: attachment; filename=\"tool.exe\"\r\n\r\nMZ\r\n"+
			"--BOUND--\r\n")
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	res := f.process(t, f.processor(WithTicketProcessorMetrics(metrics)), raw, nil)

	assert.Equal(t, ActionNewTicket, res.Action)
	require.Len(t, res.Rejected, 1)
	assert.Contains(t, res.Rejected[0].Filename, "tool.exe")

	atts, err := f.store.ListAttachments(context.Background(), res.FollowUpID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "part-1_log.txt", atts[0].Filename)
	assert.Equal(t, 1, f.blobs.Len())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messages.WithLabelValues("support", ActionNewTicket)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.rejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.webhooks.WithLabelValues("followup.created", "failure")))
}

type failingStore struct {
	*repository.MemoryStore
}

func (s failingStore) InTx(ctx context.Context, fn func(repository.Store) error) error {
	return s.MemoryStore.InTx(ctx, func(tx repository.Store) error {
		if err := fn(failingTx{tx}); err != nil {
			return err
		}
		return nil
	})
}

type failingTx struct {
	repository.Store
}

func (failingTx) AddTicketCC(context.Context, *models.TicketCC) error {
	return errors.New("cc table locked")
}

func TestProcessRollsBackAndRemovesBlobs(t *testing.T) {
	f := newFixture(t)
	raw := mail("From: jane@example.com\nTo: other@example.com\nSubject: logs\nContent-Type: multipart/mixed; boundary=B\n",
		"--B\r\nContent-Type: text/plain\r\n\r\nhi\r\n--B\r\nContent-Type: text/plain\r\nContent-Disposition: attachment; filename=a.txt\r\n\r\ndata\r\n--B--\r\n")
	tp := NewTicketProcessor(failingStore{f.store},
		WithTicketProcessorStorage(f.blobs),
		WithTicketProcessorNotifier(f.notifier),
	)
	msg := &connector.FetchedMessage{Raw: []byte(raw)}
	_, err := tp.Process(context.Background(), msg, &filters.MessageContext{Queue: f.queue})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cc table locked")
	assert.Empty(t, f.store.Tickets())
	assert.Equal(t, 0, f.blobs.Len())
	assert.Empty(t, f.notifier.events)
}

func TestProcessLoadsQueueFromAccount(t *testing.T) {
	f := newFixture(t)
	tp := f.processor()
	msg := &connector.FetchedMessage{Raw: []byte(mail("From: a@example.com\nSubject: x\n", "y"))}
	msg.WithAccount(connector.Account{QueueID: f.queue.ID})

	res, err := tp.Process(context.Background(), msg, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionNewTicket, res.Action)

	_, err = tp.Process(context.Background(), &connector.FetchedMessage{Raw: msg.Raw}, nil)
	assert.Error(t, err)
}

func TestProcessFiresRealWebhooksInOrder(t *testing.T) {
	f := newFixture(t)
	var (
		mu     sync.Mutex
		events []string
		bodies []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		mu.Lock()
		events = append(events, r.Header.Get("X-Webhook-Event"))
		bodies = append(bodies, payload)
		mu.Unlock()
	}))
	defer srv.Close()

	notifier := webhook.NewNotifier(f.store, webhook.WithNewTicketURLs(srv.URL), webhook.WithFollowUpURLs(srv.URL))
	tp := NewTicketProcessor(f.store, WithTicketProcessorNotifier(notifier), WithTicketProcessorParser(parser.New()))

	res := f.process(t, tp, mail("From: jane@example.com\nSubject: Hello\n", "body"), nil)

	require.Equal(t, []string{"ticket.created", "followup.created"}, events)
	assert.Equal(t, "support", bodies[0]["queue_slug"])
	assert.Equal(t, float64(res.FollowUpID), bodies[1]["followup_id"])
}


func TestProcessCommitsWhenWebhookUnreachable(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	deadURL := srv.URL
	srv.Close()

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	notifier := webhook.NewNotifier(f.store,
		webhook.WithNewTicketURLs(deadURL),
		webhook.WithFollowUpURLs(deadURL),
		webhook.WithTimeout(time.Second),
		webhook.WithLogger(quiet),
	)
	tp := NewTicketProcessor(f.store,
		WithTicketProcessorNotifier(notifier),
		WithTicketProcessorLogger(quiet),
		WithTicketProcessorClock(func() time.Time { return fixedNow }),
	)

	first := f.process(t, tp, mail("From: jane@example.com\nSubject: Printer\nMessage-ID: <w1@example.com>\n", "broken"), nil)
	assert.Equal(t, ActionNewTicket, first.Action)
	assert.Equal(t, connector.DispositionDelete, first.Disposition)

	reply := mail("From: jane@example.com\nSubject: Re: [support-"+strconv.Itoa(first.TicketID)+"] Printer\nMessage-ID: <w2@example.com>\n", "still broken")
	second := f.process(t, tp, reply, nil)
	assert.Equal(t, ActionFollowUp, second.Action)
	assert.Equal(t, connector.DispositionDelete, second.Disposition)

	fus, err := f.store.ListFollowUps(context.Background(), first.TicketID)
	require.NoError(t, err)
	require.Len(t, fus, 2)
	assert.Equal(t, second.FollowUpID, fus[1].ID)
	assert.Equal(t, "w2@example.com", fus[1].MessageID)
}

func TestProcessOmitsOversizedAttachment(t *testing.T) {
	f := newFixture(t)
	big := strings.Repeat("x", 64)
	raw := mail("From: jane@example.com\nSubject: dump\nMIME-Version: 1.0\nContent-Type: multipart/mixed; boundary=BOUND\n",
		"--BOUND\r\nContent-Type: text/plain\r\n\r\nCore dump attached\r\n"+
			"--BOUND\r\nContent-Type: text/plain\r\nContent-Disposition: attachment; filename=\"core.txt\"\r\n\r\n"+big+"\r\n"+
			"--BOUND--\r\n")
	p := parser.New(parser.WithPolicy(parser.Policy{MaxSize: 16}))

	res := f.process(t, f.processor(WithTicketProcessorParser(p)), raw, nil)

	assert.Equal(t, ActionNewTicket, res.Action)
	assert.Equal(t, connector.DispositionDelete, res.Disposition)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "part-1_core.txt", res.Rejected[0].Filename)
	assert.Contains(t, res.Rejected[0].Reason, "exceeds")

	fus, err := f.store.ListFollowUps(context.Background(), res.TicketID)
	require.NoError(t, err)
	require.Len(t, fus, 1)
	assert.Equal(t, "Core dump attached", fus[0].Comment)
	atts, err := f.store.ListAttachments(context.Background(), res.FollowUpID)
	require.NoError(t, err)
	assert.Empty(t, atts)
	assert.Equal(t, 0, f.blobs.Len())
}
