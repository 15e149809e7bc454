package webhook

import (
	"time"

	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

// Event names the reason a webhook was sent. It is echoed in the
// X-Webhook-Event header.
type Event string

const (
	EventTicketCreated   Event = "ticket.created"
	EventFollowUpCreated Event = "followup.created"
)

// TicketPayload is the serialized ticket, including its follow-up history.
type TicketPayload struct {
	ID             int               `json:"id"`
	Queue          int               `json:"queue"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Resolution     string            `json:"resolution"`
	SubmitterEmail string            `json:"submitter_email"`
	AssignedTo     *int              `json:"assigned_to"`
	Status         int               `json:"status"`
	OnHold         bool              `json:"on_hold"`
	Priority       int               `json:"priority"`
	DueDate        *time.Time        `json:"due_date"`
	MergedTo       *int              `json:"merged_to"`
	FollowUpSet    []FollowUpPayload `json:"followup_set"`
}

// FollowUpPayload is one entry of TicketPayload.FollowUpSet.
type FollowUpPayload struct {
	ID          int                 `json:"id"`
	Ticket      int                 `json:"ticket"`
	Date        time.Time           `json:"date"`
	Title       string              `json:"title"`
	Comment     string              `json:"comment"`
	CommentHTML string              `json:"comment_html"`
	Public      bool                `json:"public"`
	NewStatus   *int                `json:"new_status"`
	MessageID   string              `json:"message_id"`
	Attachments []AttachmentPayload `json:"attachments"`
}

// AttachmentPayload describes a stored attachment. File content is never sent.
type AttachmentPayload struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// TicketCreatedPayload is the body posted to new-ticket URLs.
type TicketCreatedPayload struct {
	Ticket    TicketPayload `json:"ticket"`
	QueueSlug string        `json:"queue_slug"`
}

// FollowUpCreatedPayload is the body posted to follow-up URLs.
type FollowUpCreatedPayload struct {
	Ticket     TicketPayload `json:"ticket"`
	QueueSlug  string        `json:"queue_slug"`
	FollowUpID int           `json:"followup_id"`
}

// Delivery records the outcome of a single POST.
type Delivery struct {
	ID         string        `json:"id"`
	URL        string        `json:"url"`
	Event      Event         `json:"event"`
	StatusCode int           `json:"status_code,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// Success reports whether the endpoint answered with a 2xx status.
func (d Delivery) Success() bool {
	return d.Err == nil && d.StatusCode >= 200 && d.StatusCode < 300
}

// BuildTicketPayload converts stored rows into the wire representation.
// attachments is keyed by follow-up ID. render turns a markdown comment into
// HTML and may be nil.
func BuildTicketPayload(t *models.Ticket, followUps []*models.FollowUp, attachments map[int][]*models.Attachment, render func(string) string) TicketPayload {
	p := TicketPayload{
		ID:             t.ID,
		Queue:          t.QueueID,
		Title:          t.Title,
		Description:    t.Description,
		Resolution:     t.Resolution,
		SubmitterEmail: t.SubmitterEmail,
		AssignedTo:     t.AssignedTo,
		Status:         int(t.Status),
		OnHold:         t.OnHold,
		Priority:       t.Priority,
		DueDate:        t.DueDate,
		MergedTo:       t.MergedToID,
		FollowUpSet:    make([]FollowUpPayload, 0, len(followUps)),
	}
	for _, f := range followUps {
		fp := FollowUpPayload{
			ID:          f.ID,
			Ticket:      f.TicketID,
			Date:        f.Date,
			Title:       f.Title,
			Comment:     f.Comment,
			Public:      f.Public,
			MessageID:   f.MessageID,
			Attachments: []AttachmentPayload{},
		}
		if render != nil {
			fp.CommentHTML = render(f.Comment)
		}
		if f.NewStatus != nil {
			s := int(*f.NewStatus)
			fp.NewStatus = &s
		}
		for _, a := range attachments[f.ID] {
			fp.Attachments = append(fp.Attachments, AttachmentPayload{
				ID:       a.ID,
				Filename: a.Filename,
				MimeType: a.MimeType,
				Size:     a.Size,
			})
		}
		p.FollowUpSet = append(p.FollowUpSet, fp)
	}
	return p
}
