package models

import (
	"fmt"
	"time"
)

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus int

const (
	StatusOpen      TicketStatus = 1
	StatusReopened  TicketStatus = 2
	StatusResolved  TicketStatus = 3
	StatusClosed    TicketStatus = 4
	StatusDuplicate TicketStatus = 5
)

// String returns the display name of the status.
func (s TicketStatus) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusReopened:
		return "Reopened"
	case StatusResolved:
		return "Resolved"
	case StatusClosed:
		return "Closed"
	case StatusDuplicate:
		return "Duplicate"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Ticket priorities, 1 is most urgent.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
	PriorityVeryLow  = 5
)

// Ticket represents a support request inside a queue.
type Ticket struct {
	ID             int          `json:"id" db:"id"`
	QueueID        int          `json:"queue" db:"queue_id"`
	Title          string       `json:"title" db:"title"`
	Description    string       `json:"description" db:"description"`
	Resolution     string       `json:"resolution" db:"resolution"`
	SubmitterEmail string       `json:"submitter_email" db:"submitter_email"`
	AssignedTo     *int         `json:"assigned_to" db:"assigned_to_id"`
	Status         TicketStatus `json:"status" db:"status"`
	OnHold         bool         `json:"on_hold" db:"on_hold"`
	Priority       int          `json:"priority" db:"priority"`
	DueDate        *time.Time   `json:"due_date" db:"due_date"`
	MergedToID     *int         `json:"merged_to" db:"merged_to_id"`
	Created        time.Time    `json:"created" db:"created"`
	Modified       time.Time    `json:"modified" db:"modified"`
}

// IsClosed reports whether the ticket is in the closed state.
func (t *Ticket) IsClosed() bool {
	return t != nil && t.Status == StatusClosed
}

// IsMerged reports whether the ticket has been merged into another ticket.
func (t *Ticket) IsMerged() bool {
	return t != nil && t.MergedToID != nil && *t.MergedToID > 0 && *t.MergedToID != t.ID
}

// FollowUp is an update event on a ticket: a comment, a status change, or both.
type FollowUp struct {
	ID        int           `json:"id" db:"id"`
	TicketID  int           `json:"ticket" db:"ticket_id"`
	Date      time.Time     `json:"date" db:"date"`
	Title     string        `json:"title" db:"title"`
	Comment   string        `json:"comment" db:"comment"`
	Public    bool          `json:"public" db:"public"`
	NewStatus *TicketStatus `json:"new_status" db:"new_status"`
	MessageID string        `json:"message_id" db:"message_id"`
}

// Attachment is a file stored against a follow-up.
type Attachment struct {
	ID         int       `json:"id" db:"id"`
	FollowUpID int       `json:"followup" db:"followup_id"`
	Filename   string    `json:"filename" db:"filename"`
	MimeType   string    `json:"mime_type" db:"mime_type"`
	Size       int64     `json:"size" db:"size"`
	Location   string    `json:"-" db:"location"`
	Checksum   string    `json:"checksum" db:"checksum"`
	Created    time.Time `json:"created" db:"created"`
}

// TicketChange records a single field transition made by a follow-up.
type TicketChange struct {
	ID         int    `json:"id" db:"id"`
	FollowUpID int    `json:"followup" db:"followup_id"`
	Field      string `json:"field" db:"field"`
	OldValue   string `json:"old_value" db:"old_value"`
	NewValue   string `json:"new_value" db:"new_value"`
}

// TicketCC subscribes an address to updates of a ticket.
type TicketCC struct {
	ID       int    `json:"id" db:"id"`
	TicketID int    `json:"ticket" db:"ticket_id"`
	Email    string `json:"email" db:"email"`
}

// StatusPtr returns a pointer to a copy of s.
func StatusPtr(s TicketStatus) *TicketStatus {
	return &s
}
