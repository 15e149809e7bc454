// Package repository persists queues, tickets and follow-ups for the mail importer.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/gotrs-io/gotrs-helpdesk/internal/config"
	"github.com/gotrs-io/gotrs-helpdesk/internal/database"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("repository: not found")

// Store is the persistence surface used by ingestion. Implementations must
// make InTx atomic: either every write made through the Store passed to fn is
// kept, or none is.
type Store interface {
	// ListMailQueues returns queues that accept e-mail submission and have a mailbox type.
	ListMailQueues(ctx context.Context) ([]*models.Queue, error)
	GetQueue(ctx context.Context, id int) (*models.Queue, error)
	UpdateQueueLastCheck(ctx context.Context, queueID int, at time.Time) error

	// IgnoreRulesForQueue returns rules scoped to every queue or to queueID.
	IgnoreRulesForQueue(ctx context.Context, queueID int) ([]*models.IgnoreEmail, error)

	GetTicket(ctx context.Context, id int) (*models.Ticket, error)
	CreateTicket(ctx context.Context, ticket *models.Ticket) error
	UpdateTicketStatus(ctx context.Context, ticketID int, status models.TicketStatus) error

	// FindFollowUpByMessageID returns ErrNotFound when no follow-up carries messageID.
	FindFollowUpByMessageID(ctx context.Context, messageID string) (*models.FollowUp, error)
	CreateFollowUp(ctx context.Context, followUp *models.FollowUp) error
	ListFollowUps(ctx context.Context, ticketID int) ([]*models.FollowUp, error)

	CreateAttachment(ctx context.Context, attachment *models.Attachment) error
	ListAttachments(ctx context.Context, followUpID int) ([]*models.Attachment, error)

	CreateTicketChange(ctx context.Context, change *models.TicketChange) error
	// AddTicketCC is a no-op when the address is already subscribed.
	AddTicketCC(ctx context.Context, cc *models.TicketCC) error

	InTx(ctx context.Context, fn func(Store) error) error
}

// Open returns the store selected by cfg.Driver together with a closer for
// the underlying connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, func() error, error) {
	if database.NormalizeDriver(cfg.Driver) == database.DriverMemory {
		return NewMemoryStore(), func() error { return nil }, nil
	}
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewSQLStore(db), db.Close, nil
}
