package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gotrs-io/gotrs-helpdesk/internal/database"
	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

// SQLStore implements Store over PostgreSQL, MySQL or SQLite through sqlx.
// Queries are written with ? placeholders and rebound per driver.
type SQLStore struct {
	db  *sqlx.DB
	ext sqlx.ExtContext
	tx  *sqlx.Tx
	now func() time.Time
}

// NewSQLStore wraps an open connection.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, ext: db, now: time.Now}
}

const queueColumns = `id, title, slug, COALESCE(email_address, '') AS email_address,
	allow_email_submission, COALESCE(email_box_type, '') AS email_box_type,
	COALESCE(email_box_host, '') AS email_box_host, COALESCE(email_box_port, 0) AS email_box_port,
	email_box_ssl, COALESCE(email_box_user, '') AS email_box_user,
	COALESCE(email_box_pass, '') AS email_box_pass,
	COALESCE(email_box_imap_folder, '') AS email_box_imap_folder,
	COALESCE(email_box_local_dir, '') AS email_box_local_dir,
	COALESCE(email_box_interval, 0) AS email_box_interval, email_box_last_check,
	COALESCE(socks_proxy_type, '') AS socks_proxy_type,
	COALESCE(socks_proxy_host, '') AS socks_proxy_host,
	COALESCE(socks_proxy_port, 0) AS socks_proxy_port,
	COALESCE(logging_type, '') AS logging_type, COALESCE(logging_dir, '') AS logging_dir`

const ticketColumns = `id, queue_id, title, COALESCE(description, '') AS description,
	COALESCE(resolution, '') AS resolution, COALESCE(submitter_email, '') AS submitter_email,
	assigned_to_id, status, on_hold, priority, due_date, merged_to_id, created, modified`

const followUpColumns = `id, ticket_id, date, title, COALESCE(comment, '') AS comment, public,
	new_status, COALESCE(message_id, '') AS message_id`

const attachmentColumns = `id, followup_id, filename, mime_type, size, location,
	COALESCE(checksum, '') AS checksum, created`

const (
	queryListMailQueues = `SELECT ` + queueColumns + ` FROM helpdesk_queue
	WHERE allow_email_submission = ? AND email_box_type IS NOT NULL AND email_box_type <> ''
	ORDER BY id`
	queryGetQueue        = `SELECT ` + queueColumns + ` FROM helpdesk_queue WHERE id = ?`
	queryUpdateLastCheck = `UPDATE helpdesk_queue SET email_box_last_check = ? WHERE id = ?`

	queryIgnoreRules = `SELECT i.id, i.name, i.date, i.email_address, i.keep_in_mailbox
	FROM helpdesk_ignoreemail i
	WHERE NOT EXISTS (SELECT 1 FROM helpdesk_ignoreemail_queues s WHERE s.ignoreemail_id = i.id)
	   OR EXISTS (SELECT 1 FROM helpdesk_ignoreemail_queues s WHERE s.ignoreemail_id = i.id AND s.queue_id = ?)
	ORDER BY i.id`
	queryIgnoreScopes = `SELECT ignoreemail_id, queue_id FROM helpdesk_ignoreemail_queues
	WHERE ignoreemail_id IN (?) ORDER BY ignoreemail_id, queue_id`

	queryGetTicket    = `SELECT ` + ticketColumns + ` FROM helpdesk_ticket WHERE id = ?`
	queryInsertTicket = `INSERT INTO helpdesk_ticket
	(queue_id, title, description, resolution, submitter_email, assigned_to_id, status, on_hold,
	 priority, due_date, merged_to_id, created, modified)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	queryUpdateTicketStatus = `UPDATE helpdesk_ticket SET status = ?, modified = ? WHERE id = ?`

	queryFollowUpByMessageID = `SELECT ` + followUpColumns + ` FROM helpdesk_followup
	WHERE message_id = ? ORDER BY id LIMIT 1`
	queryInsertFollowUp = `INSERT INTO helpdesk_followup
	(ticket_id, date, title, comment, public, new_status, message_id)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	queryListFollowUps = `SELECT ` + followUpColumns + ` FROM helpdesk_followup
	WHERE ticket_id = ? ORDER BY date, id`

	queryInsertAttachment = `INSERT INTO helpdesk_followupattachment
	(followup_id, filename, mime_type, size, location, checksum, created)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	queryListAttachments = `SELECT ` + attachmentColumns + ` FROM helpdesk_followupattachment
	WHERE followup_id = ? ORDER BY id`

	queryInsertTicketChange = `INSERT INTO helpdesk_ticketchange
	(followup_id, field, old_value, new_value) VALUES (?, ?, ?, ?)`

	queryCountTicketCC  = `SELECT COUNT(*) FROM helpdesk_ticketcc WHERE ticket_id = ? AND LOWER(email) = LOWER(?)`
	queryInsertTicketCC = `INSERT INTO helpdesk_ticketcc (ticket_id, email) VALUES (?, ?)`
)

func (s *SQLStore) rebind(query string) string {
	return s.ext.Rebind(query)
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// insert runs an INSERT and returns the new row id, using RETURNING where the
// driver supports it.
func (s *SQLStore) insert(ctx context.Context, query string, args ...any) (int, error) {
	if database.SupportsReturning(s.ext.DriverName()) {
		var id int
		if err := sqlx.GetContext(ctx, s.ext, &id, s.rebind(query+" RETURNING id"), args...); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := s.ext.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

func (s *SQLStore) ListMailQueues(ctx context.Context) ([]*models.Queue, error) {
	var queues []*models.Queue
	if err := sqlx.SelectContext(ctx, s.ext, &queues, s.rebind(queryListMailQueues), true); err != nil {
		return nil, fmt.Errorf("list mail queues: %w", err)
	}
	return queues, nil
}

func (s *SQLStore) GetQueue(ctx context.Context, id int) (*models.Queue, error) {
	var q models.Queue
	if err := sqlx.GetContext(ctx, s.ext, &q, s.rebind(queryGetQueue), id); err != nil {
		return nil, notFound(err, fmt.Sprintf("get queue %d", id))
	}
	return &q, nil
}

func (s *SQLStore) UpdateQueueLastCheck(ctx context.Context, queueID int, at time.Time) error {
	if _, err := s.ext.ExecContext(ctx, s.rebind(queryUpdateLastCheck), at, queueID); err != nil {
		return fmt.Errorf("update queue %d last check: %w", queueID, err)
	}
	return nil
}

func (s *SQLStore) IgnoreRulesForQueue(ctx context.Context, queueID int) ([]*models.IgnoreEmail, error) {
	var rules []*models.IgnoreEmail
	if err := sqlx.SelectContext(ctx, s.ext, &rules, s.rebind(queryIgnoreRules), queueID); err != nil {
		return nil, fmt.Errorf("list ignore rules: %w", err)
	}
	if len(rules) == 0 {
		return rules, nil
	}

	ids := make([]int, 0, len(rules))
	byID := make(map[int]*models.IgnoreEmail, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
		byID[r.ID] = r
	}
	query, args, err := sqlx.In(queryIgnoreScopes, ids)
	if err != nil {
		return nil, fmt.Errorf("expand ignore scopes: %w", err)
	}
	var scopes []struct {
		RuleID  int `db:"ignoreemail_id"`
		QueueID int `db:"queue_id"`
	}
	if err := sqlx.SelectContext(ctx, s.ext, &scopes, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list ignore scopes: %w", err)
	}
	for _, sc := range scopes {
		if r, ok := byID[sc.RuleID]; ok {
			r.QueueIDs = append(r.QueueIDs, sc.QueueID)
		}
	}
	return rules, nil
}

func (s *SQLStore) GetTicket(ctx context.Context, id int) (*models.Ticket, error) {
	var t models.Ticket
	if err := sqlx.GetContext(ctx, s.ext, &t, s.rebind(queryGetTicket), id); err != nil {
		return nil, notFound(err, fmt.Sprintf("get ticket %d", id))
	}
	return &t, nil
}

func (s *SQLStore) CreateTicket(ctx context.Context, t *models.Ticket) error {
	now := s.now()
	if t.Created.IsZero() {
		t.Created = now
	}
	t.Modified = now
	id, err := s.insert(ctx, queryInsertTicket,
		t.QueueID, t.Title, t.Description, t.Resolution, t.SubmitterEmail, t.AssignedTo,
		int(t.Status), t.OnHold, t.Priority, t.DueDate, t.MergedToID, t.Created, t.Modified,
	)
	if err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	t.ID = id
	return nil
}

func (s *SQLStore) UpdateTicketStatus(ctx context.Context, ticketID int, status models.TicketStatus) error {
	res, err := s.ext.ExecContext(ctx, s.rebind(queryUpdateTicketStatus), int(status), s.now(), ticketID)
	if err != nil {
		return fmt.Errorf("update ticket %d status: %w", ticketID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update ticket %d status: %w", ticketID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) FindFollowUpByMessageID(ctx context.Context, messageID string) (*models.FollowUp, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, ErrNotFound
	}
	var f models.FollowUp
	if err := sqlx.GetContext(ctx, s.ext, &f, s.rebind(queryFollowUpByMessageID), messageID); err != nil {
		return nil, notFound(err, "find follow-up by message id")
	}
	return &f, nil
}

func (s *SQLStore) CreateFollowUp(ctx context.Context, f *models.FollowUp) error {
	if f.Date.IsZero() {
		f.Date = s.now()
	}
	var newStatus *int
	if f.NewStatus != nil {
		v := int(*f.NewStatus)
		newStatus = &v
	}
	var messageID *string
	if f.MessageID != "" {
		messageID = &f.MessageID
	}
	id, err := s.insert(ctx, queryInsertFollowUp,
		f.TicketID, f.Date, f.Title, f.Comment, f.Public, newStatus, messageID,
	)
	if err != nil {
		return fmt.Errorf("create follow-up: %w", err)
	}
	f.ID = id
	return nil
}

func (s *SQLStore) ListFollowUps(ctx context.Context, ticketID int) ([]*models.FollowUp, error) {
	var out []*models.FollowUp
	if err := sqlx.SelectContext(ctx, s.ext, &out, s.rebind(queryListFollowUps), ticketID); err != nil {
		return nil, fmt.Errorf("list follow-ups for ticket %d: %w", ticketID, err)
	}
	return out, nil
}

func (s *SQLStore) CreateAttachment(ctx context.Context, a *models.Attachment) error {
	if a.Created.IsZero() {
		a.Created = s.now()
	}
	id, err := s.insert(ctx, queryInsertAttachment,
		a.FollowUpID, a.Filename, a.MimeType, a.Size, a.Location, a.Checksum, a.Created,
	)
	if err != nil {
		return fmt.Errorf("create attachment %s: %w", a.Filename, err)
	}
	a.ID = id
	return nil
}

func (s *SQLStore) ListAttachments(ctx context.Context, followUpID int) ([]*models.Attachment, error) {
	var out []*models.Attachment
	if err := sqlx.SelectContext(ctx, s.ext, &out, s.rebind(queryListAttachments), followUpID); err != nil {
		return nil, fmt.Errorf("list attachments for follow-up %d: %w", followUpID, err)
	}
	return out, nil
}

func (s *SQLStore) CreateTicketChange(ctx context.Context, c *models.TicketChange) error {
	id, err := s.insert(ctx, queryInsertTicketChange, c.FollowUpID, c.Field, c.OldValue, c.NewValue)
	if err != nil {
		return fmt.Errorf("create ticket change: %w", err)
	}
	c.ID = id
	return nil
}

func (s *SQLStore) AddTicketCC(ctx context.Context, cc *models.TicketCC) error {
	var existing int
	if err := sqlx.GetContext(ctx, s.ext, &existing, s.rebind(queryCountTicketCC), cc.TicketID, cc.Email); err != nil {
		return fmt.Errorf("check ticket cc: %w", err)
	}
	if existing > 0 {
		return nil
	}
	id, err := s.insert(ctx, queryInsertTicketCC, cc.TicketID, cc.Email)
	if err != nil {
		return fmt.Errorf("add ticket cc %s: %w", cc.Email, err)
	}
	cc.ID = id
	return nil
}

// InTx runs fn inside a transaction. Nested calls reuse the open transaction.
func (s *SQLStore) InTx(ctx context.Context, fn func(Store) error) (err error) {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &SQLStore{db: s.db, ext: tx, tx: tx, now: s.now}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
