package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gotrs-io/gotrs-helpdesk/internal/models"
)

// MemoryStore implements Store with in-memory maps.
// This is for development/testing. Production should use SQLStore.
type MemoryStore struct {
	mu    sync.RWMutex
	state memoryState
	now   func() time.Time
}

type memoryState struct {
	queues      map[int]*models.Queue
	ignore      []*models.IgnoreEmail
	tickets     map[int]*models.Ticket
	followUps   map[int]*models.FollowUp
	attachments map[int]*models.Attachment
	changes     map[int]*models.TicketChange
	ccs         map[int]*models.TicketCC
	nextID      int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{
			queues:      make(map[int]*models.Queue),
			tickets:     make(map[int]*models.Ticket),
			followUps:   make(map[int]*models.FollowUp),
			attachments: make(map[int]*models.Attachment),
			changes:     make(map[int]*models.TicketChange),
			ccs:         make(map[int]*models.TicketCC),
			nextID:      1,
		},
		now: time.Now,
	}
}

// SetClock overrides the time source used for timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (s *memoryState) clone() memoryState {
	out := memoryState{
		queues:      make(map[int]*models.Queue, len(s.queues)),
		ignore:      make([]*models.IgnoreEmail, 0, len(s.ignore)),
		tickets:     make(map[int]*models.Ticket, len(s.tickets)),
		followUps:   make(map[int]*models.FollowUp, len(s.followUps)),
		attachments: make(map[int]*models.Attachment, len(s.attachments)),
		changes:     make(map[int]*models.TicketChange, len(s.changes)),
		ccs:         make(map[int]*models.TicketCC, len(s.ccs)),
		nextID:      s.nextID,
	}
	for k, v := range s.queues {
		cp := *v
		out.queues[k] = &cp
	}
	for _, v := range s.ignore {
		cp := *v
		cp.QueueIDs = append([]int(nil), v.QueueIDs...)
		out.ignore = append(out.ignore, &cp)
	}
	for k, v := range s.tickets {
		cp := *v
		out.tickets[k] = &cp
	}
	for k, v := range s.followUps {
		cp := *v
		out.followUps[k] = &cp
	}
	for k, v := range s.attachments {
		cp := *v
		out.attachments[k] = &cp
	}
	for k, v := range s.changes {
		cp := *v
		out.changes[k] = &cp
	}
	for k, v := range s.ccs {
		cp := *v
		out.ccs[k] = &cp
	}
	return out
}

func (m *MemoryStore) id() int {
	id := m.state.nextID
	m.state.nextID++
	return id
}

// SaveQueue inserts or replaces a queue. A zero ID is assigned.
func (m *MemoryStore) SaveQueue(q *models.Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.ID == 0 {
		q.ID = m.id()
	}
	cp := *q
	m.state.queues[q.ID] = &cp
}

// AddIgnoreEmail registers an ignore rule.
func (m *MemoryStore) AddIgnoreEmail(rule *models.IgnoreEmail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rule.ID == 0 {
		rule.ID = m.id()
	}
	if rule.Date.IsZero() {
		rule.Date = m.now()
	}
	cp := *rule
	m.state.ignore = append(m.state.ignore, &cp)
}

// PutTicket stores a ticket as-is, keeping its ID when set.
func (m *MemoryStore) PutTicket(t *models.Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		t.ID = m.id()
	} else if t.ID >= m.state.nextID {
		m.state.nextID = t.ID + 1
	}
	cp := *t
	m.state.tickets[t.ID] = &cp
}

// PutFollowUp stores a follow-up as-is, keeping its ID when set.
func (m *MemoryStore) PutFollowUp(f *models.FollowUp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == 0 {
		f.ID = m.id()
	} else if f.ID >= m.state.nextID {
		m.state.nextID = f.ID + 1
	}
	cp := *f
	m.state.followUps[f.ID] = &cp
}

// Tickets returns every stored ticket ordered by ID.
func (m *MemoryStore) Tickets() []*models.Ticket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ticket, 0, len(m.state.tickets))
	for _, t := range m.state.tickets {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TicketChanges returns the recorded changes for a follow-up.
func (m *MemoryStore) TicketChanges(followUpID int) []*models.TicketChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.TicketChange
	for _, c := range m.state.changes {
		if c.FollowUpID == followUpID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TicketCCs returns the CC addresses recorded for a ticket.
func (m *MemoryStore) TicketCCs(ticketID int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int
	for id, c := range m.state.ccs {
		if c.TicketID == ticketID {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.state.ccs[id].Email)
	}
	return out
}

func (m *MemoryStore) ListMailQueues(_ context.Context) ([]*models.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Queue
	for _, q := range m.state.queues {
		if q.AllowEmailSubmission && strings.TrimSpace(q.EmailBoxType) != "" {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetQueue(_ context.Context, id int) (*models.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.state.queues[id]
	if !ok {
		return nil, fmt.Errorf("get queue %d: %w", id, ErrNotFound)
	}
	cp := *q
	return &cp, nil
}

func (m *MemoryStore) UpdateQueueLastCheck(_ context.Context, queueID int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.state.queues[queueID]
	if !ok {
		return fmt.Errorf("update queue %d last check: %w", queueID, ErrNotFound)
	}
	t := at
	q.EmailBoxLastCheck = &t
	return nil
}

func (m *MemoryStore) IgnoreRulesForQueue(_ context.Context, queueID int) ([]*models.IgnoreEmail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.IgnoreEmail
	for _, r := range m.state.ignore {
		if r.AppliesTo(queueID) {
			cp := *r
			cp.QueueIDs = append([]int(nil), r.QueueIDs...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetTicket(_ context.Context, id int) (*models.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.state.tickets[id]
	if !ok {
		return nil, fmt.Errorf("get ticket %d: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateTicket(_ context.Context, t *models.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	t.ID = m.id()
	if t.Created.IsZero() {
		t.Created = now
	}
	t.Modified = now
	cp := *t
	m.state.tickets[t.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateTicketStatus(_ context.Context, ticketID int, status models.TicketStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.state.tickets[ticketID]
	if !ok {
		return fmt.Errorf("update ticket %d status: %w", ticketID, ErrNotFound)
	}
	t.Status = status
	t.Modified = m.now()
	return nil
}

func (m *MemoryStore) FindFollowUpByMessageID(_ context.Context, messageID string) (*models.FollowUp, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.FollowUp
	for _, f := range m.state.followUps {
		if f.MessageID == messageID && (found == nil || f.ID < found.ID) {
			found = f
		}
	}
	if found == nil {
		return nil, fmt.Errorf("find follow-up by message id: %w", ErrNotFound)
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) CreateFollowUp(_ context.Context, f *models.FollowUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.tickets[f.TicketID]; !ok {
		return fmt.Errorf("create follow-up: ticket %d: %w", f.TicketID, ErrNotFound)
	}
	if f.MessageID != "" {
		for _, existing := range m.state.followUps {
			if existing.MessageID == f.MessageID {
				return fmt.Errorf("create follow-up: duplicate message id %q", f.MessageID)
			}
		}
	}
	f.ID = m.id()
	if f.Date.IsZero() {
		f.Date = m.now()
	}
	cp := *f
	m.state.followUps[f.ID] = &cp
	return nil
}

func (m *MemoryStore) ListFollowUps(_ context.Context, ticketID int) ([]*models.FollowUp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.FollowUp
	for _, f := range m.state.followUps {
		if f.TicketID == ticketID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

func (m *MemoryStore) CreateAttachment(_ context.Context, a *models.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.followUps[a.FollowUpID]; !ok {
		return fmt.Errorf("create attachment: follow-up %d: %w", a.FollowUpID, ErrNotFound)
	}
	a.ID = m.id()
	if a.Created.IsZero() {
		a.Created = m.now()
	}
	cp := *a
	m.state.attachments[a.ID] = &cp
	return nil
}

func (m *MemoryStore) ListAttachments(_ context.Context, followUpID int) ([]*models.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Attachment
	for _, a := range m.state.attachments {
		if a.FollowUpID == followUpID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateTicketChange(_ context.Context, c *models.TicketChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.id()
	cp := *c
	m.state.changes[c.ID] = &cp
	return nil
}

func (m *MemoryStore) AddTicketCC(_ context.Context, cc *models.TicketCC) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.state.ccs {
		if existing.TicketID == cc.TicketID && strings.EqualFold(existing.Email, cc.Email) {
			cc.ID = existing.ID
			return nil
		}
	}
	cc.ID = m.id()
	cp := *cc
	m.state.ccs[cc.ID] = &cp
	return nil
}

// InTx snapshots the state and restores it when fn fails. Writers are
// expected to be serialized by the caller.
func (m *MemoryStore) InTx(_ context.Context, fn func(Store) error) error {
	m.mu.RLock()
	snapshot := m.state.clone()
	m.mu.RUnlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.state = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}
