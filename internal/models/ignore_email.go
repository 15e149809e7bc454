package models

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// IgnoreEmail is a sender pattern whose messages are never turned into tickets,
// for example postmaster bounces or known trouble-makers.
type IgnoreEmail struct {
	ID            int       `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Date          time.Time `json:"date" db:"date"`
	EmailAddress  string    `json:"email_address" db:"email_address"`
	KeepInMailbox bool      `json:"keep_in_mailbox" db:"keep_in_mailbox"`
	// QueueIDs scopes the rule; empty means every queue.
	QueueIDs []int `json:"queues" db:"-"`
}

// AppliesTo reports whether the rule is active for the given queue.
func (i *IgnoreEmail) AppliesTo(queueID int) bool {
	if len(i.QueueIDs) == 0 {
		return true
	}
	for _, id := range i.QueueIDs {
		if id == queueID {
			return true
		}
	}
	return false
}

// Test reports whether address is matched by the rule pattern. A pattern
// matches when the address is identical, when the user part is "*" and the
// domains agree, when the domain part is "*" and the users agree, or when the
// pattern is "*@*".
func (i *IgnoreEmail) Test(address string) bool {
	pattern := foldAddress(i.EmailAddress)
	addr := foldAddress(address)
	if pattern == "" || addr == "" {
		return false
	}
	if pattern == addr {
		return true
	}

	patUser, patDomain, ok := strings.Cut(pattern, "@")
	if !ok {
		return false
	}
	user, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return false
	}

	switch {
	case patUser == "*" && patDomain == "*":
		return true
	case patUser == "*":
		return patDomain == domain
	case patDomain == "*":
		return patUser == user
	}
	return false
}

func foldAddress(s string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))
}
