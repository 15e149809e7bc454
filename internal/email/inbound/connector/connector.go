package connector

import (
	"context"
	"time"
)

// Disposition tells a fetcher what to do with the source message once the
// handler is done with it.
type Disposition int

const (
	// DispositionDelete removes the message from the mailbox.
	DispositionDelete Disposition = iota
	// DispositionKeep leaves the message in place for a later run or manual review.
	DispositionKeep
)

func (d Disposition) String() string {
	if d == DispositionKeep {
		return "keep"
	}
	return "delete"
}

// Account carries the mailbox settings of one queue.
type Account struct {
	ID         int
	QueueID    int
	QueueSlug  string
	Type       string // pop3, pop3s, imap, imaps, oauth, local
	Host       string
	Port       int
	Username   string
	Password   []byte
	IMAPFolder string
	LocalDir   string
	// ProxyType is "socks5", "socks4" or empty. ProxyAddr is host:port.
	ProxyType    string
	ProxyAddr    string
	PollInterval time.Duration
}

// FetchedMessage wraps the on-wire RFC822 payload plus derived metadata.
type FetchedMessage struct {
	AccountID  int
	Connector  string
	UID        string
	RemoteID   string
	ReceivedAt time.Time
	SizeBytes  int64
	Raw        []byte
	Metadata   map[string]string
	account    Account
}

// AccountSnapshot returns the account metadata captured when the fetch occurred.
func (m FetchedMessage) AccountSnapshot() Account {
	return m.account
}

// WithAccount captures the account metadata on the message.
func (m *FetchedMessage) WithAccount(acc Account) {
	m.account = acc
	m.AccountID = acc.ID
}

// Handler receives fully fetched messages. A returned error aborts the
// mailbox run and the current message is left untouched.
type Handler interface {
	Handle(ctx context.Context, msg *FetchedMessage) (Disposition, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *FetchedMessage) (Disposition, error)

// Handle calls fn.
func (fn HandlerFunc) Handle(ctx context.Context, msg *FetchedMessage) (Disposition, error) {
	return fn(ctx, msg)
}

// Fetcher implementations (POP3, IMAP, local directories) stream messages to a handler.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, account Account, handler Handler) error
}

// Factory resolves the correct connector implementation for a mailbox.
type Factory interface {
	FetcherFor(account Account) (Fetcher, error)
}
