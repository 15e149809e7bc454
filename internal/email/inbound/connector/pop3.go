package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

type pop3Connection interface {
	Auth(user, password string) error
	Cmd(cmd string, isMulti bool, args ...interface{}) (*bytes.Buffer, error)
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

type pop3ConnFactory func(Account) (pop3Connection, error)

// POP3Fetcher streams POP3/POP3S mailboxes into the inbound pipeline.
type POP3Fetcher struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      logrus.FieldLogger
	tokens      oauth2.TokenSource
	newConn     pop3ConnFactory
}

// POP3FetcherOption customizes fetcher behavior.
type POP3FetcherOption func(*POP3Fetcher)

// NewPOP3Fetcher returns a POP3 connector.
func NewPOP3Fetcher(opts ...POP3FetcherOption) *POP3Fetcher {
	f := &POP3Fetcher{
		dialTimeout: 30 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logrus.StandardLogger(),
	}
	f.newConn = f.defaultConnFactory
	for _, opt := range opts {
		opt(f)
	}
	if f.newConn == nil {
		f.newConn = f.defaultConnFactory
	}
	return f
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger logrus.FieldLogger) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithPOP3TokenSource enables XOAUTH2 for accounts that have no password.
func WithPOP3TokenSource(ts oauth2.TokenSource) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		f.tokens = ts
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		f.newConn = factory
	}
}

// WithPOP3Clock overrides the wall clock, primarily for tests.
func WithPOP3Clock(now func() time.Time) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// Name returns the connector identifier.
func (f *POP3Fetcher) Name() string {
	return "pop3"
}

// Fetch walks a POP3 mailbox, hands each message to handler and deletes
// the ones the handler disposes of.
func (f *POP3Fetcher) Fetch(ctx context.Context, account Account, handler Handler) error {
	if handler == nil {
		return errors.New("pop3 fetcher requires a handler")
	}
	if err := f.validateAccount(account); err != nil {
		return err
	}

	conn, err := f.newConn(account)
	if err != nil {
		return fmt.Errorf("pop3 connect: %w", err)
	}
	defer f.safeQuit(conn)

	if err := f.authenticate(conn, account); err != nil {
		return fmt.Errorf("pop3 auth: %w", err)
	}

	msgs, err := conn.Uidl(0)
	if err != nil {
		return fmt.Errorf("pop3 uidl: %w", err)
	}
	f.logger.WithField("count", len(msgs)).Info("pop3: mailbox listed")

	for _, meta := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		payload, err := conn.RetrRaw(meta.ID)
		if err != nil {
			return fmt.Errorf("pop3 retr %d: %w", meta.ID, err)
		}

		uid := meta.UID
		if uid == "" {
			uid = strconv.Itoa(meta.ID)
		}
		raw := append([]byte(nil), payload.Bytes()...)
		msg := &FetchedMessage{
			Connector:  f.Name(),
			UID:        uid,
			RemoteID:   buildRemoteID(account, uid),
			ReceivedAt: f.now(),
			SizeBytes:  int64(len(raw)),
			Raw:        raw,
			Metadata: map[string]string{
				"uidl":    uid,
				"pop3_id": strconv.Itoa(meta.ID),
			},
		}
		if meta.Size > 0 {
			msg.Metadata["reported_size"] = strconv.Itoa(meta.Size)
		}
		msg.WithAccount(account)

		disposition, err := handler.Handle(ctx, msg)
		if err != nil {
			return fmt.Errorf("postmaster handler failed for %s: %w", uid, err)
		}
		if disposition != DispositionDelete {
			continue
		}
		if err := conn.Dele(meta.ID); err != nil {
			return fmt.Errorf("pop3 delete %d: %w", meta.ID, err)
		}
	}

	return nil
}

func (f *POP3Fetcher) authenticate(conn pop3Connection, account Account) error {
	if len(account.Password) > 0 || f.tokens == nil {
		return conn.Auth(account.Username, string(account.Password))
	}
	token, err := f.tokens.Token()
	if err != nil {
		return fmt.Errorf("oauth token: %w", err)
	}
	_, err = conn.Cmd("AUTH", false, "XOAUTH2", xoauth2String(account.Username, token.AccessToken, true))
	return err
}

func (f *POP3Fetcher) safeQuit(conn pop3Connection) {
	if conn == nil {
		return
	}
	if err := conn.Quit(); err != nil && f.logger != nil {
		f.logger.WithError(err).Warn("pop3 quit error")
	}
}

func (f *POP3Fetcher) defaultConnFactory(account Account) (pop3Connection, error) {
	if account.Host == "" {
		return nil, errors.New("pop3 account missing host")
	}
	tlsEnabled := usePOP3TLS(account.Type)
	port := account.Port
	if port == 0 {
		if tlsEnabled {
			port = 995
		} else {
			port = 110
		}
	}
	client := pop3.New(pop3.Opt{
		Host:        account.Host,
		Port:        port,
		DialTimeout: f.dialTimeout,
		TLSEnabled:  tlsEnabled,
	})
	return client.NewConn()
}

func (f *POP3Fetcher) validateAccount(account Account) error {
	if account.Username == "" {
		return errors.New("pop3 account missing username")
	}
	if len(account.Password) == 0 && f.tokens == nil {
		return errors.New("pop3 account missing password")
	}
	if !supportsPOP3(account.Type) {
		return fmt.Errorf("account type %s not supported by POP3 connector", account.Type)
	}
	return nil
}

func supportsPOP3(t string) bool {
	switch strings.ToLower(t) {
	case "pop3", "pop3s":
		return true
	default:
		return false
	}
}

func usePOP3TLS(t string) bool {
	return strings.ToLower(t) == "pop3s"
}
