package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Authenticate(saslClient sasl.Client) error
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

// IMAPFetcher streams IMAP/IMAPS mailboxes into the inbound pipeline.
// Accounts of type "oauth" use IMAP over TLS with SASL XOAUTH2.
type IMAPFetcher struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      logrus.FieldLogger
	debug       io.Writer
	tokens      oauth2.TokenSource
	newClient   func(Account) (imapClient, error)
}

// IMAPFetcherOption customizes fetcher behavior.
type IMAPFetcherOption func(*IMAPFetcher)

// NewIMAPFetcher returns an IMAP connector.
func NewIMAPFetcher(opts ...IMAPFetcherOption) *IMAPFetcher {
	f := &IMAPFetcher{
		dialTimeout: 30 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logrus.StandardLogger(),
	}
	f.newClient = f.defaultClientFactory
	for _, opt := range opts {
		opt(f)
	}
	if f.newClient == nil {
		f.newClient = f.defaultClientFactory
	}
	return f
}

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger logrus.FieldLogger) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithIMAPDebug writes the raw protocol exchange to w.
func WithIMAPDebug(w io.Writer) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		f.debug = w
	}
}

// WithIMAPTokenSource supplies access tokens for oauth accounts.
func WithIMAPTokenSource(ts oauth2.TokenSource) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		f.tokens = ts
	}
}

func withIMAPClientFactory(factory func(Account) (imapClient, error)) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		f.newClient = factory
	}
}

// WithIMAPClock overrides the wall clock, primarily for tests.
func WithIMAPClock(now func() time.Time) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// Name returns the connector identifier.
func (f *IMAPFetcher) Name() string {
	return "imap"
}

// Fetch hands every undeleted message in the account folder to handler,
// then flags and expunges the ones it disposed of.
func (f *IMAPFetcher) Fetch(ctx context.Context, account Account, handler Handler) error {
	if handler == nil {
		return errors.New("imap fetcher requires a handler")
	}
	if err := f.validateAccount(account); err != nil {
		return err
	}

	client, err := f.newClient(account)
	if err != nil {
		return fmt.Errorf("imap connect: %w", err)
	}
	defer f.safeClose(client)

	if err := f.authenticate(client, account); err != nil {
		return fmt.Errorf("imap auth: %w", err)
	}

	mailbox := account.IMAPFolder
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		return fmt.Errorf("imap select %s: %w", mailbox, err)
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagDeleted}}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("imap search: %w", err)
	}
	uids := searchData.AllUIDs()
	f.logger.WithFields(logrus.Fields{"folder": mailbox, "count": len(uids)}).Info("imap: mailbox searched")
	if len(uids) == 0 {
		return client.Logout().Wait()
	}

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}
	fetchBuffers, err := client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return fmt.Errorf("imap fetch: %w", err)
	}

	var toDelete []imap.UID
	var handlerErr error
	for _, buf := range fetchBuffers {
		if ctx.Err() != nil {
			handlerErr = ctx.Err()
			break
		}
		body := buf.FindBodySection(&imap.FetchItemBodySection{Peek: true})
		if body == nil {
			body = buf.FindBodySection(&imap.FetchItemBodySection{})
		}
		if body == nil {
			continue
		}
		received := buf.InternalDate
		if received.IsZero() {
			received = f.now()
		}
		uidStr := fmt.Sprintf("%d", buf.UID)
		msg := &FetchedMessage{
			Connector:  f.Name(),
			UID:        uidStr,
			RemoteID:   buildRemoteID(account, uidStr),
			ReceivedAt: received,
			SizeBytes:  int64(len(body)),
			Raw:        append([]byte(nil), body...),
			Metadata: map[string]string{
				"imap_uid":    uidStr,
				"imap_folder": mailbox,
			},
		}
		msg.WithAccount(account)
		disposition, err := handler.Handle(ctx, msg)
		if err != nil {
			handlerErr = fmt.Errorf("postmaster handler failed for %s: %w", uidStr, err)
			break
		}
		if disposition == DispositionDelete {
			toDelete = append(toDelete, buf.UID)
		}
	}

	// Messages disposed of before a failure are expunged as well.
	if err := f.expunge(client, toDelete); err != nil {
		return errors.Join(handlerErr, err)
	}
	if handlerErr != nil {
		return handlerErr
	}

	if err := client.Logout().Wait(); err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}

func (f *IMAPFetcher) expunge(client imapClient, uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}
	set := imap.UIDSetNum(uids...)
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted}}
	if err := client.Store(set, store, nil).Close(); err != nil {
		return fmt.Errorf("imap store delete: %w", err)
	}
	if err := client.UIDExpunge(set).Close(); err != nil {
		return fmt.Errorf("imap expunge: %w", err)
	}
	return nil
}

func (f *IMAPFetcher) authenticate(client imapClient, account Account) error {
	if !useOAuth(account.Type) {
		return client.Login(account.Username, string(account.Password)).Wait()
	}
	token, err := f.tokens.Token()
	if err != nil {
		return fmt.Errorf("oauth token: %w", err)
	}
	return client.Authenticate(newXOAUTH2Client(account.Username, token.AccessToken))
}

func (f *IMAPFetcher) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil && f.logger != nil {
		f.logger.WithError(err).Debug("imap close error")
	}
}

func (f *IMAPFetcher) defaultClientFactory(account Account) (imapClient, error) {
	if account.Host == "" {
		return nil, errors.New("imap account missing host")
	}
	tlsEnabled := useIMAPTLS(account.Type)
	port := account.Port
	if port == 0 {
		if tlsEnabled {
			port = 993
		} else {
			port = 143
		}
	}
	addr := net.JoinHostPort(account.Host, fmt.Sprintf("%d", port))
	opts := &imapclient.Options{
		Dialer:      &net.Dialer{Timeout: f.dialTimeout},
		TLSConfig:   &tls.Config{ServerName: account.Host},
		DebugWriter: f.debug,
	}

	if account.ProxyType != "" {
		conn, err := dialThroughProxy(account, addr, f.dialTimeout)
		if err != nil {
			return nil, err
		}
		if tlsEnabled {
			tlsConn := tls.Client(conn, opts.TLSConfig)
			if err := tlsConn.Handshake(); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("tls handshake: %w", err)
			}
			conn = tlsConn
		}
		return &imapClientWrapper{Client: imapclient.New(conn, opts)}, nil
	}

	var client *imapclient.Client
	var err error
	if tlsEnabled {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}

func (f *IMAPFetcher) validateAccount(account Account) error {
	if account.Username == "" {
		return errors.New("imap account missing username")
	}
	if !supportsIMAP(account.Type) {
		return fmt.Errorf("account type %s not supported by IMAP connector", account.Type)
	}
	if useOAuth(account.Type) {
		if f.tokens == nil {
			return errors.New("oauth account requires a configured token source")
		}
		return nil
	}
	if len(account.Password) == 0 {
		return errors.New("imap account missing password")
	}
	return nil
}

func supportsIMAP(t string) bool {
	switch strings.ToLower(t) {
	case "imap", "imaps", "oauth":
		return true
	default:
		return false
	}
}

func useIMAPTLS(t string) bool {
	switch strings.ToLower(t) {
	case "imaps", "oauth":
		return true
	default:
		return false
	}
}

func useOAuth(t string) bool {
	return strings.ToLower(t) == "oauth"
}
