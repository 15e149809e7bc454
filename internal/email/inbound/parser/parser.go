// Package parser turns raw RFC 822 messages into the subject, body, sender
// and attachments the postmaster stores on a ticket.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sirupsen/logrus"
	htmlcharset "golang.org/x/net/html/charset"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// ErrEmptyMessage is returned for a payload with no content at all.
var ErrEmptyMessage = errors.New("parser: empty message")

const (
	DefaultSubject      = "Comment from e-mail"
	UnknownSender       = "Unknown Sender"
	HTMLBodyFilename    = "email_html_body.html"
	originalMessageName = "original_message"
	defaultPartLimit    = 32 * 1024 * 1024
)

// strippedSubjectAffixes are removed from anywhere in the subject.
var strippedSubjectAffixes = []string{
	"Re: ",
	"Fw: ",
	"RE: ",
	"FW: ",
	"Automatic reply: ",
}

var highPriorityValues = map[string]struct{}{
	"high":      {},
	"important": {},
	"1":         {},
	"urgent":    {},
}

// Attachment is a file extracted from a message part.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Size returns the attachment length in bytes.
func (a Attachment) Size() int64 { return int64(len(a.Data)) }

// Rejection describes an attachment dropped by the policy.
type Rejection struct {
	Filename string
	Reason   string
	Size     int64
}

// Message is the decoded form of an inbound email.
type Message struct {
	Subject    string
	RawSubject string
	From       string
	To         []string
	Cc         []string
	MessageID  string
	InReplyTo  []string
	References []string
	// Body is the reply text with quoted history and signatures removed.
	Body string
	// FullBody is the complete text of the preferred body part.
	FullBody    string
	HTMLBody    string
	Priority    int
	Date        time.Time
	Attachments []Attachment
	Rejected    []Rejection
}

// Recipients returns the To and Cc addresses in header order.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc))
	out = append(out, m.To...)
	return append(out, m.Cc...)
}

// ThreadIDs returns In-Reply-To first, then References newest to oldest.
func (m *Message) ThreadIDs() []string {
	ids := make([]string, 0, len(m.InReplyTo)+len(m.References))
	ids = append(ids, m.InReplyTo...)
	for i := len(m.References) - 1; i >= 0; i-- {
		ids = append(ids, m.References[i])
	}
	return uniqueStrings(ids)
}

// Parser decodes raw messages.
type Parser struct {
	policy       Policy
	saveOriginal bool
	logger       logrus.FieldLogger
	now          func() time.Time
	sanitizer    *bluemonday.Policy
	partLimit    int64
}

// Option customizes Parser.
type Option func(*Parser)

// WithPolicy sets the attachment policy.
func WithPolicy(p Policy) Option {
	return func(ps *Parser) {
		ps.policy = p
	}
}

// WithSaveOriginal keeps the raw message as an .eml attachment.
func WithSaveOriginal(enabled bool) Option {
	return func(ps *Parser) {
		ps.saveOriginal = enabled
	}
}

// WithLogger sets the logger used for part level diagnostics.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(ps *Parser) {
		ps.logger = logger
	}
}

// WithClock overrides the time source used for missing Date headers and the
// original message file name.
func WithClock(now func() time.Time) Option {
	return func(ps *Parser) {
		if now != nil {
			ps.now = now
		}
	}
}

// New builds a parser with the default attachment policy.
func New(opts ...Option) *Parser {
	p := &Parser{
		policy:    DefaultPolicy(),
		now:       time.Now,
		sanitizer: bluemonday.UGCPolicy(),
		partLimit: defaultPartLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Parse decodes raw into a Message. Malformed headers or MIME structure
// return an error; attachments outside the policy only produce Rejections.
func (p *Parser) Parse(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if reader == nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if err != nil {
		p.logf("parser: %v", err)
	}
	defer reader.Close()

	msg := &Message{}
	p.readEnvelope(&reader.Header, msg)

	parts, err := p.readParts(reader)
	if err != nil {
		return nil, fmt.Errorf("parse message body: %w", err)
	}
	p.assembleBody(msg, parts)

	if p.saveOriginal {
		name := fmt.Sprintf("%s_%s.eml", originalMessageName, p.now().Format("02-01-2006_15:04"))
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    name,
			ContentType: "message/rfc822",
			Data:        append([]byte(nil), raw...),
		})
	}
	return msg, nil
}

func (p *Parser) readEnvelope(header *gomail.Header, msg *Message) {
	subject, err := header.Subject()
	if err != nil {
		subject = header.Get("Subject")
	}
	msg.RawSubject = strings.TrimSpace(subject)
	msg.Subject = CleanSubject(msg.RawSubject)

	msg.From = UnknownSender
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		msg.From = strings.TrimSpace(list[0].Address)
	} else if v := strings.TrimSpace(header.Get("From")); v != "" {
		p.logf("parser: unparsable From header %q", v)
	}

	msg.To = addressList(header, "To")
	msg.Cc = addressList(header, "Cc")

	msg.MessageID = normalizeMessageID(header.Get("Message-Id"))
	msg.InReplyTo = parseMessageIDs(header.Get("In-Reply-To"))
	msg.References = parseMessageIDs(strings.Join(header.Values("References"), " "))

	msg.Priority = 3
	for _, key := range []string{"Priority", "Importance"} {
		value := strings.ToLower(strings.TrimSpace(header.Get(key)))
		if _, ok := highPriorityValues[value]; ok {
			msg.Priority = 2
			break
		}
	}

	if date, err := header.Date(); err == nil && !date.IsZero() {
		msg.Date = date
	} else {
		msg.Date = p.now()
	}
}

// CleanSubject removes reply and forward prefixes and falls back to the
// default subject when nothing is left.
func CleanSubject(subject string) string {
	for _, affix := range strippedSubjectAffixes {
		subject = strings.ReplaceAll(subject, affix, "")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return DefaultSubject
	}
	return subject
}

type leafPart struct {
	index       int
	inline      bool
	filename    string
	contentType string
	data        []byte
	// oversized is set when the part did not fit in the read limit; data
	// then holds only its first limit+1 bytes.
	oversized bool
}

func (p *Parser) readParts(reader *gomail.Reader) ([]leafPart, error) {
	var parts []leafPart
	for index := 0; ; index++ {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && part == nil {
			return nil, err
		}
		if err != nil {
			p.logf("parser: part %d: %v", index, err)
		}

		leaf := leafPart{index: index}
		switch header := part.Header.(type) {
		case *gomail.InlineHeader:
			leaf.inline = true
			leaf.contentType, leaf.filename = partTypeAndName(&header.Header)
		case *gomail.AttachmentHeader:
			leaf.contentType, leaf.filename = partTypeAndName(&header.Header)
			if name, ferr := header.Filename(); ferr == nil && name != "" {
				leaf.filename = name
			}
		default:
			continue
		}

		limit := p.readLimit()
		data, err := io.ReadAll(io.LimitReader(part.Body, limit+1))
		if err != nil {
			return nil, fmt.Errorf("read part %d: %w", index, err)
		}
		if int64(len(data)) > limit {
			leaf.oversized = true
			p.logf("parser: part %d exceeds the read limit of %d bytes", index, limit)
		}
		leaf.data = data
		parts = append(parts, leaf)
	}
	return parts, nil
}

// readLimit is the most bytes kept from a single part. It never drops below
// the attachment size limit so the policy sees true sizes.
func (p *Parser) readLimit() int64 {
	limit := p.partLimit
	if limit <= 0 {
		limit = defaultPartLimit
	}
	if p.policy.MaxSize > limit {
		limit = p.policy.MaxSize
	}
	return limit
}

func partTypeAndName(h *gomessage.Header) (string, string) {
	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "application/octet-stream"
	}
	name := params["name"]
	if _, dparams, derr := h.ContentDisposition(); derr == nil && dparams["filename"] != "" {
		name = dparams["filename"]
	}
	return strings.ToLower(mediaType), strings.TrimSpace(name)
}

func (p *Parser) assembleBody(msg *Message, parts []leafPart) {
	var plain, htmlDoc string
	var havePlain, haveHTML bool

	for _, part := range parts {
		isBody := part.inline && part.filename == "" && strings.HasPrefix(part.contentType, "text/")
		switch {
		case isBody && part.contentType == "text/html":
			if !haveHTML {
				htmlDoc = string(p.truncated(part))
				haveHTML = true
			}
		case isBody:
			if !havePlain {
				plain = string(p.truncated(part))
				havePlain = true
			}
		default:
			p.addAttachment(msg, part)
		}
	}

	text := ""
	if haveHTML {
		sanitized := p.sanitizer.Sanitize(htmlDoc)
		msg.HTMLBody = sanitized
		text = HTMLToText(sanitized)
		msg.Attachments = append([]Attachment{{
			Filename:    HTMLBodyFilename,
			ContentType: "text/html",
			Data:        []byte(wrapHTMLDocument(sanitized)),
		}}, msg.Attachments...)
	}
	if strings.TrimSpace(text) == "" && havePlain {
		text = plain
	}

	text = normalizeNewlines(text)
	msg.FullBody = strings.TrimSpace(text)
	msg.Body = StripReply(text)
}

func (p *Parser) truncated(part leafPart) []byte {
	if part.oversized {
		return part.data[:p.readLimit()]
	}
	return part.data
}

func (p *Parser) addAttachment(msg *Message, part leafPart) {
	name := attachmentName(part)
	if part.oversized {
		limit := p.readLimit()
		reason := fmt.Sprintf("size exceeds the limit of %d bytes", limit)
		msg.Rejected = append(msg.Rejected, Rejection{Filename: name, Reason: reason, Size: int64(len(part.data))})
		p.logf("parser: rejected attachment %s: %s", name, reason)
		return
	}
	if reason := p.policy.Check(name, int64(len(part.data))); reason != "" {
		msg.Rejected = append(msg.Rejected, Rejection{Filename: name, Reason: reason, Size: int64(len(part.data))})
		p.logf("parser: rejected attachment %s: %s", name, reason)
		return
	}
	if len(part.data) == 0 {
		return
	}
	msg.Attachments = append(msg.Attachments, Attachment{
		Filename:    name,
		ContentType: part.contentType,
		Data:        part.data,
	})
}

func attachmentName(part leafPart) string {
	if part.filename != "" {
		return fmt.Sprintf("part-%d_%s", part.index, filepath.Base(part.filename))
	}
	ext := ""
	if exts, err := mime.ExtensionsByType(part.contentType); err == nil && len(exts) > 0 {
		ext = preferredExtension(part.contentType, exts)
	}
	return fmt.Sprintf("part-%d%s", part.index, ext)
}

var preferredExtensions = map[string]string{
	"text/plain":      ".txt",
	"text/html":       ".html",
	"image/jpeg":      ".jpg",
	"message/rfc822":  ".eml",
	"application/pdf": ".pdf",
}

func preferredExtension(contentType string, candidates []string) string {
	if ext, ok := preferredExtensions[contentType]; ok {
		return ext
	}
	return candidates[0]
}

func wrapHTMLDocument(body string) string {
	return `<html><head><meta charset="utf-8" /></head><body>` + body + `</body></html>`
}

func addressList(header *gomail.Header, key string) []string {
	list, err := header.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		if a := strings.TrimSpace(addr.Address); a != "" {
			out = append(out, a)
		}
	}
	return out
}

var messageIDPattern = regexp.MustCompile(`<([^<>]+)>`)

func parseMessageIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	matches := messageIDPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		if id := normalizeMessageID(raw); id != "" {
			return []string{id}
		}
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		if id := normalizeMessageID(match[1]); id != "" {
			ids = append(ids, id)
		}
	}
	return uniqueStrings(ids)
}

func normalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.Trim(value, "<>")
	value = strings.Trim(value, "\"")
	return strings.TrimSpace(value)
}

func uniqueStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\r", "\n")
}

func (p *Parser) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Debugf(format, args...)
}
