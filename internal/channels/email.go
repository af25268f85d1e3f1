package channels

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/pawhq/paw/internal/config"
	"github.com/pawhq/paw/internal/db"
	"github.com/pawhq/paw/internal/events"
)

const (
	// emailMaxBodyBytes caps the text extracted from a single message
	// part. Larger parts are truncated with a note.
	emailMaxBodyBytes = 32 * 1024

	// emailMaxRawBytes caps the raw RFC 822 message buffered from the
	// IMAP literal. The remainder is drained so the stream stays in
	// sync.
	emailMaxRawBytes = 5 * 1024 * 1024

	emailDefaultPollInterval = 120 * time.Second
)

// Email is an IMAP-polling email provider. New messages are detected
// by comparing UIDs against a persisted high-water mark; replies go
// out over SMTP as multipart/alternative with the body rendered both
// ways from markdown.
//
// On the very first poll the current mailbox high-water mark is
// recorded without handling anything, so a fresh deployment does not
// feed the agent the entire existing inbox.
type Email struct {
	cfg     config.EmailConfig
	db      *db.DB
	handler InboundHandler
	bus     *events.Bus
	logger  *slog.Logger

	mu       sync.Mutex
	status   Status
	imap     *imapclient.Client
	hwm      uint32
	seeded   bool
	lastPeer string
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewEmail creates the provider. handler is invoked for every
// accepted inbound message.
func NewEmail(cfg config.EmailConfig, database *db.DB, handler InboundHandler, bus *events.Bus, logger *slog.Logger) *Email {
	if logger == nil {
		logger = slog.Default()
	}
	return &Email{
		cfg:     cfg,
		db:      database,
		handler: handler,
		bus:     bus,
		logger:  logger,
		status: Status{
			Channel: "email",
			Mode:    "imap-poll",
			Enabled: cfg.Enabled && cfg.IMAPHost != "" && cfg.Username != "",
		},
	}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Enabled() bool {
	return e.cfg.Enabled && e.cfg.IMAPHost != "" && e.cfg.Username != ""
}

// Status returns a snapshot of the provider's runtime state.
func (e *Email) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Start loads the persisted high-water mark and launches the poll
// loop. The IMAP connection itself is established lazily on the first
// poll.
func (e *Email) Start(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	if len(e.cfg.AllowFrom) == 0 {
		e.logger.Warn("email allow_from is empty, all inbound mail will be ignored")
	}

	if e.db != nil {
		if mark, ok, err := e.db.ChannelOffsetGet("email"); err != nil {
			return fmt.Errorf("load email high-water mark: %w", err)
		} else if ok {
			e.hwm = uint32(mark)
			e.seeded = true
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.setStatus(func(s *Status) { s.Running = true })

	go e.pollLoop(ctx)
	return nil
}

// Stop cancels the poll loop, waits for it to exit, and closes the
// IMAP connection.
func (e *Email) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done

	e.mu.Lock()
	if e.imap != nil {
		_ = e.imap.Close()
		e.imap = nil
	}
	e.mu.Unlock()
	e.setStatus(func(s *Status) { s.Running = false })
}

func (e *Email) pollLoop(ctx context.Context) {
	defer close(e.done)

	interval := emailDefaultPollInterval
	if e.cfg.PollInterval > 0 {
		interval = time.Duration(e.cfg.PollInterval) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("email poll failed", "error", err)
			e.setStatus(func(s *Status) { s.LastError = err.Error() })
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs one IMAP check and hands each new message to the inbound
// handler. IMAP traffic happens under e.mu; handling runs unlocked so
// a reply routed back through SendText cannot deadlock.
func (e *Email) poll(ctx context.Context) error {
	msgs, err := e.fetchNew()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		e.handleInbound(ctx, m)
		e.mu.Lock()
		if m.uid > e.hwm {
			e.hwm = m.uid
		}
		e.persistMarkLocked()
		e.mu.Unlock()
	}
	return nil
}

// fetchNew connects if needed, selects INBOX, and fetches every
// message with a UID above the high-water mark.
func (e *Email) fetchNew() ([]*inboundMail, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureIMAPLocked(); err != nil {
		return nil, err
	}

	selected, err := e.imap.Select("INBOX", nil).Wait()
	if err != nil {
		// Force a reconnect on the next cycle.
		_ = e.imap.Close()
		e.imap = nil
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	if !e.seeded {
		// First run: record where the mailbox currently ends and
		// report nothing. UIDNEXT is the UID the next arrival will
		// get, so everything below it already existed before we
		// started watching.
		if selected.UIDNext > 0 {
			e.hwm = uint32(selected.UIDNext) - 1
		}
		e.seeded = true
		e.persistMarkLocked()
		e.logger.Info("email first poll, seeding high-water mark", "uid", e.hwm)
		return nil, nil
	}

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{
			{imap.UIDRange{Start: imap.UID(e.hwm + 1), Stop: 0}},
		},
	}
	found, err := e.imap.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search INBOX: %w", err)
	}

	var msgs []*inboundMail
	for _, uid := range found.AllUIDs() {
		msg, err := e.fetchMessageLocked(uid)
		if err != nil {
			e.logger.Warn("email fetch failed", "uid", uint32(uid), "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ensureIMAPLocked checks connection liveness via NOOP and reconnects
// when needed. Caller must hold e.mu.
func (e *Email) ensureIMAPLocked() error {
	if e.imap != nil {
		if err := e.imap.Noop().Wait(); err == nil {
			return nil
		}
		e.logger.Debug("email IMAP connection stale, reconnecting", "host", e.cfg.IMAPHost)
		_ = e.imap.Close()
		e.imap = nil
	}

	addr := net.JoinHostPort(e.cfg.IMAPHost, fmt.Sprintf("%d", e.cfg.IMAPPort))
	opts := imapclient.Options{
		TLSConfig: &tls.Config{ServerName: e.cfg.IMAPHost},
	}

	client, err := imapclient.DialTLS(addr, &opts)
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}
	if err := client.Login(e.cfg.Username, e.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", e.cfg.Username, err)
	}

	e.imap = client
	e.logger.Info("email IMAP connected", "host", e.cfg.IMAPHost, "user", e.cfg.Username)
	return nil
}

// inboundMail is one fetched message reduced to what the agent and
// the reply path need.
type inboundMail struct {
	uid        uint32
	from       string // display form, "Name <addr@host>"
	fromAddr   string // bare address, lowercased
	subject    string
	messageID  string
	references []string
	textBody   string
	htmlBody   string
}

// fetchMessageLocked fetches a single message with its envelope and
// full body. Caller must hold e.mu with INBOX selected.
func (e *Email) fetchMessageLocked(uid imap.UID) (*inboundMail, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(uid)

	fetchCmd := e.imap.Fetch(uidSet, &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: false}, // Handling the message means it has been read.
		},
	})

	msg := fetchCmd.Next()
	if msg == nil {
		_ = fetchCmd.Close()
		return nil, fmt.Errorf("message UID %d not found", uid)
	}

	result := &inboundMail{uid: uint32(uid)}
	var raw []byte

	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope == nil {
				continue
			}
			result.subject = data.Envelope.Subject
			result.messageID = data.Envelope.MessageID
			if len(data.Envelope.From) > 0 {
				addr := data.Envelope.From[0]
				result.fromAddr = strings.ToLower(addr.Addr())
				result.from = addr.Addr()
				if addr.Name != "" {
					result.from = fmt.Sprintf("%s <%s>", addr.Name, addr.Addr())
				}
			}
		case imapclient.FetchItemDataBodySection:
			// The literal streams from the IMAP connection and must
			// be consumed before advancing, or the body is lost.
			if data.Literal == nil {
				continue
			}
			buf, readErr := io.ReadAll(io.LimitReader(data.Literal, emailMaxRawBytes))
			_, _ = io.Copy(io.Discard, data.Literal)
			if readErr != nil {
				e.logger.Debug("email body read failed", "uid", uint32(uid), "error", readErr)
				continue
			}
			raw = buf
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch UID %d: %w", uid, err)
	}

	if raw != nil {
		if err := parseMailBody(result, bytes.NewReader(raw)); err != nil {
			e.logger.Debug("email body parse failed", "uid", uint32(uid), "error", err)
		}
	}
	return result, nil
}

// parseMailBody walks the MIME structure for text/plain and text/html
// parts and the References header, which the IMAP envelope does not
// carry.
//
// go-message may return a usable reader or part together with an
// unknown-charset error; those are kept — slightly garbled text still
// beats no text.
func parseMailBody(m *inboundMail, r io.Reader) error {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return fmt.Errorf("create mail reader: %w", err)
	}

	if refs, err := mr.Header.MsgIDList("References"); err == nil && len(refs) > 0 {
		m.references = refs
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue // attachments are not fed to the agent
		}
		contentType, _, _ := inline.ContentType()

		switch {
		case contentType == "text/plain" && m.textBody == "":
			m.textBody = readPartText(part.Body)
		case contentType == "text/html" && m.htmlBody == "":
			m.htmlBody = readPartText(part.Body)
		}
	}
	return nil
}

func readPartText(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, emailMaxBodyBytes+1))
	if err != nil {
		return ""
	}
	text := string(body)
	if len(body) > emailMaxBodyBytes {
		text = text[:emailMaxBodyBytes] + "\n\n[truncated]"
	}
	return strings.TrimSpace(text)
}

// handleInbound runs policy checks, dispatches one message to the
// inbound handler, and mails the reply back threaded onto the
// original.
func (e *Email) handleInbound(ctx context.Context, m *inboundMail) {
	if m.fromAddr == "" {
		e.logger.Info("email message blocked", "reason", "no_sender", "uid", m.uid)
		return
	}
	if !e.allowedFrom(m.fromAddr) {
		e.logger.Info("email message blocked", "reason", "sender_not_allowed", "from", m.fromAddr)
		return
	}

	text := m.textBody
	if text == "" {
		text = m.htmlBody
	}
	if strings.TrimSpace(m.subject) != "" {
		text = "Subject: " + m.subject + "\n\n" + text
	}
	if strings.TrimSpace(text) == "" {
		e.logger.Info("email message skipped", "reason", "empty_body", "uid", m.uid)
		return
	}

	sessionKey := "email:" + m.fromAddr

	smart := false
	if e.db != nil {
		if mode, err := e.db.ChannelSessionModeGet("email", sessionKey); err == nil && mode == "smart" {
			smart = true
		}
	}

	event := InboundEvent{
		Channel:    "email",
		SessionKey: sessionKey,
		SenderID:   m.fromAddr,
		PeerID:     m.fromAddr,
		MessageID:  m.messageID,
		Text:       text,
		SmartMode:  smart,
		AgentMode:  e.cfg.AgentMode,
	}

	e.mu.Lock()
	e.lastPeer = m.fromAddr
	e.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	e.setStatus(func(s *Status) { s.LastInboundAt = now })
	e.bus.Publish(events.Event{
		Source: events.SourceEmail,
		Kind:   events.KindMessageReceived,
		Data:   map[string]any{"session_key": sessionKey, "subject": m.subject},
	})

	reply, err := e.handler(ctx, event)
	if err != nil {
		e.logger.Error("email inbound handling failed", "error", err)
		e.setStatus(func(s *Status) { s.LastError = err.Error() })
		reply = "Sorry, something went wrong handling your message."
	}
	if strings.TrimSpace(reply) == "" {
		return
	}

	if err := e.sendReply(ctx, m, reply); err != nil {
		e.logger.Error("email reply failed", "to", m.fromAddr, "error", err)
		e.setStatus(func(s *Status) { s.LastError = err.Error() })
		return
	}
	e.setStatus(func(s *Status) { s.LastOutboundAt = time.Now().UTC().Format(time.RFC3339) })
}

func (e *Email) allowedFrom(addr string) bool {
	for _, item := range e.cfg.AllowFrom {
		if strings.ToLower(strings.TrimSpace(item)) == addr {
			return true
		}
	}
	return false
}

// sendReply composes a threaded reply and delivers it over SMTP.
func (e *Email) sendReply(ctx context.Context, m *inboundMail, body string) error {
	refs := m.references
	if m.messageID != "" {
		refs = append(refs, m.messageID)
	}
	draft := emailDraft{
		From:       e.fromAddress(),
		To:         []string{m.from},
		Subject:    replySubject(m.subject),
		Body:       body,
		InReplyTo:  m.messageID,
		References: refs,
	}
	return e.deliver(ctx, draft)
}

// SendText mails text to an address. An empty peerID targets the
// most recent inbound sender.
func (e *Email) SendText(ctx context.Context, peerID, text string) error {
	if peerID == "" {
		e.mu.Lock()
		peerID = e.lastPeer
		e.mu.Unlock()
	}
	if peerID == "" {
		return fmt.Errorf("no email recipient to send to")
	}
	err := e.deliver(ctx, emailDraft{
		From:    e.fromAddress(),
		To:      []string{peerID},
		Subject: "Message from PAW",
		Body:    text,
	})
	if err == nil {
		e.setStatus(func(s *Status) { s.LastOutboundAt = time.Now().UTC().Format(time.RFC3339) })
	}
	return err
}

func (e *Email) deliver(ctx context.Context, draft emailDraft) error {
	msg, err := composeEmail(draft)
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	rcpts := bareAddresses(draft.To)
	if len(rcpts) == 0 {
		return fmt.Errorf("no recipients")
	}
	return sendSMTP(ctx, e.cfg, bareAddress(draft.From), rcpts, msg)
}

func (e *Email) fromAddress() string {
	if e.cfg.Address != "" {
		return e.cfg.Address
	}
	return e.cfg.Username
}

func replySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if s == "" {
		return "Re: (no subject)"
	}
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}

func (e *Email) persistMarkLocked() {
	if e.db == nil {
		return
	}
	if err := e.db.ChannelOffsetSet("email", int64(e.hwm)); err != nil {
		e.logger.Warn("email high-water mark persist failed", "error", err)
	}
}

func (e *Email) setStatus(fn func(*Status)) {
	e.mu.Lock()
	fn(&e.status)
	st := e.status
	e.mu.Unlock()
	e.upsertRuntime(st)
}

func (e *Email) upsertRuntime(st Status) {
	if e.db == nil {
		return
	}
	err := e.db.ChannelRuntimeUpsert(db.RuntimeStatus{
		Channel:        st.Channel,
		Mode:           st.Mode,
		Running:        st.Running,
		LastError:      st.LastError,
		LastInboundAt:  st.LastInboundAt,
		LastOutboundAt: st.LastOutboundAt,
	})
	if err != nil {
		e.logger.Warn("email runtime status persist failed", "error", err)
	}
}
