package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"

	"github.com/pawhq/paw/internal/config"
	"github.com/pawhq/paw/internal/db"
	"github.com/pawhq/paw/internal/events"
	"github.com/pawhq/paw/internal/httpkit"
)

const (
	telegramDefaultAPIBase = "https://api.telegram.org"
	telegramDedupeKeep     = 5000
)

// Telegram is a polling-mode Telegram bot provider. One long-poll
// loop serializes its own updates; offsets and dedupe keys persist so
// restarts neither replay nor drop messages.
type Telegram struct {
	cfg     config.TelegramConfig
	db      *db.DB
	handler InboundHandler
	bus     *events.Bus
	logger  *slog.Logger
	client  *http.Client
	md      goldmark.Markdown

	mu          sync.Mutex
	status      Status
	offset      int64
	botUsername string
	lastChatID  string
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewTelegram creates the provider. handler is invoked for every
// accepted inbound message.
func NewTelegram(cfg config.TelegramConfig, database *db.DB, handler InboundHandler, bus *events.Bus, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeoutSec <= 0 {
		cfg.PollTimeoutSec = 25
	}
	if cfg.RetryDelaySec <= 0 {
		cfg.RetryDelaySec = 3
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 3500
	}
	return &Telegram{
		cfg:     cfg,
		db:      database,
		handler: handler,
		bus:     bus,
		logger:  logger,
		client: httpkit.NewClient(
			httpkit.WithTimeout(time.Duration(cfg.PollTimeoutSec+10) * time.Second),
		),
		md: goldmark.New(),
		status: Status{
			Channel: "telegram",
			Mode:    "polling",
			Enabled: cfg.Enabled && strings.TrimSpace(cfg.BotToken) != "",
		},
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Enabled() bool {
	return t.cfg.Enabled && strings.TrimSpace(t.cfg.BotToken) != ""
}

// Status returns a snapshot of the provider's runtime state.
func (t *Telegram) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Telegram) apiBase() string {
	base := t.cfg.APIBase
	if base == "" {
		base = telegramDefaultAPIBase
	}
	return strings.TrimRight(base, "/") + "/bot" + strings.TrimSpace(t.cfg.BotToken)
}

// Start loads persisted poll state and launches the poll loop.
func (t *Telegram) Start(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	if t.cfg.DMPolicy == "allowlist" && len(t.cfg.AllowFrom) == 0 && !t.cfg.PairingEnabled {
		t.logger.Warn("telegram dm_policy=allowlist with empty allow_from blocks all DMs")
	}

	if t.db != nil {
		if offset, ok, err := t.db.ChannelOffsetGet("telegram"); err != nil {
			return fmt.Errorf("load telegram offset: %w", err)
		} else if ok {
			t.offset = offset
		}
		if err := t.db.ChannelDedupePrune("telegram", telegramDedupeKeep); err != nil {
			t.logger.Warn("telegram dedupe prune failed", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.setStatus(func(s *Status) { s.Running = true })

	go t.pollLoop(ctx)
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (t *Telegram) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.setStatus(func(s *Status) { s.Running = false })
}

func (t *Telegram) pollLoop(ctx context.Context) {
	defer close(t.done)

	t.loadBotIdentity(ctx)

	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("telegram poll error", "error", err)
			t.setStatus(func(s *Status) { s.LastError = err.Error() })
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(t.cfg.RetryDelaySec) * time.Second):
			}
			continue
		}
		for _, update := range updates {
			t.processUpdate(ctx, update)
		}
	}
}

func (t *Telegram) loadBotIdentity(ctx context.Context) {
	var payload struct {
		OK     bool `json:"ok"`
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := t.apiGet(ctx, "/getMe", nil, &payload); err != nil {
		t.logger.Warn("telegram getMe failed", "error", err)
		return
	}
	if u := strings.TrimSpace(payload.Result.Username); u != "" {
		t.mu.Lock()
		t.botUsername = strings.ToLower(u)
		t.mu.Unlock()
	}
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		ThreadID  int64 `json:"message_thread_id"`
		Text      string `json:"text"`
		From      *struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"chat"`
	} `json:"message"`
}

func (t *Telegram) getUpdates(ctx context.Context) ([]telegramUpdate, error) {
	var payload struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	params := url.Values{
		"offset":  {strconv.FormatInt(t.offset, 10)},
		"timeout": {strconv.Itoa(t.cfg.PollTimeoutSec)},
	}
	if err := t.apiGet(ctx, "/getUpdates", params, &payload); err != nil {
		return nil, err
	}
	if !payload.OK {
		return nil, fmt.Errorf("telegram getUpdates not ok")
	}
	return payload.Result, nil
}

// advance commits the poll offset past an update and records its
// dedupe key.
func (t *Telegram) advance(updateID int64) {
	if updateID+1 > t.offset {
		t.offset = updateID + 1
	}
	if t.db == nil {
		return
	}
	if err := t.db.ChannelOffsetSet("telegram", t.offset); err != nil {
		t.logger.Warn("telegram offset persist failed", "error", err)
	}
	if err := t.db.ChannelDedupeAdd("telegram", fmt.Sprintf("u:%d", updateID)); err != nil {
		t.logger.Warn("telegram dedupe persist failed", "error", err)
	}
}

func (t *Telegram) processUpdate(ctx context.Context, update telegramUpdate) {
	if t.db != nil {
		seen, err := t.db.ChannelDedupeExists("telegram", fmt.Sprintf("u:%d", update.UpdateID))
		if err != nil {
			t.logger.Warn("telegram dedupe lookup failed", "error", err)
		}
		if seen {
			if update.UpdateID+1 > t.offset {
				t.offset = update.UpdateID + 1
			}
			return
		}
	}

	msg := update.Message
	if msg == nil {
		t.advance(update.UpdateID)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		t.advance(update.UpdateID)
		return
	}

	chatType := msg.Chat.Type
	if chatType == "" {
		chatType = "private"
	}
	senderID := ""
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if chatType == "private" && t.cfg.PairingEnabled && strings.HasPrefix(text, "/pair") {
		t.handlePairing(ctx, chatID, senderID, text)
		t.advance(update.UpdateID)
		return
	}

	if !t.allowedSender(senderID, chatType) {
		t.logger.Info("telegram message blocked",
			"reason", "sender_not_allowed", "chat_type", chatType, "sender_id", senderID)
		t.advance(update.UpdateID)
		return
	}

	if chatType != "private" {
		if !t.cfg.GroupsEnabled {
			t.logger.Info("telegram message blocked", "reason", "groups_disabled")
			t.advance(update.UpdateID)
			return
		}
		if t.cfg.RequireMention && !t.hasBotMention(text) {
			t.logger.Info("telegram message blocked", "reason", "mention_required")
			t.advance(update.UpdateID)
			return
		}
	}

	sessionKey := t.sessionKey(chatID, chatType, msg.ThreadID)

	smart := false
	if t.db != nil {
		if mode, err := t.db.ChannelSessionModeGet("telegram", sessionKey); err == nil && mode == "smart" {
			smart = true
		}
	}

	event := InboundEvent{
		Channel:    "telegram",
		SessionKey: sessionKey,
		SenderID:   senderID,
		PeerID:     chatID,
		MessageID:  strconv.FormatInt(msg.MessageID, 10),
		Text:       text,
		Model:      t.cfg.Model,
		SmartMode:  smart,
		AgentMode:  t.cfg.AgentMode,
	}
	if msg.ThreadID != 0 {
		event.ThreadID = strconv.FormatInt(msg.ThreadID, 10)
	}

	t.mu.Lock()
	t.lastChatID = chatID
	t.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	t.setStatus(func(s *Status) { s.LastInboundAt = now })
	t.bus.Publish(events.Event{
		Source: events.SourceTelegram,
		Kind:   events.KindMessageReceived,
		Data:   map[string]any{"session_key": sessionKey, "chat_type": chatType},
	})

	reply, err := t.handler(ctx, event)
	if err != nil {
		t.logger.Error("telegram inbound handling failed", "error", err)
		t.setStatus(func(s *Status) { s.LastError = err.Error() })
		reply = "Sorry, something went wrong handling that message."
	}

	t.sendChunked(ctx, msg.Chat.ID, msg.ThreadID, reply)
	t.setStatus(func(s *Status) { s.LastOutboundAt = time.Now().UTC().Format(time.RFC3339) })

	t.advance(update.UpdateID)
}

// handlePairing claims a "/pair <code>" request from an unpaired DM.
func (t *Telegram) handlePairing(ctx context.Context, chatID, senderID, text string) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		t.replyTo(ctx, chatID, "Usage: /pair <code>")
		return
	}
	if t.db == nil {
		t.replyTo(ctx, chatID, "Pairing is not available.")
		return
	}

	code := strings.ToUpper(fields[1])
	ok, err := t.db.PairingClaim("telegram", code, senderID)
	if err != nil {
		t.logger.Error("telegram pairing claim failed", "error", err)
		t.replyTo(ctx, chatID, "Pairing failed, try again later.")
		return
	}
	if !ok {
		t.replyTo(ctx, chatID, "That code is invalid, expired, or already used.")
		return
	}
	t.logger.Info("telegram sender paired", "sender_id", senderID)
	t.replyTo(ctx, chatID, "Paired. You can talk to me now.")
}

func (t *Telegram) replyTo(ctx context.Context, chatID, text string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return
	}
	t.sendChunked(ctx, id, 0, text)
}

func (t *Telegram) allowedSender(senderID, chatType string) bool {
	if chatType == "private" {
		switch t.cfg.DMPolicy {
		case "disabled":
			return false
		case "open":
			return true
		}
	}

	if t.inAllowlist(senderID) {
		return true
	}
	if chatType == "private" && t.cfg.PairingEnabled && t.db != nil {
		paired, err := t.db.PairingAllowed("telegram", senderID)
		if err != nil {
			t.logger.Warn("telegram pairing lookup failed", "error", err)
			return false
		}
		return paired
	}
	return false
}

func (t *Telegram) inAllowlist(senderID string) bool {
	sender := strings.ToLower(strings.TrimSpace(senderID))
	for _, item := range t.cfg.AllowFrom {
		if strings.ToLower(strings.TrimSpace(item)) == sender && sender != "" {
			return true
		}
	}
	return false
}

func (t *Telegram) hasBotMention(text string) bool {
	t.mu.Lock()
	username := t.botUsername
	t.mu.Unlock()
	if username == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), "@"+username)
}

// sessionKey pins each DM, group, or group topic to its own durable
// conversation.
func (t *Telegram) sessionKey(chatID, chatType string, threadID int64) string {
	if chatType == "private" {
		return "telegram:" + chatID
	}
	if threadID != 0 {
		return fmt.Sprintf("telegram:group:%s:thread:%d", chatID, threadID)
	}
	return "telegram:group:" + chatID
}

// SendText delivers text to a chat. An empty peerID targets the most
// recent inbound chat.
func (t *Telegram) SendText(ctx context.Context, peerID, text string) error {
	if peerID == "" {
		t.mu.Lock()
		peerID = t.lastChatID
		t.mu.Unlock()
	}
	if peerID == "" {
		return fmt.Errorf("no telegram peer to send to")
	}
	chatID, err := strconv.ParseInt(peerID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram peer id %q: %w", peerID, err)
	}
	t.sendChunked(ctx, chatID, 0, text)
	return nil
}

// sendChunked splits long replies to fit Telegram's message limit and
// sends them in order.
func (t *Telegram) sendChunked(ctx context.Context, chatID, threadID int64, text string) {
	content := strings.TrimSpace(text)
	if content == "" {
		content = "(empty response)"
	}

	// MaxMessageChars counts characters, so chunk by runes to avoid
	// splitting a multi-byte sequence mid-message.
	runes := []rune(content)
	for start := 0; start < len(runes); start += t.cfg.MaxMessageChars {
		end := start + t.cfg.MaxMessageChars
		if end > len(runes) {
			end = len(runes)
		}
		t.sendMessage(ctx, chatID, threadID, string(runes[start:end]))
	}
}

func (t *Telegram) sendMessage(ctx context.Context, chatID, threadID int64, chunk string) {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     chunk,
		"disable_web_page_preview": true,
	}
	if threadID != 0 {
		payload["message_thread_id"] = threadID
	}
	if t.cfg.RenderHTML {
		if html, err := t.renderHTML(chunk); err == nil {
			payload["text"] = html
			payload["parse_mode"] = "HTML"
		}
	}

	if err := t.apiPost(ctx, "/sendMessage", payload); err != nil {
		if _, hasMode := payload["parse_mode"]; hasMode {
			// HTML rejected (usually unbalanced tags from chunking);
			// resend as plain text.
			delete(payload, "parse_mode")
			payload["text"] = chunk
			if err := t.apiPost(ctx, "/sendMessage", payload); err != nil {
				t.logger.Warn("telegram send failed", "error", err)
			}
			return
		}
		t.logger.Warn("telegram send failed", "error", err)
	}
}

// renderHTML converts markdown reply text to Telegram-safe HTML.
func (t *Telegram) renderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := t.md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	html := buf.String()

	// Telegram supports a small inline tag set only.
	replacer := strings.NewReplacer(
		"<p>", "", "</p>", "\n",
		"<ul>", "", "</ul>", "",
		"<ol>", "", "</ol>", "",
		"<li>", "• ", "</li>", "\n",
		"<h1>", "<b>", "</h1>", "</b>\n",
		"<h2>", "<b>", "</h2>", "</b>\n",
		"<h3>", "<b>", "</h3>", "</b>\n",
		"<strong>", "<b>", "</strong>", "</b>",
		"<em>", "<i>", "</em>", "</i>",
	)
	return strings.TrimSpace(replacer.Replace(html)), nil
}

func (t *Telegram) apiGet(ctx context.Context, method string, params url.Values, out any) error {
	u := t.apiBase() + method
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API %s: %d: %s", method, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *Telegram) apiPost(ctx context.Context, method string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", t.apiBase()+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telegram API %s: %d: %s", method, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	return nil
}

func (t *Telegram) setStatus(mutate func(*Status)) {
	t.mu.Lock()
	mutate(&t.status)
	snapshot := t.status
	t.mu.Unlock()

	if t.db == nil {
		return
	}
	err := t.db.ChannelRuntimeUpsert(db.RuntimeStatus{
		Channel:        "telegram",
		Mode:           snapshot.Mode,
		Running:        snapshot.Running,
		LastError:      snapshot.LastError,
		LastInboundAt:  snapshot.LastInboundAt,
		LastOutboundAt: snapshot.LastOutboundAt,
	})
	if err != nil {
		t.logger.Warn("telegram runtime persist failed", "error", err)
	}
}
