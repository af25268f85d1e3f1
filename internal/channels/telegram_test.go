package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/pawhq/paw/internal/config"
	"github.com/pawhq/paw/internal/db"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "paw.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// telegramAPIRecorder captures sendMessage payloads posted to a fake
// Bot API server.
type telegramAPIRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *telegramAPIRecorder) serve(w http.ResponseWriter, req *http.Request) {
	if strings.HasSuffix(req.URL.Path, "/sendMessage") {
		var payload map[string]any
		_ = json.NewDecoder(req.Body).Decode(&payload)
		text, _ := payload["text"].(string)
		r.mu.Lock()
		r.texts = append(r.texts, text)
		r.mu.Unlock()
	}
	fmt.Fprint(w, `{"ok":true,"result":{}}`)
}

func (r *telegramAPIRecorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func newTestTelegram(t *testing.T, cfg config.TelegramConfig, handler InboundHandler) (*Telegram, *telegramAPIRecorder, *db.DB) {
	t.Helper()
	recorder := &telegramAPIRecorder{}
	server := httptest.NewServer(http.HandlerFunc(recorder.serve))
	t.Cleanup(server.Close)

	cfg.Enabled = true
	cfg.BotToken = "TEST"
	cfg.APIBase = server.URL
	database := newTestDB(t)
	return NewTelegram(cfg, database, handler, nil, nil), recorder, database
}

func mustUpdate(t *testing.T, raw string) telegramUpdate {
	t.Helper()
	var u telegramUpdate
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	return u
}

func TestTelegramSessionKey(t *testing.T) {
	tg := &Telegram{}

	cases := []struct {
		name     string
		chatID   string
		chatType string
		threadID int64
		want     string
	}{
		{"dm", "42", "private", 0, "telegram:42"},
		{"group", "-100", "supergroup", 0, "telegram:group:-100"},
		{"topic", "-100", "supergroup", 7, "telegram:group:-100:thread:7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tg.sessionKey(tc.chatID, tc.chatType, tc.threadID); got != tc.want {
				t.Errorf("sessionKey = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTelegramAllowedSender(t *testing.T) {
	cases := []struct {
		name     string
		cfg      config.TelegramConfig
		senderID string
		chatType string
		want     bool
	}{
		{"dm open", config.TelegramConfig{DMPolicy: "open"}, "1", "private", true},
		{"dm disabled", config.TelegramConfig{DMPolicy: "disabled"}, "1", "private", false},
		{"dm allowlist hit", config.TelegramConfig{DMPolicy: "allowlist", AllowFrom: []string{"1"}}, "1", "private", true},
		{"dm allowlist miss", config.TelegramConfig{DMPolicy: "allowlist", AllowFrom: []string{"2"}}, "1", "private", false},
		{"group allowlist hit", config.TelegramConfig{DMPolicy: "open", AllowFrom: []string{"1"}}, "1", "supergroup", true},
		{"group allowlist miss", config.TelegramConfig{DMPolicy: "open", AllowFrom: []string{"2"}}, "1", "supergroup", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tg := NewTelegram(tc.cfg, nil, nil, nil, nil)
			if got := tg.allowedSender(tc.senderID, tc.chatType); got != tc.want {
				t.Errorf("allowedSender = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTelegramProcessUpdateDeliversAndDedupes(t *testing.T) {
	var mu sync.Mutex
	var events []InboundEvent
	handler := func(ctx context.Context, event InboundEvent) (string, error) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
		return "hello back", nil
	}

	tg, recorder, database := newTestTelegram(t, config.TelegramConfig{DMPolicy: "open"}, handler)

	update := mustUpdate(t, `{
		"update_id": 10,
		"message": {
			"message_id": 1,
			"text": "hi there",
			"from": {"id": 42},
			"chat": {"id": 42, "type": "private"}
		}
	}`)

	tg.processUpdate(context.Background(), update)
	tg.processUpdate(context.Background(), update) // replayed update must be ignored

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("handler called %d times, want 1", len(events))
	}
	got := events[0]
	if got.Channel != "telegram" || got.SessionKey != "telegram:42" || got.Text != "hi there" {
		t.Errorf("event = %+v", got)
	}
	if sent := recorder.sent(); len(sent) != 1 || sent[0] != "hello back" {
		t.Errorf("sent = %v, want [hello back]", sent)
	}

	// Offset moves past the update and survives restart.
	if tg.offset != 11 {
		t.Errorf("offset = %d, want 11", tg.offset)
	}
	offset, ok, err := database.ChannelOffsetGet("telegram")
	if err != nil || !ok || offset != 11 {
		t.Errorf("persisted offset = %d ok=%v err=%v, want 11", offset, ok, err)
	}
}

func TestTelegramProcessUpdateBlockedSender(t *testing.T) {
	called := false
	handler := func(ctx context.Context, event InboundEvent) (string, error) {
		called = true
		return "", nil
	}
	tg, recorder, _ := newTestTelegram(t, config.TelegramConfig{DMPolicy: "disabled"}, handler)

	tg.processUpdate(context.Background(), mustUpdate(t, `{
		"update_id": 5,
		"message": {
			"message_id": 1,
			"text": "hi",
			"from": {"id": 7},
			"chat": {"id": 7, "type": "private"}
		}
	}`))

	if called {
		t.Error("handler called for blocked sender")
	}
	if len(recorder.sent()) != 0 {
		t.Errorf("sent = %v, want none", recorder.sent())
	}
	if tg.offset != 6 {
		t.Errorf("offset = %d, want 6 (blocked updates are still acknowledged)", tg.offset)
	}
}

func TestTelegramGroupRequiresMention(t *testing.T) {
	var got []string
	handler := func(ctx context.Context, event InboundEvent) (string, error) {
		got = append(got, event.Text)
		return "ok", nil
	}
	tg, _, _ := newTestTelegram(t, config.TelegramConfig{
		DMPolicy:       "open",
		AllowFrom:      []string{"7"},
		GroupsEnabled:  true,
		RequireMention: true,
	}, handler)
	tg.botUsername = "pawbot"

	groupMsg := `{
		"update_id": %d,
		"message": {
			"message_id": 1,
			"text": %q,
			"from": {"id": 7},
			"chat": {"id": -500, "type": "supergroup"}
		}
	}`
	tg.processUpdate(context.Background(), mustUpdate(t, fmt.Sprintf(groupMsg, 1, "no mention here")))
	tg.processUpdate(context.Background(), mustUpdate(t, fmt.Sprintf(groupMsg, 2, "@pawbot ping")))

	if len(got) != 1 || got[0] != "@pawbot ping" {
		t.Errorf("handled texts = %v, want only the mention", got)
	}
}

func TestTelegramPairingFlow(t *testing.T) {
	handler := func(ctx context.Context, event InboundEvent) (string, error) {
		return "welcome", nil
	}
	tg, recorder, database := newTestTelegram(t, config.TelegramConfig{
		DMPolicy:       "allowlist",
		PairingEnabled: true,
	}, handler)

	if err := database.PairingCodeAdd("telegram", "A1B2C3", time.Minute); err != nil {
		t.Fatalf("PairingCodeAdd: %v", err)
	}

	dm := `{
		"update_id": %d,
		"message": {
			"message_id": 1,
			"text": %q,
			"from": {"id": 99},
			"chat": {"id": 99, "type": "private"}
		}
	}`

	// Unpaired sender is blocked.
	tg.processUpdate(context.Background(), mustUpdate(t, fmt.Sprintf(dm, 1, "hello?")))
	if len(recorder.sent()) != 0 {
		t.Fatalf("unpaired sender got a reply: %v", recorder.sent())
	}

	// Pairing claims the code, lowercase input included.
	tg.processUpdate(context.Background(), mustUpdate(t, fmt.Sprintf(dm, 2, "/pair a1b2c3")))
	sent := recorder.sent()
	if len(sent) != 1 || sent[0] != "Paired. You can talk to me now." {
		t.Fatalf("pairing reply = %v", sent)
	}

	// Paired sender now gets through to the handler.
	tg.processUpdate(context.Background(), mustUpdate(t, fmt.Sprintf(dm, 3, "hello again")))
	sent = recorder.sent()
	if len(sent) != 2 || sent[1] != "welcome" {
		t.Fatalf("post-pairing replies = %v", sent)
	}

	// The code is single-use.
	ok, err := database.PairingClaim("telegram", "A1B2C3", "other")
	if err != nil || ok {
		t.Errorf("reused code claim ok=%v err=%v, want false", ok, err)
	}
}

func TestTelegramSendChunked(t *testing.T) {
	tg, recorder, _ := newTestTelegram(t, config.TelegramConfig{MaxMessageChars: 5}, nil)

	tg.sendChunked(context.Background(), 1, 0, "abcdefghij")
	if sent := recorder.sent(); len(sent) != 2 || sent[0] != "abcde" || sent[1] != "fghij" {
		t.Errorf("sent = %v, want [abcde fghij]", sent)
	}
}

func TestTelegramSendChunkedMultibyte(t *testing.T) {
	tg, recorder, _ := newTestTelegram(t, config.TelegramConfig{MaxMessageChars: 3}, nil)

	tg.sendChunked(context.Background(), 1, 0, "ééééé")
	sent := recorder.sent()
	if len(sent) != 2 || sent[0] != "ééé" || sent[1] != "éé" {
		t.Errorf("sent = %q, want [ééé éé]", sent)
	}
	if got := strings.Join(sent, ""); got != "ééééé" {
		t.Errorf("reassembled = %q, want original text intact", got)
	}
	for _, chunk := range sent {
		if strings.ContainsRune(chunk, utf8.RuneError) {
			t.Errorf("chunk %q contains replacement character", chunk)
		}
	}
}

func TestTelegramSendChunkedEmptyFallback(t *testing.T) {
	tg, recorder, _ := newTestTelegram(t, config.TelegramConfig{}, nil)

	tg.sendChunked(context.Background(), 1, 0, "   ")
	if sent := recorder.sent(); len(sent) != 1 || sent[0] != "(empty response)" {
		t.Errorf("sent = %v, want [(empty response)]", sent)
	}
}

func TestTelegramRenderHTML(t *testing.T) {
	tg := NewTelegram(config.TelegramConfig{}, nil, nil, nil, nil)

	cases := []struct {
		md   string
		want string
	}{
		{"**bold** move", "<b>bold</b> move"},
		{"*lean* in", "<i>lean</i> in"},
		{"# Title", "<b>Title</b>"},
		{"- one\n- two", "• one\n\n• two"},
	}
	for _, tc := range cases {
		got, err := tg.renderHTML(tc.md)
		if err != nil {
			t.Fatalf("renderHTML(%q): %v", tc.md, err)
		}
		if got != tc.want {
			t.Errorf("renderHTML(%q) = %q, want %q", tc.md, got, tc.want)
		}
	}
}

func TestTelegramSendTextFallsBackToLastChat(t *testing.T) {
	tg, recorder, _ := newTestTelegram(t, config.TelegramConfig{}, nil)

	if err := tg.SendText(context.Background(), "", "orphan"); err == nil {
		t.Error("SendText with no known peer should error")
	}

	tg.lastChatID = "77"
	if err := tg.SendText(context.Background(), "", "found you"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if sent := recorder.sent(); len(sent) != 1 || sent[0] != "found you" {
		t.Errorf("sent = %v", sent)
	}
}
