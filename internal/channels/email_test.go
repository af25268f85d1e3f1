package channels

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pawhq/paw/internal/config"
)

func TestPlainFromMarkdown(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"bold", "This is **bold** text", "This is bold text"},
		{"italic", "This is *italic* text", "This is italic text"},
		{"link", "Visit [Example](https://example.com) now", "Visit Example (https://example.com) now"},
		{"heading", "## Section\n\nBody", "Section\n\nBody"},
		{"inline code", "Run `go doc` first", "Run go doc first"},
		{"image", "See ![diagram](https://x/img.png) here", "See diagram here"},
		{"lists preserved", "- one\n- two", "- one\n- two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := plainFromMarkdown(tt.md); got != tt.want {
				t.Errorf("plainFromMarkdown(%q) = %q, want %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestBareAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice@example.com", "alice@example.com"},
		{"Alice <alice@example.com>", "alice@example.com"},
		{"  bob@example.com  ", "bob@example.com"},
	}
	for _, tt := range tests {
		if got := bareAddress(tt.in); got != tt.want {
			t.Errorf("bareAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBareAddressesDedupes(t *testing.T) {
	got := bareAddresses([]string{"Alice <a@x>", "a@x", "b@x"})
	if len(got) != 2 || got[0] != "a@x" || got[1] != "b@x" {
		t.Errorf("bareAddresses = %v, want [a@x b@x]", got)
	}
}

func TestReplySubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Status update", "Re: Status update"},
		{"Re: Status update", "Re: Status update"},
		{"RE: shouting", "RE: shouting"},
		{"", "Re: (no subject)"},
	}
	for _, tt := range tests {
		if got := replySubject(tt.in); got != tt.want {
			t.Errorf("replySubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEmailAllowedFrom(t *testing.T) {
	e := NewEmail(config.EmailConfig{
		AllowFrom: []string{"Alice@Example.com", " bob@example.com "},
	}, nil, nil, nil, nil)

	if !e.allowedFrom("alice@example.com") {
		t.Error("allowedFrom should match case-insensitively")
	}
	if !e.allowedFrom("bob@example.com") {
		t.Error("allowedFrom should trim whitespace in config entries")
	}
	if e.allowedFrom("mallory@example.com") {
		t.Error("allowedFrom should reject unknown senders")
	}

	empty := NewEmail(config.EmailConfig{}, nil, nil, nil, nil)
	if empty.allowedFrom("alice@example.com") {
		t.Error("empty allow_from should reject everyone")
	}
}

// Composing a reply and parsing it back exercises the same MIME walk
// the inbound path uses on real mail.
func TestComposeEmailRoundTrip(t *testing.T) {
	raw, err := composeEmail(emailDraft{
		From:       "PAW <paw@example.com>",
		To:         []string{"Alice <alice@example.com>"},
		Subject:    "Re: Plans",
		Body:       "All **set** for tomorrow.",
		InReplyTo:  "<parent@example.com>",
		References: []string{"<root@example.com>", "<parent@example.com>"},
	})
	if err != nil {
		t.Fatalf("composeEmail: %v", err)
	}

	msg := string(raw)
	for _, want := range []string{
		"Subject: Re: Plans",
		"paw@example.com",
		"In-Reply-To: <parent@example.com>",
		"multipart/alternative",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}

	var parsed inboundMail
	if err := parseMailBody(&parsed, bytes.NewReader(raw)); err != nil {
		t.Fatalf("parseMailBody: %v", err)
	}
	if parsed.textBody != "All set for tomorrow." {
		t.Errorf("textBody = %q", parsed.textBody)
	}
	if !strings.Contains(parsed.htmlBody, "<strong>set</strong>") {
		t.Errorf("htmlBody = %q, want rendered bold", parsed.htmlBody)
	}
	if len(parsed.references) != 2 || parsed.references[1] != "parent@example.com" {
		t.Errorf("references = %v", parsed.references)
	}
}

func TestComposeEmailBadAddress(t *testing.T) {
	_, err := composeEmail(emailDraft{
		From: "not an address",
		To:   []string{"alice@example.com"},
	})
	if err == nil {
		t.Error("composeEmail should reject an unparseable From")
	}
}

func TestHTMLFromMarkdownEnvelope(t *testing.T) {
	html, err := htmlFromMarkdown("Hello **world**")
	if err != nil {
		t.Fatalf("htmlFromMarkdown: %v", err)
	}
	if !strings.Contains(html, "<strong>world</strong>") {
		t.Error("missing rendered bold")
	}
	if !strings.Contains(html, "<!DOCTYPE html>") {
		t.Error("missing HTML envelope")
	}
	if strings.Contains(html, "http://") || strings.Contains(html, "https://") {
		t.Error("envelope should reference no external resources")
	}
}
