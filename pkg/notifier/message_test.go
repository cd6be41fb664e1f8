package notifier

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestBuildMessage(t *testing.T) {
	item := &Item{ID: "5", Text: "a < b & c", Link: "https://x.com/alice/status/5"}
	msg := BuildMessage(42, "@Alice", item)

	want := "<b>New post from @alice</b>\n\na &lt; b &amp; c\n\nhttps://x.com/alice/status/5"
	if msg.Text != want {
		t.Errorf("Text = %q, want %q", msg.Text, want)
	}
	if msg.Recipient != 42 || msg.Target != "alice" || msg.ItemID != "5" {
		t.Errorf("metadata = %+v", msg)
	}
	if msg.ParseMode != ParseModeHTML || !msg.DisablePreview {
		t.Errorf("ParseMode = %q, DisablePreview = %v", msg.ParseMode, msg.DisablePreview)
	}
}

func TestBuildMessageTruncates(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "ascii", text: strings.Repeat("a", 5000)},
		{name: "entities", text: strings.Repeat("&", 3000)},
		{name: "multibyte", text: strings.Repeat("привет ", 900)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := BuildMessage(1, "bob", &Item{ID: "1", Text: tt.text, Link: "https://x.com/bob/status/1"})
			if n := utf8.RuneCountInString(msg.Text); n > MaxMessageLength {
				t.Errorf("message is %d runes, limit %d", n, MaxMessageLength)
			}
			if !strings.HasSuffix(msg.Text, "…\n\nhttps://x.com/bob/status/1") {
				t.Errorf("truncated message should end with ellipsis and link, got ...%q", msg.Text[len(msg.Text)-40:])
			}
			if strings.Contains(msg.Text, "&am…") || strings.Contains(msg.Text, "&a…") || strings.Contains(msg.Text, "&…") {
				t.Error("entity was split")
			}
		})
	}
}

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"<script>", "&lt;script&gt;"},
		{`"q" & a`, "&quot;q&quot; &amp; a"},
	}
	for _, tt := range tests {
		if got := EscapeHTML(tt.in); got != tt.want {
			t.Errorf("EscapeHTML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
