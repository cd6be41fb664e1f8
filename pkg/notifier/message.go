package notifier

import (
	"strings"
	"unicode/utf8"
)

// Telegram limits.
const (
	ParseModeHTML    = "HTML"
	MaxMessageLength = 4096
)

const ellipsis = "…"

// Message is one outbound notification for one recipient.
type Message struct {
	Target         string     `json:"target"`
	ItemID         string     `json:"item_id"`
	Link           string     `json:"link"`
	Text           string     `json:"text"`
	ParseMode      string     `json:"parse_mode"`
	Recipient      Subscriber `json:"recipient"`
	DisablePreview bool       `json:"disable_preview"`
}

// BuildMessage renders the notification for item. The body is HTML:
// a bold header naming the target, the escaped item text and the link.
// Item text is shortened so the whole message fits MaxMessageLength.
func BuildMessage(recipient Subscriber, target string, item *Item) *Message {
	target = Canonicalize(target)
	header := "<b>New post from @" + EscapeHTML(target) + "</b>"
	link := EscapeHTML(item.Link)

	budget := MaxMessageLength - utf8.RuneCountInString(header) - utf8.RuneCountInString(link) - 4
	body := truncateEscaped(strings.TrimSpace(item.Text), budget)

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")
	b.WriteString(body)
	b.WriteString("\n\n")
	b.WriteString(link)

	return &Message{
		Recipient:      recipient,
		Target:         target,
		ItemID:         item.ID,
		Link:           item.Link,
		Text:           b.String(),
		ParseMode:      ParseModeHTML,
		DisablePreview: true,
	}
}

// EscapeHTML escapes the characters Telegram's HTML mode treats as markup.
func EscapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

// truncateEscaped escapes s and cuts it to at most budget runes, never
// splitting an entity.
func truncateEscaped(s string, budget int) string {
	escaped := EscapeHTML(s)
	if utf8.RuneCountInString(escaped) <= budget {
		return escaped
	}
	if budget <= 0 {
		return ""
	}

	limit := budget - utf8.RuneCountInString(ellipsis)
	var b strings.Builder
	n := 0
	for _, r := range s {
		chunk := EscapeHTML(string(r))
		size := utf8.RuneCountInString(chunk)
		if n+size > limit {
			break
		}
		b.WriteString(chunk)
		n += size
	}
	return strings.TrimRightFunc(b.String(), func(r rune) bool { return r == ' ' || r == '\n' }) + ellipsis
}
