package session

import "strings"

const titleMaxLen = 50

// titleFromMessage derives a conversation title from its first user
// message: first line, trimmed, truncated to titleMaxLen runes.
func titleFromMessage(message string) string {
	title := message
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "New Conversation"
	}

	runes := []rune(title)
	if len(runes) > titleMaxLen {
		return string(runes[:titleMaxLen]) + "..."
	}
	return title
}
