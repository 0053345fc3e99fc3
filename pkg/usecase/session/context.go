package session

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/m-mizutani/finctx/pkg/model"
)

// NoConversation is returned by RecentContext for a session without history
const NoConversation = "No previous conversation."

// RecentContext renders up to maxMessages recent messages (all when
// maxMessages <= 0) as "Role: content" lines, oldest first. Lines are taken
// from the newest backwards and the scan stops at the first line that would
// push the total, including newline separators, over maxChars characters.
func (x *Store) RecentContext(ctx context.Context, id model.SessionID, maxMessages, maxChars int) string {
	history := x.History(ctx, id, maxMessages)
	if len(history) == 0 {
		return emptyContext(maxChars)
	}

	var lines []string
	total := 0
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		line := msg.Role.Title() + ": " + msg.Content

		size := utf8.RuneCountInString(line)
		if len(lines) > 0 {
			size++ // newline separator
		}
		if total+size > maxChars {
			break
		}

		lines = append(lines, line)
		total += size
	}

	// reverse into chronological order
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

func emptyContext(maxChars int) string {
	if utf8.RuneCountInString(NoConversation) > maxChars {
		return ""
	}
	return NoConversation
}
