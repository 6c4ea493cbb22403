// Package agent – prompt.go assembles the chat completion request from the
// configured instructions, the stored conversation window and the incoming
// message, and matches canned replies that short-circuit the model call.
package agent

import (
	"fmt"
	"strings"
)

// buildPromptMessages produces the ordered message list for a completion:
// system instructions first, then up to contextN stored messages oldest
// first, then the incoming text as the final user message.
//
// When the combined content exceeds maxChars, context messages are dropped
// oldest first until it fits. The system message and the incoming message
// are never dropped, so a single oversized incoming message may still exceed
// the budget.
func buildPromptMessages(instructions, contactName string, history []Message, incoming string, contextN, maxChars int) []chatMessage {
	if contextN > 0 && len(history) > contextN {
		history = history[len(history)-contextN:]
	}

	system := instructions
	if contactName != "" {
		system = fmt.Sprintf("%s\n\nYou are currently replying to %s.", instructions, contactName)
	}

	messages := make([]chatMessage, 0, len(history)+2)
	messages = append(messages, chatMessage{Role: "system", Content: system})
	for _, m := range history {
		messages = append(messages, chatMessage{Role: roleFor(m.Direction), Content: m.Text})
	}
	messages = append(messages, chatMessage{Role: "user", Content: incoming})

	if maxChars > 0 {
		messages = truncateToBudget(messages, maxChars)
	}
	return messages
}

func roleFor(dir Direction) string {
	if dir == DirectionOutgoing {
		return "assistant"
	}
	return "user"
}

// truncateToBudget drops context messages oldest first (index 1 onward,
// keeping the first and last messages) until the total content length fits.
func truncateToBudget(messages []chatMessage, maxChars int) []chatMessage {
	for promptChars(messages) > maxChars && len(messages) > 2 {
		messages = append(messages[:1], messages[2:]...)
	}
	return messages
}

func promptChars(messages []chatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total
}

// matchCannedReply checks the incoming text against the configured canned
// replies. Matching is exact after normalization, so "Thanks!" triggers the
// gratitude reply but "thanks for nothing" does not.
func matchCannedReply(replies []CannedReply, text string) (string, bool) {
	normalized := normalizeKeyword(text)
	if normalized == "" {
		return "", false
	}
	for _, r := range replies {
		for _, kw := range r.Keywords {
			if normalizeKeyword(kw) == normalized {
				return r.Reply, true
			}
		}
	}
	return "", false
}

// normalizeKeyword lowercases, trims whitespace and strips trailing
// punctuation so keyword matching ignores "Thanks!!" style decoration.
func normalizeKeyword(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".!?, ")
}
