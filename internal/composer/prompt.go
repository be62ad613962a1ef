// Package composer assembles the message list a chat request carries: one
// system instruction, an optional retrieved-context block, and a bounded
// recent slice of the session history. The streaming core consumes the
// result as-is; the bound is decided here, not there.
package composer

import (
	"fmt"
	"strings"

	"github.com/modeldeck/modeldeck/internal/ollama"
)

const (
	defaultHistoryLimit     = 10
	defaultMaxContextTokens = 4000
)

// Composer builds pre-trimmed chat message lists.
type Composer struct {
	// HistoryLimit is the maximum number of exchanges (a user message and
	// its assistant reply) kept from the session history, most recent
	// first.
	HistoryLimit int
	// SystemPrompt is the single system instruction prepended to every
	// request. Retrieved context, when present, is appended to it.
	SystemPrompt string
	// MaxContextTokens bounds the injected retrieved-context block.
	MaxContextTokens int
}

// New creates a Composer. Non-positive limits use the defaults.
func New(historyLimit int, systemPrompt string) *Composer {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Composer{
		HistoryLimit:     historyLimit,
		SystemPrompt:     systemPrompt,
		MaxContextTokens: defaultMaxContextTokens,
	}
}

// Compose returns the full message list for one chat request: system
// instruction (with retrieved context folded in), the most-recent-N
// exchanges from history, and the new user message last.
func (c *Composer) Compose(history []ollama.Message, userMessage string, contextSnippets []string) []ollama.Message {
	trimmed := trimHistory(history, c.HistoryLimit)

	msgs := make([]ollama.Message, 0, len(trimmed)+2)
	if sys := c.buildSystem(contextSnippets); sys != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: sys})
	}
	msgs = append(msgs, trimmed...)
	msgs = append(msgs, ollama.Message{Role: "user", Content: userMessage})
	return msgs
}

// buildSystem merges the system prompt with a retrieved-context block,
// dropping snippets that would exceed the token budget.
func (c *Composer) buildSystem(snippets []string) string {
	var sb strings.Builder
	sb.WriteString(c.SystemPrompt)

	if len(snippets) == 0 {
		return sb.String()
	}

	header := "\n\n[Retrieved Context]\n"
	remaining := c.MaxContextTokens - EstimateTokens(sb.String()) - EstimateTokens(header)

	var selected []string
	for i, s := range snippets {
		entry := fmt.Sprintf("(%d) %s\n", i+1, s)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		selected = append(selected, entry)
		remaining -= tokens
	}

	if len(selected) > 0 {
		sb.WriteString(header)
		for _, entry := range selected {
			sb.WriteString(entry)
		}
	}
	return sb.String()
}

// trimHistory keeps the last limit exchanges. An exchange starts at a user
// message; trailing system messages in history are never kept (the
// composer supplies its own).
func trimHistory(history []ollama.Message, limit int) []ollama.Message {
	var filtered []ollama.Message
	for _, m := range history {
		if m.Role == "system" {
			continue
		}
		filtered = append(filtered, m)
	}

	exchanges := 0
	start := len(filtered)
	for i := len(filtered) - 1; i >= 0; i-- {
		if filtered[i].Role == "user" {
			exchanges++
			if exchanges > limit {
				break
			}
		}
		start = i
	}
	return filtered[start:]
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
