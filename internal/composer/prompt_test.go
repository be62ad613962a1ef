package composer

import (
	"strings"
	"testing"

	"github.com/modeldeck/modeldeck/internal/ollama"
)

func exchange(user, assistant string) []ollama.Message {
	return []ollama.Message{
		{Role: "user", Content: user},
		{Role: "assistant", Content: assistant},
	}
}

func TestComposeBasicShape(t *testing.T) {
	c := New(10, "You are a helpful assistant.")

	msgs := c.Compose(exchange("hi", "hello"), "how are you?", nil)

	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "You are a helpful assistant." {
		t.Errorf("first message = %+v, want system prompt", msgs[0])
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" || last.Content != "how are you?" {
		t.Errorf("last message = %+v, want new user message", last)
	}
}

func TestComposeNoSystemPrompt(t *testing.T) {
	c := New(10, "")
	msgs := c.Compose(nil, "hi", nil)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("msgs = %+v, want single user message", msgs)
	}
}

func TestComposeTrimsHistory(t *testing.T) {
	c := New(2, "sys")

	var history []ollama.Message
	history = append(history, exchange("first", "a1")...)
	history = append(history, exchange("second", "a2")...)
	history = append(history, exchange("third", "a3")...)

	msgs := c.Compose(history, "fourth", nil)

	// system + 2 exchanges + new user message
	if len(msgs) != 6 {
		t.Fatalf("got %d messages, want 6", len(msgs))
	}
	if msgs[1].Content != "second" {
		t.Errorf("oldest kept = %q, want %q", msgs[1].Content, "second")
	}
	for _, m := range msgs[1 : len(msgs)-1] {
		if m.Content == "first" || m.Content == "a1" {
			t.Errorf("trimmed exchange leaked into result: %+v", m)
		}
	}
}

func TestComposeDropsStoredSystemMessages(t *testing.T) {
	c := New(10, "fresh system")
	history := []ollama.Message{
		{Role: "system", Content: "stale system"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}

	msgs := c.Compose(history, "next", nil)
	count := 0
	for _, m := range msgs {
		if m.Role == "system" {
			count++
			if m.Content != "fresh system" {
				t.Errorf("system content = %q, want composer's own", m.Content)
			}
		}
	}
	if count != 1 {
		t.Errorf("system messages = %d, want exactly 1", count)
	}
}

func TestComposeInjectsContext(t *testing.T) {
	c := New(10, "sys")
	msgs := c.Compose(nil, "what is the battery capacity?", []string{"chunk one", "chunk two"})

	sys := msgs[0].Content
	if !strings.Contains(sys, "[Retrieved Context]") {
		t.Errorf("system = %q, want retrieved context block", sys)
	}
	if !strings.Contains(sys, "(1) chunk one") || !strings.Contains(sys, "(2) chunk two") {
		t.Errorf("system = %q, want numbered snippets", sys)
	}
}

func TestComposeContextBudget(t *testing.T) {
	c := New(10, "sys")
	c.MaxContextTokens = 20

	big := strings.Repeat("x", 1000)
	msgs := c.Compose(nil, "q", []string{big, "tiny"})

	sys := msgs[0].Content
	if strings.Contains(sys, big) {
		t.Error("oversized snippet not dropped")
	}
	if !strings.Contains(sys, "tiny") {
		t.Error("snippet within budget dropped")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(\"\") = %d, want 0", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Errorf("EstimateTokens(4 chars) = %d, want 1", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("EstimateTokens(5 chars) = %d, want 2", got)
	}
}
